package metadata

import "time"

// ReconcileReport describes the changes a reconciliation made.
type ReconcileReport struct {
	Added   []string
	Dropped []string
}

// Changed reports whether the reconciliation altered the record set.
func (r ReconcileReport) Changed() bool {
	return len(r.Added) > 0 || len(r.Dropped) > 0
}

// Reconcile merges persisted records with the directories found on disk.
// The result has exactly one record per directory in onDisk: existing
// records are kept untouched, records without a directory are dropped and
// directories without a record get a minimal record stamped with now.
// The input map is not modified.
func Reconcile(records Records, onDisk []string, now time.Time) (Records, ReconcileReport) {
	out := make(Records, len(onDisk))
	var report ReconcileReport

	for _, p := range onDisk {
		if rec, ok := records[p]; ok {
			out[p] = rec
			continue
		}
		out[p] = NewRecord(now)
		report.Added = append(report.Added, p)
	}

	for _, p := range records.Paths() {
		if _, ok := out[p]; !ok {
			report.Dropped = append(report.Dropped, p)
		}
	}

	return out, report
}
