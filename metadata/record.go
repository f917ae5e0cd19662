// Package metadata persists one record per cached repository path in a
// single JSON document under the cache root, and reconciles that document
// against the directories actually present on disk.
package metadata

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// CloneState is the lifecycle state of the transfer into a cache path.
type CloneState string

const (
	CloneNotStarted CloneState = "not_started"
	CloneCloning    CloneState = "cloning"
	CloneCopying    CloneState = "copying"
	CloneComplete   CloneState = "complete"
	CloneError      CloneState = "error"
)

// Transferring reports whether a clone or copy is underway.
func (s CloneState) Transferring() bool {
	return s == CloneCloning || s == CloneCopying
}

// MapState is the lifecycle state of the semantic map build, which is owned
// by an external builder.
type MapState string

const (
	MapWaiting           MapState = "waiting"
	MapBuilding          MapState = "building"
	MapSuccess           MapState = "success"
	MapError             MapState = "error"
	MapThresholdExceeded MapState = "threshold_exceeded"
)

// ErrInvalidMapState is returned for a map state outside the known set.
var ErrInvalidMapState = errors.New("invalid repo map status")

// ParseMapState validates a map state reported by a builder.
func ParseMapState(s string) (MapState, error) {
	switch st := MapState(s); st {
	case MapWaiting, MapBuilding, MapSuccess, MapError, MapThresholdExceeded:
		return st, nil
	default:
		return "", fmt.Errorf("%w %q", ErrInvalidMapState, s)
	}
}

// CloneStatus tracks the transfer into a cache path.
type CloneStatus struct {
	State       CloneState `json:"status"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Error       *string    `json:"error"`
}

// RepoMapStatus tracks the external map build for a cache path.
type RepoMapStatus struct {
	State     MapState  `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is the persisted state of one cache path. The path itself is the
// key in Records.
type Record struct {
	URL           *string        `json:"url"`
	LastAccess    time.Time      `json:"last_access"`
	CloneStatus   CloneStatus    `json:"clone_status"`
	RepoMapStatus *RepoMapStatus `json:"repo_map_status"`

	RequestedBranch string `json:"requested_branch,omitempty"`
	CurrentBranch   string `json:"current_branch,omitempty"`
	CacheStrategy   string `json:"cache_strategy,omitempty"`
}

// NewRecord returns a minimal record with no provenance.
func NewRecord(now time.Time) *Record {
	return &Record{
		LastAccess:  now,
		CloneStatus: CloneStatus{State: CloneNotStarted},
	}
}

// SourceURL returns the originating identity, or "" if unknown.
func (r *Record) SourceURL() string {
	if r.URL == nil {
		return ""
	}
	return *r.URL
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	c.CloneStatus.StartedAt = cloneTime(r.CloneStatus.StartedAt)
	c.CloneStatus.CompletedAt = cloneTime(r.CloneStatus.CompletedAt)
	if r.CloneStatus.Error != nil {
		e := *r.CloneStatus.Error
		c.CloneStatus.Error = &e
	}
	if r.RepoMapStatus != nil {
		m := *r.RepoMapStatus
		c.RepoMapStatus = &m
	}
	return &c
}

// StartTransfer moves the record into state with a fresh start time.
func (r *Record) StartTransfer(state CloneState, now time.Time) {
	r.CloneStatus = CloneStatus{State: state, StartedAt: &now}
}

// CompleteTransfer marks the transfer complete and re-arms the map build.
func (r *Record) CompleteTransfer(now time.Time) {
	r.CloneStatus.State = CloneComplete
	r.CloneStatus.CompletedAt = &now
	r.CloneStatus.Error = nil
	r.RepoMapStatus = &RepoMapStatus{State: MapWaiting, UpdatedAt: now}
}

// FailTransfer records a transfer failure. The map build is still handed
// off as waiting so the builder observes the outcome.
func (r *Record) FailTransfer(err error, now time.Time) {
	msg := err.Error()
	r.CloneStatus.State = CloneError
	r.CloneStatus.CompletedAt = &now
	r.CloneStatus.Error = &msg
	r.RepoMapStatus = &RepoMapStatus{State: MapWaiting, UpdatedAt: now}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Records maps absolute cache paths to their records.
type Records map[string]*Record

// Paths returns the keys in lexical order.
func (rs Records) Paths() []string {
	paths := make([]string, 0, len(rs))
	for p := range rs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Ensure returns the record for path, creating a minimal one if missing.
func (rs Records) Ensure(path string, now time.Time) *Record {
	rec, ok := rs[path]
	if !ok {
		rec = NewRecord(now)
		rs[path] = rec
	}
	return rec
}

// Status is the polled view of a cache path.
type Status struct {
	CloneStatus   CloneStatus    `json:"clone_status"`
	RepoMapStatus *RepoMapStatus `json:"repo_map_status"`
	CurrentBranch string         `json:"current_branch,omitempty"`
	CacheStrategy string         `json:"cache_strategy,omitempty"`
}
