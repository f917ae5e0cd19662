package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	repocache "github.com/wolfeidau/repo-cache"
	"github.com/wolfeidau/repo-cache/backend"
	"github.com/wolfeidau/repo-cache/cachepath"
	"github.com/wolfeidau/repo-cache/lock"
)

// DocumentKey is the backend key of the metadata document.
const DocumentKey = "metadata.json"

// Store reads and writes the metadata document. Every mutation runs inside
// the locker's region and rewrites the whole document.
type Store struct {
	backend  backend.TreeBackend
	resolver *cachepath.Resolver
	locker   lock.Locker
	logger   *slog.Logger

	// mu serialises mutations from this process even when the file lock
	// times out and the region proceeds unlocked.
	mu  sync.Mutex
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a store persisting through b, enumerating disk through r
// and guarding mutations with l.
func NewStore(b backend.TreeBackend, r *cachepath.Resolver, l lock.Locker, opts ...Option) *Store {
	s := &Store{
		backend:  b,
		resolver: r,
		locker:   l,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "metadata")
	return s
}

// Now returns the store clock in UTC.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Resolver returns the path resolver the store enumerates with.
func (s *Store) Resolver() *cachepath.Resolver {
	return s.resolver
}

// ReadAll loads the document without locking or reconciling. A missing or
// corrupt document yields an empty set. Records that fail to decode are
// dropped on their own.
func (s *Store) ReadAll(ctx context.Context) (Records, error) {
	rc, err := s.backend.Read(ctx, DocumentKey)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return Records{}, nil
		}
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Records{}, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("metadata document is corrupt, starting cold", "error", err)
		return Records{}, nil
	}

	records := make(Records, len(raw))
	for p, msg := range raw {
		var rec *Record
		if err := json.Unmarshal(msg, &rec); err != nil {
			s.logger.Warn("dropping unreadable metadata record", "path", p, "error", err)
			continue
		}
		if rec == nil {
			rec = NewRecord(s.Now())
		}
		records[p] = rec
	}
	return records, nil
}

// Write replaces the document with records.
func (s *Store) Write(ctx context.Context, records Records) error {
	data, err := encode(records)
	if err != nil {
		return err
	}
	if err := s.backend.Write(ctx, DocumentKey, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// Update runs fn on the current records inside the locked region and
// persists the result. Nothing is written if fn fails.
func (s *Store) Update(ctx context.Context, fn func(Records) error) error {
	return s.mutate(ctx, false, fn)
}

// Sync is Update with the records reconciled against disk before fn runs.
func (s *Store) Sync(ctx context.Context, fn func(Records) error) error {
	return s.mutate(ctx, true, fn)
}

func (s *Store) mutate(ctx context.Context, reconcile bool, fn func(Records) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.locker.WithLock(ctx, func() error {
		records, err := s.ReadAll(ctx)
		if err != nil {
			return err
		}
		if reconcile {
			onDisk, err := s.resolver.Enumerate()
			if err != nil {
				return err
			}
			var report ReconcileReport
			records, report = Reconcile(records, onDisk, s.Now())
			if report.Changed() {
				s.logger.Info("reconciled metadata with disk",
					"added", len(report.Added),
					"dropped", len(report.Dropped),
				)
			}
		}
		if fn != nil {
			if err := fn(records); err != nil {
				return err
			}
		}
		return s.Write(ctx, records)
	})
	return err
}

// Reconcile repairs the document against disk and returns the result.
func (s *Store) Reconcile(ctx context.Context) (Records, error) {
	var out Records
	err := s.Sync(ctx, func(records Records) error {
		out = cloneRecords(records)
		return nil
	})
	return out, err
}

// List returns every record after reconciling.
func (s *Store) List(ctx context.Context) (Records, error) {
	return s.Reconcile(ctx)
}

// TouchAccess bumps the last access time of path.
func (s *Store) TouchAccess(ctx context.Context, path string) error {
	return s.Update(ctx, func(records Records) error {
		now := s.Now()
		records.Ensure(path, now).LastAccess = now
		return nil
	})
}

// SetCloneStatus replaces the clone status of path.
func (s *Store) SetCloneStatus(ctx context.Context, path string, status CloneStatus) error {
	return s.Update(ctx, func(records Records) error {
		records.Ensure(path, s.Now()).CloneStatus = status
		return nil
	})
}

// SetRepoMapStatus replaces the map build status of path, stamping the
// update time when unset.
func (s *Store) SetRepoMapStatus(ctx context.Context, path string, status RepoMapStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = s.Now()
	}
	return s.Update(ctx, func(records Records) error {
		records.Ensure(path, s.Now()).RepoMapStatus = &status
		return nil
	})
}

// Get returns the persisted record for path without locking. The read is
// not reconciled: a record whose directory has gone stays visible until the
// next List or Sync, and a directory without a record is ErrNotFound.
func (s *Store) Get(ctx context.Context, path string) (*Record, error) {
	records, err := s.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := records[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repocache.ErrNotFound, path)
	}
	return rec, nil
}

// GetStatus returns the polled status of path. Like Get it reads the
// persisted document as is, so an entry still being cloned is reported
// before its directory exists.
func (s *Store) GetStatus(ctx context.Context, path string) (*Status, error) {
	rec, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Status{
		CloneStatus:   rec.CloneStatus,
		RepoMapStatus: rec.RepoMapStatus,
		CurrentBranch: rec.CurrentBranch,
		CacheStrategy: rec.CacheStrategy,
	}, nil
}

// Remove deletes the record and directory tree of path together.
func (s *Store) Remove(ctx context.Context, path string) error {
	if !s.resolver.Contains(path) {
		return fmt.Errorf("%w: %s", repocache.ErrNotFound, path)
	}
	return s.Sync(ctx, func(records Records) error {
		if _, ok := records[path]; !ok {
			return fmt.Errorf("%w: %s", repocache.ErrNotFound, path)
		}
		if err := s.backend.RemoveTree(ctx, path); err != nil {
			return fmt.Errorf("removing %s: %w", path, err)
		}
		delete(records, path)
		s.logger.Info("removed repository", "path", path)
		return nil
	})
}

func encode(records Records) ([]byte, error) {
	if records == nil {
		records = Records{}
	}
	// encoding/json sorts map keys, which keeps the output byte-stable.
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return append(data, '\n'), nil
}

func cloneRecords(records Records) Records {
	out := make(Records, len(records))
	for p, rec := range records {
		out[p] = rec.Clone()
	}
	return out
}
