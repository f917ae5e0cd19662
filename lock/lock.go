// Package lock provides the best-effort mutual exclusion used around
// read-modify-write sequences on the cache metadata document.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/danjacques/gofslock/fslock"
	repocache "github.com/wolfeidau/repo-cache"
	"github.com/wolfeidau/repo-cache/telemetry"
)

const (
	// FileName is the lock file created under the cache root.
	FileName = "cache.fslock"

	// DefaultTimeout is how long to wait for the lock before giving up.
	DefaultTimeout = 50 * time.Millisecond

	retryDelay = 5 * time.Millisecond
)

// Result describes how a locked region was executed.
type Result int

const (
	// Acquired means the body ran while holding the lock.
	Acquired Result = iota
	// TimedOutProceeding means the lock could not be acquired in time and
	// the body ran without it.
	TimedOutProceeding
)

func (r Result) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case TimedOutProceeding:
		return "timed_out_proceeding"
	default:
		return "unknown"
	}
}

// Locker runs a function inside a mutually exclusive region.
type Locker interface {
	// WithLock runs fn while holding the lock when possible. The returned
	// error is fn's error, or a locking error if fn never ran, in which
	// case the Result carries no meaning.
	WithLock(ctx context.Context, fn func() error) (Result, error)
}

// Config configures a FileLocker.
type Config struct {
	// Timeout bounds the wait for the lock. Default: 50ms.
	Timeout time.Duration

	// Strict fails with repocache.ErrLockTimeout instead of running the
	// body unlocked when the timeout elapses.
	Strict bool

	// Logger for lock contention warnings.
	Logger *slog.Logger
}

// FileLocker is an exclusive advisory lock on a file in the cache root.
// It excludes other processes as well as other goroutines in this one.
type FileLocker struct {
	path   string
	config Config
	logger *slog.Logger
}

// NewFileLocker creates a locker for <root>/cache.fslock.
func NewFileLocker(root string, cfg Config) (*FileLocker, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &FileLocker{
		path:   filepath.Join(root, FileName),
		config: cfg,
		logger: cfg.Logger,
	}, nil
}

// Path returns the lock file path.
func (l *FileLocker) Path() string {
	return l.path
}

var errDeadline = errors.New("lock deadline exceeded")

// WithLock implements Locker.
func (l *FileLocker) WithLock(ctx context.Context, fn func() error) (Result, error) {
	deadline := time.Now().Add(l.config.Timeout)
	blocker := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return errDeadline
		}
		time.Sleep(retryDelay)
		return nil
	}

	h, err := fslock.LockBlocking(l.path, blocker)
	switch {
	case err == nil:
		telemetry.RecordLock(ctx, Acquired.String())
		defer func() {
			if uerr := h.Unlock(); uerr != nil {
				l.logger.Warn("failed to release cache lock", "path", l.path, "error", uerr)
			}
		}()
		return Acquired, fn()

	case errors.Is(err, errDeadline):
		if l.config.Strict {
			telemetry.RecordLock(ctx, "timed_out_failed")
			return Acquired, fmt.Errorf("%w: %s", repocache.ErrLockTimeout, l.path)
		}
		telemetry.RecordLock(ctx, TimedOutProceeding.String())
		l.logger.Warn("could not acquire cache lock within timeout, proceeding without lock",
			"path", l.path,
			"timeout", l.config.Timeout,
		)
		return TimedOutProceeding, fn()

	default:
		return Acquired, fmt.Errorf("acquiring cache lock: %w", err)
	}
}

// Nop is a Locker that always reports Acquired without locking anything.
type Nop struct{}

// WithLock implements Locker.
func (Nop) WithLock(_ context.Context, fn func() error) (Result, error) {
	return Acquired, fn()
}

var (
	_ Locker = (*FileLocker)(nil)
	_ Locker = Nop{}
)
