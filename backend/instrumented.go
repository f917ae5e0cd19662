package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/repo-cache/telemetry"
)

// InstrumentedBackend wraps a TreeBackend with metrics recording.
type InstrumentedBackend struct {
	backend TreeBackend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b TreeBackend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) RemoveTree(ctx context.Context, path string) error {
	start := time.Now()
	err := ib.backend.RemoveTree(ctx, path)
	telemetry.RecordBackendOp(ctx, ib.name, "remove_tree", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) TreeSize(ctx context.Context, path string) (int64, error) {
	start := time.Now()
	size, err := ib.backend.TreeSize(ctx, path)
	telemetry.RecordBackendOp(ctx, ib.name, "tree_size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

func (ib *InstrumentedBackend) ReplaceTree(ctx context.Context, staged, dst string) error {
	start := time.Now()
	err := ib.backend.ReplaceTree(ctx, staged, dst)
	telemetry.RecordBackendOp(ctx, ib.name, "replace_tree", outcomeFromError(err), time.Since(start), 0)
	return err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() TreeBackend {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Compile-time interface checks
var (
	_ Backend     = (*InstrumentedBackend)(nil)
	_ TreeBackend = (*InstrumentedBackend)(nil)
)
