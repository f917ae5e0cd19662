package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wolfeidau/repo-cache/manager"
	"github.com/wolfeidau/repo-cache/server"
	"github.com/wolfeidau/repo-cache/telemetry"
)

// ServeCmd runs the HTTP API and the overflow janitor.
type ServeCmd struct {
	Address          string `help:"Address to listen on."`
	AuthToken        string `help:"Bearer token required by the API." env:"REPO_CACHE_AUTH_TOKEN"`
	OTLPEndpoint     string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics."`
	EnablePrometheus bool   `help:"Serve Prometheus metrics on /metrics."`
}

func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := g.setup(ctx)
	if err != nil {
		return err
	}
	cfg := a.cfg

	if c.Address != "" {
		cfg.Server.Address = c.Address
	}
	if c.OTLPEndpoint != "" {
		cfg.Metrics.OTLPEndpoint = c.OTLPEndpoint
	}
	if c.EnablePrometheus {
		cfg.Metrics.EnablePrometheus = true
	}
	token := cfg.Server.AuthToken
	switch {
	case c.AuthToken != "":
		token = c.AuthToken
	case a.creds.AuthToken != "":
		token = a.creds.AuthToken
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "repo-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.EnablePrometheus,
		FlushInterval:    cfg.Metrics.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	m, err := a.openManager(manager.WithMeter(telemetry.Meter()))
	if err != nil {
		return err
	}
	defer m.Close()

	m.Start(ctx)

	srv := server.New(server.Config{
		Address:   cfg.Server.Address,
		AuthToken: token,
		Logger:    a.logger,
	}, m)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("server started",
		"address", srv.Address(),
		"cache_dir", m.Root(),
		"max_cached_repos", cfg.MaxCachedRepos,
	)

	select {
	case <-ctx.Done():
		a.logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// CloneCmd clones a repository and waits for the transfer.
type CloneCmd struct {
	URL      string `arg:"" help:"Repository URL or local directory."`
	Branch   string `short:"b" help:"Branch to check out (default main)."`
	Strategy string `short:"s" name:"cache-strategy" default:"shared" enum:"shared,per-branch" help:"Caching strategy (${enum})."`
}

func (c *CloneCmd) Run(g *Globals) error {
	return withManager(g, func(ctx context.Context, m *manager.Manager) error {
		resp, err := m.CloneRepository(ctx, c.URL, c.Branch, c.Strategy)
		if err != nil {
			return err
		}
		return printTransfer(ctx, m, resp)
	})
}

// RefreshCmd updates a cached repository and waits for the transfer.
type RefreshCmd struct {
	URL      string `arg:"" help:"Repository URL or local directory."`
	Branch   string `short:"b" help:"Branch to switch to (default keeps the current one)."`
	Strategy string `short:"s" name:"cache-strategy" default:"shared" enum:"shared,per-branch" help:"Caching strategy (${enum})."`
}

func (c *RefreshCmd) Run(g *Globals) error {
	return withManager(g, func(ctx context.Context, m *manager.Manager) error {
		resp, err := m.RefreshRepository(ctx, c.URL, c.Branch, c.Strategy)
		if err != nil {
			return err
		}
		return printTransfer(ctx, m, resp)
	})
}

// StatusCmd prints the status of a cache entry.
type StatusCmd struct {
	Path string `arg:"" help:"Cache entry path."`
}

func (c *StatusCmd) Run(g *Globals) error {
	return withManager(g, func(ctx context.Context, m *manager.Manager) error {
		status, err := m.GetRepositoryStatus(ctx, c.Path)
		if err != nil {
			return err
		}
		return printJSON(status)
	})
}

// BranchesCmd lists the cached branches of a repository.
type BranchesCmd struct {
	URL string `arg:"" help:"Repository URL or local directory."`
}

func (c *BranchesCmd) Run(g *Globals) error {
	return withManager(g, func(ctx context.Context, m *manager.Manager) error {
		listing, err := m.ListRepositoryBranches(ctx, c.URL)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d cached\n", listing.RepoURL, listing.TotalCached)
		for _, b := range listing.CachedBranches {
			fmt.Printf("  %-20s %-10s %-10s %s  %s\n",
				b.Branch, b.CacheStrategy, b.CloneStatus.State, humanize.Time(b.LastAccess), b.Path)
		}
		return nil
	})
}

// RemoteBranchesCmd lists the branches of a remote repository.
type RemoteBranchesCmd struct {
	URL     string        `arg:"" help:"Repository URL or local directory."`
	Timeout time.Duration `default:"60s" help:"Give up after this long."`
}

func (c *RemoteBranchesCmd) Run(g *Globals) error {
	return withManager(g, func(ctx context.Context, m *manager.Manager) error {
		ctx, cancel := context.WithTimeout(ctx, c.Timeout)
		defer cancel()
		remote, err := m.ListRemoteBranches(ctx, c.URL)
		if err != nil {
			return err
		}
		for _, b := range remote.RemoteBranches {
			fmt.Println(b)
		}
		return nil
	})
}

// StatsCmd summarises the cache.
type StatsCmd struct {
	JSON bool `help:"Print JSON."`
}

func (c *StatsCmd) Run(g *Globals) error {
	return withManager(g, func(ctx context.Context, m *manager.Manager) error {
		stats, err := m.Stats(ctx)
		if err != nil {
			return err
		}
		if c.JSON {
			return printJSON(stats)
		}
		fmt.Printf("root:     %s\n", stats.Root)
		fmt.Printf("entries:  %s of %s\n", humanize.Comma(int64(stats.Entries)), humanize.Comma(int64(stats.Capacity)))
		for state, n := range stats.States {
			fmt.Printf("  %-12s %d\n", state, n)
		}
		return nil
	})
}

// CleanupCmd trims the cache to capacity.
type CleanupCmd struct{}

func (c *CleanupCmd) Run(g *Globals) error {
	return withManager(g, func(ctx context.Context, m *manager.Manager) error {
		result := m.CleanupOverflow(ctx)
		fmt.Printf("evicted %d entries, reclaimed %s, %d remaining\n",
			len(result.Evicted), humanize.Bytes(uint64(result.BytesReclaimed)), result.Remaining)
		for _, p := range result.Evicted {
			fmt.Printf("  %s\n", p)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("cleanup finished with %d errors: %v", len(result.Errors), result.Errors)
		}
		return nil
	})
}

// RmCmd removes a cache entry.
type RmCmd struct {
	Path string `arg:"" help:"Cache entry path."`
}

func (c *RmCmd) Run(g *Globals) error {
	return withManager(g, func(ctx context.Context, m *manager.Manager) error {
		if err := m.RemoveRepository(ctx, c.Path); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", c.Path)
		return nil
	})
}

func withManager(g *Globals, fn func(ctx context.Context, m *manager.Manager) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := g.setup(ctx)
	if err != nil {
		return err
	}
	m, err := a.openManager()
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(ctx, m)
}

// printTransfer prints the immediate answer, waits for any background
// transfer and prints the final status.
func printTransfer(ctx context.Context, m *manager.Manager, resp *manager.CloneResponse) error {
	fmt.Fprintln(os.Stderr, resp.Message)
	m.Wait()

	status, err := m.GetRepositoryStatus(ctx, resp.Path)
	if err != nil {
		return err
	}
	if err := printJSON(status); err != nil {
		return err
	}
	if status.CloneStatus.Error != nil {
		return fmt.Errorf("transfer failed: %s", *status.CloneStatus.Error)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
