// Command repo-cache caches working copies of git repositories and serves
// them over a JSON API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/wolfeidau/repo-cache/config"
	"github.com/wolfeidau/repo-cache/credentials"
	"github.com/wolfeidau/repo-cache/credentials/opprovider"
	"github.com/wolfeidau/repo-cache/manager"
	"github.com/wolfeidau/repo-cache/vcs"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config    string `short:"c" help:"Path to a YAML config file." type:"path" env:"REPO_CACHE_CONFIG"`
	LogLevel  string `default:"info" enum:"debug,info,warn,error" help:"Log level (${enum})."`
	LogFormat string `default:"text" enum:"text,json" help:"Log format (${enum})."`

	CacheDir       string `help:"Cache root directory." type:"path" env:"REPO_CACHE_DIR"`
	MaxCachedRepos int    `help:"Maximum number of cached repositories."`
	Credentials    string `help:"Credentials template file." type:"path" env:"REPO_CACHE_CREDENTIALS"`
	CloneDepth     int    `help:"Clone depth, 0 for full history."`
	StrictLocking  bool   `help:"Fail instead of proceeding when the cache lock times out."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Serve          ServeCmd          `cmd:"" help:"Run the HTTP API."`
	Clone          CloneCmd          `cmd:"" help:"Clone a repository into the cache and wait for it."`
	Refresh        RefreshCmd        `cmd:"" help:"Update a cached repository from its source."`
	Status         StatusCmd         `cmd:"" help:"Show the status of a cache entry."`
	Branches       BranchesCmd       `cmd:"" help:"List the cached branches of a repository."`
	RemoteBranches RemoteBranchesCmd `cmd:"" name:"remote-branches" help:"List the branches of a remote repository."`
	Stats          StatsCmd          `cmd:"" help:"Summarise the cache."`
	Cleanup        CleanupCmd        `cmd:"" help:"Evict the oldest entries until the cache is within capacity."`
	Rm             RmCmd             `cmd:"" help:"Remove a cache entry."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name(config.AppName),
		kong.Description("A local cache of git repository working copies."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func (g *Globals) logger() *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(g.LogLevel))

	if g.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	isTerminal := isatty.IsTerminal(os.Stderr.Fd())
	timeFormat := time.Kitchen
	if !isTerminal {
		timeFormat = time.RFC3339
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		NoColor:    !isTerminal,
		TimeFormat: timeFormat,
	}))
}

// loadConfig reads the config file and applies flag overrides.
func (g *Globals) loadConfig() (config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return config.Config{}, err
	}
	if g.CacheDir != "" {
		cfg.CacheDir = g.CacheDir
	}
	if g.MaxCachedRepos > 0 {
		cfg.MaxCachedRepos = g.MaxCachedRepos
	}
	if g.Credentials != "" {
		cfg.CredentialsFile = g.Credentials
	}
	if g.CloneDepth > 0 {
		cfg.CloneDepth = g.CloneDepth
	}
	if g.StrictLocking {
		cfg.StrictLocking = true
	}
	return cfg, cfg.Validate()
}

// app holds what every command needs before opening the cache.
type app struct {
	cfg       config.Config
	creds     *credentials.Credentials
	logger    *slog.Logger
	transport vcs.Transport
}

func (g *Globals) setup(ctx context.Context) (*app, error) {
	logger := g.logger()
	slog.SetDefault(logger)

	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}

	creds := &credentials.Credentials{}
	if cfg.CredentialsFile != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(logger),
			opprovider.WithOnePassword(),
		)
		creds, err = resolver.ResolveFile(ctx, cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("loading credentials: %w", err)
		}
	}

	auth, err := vcs.NewAuthRouterFromCredentials(creds.Git, logger)
	if err != nil {
		return nil, fmt.Errorf("configuring git auth: %w", err)
	}
	vcs.InstallInstrumentedHTTP()
	transport := vcs.NewGoGit(
		vcs.WithAuth(auth),
		vcs.WithDepth(cfg.CloneDepth),
		vcs.WithLogger(logger),
	)

	return &app{cfg: cfg, creds: creds, logger: logger, transport: transport}, nil
}

func (a *app) openManager(opts ...manager.Option) (*manager.Manager, error) {
	m, err := manager.New(a.cfg, a.transport, append([]manager.Option{manager.WithLogger(a.logger)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return m, nil
}
