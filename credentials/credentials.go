// Package credentials renders a templated JSON credentials file into the
// bearer token for the HTTP API and the git basic-auth routes.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/template"
)

// maxTemplateSize bounds both the template file and its rendered output.
const maxTemplateSize = 1 << 20

// Credentials holds all resolved credential values.
type Credentials struct {
	AuthToken string         `json:"auth_token,omitempty"`
	Git       *GitAuthConfig `json:"git,omitempty"`
}

// GitAuthConfig holds the git routing table. Routes are tried in order and
// the last one must be a catch-all.
type GitAuthConfig struct {
	Routes []GitRoute `json:"routes,omitempty"`
}

// GitRoute defines a single git routing rule.
type GitRoute struct {
	Match    GitRouteMatch `json:"match"`
	Username string        `json:"username,omitempty"`
	Password string        `json:"password,omitempty"`
}

// GitRouteMatch defines the matching criteria for a git route.
type GitRouteMatch struct {
	RepoPrefix string `json:"repo_prefix,omitempty"` // host/org/, lowercased before matching
	Any        bool   `json:"any,omitempty"`
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	creds, err := r.ResolveReader(ctx, f)
	if err != nil {
		return nil, err
	}
	r.logger.Info("loaded credentials",
		"path", path,
		"auth_token", creds.AuthToken != "",
		"git_routes", creds.GitRouteCount(),
	)
	return creds, nil
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxTemplateSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcMap(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}
	if buf.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxTemplateSize)
	}

	var creds Credentials
	if err := json.Unmarshal(buf.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}
	return &creds, nil
}

// GitRouteCount returns the number of git routes, zero when unset.
func (c *Credentials) GitRouteCount() int {
	if c == nil || c.Git == nil {
		return 0
	}
	return len(c.Git.Routes)
}
