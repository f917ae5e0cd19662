package vcs

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	repocache "github.com/wolfeidau/repo-cache"
	"github.com/wolfeidau/repo-cache/credentials"
)

// AuthRoute maps repositories under a prefix to an auth method.
type AuthRoute struct {
	RepoPrefix string // e.g., "github.com/orga/", matched against Identity.Key
	Any        bool   // catch-all route
	Auth       transport.AuthMethod
}

// AuthRouter selects HTTP credentials for a repository.
type AuthRouter struct {
	routes []AuthRoute
	logger *slog.Logger
}

// NewAuthRouter creates a router over routes.
//
// Validation rules:
//   - If routes is non-empty, the last route must have Any: true (catch-all required)
//   - Only the last route may have Any: true
//   - RepoPrefix values must end with "/" to prevent ambiguous matching
//   - RepoPrefix values are normalized to lowercase
//   - Prefixes must not be duplicated
func NewAuthRouter(routes []AuthRoute, logger *slog.Logger) (*AuthRouter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &AuthRouter{logger: logger}
	if len(routes) == 0 {
		return r, nil
	}

	seen := make(map[string]bool)
	normalized := make([]AuthRoute, len(routes))

	for i, route := range routes {
		if route.Any {
			if i != len(routes)-1 {
				return nil, fmt.Errorf("git route %d: only the last route may have any: true", i)
			}
			normalized[i] = route
			continue
		}

		if route.RepoPrefix == "" {
			return nil, fmt.Errorf("git route %d: repo_prefix is required (or use any: true for catch-all)", i)
		}
		if !strings.HasSuffix(route.RepoPrefix, "/") {
			return nil, fmt.Errorf("git route %d: repo_prefix %q must end with /", i, route.RepoPrefix)
		}

		lower := strings.ToLower(route.RepoPrefix)
		if seen[lower] {
			return nil, fmt.Errorf("git route %d: duplicate repo_prefix %q", i, route.RepoPrefix)
		}
		seen[lower] = true

		normalized[i] = AuthRoute{RepoPrefix: lower, Auth: route.Auth}
	}

	if !routes[len(routes)-1].Any {
		return nil, fmt.Errorf("git routes: last route must have any: true (catch-all required)")
	}

	r.routes = normalized
	return r, nil
}

// NewAuthRouterFromCredentials builds basic-auth routes from resolved
// credentials. A nil config yields a router that never authenticates.
func NewAuthRouterFromCredentials(cfg *credentials.GitAuthConfig, logger *slog.Logger) (*AuthRouter, error) {
	if cfg == nil {
		return NewAuthRouter(nil, logger)
	}
	routes := make([]AuthRoute, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		route := AuthRoute{RepoPrefix: r.Match.RepoPrefix, Any: r.Match.Any}
		if r.Username != "" || r.Password != "" {
			route.Auth = &githttp.BasicAuth{Username: r.Username, Password: r.Password}
		}
		routes = append(routes, route)
	}
	return NewAuthRouter(routes, logger)
}

// Match returns the auth method for rawURL, or nil. Only http(s) remotes
// are authenticated; ssh remotes use the agent.
func (r *AuthRouter) Match(rawURL string) transport.AuthMethod {
	if r == nil || len(r.routes) == 0 {
		return nil
	}
	lower := strings.ToLower(rawURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return nil
	}
	id, err := repocache.ParseIdentity(rawURL)
	if err != nil || id.Local {
		return nil
	}

	key := id.Key() + "/"
	for _, route := range r.routes {
		if route.Any || strings.HasPrefix(key, route.RepoPrefix) {
			if route.Auth != nil {
				r.logger.Debug("using git credentials", "repo", id.Key(), "route", route.RepoPrefix)
			}
			return route.Auth
		}
	}
	return nil
}
