package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	repocache "github.com/wolfeidau/repo-cache"
	"github.com/wolfeidau/repo-cache/manager"
	"github.com/wolfeidau/repo-cache/metadata"
	"github.com/wolfeidau/repo-cache/telemetry"
	"github.com/wolfeidau/repo-cache/vcs"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 64 << 10

type repoRequest struct {
	URL           string `json:"url"`
	Branch        string `json:"branch"`
	CacheStrategy string `json:"cache_strategy"`
}

type mapStatusRequest struct {
	Path    string `json:"path"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

var errBadRequest = errors.New("bad request")

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetCacheResult(r, telemetry.CacheNA)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clone")

	var req repoRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.cache.CloneRepository(r.Context(), req.URL, req.Branch, req.CacheStrategy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	telemetry.SetStrategy(r, resp.CacheStrategy)
	if resp.Status == "pending" {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "refresh")

	var req repoRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.cache.RefreshRepository(r.Context(), req.URL, req.Branch, req.CacheStrategy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	telemetry.SetStrategy(r, resp.CacheStrategy)
	if resp.Status == "pending" {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "branches")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	source, err := requiredQuery(r, "url")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	listing, err := s.cache.ListRepositoryBranches(r.Context(), source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleRemoteBranches(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "remote_branches")

	source, err := requiredQuery(r, "url")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	remote, err := s.cache.ListRemoteBranches(r.Context(), source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remote)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "status")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	path, err := requiredQuery(r, "path")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.cache.GetRepositoryStatus(r.Context(), path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	telemetry.SetStrategy(r, status.CacheStrategy)
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "content")

	q := r.URL.Query()
	source, err := requiredQuery(r, "url")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	strategy := q.Get("cache_strategy")
	telemetry.SetStrategy(r, strategy)

	res, err := s.cache.GetResource(r.Context(), source, q.Get("branch"), strategy, q.Get("resource"))
	if err != nil {
		if errors.Is(err, repocache.ErrNotFound) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
		}
		s.writeError(w, r, err)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMapStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "map_status")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	var req mapStatusRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Path == "" {
		s.writeError(w, r, fmt.Errorf("%w: path is required", errBadRequest))
		return
	}
	if err := s.cache.SetRepoMapStatus(r.Context(), req.Path, req.Status, req.Message); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "remove")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	path, err := requiredQuery(r, "path")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cache.RemoveRepository(r.Context(), path); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "path": path})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cleanup")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	writeJSON(w, http.StatusOK, s.cache.CleanupOverflow(r.Context()))
}

// statusFor maps an error to its HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, repocache.ErrInvalidStrategy),
		errors.Is(err, repocache.ErrInvalidIdentity),
		errors.Is(err, metadata.ErrInvalidMapState):
		return http.StatusBadRequest
	case errors.Is(err, repocache.ErrNotFound),
		errors.Is(err, vcs.ErrRepositoryNotFound),
		errors.Is(err, vcs.ErrBranchNotFound):
		return http.StatusNotFound
	case errors.Is(err, repocache.ErrInFlight),
		errors.Is(err, repocache.ErrCloneInProgress),
		errors.Is(err, repocache.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, manager.ErrResourceTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, repocache.ErrCapacityEviction):
		return http.StatusInsufficientStorage
	case errors.Is(err, repocache.ErrLockTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, vcs.ErrAuthRequired):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"request_id", telemetry.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, errorBody{Status: "error", Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decoding request body: %v", errBadRequest, err)
	}
	return nil
}

func requiredQuery(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", errBadRequest, name)
	}
	return v, nil
}
