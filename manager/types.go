package manager

import (
	"time"

	"github.com/wolfeidau/repo-cache/metadata"
)

// CloneResponse answers CloneRepository and RefreshRepository.
type CloneResponse struct {
	Status         string `json:"status"`
	Path           string `json:"path"`
	CacheStrategy  string `json:"cache_strategy"`
	Message        string `json:"message"`
	CurrentBranch  string `json:"current_branch,omitempty"`
	PreviousBranch string `json:"previous_branch,omitempty"`
}

// CachedBranch is one cache entry of a repository.
type CachedBranch struct {
	Branch          string                  `json:"branch,omitempty"`
	Path            string                  `json:"path"`
	CacheStrategy   string                  `json:"cache_strategy,omitempty"`
	LastAccess      time.Time               `json:"last_access"`
	CloneStatus     metadata.CloneStatus    `json:"clone_status"`
	RequestedBranch string                  `json:"requested_branch,omitempty"`
	CurrentBranch   string                  `json:"current_branch,omitempty"`
	RepoMapStatus   *metadata.RepoMapStatus `json:"repo_map_status"`
}

// BranchListing answers ListRepositoryBranches.
type BranchListing struct {
	RepoURL        string         `json:"repo_url"`
	CachedBranches []CachedBranch `json:"cached_branches"`
	TotalCached    int            `json:"total_cached"`
}

// RemoteBranches answers ListRemoteBranches.
type RemoteBranches struct {
	RepoURL        string   `json:"repo_url"`
	RemoteBranches []string `json:"remote_branches"`
	TotalRemote    int      `json:"total_remote"`
}

// Resource kinds.
const (
	ResourceFile      = "file"
	ResourceDirectory = "directory"
)

// Resource is a file's content or a directory's immediate children,
// relative to the entry root.
type Resource struct {
	Type     string   `json:"type"`
	Path     string   `json:"path"`
	Content  string   `json:"content,omitempty"`
	Contents []string `json:"contents,omitempty"`
	Size     int64    `json:"size,omitempty"`
}

// Stats summarises the cache.
type Stats struct {
	Root     string         `json:"root"`
	Entries  int            `json:"entries"`
	Capacity int            `json:"capacity"`
	InFlight int            `json:"in_flight"`
	States   map[string]int `json:"states"`
}
