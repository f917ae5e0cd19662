package vcs

import (
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

var (
	// ErrRepositoryNotFound means the remote or local repository does not exist.
	ErrRepositoryNotFound = errors.New("repository not found")

	// ErrBranchNotFound means the requested branch does not exist.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrAuthRequired means the remote rejected the request for lack of credentials.
	ErrAuthRequired = errors.New("authentication required")

	// ErrEmptyRemote means the remote has no refs to fetch.
	ErrEmptyRemote = errors.New("remote repository is empty")
)

// wrapError classifies err and prefixes it with what was being done.
// The original error stays in the chain.
func wrapError(err error, doing string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", doing, classifyError(err))
}

// classifyError maps go-git errors onto the package sentinels. Unknown
// errors pass through unchanged.
func classifyError(err error) error {
	switch {
	case errors.Is(err, gogit.ErrRepositoryNotExists),
		errors.Is(err, transport.ErrRepositoryNotFound):
		return fmt.Errorf("%w: %w", ErrRepositoryNotFound, err)

	case errors.Is(err, plumbing.ErrReferenceNotFound),
		errors.Is(err, gogit.NoMatchingRefSpecError{}):
		return fmt.Errorf("%w: %w", ErrBranchNotFound, err)

	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%w: %w", ErrAuthRequired, err)

	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return fmt.Errorf("%w: %w", ErrEmptyRemote, err)
	}
	return err
}
