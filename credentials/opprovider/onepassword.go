// Package opprovider resolves credentials template references with the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wolfeidau/repo-cache/credentials"
)

// WithOnePassword registers an "op" template function that resolves
// references such as op://vault/github/token with `op read`.
func WithOnePassword() credentials.ResolverOption {
	return credentials.WithProvider("op", read)
}

func read(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "op://") {
		return "", fmt.Errorf("op reference %q must start with op://", ref)
	}

	cmd := exec.CommandContext(ctx, "op", "read", "--no-newline", ref)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
