package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// cloneBareDepth1 clones upstream into dest as a bare, depth-1 repository.
// Run directly against the upstream URL rather than through adapters/git's
// Client, since Client always operates against an existing checkout.
func cloneBareDepth1(ctx context.Context, upstream, dest string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--bare", "--depth", "1", upstream, dest)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git clone --bare --depth 1 %s: %w: %s", upstream, err, stderr.String())
	}
	return nil
}
