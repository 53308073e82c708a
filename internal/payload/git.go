package payload

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const gitTimeout = 10 * time.Second

// GitBranches creates job branches with the local git binary.
type GitBranches struct{}

var _ BranchCreator = GitBranches{}

// EnsureBranch creates branch off base in the checkout at root. A branch
// that already exists is left untouched.
func (GitBranches) EnsureBranch(ctx context.Context, root, branch, base string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	exists := exec.CommandContext(ctx, "git", "-C", root, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err := exists.Run(); err == nil {
		return nil
	}

	create := exec.CommandContext(ctx, "git", "-C", root, "branch", branch, base)
	if out, err := create.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("failed to create branch %s off %s: %w: %s", branch, base, err, msg)
		}
		return fmt.Errorf("failed to create branch %s off %s: %w", branch, base, err)
	}
	return nil
}
