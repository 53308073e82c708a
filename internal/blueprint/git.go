package blueprint

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const gitTimeout = 10 * time.Second

// GitInspector answers branch questions against a local checkout by shelling
// out to git. It satisfies BranchInspector.
type GitInspector struct{}

var _ BranchInspector = GitInspector{}

// Integrated reports whether branch is already an ancestor of base, meaning
// its work has been merged.
func (GitInspector) Integrated(ctx context.Context, repoRoot, branch, base string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	err := exec.CommandContext(ctx, "git", "-C", repoRoot, "merge-base", "--is-ancestor", branch, base).Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base failed: %w", err)
}

// Conflicts reports whether merging branch into base would conflict, using
// an in-memory merge so the working tree is untouched.
func (GitInspector) Conflicts(ctx context.Context, repoRoot, branch, base string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	err := exec.CommandContext(ctx, "git", "-C", repoRoot, "merge-tree", "--write-tree", "--quiet", base, branch).Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git merge-tree failed: %w", err)
}
