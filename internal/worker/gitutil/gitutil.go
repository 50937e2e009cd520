// Package gitutil inspects and prepares worker workspaces.
package gitutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CurrentBranch returns the branch checked out in dir, or "" when the
// branch has no commits yet, HEAD is detached, or dir is not a git
// repository. A frame only advertises a branch someone could visit.
func CurrentBranch(dir string) string {
	// An unborn branch has a name but nothing behind it.
	if err := exec.Command("git", "-C", dir, "rev-parse", "--verify", "HEAD").Run(); err != nil {
		return ""
	}

	out, err := exec.Command("git", "-C", dir, "status", "--porcelain=v2", "--branch").Output()
	if err != nil {
		// Porcelain v2 needs git 2.13.2+.
		return branchV1(dir)
	}
	return parseBranchV2(out)
}

func parseBranchV2(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		if name, ok := strings.CutPrefix(line, "# branch.head "); ok {
			if name == "(detached)" {
				return ""
			}
			return name
		}
	}
	return ""
}

func branchV1(dir string) string {
	out, err := exec.Command("git", "-C", dir, "status", "--porcelain", "--branch").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		header, ok := strings.CutPrefix(line, "## ")
		if !ok {
			continue
		}
		if strings.HasPrefix(header, "HEAD (") {
			return ""
		}
		if idx := strings.Index(header, "..."); idx >= 0 {
			header = header[:idx]
		}
		if idx := strings.IndexByte(header, ' '); idx >= 0 {
			header = header[:idx]
		}
		return header
	}
	return ""
}

// Clone clones url into dir. A populated dir is left untouched so a
// restarted worker keeps its workspace.
func Clone(ctx context.Context, url, dir string) error {
	if url == "" {
		return fmt.Errorf("clone: empty repository url")
	}
	populated, err := hasEntries(dir)
	if err != nil {
		return err
	}
	if populated {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "clone", url, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clone: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

func hasEntries(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read workspace: %w", err)
	}
	return len(entries) > 0, nil
}
