package agent

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type Git struct {
	dir string
}

func NewGit(dir string) *Git {
	return &Git{dir: dir}
}

func (g *Git) run(args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v: %w\n%s", args, err, output)
	}
	return nil
}

func (g *Git) Clone(remote, dest, branch string) error {
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	return g.run(append(args, remote, dest)...)
}

// Update fetches and hard-resets an existing working copy to branch.
func (g *Git) Update(branch string) error {
	if branch == "" {
		branch = "HEAD"
	}
	if err := g.run("fetch", "--depth", "1", "origin", branch); err != nil {
		return err
	}
	return g.run("reset", "--hard", "FETCH_HEAD")
}

// checkout brings every local path of the command up to date with its
// remote. Only git is supported as a version tool.
func checkout(workDir string, paths map[string]string, tool, branch, user, password string) error {
	if len(paths) == 0 {
		return nil
	}
	if tool != "" && tool != "git" {
		return fmt.Errorf("version tool %q not supported", tool)
	}

	for local, remote := range paths {
		dest := local
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(workDir, dest)
		}
		remote = withCredentials(remote, user, password)

		if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
			if err := NewGit(dest).Update(branch); err != nil {
				return fmt.Errorf("updating %s: %w", local, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		if err := NewGit(workDir).Clone(remote, dest, branch); err != nil {
			return fmt.Errorf("cloning %s: %w", local, err)
		}
	}
	return nil
}

// withCredentials embeds user and password into an http(s) remote.
func withCredentials(remote, user, password string) string {
	if user == "" || !strings.HasPrefix(remote, "http") {
		return remote
	}
	u, err := url.Parse(remote)
	if err != nil {
		return remote
	}
	u.User = url.UserPassword(user, password)
	return u.String()
}
