package update

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"hub-api/internal/engine"
)

const fetchTimeout = 60 * time.Second

type gitClient struct {
	runner  engine.CommandRunner
	timeout time.Duration
}

func (g gitClient) run(ctx context.Context, timeout time.Duration, dir string, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := g.runner.Output(ctx, dir, "git", args...)
	if err := engine.CommandError(ctx, "git "+args[0], out, err); err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// defaultBranch resolves origin's HEAD, falling back to main and then master.
func (g gitClient) defaultBranch(ctx context.Context, dir string) string {
	if ref, err := g.run(ctx, 0, dir, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil && ref != "" {
		return strings.TrimPrefix(ref, "origin/")
	}
	if _, err := g.run(ctx, 0, dir, "rev-parse", "--verify", "--quiet", "origin/main"); err == nil {
		return "main"
	}
	return "master"
}

func (g gitClient) head(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, 0, dir, "rev-parse", "HEAD")
}

func isRepo(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

// listRepos returns the names of git checkouts directly under root.
func listRepos(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var repos []string
	for _, entry := range entries {
		if entry.IsDir() && isRepo(filepath.Join(root, entry.Name())) {
			repos = append(repos, entry.Name())
		}
	}
	sort.Strings(repos)
	return repos, nil
}
