// Package repocache implements the content-addressed (repo, commit) -> tree
// cache: one shared bare mirror per repository plus cheap per-commit
// worktrees, guarded by per-commit file locks so concurrent materializations
// of the same commit never race within or across processes on one host.
package repocache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"go.skia.org/covgate/go/sklog"
	"go.skia.org/covgate/go/skerr"
	"go.skia.org/covgate/go/vcsexec"
)

const (
	cloneTimeout     = 600 * time.Second
	fetchTimeout     = 600 * time.Second
	fetchOneTimeout  = 300 * time.Second
	probeTimeout     = 10 * time.Second
	worktreeTimeout  = 300 * time.Second
	lockMaxRetries   = 30
	lockRetryBackoff = 1 * time.Second
)

// Cache materializes (repo URL, commit) pairs onto disk under Root,
// following the layout documented in the package-level spec section:
// <root>/<project>/repo.git, <root>/<project>/worktrees/<commit>/.
type Cache struct {
	Root string

	// ID identifies this Cache instance (one per process, typically) in
	// lock-contention log lines, so an operator can tell which process on
	// a host is holding or waiting on a given commit's worktree lock.
	ID string

	// materializeGroup coalesces concurrent EnsureAll calls for the same
	// (repoURL, commit) made by goroutines within this process — e.g. the
	// ingestion worker and a concurrent diff-service read both wanting the
	// same target commit — into a single materialization attempt. It is
	// a cheap in-process complement to the per-commit file lock: callers
	// share one attempt instead of each queuing on the lock in turn.
	materializeGroup singleflight.Group
}

// New returns a Cache rooted at root. The directory is created lazily by
// the Ensure* operations.
func New(root string) *Cache {
	return &Cache{Root: root, ID: uuid.NewString()}
}

// ProjectPath derives the canonical project path P(U) for a repo URL by
// stripping scheme/authority syntax and a trailing ".git" — e.g.
// "git@github.com:owner/name.git" and "https://github.com/owner/name.git"
// both yield "github.com/owner/name".
func ProjectPath(repoURL string) string {
	u := strings.TrimRight(strings.TrimSpace(repoURL), "/")
	u = strings.TrimSuffix(u, ".git")
	switch {
	case strings.HasPrefix(u, "git@"):
		u = strings.Replace(u, "git@", "", 1)
		u = strings.Replace(u, ":", "/", 1)
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
		u = regexp.MustCompile(`^https?://`).ReplaceAllString(u, "")
	case strings.HasPrefix(u, "git://"):
		u = strings.Replace(u, "git://", "", 1)
	}
	return strings.TrimRight(u, "/")
}

func (c *Cache) repoDir(repoURL string) string {
	return filepath.Join(c.Root, ProjectPath(repoURL))
}

func (c *Cache) bareRepoPath(repoURL string) string {
	return filepath.Join(c.repoDir(repoURL), "repo.git")
}

// BareRepoPath returns the on-disk path of repoURL's bare mirror, for
// callers (resolver, diffservice) that need to run git commands directly
// against it.
func (c *Cache) BareRepoPath(repoURL string) string {
	return c.bareRepoPath(repoURL)
}

// WorktreeDir returns the on-disk path of the worktree materialized for
// (repoURL, commit).
func (c *Cache) WorktreeDir(repoURL, commit string) string {
	return c.worktreeDir(repoURL, commit)
}

func (c *Cache) worktreeDir(repoURL, commit string) string {
	return filepath.Join(c.repoDir(repoURL), "worktrees", commit)
}

func (c *Cache) lockPath(repoURL, commit string) string {
	return filepath.Join(c.repoDir(repoURL), "worktrees", ".lock_"+commit)
}

// tokenEnvByHost maps a substring found in the https host to the
// environment variable holding its token, checked in order; GIT_TOKEN is
// the generic fallback for any host, including ones not listed here.
var tokenEnvByHost = []struct {
	hostContains string
	envVar       string
}{
	{"github.com", "GITHUB_TOKEN"},
	{"gitlab", "GITLAB_TOKEN"},
	{"bitbucket.org", "BITBUCKET_TOKEN"},
	{"gitee.com", "GITEE_TOKEN"},
}

var authedURLRe = regexp.MustCompile(`^https?://[^@]+@`)

// AuthenticatedURL embeds a per-host token into repoURL as
// "https://<token>@host/path", converting SSH URLs to HTTPS first. If
// repoURL already carries credentials, or no applicable token env var is
// set, it degrades gracefully (SSH->HTTPS conversion still happens; the
// token insertion does not).
func AuthenticatedURL(repoURL string) string {
	repoURL = strings.TrimSpace(repoURL)
	if repoURL == "" {
		return repoURL
	}
	if (strings.HasPrefix(repoURL, "http://") || strings.HasPrefix(repoURL, "https://")) && authedURLRe.MatchString(repoURL) {
		return repoURL
	}

	var httpsURL string
	switch {
	case strings.HasPrefix(repoURL, "git@"):
		httpsURL = strings.Replace(repoURL, ":", "/", 1)
		httpsURL = strings.Replace(httpsURL, "git@", "https://", 1)
	case strings.HasPrefix(repoURL, "http://"), strings.HasPrefix(repoURL, "https://"):
		httpsURL = repoURL
	default:
		return repoURL
	}

	token := os.Getenv("GIT_TOKEN")
	for _, m := range tokenEnvByHost {
		if strings.Contains(httpsURL, m.hostContains) {
			if v := os.Getenv(m.envVar); v != "" {
				token = v
			}
			break
		}
	}
	if token == "" {
		return httpsURL
	}
	stripped := authedURLRe.ReplaceAllString(httpsURL, "https://")
	return strings.Replace(stripped, "https://", "https://"+token+"@", 1)
}

// gitEnv returns the process environment plus GIT_SSH_COMMAND configured to
// accept-new host keys, appropriate for short-lived container environments.
func gitEnv() []string {
	return append(os.Environ(), "GIT_SSH_COMMAND=ssh -o StrictHostKeyChecking=accept-new -o UserKnownHostsFile=/root/.ssh/known_hosts")
}

func runGit(ctx context.Context, dir string, timeout time.Duration, args ...string) (string, error) {
	return vcsexec.RunOutput(ctx, dir, timeout, args...)
}

// EnsureBare makes sure the bare mirror for repoURL exists, cloning it if
// necessary. If it already exists, the origin remote URL is reconciled to
// the currently-configured authenticated form (token rotation safety).
func (c *Cache) EnsureBare(ctx context.Context, repoURL string) error {
	barePath := c.bareRepoPath(repoURL)
	if _, err := os.Stat(filepath.Join(barePath, "HEAD")); err == nil {
		if err := c.ensureRemoteURL(ctx, repoURL); err != nil {
			sklog.Warningf("repocache: could not reconcile remote url for %s: %v", repoURL, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(barePath), 0o755); err != nil {
		return skerr.Wrap(err)
	}
	authed := AuthenticatedURL(repoURL)
	cmd := &vcsexec.Command{
		Name:       "git",
		Args:       []string{"clone", "--bare", authed, barePath},
		Timeout:    cloneTimeout,
		Env:        gitEnv(),
		InheritEnv: false,
	}
	if err := vcsexec.Run(ctx, cmd); err != nil {
		return skerr.Wrapf(err, "cloning bare repo %s", ProjectPath(repoURL))
	}
	return nil
}

func (c *Cache) ensureRemoteURL(ctx context.Context, repoURL string) error {
	barePath := c.bareRepoPath(repoURL)
	authed := AuthenticatedURL(repoURL)
	current, err := runGit(ctx, barePath, probeTimeout, "remote", "get-url", "origin")
	if err != nil || current != authed {
		if _, err := runGit(ctx, barePath, probeTimeout, "remote", "set-url", "origin", authed); err != nil {
			return skerr.Wrapf(err, "setting remote url")
		}
	}
	return nil
}

// EnsureCommit makes sure commit C is present in the bare mirror for
// repoURL, fetching it (first by hash, then all refs on failure) if not.
func (c *Cache) EnsureCommit(ctx context.Context, repoURL, commit string) error {
	barePath := c.bareRepoPath(repoURL)
	if _, err := runGit(ctx, barePath, probeTimeout, "cat-file", "-e", commit); err == nil {
		return nil
	}

	cmd := &vcsexec.Command{Name: "git", Args: []string{"fetch", "origin", commit}, Dir: barePath, Timeout: fetchOneTimeout, Env: gitEnv(), InheritEnv: false}
	if err := vcsexec.Run(ctx, cmd); err != nil {
		cmdAll := &vcsexec.Command{Name: "git", Args: []string{"fetch", "origin"}, Dir: barePath, Timeout: fetchTimeout, Env: gitEnv(), InheritEnv: false}
		if err2 := vcsexec.Run(ctx, cmdAll); err2 != nil {
			return skerr.Wrapf(err2, "fetching all refs for %s", ProjectPath(repoURL))
		}
	}

	if _, err := runGit(ctx, barePath, probeTimeout, "cat-file", "-e", commit); err != nil {
		return skerr.Fmt("commit %s still not found after fetch in %s", commit, ProjectPath(repoURL))
	}
	return nil
}

// EnsureWorktree makes sure a worktree checked out at commit C exists for
// repoURL, creating it under a per-commit exclusive file lock if needed.
// Lock acquisition is non-blocking with bounded retry (30 attempts, 1s
// apart); exceeding that fails the operation.
func (c *Cache) EnsureWorktree(ctx context.Context, repoURL, commit string) error {
	dir := c.worktreeDir(repoURL, commit)
	if headMatches(ctx, dir, commit) {
		return nil
	}
	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return skerr.Wrapf(err, "removing stale worktree %s", dir)
		}
	}

	lockPath := c.lockPath(repoURL, commit)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return skerr.Wrap(err)
	}
	fileLock := flock.New(lockPath)
	locked, err := acquireWithRetry(ctx, fileLock)
	if err != nil {
		return err
	}
	if !locked {
		return skerr.Fmt("failed to acquire worktree lock after %d attempts: %s", lockMaxRetries, lockPath)
	}
	sklog.Infof("repocache: %s acquired worktree lock %s", c.ID, lockPath)
	defer fileLock.Unlock()

	// Re-check: another process may have created it while we waited.
	if headMatches(ctx, dir, commit) {
		return nil
	}
	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return skerr.Wrapf(err, "removing stale worktree %s", dir)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return skerr.Wrap(err)
	}
	barePath := c.bareRepoPath(repoURL)
	cmd := &vcsexec.Command{
		Name:    "git",
		Args:    []string{"--git-dir", barePath, "worktree", "add", dir, commit},
		Timeout: worktreeTimeout,
	}
	if err := vcsexec.Run(ctx, cmd); err != nil {
		return skerr.Wrapf(err, "creating worktree for %s at %s", commit, dir)
	}
	return nil
}

func headMatches(ctx context.Context, worktreeDir, commit string) bool {
	if _, err := os.Stat(filepath.Join(worktreeDir, ".git")); err != nil {
		return false
	}
	head, err := runGit(ctx, worktreeDir, probeTimeout, "rev-parse", "HEAD")
	return err == nil && head == commit
}

func acquireWithRetry(ctx context.Context, l *flock.Flock) (bool, error) {
	for attempt := 0; attempt < lockMaxRetries; attempt++ {
		locked, err := l.TryLock()
		if err != nil {
			return false, skerr.Wrap(err)
		}
		if locked {
			return true, nil
		}
		if attempt == lockMaxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(lockRetryBackoff):
		}
	}
	return false, nil
}

// EnsureAll runs EnsureBare, EnsureCommit and EnsureWorktree in sequence,
// the composite operation the ingestion worker and diff service invoke per
// materialization. Concurrent in-process calls for the same (repoURL,
// commit) share one underlying attempt via materializeGroup.
func (c *Cache) EnsureAll(ctx context.Context, repoURL, commit string) error {
	key := repoURL + "@" + commit
	_, err, _ := c.materializeGroup.Do(key, func() (interface{}, error) {
		if err := c.EnsureBare(ctx, repoURL); err != nil {
			return nil, skerr.Wrapf(err, "ensuring bare repo")
		}
		if err := c.EnsureCommit(ctx, repoURL, commit); err != nil {
			return nil, skerr.Wrapf(err, "ensuring commit %s", commit)
		}
		if err := c.EnsureWorktree(ctx, repoURL, commit); err != nil {
			return nil, skerr.Wrapf(err, "ensuring worktree for %s", commit)
		}
		return nil, nil
	})
	return err
}

// ReadFile resolves path within the worktree for (repoURL, commit), trying
// in order: the path verbatim, the path with its leading segment stripped
// (handling a module prefix such as a Go import path that is not part of
// the filesystem layout), then a bounded walk for the basename. The first
// hit wins; content is read as UTF-8 with malformed bytes tolerated.
func (c *Cache) ReadFile(repoURL, commit, path string) (string, bool) {
	dir := c.worktreeDir(repoURL, commit)
	if _, err := os.Stat(dir); err != nil {
		return "", false
	}

	if content, ok := readIfFile(filepath.Join(dir, path)); ok {
		return content, true
	}

	segments := strings.Split(path, "/")
	if len(segments) > 1 {
		stripped := strings.Join(segments[1:], "/")
		if content, ok := readIfFile(filepath.Join(dir, stripped)); ok {
			return content, true
		}
	}

	base := filepath.Base(path)
	if base == "" || base == "." {
		return "", false
	}
	var found string
	_ = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if !d.IsDir() && d.Name() == base {
			found = p
			return filepath.SkipAll
		}
		return nil
	})
	if found == "" {
		return "", false
	}
	return readIfFile(found)
}

func readIfFile(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", false
	}
	return strings.ToValidUTF8(string(b), ""), true
}

// HeadCommit returns the commit the worktree for (repoURL, commit) actually
// points to, for tests asserting the on-disk invariant in §8.
func (c *Cache) HeadCommit(ctx context.Context, repoURL, commit string) (string, error) {
	return runGit(ctx, c.worktreeDir(repoURL, commit), probeTimeout, "rev-parse", "HEAD")
}
