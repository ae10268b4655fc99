// Package resolver computes the base commit a target commit's incremental
// coverage is measured against, via git merge-base against a base branch.
package resolver

import (
	"context"
	"time"

	"go.skia.org/covgate/coverage/go/repocache"
	"go.skia.org/covgate/go/sklog"
	"go.skia.org/covgate/go/vcsexec"
)

const mergeBaseTimeout = 30 * time.Second

// Resolve ensures the bare mirror for repoURL is present (via cache) and
// returns the merge-base of baseBranch and targetCommit, falling back to
// the tip of baseBranch if no common ancestor can be computed. It returns
// "" if both attempts fail.
//
// The choice of merge-base over base-tip is deliberate: incremental
// coverage should be measured against what the branch diverged from, not
// a moving target.
func Resolve(ctx context.Context, cache *repocache.Cache, repoURL, baseBranch, targetCommit string) (string, error) {
	if err := cache.EnsureBare(ctx, repoURL); err != nil {
		return "", err
	}
	barePath := cache.BareRepoPath(repoURL)

	if base, err := vcsexec.RunOutput(ctx, barePath, mergeBaseTimeout, "merge-base", baseBranch, targetCommit); err == nil {
		return base, nil
	} else {
		sklog.Warningf("resolver: merge-base failed for %s..%s: %v; falling back to branch tip", baseBranch, targetCommit, err)
	}

	tip, err := vcsexec.RunOutput(ctx, barePath, mergeBaseTimeout, "rev-parse", baseBranch)
	if err != nil {
		sklog.Warningf("resolver: rev-parse %s failed: %v", baseBranch, err)
		return "", nil
	}
	return tip, nil
}
