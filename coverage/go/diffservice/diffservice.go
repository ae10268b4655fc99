// Package diffservice orchestrates §4.F (base-commit resolution), §4.D
// (diff parsing), §4.B (the store) and §4.E (the indexer/merger) to answer
// "what is the incremental coverage of report X against base branch Y?",
// and to produce the minimal editor overlay payload.
package diffservice

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.skia.org/covgate/coverage/go/common"
	"go.skia.org/covgate/coverage/go/diffparser"
	"go.skia.org/covgate/coverage/go/indexer"
	"go.skia.org/covgate/coverage/go/repocache"
	"go.skia.org/covgate/coverage/go/resolver"
	"go.skia.org/covgate/go/sklog"
	"go.skia.org/covgate/go/skerr"
	"go.skia.org/covgate/go/vcsexec"
)

const diffTimeout = 60 * time.Second

// ErrReportNotFound is returned by Diff when report_id does not exist.
var ErrReportNotFound = errors.New("diffservice: report not found")

// ErrConfigNotFound is returned by Diff when the report's repo has no
// admitted Config row (should not normally happen post-ingestion, since
// ingestion itself requires admission, but Config may have been deleted
// since).
var ErrConfigNotFound = errors.New("diffservice: config not found")

// ReportStore is the subset of *store.Store that Diff depends on. Keeping
// it as an interface lets tests drive Diff against a fake in place of a
// live database connection; *store.Store satisfies it unchanged.
type ReportStore interface {
	GetReport(ctx context.Context, id int64) (*common.Report, error)
	GetConfig(ctx context.Context, repoID string) (*common.Config, error)
	GetFilesByKey(ctx context.Context, repoID, branch string) ([]common.File, error)
	GetRangesByFileID(ctx context.Context, fileID int64) ([]common.Range, error)
	SetReportBaseCommit(ctx context.Context, reportID int64, baseCommit, baseBranch string) error
}

// Service composes the store and repo cache to answer diff-coverage queries.
type Service struct {
	Store     ReportStore
	RepoCache *repocache.Cache
}

// New returns a Service over s and cache.
func New(s ReportStore, cache *repocache.Cache) *Service {
	return &Service{Store: s, RepoCache: cache}
}

// FileResult is one changed file's incremental-coverage records.
type FileResult struct {
	Path    string
	Records []indexer.LineRecord
	Summary indexer.FileSummary
}

// OverlayLine is one line's status/hit pair in the editor overlay payload.
type OverlayLine struct {
	Status common.LineStatus `json:"status"`
	Hit    int               `json:"hit"`
}

// OverlayFile maps line number to OverlayLine for one file.
type OverlayFile struct {
	Lines map[int]OverlayLine `json:"lines"`
}

// Overlay is the minimal editor overlay payload: `{files: {<path>: {lines: {<lineno>: {status, hit}}}}}`.
type Overlay struct {
	Files map[string]OverlayFile `json:"files"`
}

// Result is the full answer to a diff-coverage query.
type Result struct {
	BaseCommit string
	Files      []FileResult
	Summary    indexer.AggregateSummary
	Overlay    Overlay
}

// Diff answers the incremental-coverage question for reportID, using
// baseBranchOverride in place of the report's own base branch when
// non-empty. It implements §4.H's seven steps; see the package doc for the
// orchestration and the method body for the per-step failure semantics.
func (s *Service) Diff(ctx context.Context, reportID int64, baseBranchOverride string) (*Result, error) {
	report, err := s.Store.GetReport(ctx, reportID)
	if err != nil {
		return nil, skerr.Wrapf(err, "loading report id=%d", reportID)
	}
	if report == nil {
		return nil, ErrReportNotFound
	}
	cfg, err := s.Store.GetConfig(ctx, report.RepoID)
	if err != nil {
		return nil, skerr.Wrapf(err, "loading config repo_id=%s", report.RepoID)
	}
	if cfg == nil {
		return nil, ErrConfigNotFound
	}

	effectiveBaseBranch := report.BaseBranch
	if baseBranchOverride != "" {
		effectiveBaseBranch = baseBranchOverride
	}

	baseCommit, err := resolver.Resolve(ctx, s.RepoCache, cfg.RepoURL, effectiveBaseBranch, report.Commit)
	if err != nil {
		sklog.Warningf("diffservice: base resolution failed for report id=%d: %v", reportID, err)
		baseCommit = ""
	}

	// Target materialization failure is the one non-missing-report case
	// that is a hard error: the diff cannot be computed from nothing.
	if err := s.RepoCache.EnsureAll(ctx, cfg.RepoURL, report.Commit); err != nil {
		return nil, skerr.Wrapf(err, "materializing target commit %s", report.Commit)
	}

	if baseCommit == "" {
		return &Result{Overlay: Overlay{Files: map[string]OverlayFile{}}}, nil
	}

	// Base materialization degrades gracefully: the diff is still computed
	// straight out of the bare mirror even if the worktree checkout fails.
	if err := s.RepoCache.EnsureAll(ctx, cfg.RepoURL, baseCommit); err != nil {
		sklog.Warningf("diffservice: base materialization failed for %s@%s: %v", cfg.RepoURL, baseCommit, err)
	}

	diffText, err := s.unifiedDiff(ctx, cfg.RepoURL, baseCommit, report.Commit)
	if err != nil {
		sklog.Warningf("diffservice: diff failed for report id=%d: %v", reportID, err)
		return &Result{BaseCommit: baseCommit, Overlay: Overlay{Files: map[string]OverlayFile{}}}, nil
	}
	fileDiffs, err := diffparser.Parse(diffText)
	if err != nil {
		sklog.Warningf("diffservice: parsing diff for report id=%d: %v", reportID, err)
		return &Result{BaseCommit: baseCommit, Overlay: Overlay{Files: map[string]OverlayFile{}}}, nil
	}

	storedFiles, err := s.Store.GetFilesByKey(ctx, report.RepoID, report.Branch)
	if err != nil {
		sklog.Warningf("diffservice: loading stored files for report id=%d: %v", reportID, err)
		storedFiles = nil
	}
	storedPaths := make([]string, 0, len(storedFiles))
	byPath := make(map[string]common.File, len(storedFiles))
	for _, f := range storedFiles {
		storedPaths = append(storedPaths, f.FilePath)
		byPath[f.FilePath] = f
	}

	prefixMap := BuildPrefixMap(cfg.RepoType, s.RepoCache.WorktreeDir(cfg.RepoURL, report.Commit))

	var results []FileResult
	var fileSummaries []indexer.FileSummary
	overlay := Overlay{Files: map[string]OverlayFile{}}
	for _, fd := range fileDiffs {
		storedPath, ok := ResolveStoredPath(fd.Path, storedPaths, prefixMap)
		if !ok {
			continue
		}
		ranges, err := s.Store.GetRangesByFileID(ctx, byPath[storedPath].ID)
		if err != nil {
			sklog.Warningf("diffservice: loading ranges for %s: %v", storedPath, err)
			continue
		}
		idx := indexer.FromRanges(ranges)
		records, summary := indexer.Merge(idx, fd.AddedLines)
		if len(records) == 0 {
			continue
		}
		summary.Path = fd.Path
		results = append(results, FileResult{Path: fd.Path, Records: records, Summary: summary})
		fileSummaries = append(fileSummaries, summary)

		overlayFile := OverlayFile{Lines: map[int]OverlayLine{}}
		for _, r := range records {
			overlayFile.Lines[r.Line] = OverlayLine{Status: r.Status, Hit: r.Hit}
		}
		overlay.Files[fd.Path] = overlayFile
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })

	if report.BaseCommit == "" {
		if err := s.Store.SetReportBaseCommit(ctx, report.ID, baseCommit, effectiveBaseBranch); err != nil {
			sklog.Warningf("diffservice: persisting resolved base commit for report id=%d: %v", reportID, err)
		}
	}

	return &Result{
		BaseCommit: baseCommit,
		Files:      results,
		Summary:    indexer.Aggregate(fileSummaries),
		Overlay:    overlay,
	}, nil
}

// unifiedDiff runs `git diff -U0 --find-renames base..target` directly
// against the bare mirror — no worktree is required to diff two commits a
// bare repository already has as objects.
func (s *Service) unifiedDiff(ctx context.Context, repoURL, base, target string) (string, error) {
	barePath := s.RepoCache.BareRepoPath(repoURL)
	return vcsexec.RunOutput(ctx, barePath, diffTimeout, "diff", "-U0", "--find-renames", base+".."+target)
}
