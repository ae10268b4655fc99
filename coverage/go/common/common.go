// Package common holds the data model shared by every coverage package:
// Report, File, Range and Config, plus the small enums attached to them.
package common

import "strings"

// CoverageFormat identifies which textual trace grammar produced a Report's
// raw trace.
type CoverageFormat string

const (
	FormatGoc    CoverageFormat = "goc"
	FormatPyca   CoverageFormat = "pyca"
	FormatJacoco CoverageFormat = "jacoco"
)

// ReportStatus tracks an ingestion's progress through the pipeline.
type ReportStatus string

const (
	StatusPending    ReportStatus = "pending"
	StatusProcessing ReportStatus = "processing"
	StatusCompleted  ReportStatus = "completed"
	StatusFailed     ReportStatus = "failed"
)

// RepoType selects which language ecosystem a Config's repo belongs to,
// which in turn selects path-reconciliation behavior in diffservice.
type RepoType int

const (
	RepoTypeGo     RepoType = 1
	RepoTypePython RepoType = 2
	RepoTypeJava   RepoType = 3
)

// LineStatus is the per-line verdict the indexer assigns to an added line.
// CoverageDegraded and CoverageImproved are defined for a future
// base-vs-target comparison that this implementation does not perform; no
// code path produces them today.
type LineStatus string

const (
	StatusNewCovered       LineStatus = "new_covered"
	StatusNewUncovered     LineStatus = "new_uncovered"
	StatusCoverageDegraded LineStatus = "coverage_degraded"
	StatusCoverageImproved LineStatus = "coverage_improved"
)

// Report is keyed by (RepoID, Branch), not by commit: re-ingestion of a new
// commit on the same branch mutates this row rather than inserting a new
// one.
type Report struct {
	ID             int64          `db:"id"`
	RepoID         string         `db:"repo_id"`
	RepoName       string         `db:"repo_name"`
	Branch         string         `db:"branch"`
	BaseBranch     string         `db:"base_branch"`
	Commit         string         `db:"commit_hash"`
	BaseCommit     string         `db:"base_commit"`
	CIProvider     string         `db:"ci_provider"`
	CIPipelineID   string         `db:"ci_pipeline_id"`
	CIJobID        string         `db:"ci_job_id"`
	CoverageFormat CoverageFormat `db:"coverage_format"`
	Raw            string         `db:"raw"`
	Status         ReportStatus   `db:"status"`
	ErrorMessage   string         `db:"error_message"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
}

// File is keyed by (RepoID, Branch, FilePath) and shares that key space with
// Report rather than being owned by one.
type File struct {
	ID        int64  `db:"id"`
	RepoID    string `db:"repo_id"`
	Branch    string `db:"branch"`
	FilePath  string `db:"file_path"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

// Range is one coverage block belonging to a File. Hit > 0 means the block
// executed at least once.
type Range struct {
	ID         int64 `db:"id"`
	FileID     int64 `db:"file_id"`
	StartLine  int   `db:"start_line"`
	StartCol   int   `db:"start_col"`
	EndLine    int   `db:"end_line"`
	EndCol     int   `db:"end_col"`
	Statements int   `db:"statements"`
	Hit        int   `db:"hit"`
}

// Config is the per-repo admission and defaults record. Ingestion for a
// repo_id absent from Config is silently dropped; see store.Store.GetConfig.
type Config struct {
	RepoID       string   `db:"repo_id"`
	RepoName     string   `db:"repo_name"`
	RepoURL      string   `db:"repo_url"`
	RepoType     RepoType `db:"repo_type"`
	BaseBranch   string   `db:"base_branch"`
	ExcludeDirs  string   `db:"exclude_dirs"`
	ExcludeFiles string   `db:"exclude_files"`
	CreatedAt    int64    `db:"created_at"`
	UpdatedAt    int64    `db:"updated_at"`
}

// ShouldExcludeFile reports whether filePath is covered by excludeDirs or
// excludeFiles, both semicolon-delimited. excludeFiles entries starting
// "*." match by suffix; anything else matches by exact trailing segment
// (filePath == entry or filePath ends with "/"+entry).
func ShouldExcludeFile(filePath, excludeDirs, excludeFiles string) bool {
	for _, dir := range splitNonEmpty(excludeDirs, ";") {
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
		if strings.HasPrefix(filePath, dir) || strings.Contains(filePath, "/"+dir) {
			return true
		}
	}
	for _, pattern := range splitNonEmpty(excludeFiles, ";") {
		if strings.HasPrefix(pattern, "*.") {
			if strings.HasSuffix(filePath, pattern[1:]) {
				return true
			}
		} else if filePath == pattern || strings.HasSuffix(filePath, "/"+pattern) {
			return true
		}
	}
	return false
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
