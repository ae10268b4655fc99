// Package store is the relational adapter over Report, File, Range and
// Config: typed upserts and queries, no ambient state beyond the
// connection pool itself.
package store

import (
	"context"
	"database/sql"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"go.skia.org/covgate/coverage/go/common"
	"go.skia.org/covgate/go/now"
	"go.skia.org/covgate/go/skerr"
)

// Pool sizing: 10 base connections, 90 overflow, matching the source's
// QueuePool(pool_size=10, max_overflow=90). database/sql has no separate
// base/overflow concept, so this is expressed as MaxIdleConns=10,
// MaxOpenConns=100.
const (
	maxIdleConns = 10
	maxOpenConns = 100
)

// Store wraps a MySQL connection pool.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn (a MySQL DSN, e.g. "user:pass@tcp(host:3306)/dbname")
// and sizes the connection pool per the spec's resource model.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, skerr.Wrapf(err, "opening store at dsn")
	}
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetConfig returns the Config row for repoID, or nil if absent. The
// caller (the ingestion worker) decides the admission/drop policy.
func (s *Store) GetConfig(ctx context.Context, repoID string) (*common.Config, error) {
	var cfg common.Config
	err := s.db.GetContext(ctx, &cfg, `SELECT * FROM coverage_config WHERE repo_id = ?`, repoID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "querying config for repo_id=%s", repoID)
	}
	return &cfg, nil
}

// GetReport returns the Report row for id, or nil if absent.
func (s *Store) GetReport(ctx context.Context, id int64) (*common.Report, error) {
	var r common.Report
	err := s.db.GetContext(ctx, &r, `SELECT * FROM coverage_report WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "querying report id=%d", id)
	}
	return &r, nil
}

// GetReportByKey returns the Report row keyed by (repoID, branch), or nil.
func (s *Store) GetReportByKey(ctx context.Context, repoID, branch string) (*common.Report, error) {
	var r common.Report
	err := s.db.GetContext(ctx, &r, `SELECT * FROM coverage_report WHERE repo_id = ? AND branch = ?`, repoID, branch)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "querying report repo_id=%s branch=%s", repoID, branch)
	}
	return &r, nil
}

// UpsertReportInput carries the fields an ingestion supplies. BaseBranch is
// written only when the row is first inserted; there is no base commit
// field, since base_commit is set separately via SetReportBaseCommit.
type UpsertReportInput struct {
	RepoID         string
	RepoName       string
	Branch         string
	BaseBranch     string // only applied on first insert, per invariant 5.
	Commit         string
	CIProvider     string
	CIPipelineID   string
	CIJobID        string
	CoverageFormat common.CoverageFormat
	Raw            string
	Status         common.ReportStatus
	ErrorMessage   string
}

// UpsertReport implements invariant 2 (at most one Report per
// (repo_id, branch)) and invariant 5/6 (base_branch frozen after creation,
// base_commit never implicitly recomputed): if a row exists, commit/CI
// metadata/status/format/raw/updated_at are mutated in place, created_at
// and any already-resolved base_commit/base_branch are preserved.
//
// Because the key is (repo_id, branch) and not the commit, two ingestions
// for different commits on the same branch share one row: the row reflects
// whichever ingestion wrote last, including its status and commit, and a
// base_commit resolved for one commit is kept for the next.
func (s *Store) UpsertReport(ctx context.Context, in UpsertReportInput) (*common.Report, error) {
	tsMillis := now.Now(ctx).UnixMilli()

	var report *common.Report
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing common.Report
		err := tx.GetContext(ctx, &existing, `SELECT * FROM coverage_report WHERE repo_id = ? AND branch = ? FOR UPDATE`, in.RepoID, in.Branch)
		switch {
		case err == sql.ErrNoRows:
			res, execErr := tx.ExecContext(ctx, `
				INSERT INTO coverage_report
					(repo_id, repo_name, branch, base_branch, commit_hash, base_commit,
					 ci_provider, ci_pipeline_id, ci_job_id, coverage_format, raw, status,
					 error_message, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				in.RepoID, in.RepoName, in.Branch, in.BaseBranch, in.Commit,
				in.CIProvider, in.CIPipelineID, in.CIJobID, in.CoverageFormat, in.Raw, in.Status,
				in.ErrorMessage, tsMillis, tsMillis)
			if execErr != nil {
				return skerr.Wrapf(execErr, "inserting report repo_id=%s branch=%s", in.RepoID, in.Branch)
			}
			id, idErr := res.LastInsertId()
			if idErr != nil {
				return skerr.Wrap(idErr)
			}
			report = &common.Report{
				ID: id, RepoID: in.RepoID, RepoName: in.RepoName, Branch: in.Branch,
				BaseBranch: in.BaseBranch, Commit: in.Commit, BaseCommit: "",
				CIProvider: in.CIProvider, CIPipelineID: in.CIPipelineID, CIJobID: in.CIJobID,
				CoverageFormat: in.CoverageFormat, Raw: in.Raw, Status: in.Status,
				ErrorMessage: in.ErrorMessage, CreatedAt: tsMillis, UpdatedAt: tsMillis,
			}
			return nil
		case err != nil:
			return skerr.Wrapf(err, "querying report for update repo_id=%s branch=%s", in.RepoID, in.Branch)
		}

		_, execErr := tx.ExecContext(ctx, `
			UPDATE coverage_report SET
				repo_name = ?, commit_hash = ?, ci_provider = ?, ci_pipeline_id = ?, ci_job_id = ?,
				coverage_format = ?, raw = ?, status = ?, error_message = ?, updated_at = ?
			WHERE id = ?`,
			in.RepoName, in.Commit, in.CIProvider, in.CIPipelineID, in.CIJobID,
			in.CoverageFormat, in.Raw, in.Status, in.ErrorMessage, tsMillis, existing.ID)
		if execErr != nil {
			return skerr.Wrapf(execErr, "updating report id=%d", existing.ID)
		}
		existing.RepoName, existing.Commit = in.RepoName, in.Commit
		existing.CIProvider, existing.CIPipelineID, existing.CIJobID = in.CIProvider, in.CIPipelineID, in.CIJobID
		existing.CoverageFormat, existing.Raw = in.CoverageFormat, in.Raw
		existing.Status, existing.ErrorMessage = in.Status, in.ErrorMessage
		existing.UpdatedAt = tsMillis
		report = &existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// SetReportStatus updates only status/error_message/updated_at, used for
// the processing->completed/failed transitions within an ingestion.
func (s *Store) SetReportStatus(ctx context.Context, reportID int64, status common.ReportStatus, errMsg string) error {
	tsMillis := now.Now(ctx).UnixMilli()
	_, err := s.db.ExecContext(ctx, `UPDATE coverage_report SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, tsMillis, reportID)
	if err != nil {
		return skerr.Wrapf(err, "setting report status id=%d", reportID)
	}
	return nil
}

// SetReportBaseCommit opportunistically persists a resolved base_commit and
// base_branch, used by diffservice. Per invariant 6, callers must only
// invoke this when the existing base_commit is empty.
func (s *Store) SetReportBaseCommit(ctx context.Context, reportID int64, baseCommit, baseBranch string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE coverage_report SET base_commit = ?, base_branch = ?, updated_at = ?
		WHERE id = ? AND base_commit = ''`,
		baseCommit, baseBranch, now.Now(ctx).UnixMilli(), reportID)
	if err != nil {
		return skerr.Wrapf(err, "setting base commit report id=%d", reportID)
	}
	return nil
}

// UpsertFile upserts the File row for (repoID, branch, filePath), returning
// its id. A new row gets created_at=updated_at=ts; an existing row only has
// updated_at bumped.
func (s *Store) UpsertFile(ctx context.Context, tx *sqlx.Tx, repoID, branch, filePath string, ts int64) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `SELECT id FROM coverage_file WHERE repo_id = ? AND branch = ? AND file_path = ?`, repoID, branch, filePath)
	if err == nil {
		if _, execErr := tx.ExecContext(ctx, `UPDATE coverage_file SET updated_at = ? WHERE id = ?`, ts, id); execErr != nil {
			return 0, skerr.Wrapf(execErr, "touching file id=%d", id)
		}
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, skerr.Wrapf(err, "querying file repo_id=%s branch=%s path=%s", repoID, branch, filePath)
	}
	res, execErr := tx.ExecContext(ctx, `
		INSERT INTO coverage_file (repo_id, branch, file_path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		repoID, branch, filePath, ts, ts)
	if execErr != nil {
		return 0, skerr.Wrapf(execErr, "inserting file repo_id=%s branch=%s path=%s", repoID, branch, filePath)
	}
	return res.LastInsertId()
}

// ReplaceRanges deletes all existing Range rows for fileID and inserts
// ranges as a single transaction, implementing the "replaced as a set"
// contract (invariant 3) — never a partial merge.
func (s *Store) ReplaceRanges(ctx context.Context, tx *sqlx.Tx, fileID int64, ranges []common.Range) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM coverage_range WHERE file_id = ?`, fileID); err != nil {
		return skerr.Wrapf(err, "deleting ranges file_id=%d", fileID)
	}
	for _, r := range ranges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO coverage_range (file_id, start_line, start_col, end_line, end_col, statements, hit)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			fileID, r.StartLine, r.StartCol, r.EndLine, r.EndCol, r.Statements, r.Hit); err != nil {
			return skerr.Wrapf(err, "inserting range file_id=%d", fileID)
		}
	}
	return nil
}

// GetFilesByKey returns every File row for (repoID, branch).
func (s *Store) GetFilesByKey(ctx context.Context, repoID, branch string) ([]common.File, error) {
	var files []common.File
	if err := s.db.SelectContext(ctx, &files, `SELECT * FROM coverage_file WHERE repo_id = ? AND branch = ?`, repoID, branch); err != nil {
		return nil, skerr.Wrapf(err, "querying files repo_id=%s branch=%s", repoID, branch)
	}
	return files, nil
}

// GetRangesByFileID returns every Range row owned by fileID.
func (s *Store) GetRangesByFileID(ctx context.Context, fileID int64) ([]common.Range, error) {
	var ranges []common.Range
	if err := s.db.SelectContext(ctx, &ranges, `SELECT * FROM coverage_range WHERE file_id = ?`, fileID); err != nil {
		return nil, skerr.Wrapf(err, "querying ranges file_id=%d", fileID)
	}
	return ranges, nil
}

// WithTx runs fn inside a new transaction, committing on success and
// rolling back on error or panic. Exported so the ingestion worker can
// compose UpsertFile/ReplaceRanges for many files under one DB transaction,
// per §4.G step 6.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.withTx(ctx, fn)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}
