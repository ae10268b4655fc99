package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"go.skia.org/covgate/coverage/go/common"
	"go.skia.org/covgate/coverage/go/store"
	"go.skia.org/covgate/go/now"
)

var fixedTime = time.Date(2021, time.September, 1, 10, 0, 0, 0, time.UTC)

// openTestStore connects to a real MySQL instance described by
// COVGATE_TEST_MYSQL_DSN. Tests in this file are integration tests and are
// skipped when that variable is unset, mirroring the source's use of a
// real test database over mocking the driver.
func openTestStore(t *testing.T) *store.Store {
	dsn := os.Getenv("COVGATE_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("COVGATE_TEST_MYSQL_DSN not set; skipping store integration test")
	}
	s, err := store.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertReport_FirstInsert_SetsCreatedAndUpdated(t *testing.T) {
	s := openTestStore(t)
	ctx := now.TimeTravelingContext(fixedTime)

	report, err := s.UpsertReport(ctx, store.UpsertReportInput{
		RepoID: "42", RepoName: "r", Branch: "main", BaseBranch: "master",
		Commit: "abc", CoverageFormat: common.FormatGoc, Status: common.StatusProcessing,
	})
	require.NoError(t, err)
	require.Equal(t, report.CreatedAt, report.UpdatedAt)
	require.Equal(t, "", report.BaseCommit)
}

func TestUpsertReport_SecondIngestion_PreservesCreatedAtAndBaseCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := now.TimeTravelingContext(fixedTime)

	first, err := s.UpsertReport(ctx, store.UpsertReportInput{
		RepoID: "42", RepoName: "r", Branch: "reingest", BaseBranch: "master",
		Commit: "abc", CoverageFormat: common.FormatGoc, Status: common.StatusCompleted,
	})
	require.NoError(t, err)
	require.NoError(t, s.SetReportBaseCommit(ctx, first.ID, "base123", "master"))

	ctx.SetTime(fixedTime.Add(time.Minute))
	second, err := s.UpsertReport(ctx, store.UpsertReportInput{
		RepoID: "42", RepoName: "r", Branch: "reingest", BaseBranch: "master",
		Commit: "def", CoverageFormat: common.FormatGoc, Status: common.StatusCompleted,
	})
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, "def", second.Commit)

	reloaded, err := s.GetReport(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, "base123", reloaded.BaseCommit)
}

func TestReplaceRanges_ShrinkingSet_LeavesNoStaleRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var fileID int64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		id, err := s.UpsertFile(ctx, tx, "42", "shrink", "m/f.go", fixedTime.UnixMilli())
		if err != nil {
			return err
		}
		fileID = id
		return s.ReplaceRanges(ctx, tx, fileID, []common.Range{
			{StartLine: 1, StartCol: 1, EndLine: 2, EndCol: 2, Statements: 3, Hit: 1},
			{StartLine: 3, StartCol: 1, EndLine: 4, EndCol: 2, Statements: 2, Hit: 0},
		})
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.ReplaceRanges(ctx, tx, fileID, []common.Range{
			{StartLine: 1, StartCol: 1, EndLine: 2, EndCol: 2, Statements: 3, Hit: 1},
		})
	})
	require.NoError(t, err)

	ranges, err := s.GetRangesByFileID(ctx, fileID)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
}

func TestGetConfig_Missing_ReturnsNilNoError(t *testing.T) {
	s := openTestStore(t)
	cfg, err := s.GetConfig(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.Nil(t, cfg)
}
