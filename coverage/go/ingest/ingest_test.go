package ingest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"go.skia.org/covgate/coverage/go/common"
	"go.skia.org/covgate/coverage/go/ingest"
	"go.skia.org/covgate/coverage/go/repocache"
	"go.skia.org/covgate/coverage/go/store"
	"go.skia.org/covgate/go/vcsexec"
)

// fakeAcker is a test double for amqp.Acknowledger, recording every
// Ack/Nack call a handleDelivery run makes against the original delivery.
type fakeAcker struct {
	acked  []ackCall
	nacked []nackCall
}

type ackCall struct {
	tag      uint64
	multiple bool
}

type nackCall struct {
	tag               uint64
	multiple, requeue bool
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.acked = append(f.acked, ackCall{tag, multiple})
	return nil
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = append(f.nacked, nackCall{tag, multiple, requeue})
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error { return nil }

// fakeStore implements the interface Worker.Store needs, in memory, so
// handleDelivery/process can run without a database connection. WithTx
// hands its callback a nil *sqlx.Tx, which is safe here since fakeStore's
// own UpsertFile/ReplaceRanges never dereference it.
type fakeStore struct {
	config    *common.Config
	configErr error

	upsertedReport *common.Report
	statusCalls    []common.ReportStatus
	baseCommitSet  bool
}

func (f *fakeStore) GetConfig(ctx context.Context, repoID string) (*common.Config, error) {
	if f.configErr != nil {
		return nil, f.configErr
	}
	return f.config, nil
}

func (f *fakeStore) UpsertReport(ctx context.Context, in store.UpsertReportInput) (*common.Report, error) {
	f.upsertedReport = &common.Report{ID: 1, RepoID: in.RepoID, Branch: in.Branch, BaseBranch: in.BaseBranch, Commit: in.Commit}
	return f.upsertedReport, nil
}

func (f *fakeStore) SetReportStatus(ctx context.Context, reportID int64, status common.ReportStatus, errMsg string) error {
	f.statusCalls = append(f.statusCalls, status)
	return nil
}

func (f *fakeStore) SetReportBaseCommit(ctx context.Context, reportID int64, baseCommit, baseBranch string) error {
	f.baseCommitSet = true
	return nil
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (f *fakeStore) UpsertFile(ctx context.Context, tx *sqlx.Tx, repoID, branch, filePath string, ts int64) (int64, error) {
	return 1, nil
}

func (f *fakeStore) ReplaceRanges(ctx context.Context, tx *sqlx.Tx, fileID int64, ranges []common.Range) error {
	return nil
}

func deliveryWithHeaders(acker *fakeAcker, body []byte, retryCount int) amqp.Delivery {
	headers := amqp.Table{}
	if retryCount > 0 {
		headers["x-retry-count"] = retryCount
	}
	return amqp.Delivery{Acknowledger: acker, Headers: headers, Body: body}
}

func newWorker(t *testing.T, s *fakeStore) *ingest.Worker {
	cache := repocache.New(t.TempDir())
	return &ingest.Worker{Store: s, RepoCache: cache}
}

func TestHandleDelivery_MalformedJSON_NacksWithoutRequeue(t *testing.T) {
	acker := &fakeAcker{}
	w := newWorker(t, &fakeStore{})

	ingest.HandleDeliveryForTest(w, context.Background(), deliveryWithHeaders(acker, []byte("not json"), 0))

	require.Len(t, acker.nacked, 1)
	require.False(t, acker.nacked[0].requeue)
	require.Empty(t, acker.acked)
}

func TestHandleDelivery_EmptyRepoID_NacksWithoutRequeue(t *testing.T) {
	acker := &fakeAcker{}
	w := newWorker(t, &fakeStore{})
	body := []byte(`{"repo_id":"","branch":"main","commit":"abc","coverage":{"format":"goc","raw":""}}`)

	ingest.HandleDeliveryForTest(w, context.Background(), deliveryWithHeaders(acker, body, 0))

	require.Len(t, acker.nacked, 1)
	require.False(t, acker.nacked[0].requeue)
}

func TestHandleDelivery_AdmissionMiss_AcksWithoutRetry(t *testing.T) {
	acker := &fakeAcker{}
	w := newWorker(t, &fakeStore{config: nil})
	body := []byte(`{"repo_id":"repo1","branch":"main","commit":"abc","coverage":{"format":"goc","raw":""}}`)

	ingest.HandleDeliveryForTest(w, context.Background(), deliveryWithHeaders(acker, body, 0))

	require.Len(t, acker.acked, 1)
	require.Empty(t, acker.nacked)
}

func TestHandleDelivery_ConfigLookupFails_RepublishesWithIncrementedHeader(t *testing.T) {
	acker := &fakeAcker{}
	w := newWorker(t, &fakeStore{configErr: errors.New("db unavailable")})
	body := []byte(`{"repo_id":"repo1","branch":"main","commit":"abc","coverage":{"format":"goc","raw":""}}`)

	var publishedHeaders amqp.Table
	var publishedBody []byte
	ctx := ingest.NewPublishContext(context.Background(), func(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error {
		publishedHeaders = msg.Headers
		publishedBody = msg.Body
		return nil
	})

	ingest.HandleDeliveryForTest(w, ctx, deliveryWithHeaders(acker, body, 3))

	require.Equal(t, 4, publishedHeaders["x-retry-count"])
	require.Equal(t, body, publishedBody)
	require.Len(t, acker.acked, 1, "a successful republish acks the original delivery")
	require.Empty(t, acker.nacked)
}

func TestHandleDelivery_RetryBudgetExhausted_DropsWithoutPublishing(t *testing.T) {
	acker := &fakeAcker{}
	w := newWorker(t, &fakeStore{configErr: errors.New("db unavailable")})
	body := []byte(`{"repo_id":"repo1","branch":"main","commit":"abc","coverage":{"format":"goc","raw":""}}`)

	published := false
	ctx := ingest.NewPublishContext(context.Background(), func(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error {
		published = true
		return nil
	})

	ingest.HandleDeliveryForTest(w, ctx, deliveryWithHeaders(acker, body, 10))

	require.False(t, published, "a message already at the retry ceiling must not be republished")
	require.Len(t, acker.nacked, 1)
	require.False(t, acker.nacked[0].requeue)
	require.Empty(t, acker.acked)
}

func TestHandleDelivery_RepublishFails_DropsMessage(t *testing.T) {
	acker := &fakeAcker{}
	w := newWorker(t, &fakeStore{configErr: errors.New("db unavailable")})
	body := []byte(`{"repo_id":"repo1","branch":"main","commit":"abc","coverage":{"format":"goc","raw":""}}`)

	ctx := ingest.NewPublishContext(context.Background(), func(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error {
		return errors.New("broker unreachable")
	})

	ingest.HandleDeliveryForTest(w, ctx, deliveryWithHeaders(acker, body, 2))

	require.Len(t, acker.nacked, 1)
	require.False(t, acker.nacked[0].requeue)
	require.Empty(t, acker.acked)
}

func TestHandleDelivery_Processed_AcksAndStoresReport(t *testing.T) {
	acker := &fakeAcker{}
	fs := &fakeStore{config: &common.Config{RepoID: "repo1", RepoName: "r", RepoURL: "https://github.com/o/r.git", BaseBranch: "main"}}
	w := newWorker(t, fs)

	// The bare mirror can never be cloned from this fake URL; materialize()
	// degrades to a no-op warning rather than failing process().
	ctx := vcsexec.NewContext(context.Background(), func(ctx context.Context, cmd *vcsexec.Command) error {
		return errors.New("network disabled in test")
	})
	body := []byte(`{"repo_id":"repo1","branch":"main","commit":"abc","coverage":{"format":"goc","raw":"pkg/a.go:1.1,1.9 1 1\n"}}`)

	ingest.HandleDeliveryForTest(w, ctx, deliveryWithHeaders(acker, body, 0))

	require.Len(t, acker.acked, 1)
	require.Empty(t, acker.nacked)
	require.NotNil(t, fs.upsertedReport)
	require.Equal(t, []common.ReportStatus{common.StatusCompleted}, fs.statusCalls)
}
