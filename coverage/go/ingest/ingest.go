// Package ingest is the durable broker consumer: it decodes coverage
// report messages, parses traces, upserts into the store, and triggers
// best-effort repo materialization, with a bounded header-counter retry
// policy in place of broker-native requeue.
package ingest

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/jmoiron/sqlx"
	"github.com/google/uuid"

	"go.skia.org/covgate/coverage/go/common"
	"go.skia.org/covgate/coverage/go/repocache"
	"go.skia.org/covgate/coverage/go/resolver"
	"go.skia.org/covgate/coverage/go/store"
	"go.skia.org/covgate/coverage/go/traceparser"
	"go.skia.org/covgate/go/now"
	"go.skia.org/covgate/go/sklog"
	"go.skia.org/covgate/go/skerr"
)

const (
	exchangeName   = "coverage_exchange"
	queueName      = "coverage_queue"
	routingKey     = "coverage.report"
	retryHeaderKey = "x-retry-count"
	maxRetryCount  = 10
	prefetchCount  = 1
)

// dataStore is the subset of *store.Store the ingestion worker depends on.
// Keeping it as an interface lets tests drive handleDelivery/process
// against a fake in place of a live database connection; *store.Store
// satisfies it unchanged.
type dataStore interface {
	GetConfig(ctx context.Context, repoID string) (*common.Config, error)
	UpsertReport(ctx context.Context, in store.UpsertReportInput) (*common.Report, error)
	SetReportStatus(ctx context.Context, reportID int64, status common.ReportStatus, errMsg string) error
	SetReportBaseCommit(ctx context.Context, reportID int64, baseCommit, baseBranch string) error
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error
	UpsertFile(ctx context.Context, tx *sqlx.Tx, repoID, branch, filePath string, ts int64) (int64, error)
	ReplaceRanges(ctx context.Context, tx *sqlx.Tx, fileID int64, ranges []common.Range) error
}

// Worker consumes coverage report messages and drives them through
// parse -> store -> materialize.
type Worker struct {
	Store     dataStore
	RepoCache *repocache.Cache
	AMQPURL   string
	Metrics   *Metrics

	conn *amqp.Connection
	ch   *amqp.Channel
}

type publishContextKeyType struct{}

var publishContextKey = publishContextKeyType{}

// NewPublishContext returns a context that causes retryOrDrop's republish
// step to call fn instead of the real amqp channel, the same way
// vcsexec.NewContext substitutes subprocess execution in tests.
func NewPublishContext(ctx context.Context, fn func(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error) context.Context {
	return context.WithValue(ctx, publishContextKey, fn)
}

func (w *Worker) publish(ctx context.Context, msg amqp.Publishing) error {
	if fn, ok := ctx.Value(publishContextKey).(func(ctx context.Context, exchange, routingKey string, mandatory, immediate bool, msg amqp.Publishing) error); ok {
		return fn(ctx, exchangeName, routingKey, false, false, msg)
	}
	return w.ch.PublishWithContext(ctx, exchangeName, routingKey, false, false, msg)
}

// Dial opens the AMQP connection/channel and declares the durable topic
// exchange, durable queue and binding described in §6, with prefetch=1 for
// fair dispatch across worker processes.
func (w *Worker) Dial() error {
	conn, err := amqp.Dial(w.AMQPURL)
	if err != nil {
		return skerr.Wrapf(err, "dialing amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return skerr.Wrapf(err, "opening amqp channel")
	}
	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		return skerr.Wrapf(err, "declaring exchange")
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return skerr.Wrapf(err, "declaring queue")
	}
	if err := ch.QueueBind(queueName, routingKey, exchangeName, false, nil); err != nil {
		return skerr.Wrapf(err, "binding queue")
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return skerr.Wrapf(err, "setting qos")
	}
	w.conn, w.ch = conn, ch
	return nil
}

// Close shuts down the channel and connection.
func (w *Worker) Close() error {
	var err error
	if w.ch != nil {
		err = w.ch.Close()
	}
	if w.conn != nil {
		if cerr := w.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Run consumes deliveries until ctx is cancelled. On cancellation it stops
// accepting new deliveries, lets the in-flight one finish, and returns —
// the graceful-shutdown behavior described in §5.
func (w *Worker) Run(ctx context.Context) error {
	consumerTag := "coverage-worker-" + uuid.NewString()
	deliveries, err := w.ch.Consume(queueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return skerr.Wrapf(err, "starting consume")
	}

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				wg.Wait()
				return nil
			}
			wg.Add(1)
			w.handleDelivery(ctx, d)
			wg.Done()
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, d amqp.Delivery) {
	retryCount := retryCountFromHeaders(d.Headers)

	msg, err := DecodeMessage(d.Body)
	if err != nil {
		sklog.Warningf("ingest: malformed JSON, dropping: %v", err)
		w.Metrics.observeOutcome(outcomeMalformed)
		_ = d.Nack(false, false)
		return
	}
	if msg.RepoID == "" {
		sklog.Warningf("ingest: empty repo_id, dropping message for repo=%s", msg.Repo)
		w.Metrics.observeOutcome(outcomeMalformed)
		_ = d.Nack(false, false)
		return
	}

	cfg, err := w.Store.GetConfig(ctx, string(msg.RepoID))
	if err != nil {
		w.retryOrDrop(ctx, d, retryCount, err)
		return
	}
	if cfg == nil {
		sklog.Infof("ingest: repo_id=%s not in config, admission miss, dropping", msg.RepoID)
		w.Metrics.observeOutcome(outcomeAdmissionMiss)
		_ = d.Ack(false)
		return
	}

	if err := w.process(ctx, msg, cfg); err != nil {
		w.retryOrDrop(ctx, d, retryCount, err)
		return
	}
	w.Metrics.observeOutcome(outcomeProcessed)
	_ = d.Ack(false)
}

// process implements §4.G steps 5-8: parse, upsert the report, store every
// file and its ranges within one transaction, mark the report completed,
// then best-effort materialize target and (if newly resolvable) base. The
// report upsert and the final status update each run outside the files'
// transaction.
func (w *Worker) process(ctx context.Context, msg *Message, cfg *common.Config) error {
	blocks, parseErr := traceparser.Parse(msg.Coverage.Format, msg.Coverage.Raw)
	reportStatus := common.StatusProcessing
	errMsg := ""
	if parseErr != nil {
		reportStatus = common.StatusFailed
		errMsg = parseErr.Error()
	}

	report, err := w.Store.UpsertReport(ctx, store.UpsertReportInput{
		RepoID: string(msg.RepoID), RepoName: cfg.RepoName, Branch: msg.Branch,
		BaseBranch: cfg.BaseBranch, Commit: msg.Commit,
		CIProvider: msg.CI.Provider, CIPipelineID: msg.CI.PipelineID, CIJobID: msg.CI.JobID,
		CoverageFormat: msg.Coverage.Format, Raw: msg.Coverage.Raw,
		Status: reportStatus, ErrorMessage: errMsg,
	})
	if err != nil {
		return skerr.Wrapf(err, "upserting report")
	}
	if parseErr != nil {
		return skerr.Wrapf(parseErr, "parsing coverage trace")
	}

	tsMillis := now.Now(ctx).UnixMilli()
	if err := w.storeFiles(ctx, report, blocks, tsMillis); err != nil {
		_ = w.Store.SetReportStatus(ctx, report.ID, common.StatusFailed, err.Error())
		return skerr.Wrapf(err, "storing files")
	}
	if err := w.Store.SetReportStatus(ctx, report.ID, common.StatusCompleted, ""); err != nil {
		return skerr.Wrapf(err, "marking report completed")
	}

	w.materialize(ctx, cfg, report)
	return nil
}

// storeFiles implements §4.G step 6: within a single DB transaction, upsert
// the File row for each parsed path and replace its Range set. Invariant 1
// (a File exists iff it has at least one Range) holds because upsert and
// replace always run together here, never independently.
func (w *Worker) storeFiles(ctx context.Context, report *common.Report, blocks map[string][]traceparser.Block, tsMillis int64) error {
	return w.Store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for path, fileBlocks := range blocks {
			fileID, err := w.Store.UpsertFile(ctx, tx, report.RepoID, report.Branch, path, tsMillis)
			if err != nil {
				return skerr.Wrapf(err, "upserting file %s", path)
			}
			ranges := make([]common.Range, 0, len(fileBlocks))
			for _, b := range fileBlocks {
				ranges = append(ranges, common.Range{
					FileID: fileID, StartLine: b.StartLine, StartCol: b.StartCol,
					EndLine: b.EndLine, EndCol: b.EndCol, Statements: b.Statements, Hit: b.Hit,
				})
			}
			if err := w.Store.ReplaceRanges(ctx, tx, fileID, ranges); err != nil {
				return skerr.Wrapf(err, "replacing ranges for %s", path)
			}
		}
		return nil
	})
}

func (w *Worker) materialize(ctx context.Context, cfg *common.Config, report *common.Report) {
	start := time.Now()
	defer func() { w.Metrics.observeMaterializeDuration(time.Since(start).Seconds()) }()

	if err := w.RepoCache.EnsureAll(ctx, cfg.RepoURL, report.Commit); err != nil {
		sklog.Warningf("ingest: best-effort materialization failed for %s@%s: %v", cfg.RepoURL, report.Commit, err)
		w.Metrics.observeMaterializeFailure()
		return
	}
	if report.BaseCommit != "" {
		return
	}
	base, err := resolver.Resolve(ctx, w.RepoCache, cfg.RepoURL, report.BaseBranch, report.Commit)
	if err != nil || base == "" {
		sklog.Warningf("ingest: best-effort base resolution failed for %s: %v", cfg.RepoURL, err)
		return
	}
	if err := w.Store.SetReportBaseCommit(ctx, report.ID, base, report.BaseBranch); err != nil {
		sklog.Warningf("ingest: failed to persist resolved base commit: %v", err)
		return
	}
	if err := w.RepoCache.EnsureAll(ctx, cfg.RepoURL, base); err != nil {
		sklog.Warningf("ingest: best-effort base materialization failed for %s@%s: %v", cfg.RepoURL, base, err)
		w.Metrics.observeMaterializeFailure()
	}
}

// retryOrDrop implements the retry policy of §4.G/§7: republish the
// original body with x-retry-count incremented and ack the original; at
// retryCount >= maxRetryCount, drop (nack without requeue); republish
// failure also falls back to nack-without-requeue.
func (w *Worker) retryOrDrop(ctx context.Context, d amqp.Delivery, retryCount int, cause error) {
	sklog.Warningf("ingest: processing failed (retry %d/%d): %v", retryCount, maxRetryCount, cause)
	if retryCount >= maxRetryCount {
		sklog.Errorf("ingest: retry budget exhausted, dropping message: %v", cause)
		w.Metrics.observeOutcome(outcomeDropped)
		_ = d.Nack(false, false)
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeaderKey] = retryCount + 1

	err := w.publish(ctx, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: d.DeliveryMode,
		MessageId:    d.MessageId,
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		sklog.Errorf("ingest: republish failed, dropping message: %v", err)
		w.Metrics.observeOutcome(outcomeDropped)
		_ = d.Nack(false, false)
		return
	}
	w.Metrics.observeRetry()
	_ = d.Ack(false)
}
