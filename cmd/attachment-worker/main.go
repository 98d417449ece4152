// Package main implements the attachment-worker SQS consumer Lambda handler.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/attachments"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/config"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/jobqueue"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/leasestore"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/logging"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/mailbox"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/recordstore"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/retry"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/storage"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/syncer"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/worker"
)

var logger = logging.New()

// JobHandler runs one decoded job.
type JobHandler interface {
	Handle(ctx context.Context, job *jobqueue.Job) error
}

// LeaseStore is the batch-level mutual exclusion surface.
type LeaseStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// handler implements the attachment-worker SQS consumer logic.
type handler struct {
	jobs     JobHandler
	leases   LeaseStore
	leaseTTL time.Duration
}

// newHandler creates a new handler.
func newHandler(jobs JobHandler, leases LeaseStore, leaseTTL time.Duration) *handler {
	return &handler{jobs: jobs, leases: leases, leaseTTL: leaseTTL}
}

// handle processes an SQS batch under the processing lease. If another
// worker holds the lease the whole batch is returned for redelivery
// rather than run concurrently.
func (h *handler) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	tracer := otel.Tracer("ethos-attachment-worker")
	ctx, span := tracer.Start(ctx, "AttachmentWorkerHandler")
	defer span.End()

	if err := h.leases.Acquire(ctx, leasestore.KeyProcessingAttached, h.leaseTTL); err != nil {
		if errors.Is(err, leasestore.ErrLeaseHeld) {
			logger.InfoContext(ctx, "Processing lease held, deferring batch",
				slog.Int("total", len(event.Records)),
			)
			return deferAll(event), nil
		}
		return events.SQSEventResponse{}, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := h.leases.Release(releaseCtx, leasestore.KeyProcessingAttached); err != nil {
			logger.ErrorContext(releaseCtx, "Failed to release processing lease",
				slog.String("error", err.Error()),
			)
		}
	}()

	var failures []events.SQSBatchItemFailure

	for _, record := range event.Records {
		job, err := jobqueue.Decode([]byte(record.Body))
		if err != nil {
			logger.ErrorContext(ctx, "Failed to parse SQS message",
				slog.String("message_id", record.MessageId),
				slog.String("error", err.Error()),
			)
			failures = append(failures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
			continue
		}

		if err := h.jobs.Handle(ctx, job); err != nil {
			logger.ErrorContext(ctx, "Job failed",
				slog.String("message_id", record.MessageId),
				slog.String("job_type", string(job.Type)),
				slog.String("error", err.Error()),
			)
			failures = append(failures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}

	logger.InfoContext(ctx, "Attachment batch completed",
		slog.Int("total", len(event.Records)),
		slog.Int("failures", len(failures)),
	)

	return events.SQSEventResponse{
		BatchItemFailures: failures,
	}, nil
}

// deferAll marks every record in the batch as failed so SQS redelivers
// all of them after the visibility timeout.
func deferAll(event events.SQSEvent) events.SQSEventResponse {
	failures := make([]events.SQSBatchItemFailure, 0, len(event.Records))
	for _, record := range event.Records {
		failures = append(failures, events.SQSBatchItemFailure{
			ItemIdentifier: record.MessageId,
		})
	}
	return events.SQSEventResponse{BatchItemFailures: failures}
}

// imapDialer adapts mailbox.Dial to the pipeline's Dialer interface.
type imapDialer struct {
	cfg mailbox.Config
}

func (d *imapDialer) Dial() (attachments.MailSession, error) {
	session, err := mailbox.Dial(d.cfg)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// syncDialer adapts mailbox.Dial to the coordinator's Dialer interface.
type syncDialer struct {
	cfg mailbox.Config
}

func (d *syncDialer) Dial() (syncer.MailSession, error) {
	session, err := mailbox.Dial(d.cfg)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func main() {
	ctx := context.Background()

	tp, err := xrayconfig.NewTracerProvider(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		panic(err)
	}
	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		xray.Propagator{},
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("FATAL: Failed to load config", slog.String("error", err.Error()))
		panic(err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	leases := leasestore.New(dynamodb.NewFromConfig(awsCfg), cfg.LeaseTable)
	uploader := storage.New(s3.NewFromConfig(awsCfg), cfg.Storage.Bucket, cfg.Storage.BaseURL)

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	store := recordstore.New(cfg.RecordStore.URL, cfg.RecordStore.Token, httpClient, retry.Policy{
		MaxRetries: cfg.RecordStore.MaxRetries,
		BaseDelay:  cfg.RecordStore.RetryDelay,
	})

	mailCfg := mailbox.Config{
		Host:           cfg.Mailbox.Host,
		Port:           cfg.Mailbox.Port,
		Username:       cfg.Mailbox.Username,
		Password:       cfg.Mailbox.Password,
		ConnectTimeout: cfg.Mailbox.ConnectTimeout,
		AuthTimeout:    cfg.Mailbox.AuthTimeout,
	}

	pipeline := attachments.New(&imapDialer{cfg: mailCfg}, uploader, store, attachments.Config{
		Folder:      cfg.Mailbox.Folder,
		ScanTimeout: cfg.Mailbox.BulkTimeout,
		Concurrency: int64(cfg.UploadConcurrency),
	}, logger)

	// Re-fetches re-enqueue attachment jobs, so the coordinator gets the
	// real queue here too.
	queue := jobqueue.New(sqs.NewFromConfig(awsCfg), cfg.QueueURL)
	coordinator := syncer.New(leases, &syncDialer{cfg: mailCfg}, store, queue, syncer.Config{
		Folder:       cfg.Mailbox.Folder,
		BatchSize:    cfg.SyncBatchSize,
		LeaseTTL:     cfg.SyncLeaseTTL,
		FetchTimeout: cfg.Mailbox.BulkTimeout,
		SingleFetch:  cfg.Mailbox.FetchTimeout,
	}, logger)

	jobs := worker.New(pipeline, coordinator, store, logger)

	h := newHandler(jobs, leases, cfg.ProcessLeaseTTL)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
