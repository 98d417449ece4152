// Package main implements the queue-drain Lambda handler: a manually
// triggered drain that pulls one job off the queue and runs it inline,
// for operators working a stuck queue.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

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

// drainVisibilitySecs hides the drained message long enough to run it;
// on failure the message reappears after this window.
const drainVisibilitySecs = 300

var logger = logging.New()

// JobReceiver pulls and settles jobs from the queue.
type JobReceiver interface {
	Receive(ctx context.Context, visibilityTimeoutSecs int32) (*jobqueue.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// JobHandler runs one decoded job.
type JobHandler interface {
	Handle(ctx context.Context, job *jobqueue.Job) error
}

// handler implements the manual drain surface.
type handler struct {
	queue  JobReceiver
	jobs   JobHandler
	secret string
}

// newHandler creates a new handler.
func newHandler(queue JobReceiver, jobs JobHandler, secret string) *handler {
	return &handler{queue: queue, jobs: jobs, secret: secret}
}

// drainResponse is the structured body returned to the operator.
type drainResponse struct {
	Success bool   `json:"success"`
	Drained int    `json:"drained"`
	JobType string `json:"jobType,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handle authorizes the trigger and drains at most one job.
func (h *handler) handle(ctx context.Context, request events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	tracer := otel.Tracer("ethos-queue-drain")
	ctx, span := tracer.Start(ctx, "QueueDrainHandler")
	defer span.End()

	if !h.authorized(request) {
		return respond(http.StatusUnauthorized, drainResponse{Error: "unauthorized"}), nil
	}

	received, err := h.queue.Receive(ctx, drainVisibilitySecs)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to receive from queue",
			slog.String("error", err.Error()),
		)
		return respond(http.StatusInternalServerError, drainResponse{Error: err.Error()}), nil
	}
	if received == nil {
		return respond(http.StatusOK, drainResponse{Success: true, Drained: 0}), nil
	}

	if err := h.jobs.Handle(ctx, received.Job); err != nil {
		// Leave the message in flight; it reappears after the
		// visibility window for the next attempt.
		logger.ErrorContext(ctx, "Drained job failed",
			slog.String("job_type", string(received.Job.Type)),
			slog.String("error", err.Error()),
		)
		return respond(http.StatusInternalServerError, drainResponse{
			JobType: string(received.Job.Type),
			Error:   err.Error(),
		}), nil
	}

	if err := h.queue.Delete(ctx, received.ReceiptHandle); err != nil {
		logger.ErrorContext(ctx, "Failed to settle drained job",
			slog.String("error", err.Error()),
		)
		return respond(http.StatusInternalServerError, drainResponse{Error: err.Error()}), nil
	}

	logger.InfoContext(ctx, "Drained one job",
		slog.String("job_type", string(received.Job.Type)),
	)
	return respond(http.StatusOK, drainResponse{
		Success: true,
		Drained: 1,
		JobType: string(received.Job.Type),
	}), nil
}

// authorized checks the bearer shared secret in constant time.
func (h *handler) authorized(request events.LambdaFunctionURLRequest) bool {
	auth := request.Headers["authorization"]
	if auth == "" {
		auth = request.Headers["Authorization"]
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}

func respond(status int, body drainResponse) events.LambdaFunctionURLResponse {
	payload, _ := json.Marshal(body)
	return events.LambdaFunctionURLResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(payload),
	}
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
	queue := jobqueue.New(sqs.NewFromConfig(awsCfg), cfg.QueueURL)
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

	coordinator := syncer.New(leases, &syncDialer{cfg: mailCfg}, store, queue, syncer.Config{
		Folder:       cfg.Mailbox.Folder,
		BatchSize:    cfg.SyncBatchSize,
		LeaseTTL:     cfg.SyncLeaseTTL,
		FetchTimeout: cfg.Mailbox.BulkTimeout,
		SingleFetch:  cfg.Mailbox.FetchTimeout,
	}, logger)

	jobs := worker.New(pipeline, coordinator, store, logger)

	h := newHandler(queue, jobs, cfg.TriggerSecret)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
