// Package main implements the email-sync Lambda handler: one mailbox
// synchronization pass per invocation, triggered on a schedule or by hand.
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
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/config"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/jobqueue"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/leasestore"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/logging"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/mailbox"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/recordstore"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/retry"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/syncer"
)

var logger = logging.New()

// SyncRunner runs one synchronization pass.
type SyncRunner interface {
	Run(ctx context.Context, opts syncer.Options) (syncer.Result, error)
}

// handler implements the sync trigger surface.
type handler struct {
	runner SyncRunner
	secret string
}

// newHandler creates a new handler.
func newHandler(runner SyncRunner, secret string) *handler {
	return &handler{runner: runner, secret: secret}
}

// syncResponse is the structured body returned to the caller. A 200
// status never implies every message succeeded; callers read the counts.
type syncResponse struct {
	Success        bool   `json:"success"`
	AlreadyRunning bool   `json:"alreadyRunning,omitempty"`
	Processed      int    `json:"processed"`
	Failed         int    `json:"failed"`
	Error          string `json:"error,omitempty"`
}

// handle authorizes the trigger and runs one pass. Authorization happens
// before any lease is touched.
func (h *handler) handle(ctx context.Context, request events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	tracer := otel.Tracer("ethos-email-sync")
	ctx, span := tracer.Start(ctx, "EmailSyncHandler")
	defer span.End()

	if !h.authorized(request) {
		return respond(http.StatusUnauthorized, syncResponse{Error: "unauthorized"}), nil
	}

	refresh := request.QueryStringParameters["refresh"] == "true"

	result, err := h.runner.Run(ctx, syncer.Options{Refresh: refresh})
	if err != nil {
		logger.ErrorContext(ctx, "Sync pass failed",
			slog.String("error", err.Error()),
		)
		return respond(http.StatusInternalServerError, syncResponse{Error: err.Error()}), nil
	}

	return respond(http.StatusOK, syncResponse{
		Success:        true,
		AlreadyRunning: result.AlreadyRunning,
		Processed:      result.Processed,
		Failed:         result.Failed,
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

func respond(status int, body syncResponse) events.LambdaFunctionURLResponse {
	payload, _ := json.Marshal(body)
	return events.LambdaFunctionURLResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(payload),
	}
}

// imapDialer adapts mailbox.Dial to the coordinator's Dialer interface.
type imapDialer struct {
	cfg mailbox.Config
}

func (d *imapDialer) Dial() (syncer.MailSession, error) {
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

	// X-Ray propagation so the record-store HTTP calls carry trace context
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

	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	store := recordstore.New(cfg.RecordStore.URL, cfg.RecordStore.Token, httpClient, retry.Policy{
		MaxRetries: cfg.RecordStore.MaxRetries,
		BaseDelay:  cfg.RecordStore.RetryDelay,
	})

	dialer := &imapDialer{cfg: mailbox.Config{
		Host:           cfg.Mailbox.Host,
		Port:           cfg.Mailbox.Port,
		Username:       cfg.Mailbox.Username,
		Password:       cfg.Mailbox.Password,
		ConnectTimeout: cfg.Mailbox.ConnectTimeout,
		AuthTimeout:    cfg.Mailbox.AuthTimeout,
	}}

	coordinator := syncer.New(leases, dialer, store, queue, syncer.Config{
		Folder:       cfg.Mailbox.Folder,
		BatchSize:    cfg.SyncBatchSize,
		LeaseTTL:     cfg.SyncLeaseTTL,
		FetchTimeout: cfg.Mailbox.BulkTimeout,
		SingleFetch:  cfg.Mailbox.FetchTimeout,
	}, logger)

	h := newHandler(coordinator, cfg.TriggerSecret)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
