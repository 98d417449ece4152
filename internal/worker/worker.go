// Package worker dispatches queued jobs to the pipeline components. Both
// the SQS consumer and the manual queue drain run jobs through it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/attachments"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/jobqueue"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/recordstore"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/syncer"
)

// ErrPartialUpload means an attachment batch completed with at least one
// failed entry; the job should be redelivered for another attempt.
var ErrPartialUpload = errors.New("attachment batch partially failed")

// AttachmentProcessor runs one attachment job.
type AttachmentProcessor interface {
	Process(ctx context.Context, job *jobqueue.ProcessAttachmentsJob) (attachments.Result, error)
}

// SingleFetcher re-reconciles one message by id.
type SingleFetcher interface {
	FetchOne(ctx context.Context, emailID string) error
}

// RecordStore is the surface needed for status transitions.
type RecordStore interface {
	FindByEmailID(ctx context.Context, emailID string) (*recordstore.EmailTrackingRecord, error)
	UpdateStatus(ctx context.Context, documentID string, status recordstore.Status, by recordstore.Responder, at time.Time) error
}

// Worker handles decoded jobs.
type Worker struct {
	processor AttachmentProcessor
	fetcher   SingleFetcher
	store     RecordStore
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// New creates a Worker.
func New(processor AttachmentProcessor, fetcher SingleFetcher, store RecordStore, logger *slog.Logger) *Worker {
	return &Worker{
		processor: processor,
		fetcher:   fetcher,
		store:     store,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Handle runs one job. A nil return settles the job; an error leaves it
// on the queue for redelivery.
func (w *Worker) Handle(ctx context.Context, job *jobqueue.Job) error {
	switch job.Type {
	case jobqueue.JobTypeProcessAttachments:
		return w.handleAttachments(ctx, job.ProcessAttachments)
	case jobqueue.JobTypeFetch:
		return w.handleFetch(ctx, job.Fetch)
	case jobqueue.JobTypeProcessEmail:
		return w.handleProcessEmail(ctx, job.ProcessEmail)
	default:
		return fmt.Errorf("%w: %q", jobqueue.ErrUnknownJobType, job.Type)
	}
}

func (w *Worker) handleAttachments(ctx context.Context, job *jobqueue.ProcessAttachmentsJob) error {
	result, err := w.processor.Process(ctx, job)
	if err != nil {
		if errors.Is(err, attachments.ErrNotFound) {
			// Absent messages are reported, not retried.
			w.logger.ErrorContext(ctx, "Message for attachment job not found",
				slog.String("email_id", job.EmailID),
			)
			return nil
		}
		return err
	}
	if result.Partial {
		// Redelivery gives the failed attachments another attempt.
		return fmt.Errorf("%w: %s", ErrPartialUpload, job.EmailID)
	}
	return nil
}

func (w *Worker) handleFetch(ctx context.Context, job *jobqueue.FetchJob) error {
	err := w.fetcher.FetchOne(ctx, job.EmailID)
	if errors.Is(err, syncer.ErrMessageNotFound) {
		w.logger.ErrorContext(ctx, "Message for fetch job not found",
			slog.String("email_id", job.EmailID),
		)
		return nil
	}
	return err
}

func (w *Worker) handleProcessEmail(ctx context.Context, job *jobqueue.ProcessEmailJob) error {
	rec, err := w.store.FindByEmailID(ctx, job.EmailID)
	if err != nil {
		return err
	}
	return w.store.UpdateStatus(ctx, rec.DocumentID,
		recordstore.Status(job.Status), recordstore.Responder(job.RespondedBy), w.nowFunc())
}
