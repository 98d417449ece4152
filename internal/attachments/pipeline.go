// Package attachments drains attachment jobs: locate the message in the
// mailbox, extract each attachment, upload it and reconcile the result
// set into the record store.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/jobqueue"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/mailbox"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/mailparse"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/recordstore"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/storage"
)

// ErrNotFound means the target message is absent from the mailbox after a
// full scan. Distinct from "found but zero attachments", which is a valid
// nothing-to-do outcome.
var ErrNotFound = errors.New("email not found in mailbox")

// MailSession is one open mailbox session.
type MailSession interface {
	OpenFolder(name string) error
	Search(criteria mailbox.Criteria) ([]uint32, error)
	FetchMessages(ctx context.Context, uids []uint32, timeout time.Duration) ([]mailbox.RawMessage, error)
	Close() error
}

// Dialer opens a fresh mailbox session per job.
type Dialer interface {
	Dial() (MailSession, error)
}

// Uploader stores attachment bytes and returns a durable URL.
type Uploader interface {
	Upload(ctx context.Context, filename, contentType string, data []byte) (string, error)
}

// RecordStore is the reconciliation surface for upload results.
type RecordStore interface {
	FindByEmailID(ctx context.Context, emailID string) (*recordstore.EmailTrackingRecord, error)
	UpdateAttachments(ctx context.Context, documentID string, attachments []recordstore.Attachment) error
}

// Config bounds the pipeline.
type Config struct {
	Folder      string
	ScanTimeout time.Duration // processing-phase budget for the full scan
	Concurrency int64         // upload slots; admission blocks beyond this
}

// Result is the outcome of one job. Partial means at least one entry has
// no URL; the record store was left untouched in that case.
type Result struct {
	Attachments []recordstore.Attachment
	Partial     bool
}

// Pipeline processes attachment jobs with bounded upload concurrency.
// The bound is process-local; the processing lease generally serializes
// invocations, so the aggregate stays near the configured limit.
type Pipeline struct {
	dialer   Dialer
	uploader Uploader
	store    RecordStore
	sem      *semaphore.Weighted
	cfg      Config
	logger   *slog.Logger
}

// New creates a Pipeline. The semaphore is created once per process and
// shared across jobs so concurrent jobs still respect the global bound.
func New(dialer Dialer, uploader Uploader, store RecordStore, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	return &Pipeline{
		dialer:   dialer,
		uploader: uploader,
		store:    store,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		cfg:      cfg,
		logger:   logger,
	}
}

// Process handles one message's attachment set.
func (p *Pipeline) Process(ctx context.Context, job *jobqueue.ProcessAttachmentsJob) (Result, error) {
	if len(job.Attachments) == 0 {
		// Valid nothing-to-do outcome: no uploads, no record-store write.
		return Result{}, nil
	}

	msg, err := p.locate(ctx, job.EmailID)
	if err != nil {
		return Result{}, err
	}

	results := make([]recordstore.Attachment, len(job.Attachments))
	var wg sync.WaitGroup
	for i, ref := range job.Attachments {
		// Acquire blocks when all slots are busy: backpressure, not drop.
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return Result{}, err
		}
		wg.Add(1)
		go func(i int, ref jobqueue.AttachmentRef) {
			defer wg.Done()
			defer p.sem.Release(1)
			results[i] = p.uploadOne(ctx, msg, ref)
		}(i, ref)
	}
	wg.Wait()

	for _, att := range results {
		if !storage.IsValidURL(att.URL) {
			// Partial failure: preserve the record's prior attachments.
			p.logger.ErrorContext(ctx, "Attachment batch incomplete, skipping record update",
				slog.String("email_id", job.EmailID),
				slog.String("attachment", att.Name),
				slog.String("error", att.Error),
			)
			return Result{Attachments: results, Partial: true}, nil
		}
	}

	rec, err := p.store.FindByEmailID(ctx, job.EmailID)
	if err != nil {
		return Result{Attachments: results}, fmt.Errorf("find record for %s: %w", job.EmailID, err)
	}
	if err := p.store.UpdateAttachments(ctx, rec.DocumentID, results); err != nil {
		return Result{Attachments: results}, fmt.Errorf("update attachments for %s: %w", job.EmailID, err)
	}

	p.logger.InfoContext(ctx, "Attachment batch reconciled",
		slog.String("email_id", job.EmailID),
		slog.Int("count", len(results)),
	)
	return Result{Attachments: results}, nil
}

// uploadOne extracts and uploads a single attachment. Failures are
// recorded inline with an empty URL, never dropped.
func (p *Pipeline) uploadOne(ctx context.Context, msg *mailbox.RawMessage, ref jobqueue.AttachmentRef) recordstore.Attachment {
	data, contentType, err := mailparse.ExtractAttachment(msg.Raw, ref.Filename)
	if err != nil {
		return recordstore.Attachment{Name: ref.Filename, Error: err.Error()}
	}
	if contentType == "" {
		contentType = ref.ContentType
	}

	url, err := p.uploader.Upload(ctx, ref.Filename, contentType, data)
	if err != nil {
		p.logger.ErrorContext(ctx, "Attachment upload failed",
			slog.String("attachment", ref.Filename),
			slog.String("error", err.Error()),
		)
		return recordstore.Attachment{Name: ref.Filename, Error: err.Error()}
	}

	return recordstore.Attachment{
		Name:     ref.Filename,
		URL:      url,
		Size:     int64(len(data)),
		MimeType: contentType,
	}
}

// locate scans the whole folder for the message with the given external
// id. The mailbox has no server-side index by emailId, so this is O(n),
// bounded by the scan timeout.
func (p *Pipeline) locate(ctx context.Context, emailID string) (*mailbox.RawMessage, error) {
	session, err := p.dialer.Dial()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := session.OpenFolder(p.cfg.Folder); err != nil {
		return nil, err
	}
	uids, err := session.Search(mailbox.CriteriaAll)
	if err != nil {
		return nil, err
	}

	messages, err := session.FetchMessages(ctx, uids, p.cfg.ScanTimeout)
	if err != nil {
		return nil, err
	}

	for i := range messages {
		msg := &messages[i]
		if strconv.FormatUint(uint64(msg.UID), 10) == emailID {
			return msg, nil
		}
		parsed, err := mailparse.Parse(msg.Raw)
		if err != nil {
			continue
		}
		if parsed.MessageID != "" && parsed.MessageID == emailID {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, emailID)
}
