// Package syncer orchestrates one mailbox synchronization pass: lease,
// fetch, reconcile against the record store, release.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/jobqueue"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/leasestore"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/mailbox"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/mailparse"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/recordstore"
)

// ErrMessageNotFound means a fetch-by-id scan matched nothing.
var ErrMessageNotFound = errors.New("message not found in mailbox")

// LeaseStore is the coordination surface the coordinator needs.
type LeaseStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// MailSession is one open mailbox session.
type MailSession interface {
	OpenFolder(name string) error
	Search(criteria mailbox.Criteria) ([]uint32, error)
	FetchMessages(ctx context.Context, uids []uint32, timeout time.Duration) ([]mailbox.RawMessage, error)
	Close() error
}

// Dialer opens a fresh mailbox session. Each pass and each fetch-by-id
// uses its own session; IMAP forbids interleaving commands on one.
type Dialer interface {
	Dial() (MailSession, error)
}

// RecordStore is the reconciliation surface of the system of record.
type RecordStore interface {
	FindByEmailID(ctx context.Context, emailID string) (*recordstore.EmailTrackingRecord, error)
	Create(ctx context.Context, rec *recordstore.EmailTrackingRecord) (string, error)
}

// JobPublisher enqueues follow-up work.
type JobPublisher interface {
	Enqueue(ctx context.Context, job *jobqueue.Job) error
}

// Options select the behavior of one pass.
type Options struct {
	// Refresh scans all messages instead of only unseen ones.
	Refresh bool
}

// Result is the structured outcome of one pass. A 200-class response
// never implies every item succeeded; callers check the counts.
type Result struct {
	AlreadyRunning bool `json:"alreadyRunning"`
	Processed      int  `json:"processed"`
	Failed         int  `json:"failed"`
}

// Config bounds one pass.
type Config struct {
	Folder       string
	BatchSize    int
	LeaseTTL     time.Duration
	FetchTimeout time.Duration // bulk fetch budget
	SingleFetch  time.Duration // fetch-by-id budget
}

// Coordinator runs sync passes. Stateless between calls; all shared state
// lives in the lease store and the record store.
type Coordinator struct {
	leases LeaseStore
	dialer Dialer
	store  RecordStore
	queue  JobPublisher
	cfg    Config
	logger *slog.Logger
}

// New creates a Coordinator.
func New(leases LeaseStore, dialer Dialer, store RecordStore, queue JobPublisher, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = time.Minute
	}
	if cfg.SingleFetch <= 0 {
		cfg.SingleFetch = 15 * time.Second
	}
	return &Coordinator{
		leases: leases,
		dialer: dialer,
		store:  store,
		queue:  queue,
		cfg:    cfg,
		logger: logger,
	}
}

// Run executes one synchronization pass. A held lease is the expected
// concurrent-invocation outcome and reports AlreadyRunning, not an error.
// The lease is released on every other exit path; a crash is covered by
// TTL self-expiry.
func (c *Coordinator) Run(ctx context.Context, opts Options) (Result, error) {
	if err := c.leases.Acquire(ctx, leasestore.KeySyncInProgress, c.cfg.LeaseTTL); err != nil {
		if errors.Is(err, leasestore.ErrLeaseHeld) {
			c.logger.InfoContext(ctx, "Sync already in progress, skipping")
			return Result{AlreadyRunning: true}, nil
		}
		return Result{}, fmt.Errorf("acquire sync lease: %w", err)
	}
	defer func() {
		// Release must survive a cancelled invocation context.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := c.leases.Release(releaseCtx, leasestore.KeySyncInProgress); err != nil {
			c.logger.ErrorContext(ctx, "Failed to release sync lease",
				slog.String("error", err.Error()),
			)
		}
	}()

	messages, err := c.fetchBatch(ctx, opts)
	if err != nil {
		return Result{}, err
	}

	// Newest first; server search order carries no meaning.
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].InternalDate.After(messages[j].InternalDate)
	})

	var result Result
	for _, msg := range messages {
		if err := c.reconcile(ctx, msg); err != nil {
			result.Failed++
			c.logger.ErrorContext(ctx, "Failed to reconcile message",
				slog.Int("uid", int(msg.UID)),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Processed++
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if err := c.leases.Set(ctx, leasestore.KeyLastSyncTimestamp, now, 7*24*time.Hour); err != nil {
		c.logger.ErrorContext(ctx, "Failed to stamp last sync time",
			slog.String("error", err.Error()),
		)
	}

	c.logger.InfoContext(ctx, "Sync pass completed",
		slog.Int("processed", result.Processed),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

// fetchBatch opens a session, searches per the refresh flag and fetches
// at most BatchSize messages. The session never outlives the call.
func (c *Coordinator) fetchBatch(ctx context.Context, opts Options) ([]mailbox.RawMessage, error) {
	session, err := c.dialer.Dial()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := session.OpenFolder(c.cfg.Folder); err != nil {
		return nil, err
	}

	criteria := mailbox.CriteriaUnseen
	if opts.Refresh {
		criteria = mailbox.CriteriaAll
	}
	uids, err := session.Search(criteria)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, nil
	}

	// UIDs ascend with arrival; keep the most recent BatchSize.
	if len(uids) > c.cfg.BatchSize {
		uids = uids[len(uids)-c.cfg.BatchSize:]
	}

	return session.FetchMessages(ctx, uids, c.cfg.FetchTimeout)
}

// reconcile upserts one message into the record store and enqueues
// attachment work. The check-then-create is not atomic; a duplicate under
// a raced lease is an accepted risk.
func (c *Coordinator) reconcile(ctx context.Context, msg mailbox.RawMessage) error {
	parsed, err := mailparse.Parse(msg.Raw)
	if err != nil {
		return err
	}

	emailID := EmailID(msg.UID, parsed.MessageID)

	if _, err := c.store.FindByEmailID(ctx, emailID); err == nil {
		// Seen before: upsert leaves the record unchanged.
		return nil
	} else if !errors.Is(err, recordstore.ErrRecordNotFound) {
		return err
	}

	receivedAt := parsed.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = msg.InternalDate
	}

	rec := &recordstore.EmailTrackingRecord{
		EmailID:      emailID,
		From:         parsed.From,
		To:           parsed.To,
		Subject:      parsed.Subject,
		ReceivedDate: receivedAt,
		Status:       recordstore.StatusNeedsAttention,
	}
	if mailparse.IsReply(parsed.Subject) {
		// An inbound reply means the client spoke last.
		rec.LastResponseBy = recordstore.ResponderClient
		rec.LastResponseDate = &receivedAt
	}

	if _, err := c.store.Create(ctx, rec); err != nil {
		return err
	}

	if len(parsed.Attachments) > 0 {
		refs := make([]jobqueue.AttachmentRef, 0, len(parsed.Attachments))
		for _, att := range parsed.Attachments {
			refs = append(refs, jobqueue.AttachmentRef{
				Filename:    att.Filename,
				ContentType: att.ContentType,
			})
		}
		job := &jobqueue.Job{
			Type: jobqueue.JobTypeProcessAttachments,
			ProcessAttachments: &jobqueue.ProcessAttachmentsJob{
				EmailID:     emailID,
				Attachments: refs,
			},
		}
		if err := c.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue attachments for %s: %w", emailID, err)
		}
	}

	return nil
}

// FetchOne re-reconciles a single message by its external id, scanning the
// whole folder because the mailbox has no server-side index by emailId.
func (c *Coordinator) FetchOne(ctx context.Context, emailID string) error {
	session, err := c.dialer.Dial()
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.OpenFolder(c.cfg.Folder); err != nil {
		return err
	}
	uids, err := session.Search(mailbox.CriteriaAll)
	if err != nil {
		return err
	}

	messages, err := session.FetchMessages(ctx, uids, c.cfg.SingleFetch)
	if err != nil {
		return err
	}

	for _, msg := range messages {
		if !Matches(msg, emailID) {
			continue
		}
		return c.reconcile(ctx, msg)
	}
	return fmt.Errorf("%w: %q", ErrMessageNotFound, emailID)
}

// EmailID derives the externally stable identity of a message: the
// Message-ID header when present, otherwise the session UID. UIDs are not
// durable across server-side renumbering, so Message-ID wins.
func EmailID(uid uint32, messageID string) string {
	if messageID != "" {
		return messageID
	}
	return strconv.FormatUint(uint64(uid), 10)
}

// Matches reports whether a fetched message carries the given emailId,
// by UID or by Message-ID.
func Matches(msg mailbox.RawMessage, emailID string) bool {
	if strconv.FormatUint(uint64(msg.UID), 10) == emailID {
		return true
	}
	parsed, err := mailparse.Parse(msg.Raw)
	if err != nil {
		return false
	}
	return parsed.MessageID != "" && parsed.MessageID == emailID
}
