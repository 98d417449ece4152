package attachments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/jobqueue"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/logging"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/mailbox"
	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/recordstore"
)

// messageWithAttachments builds a multipart message with the given
// attachment names, each carrying the body "DATA-<name>".
func messageWithAttachments(uid uint32, messageID string, names ...string) mailbox.RawMessage {
	raw := "From: cliente@correo.com\r\nSubject: Factura\r\n" +
		"Message-ID: <" + messageID + ">\r\n" +
		"MIME-Version: 1.0\r\nContent-Type: multipart/mixed; boundary=\"B\"\r\n\r\n" +
		"--B\r\nContent-Type: text/plain\r\n\r\nAdjunto.\r\n"
	for _, name := range names {
		raw += "--B\r\nContent-Type: application/pdf\r\n" +
			"Content-Disposition: attachment; filename=\"" + name + "\"\r\n\r\n" +
			"DATA-" + name + "\r\n"
	}
	raw += "--B--\r\n"
	return mailbox.RawMessage{UID: uid, InternalDate: time.Now(), Raw: []byte(raw)}
}

// fakeSession implements MailSession.
type fakeSession struct {
	messages []mailbox.RawMessage
	closed   bool
}

func (f *fakeSession) OpenFolder(name string) error { return nil }

func (f *fakeSession) Search(criteria mailbox.Criteria) ([]uint32, error) {
	uids := make([]uint32, len(f.messages))
	for i, m := range f.messages {
		uids[i] = m.UID
	}
	return uids, nil
}

func (f *fakeSession) FetchMessages(ctx context.Context, uids []uint32, timeout time.Duration) ([]mailbox.RawMessage, error) {
	return f.messages, nil
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

// fakeDialer implements Dialer.
type fakeDialer struct {
	session *fakeSession
	dials   int
}

func (f *fakeDialer) Dial() (MailSession, error) {
	f.dials++
	return f.session, nil
}

// fakeUploader implements Uploader.
type fakeUploader struct {
	mu       sync.Mutex
	uploads  []string
	inFlight int
	maxSeen  int
	failFor  map[string]error
	urlFor   func(filename string) string
}

func (f *fakeUploader) Upload(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.uploads = append(f.uploads, filename)
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err, ok := f.failFor[filename]; ok {
		return "", err
	}
	if f.urlFor != nil {
		return f.urlFor(filename), nil
	}
	return "https://docs.ethos.com.ec/k/" + filename, nil
}

// fakeStore implements RecordStore.
type fakeStore struct {
	record  *recordstore.EmailTrackingRecord
	updates [][]recordstore.Attachment
}

func (f *fakeStore) FindByEmailID(ctx context.Context, emailID string) (*recordstore.EmailTrackingRecord, error) {
	if f.record == nil {
		return nil, recordstore.ErrRecordNotFound
	}
	return f.record, nil
}

func (f *fakeStore) UpdateAttachments(ctx context.Context, documentID string, attachments []recordstore.Attachment) error {
	f.updates = append(f.updates, attachments)
	return nil
}

func newPipeline(dialer Dialer, uploader Uploader, store RecordStore, concurrency int64) *Pipeline {
	return New(dialer, uploader, store, Config{Concurrency: concurrency}, logging.New())
}

func TestProcess_ZeroAttachmentsIsNoOp(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{}}
	uploader := &fakeUploader{}
	store := &fakeStore{}
	p := newPipeline(dialer, uploader, store, 3)

	result, err := p.Process(context.Background(), &jobqueue.ProcessAttachmentsJob{EmailID: "email-1"})
	if err != nil {
		t.Fatalf("Process error = %v", err)
	}
	if len(result.Attachments) != 0 || result.Partial {
		t.Errorf("result = %+v, want empty", result)
	}
	if dialer.dials != 0 {
		t.Error("mailbox was dialed for an empty attachment set")
	}
	if len(uploader.uploads) != 0 || len(store.updates) != 0 {
		t.Error("uploads or record-store writes happened")
	}
}

func TestProcess_MessageNotFound(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{
		messages: []mailbox.RawMessage{messageWithAttachments(1, "other@c.com", "a.pdf")},
	}}
	store := &fakeStore{}
	p := newPipeline(dialer, &fakeUploader{}, store, 3)

	job := &jobqueue.ProcessAttachmentsJob{
		EmailID:     "email-42",
		Attachments: []jobqueue.AttachmentRef{{Filename: "invoice.pdf"}},
	}
	_, err := p.Process(context.Background(), job)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if len(store.updates) != 0 {
		t.Error("record store was written")
	}
	if !dialer.session.closed {
		t.Error("session not closed")
	}
}

func TestProcess_AllSuccessReconciles(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{
		messages: []mailbox.RawMessage{messageWithAttachments(7, "m7@c.com", "a.pdf", "b.pdf")},
	}}
	store := &fakeStore{record: &recordstore.EmailTrackingRecord{DocumentID: "doc-7", EmailID: "m7@c.com"}}
	p := newPipeline(dialer, &fakeUploader{}, store, 3)

	job := &jobqueue.ProcessAttachmentsJob{
		EmailID: "m7@c.com",
		Attachments: []jobqueue.AttachmentRef{
			{Filename: "a.pdf", ContentType: "application/pdf"},
			{Filename: "b.pdf", ContentType: "application/pdf"},
		},
	}
	result, err := p.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("Process error = %v", err)
	}
	if result.Partial {
		t.Error("Partial = true, want false")
	}
	if len(result.Attachments) != 2 {
		t.Fatalf("attachments = %d, want 2", len(result.Attachments))
	}
	if result.Attachments[0].Size != int64(len("DATA-a.pdf")) {
		t.Errorf("size = %d", result.Attachments[0].Size)
	}
	if len(store.updates) != 1 || len(store.updates[0]) != 2 {
		t.Fatalf("updates = %+v, want one write of 2 entries", store.updates)
	}
}

func TestProcess_PartialFailureSkipsRecordWrite(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{
		messages: []mailbox.RawMessage{messageWithAttachments(7, "m7@c.com", "a.pdf", "b.pdf")},
	}}
	uploader := &fakeUploader{failFor: map[string]error{"b.pdf": errors.New("throttled")}}
	store := &fakeStore{record: &recordstore.EmailTrackingRecord{DocumentID: "doc-7"}}
	p := newPipeline(dialer, uploader, store, 3)

	job := &jobqueue.ProcessAttachmentsJob{
		EmailID: "m7@c.com",
		Attachments: []jobqueue.AttachmentRef{
			{Filename: "a.pdf"},
			{Filename: "b.pdf"},
		},
	}
	result, err := p.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("Process error = %v", err)
	}
	if !result.Partial {
		t.Error("Partial = false, want true")
	}
	if len(result.Attachments) != 2 {
		t.Fatalf("attachments = %d, want 2 (failed entry kept)", len(result.Attachments))
	}
	failed := result.Attachments[1]
	if failed.URL != "" || failed.Error == "" {
		t.Errorf("failed entry = %+v, want empty url and error set", failed)
	}
	if len(store.updates) != 0 {
		t.Error("record store was written despite partial failure")
	}
}

func TestProcess_PlaceholderURLIsNotSuccess(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{
		messages: []mailbox.RawMessage{messageWithAttachments(7, "m7@c.com", "a.pdf")},
	}}
	uploader := &fakeUploader{urlFor: func(string) string { return "https://example.com/fake.pdf" }}
	store := &fakeStore{record: &recordstore.EmailTrackingRecord{DocumentID: "doc-7"}}
	p := newPipeline(dialer, uploader, store, 3)

	job := &jobqueue.ProcessAttachmentsJob{
		EmailID:     "m7@c.com",
		Attachments: []jobqueue.AttachmentRef{{Filename: "a.pdf"}},
	}
	result, err := p.Process(context.Background(), job)
	if err != nil {
		t.Fatalf("Process error = %v", err)
	}
	if !result.Partial {
		t.Error("Partial = false, want true for placeholder URL")
	}
	if len(store.updates) != 0 {
		t.Error("record store was written for a synthetic URL")
	}
}

func TestProcess_MatchesByUID(t *testing.T) {
	dialer := &fakeDialer{session: &fakeSession{
		messages: []mailbox.RawMessage{messageWithAttachments(99, "m99@c.com", "a.pdf")},
	}}
	store := &fakeStore{record: &recordstore.EmailTrackingRecord{DocumentID: "doc-99"}}
	p := newPipeline(dialer, &fakeUploader{}, store, 3)

	job := &jobqueue.ProcessAttachmentsJob{
		EmailID:     "99",
		Attachments: []jobqueue.AttachmentRef{{Filename: "a.pdf"}},
	}
	if _, err := p.Process(context.Background(), job); err != nil {
		t.Fatalf("Process error = %v", err)
	}
	if len(store.updates) != 1 {
		t.Errorf("updates = %d, want 1", len(store.updates))
	}
}

func TestProcess_BoundsUploadConcurrency(t *testing.T) {
	names := make([]string, 8)
	refs := make([]jobqueue.AttachmentRef, 8)
	for i := range names {
		names[i] = fmt.Sprintf("f%d.pdf", i)
		refs[i] = jobqueue.AttachmentRef{Filename: names[i]}
	}
	dialer := &fakeDialer{session: &fakeSession{
		messages: []mailbox.RawMessage{messageWithAttachments(7, "m7@c.com", names...)},
	}}
	uploader := &fakeUploader{}
	store := &fakeStore{record: &recordstore.EmailTrackingRecord{DocumentID: "doc-7"}}
	p := newPipeline(dialer, uploader, store, 2)

	job := &jobqueue.ProcessAttachmentsJob{EmailID: "m7@c.com", Attachments: refs}
	if _, err := p.Process(context.Background(), job); err != nil {
		t.Fatalf("Process error = %v", err)
	}
	if uploader.maxSeen > 2 {
		t.Errorf("max concurrent uploads = %d, want <= 2", uploader.maxSeen)
	}
	if len(uploader.uploads) != 8 {
		t.Errorf("uploads = %d, want 8", len(uploader.uploads))
	}
}
