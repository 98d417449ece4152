package recordstore

import "time"

// Status is the tracking state of an email record.
type Status string

const (
	StatusNeedsAttention Status = "needsAttention"
	StatusInformational  Status = "informational"
	StatusResponded      Status = "responded"
)

// Responder identifies who last replied on a thread.
type Responder string

const (
	ResponderClient Responder = "client"
	ResponderAdmin  Responder = "admin"
)

// Attachment is one durably stored attachment reference.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	// Error is set when the upload failed; such entries carry an empty
	// URL and are never written to the record store.
	Error string `json:"error,omitempty"`
}

// EmailTrackingRecord is the durable system-of-record entity. At most one
// record exists per emailId; the check-then-create reconciliation that
// enforces this is not atomic, so concurrent passes can race (accepted).
type EmailTrackingRecord struct {
	DocumentID       string       `json:"documentId"`
	EmailID          string       `json:"emailId"`
	From             string       `json:"from"`
	To               string       `json:"to"`
	Subject          string       `json:"subject"`
	ReceivedDate     time.Time    `json:"receivedDate"`
	Status           Status       `json:"status"`
	LastResponseBy   Responder    `json:"lastResponseBy,omitempty"`
	LastResponseDate *time.Time   `json:"lastResponseDate,omitempty"`
	Attachments      []Attachment `json:"attachments"`
}
