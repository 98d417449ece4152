// Package jobqueue defines the durable work queue and its job types.
package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error types for job handling.
var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrInvalidJob     = errors.New("invalid job")
)

// JobType tags the job union. Dispatch is always on this tag, never on
// which payload fields happen to be present.
type JobType string

const (
	JobTypeFetch              JobType = "fetch"
	JobTypeProcessEmail       JobType = "processEmail"
	JobTypeProcessAttachments JobType = "processAttachments"
)

// FetchJob requests a fetch-and-reconcile of a single message by id.
type FetchJob struct {
	EmailID string `json:"emailId"`
}

// ProcessEmailJob requests a status transition on a tracking record.
type ProcessEmailJob struct {
	EmailID     string `json:"emailId"`
	Status      string `json:"status"`
	RespondedBy string `json:"respondedBy,omitempty"`
}

// AttachmentRef names one attachment of a message, metadata only.
type AttachmentRef struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// ProcessAttachmentsJob carries one message's full attachment set.
type ProcessAttachmentsJob struct {
	EmailID     string          `json:"emailId"`
	Attachments []AttachmentRef `json:"attachments"`
}

// Job is the tagged envelope placed on the queue. Exactly one payload
// field matching Type must be set.
type Job struct {
	Type               JobType                `json:"type"`
	Fetch              *FetchJob              `json:"fetch,omitempty"`
	ProcessEmail       *ProcessEmailJob       `json:"processEmail,omitempty"`
	ProcessAttachments *ProcessAttachmentsJob `json:"processAttachments,omitempty"`
}

// Validate checks that the tag and payload agree.
func (j *Job) Validate() error {
	switch j.Type {
	case JobTypeFetch:
		if j.Fetch == nil || j.Fetch.EmailID == "" {
			return fmt.Errorf("%w: fetch payload missing", ErrInvalidJob)
		}
	case JobTypeProcessEmail:
		if j.ProcessEmail == nil || j.ProcessEmail.EmailID == "" {
			return fmt.Errorf("%w: processEmail payload missing", ErrInvalidJob)
		}
	case JobTypeProcessAttachments:
		if j.ProcessAttachments == nil || j.ProcessAttachments.EmailID == "" {
			return fmt.Errorf("%w: processAttachments payload missing", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownJobType, j.Type)
	}
	return nil
}

// Decode parses a queue message body into a validated Job.
func Decode(body []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}
