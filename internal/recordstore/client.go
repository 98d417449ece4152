// Package recordstore is the GraphQL client for the content API that acts
// as the pipeline's system of record.
package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethos-sas-dev/sistema-ethos-sub001/internal/retry"
)

// Error types for record-store operations.
var (
	// ErrRecordStore covers transport and server-side failures that
	// survived the retry budget.
	ErrRecordStore = errors.New("record store request failed")
	// ErrGraphQL is an application-level error from the API. Never retried.
	ErrGraphQL = errors.New("record store rejected request")
	// ErrRecordNotFound means no record exists for the queried emailId.
	ErrRecordNotFound = errors.New("tracking record not found")
)

// HTTPDoer abstracts HTTP client operations for dependency inversion.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the record store. Transport failures, 404s and
// 5xx-class responses are retried with linear backoff; GraphQL errors
// surface immediately.
type Client struct {
	endpoint   string
	token      string
	httpClient HTTPDoer
	retrier    *retry.Retrier
}

// New creates a Client.
func New(endpoint, token string, httpClient HTTPDoer, policy retry.Policy) *Client {
	return &Client{
		endpoint:   endpoint,
		token:      token,
		httpClient: httpClient,
		retrier:    retry.New(policy),
	}
}

// graphqlRequest is the wire shape of one GraphQL call.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// execute runs one GraphQL call under the retry policy and decodes the
// response's data field into out.
func (c *Client) execute(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecordStore, err)
	}

	return c.retrier.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("%w: %v", ErrRecordStore, err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Transport failure: retryable, no response received.
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500 {
			io.Copy(io.Discard, resp.Body)
			return retry.Transient(fmt.Errorf("%w: status %d", ErrRecordStore, resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			io.Copy(io.Discard, resp.Body)
			return retry.Permanent(fmt.Errorf("%w: status %d", ErrRecordStore, resp.StatusCode))
		}

		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return retry.Transient(fmt.Errorf("%w: decode: %v", ErrRecordStore, err))
		}
		if len(envelope.Errors) > 0 {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrGraphQL, envelope.Errors[0].Message))
		}
		if out != nil {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				return retry.Permanent(fmt.Errorf("%w: data: %v", ErrRecordStore, err))
			}
		}
		return nil
	})
}

const findQuery = `query EmailTracking($emailId: String!) {
  emailTrackings(filters: { emailId: { eq: $emailId } }) {
    documentId emailId from to subject receivedDate status
    lastResponseBy lastResponseDate
    attachments { name url size mimeType }
  }
}`

// FindByEmailID returns the tracking record for emailID, or
// ErrRecordNotFound. This is the pipeline's only "seen before" check.
func (c *Client) FindByEmailID(ctx context.Context, emailID string) (*EmailTrackingRecord, error) {
	var data struct {
		EmailTrackings []EmailTrackingRecord `json:"emailTrackings"`
	}
	err := c.execute(ctx, findQuery, map[string]any{"emailId": emailID}, &data)
	if err != nil {
		return nil, err
	}
	if len(data.EmailTrackings) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrRecordNotFound, emailID)
	}
	return &data.EmailTrackings[0], nil
}

const createMutation = `mutation CreateEmailTracking($data: EmailTrackingInput!) {
  createEmailTracking(data: $data) { documentId }
}`

// Create stores a new tracking record and returns its documentId.
func (c *Client) Create(ctx context.Context, rec *EmailTrackingRecord) (string, error) {
	data := map[string]any{
		"emailId":      rec.EmailID,
		"from":         rec.From,
		"to":           rec.To,
		"subject":      rec.Subject,
		"receivedDate": rec.ReceivedDate.UTC().Format(time.RFC3339),
		"status":       rec.Status,
	}
	if rec.LastResponseBy != "" {
		data["lastResponseBy"] = rec.LastResponseBy
	}
	if rec.LastResponseDate != nil {
		data["lastResponseDate"] = rec.LastResponseDate.UTC().Format(time.RFC3339)
	}

	var result struct {
		CreateEmailTracking struct {
			DocumentID string `json:"documentId"`
		} `json:"createEmailTracking"`
	}
	err := c.execute(ctx, createMutation, map[string]any{"data": data}, &result)
	if err != nil {
		return "", err
	}
	return result.CreateEmailTracking.DocumentID, nil
}

const updateMutation = `mutation UpdateEmailTracking($documentId: ID!, $data: EmailTrackingInput!) {
  updateEmailTracking(documentId: $documentId, data: $data) { documentId }
}`

// UpdateAttachments replaces the attachments field of a record.
func (c *Client) UpdateAttachments(ctx context.Context, documentID string, attachments []Attachment) error {
	return c.execute(ctx, updateMutation, map[string]any{
		"documentId": documentID,
		"data":       map[string]any{"attachments": attachments},
	}, nil)
}

// UpdateStatus applies a status transition with response metadata.
func (c *Client) UpdateStatus(ctx context.Context, documentID string, status Status, by Responder, at time.Time) error {
	data := map[string]any{
		"status": status,
	}
	if by != "" {
		data["lastResponseBy"] = by
		data["lastResponseDate"] = at.UTC().Format(time.RFC3339)
	}
	return c.execute(ctx, updateMutation, map[string]any{
		"documentId": documentID,
		"data":       data,
	}, nil)
}
