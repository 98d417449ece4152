// Package mailparse turns raw RFC5322 bytes into structured metadata.
// It performs no I/O; attachment content is extracted separately so
// metadata-only scans never hold large buffers.
package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	_ "github.com/emersion/go-message/charset"
)

// ErrParse marks malformed input. A parse failure skips one message and
// never aborts a sync pass.
var ErrParse = errors.New("message parse failed")

// previewLength is the number of characters kept in Preview.
const previewLength = 200

// defaultSubject is used when the Subject header is absent or empty.
const defaultSubject = "(no subject)"

// AttachmentInfo describes one attachment: metadata only, no content.
type AttachmentInfo struct {
	Filename    string
	ContentType string
	Size        int64
}

// ParsedMessage is the structured form of one mailbox message.
type ParsedMessage struct {
	From        string
	To          string
	Subject     string
	MessageID   string
	ReceivedAt  time.Time
	BodyText    string
	Preview     string
	Attachments []AttachmentInfo
}

// Parse extracts headers, plain-text body and attachment descriptors from
// raw message bytes.
func Parse(raw []byte) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	parsed := &ParsedMessage{
		From:    firstAddress(mr.Header, "From"),
		To:      firstAddress(mr.Header, "To"),
		Subject: defaultSubject,
	}

	if subject, err := mr.Header.Subject(); err == nil && strings.TrimSpace(subject) != "" {
		parsed.Subject = subject
	}
	if id, err := mr.Header.MessageID(); err == nil {
		parsed.MessageID = id
	}
	if date, err := mr.Header.Date(); err == nil {
		parsed.ReceivedAt = date
	}

	var htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part invalidates the whole message.
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, err := h.ContentType()
			if err != nil {
				continue
			}
			switch contentType {
			case "text/plain":
				if parsed.BodyText == "" {
					body, err := io.ReadAll(part.Body)
					if err != nil {
						continue
					}
					parsed.BodyText = string(body)
				}
			case "text/html":
				if htmlBody == "" {
					body, err := io.ReadAll(part.Body)
					if err != nil {
						continue
					}
					htmlBody = string(body)
				}
			}
		case *mail.AttachmentHeader:
			filename, err := h.Filename()
			if err != nil || filename == "" {
				continue
			}
			contentType, _, _ := h.ContentType()
			// Drain the part to learn its decoded size without keeping it.
			size, _ := io.Copy(io.Discard, part.Body)
			parsed.Attachments = append(parsed.Attachments, AttachmentInfo{
				Filename:    filename,
				ContentType: contentType,
				Size:        size,
			})
		}
	}

	if parsed.BodyText == "" && htmlBody != "" {
		parsed.BodyText = htmlToText(strings.NewReader(htmlBody))
	}
	parsed.Preview = preview(parsed.BodyText)

	return parsed, nil
}

// IsReply reports whether a subject marks the message as a reply, using
// the case-insensitive "re:" prefix heuristic.
func IsReply(subject string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:")
}

// firstAddress returns the first address of a header field. When a field
// resolves to a list the policy is to take the first entry.
func firstAddress(header mail.Header, field string) string {
	addrs, err := header.AddressList(field)
	if err != nil || len(addrs) == 0 {
		return strings.TrimSpace(header.Get(field))
	}
	return addrs[0].Address
}

func preview(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= previewLength {
		return string(runes)
	}
	return string(runes[:previewLength])
}
