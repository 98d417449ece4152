package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-message/mail"
)

// ErrAttachmentNotFound means the message has no attachment with the
// requested filename.
var ErrAttachmentNotFound = errors.New("attachment not found")

// ExtractAttachment returns the decoded bytes and content type of the
// named attachment. Only the upload pipeline calls this; the metadata
// scan in Parse deliberately never loads content.
func ExtractAttachment(raw []byte, filename string) ([]byte, string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrParse, err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrParse, err)
		}

		h, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		name, err := h.Filename()
		if err != nil || name != filename {
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, "", fmt.Errorf("%w: read %q: %v", ErrParse, filename, err)
		}
		contentType, _, _ := h.ContentType()
		return data, contentType, nil
	}

	return nil, "", fmt.Errorf("%w: %q", ErrAttachmentNotFound, filename)
}
