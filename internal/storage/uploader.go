// Package storage uploads attachment bytes to the durable object store.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ErrUpload marks a failed upload. Recorded per attachment, never fatal
// to a batch.
var ErrUpload = errors.New("upload failed")

// placeholderDomain marks synthetic URLs produced by test doubles. A URL
// containing it must never be persisted as a real attachment location.
const placeholderDomain = "example.com"

// S3Putter abstracts the S3 put operation for dependency inversion.
type S3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader stores attachment bytes and returns their public URL.
type Uploader struct {
	client  S3Putter
	bucket  string
	baseURL string
	keyFunc func(filename string) string
}

// New creates an Uploader. baseURL is the public prefix under which
// uploaded objects are reachable.
func New(client S3Putter, bucket, baseURL string) *Uploader {
	return &Uploader{
		client:  client,
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
		keyFunc: func(filename string) string {
			return uuid.New().String() + "/" + sanitize(filename)
		},
	}
}

// Upload stores data under a fresh key and returns the durable URL.
func (u *Uploader) Upload(ctx context.Context, filename, contentType string, data []byte) (string, error) {
	key := u.keyFunc(filename)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrUpload, filename, err)
	}

	return u.baseURL + "/" + key, nil
}

// IsValidURL reports whether url is a real durable location: it must be
// http-prefixed and must not point at the placeholder domain.
func IsValidURL(url string) bool {
	if !strings.HasPrefix(url, "http") {
		return false
	}
	return !strings.Contains(url, placeholderDomain)
}

// sanitize keeps object keys to a safe character set.
func sanitize(filename string) string {
	var b strings.Builder
	for _, r := range filename {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
