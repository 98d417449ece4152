// Package mailbox wraps the stateful IMAP session used by the pipeline.
//
// IMAP does not allow concurrent commands on one session, so every
// operation here is strictly sequenced: dial, select, search, fetch,
// close. Concurrent work uses independent sessions.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// Error types for mailbox operations.
var (
	ErrConnection   = errors.New("mailbox connection failed")
	ErrFolder       = errors.New("mailbox folder unavailable")
	ErrFetchTimeout = errors.New("mailbox fetch timed out")
)

// Criteria selects which messages a search returns.
type Criteria int

const (
	// CriteriaAll matches every message not flagged for deletion.
	CriteriaAll Criteria = iota
	// CriteriaUnseen matches messages without the \Seen flag.
	CriteriaUnseen
)

// Config holds the IMAP connection settings.
type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ConnectTimeout time.Duration
	AuthTimeout    time.Duration
}

// RawMessage is one fetched message: identity plus unparsed bytes.
type RawMessage struct {
	UID          uint32
	InternalDate time.Time
	Raw          []byte
}

// Session is an authenticated IMAP session with a folder selected via
// OpenFolder. It is not safe for concurrent use.
type Session struct {
	c *client.Client
}

// Dial connects and authenticates. The TCP+TLS handshake runs under the
// connect timeout and the login under the auth timeout, independently.
func Dial(cfg Config) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	c, err := client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: cfg.Host})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}

	c.Timeout = cfg.AuthTimeout
	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("%w: login: %v", ErrConnection, err)
	}
	c.Timeout = 0

	return &Session{c: c}, nil
}

// OpenFolder selects the named folder read-only.
func (s *Session) OpenFolder(name string) error {
	if _, err := s.c.Select(name, true); err != nil {
		return fmt.Errorf("%w: select %q: %v", ErrFolder, name, err)
	}
	return nil
}

// Search returns the UIDs matching the criteria. Server ordering of the
// result carries no meaning; callers sort after fetching.
func (s *Session) Search(criteria Criteria) ([]uint32, error) {
	sc := imap.NewSearchCriteria()
	switch criteria {
	case CriteriaUnseen:
		sc.WithoutFlags = []string{imap.SeenFlag}
	default:
		sc.WithoutFlags = []string{imap.DeletedFlag}
	}

	uids, err := s.c.UidSearch(sc)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrConnection, err)
	}
	return uids, nil
}

// FetchMessages fetches full bodies for the given UIDs in a single pass.
// The timeout covers the whole fetch; when it fires the connection is
// force-closed, partial results are discarded and ErrFetchTimeout is
// returned. The session is unusable afterwards.
func (s *Session) FetchMessages(ctx context.Context, uids []uint32, timeout time.Duration) ([]RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchInternalDate, imap.FetchUid}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(seqset, items, messages)
	}()

	collected := make(chan []RawMessage, 1)
	go func() {
		var out []RawMessage
		for msg := range messages {
			body := msg.GetBody(section)
			if body == nil {
				continue
			}
			raw, err := io.ReadAll(body)
			if err != nil {
				continue
			}
			out = append(out, RawMessage{
				UID:          msg.Uid,
				InternalDate: msg.InternalDate,
				Raw:          raw,
			})
		}
		collected <- out
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		result := <-collected
		if err != nil {
			return nil, fmt.Errorf("%w: fetch: %v", ErrConnection, err)
		}
		return result, nil
	case <-timer.C:
		// Tear down the connection so the blocked fetch unwinds.
		_ = s.c.Terminate()
		<-done
		<-collected
		return nil, ErrFetchTimeout
	case <-ctx.Done():
		_ = s.c.Terminate()
		<-done
		<-collected
		return nil, ctx.Err()
	}
}

// Close logs out. Safe to call on every exit path, including after a
// force-closed fetch.
func (s *Session) Close() error {
	if s == nil || s.c == nil {
		return nil
	}
	return s.c.Logout()
}
