// Package imapsession wraps a single IMAP connection for one hub:
// connect/login/select, UID search, UID fetch of raw RFC-822 bytes,
// and an IDLE wait bounded by a keepalive timer. It is grounded on
// the teacher's internal/email/client.go and internal/email/search.go,
// generalized from a poll-driven agent tool into a push-driven
// (IDLE) session per SPEC_FULL.md §4.2.
package imapsession

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// idleKeepalive bounds an IDLE wait comfortably under RFC 2177's
// 30-minute maximum, matching SPEC_FULL.md §4.2/§5.
const idleKeepalive = 29 * time.Minute

// ErrAuthFailed is returned when login is rejected by the server.
var ErrAuthFailed = errors.New("imapsession: authentication failed")

// Config holds the connection parameters for one hub's mailbox.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Session is a connected, INBOX-selected IMAP client for one hub.
type Session struct {
	cfg     Config
	client  *imapclient.Client
	updates chan struct{}
}

// Connect dials, authenticates, and selects INBOX over TLS with
// system root trust.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	updates := make(chan struct{}, 1)
	notify := func() {
		select {
		case updates <- struct{}{}:
		default:
		}
	}

	client, err := imapclient.DialTLS(addr, &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: cfg.Host},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(*imapclient.UnilateralDataMailbox) { notify() },
			Expunge: func(uint32) { notify() },
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	return &Session{cfg: cfg, client: client, updates: updates}, nil
}

// Close logs out best-effort and releases the connection.
func (s *Session) Close() error {
	if s.client == nil {
		return nil
	}
	_ = s.client.Logout().Wait()
	return s.client.Close()
}

// SearchSince returns every UID strictly greater than since, sorted
// ascending. IMAP returns the highest UID for a "since+1:*" range even
// with no new mail, so UIDs at or below since are dropped here.
func (s *Session) SearchSince(since uint32) ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(since + 1), Stop: 0}}},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search since %d: %w", since, err)
	}

	uids := make([]uint32, 0, len(data.AllUIDs()))
	for _, uid := range data.AllUIDs() {
		if uint32(uid) <= since {
			continue
		}
		uids = append(uids, uint32(uid))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchRFC822 returns the raw bytes of the message with the given
// UID, or (nil, false) if it has vanished between search and fetch.
func (s *Session) FetchRFC822(uid uint32) ([]byte, bool, error) {
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))
	fetchCmd := s.client.Fetch(uidSet, &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{{}},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, false, nil
	}

	var raw []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		section, ok := item.(imapclient.FetchItemDataBodySection)
		if !ok {
			continue
		}
		data, err := io.ReadAll(section.Literal)
		if err != nil {
			return nil, false, fmt.Errorf("read message body for uid %d: %w", uid, err)
		}
		raw = data
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, false, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	if raw == nil {
		return nil, false, nil
	}
	return raw, true, nil
}

// Idle blocks until the server pushes a mailbox update, the keepalive
// timer elapses, or ctx is cancelled, whichever happens first. A
// keepalive timeout is reported as (true, nil): benign, the caller
// should simply re-issue Idle and re-drain any backlog. Any other
// error is fatal for this hub's monitor iteration.
func (s *Session) Idle(ctx context.Context) (timedOut bool, err error) {
	idleCmd, err := s.client.Idle()
	if err != nil {
		return false, fmt.Errorf("start idle: %w", err)
	}

	timer := time.NewTimer(idleKeepalive)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = idleCmd.Close()
		return false, ctx.Err()
	case <-s.updates:
		if err := idleCmd.Close(); err != nil {
			return false, fmt.Errorf("idle: %w", err)
		}
		return false, nil
	case <-timer.C:
		if err := idleCmd.Close(); err != nil {
			return false, fmt.Errorf("idle: %w", err)
		}
		return true, nil
	}
}
