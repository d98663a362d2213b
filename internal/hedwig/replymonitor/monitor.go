// Package replymonitor runs one hub's IMAP lifecycle: connect, drain
// the backlog above the persisted watermark in strict ascending UID
// order, classify each message, persist the watermark after every
// UID, then idle for server pushes and repeat. Grounded on the
// teacher's internal/email/poller.go for the high-water-mark shape
// and on original_source/src/check_reply/service.rs's monitor_hub for
// the connect/search/idle loop.
package replymonitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/pushkind/hedwig/internal/hedwig/classifier"
	"github.com/pushkind/hedwig/internal/hedwig/domain"
	"github.com/pushkind/hedwig/internal/hedwig/imapsession"
	"github.com/pushkind/hedwig/internal/hedwig/mimeparse"
)

// Repository is the slice of store.Store the monitor needs.
type Repository interface {
	SetImapLastUID(ctx context.Context, hubID int64, uid int64) error
}

// Session is the IMAP surface the monitor drives. imapsession.Session
// satisfies it; tests supply a fake.
type Session interface {
	SearchSince(since uint32) ([]uint32, error)
	FetchRFC822(uid uint32) ([]byte, bool, error)
	Idle(ctx context.Context) (timedOut bool, err error)
	Close() error
}

// Dialer opens a Session for a hub's IMAP credentials.
type Dialer func(ctx context.Context, cfg imapsession.Config) (Session, error)

// Monitor drives one hub's reply-monitoring lifecycle.
type Monitor struct {
	Repo       Repository
	Classifier *classifier.Classifier
	Dial       Dialer
	Domain     string
	Logger     *slog.Logger
}

// Run connects to hub's IMAP account, drains any backlog above its
// persisted watermark, then loops: idle for a push, drain whatever
// arrived, repeat. It returns when ctx is canceled or the session
// errors; callers (the supervisor) are responsible for reconnecting.
func (m *Monitor) Run(ctx context.Context, hub domain.Hub) error {
	if !hub.HasIMAP() {
		return fmt.Errorf("replymonitor: hub %d has no IMAP configuration", hub.ID)
	}

	session, err := m.Dial(ctx, imapsession.Config{
		Host:     hub.IMAPServer,
		Port:     hub.IMAPPort,
		Username: hub.Login,
		Password: hub.Password,
	})
	if err != nil {
		return fmt.Errorf("connect hub %d: %w", hub.ID, err)
	}
	defer session.Close()

	watermark, err := m.drain(ctx, session, hub.ID, hub.ImapLastUID)
	if err != nil {
		return err
	}
	hub.ImapLastUID = watermark

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		timedOut, err := session.Idle(ctx)
		if err != nil {
			return fmt.Errorf("idle hub %d: %w", hub.ID, err)
		}
		if timedOut {
			m.Logger.Info("idle keepalive elapsed, re-issuing idle", "hub_id", hub.ID)
		}

		watermark, err := m.drain(ctx, session, hub.ID, hub.ImapLastUID)
		if err != nil {
			return err
		}
		hub.ImapLastUID = watermark
	}
}

// drain fetches and classifies every UID above since, in strict
// ascending order, persisting the watermark after each one so a crash
// mid-backlog never reprocesses earlier messages. It returns the
// watermark reached, which the caller must carry into its next call
// so a later drain doesn't re-search from a stale UID.
func (m *Monitor) drain(ctx context.Context, session Session, hubID int64, since int64) (int64, error) {
	uids, err := session.SearchSince(uint32(since))
	if err != nil {
		return since, fmt.Errorf("search hub %d: %w", hubID, err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	watermark := since
	for _, uid := range uids {
		raw, ok, err := session.FetchRFC822(uid)
		if err != nil {
			return watermark, fmt.Errorf("fetch hub %d uid %d: %w", hubID, uid, err)
		}
		if !ok {
			m.Logger.Warn("message vanished before fetch", "hub_id", hubID, "uid", uid)
		} else {
			parsed, err := mimeparse.Parse(raw, m.Domain)
			if err != nil {
				m.Logger.Error("cannot parse message", "hub_id", hubID, "uid", uid, "error", err)
			} else {
				m.Classifier.Process(ctx, hubID, parsed)
			}
		}

		if uid > math.MaxInt32 {
			m.Logger.Warn("uid exceeds signed 32-bit range, watermark not persisted", "hub_id", hubID, "uid", uid)
		} else if err := m.Repo.SetImapLastUID(ctx, hubID, int64(uid)); err != nil {
			return watermark, fmt.Errorf("persist watermark hub %d uid %d: %w", hubID, uid, err)
		}
		watermark = int64(uid)
	}
	return watermark, nil
}
