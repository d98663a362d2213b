package replymonitor

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/pushkind/hedwig/internal/hedwig/classifier"
	"github.com/pushkind/hedwig/internal/hedwig/domain"
	"github.com/pushkind/hedwig/internal/hedwig/imapsession"
)

type fakeSession struct {
	searchUIDs  []uint32
	bodies      map[uint32][]byte
	idleCalls   int
	idleResults []struct {
		timedOut bool
		err      error
	}
	idleIdx int
	closed  bool
}

func (f *fakeSession) SearchSince(since uint32) ([]uint32, error) {
	var out []uint32
	for _, u := range f.searchUIDs {
		if u > since {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeSession) FetchRFC822(uid uint32) ([]byte, bool, error) {
	body, ok := f.bodies[uid]
	return body, ok, nil
}

func (f *fakeSession) Idle(ctx context.Context) (bool, error) {
	f.idleCalls++
	if f.idleIdx >= len(f.idleResults) {
		return false, errors.New("no more idle results scripted")
	}
	r := f.idleResults[f.idleIdx]
	f.idleIdx++
	return r.timedOut, r.err
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

type fakeRepository struct {
	watermarks []int64
}

func (f *fakeRepository) SetImapLastUID(ctx context.Context, hubID int64, uid int64) error {
	f.watermarks = append(f.watermarks, uid)
	return nil
}

func plainMessage(fromAddr string) []byte {
	return []byte("From: " + fromAddr + "\r\nSubject: hi\r\n\r\nhello\r\n")
}

// TestDrainProcessesUIDsInAscendingOrder covers the boundary scenario
// where an IMAP search returns UIDs out of order (5, 3, 4): the
// monitor must process 3, then 4, then 5, persisting the watermark
// after each one in that same order.
func TestDrainProcessesUIDsInAscendingOrder(t *testing.T) {
	session := &fakeSession{
		searchUIDs: []uint32{5, 3, 4},
		bodies: map[uint32][]byte{
			3: plainMessage("a@example.com"),
			4: plainMessage("b@example.com"),
			5: plainMessage("c@example.com"),
		},
	}
	repo := &fakeRepository{}
	c := &classifier.Classifier{
		Repo:      &noopRepo{},
		Publisher: &noopPublisher{},
		Logger:    slog.Default(),
	}
	m := &Monitor{Repo: repo, Classifier: c, Domain: "example.com", Logger: slog.Default()}

	watermark, err := m.drain(context.Background(), session, 1, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if watermark != 5 {
		t.Errorf("want returned watermark 5, got %d", watermark)
	}

	want := []int64{3, 4, 5}
	if len(repo.watermarks) != len(want) {
		t.Fatalf("want %v watermark writes, got %v", want, repo.watermarks)
	}
	for i, w := range want {
		if repo.watermarks[i] != w {
			t.Errorf("watermark write %d: want %d, got %d", i, w, repo.watermarks[i])
		}
	}
}

func TestDrainSkipsVanishedMessageButStillAdvancesWatermark(t *testing.T) {
	session := &fakeSession{
		searchUIDs: []uint32{7},
		bodies:     map[uint32][]byte{},
	}
	repo := &fakeRepository{}
	c := &classifier.Classifier{Repo: &noopRepo{}, Publisher: &noopPublisher{}, Logger: slog.Default()}
	m := &Monitor{Repo: repo, Classifier: c, Domain: "example.com", Logger: slog.Default()}

	watermark, err := m.drain(context.Background(), session, 1, 0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if watermark != 7 {
		t.Errorf("want returned watermark 7, got %d", watermark)
	}
	if len(repo.watermarks) != 1 || repo.watermarks[0] != 7 {
		t.Errorf("want watermark advanced past vanished uid 7, got %v", repo.watermarks)
	}
}

// TestRunCarriesWatermarkBetweenDrainCalls covers the bug where Run
// re-searched from the same stale UID on every IDLE wake instead of
// carrying forward the watermark drain had just persisted: the second
// drain must start its search from the UID the first drain reached,
// not reclassify and republish the same backlog forever.
func TestRunCarriesWatermarkBetweenDrainCalls(t *testing.T) {
	session := &fakeSession{
		searchUIDs: []uint32{1, 2},
		bodies: map[uint32][]byte{
			1: plainMessage("a@example.com"),
			2: plainMessage("b@example.com"),
		},
		idleResults: []struct {
			timedOut bool
			err      error
		}{
			{timedOut: true, err: nil},
			{timedOut: false, err: errors.New("stop")},
		},
	}
	repo := &fakeRepository{}
	c := &classifier.Classifier{Repo: &noopRepo{}, Publisher: &noopPublisher{}, Logger: slog.Default()}
	m := &Monitor{
		Repo:       repo,
		Classifier: c,
		Dial:       func(ctx context.Context, cfg imapsession.Config) (Session, error) { return session, nil },
		Domain:     "example.com",
		Logger:     slog.Default(),
	}

	hub := domain.Hub{ID: 1, IMAPServer: "imap.example.com", IMAPPort: 993, Login: "u", Password: "p"}
	err := m.Run(context.Background(), hub)
	if err == nil || err.Error() != "idle hub 1: stop" {
		t.Fatalf("want Run to stop on the scripted idle error, got %v", err)
	}

	// The first drain (pre-loop) should persist watermarks 1 then 2.
	// If Run failed to carry the watermark forward, the post-idle
	// drain would re-search from UID 0 and persist 1 and 2 again.
	want := []int64{1, 2}
	if len(repo.watermarks) != len(want) {
		t.Fatalf("want %v watermark writes (no backlog repeat), got %v", want, repo.watermarks)
	}
	for i, w := range want {
		if repo.watermarks[i] != w {
			t.Errorf("watermark write %d: want %d, got %d", i, w, repo.watermarks[i])
		}
	}
}

type noopRepo struct{}

func (noopRepo) GetEmailRecipientByID(ctx context.Context, id int64, hubID int64) (domain.EmailRecipient, error) {
	return domain.EmailRecipient{}, errors.New("not used in this test")
}

func (noopRepo) UpdateRecipient(ctx context.Context, recipientID int64, updates domain.UpdateRecipient) (domain.EmailWithRecipients, error) {
	return domain.EmailWithRecipients{}, nil
}

type noopPublisher struct{}

func (noopPublisher) PublishReply(ctx context.Context, msg domain.ZMQReplyMessage) error { return nil }
func (noopPublisher) PublishUnsubscribe(ctx context.Context, msg domain.ZMQUnsubscribeMessage) error {
	return nil
}

var _ Dialer = func(ctx context.Context, cfg imapsession.Config) (Session, error) { return nil, nil }
