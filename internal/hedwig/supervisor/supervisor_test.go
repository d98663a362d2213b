package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pushkind/hedwig/internal/hedwig/domain"
)

func setTestBackoff(errDelay, missingDelay time.Duration) {
	errorBackoff = errDelay
	hubMissingBackoff = missingDelay
}

func TestSuperviseRestartsAfterRunnerError(t *testing.T) {
	var calls atomic.Int32
	lookup := func(ctx context.Context, hubID int64) (domain.Hub, bool, error) {
		return domain.Hub{ID: hubID}, true, nil
	}
	run := func(ctx context.Context, hub domain.Hub) error {
		calls.Add(1)
		return errors.New("boom")
	}

	// Override the fixed backoff durations for the duration of this
	// test so it runs quickly and deterministically.
	restoreError, restoreMissing := errorBackoff, hubMissingBackoff
	setTestBackoff(10*time.Millisecond, 10*time.Millisecond)
	defer setTestBackoff(restoreError, restoreMissing)

	m := NewManager(lookup, run, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	m.Supervise(ctx, 1)

	deadline := time.After(2 * time.Second)
	for calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("want at least 3 runner invocations, got %d", calls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	m.Stop()
}

func TestSuperviseWaitsWhenHubMissing(t *testing.T) {
	var lookups atomic.Int32
	lookup := func(ctx context.Context, hubID int64) (domain.Hub, bool, error) {
		lookups.Add(1)
		return domain.Hub{}, false, nil
	}
	run := func(ctx context.Context, hub domain.Hub) error {
		t.Fatalf("runner should never be invoked for a missing hub")
		return nil
	}

	restoreError, restoreMissing := errorBackoff, hubMissingBackoff
	setTestBackoff(10*time.Millisecond, 10*time.Millisecond)
	defer setTestBackoff(restoreError, restoreMissing)

	m := NewManager(lookup, run, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	m.Supervise(ctx, 2)

	deadline := time.After(2 * time.Second)
	for lookups.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("want at least 3 lookups, got %d", lookups.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	m.Stop()
}

func TestSuperviseIsIdempotentPerHub(t *testing.T) {
	lookup := func(ctx context.Context, hubID int64) (domain.Hub, bool, error) {
		return domain.Hub{ID: hubID}, true, nil
	}
	var calls atomic.Int32
	run := func(ctx context.Context, hub domain.Hub) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}

	m := NewManager(lookup, run, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Supervise(ctx, 5)
	m.Supervise(ctx, 5)

	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("want exactly 1 supervisor for a hub, got %d concurrent runs", calls.Load())
	}
}
