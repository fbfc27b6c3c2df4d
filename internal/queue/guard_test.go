package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeQueue struct {
	err   error
	calls int
}

func (f *fakeQueue) Enqueue(ctx context.Context, deviceID string, data []byte) error {
	f.calls++
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGuardQueuedWhenQueueHealthy(t *testing.T) {
	q := &fakeQueue{}
	g := NewGuard(q, NewBreaker(3, time.Minute), discardLogger())

	fallbackCalls := 0
	out := g.Execute(context.Background(), "dev-1", []byte("{}"), func() error {
		fallbackCalls++
		return nil
	})
	if out != OutcomeQueued {
		t.Fatalf("outcome = %v, want queued", out)
	}
	if fallbackCalls != 0 {
		t.Fatal("fallback must not run when the queue accepts")
	}
	if q.calls != 1 {
		t.Fatalf("queue called %d times, want 1", q.calls)
	}
}

func TestGuardFallsBackOnQueueError(t *testing.T) {
	q := &fakeQueue{err: errors.New("broker down")}
	g := NewGuard(q, NewBreaker(3, time.Minute), discardLogger())

	out := g.Execute(context.Background(), "dev-1", nil, func() error { return nil })
	if out != OutcomeDirectSent {
		t.Fatalf("outcome = %v, want direct_sent", out)
	}
}

func TestGuardSkipsQueueWhileBreakerOpen(t *testing.T) {
	q := &fakeQueue{err: errors.New("broker down")}
	b := NewBreaker(2, time.Hour)
	g := NewGuard(q, b, discardLogger())

	// Two failing attempts open the breaker.
	for i := 0; i < 2; i++ {
		g.Execute(context.Background(), "dev-1", nil, func() error { return nil })
	}
	if !b.Open() {
		t.Fatal("breaker should be open after threshold failures")
	}

	before := q.calls
	out := g.Execute(context.Background(), "dev-1", nil, func() error { return nil })
	if out != OutcomeDirectSent {
		t.Fatalf("outcome = %v, want direct_sent", out)
	}
	if q.calls != before {
		t.Fatal("queue must not be attempted while the breaker is open")
	}
}

func TestGuardFailedWhenBothPathsFail(t *testing.T) {
	q := &fakeQueue{err: errors.New("broker down")}
	g := NewGuard(q, NewBreaker(3, time.Minute), discardLogger())

	out := g.Execute(context.Background(), "dev-1", nil, func() error {
		return errors.New("connection gone")
	})
	if out != OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", out)
	}
}

func TestGuardNilQueueGoesDirect(t *testing.T) {
	g := NewGuard(nil, NewBreaker(3, time.Minute), discardLogger())

	out := g.Execute(context.Background(), "dev-1", nil, func() error { return nil })
	if out != OutcomeDirectSent {
		t.Fatalf("outcome = %v, want direct_sent", out)
	}
}
