package queue

import (
	"context"
	"log/slog"
)

// Outcome describes how a guarded forwarding attempt was resolved.
type Outcome int

const (
	// OutcomeQueued means the durable queue accepted the item.
	OutcomeQueued Outcome = iota
	// OutcomeDirectSent means the fallback path delivered the item directly.
	OutcomeDirectSent
	// OutcomeFailed means neither path succeeded.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeQueued:
		return "queued"
	case OutcomeDirectSent:
		return "direct_sent"
	default:
		return "failed"
	}
}

// Enqueuer is the durable-queue dependency guarded by the breaker.
type Enqueuer interface {
	Enqueue(ctx context.Context, deviceID string, data []byte) error
}

// Guard wraps an optional durable queue with a circuit breaker and a direct
// delivery fallback. When the queue is absent or the breaker is open, the
// fallback runs without the primary being attempted.
type Guard struct {
	queue   Enqueuer // nil when the queue is disabled
	breaker *Breaker
	logger  *slog.Logger
}

// NewGuard builds a guard. A nil queue is valid and means fallback-only.
func NewGuard(q Enqueuer, breaker *Breaker, logger *slog.Logger) *Guard {
	return &Guard{
		queue:   q,
		breaker: breaker,
		logger:  logger.With("component", "queue-guard"),
	}
}

// Execute tries the durable queue first, then the direct fallback. Exactly
// one of the two paths succeeds for a non-failed outcome, never both.
func (g *Guard) Execute(ctx context.Context, deviceID string, data []byte, fallback func() error) Outcome {
	if g.queue != nil && g.breaker.Allow() {
		if err := g.queue.Enqueue(ctx, deviceID, data); err == nil {
			g.breaker.RecordSuccess()
			return OutcomeQueued
		} else {
			g.breaker.RecordFailure()
			g.logger.Warn("durable enqueue failed, falling back to direct delivery",
				"device_id", deviceID, "error", err)
		}
	}

	if err := fallback(); err != nil {
		g.logger.Error("direct delivery failed", "device_id", deviceID, "error", err)
		return OutcomeFailed
	}
	return OutcomeDirectSent
}
