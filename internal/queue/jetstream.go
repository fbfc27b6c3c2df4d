package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleetlink/fleetlink/internal/config"
	"github.com/fleetlink/fleetlink/internal/retry"
)

// JetStream publishes command envelopes to a NATS JetStream work queue.
// External workers (or a later hub instance) consume them for durable
// delivery; the hub itself only ever publishes.
type JetStream struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	subjectPrefix string
	timeout       time.Duration
	logger        *slog.Logger
}

// ConnectJetStream dials the configured NATS server and makes sure the
// command stream exists. Connection establishment is retried a few times
// since the queue is often started alongside the hub.
func ConnectJetStream(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger) (*JetStream, error) {
	nc, err := retry.DoValue(ctx, 3, 500*time.Millisecond, func() (*nats.Conn, error) {
		return nats.Connect(cfg.URL,
			nats.Name("fleetlink-hub"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("stream info %s: %w", cfg.Stream, err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.SubjectPrefix + ".>"},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
		}
	}

	return &JetStream{
		nc:            nc,
		js:            js,
		subjectPrefix: cfg.SubjectPrefix,
		timeout:       cfg.PublishTimeout.Duration,
		logger:        logger.With("component", "queue"),
	}, nil
}

// Enqueue publishes a command envelope onto the device's subject. The
// publish is synchronous so a broker outage is observed as an error here,
// which is what trips the guard's breaker.
func (q *JetStream) Enqueue(ctx context.Context, deviceID string, data []byte) error {
	subject := q.subjectPrefix + "." + deviceID
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	if _, err := q.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection so buffered publishes flush before shutdown.
func (q *JetStream) Close() {
	if err := q.nc.Drain(); err != nil {
		q.logger.Warn("drain nats connection", "error", err)
	}
}
