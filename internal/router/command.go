package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetlink/fleetlink/internal/queue"
	"github.com/fleetlink/fleetlink/internal/store"
	"github.com/fleetlink/fleetlink/pkg/protocol"
)

var errConnGone = errors.New("agent connection gone")

// Forwarding outcomes recorded in the command log.
const (
	outcomeSent             = "sent"
	outcomeValidationFailed = "validation_failed"
	outcomeDeviceNotFound   = "device_not_found"
	outcomeFailed           = "failed"
)

// Forward validates a controller-issued command and forwards it to the
// target agent, preferring the durable queue and falling back to direct
// delivery when the queue is unavailable or its breaker is open. It returns
// whether the command was accepted on either path; on failure the returned
// CommandError describes the rejection for the sender. Forward never
// panics out to the caller.
func (r *Router) Forward(deviceID string, cmd protocol.Command, originConnID string) (ok bool, cmdErr *protocol.CommandError) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("command forward panic", "device_id", deviceID, "action", cmd.Action, "panic", rec)
			r.recordOutcome(deviceID, originConnID, cmd.Action, outcomeFailed, start)
			ok = false
			cmdErr = &protocol.CommandError{
				Error:     protocol.CodeCommandFailed,
				Details:   "internal error",
				DeviceID:  deviceID,
				Timestamp: time.Now(),
			}
		}
	}()

	// 1. Validate against the recognized command vocabulary. No registry
	// side effects on rejection.
	if deviceID == "" || cmd.Action == "" || !r.actions[cmd.Action] {
		r.recordOutcome(deviceID, originConnID, cmd.Action, outcomeValidationFailed, start)
		return false, &protocol.CommandError{
			Error:     protocol.CodeValidationFailed,
			Details:   "unrecognized command action",
			DeviceID:  deviceID,
			Timestamp: time.Now(),
		}
	}

	// 2. Resolve the target agent.
	agent, found := r.reg.AgentByID(deviceID)
	if !found {
		r.recordOutcome(deviceID, originConnID, cmd.Action, outcomeDeviceNotFound, start)
		return false, &protocol.CommandError{
			Error:     protocol.CodeDeviceNotFound,
			Details:   "device not connected",
			DeviceID:  deviceID,
			Timestamp: time.Now(),
		}
	}

	// 3. Build the immutable command envelope. The origin connection ID is
	// embedded so the agent's response can be routed back without a
	// correlation table.
	delivery := protocol.CommandDelivery{
		DeviceID:       agent.ID,
		Action:         cmd.Action,
		Payload:        cmd.Params,
		ClientSocketID: originConnID,
		CommandID:      uuid.New().String(),
		Timestamp:      time.Now(),
	}

	env, err := protocol.NewEnvelope(protocol.EventDeviceCommand, delivery)
	if err != nil {
		r.recordOutcome(deviceID, originConnID, cmd.Action, outcomeFailed, start)
		return false, &protocol.CommandError{
			Error:     protocol.CodeCommandFailed,
			Details:   "encode command",
			DeviceID:  deviceID,
			Timestamp: time.Now(),
		}
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.recordOutcome(deviceID, originConnID, cmd.Action, outcomeFailed, start)
		return false, &protocol.CommandError{
			Error:     protocol.CodeCommandFailed,
			Details:   "encode command",
			DeviceID:  deviceID,
			Timestamp: time.Now(),
		}
	}

	// 4/5. Durable enqueue with direct-delivery fallback. Exactly one path
	// succeeds; both count as "sent" since neither awaits an acknowledgment.
	outcome := r.guard.Execute(context.Background(), agent.ID, data, func() error {
		target, ok := r.connByID(agent.ConnID)
		if !ok {
			return errConnGone
		}
		target.mu.Lock()
		defer target.mu.Unlock()
		return target.wire.WriteMessage(websocket.TextMessage, data)
	})

	if outcome == queue.OutcomeFailed {
		r.recordOutcome(deviceID, originConnID, cmd.Action, outcomeFailed, start)
		return false, &protocol.CommandError{
			Error:     protocol.CodeCommandFailed,
			Details:   "delivery failed",
			DeviceID:  deviceID,
			Timestamp: time.Now(),
		}
	}

	r.logger.Info("command forwarded",
		"device_id", agent.ID, "action", cmd.Action,
		"command_id", delivery.CommandID, "path", outcome.String())
	r.recordOutcome(deviceID, originConnID, cmd.Action, outcomeSent, start)
	return true, nil
}

// recordOutcome writes the command log entry and metrics. Both sinks are
// fire-and-forget; their failure never affects the forwarding result.
func (r *Router) recordOutcome(deviceID, originConnID, action, outcome string, start time.Time) {
	elapsed := time.Since(start)
	r.metrics.CommandsTotal.WithLabelValues(outcome).Inc()
	r.metrics.CommandDuration.Observe(elapsed.Seconds())

	err := r.store.RecordCommand(context.Background(), &store.CommandRecord{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		ClientID:   originConnID,
		Action:     action,
		Outcome:    outcome,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  time.Now(),
	})
	if err != nil {
		r.logger.Warn("failed to record command outcome", "device_id", deviceID, "error", err)
	}
}
