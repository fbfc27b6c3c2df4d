// Package health runs the periodic liveness sweep over the registry.
//
// A stale entity is probed, never evicted: removal happens only on an
// explicit transport-level disconnect, so an agent that answers late keeps
// its registration and its reconnection semantics.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetlink/fleetlink/internal/registry"
	"github.com/fleetlink/fleetlink/internal/stats"
)

// Prober sends an active health-check probe over an entity's connection.
// Probes are fire-and-forget; the reply (if any) comes back through the
// normal message path and re-touches liveness there.
type Prober interface {
	ProbeAgent(deviceID string) error
	ProbeController(controllerID string) error
}

// Monitor sweeps the registry on a fixed interval.
type Monitor struct {
	reg     *registry.Registry
	prober  Prober
	metrics *stats.Metrics
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewMonitor(reg *registry.Registry, prober Prober, metrics *stats.Metrics, timeout time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		reg:     reg,
		prober:  prober,
		metrics: metrics,
		timeout: timeout,
		logger:  logger.With("component", "health"),
		now:     time.Now,
	}
}

// Run sweeps every interval until the context is canceled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info("health monitor started", "interval", interval, "timeout", m.timeout)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	now := m.now()

	for _, agent := range m.reg.Agents() {
		if m.elapsed(agent.ID, now) <= m.timeout {
			continue
		}
		m.logger.Warn("agent stale, sending probe",
			"device_id", agent.ID, "last_seen_ago", m.elapsed(agent.ID, now))
		if err := m.prober.ProbeAgent(agent.ID); err != nil {
			m.logger.Warn("probe send failed", "device_id", agent.ID, "error", err)
		}
		m.metrics.HealthProbesTotal.Inc()
	}

	for _, ctrl := range m.reg.Controllers() {
		if m.elapsed(ctrl.ID, now) <= m.timeout {
			continue
		}
		m.logger.Warn("controller stale, sending probe",
			"client_id", ctrl.ID, "last_seen_ago", m.elapsed(ctrl.ID, now))
		if err := m.prober.ProbeController(ctrl.ID); err != nil {
			m.logger.Warn("probe send failed", "client_id", ctrl.ID, "error", err)
		}
		m.metrics.HealthProbesTotal.Inc()
	}

	agents, controllers, _ := m.reg.Counts()
	m.metrics.SetPopulation(agents, controllers)
}

// elapsed returns the time since the entity's last liveness touch. An entity
// with no record yet counts as seen now, so it is never falsely flagged.
func (m *Monitor) elapsed(id string, now time.Time) time.Duration {
	last, ok := m.reg.LastSeen(id)
	if !ok {
		return 0
	}
	return now.Sub(last)
}
