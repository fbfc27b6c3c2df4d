// Package stats exposes read-only aggregates over the registry, for the
// status API and the metrics sink. Nothing here mutates registry state.
package stats

import (
	"time"

	"github.com/fleetlink/fleetlink/internal/registry"
)

// Snapshot is a point-in-time view of the connected population.
type Snapshot struct {
	Agents          int            `json:"agents"`
	AgentsOnline    int            `json:"agentsOnline"`
	Controllers     int            `json:"controllers"`
	Connections     int            `json:"connections"`
	LivenessRecords int            `json:"livenessRecords"`
	Capabilities    map[string]int `json:"capabilities"`
	ControllerKinds map[string]int `json:"controllerKinds"`
	GeneratedAt     time.Time      `json:"generatedAt"`
}

// Aggregator computes snapshots from the registry.
type Aggregator struct {
	reg *registry.Registry
}

func NewAggregator(reg *registry.Registry) *Aggregator {
	return &Aggregator{reg: reg}
}

// Snapshot walks the registry once and builds the capability and kind
// histograms. Safe to call at any rate.
func (a *Aggregator) Snapshot() Snapshot {
	agents := a.reg.Agents()
	controllers := a.reg.Controllers()
	_, _, liveness := a.reg.Counts()

	snap := Snapshot{
		Agents:          len(agents),
		Controllers:     len(controllers),
		Connections:     len(agents) + len(controllers),
		LivenessRecords: liveness,
		Capabilities:    make(map[string]int),
		ControllerKinds: make(map[string]int),
		GeneratedAt:     time.Now(),
	}
	for _, ag := range agents {
		if ag.Status == registry.StatusOnline {
			snap.AgentsOnline++
		}
		for _, cap := range ag.Capabilities {
			snap.Capabilities[cap]++
		}
	}
	for _, c := range controllers {
		snap.ControllerKinds[c.Kind]++
	}
	return snap
}
