package stats

import (
	"io"
	"log/slog"
	"testing"

	"github.com/fleetlink/fleetlink/internal/registry"
)

func TestSnapshotHistograms(t *testing.T) {
	reg := registry.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	agg := NewAggregator(reg)

	reg.RegisterAgent("conn-1", registry.Agent{ID: "dev-1", Capabilities: []string{"camera", "gps"}})
	reg.RegisterAgent("conn-2", registry.Agent{ID: "dev-2", Capabilities: []string{"camera"}})
	reg.RegisterController("conn-3", registry.Controller{Kind: "web"})
	reg.RegisterController("conn-4", registry.Controller{Kind: "web"})
	reg.RegisterController("conn-5", registry.Controller{Kind: "cli"})

	snap := agg.Snapshot()
	if snap.Agents != 2 || snap.AgentsOnline != 2 {
		t.Fatalf("agents = %d online = %d, want 2/2", snap.Agents, snap.AgentsOnline)
	}
	if snap.Controllers != 3 || snap.Connections != 5 {
		t.Fatalf("controllers = %d connections = %d, want 3/5", snap.Controllers, snap.Connections)
	}
	if snap.LivenessRecords != 5 {
		t.Fatalf("liveness records = %d, want 5", snap.LivenessRecords)
	}
	if snap.Capabilities["camera"] != 2 || snap.Capabilities["gps"] != 1 {
		t.Fatalf("capability histogram wrong: %v", snap.Capabilities)
	}
	if snap.ControllerKinds["web"] != 2 || snap.ControllerKinds["cli"] != 1 {
		t.Fatalf("kind histogram wrong: %v", snap.ControllerKinds)
	}
}

func TestSnapshotEmptyRegistry(t *testing.T) {
	reg := registry.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	snap := NewAggregator(reg).Snapshot()
	if snap.Agents != 0 || snap.Controllers != 0 || snap.LivenessRecords != 0 {
		t.Fatalf("empty registry snapshot not zero: %+v", snap)
	}
	if snap.Capabilities == nil || snap.ControllerKinds == nil {
		t.Fatal("histograms must be non-nil empty maps")
	}
}

func TestAgentCountDropsAfterDisconnect(t *testing.T) {
	reg := registry.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	agg := NewAggregator(reg)

	reg.RegisterAgent("conn-1", registry.Agent{ID: "dev-1", Capabilities: []string{"camera"}})
	if snap := agg.Snapshot(); snap.Capabilities["camera"] != 1 {
		t.Fatalf("capabilities before disconnect: %v", snap.Capabilities)
	}

	reg.RemoveByConnection("conn-1")
	snap := agg.Snapshot()
	if snap.Agents != 0 {
		t.Fatalf("agent count = %d after disconnect, want 0", snap.Agents)
	}
	if snap.Capabilities["camera"] != 0 {
		t.Fatalf("capability histogram retained a removed agent: %v", snap.Capabilities)
	}
}
