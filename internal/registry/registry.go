// Package registry tracks registered agents and controllers and their
// liveness. It is the single owner of the entity↔connection mapping: every
// mutation goes through its methods, under one lock, so the by-id and
// by-connection indices can never disagree.
//
// Connection handles are opaque string IDs assigned by the transport layer.
// The registry never touches the underlying connection.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StatusOnline is the only status a registered agent can have; disconnected
// agents are removed rather than marked offline.
const StatusOnline = "online"

// Agent is a registered controllable endpoint.
type Agent struct {
	ID              string
	ConnID          string
	Name            string
	Model           string
	AndroidVersion  string
	IPAddress       string
	Status          string
	Capabilities    []string
	ConnectedAt     time.Time
	LastHealthCheck time.Time
}

// Controller is a registered operator connection.
type Controller struct {
	ID              string
	ConnID          string
	Name            string
	Kind            string
	ConnectedAt     time.Time
	LastHealthCheck time.Time
}

// Registry holds the live entity maps and the liveness records. All fields
// are guarded by mu; accessors return copies so callers never hold a
// reference into the maps.
type Registry struct {
	mu              sync.RWMutex
	agents          map[string]*Agent     // device ID -> agent
	agentConns      map[string]string     // conn ID -> device ID
	controllers     map[string]*Controller // controller ID -> controller
	controllerConns map[string]string     // conn ID -> controller ID
	lastSeen        map[string]time.Time  // entity ID -> last activity

	now    func() time.Time
	logger *slog.Logger
}

// New returns an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		agents:          make(map[string]*Agent),
		agentConns:      make(map[string]string),
		controllers:     make(map[string]*Controller),
		controllerConns: make(map[string]string),
		lastSeen:        make(map[string]time.Time),
		now:             time.Now,
		logger:          logger.With("component", "registry"),
	}
}

// RegisterAgent inserts (or re-registers) an agent. Missing optional fields
// default rather than fail. If the device ID was already registered on a
// different connection, the stale connection ID is returned so the caller
// can close it; the new registration always wins.
func (r *Registry) RegisterAgent(connID string, a Agent) (Agent, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	now := r.now()
	a.ConnID = connID
	a.Status = StatusOnline
	a.ConnectedAt = now
	a.LastHealthCheck = now

	var staleConn string
	if prev, ok := r.agents[a.ID]; ok && prev.ConnID != connID {
		staleConn = prev.ConnID
		delete(r.agentConns, prev.ConnID)
	}
	// The connection may also have been registered under another device ID
	// (agent re-registering with new identity on the same socket).
	if oldID, ok := r.agentConns[connID]; ok && oldID != a.ID {
		delete(r.agents, oldID)
		delete(r.lastSeen, oldID)
	}

	stored := a
	r.agents[a.ID] = &stored
	r.agentConns[connID] = a.ID
	r.lastSeen[a.ID] = now

	r.logger.Info("agent registered", "device_id", a.ID, "name", a.Name, "conn_id", connID)
	return a, staleConn
}

// RegisterController inserts a controller. Its logical ID is the connection
// ID itself, which is what agents later use as the response back-reference.
func (r *Registry) RegisterController(connID string, c Controller) Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c.ID = connID
	c.ConnID = connID
	if c.Name == "" {
		c.Name = "controller-" + connID[:min(8, len(connID))]
	}
	if c.Kind == "" {
		c.Kind = "operator"
	}
	c.ConnectedAt = now
	c.LastHealthCheck = now

	stored := c
	r.controllers[c.ID] = &stored
	r.controllerConns[connID] = c.ID
	r.lastSeen[c.ID] = now

	r.logger.Info("controller registered", "client_id", c.ID, "name", c.Name, "kind", c.Kind)
	return c
}

// RemoveByConnection removes whatever entity owns the connection, along with
// its liveness record. It is idempotent: an unknown handle is a no-op. The
// removed entity (if any) is returned so the caller can announce departures.
func (r *Registry) RemoveByConnection(connID string) (*Agent, *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.agentConns[connID]; ok {
		agent := r.agents[id]
		delete(r.agents, id)
		delete(r.agentConns, connID)
		delete(r.lastSeen, id)
		r.logger.Info("agent removed", "device_id", id)
		cp := *agent
		return &cp, nil
	}
	if id, ok := r.controllerConns[connID]; ok {
		ctrl := r.controllers[id]
		delete(r.controllers, id)
		delete(r.controllerConns, connID)
		delete(r.lastSeen, id)
		r.logger.Info("controller removed", "client_id", id)
		cp := *ctrl
		return nil, &cp
	}
	return nil, nil
}

// AgentByID looks up an agent by device ID.
func (r *Registry) AgentByID(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// AgentByConn looks up an agent by connection ID.
func (r *Registry) AgentByConn(connID string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.agentConns[connID]
	if !ok {
		return Agent{}, false
	}
	return *r.agents[id], true
}

// ControllerByConn looks up a controller by connection ID.
func (r *Registry) ControllerByConn(connID string) (Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.controllerConns[connID]
	if !ok {
		return Controller{}, false
	}
	return *r.controllers[id], true
}

// Touch records activity for an entity. Unknown IDs are ignored so a
// message racing a disconnect cannot resurrect a liveness record.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, agent := r.agents[id]; agent {
		r.lastSeen[id] = r.now()
		return
	}
	if _, ctrl := r.controllers[id]; ctrl {
		r.lastSeen[id] = r.now()
	}
}

// LastSeen returns the last activity instant for an entity.
func (r *Registry) LastSeen(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastSeen[id]
	return t, ok
}

// MarkHealthCheck records a successful health-check reply: it stamps the
// entity's LastHealthCheck and touches liveness in one step.
func (r *Registry) MarkHealthCheck(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if a, ok := r.agents[id]; ok {
		a.LastHealthCheck = now
		r.lastSeen[id] = now
		return
	}
	if c, ok := r.controllers[id]; ok {
		c.LastHealthCheck = now
		r.lastSeen[id] = now
	}
}

// Agents returns a snapshot of all registered agents.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}

// Controllers returns a snapshot of all registered controllers.
func (r *Registry) Controllers() []Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, *c)
	}
	return out
}

// Counts returns the agent, controller, and liveness-record counts.
func (r *Registry) Counts() (agents, controllers, liveness int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents), len(r.controllers), len(r.lastSeen)
}
