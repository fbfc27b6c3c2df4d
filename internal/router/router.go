// Package router manages WebSocket connections for both device agents and
// operator controllers, and routes commands, responses, and streams between
// them.
package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fleetlink/fleetlink/internal/auth"
	"github.com/fleetlink/fleetlink/internal/queue"
	"github.com/fleetlink/fleetlink/internal/registry"
	"github.com/fleetlink/fleetlink/internal/stats"
	"github.com/fleetlink/fleetlink/internal/store"
	"github.com/fleetlink/fleetlink/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// wire is the writable half of a transport connection. *websocket.Conn
// satisfies it; tests substitute an in-memory fake.
type wire interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type connRole int

const (
	roleUnregistered connRole = iota
	roleAgent
	roleController
)

// conn is one live transport connection. role and entityID change exactly
// once, on successful registration; a failed registration leaves the
// connection unregistered and free to retry.
type conn struct {
	id   string
	wire wire

	mu       sync.Mutex // guards writes to wire
	role     connRole
	entityID string // device ID or controller ID once registered

	// token bucket for inbound controller messages
	msgTokens   float64
	msgLastTime time.Time
}

const (
	msgRate  = 10.0 // controller messages per second
	msgBurst = 20.0
)

// allowMessage is a per-connection token bucket for controller traffic.
func (c *conn) allowMessage() bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.msgLastTime.IsZero() {
		c.msgTokens = msgBurst
		c.msgLastTime = now
	}

	elapsed := now.Sub(c.msgLastTime).Seconds()
	c.msgTokens += elapsed * msgRate
	if c.msgTokens > msgBurst {
		c.msgTokens = msgBurst
	}
	c.msgLastTime = now

	if c.msgTokens < 1 {
		return false
	}
	c.msgTokens--
	return true
}

type handlerFunc func(c *conn, env protocol.Envelope)

// Router owns all live connections and the event dispatch tables.
type Router struct {
	reg        *registry.Registry
	store      store.Store
	provider   auth.Provider
	deviceAuth auth.DeviceAuthProvider
	guard      *queue.Guard
	metrics    *stats.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	features                 []string
	actions                  map[string]bool
	maxAgentMessageSize      int64
	maxControllerMessageSize int64

	agentHandlers      map[string]handlerFunc
	controllerHandlers map[string]handlerFunc

	mu    sync.RWMutex
	conns map[string]*conn // conn ID -> conn
}

// Options configures the Router.
type Options struct {
	AllowedOrigins        []string
	MaxAgentMsgBytes      int64 // default 1MB
	MaxControllerMsgBytes int64 // default 64KB
	Features              []string
	Actions               []string // recognized command actions; defaults apply when empty
}

// defaultActions is the recognized command vocabulary when none is configured.
var defaultActions = []string{
	"lock", "unlock", "reboot", "screenshot", "locate",
	"notify", "get_info", "start_stream", "stop_stream", "pull_file",
}

// New creates a new Router.
func New(reg *registry.Registry, s store.Store, p auth.Provider, da auth.DeviceAuthProvider,
	guard *queue.Guard, metrics *stats.Metrics, logger *slog.Logger, opts Options) *Router {

	agentLimit := opts.MaxAgentMsgBytes
	if agentLimit == 0 {
		agentLimit = 1024 * 1024 // 1MB, fits base64 file chunks
	}
	controllerLimit := opts.MaxControllerMsgBytes
	if controllerLimit == 0 {
		controllerLimit = 64 * 1024
	}

	actionList := opts.Actions
	if len(actionList) == 0 {
		actionList = defaultActions
	}
	actions := make(map[string]bool, len(actionList))
	for _, a := range actionList {
		actions[a] = true
	}

	r := &Router{
		reg:                      reg,
		store:                    s,
		provider:                 p,
		deviceAuth:               da,
		guard:                    guard,
		metrics:                  metrics,
		logger:                   logger.With("component", "router"),
		upgrader:                 makeUpgrader(opts.AllowedOrigins),
		features:                 opts.Features,
		actions:                  actions,
		maxAgentMessageSize:      agentLimit,
		maxControllerMessageSize: controllerLimit,
		conns:                    make(map[string]*conn),
	}

	r.agentHandlers = map[string]handlerFunc{
		protocol.EventDeviceRegister:      r.handleDeviceRegister,
		protocol.EventDeviceResponse:      r.handleDeviceResponse,
		protocol.EventFileStream:          r.handleFileStream,
		protocol.EventStreamData:          r.handleStreamData,
		protocol.EventHealthCheckResponse: r.handleHealthCheckResponse,
		protocol.EventPing:                r.handlePing,
	}
	r.controllerHandlers = map[string]handlerFunc{
		protocol.EventClientRegister:      r.handleClientRegister,
		protocol.EventDeviceCommand:       r.handleDeviceCommand,
		protocol.EventGetDevices:          r.handleGetDevices,
		protocol.EventHealthCheckResponse: r.handleHealthCheckResponse,
		protocol.EventPing:                r.handlePing,
	}
	return r
}

// HandleAgentWS handles WebSocket connections from device agents.
func (r *Router) HandleAgentWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("agent websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(r.maxAgentMessageSize)

	c := r.addConn(ws)
	stopKeepalive := startWSKeepalive(ws, &c.mu)
	defer func() {
		stopKeepalive()
		r.removeConnection(c)
		_ = ws.Close()
	}()

	r.logger.Info("agent connection opened", "conn_id", c.id, "remote", req.RemoteAddr)
	r.readLoop(ws, c, r.agentHandlers)
}

// HandleControllerWS handles WebSocket connections from operator controllers.
func (r *Router) HandleControllerWS(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("controller websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(r.maxControllerMessageSize)

	c := r.addConn(ws)
	stopKeepalive := startWSKeepalive(ws, &c.mu)
	defer func() {
		stopKeepalive()
		r.removeConnection(c)
		_ = ws.Close()
	}()

	r.logger.Info("controller connection opened", "conn_id", c.id, "remote", req.RemoteAddr)
	r.readLoop(ws, c, r.controllerHandlers)
}

// readLoop reads envelopes until the transport fails, dispatching each one
// through the population's handler table. Events from the same connection
// are processed in order; a handler error never tears down the loop.
func (r *Router) readLoop(ws *websocket.Conn, c *conn, handlers map[string]handlerFunc) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			r.logger.Debug("connection read error", "conn_id", c.id, "error", err)
			return
		}

		if c.role == roleController && !c.allowMessage() {
			r.logger.Debug("controller message rate limited", "conn_id", c.id)
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			r.logger.Warn("invalid message", "conn_id", c.id, "error", err)
			continue
		}

		r.dispatch(c, env, handlers)
	}
}

// dispatch routes one inbound envelope. Unregistered connections may only
// register or ping; anything else gets a registration error and the
// connection stays open for a retry. Every event from a registered entity
// touches its liveness record.
func (r *Router) dispatch(c *conn, env protocol.Envelope, handlers map[string]handlerFunc) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic", "conn_id", c.id, "event", env.Event, "panic", rec)
		}
	}()

	h, ok := handlers[env.Event]
	if !ok {
		r.logger.Warn("unknown event", "conn_id", c.id, "event", env.Event)
		return
	}

	if c.role == roleUnregistered && !registrationEvent(env.Event) {
		r.sendEnvelope(c, protocol.EventRegistrationError, protocol.RegistrationError{
			Error: "registration required",
			Code:  protocol.CodeNotRegistered,
		})
		return
	}

	if c.role != roleUnregistered {
		r.reg.Touch(c.entityID)
	}

	h(c, env)
}

func registrationEvent(event string) bool {
	switch event {
	case protocol.EventDeviceRegister, protocol.EventClientRegister, protocol.EventPing:
		return true
	}
	return false
}

func (r *Router) addConn(w wire) *conn {
	c := &conn{id: uuid.New().String(), wire: w}
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	return c
}

// removeConnection handles the transport-level disconnect signal: the entity
// is removed from the registry, and if it was an agent, its departure is
// announced to all controllers. Safe to call more than once per connection.
func (r *Router) removeConnection(c *conn) {
	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()

	agent, ctrl := r.reg.RemoveByConnection(c.id)
	switch {
	case agent != nil:
		r.logger.Info("agent disconnected", "device_id", agent.ID, "conn_id", c.id)
		r.Broadcast(protocol.EventAgentDisconnected, protocol.AgentDisconnected{DeviceID: agent.ID})
		r.audit("agent.disconnect", "", agent.ID, nil)
	case ctrl != nil:
		r.logger.Info("controller disconnected", "client_id", ctrl.ID)
	default:
		r.logger.Debug("unregistered connection closed", "conn_id", c.id)
	}

	agents, controllers, _ := r.reg.Counts()
	r.metrics.SetPopulation(agents, controllers)
}

// connByID is the weak back-reference lookup: it reports whether the
// connection still exists, guaranteeing nothing about its future.
func (r *Router) connByID(id string) (*conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// --- Registration handlers ---

func (r *Router) handleDeviceRegister(c *conn, env protocol.Envelope) {
	var p protocol.DeviceRegister
	if err := env.Decode(&p); err != nil || p.DeviceToken == "" {
		r.sendEnvelope(c, protocol.EventRegistrationError, protocol.RegistrationError{
			Error: "malformed device_register payload",
			Code:  protocol.CodeInvalidPayload,
		})
		return
	}

	deviceID, err := r.deviceAuth.ValidateDeviceToken(p.DeviceID, p.DeviceToken)
	if err != nil {
		r.logger.Warn("agent auth failed", "conn_id", c.id, "device_id", p.DeviceID)
		r.sendEnvelope(c, protocol.EventRegistrationError, protocol.RegistrationError{
			Error: "invalid device credentials",
			Code:  protocol.CodeAuthFailed,
		})
		return
	}

	agent, staleConn := r.reg.RegisterAgent(c.id, registry.Agent{
		ID:             deviceID,
		Name:           p.Name,
		Model:          p.Model,
		AndroidVersion: p.AndroidVersion,
		IPAddress:      p.IPAddress,
		Capabilities:   p.Capabilities,
	})
	if staleConn != "" {
		if old, ok := r.connByID(staleConn); ok {
			r.logger.Warn("agent reconnect: closing previous connection", "device_id", agent.ID)
			_ = old.wire.Close()
		}
	}

	c.role = roleAgent
	c.entityID = agent.ID

	r.sendEnvelope(c, protocol.EventDeviceRegistered, protocol.DeviceRegistered{
		DeviceID:   agent.ID,
		ServerTime: time.Now(),
		Features:   r.features,
	})
	r.Broadcast(protocol.EventAgentConnected, r.deviceInfo(agent))
	r.audit("agent.register", "", agent.ID, nil)

	agents, controllers, _ := r.reg.Counts()
	r.metrics.SetPopulation(agents, controllers)
}

func (r *Router) handleClientRegister(c *conn, env protocol.Envelope) {
	var p protocol.ClientRegister
	if err := env.Decode(&p); err != nil || p.ClientToken == "" {
		r.sendEnvelope(c, protocol.EventRegistrationError, protocol.RegistrationError{
			Error: "malformed client_register payload",
			Code:  protocol.CodeInvalidPayload,
		})
		return
	}

	identity, err := r.provider.ValidateToken(context.Background(), p.ClientToken)
	if err != nil {
		r.logger.Warn("controller auth failed", "conn_id", c.id)
		r.sendEnvelope(c, protocol.EventRegistrationError, protocol.RegistrationError{
			Error: "invalid client credentials",
			Code:  protocol.CodeAuthFailed,
		})
		return
	}

	name := p.Name
	if name == "" {
		name = identity.Username
	}
	ctrl := r.reg.RegisterController(c.id, registry.Controller{
		Name: name,
		Kind: p.Type,
	})

	c.role = roleController
	c.entityID = ctrl.ID

	r.sendEnvelope(c, protocol.EventClientRegistered, protocol.ClientRegistered{
		ClientID:   ctrl.ID,
		ServerTime: time.Now(),
		Features:   r.features,
	})
	// A freshly registered controller gets the current device list,
	// point-to-point rather than broadcast.
	r.sendEnvelope(c, protocol.EventDeviceList, r.deviceList())
	r.audit("controller.register", identity.UserID, "", nil)

	agents, controllers, _ := r.reg.Counts()
	r.metrics.SetPopulation(agents, controllers)
}

// --- Steady-state handlers ---

func (r *Router) handleDeviceCommand(c *conn, env protocol.Envelope) {
	var p protocol.DeviceCommand
	if err := env.Decode(&p); err != nil {
		r.sendEnvelope(c, protocol.EventCommandError, protocol.CommandError{
			Error:     protocol.CodeValidationFailed,
			Details:   "malformed device_command payload",
			Timestamp: time.Now(),
		})
		return
	}

	if ok, cmdErr := r.Forward(p.DeviceID, p.Command, c.id); !ok {
		r.sendEnvelope(c, protocol.EventCommandError, *cmdErr)
	}
}

// handleDeviceResponse routes a command result back to the originating
// controller. The embedded connection ID is a weak back-reference: a dead or
// unknown handle just fails the send, which is logged and dropped. The
// original payload bytes are forwarded untouched so result data and any
// fields this hub does not model survive the relay.
func (r *Router) handleDeviceResponse(c *conn, env protocol.Envelope) {
	var p protocol.DeviceResponse
	if err := env.Decode(&p); err != nil || p.ClientSocketID == "" {
		r.logger.Warn("malformed device_response", "conn_id", c.id)
		return
	}

	origin, ok := r.connByID(p.ClientSocketID)
	if !ok {
		r.logger.Debug("response origin gone", "device_id", c.entityID, "origin", p.ClientSocketID)
		return
	}
	if err := r.sendRawEnvelope(origin, protocol.EventDeviceResponse, env.Payload); err != nil {
		r.logger.Debug("response delivery failed", "origin", p.ClientSocketID, "error", err)
	}
	r.logger.Info("device response routed",
		"device_id", c.entityID, "command", p.Command, "success", p.Success)
}

// handleFileStream validates a file chunk and forwards it verbatim to the
// named controller connection.
func (r *Router) handleFileStream(c *conn, env protocol.Envelope) {
	var p protocol.FileStream
	if err := env.Decode(&p); err != nil || p.ClientSocketID == "" {
		r.logger.Warn("malformed file_stream", "conn_id", c.id)
		return
	}
	if _, err := base64.StdEncoding.DecodeString(p.Data); err != nil {
		r.logger.Warn("file_stream chunk is not valid base64", "device_id", c.entityID)
		return
	}

	origin, ok := r.connByID(p.ClientSocketID)
	if !ok {
		r.logger.Debug("file_stream origin gone", "device_id", c.entityID, "origin", p.ClientSocketID)
		return
	}
	if err := r.sendRawEnvelope(origin, protocol.EventFileStream, env.Payload); err != nil {
		r.logger.Debug("file_stream delivery failed", "origin", p.ClientSocketID, "error", err)
	}
}

// handleStreamData wraps a live stream frame with the producing device's ID
// and fans it out to every controller.
func (r *Router) handleStreamData(c *conn, env protocol.Envelope) {
	var p protocol.StreamData
	if err := env.Decode(&p); err != nil || p.StreamType == "" {
		r.logger.Warn("malformed stream_data", "conn_id", c.id)
		return
	}

	r.Broadcast(protocol.EventStreamData, protocol.StreamBroadcast{
		DeviceID:   c.entityID,
		StreamType: p.StreamType,
		Data:       p.Data,
		Timestamp:  p.Timestamp,
	})
}

func (r *Router) handleGetDevices(c *conn, env protocol.Envelope) {
	r.sendEnvelope(c, protocol.EventDeviceList, r.deviceList())
}

func (r *Router) handleHealthCheckResponse(c *conn, env protocol.Envelope) {
	var p protocol.HealthCheckResponse
	if err := env.Decode(&p); err != nil {
		return
	}
	r.reg.MarkHealthCheck(c.entityID)
	r.logger.Debug("health check response", "entity_id", c.entityID, "response_time_ms", p.ResponseTime)
}

func (r *Router) handlePing(c *conn, env protocol.Envelope) {
	r.sendEnvelope(c, protocol.EventPong, protocol.Pong{Timestamp: time.Now()})
}

// --- Broadcast and probes ---

// Broadcast delivers an event to every registered controller. Per-recipient
// failures are counted and skipped; one dead controller never blocks the rest.
func (r *Router) Broadcast(event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		r.logger.Warn("broadcast marshal failed", "event", event, "error", err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Warn("broadcast marshal failed", "event", event, "error", err)
		return
	}

	for _, ctrl := range r.reg.Controllers() {
		c, ok := r.connByID(ctrl.ConnID)
		if !ok {
			continue
		}
		c.mu.Lock()
		err := c.wire.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			r.metrics.BroadcastFailures.Inc()
			r.logger.Debug("broadcast delivery failed", "client_id", ctrl.ID, "event", event, "error", err)
		}
	}
}

// ProbeAgent sends an active health-check probe to an agent's connection.
func (r *Router) ProbeAgent(deviceID string) error {
	agent, ok := r.reg.AgentByID(deviceID)
	if !ok {
		return nil // removed between sweep snapshot and probe
	}
	c, ok := r.connByID(agent.ConnID)
	if !ok {
		return nil
	}
	return r.sendEnvelopeErr(c, protocol.EventHealthCheck, protocol.HealthCheck{Timestamp: time.Now()})
}

// ProbeController sends an active health-check probe to a controller.
func (r *Router) ProbeController(controllerID string) error {
	ctrl, ok := r.reg.ControllerByConn(controllerID)
	if !ok {
		return nil
	}
	c, ok := r.connByID(ctrl.ConnID)
	if !ok {
		return nil
	}
	return r.sendEnvelopeErr(c, protocol.EventHealthCheck, protocol.HealthCheck{Timestamp: time.Now()})
}

// --- Helpers ---

func (r *Router) deviceInfo(a registry.Agent) protocol.DeviceInfo {
	return protocol.DeviceInfo{
		DeviceID:        a.ID,
		Name:            a.Name,
		Model:           a.Model,
		AndroidVersion:  a.AndroidVersion,
		IPAddress:       a.IPAddress,
		Status:          a.Status,
		Capabilities:    a.Capabilities,
		ConnectedAt:     a.ConnectedAt,
		LastHealthCheck: a.LastHealthCheck,
	}
}

func (r *Router) deviceList() protocol.DeviceList {
	agents := r.reg.Agents()
	devices := make([]protocol.DeviceInfo, 0, len(agents))
	for _, a := range agents {
		devices = append(devices, r.deviceInfo(a))
	}
	return protocol.DeviceList{
		Devices:   devices,
		Count:     len(devices),
		Timestamp: time.Now(),
	}
}

// sendEnvelope writes an event to a connection, logging delivery failures.
func (r *Router) sendEnvelope(c *conn, event string, payload any) {
	if err := r.sendEnvelopeErr(c, event, payload); err != nil {
		r.logger.Debug("send failed", "conn_id", c.id, "event", event, "error", err)
	}
}

// sendEnvelopeErr writes an event to a connection and returns the transport
// error, for callers that need to observe delivery failure.
func (r *Router) sendEnvelopeErr(c *conn, event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wire.WriteMessage(websocket.TextMessage, data)
}

// sendRawEnvelope forwards already-encoded payload bytes under a fresh
// envelope. Relay handlers use it so fields the hub does not model pass
// through unchanged.
func (r *Router) sendRawEnvelope(c *conn, event string, payload json.RawMessage) error {
	data, err := json.Marshal(protocol.Envelope{
		Event:     event,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wire.WriteMessage(websocket.TextMessage, data)
}

// audit writes an audit event, logging rather than propagating failures.
func (r *Router) audit(action, userID, deviceID string, detail json.RawMessage) {
	err := r.store.LogAuditEvent(context.Background(), &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		UserID:    userID,
		DeviceID:  deviceID,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	if err != nil {
		r.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}
