package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetlink/fleetlink/internal/auth"
	"github.com/fleetlink/fleetlink/internal/config"
	"github.com/fleetlink/fleetlink/internal/queue"
	"github.com/fleetlink/fleetlink/internal/registry"
	"github.com/fleetlink/fleetlink/internal/stats"
	"github.com/fleetlink/fleetlink/internal/store"
	"github.com/fleetlink/fleetlink/pkg/protocol"
)

// fakeWire is an in-memory wire implementation capturing written envelopes.
type fakeWire struct {
	mu         sync.Mutex
	msgs       [][]byte
	closed     bool
	failWrites bool
}

func (f *fakeWire) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("wire broken")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.msgs = append(f.msgs, cp)
	return nil
}

func (f *fakeWire) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// lastEvent returns the most recent envelope with the given event name.
func (f *fakeWire) lastEvent(t *testing.T, event string) (protocol.Envelope, bool) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		var env protocol.Envelope
		if err := envUnmarshal(f.msgs[i], &env); err != nil {
			t.Fatalf("stored message is not an envelope: %v", err)
		}
		if env.Event == event {
			return env, true
		}
	}
	return protocol.Envelope{}, false
}

func (f *fakeWire) eventCount(t *testing.T, event string) int {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, msg := range f.msgs {
		var env protocol.Envelope
		if err := envUnmarshal(msg, &env); err != nil {
			t.Fatalf("stored message is not an envelope: %v", err)
		}
		if env.Event == event {
			n++
		}
	}
	return n
}

func envUnmarshal(data []byte, env *protocol.Envelope) error {
	return json.Unmarshal(data, env)
}

type testEnv struct {
	router  *Router
	reg     *registry.Registry
	authSvc *auth.Service
	store   store.Store
	breaker *queue.Breaker
	queue   *stubQueue
}

// stubQueue is a controllable Enqueuer for exercising the guarded path.
type stubQueue struct {
	mu       sync.Mutex
	err      error
	enqueued [][]byte
}

func (q *stubQueue) Enqueue(ctx context.Context, deviceID string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, data)
	return nil
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.AuthConfig{
		JWTSecret:           "test-secret-at-least-32-chars-long",
		JWTExpiry:           config.Duration{Duration: 1 * time.Hour},
		DeviceTokenSecret:   "test-hmac-secret-for-device-tokens",
		DeviceTokenLifetime: config.Duration{Duration: 1 * time.Hour},
	}
	authSvc := auth.NewService(s, cfg)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	metrics := stats.NewMetrics(prometheus.NewRegistry())
	breaker := queue.NewBreaker(2, time.Hour)
	sq := &stubQueue{}
	guard := queue.NewGuard(sq, breaker, logger)

	r := New(reg, s, authSvc, authSvc, guard, metrics, logger, Options{
		Features: []string{"commands", "stream_data"},
	})
	return &testEnv{router: r, reg: reg, authSvc: authSvc, store: s, breaker: breaker, queue: sq}
}

// connectAgent registers an agent over a fake wire and returns its connection.
func connectAgent(t *testing.T, te *testEnv, deviceID string, capabilities ...string) (*conn, *fakeWire) {
	t.Helper()
	fw := &fakeWire{}
	c := te.router.addConn(fw)

	env, err := protocol.NewEnvelope(protocol.EventDeviceRegister, protocol.DeviceRegister{
		DeviceToken:  te.authSvc.GenerateDeviceToken(deviceID),
		DeviceID:     deviceID,
		Name:         "test-" + deviceID,
		Capabilities: capabilities,
	})
	if err != nil {
		t.Fatal(err)
	}
	te.router.dispatch(c, env, te.router.agentHandlers)

	if _, ok := fw.lastEvent(t, protocol.EventDeviceRegistered); !ok {
		t.Fatalf("agent %s did not receive device_registered", deviceID)
	}
	return c, fw
}

// connectController registers a controller over a fake wire.
func connectController(t *testing.T, te *testEnv, username string) (*conn, *fakeWire) {
	t.Helper()
	ctx := context.Background()
	if _, err := te.authSvc.Register(ctx, username, "testpassword123", "user"); err != nil {
		t.Fatal(err)
	}
	token, err := te.authSvc.Login(ctx, username, "testpassword123")
	if err != nil {
		t.Fatal(err)
	}

	fw := &fakeWire{}
	c := te.router.addConn(fw)

	env, err := protocol.NewEnvelope(protocol.EventClientRegister, protocol.ClientRegister{
		ClientToken: token,
		Type:        "web",
	})
	if err != nil {
		t.Fatal(err)
	}
	te.router.dispatch(c, env, te.router.controllerHandlers)

	if _, ok := fw.lastEvent(t, protocol.EventClientRegistered); !ok {
		t.Fatal("controller did not receive client_registered")
	}
	return c, fw
}

func mustEnvelope(t *testing.T, event string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func TestAgentRegistrationLifecycle(t *testing.T) {
	te := setupTestRouter(t)

	connectAgent(t, te, "A1", "camera")

	agent, ok := te.reg.AgentByID("A1")
	if !ok {
		t.Fatal("agent not in registry after registration")
	}
	if agent.Status != registry.StatusOnline {
		t.Fatalf("status = %q", agent.Status)
	}

	snap := stats.NewAggregator(te.reg).Snapshot()
	if snap.Capabilities["camera"] != 1 {
		t.Fatalf("capability histogram: %v", snap.Capabilities)
	}
}

func TestAgentAuthFailureKeepsConnectionUnregistered(t *testing.T) {
	te := setupTestRouter(t)

	fw := &fakeWire{}
	c := te.router.addConn(fw)

	env := mustEnvelope(t, protocol.EventDeviceRegister, protocol.DeviceRegister{
		DeviceToken: "bogus-token",
		DeviceID:    "A1",
	})
	te.router.dispatch(c, env, te.router.agentHandlers)

	regErr, ok := fw.lastEvent(t, protocol.EventRegistrationError)
	if !ok {
		t.Fatal("expected registration_error")
	}
	var p protocol.RegistrationError
	if err := regErr.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Code != protocol.CodeAuthFailed {
		t.Fatalf("code = %q, want auth_failed", p.Code)
	}
	if _, ok := te.reg.AgentByID("A1"); ok {
		t.Fatal("failed auth must not register the agent")
	}
	if fw.closed {
		t.Fatal("connection must stay open for a retry")
	}

	// The same connection can retry with valid credentials.
	retry := mustEnvelope(t, protocol.EventDeviceRegister, protocol.DeviceRegister{
		DeviceToken: te.authSvc.GenerateDeviceToken("A1"),
		DeviceID:    "A1",
	})
	te.router.dispatch(c, retry, te.router.agentHandlers)
	if _, ok := fw.lastEvent(t, protocol.EventDeviceRegistered); !ok {
		t.Fatal("retry with valid credentials failed")
	}
}

func TestControllerReceivesDeviceListOnRegister(t *testing.T) {
	te := setupTestRouter(t)

	connectAgent(t, te, "A1", "camera")
	_, cw := connectController(t, te, "alice")

	env, ok := cw.lastEvent(t, protocol.EventDeviceList)
	if !ok {
		t.Fatal("controller did not receive the device list on registration")
	}
	var list protocol.DeviceList
	if err := env.Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 || list.Devices[0].DeviceID != "A1" {
		t.Fatalf("device list: %+v", list)
	}
}

func TestAgentDisconnectBroadcastsAndClearsStats(t *testing.T) {
	te := setupTestRouter(t)

	ac, _ := connectAgent(t, te, "A1", "camera")
	_, cw := connectController(t, te, "alice")

	te.router.removeConnection(ac)

	env, ok := cw.lastEvent(t, protocol.EventAgentDisconnected)
	if !ok {
		t.Fatal("controller did not receive agent_disconnected")
	}
	var p protocol.AgentDisconnected
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.DeviceID != "A1" {
		t.Fatalf("deviceId = %q, want A1", p.DeviceID)
	}

	snap := stats.NewAggregator(te.reg).Snapshot()
	if snap.Agents != 0 {
		t.Fatalf("agent count = %d after disconnect, want 0", snap.Agents)
	}

	// Idempotent: a second disconnect signal is a no-op.
	before := cw.eventCount(t, protocol.EventAgentDisconnected)
	te.router.removeConnection(ac)
	if after := cw.eventCount(t, protocol.EventAgentDisconnected); after != before {
		t.Fatal("duplicate disconnect broadcast")
	}
}

func TestUnregisteredConnectionRejected(t *testing.T) {
	te := setupTestRouter(t)

	fw := &fakeWire{}
	c := te.router.addConn(fw)

	env := mustEnvelope(t, protocol.EventDeviceCommand, protocol.DeviceCommand{
		DeviceID: "A1",
		Command:  protocol.Command{Action: "lock"},
	})
	te.router.dispatch(c, env, te.router.controllerHandlers)

	regErr, ok := fw.lastEvent(t, protocol.EventRegistrationError)
	if !ok {
		t.Fatal("expected registration_error for unregistered sender")
	}
	var p protocol.RegistrationError
	if err := regErr.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Code != protocol.CodeNotRegistered {
		t.Fatalf("code = %q, want not_registered", p.Code)
	}
}

func TestForwardQueuedWhenQueueHealthy(t *testing.T) {
	te := setupTestRouter(t)

	_, aw := connectAgent(t, te, "A1")
	cc, _ := connectController(t, te, "alice")

	ok, cmdErr := te.router.Forward("A1", protocol.Command{Action: "lock"}, cc.id)
	if !ok {
		t.Fatalf("Forward failed: %+v", cmdErr)
	}

	// Queued, not direct: the agent's wire saw no command.
	if n := aw.eventCount(t, protocol.EventDeviceCommand); n != 0 {
		t.Fatalf("agent received %d direct commands, want 0 (queued path)", n)
	}
	te.queue.mu.Lock()
	enqueued := len(te.queue.enqueued)
	te.queue.mu.Unlock()
	if enqueued != 1 {
		t.Fatalf("queue holds %d items, want 1", enqueued)
	}
}

func TestForwardDirectWhileBreakerOpen(t *testing.T) {
	te := setupTestRouter(t)

	_, aw := connectAgent(t, te, "A1")
	cc, _ := connectController(t, te, "alice")

	// Trip the breaker.
	te.breaker.RecordFailure()
	te.breaker.RecordFailure()
	if !te.breaker.Open() {
		t.Fatal("breaker should be open")
	}

	ok, cmdErr := te.router.Forward("A1", protocol.Command{Action: "lock"}, cc.id)
	if !ok {
		t.Fatalf("Forward failed: %+v", cmdErr)
	}

	env, found := aw.lastEvent(t, protocol.EventDeviceCommand)
	if !found {
		t.Fatal("agent did not receive the command directly")
	}
	var delivery protocol.CommandDelivery
	if err := env.Decode(&delivery); err != nil {
		t.Fatal(err)
	}
	if delivery.Action != "lock" || delivery.ClientSocketID != cc.id {
		t.Fatalf("delivery: %+v", delivery)
	}
	if delivery.CommandID == "" {
		t.Fatal("delivery missing commandId")
	}

	recs, err := te.store.ListCommands(context.Background(), "A1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Outcome != "sent" {
		t.Fatalf("recorded outcome: %+v", recs)
	}
}

func TestForwardUnknownDevice(t *testing.T) {
	te := setupTestRouter(t)
	cc, _ := connectController(t, te, "alice")

	agentsBefore, _, _ := te.reg.Counts()

	ok, cmdErr := te.router.Forward("ghost", protocol.Command{Action: "lock"}, cc.id)
	if ok {
		t.Fatal("Forward succeeded for unknown device")
	}
	if cmdErr == nil || cmdErr.Error != protocol.CodeDeviceNotFound {
		t.Fatalf("command error: %+v", cmdErr)
	}

	agentsAfter, _, _ := te.reg.Counts()
	if agentsBefore != agentsAfter {
		t.Fatal("registry mutated by a failed forward")
	}

	recs, err := te.store.ListCommands(context.Background(), "ghost", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Outcome != "device_not_found" {
		t.Fatalf("recorded outcome: %+v", recs)
	}
}

func TestForwardRejectsUnrecognizedAction(t *testing.T) {
	te := setupTestRouter(t)
	connectAgent(t, te, "A1")
	cc, _ := connectController(t, te, "alice")

	ok, cmdErr := te.router.Forward("A1", protocol.Command{Action: "self_destruct"}, cc.id)
	if ok {
		t.Fatal("unrecognized action accepted")
	}
	if cmdErr.Error != protocol.CodeValidationFailed {
		t.Fatalf("error = %q, want validation_failed", cmdErr.Error)
	}
}

func TestForwardFailsWhenBothPathsDown(t *testing.T) {
	te := setupTestRouter(t)

	_, aw := connectAgent(t, te, "A1")
	cc, _ := connectController(t, te, "alice")

	te.queue.err = errors.New("broker down")
	aw.failWrites = true

	ok, cmdErr := te.router.Forward("A1", protocol.Command{Action: "lock"}, cc.id)
	if ok {
		t.Fatal("Forward reported success with both paths down")
	}
	if cmdErr.Error != protocol.CodeCommandFailed {
		t.Fatalf("error = %q, want command_failed", cmdErr.Error)
	}

	recs, err := te.store.ListCommands(context.Background(), "A1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Outcome != "failed" {
		t.Fatalf("recorded outcome: %+v", recs)
	}
}

func TestDeviceResponseRoutedToOrigin(t *testing.T) {
	te := setupTestRouter(t)

	ac, _ := connectAgent(t, te, "A1")
	cc, cw := connectController(t, te, "alice")

	env := mustEnvelope(t, protocol.EventDeviceResponse, protocol.DeviceResponse{
		ClientSocketID: cc.id,
		Command:        "screenshot",
		Success:        true,
		Payload:        json.RawMessage(`{"image":"base64-bytes","width":1080}`),
	})
	te.router.dispatch(ac, env, te.router.agentHandlers)

	resp, ok := cw.lastEvent(t, protocol.EventDeviceResponse)
	if !ok {
		t.Fatal("controller did not receive the device response")
	}
	var p protocol.DeviceResponse
	if err := resp.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Command != "screenshot" || !p.Success {
		t.Fatalf("response: %+v", p)
	}

	// The result payload must survive the relay.
	var result map[string]any
	if err := json.Unmarshal(p.Payload, &result); err != nil {
		t.Fatalf("response payload did not survive: %v", err)
	}
	if result["image"] != "base64-bytes" || result["width"] != float64(1080) {
		t.Fatalf("result payload: %v", result)
	}
}

func TestDeviceResponseRelaysUnmodeledFields(t *testing.T) {
	te := setupTestRouter(t)

	ac, _ := connectAgent(t, te, "A1")
	cc, cw := connectController(t, te, "alice")

	// Fields the hub does not model must pass through untouched.
	env := mustEnvelope(t, protocol.EventDeviceResponse, map[string]any{
		"clientSocketId": cc.id,
		"command":        "pull_file",
		"success":        true,
		"payload":        map[string]any{"fileName": "report.pdf"},
		"durationMs":     742,
	})
	te.router.dispatch(ac, env, te.router.agentHandlers)

	resp, ok := cw.lastEvent(t, protocol.EventDeviceResponse)
	if !ok {
		t.Fatal("controller did not receive the device response")
	}
	var raw map[string]any
	if err := resp.Decode(&raw); err != nil {
		t.Fatal(err)
	}
	if raw["durationMs"] != float64(742) {
		t.Fatalf("unmodeled field dropped: %v", raw)
	}
	payload, _ := raw["payload"].(map[string]any)
	if payload["fileName"] != "report.pdf" {
		t.Fatalf("payload dropped: %v", raw)
	}
}

func TestDeviceResponseToDeadOriginIsDropped(t *testing.T) {
	te := setupTestRouter(t)
	ac, _ := connectAgent(t, te, "A1")

	// Back-reference to a connection that no longer exists: must not panic.
	env := mustEnvelope(t, protocol.EventDeviceResponse, protocol.DeviceResponse{
		ClientSocketID: "gone",
		Command:        "lock",
		Success:        true,
	})
	te.router.dispatch(ac, env, te.router.agentHandlers)
}

func TestStreamDataBroadcastWrapsDeviceID(t *testing.T) {
	te := setupTestRouter(t)

	ac, _ := connectAgent(t, te, "A1")
	_, cw1 := connectController(t, te, "alice")
	_, cw2 := connectController(t, te, "bob")

	env := mustEnvelope(t, protocol.EventStreamData, protocol.StreamData{
		StreamType: "location",
		Data:       map[string]any{"lat": 1.5},
	})
	te.router.dispatch(ac, env, te.router.agentHandlers)

	for _, cw := range []*fakeWire{cw1, cw2} {
		got, ok := cw.lastEvent(t, protocol.EventStreamData)
		if !ok {
			t.Fatal("controller missed the stream broadcast")
		}
		var p protocol.StreamBroadcast
		if err := got.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if p.DeviceID != "A1" || p.StreamType != "location" {
			t.Fatalf("broadcast frame: %+v", p)
		}
	}
}

func TestBroadcastSurvivesDeadRecipient(t *testing.T) {
	te := setupTestRouter(t)

	_, cw1 := connectController(t, te, "alice")
	_, cw2 := connectController(t, te, "bob")
	cw1.failWrites = true

	te.router.Broadcast(protocol.EventAgentDisconnected, protocol.AgentDisconnected{DeviceID: "A1"})

	if _, ok := cw2.lastEvent(t, protocol.EventAgentDisconnected); !ok {
		t.Fatal("healthy controller missed the broadcast after a dead recipient")
	}
}

func TestFileStreamForwardedVerbatim(t *testing.T) {
	te := setupTestRouter(t)

	ac, _ := connectAgent(t, te, "A1")
	cc, cw := connectController(t, te, "alice")

	chunk := base64.StdEncoding.EncodeToString([]byte("file-bytes"))
	env := mustEnvelope(t, protocol.EventFileStream, map[string]any{
		"clientSocketId": cc.id,
		"fileName":       "report.pdf",
		"data":           chunk,
		"done":           true,
		"checksum":       "sha256:abc123",
	})
	te.router.dispatch(ac, env, te.router.agentHandlers)

	got, ok := cw.lastEvent(t, protocol.EventFileStream)
	if !ok {
		t.Fatal("controller did not receive the file chunk")
	}
	var p protocol.FileStream
	if err := got.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Data != chunk || p.FileName != "report.pdf" || !p.Done {
		t.Fatalf("chunk: %+v", p)
	}

	// Verbatim forwarding: fields the hub does not model survive too.
	var raw map[string]any
	if err := got.Decode(&raw); err != nil {
		t.Fatal(err)
	}
	if raw["checksum"] != "sha256:abc123" {
		t.Fatalf("unmodeled chunk field dropped: %v", raw)
	}
}

func TestFileStreamRejectsInvalidBase64(t *testing.T) {
	te := setupTestRouter(t)

	ac, _ := connectAgent(t, te, "A1")
	cc, cw := connectController(t, te, "alice")

	env := mustEnvelope(t, protocol.EventFileStream, protocol.FileStream{
		ClientSocketID: cc.id,
		Data:           "not base64 !!!",
	})
	te.router.dispatch(ac, env, te.router.agentHandlers)

	if _, ok := cw.lastEvent(t, protocol.EventFileStream); ok {
		t.Fatal("invalid chunk was forwarded")
	}
}

func TestPingPongTouchesLiveness(t *testing.T) {
	te := setupTestRouter(t)
	ac, aw := connectAgent(t, te, "A1")

	before, _ := te.reg.LastSeen("A1")
	time.Sleep(5 * time.Millisecond)

	env := mustEnvelope(t, protocol.EventPing, nil)
	te.router.dispatch(ac, env, te.router.agentHandlers)

	if _, ok := aw.lastEvent(t, protocol.EventPong); !ok {
		t.Fatal("ping did not produce a pong")
	}
	after, _ := te.reg.LastSeen("A1")
	if !after.After(before) {
		t.Fatal("ping did not touch liveness")
	}
}

func TestHealthCheckResponseRefreshesHealth(t *testing.T) {
	te := setupTestRouter(t)
	ac, _ := connectAgent(t, te, "A1")

	before, _ := te.reg.AgentByID("A1")
	time.Sleep(5 * time.Millisecond)

	env := mustEnvelope(t, protocol.EventHealthCheckResponse, protocol.HealthCheckResponse{ResponseTime: 42})
	te.router.dispatch(ac, env, te.router.agentHandlers)

	after, _ := te.reg.AgentByID("A1")
	if !after.LastHealthCheck.After(before.LastHealthCheck) {
		t.Fatal("health_check_response did not refresh LastHealthCheck")
	}
}

func TestProbeAgentWritesHealthCheck(t *testing.T) {
	te := setupTestRouter(t)
	_, aw := connectAgent(t, te, "A1")

	if err := te.router.ProbeAgent("A1"); err != nil {
		t.Fatalf("ProbeAgent: %v", err)
	}
	if _, ok := aw.lastEvent(t, protocol.EventHealthCheck); !ok {
		t.Fatal("agent did not receive the health_check probe")
	}
}

func TestAgentReconnectClosesStaleConnection(t *testing.T) {
	te := setupTestRouter(t)

	_, oldWire := connectAgent(t, te, "A1")
	_, _ = connectAgent(t, te, "A1")

	if !oldWire.closed {
		t.Fatal("stale connection was not closed on reconnect")
	}
	agents, _, _ := te.reg.Counts()
	if agents != 1 {
		t.Fatalf("agent count = %d after reconnect, want 1", agents)
	}
}
