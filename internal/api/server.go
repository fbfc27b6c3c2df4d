// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetlink/fleetlink/internal/auth"
	"github.com/fleetlink/fleetlink/internal/config"
	"github.com/fleetlink/fleetlink/internal/registry"
	"github.com/fleetlink/fleetlink/internal/router"
	"github.com/fleetlink/fleetlink/internal/stats"
	"github.com/fleetlink/fleetlink/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	deviceAuth    auth.DeviceAuthProvider
	router        *router.Router
	reg           *registry.Registry
	agg           *stats.Aggregator
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server. loginProvider may be nil when an
// external auth provider handles logins; the login and user-creation routes
// are then not registered.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, da auth.DeviceAuthProvider,
	rt *router.Router, reg *registry.Registry, agg *stats.Aggregator,
	gatherer prometheus.Gatherer, cfg *config.Config, logger *slog.Logger) *Server {

	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		deviceAuth:    da,
		router:        rt,
		reg:           reg,
		agg:           agg,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Prometheus scrape endpoint.
	mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(loginIPRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket routes (auth handled inside the registration handshake)
	mux.Get("/ws/agent", rt.HandleAgentWS)
	mux.Get("/ws/controller", rt.HandleControllerWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/status", srv.handleStatus)
		r.Get("/api/devices", srv.handleListDevices)
		r.Get("/api/devices/{deviceID}/commands", srv.handleListDeviceCommands)
		r.Get("/api/me", srv.handleGetMe)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/users", srv.handleListUsers)
			// User management only available with builtin auth.
			if lp != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
			r.Post("/api/devices/tokens", srv.handleIssueDeviceToken)
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
			ID: uuid.New().String(), Action: "login.failed",
			Detail: json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)), CreatedAt: time.Now(),
		}); err != nil {
			s.logger.Warn("failed to log audit event", "action", "login.failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// Look up user for audit event.
	user, _ := s.store.GetUser(r.Context(), req.Username)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), Action: "login.success", UserID: userID, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "login.success", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Status and device handlers ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.agg.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":   time.Since(s.startTime).Truncate(time.Second).String(),
		"snapshot": snap,
	})
}

// deviceResponse is the REST view of a registered agent.
type deviceResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Model           string    `json:"model,omitempty"`
	AndroidVersion  string    `json:"android_version,omitempty"`
	Status          string    `json:"status"`
	Capabilities    []string  `json:"capabilities"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastSeen        time.Time `json:"last_seen,omitempty"`
	LastHealthCheck time.Time `json:"last_health_check,omitempty"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	agents := s.reg.Agents()

	result := make([]deviceResponse, 0, len(agents))
	for _, a := range agents {
		dev := deviceResponse{
			ID:              a.ID,
			Name:            a.Name,
			Model:           a.Model,
			AndroidVersion:  a.AndroidVersion,
			Status:          a.Status,
			Capabilities:    a.Capabilities,
			ConnectedAt:     a.ConnectedAt,
			LastHealthCheck: a.LastHealthCheck,
		}
		if seen, ok := s.reg.LastSeen(a.ID); ok {
			dev.LastSeen = seen
		}
		result = append(result, dev)
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListDeviceCommands(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	commands, err := s.store.ListCommands(r.Context(), deviceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list commands")
		return
	}
	if commands == nil {
		commands = []store.CommandRecord{}
	}
	writeJSON(w, http.StatusOK, commands)
}

// --- Admin handlers ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleIssueDeviceToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if s.deviceAuth.DeviceTokenSecret() == "" {
		writeError(w, http.StatusConflict, "time-limited device tokens are not configured")
		return
	}

	token := s.deviceAuth.GenerateDeviceToken(req.DeviceID)

	identity := getIdentityFromContext(r.Context())
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), Action: "device.token_issued",
		UserID: identity.UserID, DeviceID: req.DeviceID, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "device.token_issued", "error", err)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"device_id":  req.DeviceID,
		"token":      token,
		"expires_in": s.deviceAuth.DeviceTokenLifetime().String(),
	})
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
