// Package httpapi exposes the operator-facing admin surface: liveness and
// readiness probes, Prometheus-style metrics, a per-game diagnostic dump, and
// a live dashboard feed. None of it is reachable by game clients — producers
// and consumers only ever speak the wire protocol handled by
// internal/handshake and internal/replaycore.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"fafsrv/replayserver/internal/diag"
	"fafsrv/replayserver/internal/logging"
	"fafsrv/replayserver/internal/networking"
	"fafsrv/replayserver/internal/replaycore"
)

// Registry is the minimal surface HandlerSet needs from a game registry.
type Registry interface {
	Len() int
	GameIDs() []uint64
	Stats(gameID uint64) (replaycore.EngineStats, error)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger        *logging.Logger
	Registry      Registry
	Bandwidth     *networking.BandwidthRegulator
	AdminToken    string
	RateLimiter   RateLimiter
	TimeSource    func() time.Time
	StartedAt     time.Time
	StartupErr    func() error
	DashboardPush time.Duration

	// AdminMaxPayloadBytes caps inbound frame size on the dashboard
	// WebSocket; zero leaves gorilla/websocket's own default in place.
	AdminMaxPayloadBytes int64
	// AdminMaxClients bounds concurrent dashboard connections; zero means
	// unlimited.
	AdminMaxClients int
}

// HandlerSet bundles the replay server's admin handlers.
type HandlerSet struct {
	logger        *logging.Logger
	registry      Registry
	bandwidth     *networking.BandwidthRegulator
	adminToken    string
	rateLimiter   RateLimiter
	now           func() time.Time
	startedAt     time.Time
	startupErr    func() error
	dashboardPush time.Duration

	adminMaxPayloadBytes int64
	adminMaxClients      int32
	dashboardClients     int32
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	startedAt := opts.StartedAt
	if startedAt.IsZero() {
		startedAt = now()
	}
	return &HandlerSet{
		logger:               logger,
		registry:             opts.Registry,
		bandwidth:            opts.Bandwidth,
		adminToken:           strings.TrimSpace(opts.AdminToken),
		rateLimiter:          opts.RateLimiter,
		now:                  now,
		startedAt:            startedAt,
		startupErr:           opts.StartupErr,
		dashboardPush:        opts.DashboardPush,
		adminMaxPayloadBytes: opts.AdminMaxPayloadBytes,
		adminMaxClients:      int32(opts.AdminMaxClients),
	}
}

// acquireDashboardSlot reserves one of adminMaxClients concurrent dashboard
// connections, grounded on the teacher's Broker.maxClients pre-check ahead
// of the websocket upgrade. A zero limit means unlimited.
func (h *HandlerSet) acquireDashboardSlot() bool {
	if h.adminMaxClients <= 0 {
		return true
	}
	for {
		cur := atomic.LoadInt32(&h.dashboardClients)
		if cur >= h.adminMaxClients {
			return false
		}
		if atomic.CompareAndSwapInt32(&h.dashboardClients, cur, cur+1) {
			return true
		}
	}
}

func (h *HandlerSet) releaseDashboardSlot() {
	if h.adminMaxClients <= 0 {
		return
	}
	atomic.AddInt32(&h.dashboardClients, -1)
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/healthz", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/admin/replays", h.ReplayListHandler())
	mux.HandleFunc("/admin/replays/diag", h.ReplayDiagHandler())
	mux.HandleFunc("/admin/ws", h.DashboardHandler(h.dashboardPush))
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports server readiness, including the number of games
// currently tracked and any startup failure.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		ActiveGames   int     `json:"active_games"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok", UptimeSeconds: h.now().Sub(h.startedAt).Seconds()}
		if h.registry != nil {
			resp.ActiveGames = h.registry.Len()
		}
		if h.startupErr != nil {
			if err := h.startupErr(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		uptime := h.now().Sub(h.startedAt).Seconds()
		fmt.Fprintf(w, "# HELP replay_server_uptime_seconds Server uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE replay_server_uptime_seconds gauge\n")
		fmt.Fprintf(w, "replay_server_uptime_seconds %.0f\n", uptime)

		if h.registry != nil {
			fmt.Fprintf(w, "# HELP replay_server_active_games Games currently tracked by the registry.\n")
			fmt.Fprintf(w, "# TYPE replay_server_active_games gauge\n")
			fmt.Fprintf(w, "replay_server_active_games %d\n", h.registry.Len())
		}

		if h.bandwidth != nil {
			usage := h.bandwidth.SnapshotUsage()
			if len(usage) > 0 {
				fmt.Fprintf(w, "# HELP replay_server_spectator_bytes_per_second Observed outbound bandwidth per spectator connection.\n")
				fmt.Fprintf(w, "# TYPE replay_server_spectator_bytes_per_second gauge\n")
				for connID, sample := range usage {
					fmt.Fprintf(w, "replay_server_spectator_bytes_per_second{connection=%q} %.2f\n", connID, sample.BytesPerSecond)
				}
				fmt.Fprintf(w, "# HELP replay_server_spectator_available_bytes Remaining bandwidth tokens per spectator connection.\n")
				fmt.Fprintf(w, "# TYPE replay_server_spectator_available_bytes gauge\n")
				for connID, sample := range usage {
					fmt.Fprintf(w, "replay_server_spectator_available_bytes{connection=%q} %.2f\n", connID, sample.AvailableBytes)
				}
				fmt.Fprintf(w, "# HELP replay_server_spectator_denied_total Total throttled deliveries per spectator connection.\n")
				fmt.Fprintf(w, "# TYPE replay_server_spectator_denied_total counter\n")
				for connID, sample := range usage {
					fmt.Fprintf(w, "replay_server_spectator_denied_total{connection=%q} %d\n", connID, sample.DeniedDeliveries)
				}
			}
		}
	}
}

// ReplayListHandler lists every game id the registry currently tracks,
// authorised the same as the diagnostic dump since it reveals which games are
// in flight.
func (h *HandlerSet) ReplayListHandler() http.HandlerFunc {
	type response struct {
		Games []uint64 `json:"games"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorise(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.registry == nil {
			writeJSON(w, http.StatusOK, response{Games: []uint64{}})
			return
		}
		ids := h.registry.GameIDs()
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		writeJSON(w, http.StatusOK, response{Games: ids})
	}
}

// ReplayDiagHandler returns a game's merge engine diagnostic snapshot,
// snappy-compressed via internal/diag when the client asks for the raw dump,
// or plain JSON otherwise. Rate limited since assembling a snapshot routes
// through the owning Replay's command loop.
func (h *HandlerSet) ReplayDiagHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "replay_diag"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if !h.authorise(r) {
			reqLogger.Warn("diag denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("diag denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.registry == nil {
			http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
			return
		}
		gameID, err := strconv.ParseUint(strings.TrimSpace(r.URL.Query().Get("game_id")), 10, 64)
		if err != nil {
			http.Error(w, "game_id query parameter is required and must be a decimal integer", http.StatusBadRequest)
			return
		}
		stats, err := h.registry.Stats(gameID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("format") == "dump" {
			dump, err := diag.Dump(stats)
			if err != nil {
				reqLogger.Error("diag dump encode failed", logging.Error(err))
				http.Error(w, "failed to encode diagnostic dump", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(dump)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	if h.adminToken == "" {
		return false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
