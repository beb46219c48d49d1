package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fafsrv/replayserver/internal/logging"
	"fafsrv/replayserver/internal/networking"
	"fafsrv/replayserver/internal/replaycore"
)

type stubRegistry struct {
	ids   []uint64
	stats map[uint64]replaycore.EngineStats
	err   error
}

func (s *stubRegistry) Len() int           { return len(s.ids) }
func (s *stubRegistry) GameIDs() []uint64  { return s.ids }
func (s *stubRegistry) Stats(id uint64) (replaycore.EngineStats, error) {
	if s.err != nil {
		return replaycore.EngineStats{}, s.err
	}
	stats, ok := s.stats[id]
	if !ok {
		return replaycore.EngineStats{}, errors.New("no such game")
	}
	return stats, nil
}

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	registry := &stubRegistry{ids: []uint64{1, 2, 3}}
	handlers := NewHandlerSet(Options{
		Logger:     logging.NewTestLogger(),
		Registry:   registry,
		StartupErr: func() error { return errors.New("boom") },
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status      string `json:"status"`
		Message     string `json:"message"`
		ActiveGames int    `json:"active_games"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "boom" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.ActiveGames != 3 {
		t.Fatalf("unexpected active games: %+v", payload)
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	registry := &stubRegistry{ids: []uint64{7}}
	current := time.Unix(0, 0)
	clock := func() time.Time { return current }
	bandwidth := networking.NewBandwidthRegulator(100, clock)
	if !bandwidth.Allow("spectator-1", 100) {
		t.Fatalf("initial bandwidth allowance failed")
	}
	if bandwidth.Allow("spectator-1", 10) {
		t.Fatalf("expected bandwidth request to be throttled")
	}
	current = current.Add(time.Second)

	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Registry:  registry,
		Bandwidth: bandwidth,
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handlers.MetricsHandler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"replay_server_active_games 1",
		"replay_server_spectator_bytes_per_second{connection=\"spectator-1\"} 100.00",
		"replay_server_spectator_denied_total{connection=\"spectator-1\"} 1",
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
}

func TestReplayListHandlerRequiresAuth(t *testing.T) {
	registry := &stubRegistry{ids: []uint64{3, 1, 2}}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Registry: registry, AdminToken: "topsecret"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/replays", nil)
	handlers.ReplayListHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin/replays", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	handlers.ReplayListHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		Games []uint64 `json:"games"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Games) != 3 || payload.Games[0] != 1 || payload.Games[2] != 3 {
		t.Fatalf("expected sorted game ids, got %#v", payload.Games)
	}
}

func TestReplayDiagHandlerAuthRateLimitAndLookup(t *testing.T) {
	registry := &stubRegistry{stats: map[uint64]replaycore.EngineStats{
		42: {Mode: "quorum", CandidateCount: 1},
	}}
	limiter := &stubLimiter{remaining: 1}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Registry:    registry,
		AdminToken:  "topsecret",
		RateLimiter: limiter,
	})

	makeRequest := func(token, gameID string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin/replays/diag?game_id="+gameID, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.ReplayDiagHandler().ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest("", "42"); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}

	if resp := makeRequest("topsecret", "99"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown game, got %d", resp.Code)
	}

	resp := makeRequest("topsecret", "42")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for known game, got %d", resp.Code)
	}
	var stats replaycore.EngineStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Mode != "quorum" {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if resp := makeRequest("topsecret", "42"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
}
