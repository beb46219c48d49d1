package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"fafsrv/replayserver/internal/logging"
	"fafsrv/replayserver/internal/replaycore"
)

const (
	dashboardWriteWait          = 10 * time.Second
	dashboardPongWaitMultiplier = 2
)

var dashboardUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type dashboardSnapshot struct {
	Timestamp string                            `json:"timestamp"`
	Games     map[string]replaycore.EngineStats `json:"games"`
}

// DashboardHandler serves a live-updating WebSocket feed of every tracked
// game's merge engine stats, pushed once per pushInterval. Grounded on the
// teacher's websocket client loop in main.go (ping ticker keeping the read
// deadline alive, a second ticker pushing a periodic payload, deregistering
// on any write failure), simplified to a single outbound feed with no
// structured inbound protocol.
func (h *HandlerSet) DashboardHandler(pushInterval time.Duration) http.HandlerFunc {
	if pushInterval <= 0 {
		pushInterval = 5 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authorise(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !h.acquireDashboardSlot() {
			h.logger.Warn("refusing dashboard connection: client limit reached",
				logging.Int("max_clients", int(h.adminMaxClients)))
			http.Error(w, "service unavailable: client limit reached", http.StatusServiceUnavailable)
			return
		}
		defer h.releaseDashboardSlot()

		conn, err := dashboardUpgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("dashboard upgrade failed", logging.Error(err))
			return
		}
		defer conn.Close()

		if h.adminMaxPayloadBytes > 0 {
			conn.SetReadLimit(h.adminMaxPayloadBytes)
		}

		waitDuration := dashboardPongWaitMultiplier * pushInterval
		_ = conn.SetReadDeadline(time.Now().Add(waitDuration))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(waitDuration))
		})

		// The feed is outbound-only; drain and discard any inbound frames so
		// pong control messages keep flowing and a client disconnect is
		// detected promptly.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		pushTicker := time.NewTicker(pushInterval)
		pingTicker := time.NewTicker(pushInterval)
		defer pushTicker.Stop()
		defer pingTicker.Stop()

		for {
			select {
			case <-pushTicker.C:
				if err := h.writeDashboardSnapshot(conn); err != nil {
					if !isExpectedCloseErr(err) {
						h.logger.Warn("dashboard write failed", logging.Error(err))
					}
					return
				}
			case <-pingTicker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(dashboardWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func (h *HandlerSet) writeDashboardSnapshot(conn *websocket.Conn) error {
	snap := dashboardSnapshot{
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		Games:     make(map[string]replaycore.EngineStats),
	}
	if h.registry != nil {
		for _, id := range h.registry.GameIDs() {
			stats, err := h.registry.Stats(id)
			if err != nil {
				continue
			}
			snap.Games[strconv.FormatUint(id, 10)] = stats
		}
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(dashboardWriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func isExpectedCloseErr(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
