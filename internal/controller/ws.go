package controller

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetlab/slm/internal/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second // must be shorter than wsPongWait
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth happens via bearer token before the upgrade; origin checks
	// are meaningless for a token-authenticated API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket streams bus frames to the client. The ?topics= query
// selects topics (comma-separated); default is the global event feed. A
// client that cannot keep up loses frames at the bus, and one that stops
// reading entirely is closed by the write deadline.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query().Get("topics"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := s.bus.Subscribe(topics...)
	log := s.log.With().Str("subscriber", sub.ID()).Strs("topics", topics).Logger()
	log.Info().Msg("websocket client connected")

	defer func() {
		s.bus.Unsubscribe(sub)
		conn.Close()
		log.Info().Msg("websocket client disconnected")
	}()

	// Reader exists only to process control frames and notice closes.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case frame, ok := <-sub.C:
			if !ok {
				// Bus shut down.
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func parseTopics(raw string) []string {
	if raw == "" {
		return []string{bus.TopicGlobal}
	}
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return []string{bus.TopicGlobal}
	}
	return topics
}
