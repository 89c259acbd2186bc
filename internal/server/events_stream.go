package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
)

const (
	// wsWriteTimeout bounds each frame write. A client that cannot keep up
	// gets disconnected instead of backing the stream up.
	wsWriteTimeout = 5 * time.Second

	wsHeartbeatInterval = 30 * time.Second
)

// handleEventsWS streams job lifecycle events over a websocket as JSON
// frames. The bus already drops events for slow subscribers, so a stalled
// client loses events rather than stalling publishers.
// GET /api/events/ws
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// The stream is write-only; CloseRead keeps control frames flowing and
	// cancels the context when the client goes away.
	ctx := conn.CloseRead(r.Context())

	eventCh, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	s.log.Info().Str("remote", r.RemoteAddr).Msg("Client connected to event stream")

	if err := s.writeFrame(ctx, conn, map[string]interface{}{
		"type":      "connected",
		"timestamp": time.Now().UTC(),
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(wsHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			s.log.Info().Str("remote", r.RemoteAddr).Msg("Client disconnected from event stream")
			return

		case event := <-eventCh:
			if err := s.writeFrame(ctx, conn, event); err != nil {
				s.log.Debug().Err(err).Msg("Dropping event stream client")
				return
			}

		case <-heartbeat.C:
			if err := s.writeFrame(ctx, conn, map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().UTC(),
			}); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode event frame")
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
