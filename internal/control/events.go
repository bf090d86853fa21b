// internal/control/events.go
package control

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/channel"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Clients only send control frames.
	maxMessageSize = 512
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API listens on loopback; the browser extension popup connects from its own origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventClient is one subscriber to the status stream.
type eventClient struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

// handleEvents streams every scriptStatusChanged broadcast to a WebSocket client.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("Failed to upgrade event stream.", zap.Error(err))
		return
	}
	c := &eventClient{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: s.logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}
	c.logger.Info("Event stream connected.")

	unsubscribe := s.bus.OnMessage(channel.Popup, c.deliver)
	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		c.readPump()
		cancel()
	}()
	c.writePump(ctx)
	unsubscribe()
	c.logger.Info("Event stream closed.")
}

// deliver is the bus handler for the subscriber. Status changes arrive as broadcasts.
func (c *eventClient) deliver(_ context.Context, env channel.Envelope, _ channel.Responder) bool {
	msg, ok := env.Message.(schemas.ScriptStatusChanged)
	if !ok {
		return false
	}
	payload, err := schemas.EncodeMessage(msg)
	if err != nil {
		c.logger.Error("Failed to encode status event.", zap.Error(err))
		return false
	}
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("Event stream buffer full; dropping status event.")
	}
	return false
}

// readPump discards client frames and notices when the peer goes away.
func (c *eventClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("Event stream read ended.", zap.Error(err))
			}
			return
		}
	}
}

// writePump owns every write to the connection.
func (c *eventClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("Event write failed.", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
