package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// Client is one WebSocket connection bound to a user.
type Client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// ServeWS upgrades the request and runs the client pumps. The caller has
// already authenticated the connection and resolved userID and resumeAfter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string, resumeAfter int64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &Client{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, h.opts.SendQueue),
	}
	h.Attach(c, resumeAfter)
	go c.writePump(h.opts.Heartbeat)
	go c.readPump(h.opts.Heartbeat)
	return nil
}

// writePump sends queued events and pings the peer every heartbeat interval.
func (c *Client) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readPump consumes inbound frames to detect close and keep liveness. The
// read deadline spans two heartbeats, so two missed probes terminate the
// connection. A literal "ping" text message gets a pong control frame for
// clients that cannot send control frames themselves (WriteControl is safe
// to call concurrently with the write pump).
func (c *Client) readPump(heartbeat time.Duration) {
	liveness := 2*heartbeat + writeWait
	defer func() {
		c.hub.Detach(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(liveness))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(liveness))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(liveness))
		if string(msg) == "ping" {
			_ = c.conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(writeWait))
		}
	}
}
