package pushclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const heartbeatType = "heartbeat"

// WebSocketDialer connects to the server's WebSocket push endpoint.
type WebSocketDialer struct {
	// URL is the ws:// or wss:// endpoint, e.g. wss://host/api/v1/events/ws.
	URL string
	// Heartbeat is the server's keep-alive interval. A connection that stays
	// silent for twice this long is considered lost.
	Heartbeat time.Duration
	// Dialer defaults to a copy of websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

var _ Dialer = (*WebSocketDialer)(nil)

func (d *WebSocketDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	heartbeat := d.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &wsConn{conn: conn, readTimeout: 2 * heartbeat}, nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (c *wsConn) ReadEvent() (Event, error) {
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return Event{}, err
		}
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			return Event{}, err
		}
		if ev.Type == heartbeatType {
			continue
		}
		return ev, nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
