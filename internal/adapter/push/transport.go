package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one long-lived client connection as seen by the Manager.
// Only the Manager's loop writes to a transport, so implementations need not
// serialize writes.
type Transport interface {
	// Open is called once the connection is registered for events.
	Open(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
	Heartbeat(ctx context.Context) error
	// Done is closed when the peer goes away.
	Done() <-chan struct{}
}

// DefaultWriteTimeout bounds a single write to a push connection.
const DefaultWriteTimeout = 10 * time.Second

// SSETransport writes Server-Sent Events to an HTTP response.
type SSETransport struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	done         <-chan struct{}
	writeTimeout time.Duration
}

var _ Transport = (*SSETransport)(nil)

// NewSSETransport wraps the response of r. Nothing is written until Open.
func NewSSETransport(w http.ResponseWriter, r *http.Request) *SSETransport {
	return &SSETransport{
		w:            w,
		rc:           http.NewResponseController(w),
		done:         r.Context().Done(),
		writeTimeout: DefaultWriteTimeout,
	}
}

func (t *SSETransport) Open(context.Context) error {
	h := t.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	t.w.WriteHeader(http.StatusOK)
	return t.flush()
}

func (t *SSETransport) Send(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding push message: %w", err)
	}
	t.setDeadline()
	if _, err := fmt.Fprintf(t.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return t.flush()
}

func (t *SSETransport) Heartbeat(context.Context) error {
	t.setDeadline()
	if _, err := fmt.Fprint(t.w, ": keepalive\n\n"); err != nil {
		return err
	}
	return t.flush()
}

func (t *SSETransport) Done() <-chan struct{} {
	return t.done
}

func (t *SSETransport) setDeadline() {
	// Not every ResponseWriter supports deadlines; the request context still
	// ends the stream in that case.
	_ = t.rc.SetWriteDeadline(time.Now().Add(t.writeTimeout))
}

func (t *SSETransport) flush() error {
	if err := t.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// WSTransport writes JSON text frames to a WebSocket connection.
type WSTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport takes ownership of conn and starts reading from it so that
// a closed peer is noticed. Client frames are discarded.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	t := &WSTransport{
		conn:         conn,
		writeTimeout: DefaultWriteTimeout,
		done:         make(chan struct{}),
	}
	go t.readPump()
	return t
}

func (t *WSTransport) readPump() {
	defer t.markDone()
	for {
		if _, _, err := t.conn.NextReader(); err != nil {
			return
		}
	}
}

func (t *WSTransport) markDone() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *WSTransport) Open(context.Context) error {
	return nil
}

func (t *WSTransport) Send(_ context.Context, msg Message) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteJSON(msg)
}

func (t *WSTransport) Heartbeat(ctx context.Context) error {
	return t.Send(ctx, heartbeatMessage())
}

func (t *WSTransport) Done() <-chan struct{} {
	return t.done
}

// Close sends a close frame with code and reason, then closes the connection.
func (t *WSTransport) Close(code int, reason string) error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return t.conn.Close()
}
