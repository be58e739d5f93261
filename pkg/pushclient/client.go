// Package pushclient keeps one reconnecting push subscription per session and
// fans received status events out to in-process listeners.
package pushclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Backoff bounds used when no option overrides them.
const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
)

// State is the connection state of a Client.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Event is a status change received from the server. Listeners should treat
// it as a hint to refetch, not as the complete state.
type Event struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	NewStatus string    `json:"newStatus"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Listener is notified synchronously for every received event.
type Listener func(Event)

// Conn is an established push connection.
type Conn interface {
	// ReadEvent blocks until the next status event. Keep-alive frames are
	// consumed internally. Any error ends the connection.
	ReadEvent() (Event, error)
	Close() error
}

// Dialer opens push connections.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBackoff overrides the reconnection delay bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.initialDelay = initial
		c.maxDelay = max
	}
}

// WithWait replaces the function used to sleep between attempts. It must
// return early with an error when ctx is done.
func WithWait(wait func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.wait = wait }
}

type listenerEntry struct {
	fn     Listener
	active atomic.Bool
}

// Client maintains at most one live connection at a time. It is safe for
// concurrent use; every call site of a session should share one Client.
type Client struct {
	dialer       Dialer
	logger       *zap.Logger
	initialDelay time.Duration
	maxDelay     time.Duration
	wait         func(ctx context.Context, d time.Duration) error

	// dispatching is read-held while listeners run so Disconnect can wait
	// for a dispatch in progress.
	dispatching sync.RWMutex

	mu        sync.Mutex
	state     State
	running   bool
	epoch     uint64
	cancel    context.CancelFunc
	conn      Conn
	delay     time.Duration
	listeners []*listenerEntry
}

// New creates a disconnected client.
func New(dialer Dialer, opts ...Option) *Client {
	c := &Client{
		dialer:       dialer,
		logger:       zap.NewNop(),
		initialDelay: DefaultInitialDelay,
		maxDelay:     DefaultMaxDelay,
		wait:         sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.delay = c.initialDelay
	return c
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Connect starts maintaining a connection opened with credential. Calling it
// while a connection is kept (or being established) is a no-op.
func (c *Client) Connect(credential string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.running = true
	c.epoch++
	c.cancel = cancel
	c.delay = c.initialDelay
	c.state = Connecting

	go c.run(ctx, c.epoch, credential)
}

// Disconnect stops reconnecting, closes the active connection and removes
// every listener. Attempts still in flight are discarded when they finish.
// It waits for a dispatch in progress, so no listener runs once it returns;
// a listener that ends the session must call it from another goroutine.
func (c *Client) Disconnect() {
	c.dispatching.Lock()
	defer c.dispatching.Unlock()

	c.mu.Lock()
	c.epoch++
	c.running = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	for _, l := range c.listeners {
		l.active.Store(false)
	}
	c.listeners = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Subscribe registers listener and returns a function that removes it.
// Listeners may subscribe or unsubscribe from inside a callback; a listener
// added during a dispatch first sees the next event.
func (c *Client) Subscribe(listener Listener) (unsubscribe func()) {
	entry := &listenerEntry{fn: listener}
	entry.active.Store(true)

	c.mu.Lock()
	c.listeners = append(c.listeners, entry)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.active.Store(false)
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, l := range c.listeners {
				if l == entry {
					next := make([]*listenerEntry, 0, len(c.listeners)-1)
					next = append(next, c.listeners[:i]...)
					c.listeners = append(next, c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) run(ctx context.Context, epoch uint64, credential string) {
	for {
		if !c.setState(epoch, Connecting) {
			return
		}
		conn, err := c.dialer.Dial(ctx, credential)
		if err != nil {
			if !c.setState(epoch, Disconnected) {
				return
			}
			delay := c.nextDelay()
			c.logger.Debug("push connect failed", zap.Error(err), zap.Duration("retry_in", delay))
			if c.wait(ctx, delay) != nil {
				return
			}
			continue
		}

		if !c.attach(epoch, conn) {
			_ = conn.Close()
			return
		}
		c.logger.Debug("push connected")

		err = c.read(epoch, conn)
		if !c.detach(epoch, conn) {
			return
		}
		_ = conn.Close()

		delay := c.nextDelay()
		c.logger.Debug("push connection lost", zap.Error(err), zap.Duration("retry_in", delay))
		if c.wait(ctx, delay) != nil {
			return
		}
	}
}

func (c *Client) read(epoch uint64, conn Conn) error {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		c.dispatch(epoch, ev)
	}
}

func (c *Client) dispatch(epoch uint64, ev Event) {
	c.dispatching.RLock()
	defer c.dispatching.RUnlock()

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	snapshot := c.listeners
	c.mu.Unlock()

	for _, l := range snapshot {
		if l.active.Load() {
			l.fn(ev)
		}
	}
}

// setState records state unless Disconnect happened since the attempt began.
func (c *Client) setState(epoch uint64, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	c.state = state
	return true
}

// attach installs conn unless Disconnect happened since the attempt began.
func (c *Client) attach(epoch uint64, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	c.conn = conn
	c.state = Connected
	c.delay = c.initialDelay
	return true
}

// detach clears conn after it failed. It reports false when the session was
// already torn down.
func (c *Client) detach(epoch uint64, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	if c.conn == conn {
		c.conn = nil
	}
	c.state = Disconnected
	return true
}

// nextDelay returns the delay before the next attempt and doubles the
// following one up to the ceiling.
func (c *Client) nextDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.delay
	c.delay = min(c.delay*2, c.maxDelay)
	return d
}
