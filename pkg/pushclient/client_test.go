package pushclient_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cterryc/pyme-sub001/pkg/pushclient"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	events    chan pushclient.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan pushclient.Event, 8),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadEvent() (pushclient.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.closed:
		return pushclient.Event{}, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeDialer hands out scripted results; each Dial blocks until one is queued.
type fakeDialer struct {
	results chan dialResult
	mu      sync.Mutex
	dials   int
	creds   []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, credential string) (pushclient.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.creds = append(d.creds, credential)
	d.mu.Unlock()

	select {
	case r := <-d.results:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// recordingWait records requested delays and returns immediately unless the
// session was cancelled.
type recordingWait struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *recordingWait) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	w.mu.Unlock()
	return ctx.Err()
}

func (w *recordingWait) recorded() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.delays...)
}

func waitState(t *testing.T, c *pushclient.Client, want pushclient.State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		time.Second, 2*time.Millisecond, "state never became %s", want)
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	dialer := newFakeDialer()
	client := pushclient.New(dialer)
	defer client.Disconnect()

	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}

	client.Connect("token")
	client.Connect("token")
	waitState(t, client, pushclient.Connected)
	client.Connect("token")

	// Give a second loop, if one existed, time to dial.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
	assert.False(t, conn.isClosed())
}

func TestClient_SharedByIndependentCallSites(t *testing.T) {
	dialer := newFakeDialer()
	client := pushclient.New(dialer)
	defer client.Disconnect()

	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}

	var mu sync.Mutex
	var got []string
	for _, site := range []string{"sidebar", "dashboard"} {
		client.Connect("token")
		client.Subscribe(func(ev pushclient.Event) {
			mu.Lock()
			got = append(got, site+":"+ev.ID)
			mu.Unlock()
		})
	}
	waitState(t, client, pushclient.Connected)

	conn.events <- pushclient.Event{Type: "status_changed", ID: "app-1", NewStatus: "approved"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"sidebar:app-1", "dashboard:app-1"}, got)
	mu.Unlock()
	assert.Equal(t, 1, dialer.dialCount())
}

func TestClient_ListenersMayChangeDuringDispatch(t *testing.T) {
	dialer := newFakeDialer()
	client := pushclient.New(dialer)
	defer client.Disconnect()

	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}
	client.Connect("token")
	waitState(t, client, pushclient.Connected)

	var mu sync.Mutex
	calls := map[string]int{}
	record := func(name string) {
		mu.Lock()
		calls[name]++
		mu.Unlock()
	}

	var unsubSecond, unsubSelf func()
	client.Subscribe(func(pushclient.Event) {
		record("first")
		unsubSecond()
		client.Subscribe(func(pushclient.Event) { record("late") })
	})
	unsubSecond = client.Subscribe(func(pushclient.Event) { record("second") })
	unsubSelf = client.Subscribe(func(pushclient.Event) {
		record("self")
		unsubSelf()
	})
	client.Subscribe(func(pushclient.Event) { record("last") })

	conn.events <- pushclient.Event{ID: "app-1"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["last"] == 1
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	assert.Equal(t, map[string]int{"first": 1, "self": 1, "last": 1}, calls)
	mu.Unlock()

	conn.events <- pushclient.Event{ID: "app-2"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["last"] == 2 && calls["late"] == 1
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls["first"])
	assert.Equal(t, 1, calls["self"], "self-removed listener must not run again")
	assert.Zero(t, calls["second"], "listener removed before its turn must be skipped")
	assert.Equal(t, 1, calls["late"], "listener added mid-dispatch starts with the next event")
}

func TestClient_BackoffDoublesAndResets(t *testing.T) {
	dialer := newFakeDialer()
	waiter := &recordingWait{}
	client := pushclient.New(dialer, pushclient.WithWait(waiter.wait))
	defer client.Disconnect()

	for i := 0; i < 7; i++ {
		dialer.results <- dialResult{err: errRefused}
	}
	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}

	client.Connect("token")
	waitState(t, client, pushclient.Connected)

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, waiter.recorded())

	// Losing an established connection starts over at the initial delay.
	next := newFakeConn()
	dialer.results <- dialResult{err: errRefused}
	dialer.results <- dialResult{conn: next}
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return dialer.dialCount() == 10 }, time.Second, 2*time.Millisecond)
	waitState(t, client, pushclient.Connected)

	delays := waiter.recorded()
	require.Len(t, delays, 9)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, delays[7:])
}

func TestClient_DisconnectDiscardsInFlightAttempt(t *testing.T) {
	dialer := newFakeDialer()
	client := pushclient.New(dialer)

	var mu sync.Mutex
	invoked := 0
	client.Subscribe(func(pushclient.Event) {
		mu.Lock()
		invoked++
		mu.Unlock()
	})

	client.Connect("token")
	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, 2*time.Millisecond)

	client.Disconnect()
	assert.Equal(t, pushclient.Disconnected, client.State())

	// The dial still completes after Disconnect and delivers an event.
	late := newFakeConn()
	late.events <- pushclient.Event{ID: "app-1"}
	dialer.results <- dialResult{conn: late}

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, invoked, "listeners must not run for a discarded attempt")
	mu.Unlock()
	assert.Equal(t, pushclient.Disconnected, client.State())
	assert.Equal(t, 1, dialer.dialCount())
}

// blockingDialer completes its dial only after Disconnect, ignoring ctx, to
// model a transport that cannot be interrupted.
type blockingDialer struct {
	release chan struct{}
	conn    *fakeConn
}

func (d *blockingDialer) Dial(context.Context, string) (pushclient.Conn, error) {
	<-d.release
	return d.conn, nil
}

func TestClient_LateConnectionIsClosed(t *testing.T) {
	dialer := &blockingDialer{release: make(chan struct{}), conn: newFakeConn()}
	client := pushclient.New(dialer)

	invoked := make(chan struct{}, 1)
	client.Subscribe(func(pushclient.Event) { invoked <- struct{}{} })
	client.Connect("token")
	client.Disconnect()

	dialer.conn.events <- pushclient.Event{ID: "app-1"}
	close(dialer.release)

	require.Eventually(t, dialer.conn.isClosed, time.Second, 2*time.Millisecond)
	select {
	case <-invoked:
		t.Fatal("listener invoked from discarded connection")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClient_DisconnectCancelsPendingRetry(t *testing.T) {
	dialer := newFakeDialer()
	waiting := make(chan struct{}, 1)
	client := pushclient.New(dialer, pushclient.WithWait(func(ctx context.Context, _ time.Duration) error {
		waiting <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}))

	dialer.results <- dialResult{err: errRefused}
	client.Connect("token")

	select {
	case <-waiting:
	case <-time.After(time.Second):
		t.Fatal("client never started waiting to retry")
	}
	client.Disconnect()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(), "no attempt may follow Disconnect")
}

func TestClient_DisconnectClosesConnectionAndClearsListeners(t *testing.T) {
	dialer := newFakeDialer()
	client := pushclient.New(dialer)

	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}

	invoked := make(chan struct{}, 4)
	client.Subscribe(func(pushclient.Event) { invoked <- struct{}{} })
	client.Connect("token")
	waitState(t, client, pushclient.Connected)

	client.Disconnect()
	assert.True(t, conn.isClosed())
	assert.Equal(t, pushclient.Disconnected, client.State())

	// A new session starts with no listeners from the old one.
	next := newFakeConn()
	dialer.results <- dialResult{conn: next}
	client.Connect("other-token")
	waitState(t, client, pushclient.Connected)

	next.events <- pushclient.Event{ID: "app-1"}
	select {
	case <-invoked:
		t.Fatal("listener from previous session invoked")
	case <-time.After(30 * time.Millisecond):
	}
	client.Disconnect()
}

// gatedWait signals each backoff wait and holds it until released.
type gatedWait struct {
	waiting chan struct{}
	proceed chan struct{}
}

func newGatedWait() *gatedWait {
	return &gatedWait{waiting: make(chan struct{}, 4), proceed: make(chan struct{}, 4)}
}

func (w *gatedWait) wait(ctx context.Context, _ time.Duration) error {
	w.waiting <- struct{}{}
	select {
	case <-w.proceed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *gatedWait) awaitWaiting(t *testing.T) {
	t.Helper()
	select {
	case <-w.waiting:
	case <-time.After(time.Second):
		t.Fatal("client never started waiting to retry")
	}
}

func TestClient_StateDuringBackoff(t *testing.T) {
	dialer := newFakeDialer()
	waiter := newGatedWait()
	client := pushclient.New(dialer, pushclient.WithWait(waiter.wait))
	defer client.Disconnect()

	// A failed dial leaves the client disconnected until the next attempt.
	dialer.results <- dialResult{err: errRefused}
	client.Connect("token")
	waiter.awaitWaiting(t)
	assert.Equal(t, pushclient.Disconnected, client.State())

	waiter.proceed <- struct{}{}
	require.Eventually(t, func() bool { return dialer.dialCount() == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, pushclient.Connecting, client.State())

	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}
	waitState(t, client, pushclient.Connected)

	// A lost connection behaves the same way.
	require.NoError(t, conn.Close())
	waiter.awaitWaiting(t)
	assert.Equal(t, pushclient.Disconnected, client.State())

	waiter.proceed <- struct{}{}
	require.Eventually(t, func() bool { return dialer.dialCount() == 3 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, pushclient.Connecting, client.State())
}

func TestClient_DisconnectWaitsForRunningListener(t *testing.T) {
	dialer := newFakeDialer()
	client := pushclient.New(dialer)

	conn := newFakeConn()
	dialer.results <- dialResult{conn: conn}

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls, finished := 0, 0
	client.Subscribe(func(pushclient.Event) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
		mu.Lock()
		finished++
		mu.Unlock()
	})
	client.Connect("token")
	waitState(t, client, pushclient.Connected)

	conn.events <- pushclient.Event{ID: "app-1"}
	conn.events <- pushclient.Event{ID: "app-2"}
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("listener never invoked")
	}

	done := make(chan struct{})
	go func() {
		client.Disconnect()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Disconnect returned while a listener was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect never returned")
	}

	mu.Lock()
	assert.Equal(t, 1, finished, "running listener completes before Disconnect returns")
	mu.Unlock()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls, "no listener runs after Disconnect")
	mu.Unlock()
}
