package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	relay "github.com/cterryc/pyme-sub001/internal/adapter/redis"
	"github.com/cterryc/pyme-sub001/internal/domain"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StatusChangeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e domain.StatusChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) snapshot() []domain.StatusChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.StatusChangeEvent(nil), p.events...)
}

func newClient(t *testing.T, s *miniredis.Miniredis) *goredis.Client {
	t.Helper()
	c, err := relay.Open(context.Background(), s.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func startRelay(t *testing.T, s *miniredis.Miniredis, local domain.EventPublisher) *relay.Relay {
	t.Helper()
	r := relay.NewRelay(newClient(t, s), "test:events", local, zaptest.NewLogger(t))
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestOpen_Failure(t *testing.T) {
	_, err := relay.Open(context.Background(), "not-a-real-host:6379", "", 0)
	require.Error(t, err)
}

func TestRelay_ForwardsRemoteEventsOnly(t *testing.T) {
	s := miniredis.RunT(t)

	localA := &recordingPublisher{}
	localB := &recordingPublisher{}
	a := startRelay(t, s, localA)
	b := startRelay(t, s, localB)
	require.NotEqual(t, a.Origin(), b.Origin())

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fromA := domain.StatusChangeEvent{
		ApplicationID:  "a-1",
		OwnerID:        "owner-1",
		PreviousStatus: domain.StatusUnderReview,
		NewStatus:      domain.StatusApproved,
		Timestamp:      ts,
	}
	require.NoError(t, a.Publish(context.Background(), fromA))

	require.Eventually(t, func() bool { return len(localB.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := localB.snapshot()[0]
	assert.Equal(t, "a-1", got.ApplicationID)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, domain.StatusUnderReview, got.PreviousStatus)
	assert.Equal(t, domain.StatusApproved, got.NewStatus)
	assert.True(t, ts.Equal(got.Timestamp))

	// A later message from B reaching A proves A already processed (and
	// skipped) its own earlier message.
	fromB := fromA
	fromB.ApplicationID = "a-2"
	require.NoError(t, b.Publish(context.Background(), fromB))

	require.Eventually(t, func() bool { return len(localA.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "a-2", localA.snapshot()[0].ApplicationID)
	assert.Len(t, localB.snapshot(), 1)
}

func TestRelay_SkipsMalformedMessages(t *testing.T) {
	s := miniredis.RunT(t)

	local := &recordingPublisher{}
	startRelay(t, s, local)

	other := relay.NewRelay(newClient(t, s), "test:events", &recordingPublisher{}, zaptest.NewLogger(t))
	raw := newClient(t, s)

	require.NoError(t, raw.Publish(context.Background(), "test:events", "{not json").Err())
	require.NoError(t, other.Publish(context.Background(), domain.StatusChangeEvent{
		ApplicationID: "a-9",
		OwnerID:       "owner-9",
		NewStatus:     domain.StatusCancelled,
	}))

	require.Eventually(t, func() bool { return len(local.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "a-9", local.snapshot()[0].ApplicationID)
}

func TestRelay_StartTwice(t *testing.T) {
	s := miniredis.RunT(t)
	r := startRelay(t, s, &recordingPublisher{})
	require.Error(t, r.Start(context.Background()))
}

func TestRelay_CloseIsIdempotent(t *testing.T) {
	s := miniredis.RunT(t)
	r := relay.NewRelay(newClient(t, s), "", &recordingPublisher{}, nil)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}
