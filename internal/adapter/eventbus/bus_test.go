package eventbus_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cterryc/pyme-sub001/internal/adapter/eventbus"
	"github.com/cterryc/pyme-sub001/internal/domain"
)

func event(owner, app string, status domain.Status) domain.StatusChangeEvent {
	return domain.StatusChangeEvent{
		ApplicationID: app,
		OwnerID:       owner,
		NewStatus:     status,
		Timestamp:     time.Now().UTC(),
	}
}

func receive(t *testing.T, sub *eventbus.Subscription) domain.StatusChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return domain.StatusChangeEvent{}
	}
}

func assertEmpty(t *testing.T, sub *eventbus.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected delivery %+v", ev)
	default:
	}
}

func TestBus_DeliversOnlyToMatchingOwner(t *testing.T) {
	bus := eventbus.New(4, zap.NewNop())
	defer bus.Close()

	subA, err := bus.Subscribe("owner-a")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), event("owner-b", "app-1", domain.StatusApplying)))
	assertEmpty(t, subA)
}

func TestBus_FansOutToEverySubscriptionOfOwner(t *testing.T) {
	bus := eventbus.New(4, zap.NewNop())
	defer bus.Close()

	first, err := bus.Subscribe("owner-a")
	require.NoError(t, err)
	second, err := bus.Subscribe("owner-a")
	require.NoError(t, err)
	assert.Equal(t, 2, bus.SubscriberCount("owner-a"))

	ev := event("owner-a", "app-1", domain.StatusSubmitted)
	require.NoError(t, bus.Publish(context.Background(), ev))

	assert.Equal(t, ev, receive(t, first))
	assert.Equal(t, ev, receive(t, second))
	assertEmpty(t, first)
	assertEmpty(t, second)
}

func TestBus_PublishWithoutSubscribersIsNotAnError(t *testing.T) {
	bus := eventbus.New(4, zap.NewNop())
	defer bus.Close()

	assert.NoError(t, bus.Publish(context.Background(), event("nobody", "app-1", domain.StatusApplying)))
}

func TestBus_DropsOldestWhenBufferFull(t *testing.T) {
	bus := eventbus.New(2, zap.NewNop())
	defer bus.Close()

	sub, err := bus.Subscribe("owner-a")
	require.NoError(t, err)

	statuses := []domain.Status{domain.StatusApplying, domain.StatusSubmitted, domain.StatusUnderReview}
	for i, s := range statuses {
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = bus.Publish(context.Background(), event("owner-a", fmt.Sprintf("app-%d", i), s))
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Publish blocked on a full subscriber")
		}
	}

	assert.Equal(t, domain.StatusSubmitted, receive(t, sub).NewStatus)
	assert.Equal(t, domain.StatusUnderReview, receive(t, sub).NewStatus)
	assertEmpty(t, sub)
}

func TestBus_UnsubscribeIsIdempotentAndClosesChannel(t *testing.T) {
	bus := eventbus.New(4, zap.NewNop())
	defer bus.Close()

	sub, err := bus.Subscribe("owner-a")
	require.NoError(t, err)
	other, err := bus.Subscribe("owner-a")
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()
	bus.Unsubscribe(sub)

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel should be closed after Unsubscribe")
	assert.Equal(t, 1, bus.SubscriberCount("owner-a"))

	ev := event("owner-a", "app-1", domain.StatusApplying)
	require.NoError(t, bus.Publish(context.Background(), ev))
	assert.Equal(t, ev, receive(t, other))
}

func TestBus_SubscribeRejectsEmptyOwner(t *testing.T) {
	bus := eventbus.New(4, zap.NewNop())
	defer bus.Close()

	_, err := bus.Subscribe("")
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)
}

func TestBus_CloseReleasesEverything(t *testing.T) {
	bus := eventbus.New(4, zap.NewNop())

	a, err := bus.Subscribe("owner-a")
	require.NoError(t, err)
	b, err := bus.Subscribe("owner-b")
	require.NoError(t, err)

	bus.Close()
	bus.Close()

	_, ok := <-a.Events()
	assert.False(t, ok)
	_, ok = <-b.Events()
	assert.False(t, ok)

	a.Unsubscribe()
	assert.NoError(t, bus.Publish(context.Background(), event("owner-a", "app-1", domain.StatusApplying)))

	_, err = bus.Subscribe("owner-a")
	assert.ErrorIs(t, err, eventbus.ErrClosed)
}

func TestBus_ConcurrentSubscribePublishUnsubscribe(t *testing.T) {
	bus := eventbus.New(8, zap.NewNop())
	defer bus.Close()

	// A long-lived subscriber for an unrelated owner must see exactly its
	// own events despite churn on other owners.
	steady, err := bus.Subscribe("steady")
	require.NoError(t, err)

	const workers = 16
	const rounds = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		owner := fmt.Sprintf("owner-%d", w%4)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				sub, err := bus.Subscribe(owner)
				if err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
				select {
				case <-sub.Events():
				default:
				}
				sub.Unsubscribe()
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_ = bus.Publish(context.Background(), event(owner, "app", domain.StatusApplying))
			}
		}()
	}

	for i := 0; i < 8; i++ {
		require.NoError(t, bus.Publish(context.Background(), event("steady", fmt.Sprintf("app-%d", i), domain.StatusSubmitted)))
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		assert.Equal(t, fmt.Sprintf("app-%d", i), receive(t, steady).ApplicationID)
	}
	assertEmpty(t, steady)
	for w := 0; w < 4; w++ {
		assert.Zero(t, bus.SubscriberCount(fmt.Sprintf("owner-%d", w)))
	}
}
