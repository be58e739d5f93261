// Package redis fans status change events out to every instance of the
// service through a Redis pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cterryc/pyme-sub001/internal/domain"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "pyme:status_changes"

// Compile-time check: Relay implements domain.EventPublisher.
var _ domain.EventPublisher = (*Relay)(nil)

// Open connects to Redis and verifies the connection with a PING.
func Open(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// envelope is the wire form of a relayed event.
type envelope struct {
	Origin         string    `json:"origin"`
	ApplicationID  string    `json:"application_id"`
	OwnerID        string    `json:"owner_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Timestamp      time.Time `json:"timestamp"`
}

// Relay publishes local status changes to a Redis channel and forwards
// changes published by other instances into the local publisher. Messages
// carrying this relay's own origin are ignored, since the local publisher
// already saw them.
type Relay struct {
	client  *goredis.Client
	channel string
	origin  string
	local   domain.EventPublisher
	logger  *zap.Logger

	mu     sync.Mutex
	pubsub *goredis.PubSub
	done   chan struct{}
}

// NewRelay creates a relay on channel that delivers remote events to local.
func NewRelay(client *goredis.Client, channel string, local domain.EventPublisher, logger *zap.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
		logger:  logger.Named("redis_relay"),
	}
}

// Origin returns the instance identifier stamped on outgoing messages.
func (r *Relay) Origin() string { return r.origin }

// Publish sends the event to every other instance.
func (r *Relay) Publish(ctx context.Context, event domain.StatusChangeEvent) error {
	payload, err := json.Marshal(envelope{
		Origin:         r.origin,
		ApplicationID:  event.ApplicationID,
		OwnerID:        event.OwnerID,
		PreviousStatus: string(event.PreviousStatus),
		NewStatus:      string(event.NewStatus),
		Timestamp:      event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encoding relay message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", r.channel, err)
	}
	return nil
}

// Start subscribes to the channel and begins forwarding remote events. It
// returns once the subscription is confirmed by the server.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return errors.New("relay already started")
	}

	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}

	r.pubsub = ps
	r.done = make(chan struct{})
	go r.forward(context.WithoutCancel(ctx), ps.Channel(), r.done)
	return nil
}

// Close stops forwarding and waits for the forwarding loop to exit.
func (r *Relay) Close() error {
	r.mu.Lock()
	ps, done := r.pubsub, r.done
	r.pubsub, r.done = nil, nil
	r.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

func (r *Relay) forward(ctx context.Context, messages <-chan *goredis.Message, done chan struct{}) {
	defer close(done)
	for msg := range messages {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn("dropping malformed relay message", zap.Error(err))
			continue
		}
		if env.Origin == r.origin {
			continue
		}

		event := domain.StatusChangeEvent{
			ApplicationID:  env.ApplicationID,
			OwnerID:        env.OwnerID,
			PreviousStatus: domain.Status(env.PreviousStatus),
			NewStatus:      domain.Status(env.NewStatus),
			Timestamp:      env.Timestamp,
		}
		if err := r.local.Publish(ctx, event); err != nil {
			r.logger.Warn("local delivery of relayed event failed",
				zap.String("application_id", event.ApplicationID),
				zap.String("owner_id", event.OwnerID),
				zap.Error(err),
			)
		}
	}
}
