// Package push forwards status change events from the event bus onto
// long-lived client connections.
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/cterryc/pyme-sub001/internal/adapter/eventbus"
	"github.com/cterryc/pyme-sub001/internal/domain"
)

const meterName = "github.com/cterryc/pyme-sub001/internal/adapter/push"

// DefaultHeartbeatInterval is used when Config leaves it unset.
const DefaultHeartbeatInterval = 30 * time.Second

// ErrTooManyConnections is returned by Accept when a connection cap is hit.
var ErrTooManyConnections = errors.New("too many push connections")

// Bus is the subset of the event bus the manager needs.
type Bus interface {
	Subscribe(ownerID string) (*eventbus.Subscription, error)
}

// Config controls keep-alive and connection caps.
type Config struct {
	HeartbeatInterval time.Duration
	MaxPerOwner       int
	MaxGlobal         int
}

// Manager registers push connections with the bus and serves them.
type Manager struct {
	bus       Bus
	heartbeat time.Duration
	limiter   *streamLimiter
	logger    *zap.Logger
	active    metric.Int64UpDownCounter
}

// NewManager creates a connection manager reading from bus.
func NewManager(bus Bus, cfg Config, logger *zap.Logger) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	m := &Manager{
		bus:       bus,
		heartbeat: cfg.HeartbeatInterval,
		limiter:   newStreamLimiter(cfg.MaxGlobal, cfg.MaxPerOwner),
		logger:    logger.Named("push"),
	}

	active, err := otel.Meter(meterName).Int64UpDownCounter("pyme.push.connections",
		metric.WithDescription("Open push connections"),
	)
	if err != nil {
		m.logger.Warn("creating connections gauge", zap.Error(err))
	}
	m.active = active
	return m
}

// Accept serves t for ownerID until the peer leaves, ctx ends, the bus closes
// or a write fails. A failed write is reported as domain.ErrConnectionLost
// and is never retried. An empty ownerID is rejected before subscribing.
func (m *Manager) Accept(ctx context.Context, ownerID string, t Transport) error {
	if ownerID == "" {
		return domain.ErrInvalidIdentity
	}

	release, ok := m.limiter.acquire(ownerID)
	if !ok {
		return ErrTooManyConnections
	}
	defer release()

	sub, err := m.bus.Subscribe(ownerID)
	if err != nil {
		return fmt.Errorf("subscribing to events: %w", err)
	}
	defer sub.Unsubscribe()

	m.addActive(ctx, 1)
	defer m.addActive(context.WithoutCancel(ctx), -1)

	log := m.logger.With(zap.String("owner_id", ownerID))

	if err := t.Open(ctx); err != nil {
		return fmt.Errorf("%w: opening stream: %v", domain.ErrConnectionLost, err)
	}
	log.Debug("push connection opened")

	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("push connection cancelled")
			return nil
		case <-t.Done():
			log.Debug("push peer disconnected")
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				log.Debug("event bus closed")
				return nil
			}
			if err := t.Send(ctx, FromEvent(ev)); err != nil {
				log.Info("push write failed", zap.Error(err))
				return fmt.Errorf("%w: %v", domain.ErrConnectionLost, err)
			}
			ticker.Reset(m.heartbeat)
		case <-ticker.C:
			if err := t.Heartbeat(ctx); err != nil {
				log.Info("push heartbeat failed", zap.Error(err))
				return fmt.Errorf("%w: %v", domain.ErrConnectionLost, err)
			}
		}
	}
}

// Connections returns the number of open connections in total and for ownerID.
func (m *Manager) Connections(ownerID string) (total, owner int) {
	global, perOwner := m.limiter.snapshot()
	return global, perOwner[ownerID]
}

func (m *Manager) addActive(ctx context.Context, n int64) {
	if m.active != nil {
		m.active.Add(ctx, n)
	}
}
