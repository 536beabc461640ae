// Package delivery is the Delivery Listener: watches provider delivery
// acknowledgements and promotes the matching Intent from sent to
// delivered. It registers once with the Connection Manager's
// OnDeliveryAck hook, which is the manager's sole fan-out point for
// DeliveryAckEvents, so it survives the underlying chat session being
// torn down and rebuilt without needing to re-subscribe on each reconnect.
package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/connection"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/logging"
	"chatrelay/internal/models"
	"chatrelay/internal/repository"
)

// Listener promotes sent intents to delivered as acks arrive.
type Listener struct {
	intents repository.IntentRepository
	bus     *eventbus.Bus
	logger  *zap.Logger
}

// New constructs a Listener. Register it with the Connection Manager via
// manager.OnDeliveryAck(listener.HandleAck).
func New(intents repository.IntentRepository, bus *eventbus.Bus, logger *zap.Logger) *Listener {
	return &Listener{intents: intents, bus: bus, logger: logger}
}

// HandleAck is a connection.DeliveryAckHook. Only "delivered" status acks
// promote an intent; every other status is ignored.
func (l *Listener) HandleAck(ack connection.DeliveryAckEvent) {
	if ack.Status != connection.DeliveryAckStatusDelivered {
		return
	}
	l.handleAck(ack)
}

// handleAck is best-effort: a lookup or update failure is logged and
// swallowed rather than propagated, per the delivery-tracking contract.
func (l *Listener) handleAck(ack connection.DeliveryAckEvent) {
	ctx := context.Background()

	matches, err := l.intents.ListByProviderMessageID(ctx, ack.ProviderMessageID)
	if err != nil {
		l.logger.Warn("delivery: lookup by provider message id failed", logging.Component("delivery"), zap.Error(err))
		return
	}

	for _, intent := range matches {
		if intent.Status != models.IntentStatusSent {
			continue // already delivered, or otherwise not eligible: idempotent no-op
		}

		now := time.Now()
		ok, err := l.intents.UpdateIntentStatus(ctx, intent.ID, models.IntentStatusDelivered, repository.IntentStatusUpdate{
			DeliveredAt: &now,
		})
		if err != nil {
			l.logger.Warn("delivery: update to delivered failed", logging.IntentID(intent.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		l.bus.PublishIntentStatus(eventbus.IntentStatus{
			IntentID: intent.ID,
			Status:   string(models.IntentStatusDelivered),
			At:       now,
		})
	}
}
