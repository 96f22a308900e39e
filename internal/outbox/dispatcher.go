package outbox

import (
	"context"
	"log/slog"

	"github.com/avolkov/kassaflow/internal/metrics"
	"github.com/avolkov/kassaflow/internal/paygate"
)

// Sender delivers receipt emails. Implementations must tolerate repeat
// deliveries for the same order.
type Sender interface {
	Send(ctx context.Context, recipient string, orderID int64) error
}

// LogSender is the no-delivery Sender used when no mail transport is
// configured: it logs and succeeds so email intents drain.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, recipient string, orderID int64) error {
	s.Logger.Info("email delivery skipped (no sender configured)",
		"recipient", recipient, "order_id", orderID)
	return nil
}

// Dispatcher executes pending intents. It runs inside the repair
// worker's tick, under the same lease.
type Dispatcher struct {
	store  *Store
	pay    paygate.Gateway
	sender Sender
	logger *slog.Logger
}

// NewDispatcher creates the outbox dispatcher.
func NewDispatcher(store *Store, pay paygate.Gateway, sender Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, pay: pay, sender: sender, logger: logger}
}

// Dispatch executes every pending intent once. Success deletes the
// intent; failure increments its attempt count and retains it.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	intents, err := d.store.List(ctx)
	if err != nil {
		return err
	}

	for _, intent := range intents {
		if err := d.execute(ctx, intent); err != nil {
			metrics.OutboxDispatchesTotal.WithLabelValues(string(intent.Kind), "error").Inc()
			intent.Attempts++
			if putErr := d.store.put(ctx, intent); putErr != nil {
				d.logger.Warn("failed to record intent attempt", "intent_id", intent.ID, "error", putErr)
			}
			d.logger.Warn("outbox intent failed, will retry",
				"intent_id", intent.ID, "kind", intent.Kind,
				"order_id", intent.OrderID, "attempts", intent.Attempts, "error", err)
			continue
		}
		metrics.OutboxDispatchesTotal.WithLabelValues(string(intent.Kind), "ok").Inc()
		if err := d.store.Delete(ctx, intent.ID); err != nil {
			d.logger.Warn("failed to delete executed intent", "intent_id", intent.ID, "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, intent *Intent) error {
	switch intent.Kind {
	case KindCapture:
		return d.pay.TriggerCapture(ctx, intent.TaskID)
	case KindEmail:
		return d.sender.Send(ctx, intent.Recipient, intent.OrderID)
	default:
		// Unknown kinds are dropped, not retried forever.
		d.logger.Error("unknown outbox intent kind", "intent_id", intent.ID, "kind", intent.Kind)
		return nil
	}
}
