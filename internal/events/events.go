// Package events carries domain notifications to external consumers.
// Delivery is fire-and-forget and happens only after the owning
// transaction has committed.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/rideshare-core/internal/observability"
)

type Type string

const (
	BidAccepted         Type = "bid.accepted"
	RideAccepted        Type = "ride.accepted"
	RideDriverArrived   Type = "ride.driver_arrived"
	RideStarted         Type = "ride.started"
	RideCompleted       Type = "ride.completed"
	RideCancelled       Type = "ride.cancelled"
	RideNoShow          Type = "ride.no_show"
	RideLegUpdated      Type = "ride.leg_updated"
	RideLegWithdrawn    Type = "ride.leg_withdrawn"
	PaymentProcessed    Type = "payment.processed"
	PaymentTipProcessed Type = "payment.tip.processed"
	VoucherRedeemed     Type = "promotion.voucher.redeemed"
)

type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state,omitempty"`
	Recipients []string       `json:"recipients,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

func New(t Type, entityID, state string, recipients ...string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		EntityID:   entityID,
		State:      state,
		Recipients: recipients,
		OccurredAt: time.Now().UTC(),
	}
}

// With returns a copy of e carrying an extra payload field.
func (e Event) With(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to the structured log.
type LogSink struct {
	Logger *zap.Logger
}

func (l LogSink) Publish(_ context.Context, e Event) error {
	l.Logger.Info("domain event",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("entity_id", e.EntityID),
		zap.String("state", e.State),
		zap.Strings("recipients", e.Recipients),
	)
	return nil
}

// Emitter publishes post-commit events without ever failing the caller.
type Emitter struct {
	pub     Publisher
	logger  *zap.Logger
	timeout time.Duration
}

func NewEmitter(pub Publisher, logger *zap.Logger, timeout time.Duration) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Emitter{pub: pub, logger: logger, timeout: timeout}
}

// Emit publishes each event; failures are logged and counted only.
func (em *Emitter) Emit(ctx context.Context, evs ...Event) {
	if em == nil || em.pub == nil {
		return
	}
	for _, e := range evs {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), em.timeout)
		err := em.pub.Publish(pctx, e)
		cancel()
		if err != nil {
			observability.EventsPublished.WithLabelValues(string(e.Type), "error").Inc()
			em.logger.Warn("event publish failed",
				zap.String("type", string(e.Type)),
				zap.String("entity_id", e.EntityID),
				zap.Error(err),
			)
			continue
		}
		observability.EventsPublished.WithLabelValues(string(e.Type), "ok").Inc()
	}
}

// Recorder keeps published events in memory; used by tests and local runs.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder { return &Recorder{ch: make(chan Event, size)} }

func (r *Recorder) Publish(_ context.Context, e Event) error {
	select {
	case r.ch <- e:
		return nil
	default:
		return errors.New("recorder full")
	}
}

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
