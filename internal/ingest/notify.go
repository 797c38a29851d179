package ingest

import (
	"github.com/matbakh/metrics-core/internal/models"
	"go.uber.org/zap"
)

// NotificationKind labels what was ingested.
type NotificationKind string

const (
	NotifyConversion    NotificationKind = "conversion"
	NotifyAIInteraction NotificationKind = "ai_interaction"
	NotifyOutcome       NotificationKind = "outcome"
)

// Notification is the event.ingested message delivered to downstream
// consumers after the durable write has been acknowledged.
type Notification struct {
	Kind        NotificationKind
	Conversion  *models.ConversionEvent
	Interaction *models.AIInteractionEvent
}

// Subscriber consumes ingest notifications. A subscriber failure is logged
// and never propagated to the submitting caller; the canonical write has
// already succeeded.
type Subscriber interface {
	Name() string
	OnIngest(n Notification)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc struct {
	SubName string
	Fn      func(n Notification)
}

func (s SubscriberFunc) Name() string { return s.SubName }
func (s SubscriberFunc) OnIngest(n Notification) { s.Fn(n) }

// Dispatcher fans ingest notifications out to registered subscribers in
// registration order, synchronously. Explicit registration keeps ordering
// and failure semantics visible instead of hiding them behind listener
// magic.
type Dispatcher struct {
	subscribers []Subscriber
	logger      *zap.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{logger: logger}
}

// Subscribe registers a consumer. Not safe for concurrent use with Publish;
// registration happens during wiring, before the server accepts traffic.
func (d *Dispatcher) Subscribe(s Subscriber) {
	d.subscribers = append(d.subscribers, s)
}

// Publish delivers the notification to every subscriber. Panics in a
// subscriber are contained so one misbehaving consumer cannot take down
// ingestion.
func (d *Dispatcher) Publish(n Notification) {
	for _, s := range d.subscribers {
		d.deliver(s, n)
	}
}

func (d *Dispatcher) deliver(s Subscriber, n Notification) {
	defer func() {
		if err := recover(); err != nil {
			d.logger.Error("ingest subscriber panicked",
				zap.String("subscriber", s.Name()),
				zap.String("kind", string(n.Kind)),
				zap.Any("error", err),
			)
		}
	}()
	s.OnIngest(n)
}
