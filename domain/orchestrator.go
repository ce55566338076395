package domain

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// EventHandler reacts to one event kind.
type EventHandler func(ctx context.Context, ev Event) error

// Orchestrator routes events to the handler registered for their kind.
type Orchestrator struct {
	handlers map[EventKind]EventHandler
}

func NewOrchestrator() *Orchestrator {
	return &Orchestrator{handlers: make(map[EventKind]EventHandler)}
}

// On registers fn for the event type E, replacing any previous handler.
func On[E Event](o *Orchestrator, fn func(ctx context.Context, ev E) error) {
	var zero E
	o.handlers[zero.Kind()] = func(ctx context.Context, ev Event) error {
		e, ok := ev.(E)
		if !ok {
			return ErrMalformedEvent
		}
		return fn(ctx, e)
	}
}

// Apply delegates event handling to the registered handler. Kinds without a
// handler belong to other consumers of the topic and are ignored.
func (o *Orchestrator) Apply(ctx context.Context, ev Event) error {
	h, ok := o.handlers[ev.Kind()]
	if !ok {
		log.WithFields(log.Fields{"kind": ev.Kind(), "subject": ev.Subject()}).Debug("no handler for event kind")
		return nil
	}
	return h(ctx, ev)
}

// NewReconcileOrchestrator routes inbound provider events to s.
func NewReconcileOrchestrator(s *PayoutService) *Orchestrator {
	o := NewOrchestrator()
	On(o, func(ctx context.Context, ev ProviderAccountUpdated) error {
		_, err := s.ApplyUpdate(ctx, ev.SubjectID, ev.Sequence, ev.Update)
		return err
	})
	return o
}
