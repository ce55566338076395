package api

import (
	"context"

	"payout-sync/domain"
	"payout-sync/projection"
)

// CommandDispatcher routes a command to its handler.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd domain.Command) (domain.Result, error)
}

// EventPublisher appends inbound provider facts to the durable log.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, ev domain.Event) error
}

// DefaultProviderScope is the scope a token needs to assert provider account
// facts.
const DefaultProviderScope = "payouts:provider"

// Principal is the verified caller of a request.
type Principal struct {
	UserID string
	Scopes []string
}

// HasScope reports whether the token granted scope.
func (p Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authenticator is implemented by types able to verify an Authorization header.
type Authenticator interface {
	Authenticate(authHeader string) (Principal, error)
}

// Deduper reserves a caller's Idempotency-Key so a repeated payout command or
// provider event submission is refused instead of dispatched twice.
type Deduper interface {
	Add(ctx context.Context, callerID, requestKey string) (bool, error)
	Remove(ctx context.Context, callerID, requestKey string) error
}

// ProjectionReader serves the read-side view of a subject.
type ProjectionReader interface {
	Get(ctx context.Context, subjectID string) (projection.Payout, error)
}

// ProjectionFunc adapts a function to ProjectionReader.
type ProjectionFunc func(ctx context.Context, subjectID string) (projection.Payout, error)

func (f ProjectionFunc) Get(ctx context.Context, subjectID string) (projection.Payout, error) {
	return f(ctx, subjectID)
}

// Deps are the collaborators of the HTTP adapter.
type Deps struct {
	Dispatcher  CommandDispatcher
	Publisher   EventPublisher
	Auth        Authenticator
	Deduper     Deduper
	Projections ProjectionReader
	// Broker enables the status stream when set.
	Broker        *StatusBroker
	ProviderTopic string
	// ProviderScope guards the routes asserting provider facts; empty means
	// DefaultProviderScope.
	ProviderScope string
	// ConflictRetries bounds how often a command is re-dispatched after a
	// version conflict.
	ConflictRetries int
}
