package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "payout-sync/domain"

// CommandHandler executes one command kind and returns its result.
type CommandHandler func(ctx context.Context, cmd Command) (Result, error)

// Dispatcher routes each command to the single handler registered for its
// kind. The kind-to-handler table is built at startup and read-only after.
type Dispatcher struct {
	handlers map[CommandKind]CommandHandler
	tracer   trace.Tracer
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[CommandKind]CommandHandler),
		tracer:   otel.Tracer(tracerName),
	}
}

// Register adds the handler for kind. A kind can be registered once.
func (d *Dispatcher) Register(kind CommandKind, h CommandHandler) error {
	if h == nil {
		return fmt.Errorf("handler for %s is nil", kind)
	}
	if _, ok := d.handlers[kind]; ok {
		return fmt.Errorf("handler for %s already registered", kind)
	}
	d.handlers[kind] = h
	return nil
}

// Handle registers fn for the command type C.
func Handle[C Command](d *Dispatcher, fn func(ctx context.Context, cmd C) (Result, error)) error {
	var zero C
	kind := zero.Kind()
	return d.Register(kind, func(ctx context.Context, cmd Command) (Result, error) {
		c, ok := cmd.(C)
		if !ok {
			return Result{}, fmt.Errorf("%w: %T is not a %s command", ErrValidation, cmd, kind)
		}
		return fn(ctx, c)
	})
}

// Require fails with ErrNoHandlerRegistered when any of kinds lacks a handler.
// It is meant to run once at startup.
func (d *Dispatcher) Require(kinds ...CommandKind) error {
	var missing []string
	for _, kind := range kinds {
		if _, ok := d.handlers[kind]; !ok {
			missing = append(missing, string(kind))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrNoHandlerRegistered, strings.Join(missing, ", "))
	}
	return nil
}

// Dispatch invokes the handler for cmd exactly once and returns its result.
// Handler failures are returned unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	if cmd == nil {
		return Result{}, fmt.Errorf("%w: nil command", ErrValidation)
	}
	h, ok := d.handlers[cmd.Kind()]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoHandlerRegistered, cmd.Kind())
	}

	ctx, span := d.tracer.Start(ctx, "dispatch "+string(cmd.Kind()), trace.WithAttributes(
		attribute.String("payout.command", string(cmd.Kind())),
		attribute.String("payout.subject", cmd.Subject()),
	))
	defer span.End()

	res, err := h(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.String("payout.status", string(res.Status)),
		attribute.Bool("payout.published", res.Published),
	)
	return res, nil
}

// RegisterPayoutHandlers binds every payout command kind to s.
func RegisterPayoutHandlers(d *Dispatcher, s *PayoutService) error {
	return errors.Join(
		Handle(d, s.Register),
		Handle(d, func(ctx context.Context, cmd ProcessAccountUpdate) (Result, error) {
			return s.ApplyUpdate(ctx, cmd.SubjectID, cmd.Sequence, cmd.Update)
		}),
		Handle(d, func(ctx context.Context, cmd ReconcilePayoutStatus) (Result, error) {
			return s.Reconcile(ctx, cmd.SubjectID)
		}),
	)
}
