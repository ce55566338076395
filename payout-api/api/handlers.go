package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"payout-sync/domain"
	"payout-sync/projection"
)

const (
	// MaxBodySize bounds decoded request bodies.
	MaxBodySize          = 64 << 10
	headerIdempotencyKey = "Idempotency-Key"
)

type registerRequest struct {
	SubjectID string `json:"subjectId"`
	AccountID string `json:"accountId"`
}

type accountUpdateRequest struct {
	Sequence int64                `json:"sequence"`
	Update   domain.AccountUpdate `json:"update"`
}

type providerEventRequest struct {
	EventID    string               `json:"eventId"`
	SubjectID  string               `json:"subjectId"`
	Sequence   int64                `json:"sequence"`
	Update     domain.AccountUpdate `json:"update"`
	OccurredAt time.Time            `json:"occurredAt"`
}

type providerEventResponse struct {
	EventID string `json:"eventId"`
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps, logger *log.Logger) {
	e.POST("/api/payouts", postPayout(deps, logger))
	e.GET("/api/payouts/:subject", getPayout(deps, logger))
	e.POST("/api/payouts/:subject/reconcile", postReconcile(deps, logger))
	e.POST("/api/payouts/:subject/account-updates", postAccountUpdate(deps, logger))
	e.POST("/api/provider/events", postProviderEvent(deps, logger))
	if deps.Broker != nil {
		e.GET("/api/payouts/:subject/stream", streamPayout(deps))
	}
}

func postPayout(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/payouts")
		defer func() { m.Log(c.Response().Status, err) }()

		p, ok, err := authenticate(c, deps.Auth, m)
		if !ok {
			return err
		}
		var req registerRequest
		if derr := decodeBody(c, &req); derr != nil {
			return rejectBody(c, m, derr)
		}
		if req.SubjectID == "" {
			req.SubjectID = p.UserID
		}
		if ok, err := requireOwner(c, p, req.SubjectID, m); !ok {
			return err
		}
		if strings.TrimSpace(req.AccountID) == "" {
			m.SetErrorStage("validate")
			return c.String(http.StatusBadRequest, "accountId is required")
		}
		return runCommand(c, deps, m, p.UserID, domain.RegisterPayoutAccount{SubjectID: req.SubjectID, AccountID: req.AccountID})
	}
}

func postReconcile(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/payouts/:subject/reconcile")
		defer func() { m.Log(c.Response().Status, err) }()

		p, ok, err := authenticate(c, deps.Auth, m)
		if !ok {
			return err
		}
		subject := c.Param("subject")
		if ok, err := requireOwner(c, p, subject, m); !ok {
			return err
		}
		return runCommand(c, deps, m, p.UserID, domain.ReconcilePayoutStatus{SubjectID: subject})
	}
}

// postAccountUpdate applies a provider snapshot synchronously. Only callers
// holding the provider scope may assert provider facts.
func postAccountUpdate(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/payouts/:subject/account-updates")
		defer func() { m.Log(c.Response().Status, err) }()

		p, ok, err := authenticate(c, deps.Auth, m)
		if !ok {
			return err
		}
		if ok, err := requireProvider(c, deps, p, m); !ok {
			return err
		}
		var req accountUpdateRequest
		if derr := decodeBody(c, &req); derr != nil {
			return rejectBody(c, m, derr)
		}
		if req.Sequence <= 0 {
			m.SetErrorStage("validate")
			return c.String(http.StatusBadRequest, "sequence must be positive")
		}
		return runCommand(c, deps, m, p.UserID, domain.ProcessAccountUpdate{
			SubjectID: c.Param("subject"),
			Sequence:  req.Sequence,
			Update:    req.Update,
		})
	}
}

// postProviderEvent appends a provider account update to the inbound topic.
// The worker applies it asynchronously.
func postProviderEvent(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/provider/events")
		defer func() { m.Log(c.Response().Status, err) }()

		p, ok, err := authenticate(c, deps.Auth, m)
		if !ok {
			return err
		}
		if ok, err := requireProvider(c, deps, p, m); !ok {
			return err
		}
		var req providerEventRequest
		if derr := decodeBody(c, &req); derr != nil {
			return rejectBody(c, m, derr)
		}
		if req.SubjectID == "" || req.Sequence <= 0 {
			m.SetErrorStage("validate")
			return c.String(http.StatusBadRequest, "subjectId and a positive sequence are required")
		}
		m.SetSubject(req.SubjectID)
		ev := domain.ProviderAccountUpdated{
			EventID:    req.EventID,
			SubjectID:  req.SubjectID,
			Sequence:   req.Sequence,
			Update:     req.Update,
			OccurredAt: req.OccurredAt,
		}
		if ev.EventID == "" {
			ev.EventID = uuid.NewString()
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}

		ctx := c.Request().Context()
		key, status := reserveKey(c, deps, m, p.UserID)
		if status != 0 {
			return c.String(status, http.StatusText(status))
		}
		if perr := deps.Publisher.Publish(ctx, deps.ProviderTopic, ev); perr != nil {
			releaseKey(ctx, deps, p.UserID, key)
			m.SetErrorStage("publish")
			return c.String(statusFor(perr), perr.Error())
		}
		return c.JSON(http.StatusAccepted, providerEventResponse{EventID: ev.EventID})
	}
}

func getPayout(deps Deps, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		m := newRequestMetrics(logger, "/api/payouts/:subject")
		defer func() { m.Log(c.Response().Status, err) }()

		p, ok, err := authenticate(c, deps.Auth, m)
		if !ok {
			return err
		}
		subject := c.Param("subject")
		m.SetSubject(subject)
		if ok, err := requireOwner(c, p, subject, m); !ok {
			return err
		}
		view, gerr := deps.Projections.Get(c.Request().Context(), subject)
		switch {
		case errors.Is(gerr, projection.ErrNotFound):
			return c.String(http.StatusNotFound, "payout not found")
		case gerr != nil:
			m.SetErrorStage("projection")
			return c.String(http.StatusServiceUnavailable, gerr.Error())
		}
		return c.JSON(http.StatusOK, view)
	}
}

// authenticate resolves the caller. When ok is false the response has been
// written and err is the result of writing it.
func authenticate(c echo.Context, auth Authenticator, m *requestMetrics) (p Principal, ok bool, err error) {
	start := time.Now()
	p, aerr := auth.Authenticate(c.Request().Header.Get(echo.HeaderAuthorization))
	m.ObserveAuth(time.Since(start))
	if aerr != nil {
		m.SetErrorStage("auth")
		return Principal{}, false, c.String(http.StatusUnauthorized, aerr.Error())
	}
	return p, true, nil
}

// requireOwner restricts developer routes to the caller's own subject.
func requireOwner(c echo.Context, p Principal, subject string, m *requestMetrics) (bool, error) {
	if subject == p.UserID {
		return true, nil
	}
	m.SetErrorStage("forbidden")
	return false, c.String(http.StatusForbidden, "subject does not belong to caller")
}

func requireProvider(c echo.Context, deps Deps, p Principal, m *requestMetrics) (bool, error) {
	if p.HasScope(providerScope(deps)) {
		return true, nil
	}
	m.SetErrorStage("forbidden")
	return false, c.String(http.StatusForbidden, "provider scope required")
}

func providerScope(deps Deps) string {
	if deps.ProviderScope == "" {
		return DefaultProviderScope
	}
	return deps.ProviderScope
}

func decodeBody(c echo.Context, v any) error {
	data, err := io.ReadAll(http.MaxBytesReader(c.Response(), c.Request().Body, MaxBodySize))
	if err != nil {
		return err
	}
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func rejectBody(c echo.Context, m *requestMetrics, err error) error {
	m.SetErrorStage("decode")
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return c.String(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return c.String(http.StatusBadRequest, "invalid body")
}

func runCommand(c echo.Context, deps Deps, m *requestMetrics, userID string, cmd domain.Command) error {
	m.SetSubject(cmd.Subject())
	if cmd.Subject() == "" {
		m.SetErrorStage("validate")
		return c.String(http.StatusBadRequest, "subject is required")
	}
	ctx := c.Request().Context()
	key, status := reserveKey(c, deps, m, userID)
	if status != 0 {
		return c.String(status, http.StatusText(status))
	}

	start := time.Now()
	res, attempts, err := dispatchWithRetry(ctx, deps.Dispatcher, cmd, deps.ConflictRetries)
	m.ObserveDispatch(time.Since(start), attempts)
	if err != nil {
		releaseKey(ctx, deps, userID, key)
		m.SetErrorStage("dispatch")
		return c.String(statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// dispatchWithRetry re-dispatches cmd after version conflicts. The handler
// reloads the record on every attempt.
func dispatchWithRetry(ctx context.Context, d CommandDispatcher, cmd domain.Command, retries int) (domain.Result, int, error) {
	attempts := 0
	for {
		attempts++
		res, err := d.Dispatch(ctx, cmd)
		if err == nil || !errors.Is(err, domain.ErrVersionConflict) || attempts > retries || ctx.Err() != nil {
			return res, attempts, err
		}
	}
}

// reserveKey records the request's idempotency key. A non-zero status means
// the request must not proceed.
func reserveKey(c echo.Context, deps Deps, m *requestMetrics, userID string) (string, int) {
	key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
	if key == "" || deps.Deduper == nil {
		return "", 0
	}
	added, err := deps.Deduper.Add(c.Request().Context(), userID, key)
	if err != nil {
		m.SetErrorStage("dedupe")
		return "", http.StatusServiceUnavailable
	}
	if !added {
		m.SetErrorStage("duplicate")
		return "", http.StatusConflict
	}
	return key, 0
}

// releaseKey forgets a reserved key after a failure so the caller may retry.
func releaseKey(ctx context.Context, deps Deps, userID, key string) {
	if key == "" {
		return
	}
	if err := deps.Deduper.Remove(context.WithoutCancel(ctx), userID, key); err != nil {
		log.WithError(err).WithField("key", key).Warn("unable to release idempotency key")
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNoHandlerRegistered), errors.Is(err, context.Canceled):
		return http.StatusInternalServerError
	case domain.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
