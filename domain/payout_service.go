package domain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// PayoutStore is the authoritative write-side store.
type PayoutStore interface {
	// Load returns the record and its version marker, or ErrEntityNotFound.
	Load(ctx context.Context, subjectID string) (PayoutRecord, int64, error)
	// Commit persists rec if the stored version still equals expectedVersion
	// (0 creates the record) and returns ErrVersionConflict otherwise.
	Commit(ctx context.Context, rec PayoutRecord, expectedVersion int64) error
	// ListPendingPublish returns records whose status change is not yet published.
	ListPendingPublish(ctx context.Context, limit int) ([]PayoutRecord, error)
}

// Publisher appends an event to a topic of the durable log.
type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

var eventNamespace = uuid.MustParse("8f3a1c52-6f0e-4c1b-9a57-2d4e8b0c7a19")

// StatusEventID derives the id of the status event for a subject's status
// version; re-publishing the same version yields the same id.
func StatusEventID(subjectID string, statusVersion int64) string {
	return uuid.NewSHA1(eventNamespace, []byte(subjectID+"/"+strconv.FormatInt(statusVersion, 10))).String()
}

// PayoutService is the transition function for payout onboarding state. It
// is the only writer of PayoutRecord and publishes a PayoutStatusChanged
// event after each committed status change.
type PayoutService struct {
	store          PayoutStore
	pub            Publisher
	topic          string
	storeTimeout   time.Duration
	publishTimeout time.Duration
	now            func() time.Time
}

// ServiceOption configures a PayoutService.
type ServiceOption func(*PayoutService)

// WithTimeouts bounds every store and publish call.
func WithTimeouts(store, publish time.Duration) ServiceOption {
	return func(s *PayoutService) {
		s.storeTimeout = store
		s.publishTimeout = publish
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *PayoutService) { s.now = now }
}

func NewPayoutService(store PayoutStore, pub Publisher, topic string, opts ...ServiceOption) *PayoutService {
	s := &PayoutService{store: store, pub: pub, topic: topic, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a Pending record for the subject. Registering an existing
// subject returns its current state unchanged.
func (s *PayoutService) Register(ctx context.Context, cmd RegisterPayoutAccount) (Result, error) {
	rec, _, err := s.load(ctx, cmd.SubjectID)
	switch {
	case err == nil:
		log.WithFields(log.Fields{"subject": cmd.SubjectID, "status": rec.Status}).Debug("payout account already registered")
		return s.flushPending(ctx, rec)
	case !errors.Is(err, ErrEntityNotFound):
		return Result{SubjectID: cmd.SubjectID}, err
	}

	rec = PayoutRecord{
		SubjectID:     cmd.SubjectID,
		AccountID:     cmd.AccountID,
		Status:        StatusPending,
		Version:       1,
		StatusVersion: 1,
		UpdatedAt:     s.now().UTC(),
	}
	if err := s.commit(ctx, rec, 0); err != nil {
		return Result{SubjectID: cmd.SubjectID}, err
	}
	return s.publish(ctx, rec, true)
}

// ApplyUpdate reconciles a provider account update. Updates whose sequence is
// at or below the record's marker are stale and leave state untouched; an
// update without a positive sequence cannot be ordered and is rejected.
func (s *PayoutService) ApplyUpdate(ctx context.Context, subjectID string, seq int64, u AccountUpdate) (Result, error) {
	if seq <= 0 {
		return Result{SubjectID: subjectID}, fmt.Errorf("%w: account update for %s has sequence %d", ErrValidation, subjectID, seq)
	}
	rec, version, err := s.load(ctx, subjectID)
	if err != nil {
		return Result{SubjectID: subjectID}, err
	}
	if seq <= rec.LastEventSeq {
		log.WithFields(log.Fields{"subject": subjectID, "seq": seq, "current": rec.LastEventSeq}).Debug("stale account update")
		return s.flushPending(ctx, rec)
	}
	status, err := Decide(rec.Status, u)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"subject": subjectID, "seq": seq, "status": rec.Status}).Error("account update rejected")
		return resultOf(rec, false, false), err
	}
	return s.transition(ctx, rec, version, applyUpdate(rec, status, u, seq))
}

// Reconcile recomputes the subject's status from its stored capabilities and
// publishes any committed status change that never reached the log. Running
// it repeatedly is safe.
func (s *PayoutService) Reconcile(ctx context.Context, subjectID string) (Result, error) {
	rec, version, err := s.load(ctx, subjectID)
	if err != nil {
		return Result{SubjectID: subjectID}, err
	}
	status, err := Decide(rec.Status, rec.Flags())
	if err != nil {
		return resultOf(rec, false, false), err
	}
	return s.transition(ctx, rec, version, applyUpdate(rec, status, rec.Flags(), 0))
}

func (s *PayoutService) transition(ctx context.Context, rec PayoutRecord, version int64, next PayoutRecord) (Result, error) {
	if sameState(rec, next) {
		return s.flushPending(ctx, rec)
	}
	changed := next.Status != rec.Status
	next.Version = version + 1
	next.UpdatedAt = s.now().UTC()
	if changed {
		next.StatusVersion = next.Version
	}
	if err := s.commit(ctx, next, version); err != nil {
		return resultOf(rec, false, false), err
	}
	log.WithFields(log.Fields{"subject": next.SubjectID, "from": rec.Status, "to": next.Status, "version": next.Version}).Info("payout record committed")
	if !next.PublishPending() {
		return resultOf(next, changed, false), nil
	}
	return s.publish(ctx, next, changed)
}

func (s *PayoutService) flushPending(ctx context.Context, rec PayoutRecord) (Result, error) {
	if !rec.PublishPending() {
		return resultOf(rec, false, false), nil
	}
	log.WithFields(log.Fields{"subject": rec.SubjectID, "statusVersion": rec.StatusVersion, "published": rec.PublishedVersion}).Info("re-publishing committed status change")
	return s.publish(ctx, rec, false)
}

// publish appends the status event for rec, then records the publication.
// The record is already committed; a failed publish leaves it pending.
func (s *PayoutService) publish(ctx context.Context, rec PayoutRecord, changed bool) (Result, error) {
	ev := rec.StatusEvent(StatusEventID(rec.SubjectID, rec.StatusVersion))
	pctx, cancel := withTimeout(ctx, s.publishTimeout)
	err := s.pub.Publish(pctx, s.topic, ev)
	cancel()
	if err != nil {
		err = timeoutAs(err, ErrPublishUnavailable)
		log.WithError(err).WithFields(log.Fields{"subject": rec.SubjectID, "status": rec.Status, "version": rec.StatusVersion}).Warn("status event not published")
		return resultOf(rec, changed, false), err
	}

	marked := rec
	marked.PublishedVersion = rec.StatusVersion
	marked.Version = rec.Version + 1
	if err := s.commit(ctx, marked, rec.Version); err != nil {
		// the event is on the log; the sweep may publish it once more
		log.WithError(err).WithField("subject", rec.SubjectID).Warn("unable to record status publication")
		return resultOf(rec, changed, true), nil
	}
	return resultOf(marked, changed, true), nil
}

func (s *PayoutService) load(ctx context.Context, subjectID string) (PayoutRecord, int64, error) {
	ctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	rec, version, err := s.store.Load(ctx, subjectID)
	return rec, version, timeoutAs(err, ErrStoreUnavailable)
}

func (s *PayoutService) commit(ctx context.Context, rec PayoutRecord, expected int64) error {
	ctx, cancel := withTimeout(ctx, s.storeTimeout)
	defer cancel()
	return timeoutAs(s.store.Commit(ctx, rec, expected), ErrStoreUnavailable)
}

func resultOf(rec PayoutRecord, changed, published bool) Result {
	return Result{
		SubjectID: rec.SubjectID,
		Status:    rec.Status,
		Version:   rec.Version,
		Changed:   changed,
		Published: published,
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// timeoutAs reports a deadline expiry as the given retryable failure kind.
func timeoutAs(err, kind error) error {
	if err == nil || errors.Is(err, kind) || !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
