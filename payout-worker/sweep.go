package main

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	log "github.com/sirupsen/logrus"

	"payout-sync/domain"
)

type pendingLister interface {
	ListPendingPublish(ctx context.Context, limit int) ([]domain.PayoutRecord, error)
}

type commandDispatcher interface {
	Dispatch(ctx context.Context, cmd domain.Command) (domain.Result, error)
}

// sweeper re-publishes committed status changes whose publish failed. Each
// subject is reconciled under a redis lock so concurrent sweepers in other
// worker processes skip it.
type sweeper struct {
	store      pendingLister
	dispatcher commandDispatcher
	locks      *redsync.Redsync
	batch      int
	interval   time.Duration
	lockTTL    time.Duration
}

func (s *sweeper) run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.sweepOnce(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("sweep failed")
			}
		}
	}
}

// sweepOnce reconciles one batch of pending records and returns how many
// events it published.
func (s *sweeper) sweepOnce(ctx context.Context) (int, error) {
	recs, err := s.store.ListPendingPublish(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	if len(recs) > 0 {
		log.WithField("pending", len(recs)).Info("sweeping unpublished status changes")
	}
	published := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		ok, err := s.reconcile(ctx, rec.SubjectID)
		if err != nil {
			log.WithError(err).WithField("subject", rec.SubjectID).Warn("sweep reconcile failed")
			continue
		}
		if ok {
			published++
		}
	}
	return published, nil
}

func (s *sweeper) reconcile(ctx context.Context, subjectID string) (bool, error) {
	if s.locks != nil {
		ttl := s.lockTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		mutex := s.locks.NewMutex("payout-sweep:"+subjectID, redsync.WithExpiry(ttl), redsync.WithTries(1))
		if err := mutex.LockContext(ctx); err != nil {
			var taken *redsync.ErrTaken
			if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
				log.WithField("subject", subjectID).Debug("subject locked by another sweeper")
				return false, nil
			}
			return false, err
		}
		defer func() {
			if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).WithField("subject", subjectID).Warn("unable to release sweep lock")
			}
		}()
	}
	res, err := s.dispatcher.Dispatch(ctx, domain.ReconcilePayoutStatus{SubjectID: subjectID})
	if err != nil {
		return false, err
	}
	log.WithFields(log.Fields{"subject": subjectID, "status": res.Status, "published": res.Published}).Info("subject reconciled by sweep")
	return res.Published, nil
}
