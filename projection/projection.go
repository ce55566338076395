package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"payout-sync/domain"
)

const (
	keyPrefix       = "payout"
	maxWatchRetries = 5
)

// ErrNotFound is returned by Get for subjects without a projection.
var ErrNotFound = errors.New("projection not found")

// Payout is the read-side view of a subject's payout status.
type Payout struct {
	SubjectID        string              `json:"subjectId"`
	AccountID        string              `json:"accountId"`
	Status           domain.PayoutStatus `json:"status"`
	PreviousStatus   domain.PayoutStatus `json:"previousStatus,omitempty"`
	ChargesEnabled   bool                `json:"chargesEnabled"`
	PayoutsEnabled   bool                `json:"payoutsEnabled"`
	DetailsSubmitted bool                `json:"detailsSubmitted"`
	Version          int64               `json:"version"`
	OccurredAt       time.Time           `json:"occurredAt"`
	ProjectedAt      time.Time           `json:"projectedAt"`
}

// Key returns the redis key holding the projection of subjectID.
func Key(subjectID string) string { return keyPrefix + ":" + subjectID }

// Projector folds status events into redis. A projection only moves forward:
// events at or below the stored version are ignored, so redelivered and
// re-published events leave it unchanged.
type Projector struct {
	redis   *redis.Client
	channel string
	now     func() time.Time
}

// NewProjector writes projections with rc and announces each change on
// channel when it is not empty.
func NewProjector(rc *redis.Client, channel string) *Projector {
	return &Projector{redis: rc, channel: channel, now: time.Now}
}

// Apply stores ev if it is newer than the current projection. It reports
// whether the projection changed.
func (p *Projector) Apply(ctx context.Context, ev domain.PayoutStatusChanged) (bool, error) {
	key := Key(ev.SubjectID)
	view := Payout{
		SubjectID:        ev.SubjectID,
		AccountID:        ev.AccountID,
		Status:           ev.Status,
		PreviousStatus:   ev.PreviousStatus,
		ChargesEnabled:   ev.ChargesEnabled,
		PayoutsEnabled:   ev.PayoutsEnabled,
		DetailsSubmitted: ev.DetailsSubmitted,
		Version:          ev.Version,
		OccurredAt:       ev.OccurredAt,
		ProjectedAt:      p.now().UTC(),
	}
	data, err := sonic.Marshal(view)
	if err != nil {
		return false, fmt.Errorf("%w: %w", domain.ErrSerialization, err)
	}

	applied := false
	txf := func(tx *redis.Tx) error {
		applied = false
		current, err := tx.HGet(ctx, key, "version").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil && current >= ev.Version {
			log.WithFields(log.Fields{"subject": ev.SubjectID, "version": ev.Version, "current": current}).Debug("projection already current")
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "version", ev.Version, "status", string(ev.Status), "data", string(data))
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err = p.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		if applied {
			p.notify(ctx, ev.SubjectID, data)
		}
		return applied, nil
	}
	return false, fmt.Errorf("projection of %s kept changing under watch", ev.SubjectID)
}

func (p *Projector) notify(ctx context.Context, subjectID string, data []byte) {
	if p.channel == "" {
		return
	}
	if err := p.redis.Publish(ctx, p.channel, data).Err(); err != nil {
		log.WithError(err).WithFields(log.Fields{"subject": subjectID, "channel": p.channel}).Error("unable to publish projection update")
	}
}

// Get reads the projection of subjectID.
func Get(ctx context.Context, rc *redis.Client, subjectID string) (Payout, error) {
	data, err := rc.HGet(ctx, Key(subjectID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return Payout{}, ErrNotFound
	}
	if err != nil {
		return Payout{}, err
	}
	var view Payout
	if err := sonic.Unmarshal(data, &view); err != nil {
		return Payout{}, fmt.Errorf("decode projection of %s: %w", subjectID, err)
	}
	return view, nil
}
