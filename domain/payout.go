package domain

import (
	"fmt"
	"time"
)

// PayoutStatus is the onboarding/payout state of a developer account.
type PayoutStatus string

const (
	StatusPending    PayoutStatus = "Pending"
	StatusOnboarding PayoutStatus = "Onboarding"
	StatusActive     PayoutStatus = "Active"
	StatusRestricted PayoutStatus = "Restricted"
	StatusRejected   PayoutStatus = "Rejected"
)

// Valid reports whether s is one of the known statuses.
func (s PayoutStatus) Valid() bool {
	switch s {
	case StatusPending, StatusOnboarding, StatusActive, StatusRestricted, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s PayoutStatus) Terminal() bool { return s == StatusRejected }

// AccountUpdate carries the provider-reported capabilities of an account.
type AccountUpdate struct {
	AccountID        string `json:"accountId,omitempty"`
	ChargesEnabled   bool   `json:"chargesEnabled"`
	PayoutsEnabled   bool   `json:"payoutsEnabled"`
	DetailsSubmitted bool   `json:"detailsSubmitted"`
	Restricted       bool   `json:"restricted,omitempty"`
	Rejected         bool   `json:"rejected,omitempty"`
}

func (u AccountUpdate) fullyEnabled() bool {
	return u.ChargesEnabled && u.PayoutsEnabled && u.DetailsSubmitted
}

func (u AccountUpdate) anyEnabled() bool {
	return u.ChargesEnabled || u.PayoutsEnabled || u.DetailsSubmitted
}

// PayoutRecord is the authoritative write-side state for a subject.
//
// Version is bumped by every commit and guards optimistic concurrency.
// LastEventSeq is the highest provider sequence applied. A status change
// committed at StatusVersion is published once PublishedVersion catches up.
type PayoutRecord struct {
	SubjectID        string       `json:"subjectId"`
	AccountID        string       `json:"accountId"`
	Status           PayoutStatus `json:"status"`
	ChargesEnabled   bool         `json:"chargesEnabled"`
	PayoutsEnabled   bool         `json:"payoutsEnabled"`
	DetailsSubmitted bool         `json:"detailsSubmitted"`
	Restricted       bool         `json:"restricted"`
	PreviousStatus   PayoutStatus `json:"previousStatus,omitempty"`
	LastEventSeq     int64        `json:"lastEventSeq"`
	Version          int64        `json:"version"`
	StatusVersion    int64        `json:"statusVersion"`
	PublishedVersion int64        `json:"publishedVersion"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// PublishPending reports whether a committed status change still lacks its event.
func (r PayoutRecord) PublishPending() bool { return r.PublishedVersion < r.StatusVersion }

// Flags returns the stored capabilities as an update.
func (r PayoutRecord) Flags() AccountUpdate {
	return AccountUpdate{
		AccountID:        r.AccountID,
		ChargesEnabled:   r.ChargesEnabled,
		PayoutsEnabled:   r.PayoutsEnabled,
		DetailsSubmitted: r.DetailsSubmitted,
		Restricted:       r.Restricted,
		Rejected:         r.Status == StatusRejected,
	}
}

// StatusEvent describes the record's current status as a log event.
func (r PayoutRecord) StatusEvent(id string) PayoutStatusChanged {
	return PayoutStatusChanged{
		EventID:          id,
		SubjectID:        r.SubjectID,
		AccountID:        r.AccountID,
		Status:           r.Status,
		PreviousStatus:   r.PreviousStatus,
		ChargesEnabled:   r.ChargesEnabled,
		PayoutsEnabled:   r.PayoutsEnabled,
		DetailsSubmitted: r.DetailsSubmitted,
		Version:          r.StatusVersion,
		OccurredAt:       r.UpdatedAt,
	}
}

// Decide computes the next status from the current one and a provider
// update. Precedence is Rejected, Restricted, Active, Onboarding, Pending.
// Rejected is terminal; any update that is not itself a rejection fails
// with ErrInvalidTransition.
func Decide(current PayoutStatus, u AccountUpdate) (PayoutStatus, error) {
	if current.Terminal() {
		if u.Rejected {
			return StatusRejected, nil
		}
		return current, fmt.Errorf("%w: update after %s", ErrInvalidTransition, current)
	}
	switch {
	case u.Rejected:
		return StatusRejected, nil
	case u.Restricted:
		return StatusRestricted, nil
	case u.fullyEnabled():
		return StatusActive, nil
	case current == StatusActive || current == StatusRestricted:
		// capabilities lost after activation keep the account restricted
		return StatusRestricted, nil
	case u.anyEnabled() || current == StatusOnboarding:
		return StatusOnboarding, nil
	default:
		return StatusPending, nil
	}
}

// applyUpdate returns rec with the update's fields and status folded in.
func applyUpdate(rec PayoutRecord, status PayoutStatus, u AccountUpdate, seq int64) PayoutRecord {
	next := rec
	if u.AccountID != "" {
		next.AccountID = u.AccountID
	}
	next.ChargesEnabled = u.ChargesEnabled
	next.PayoutsEnabled = u.PayoutsEnabled
	next.DetailsSubmitted = u.DetailsSubmitted
	next.Restricted = u.Restricted
	if status != rec.Status {
		next.PreviousStatus = rec.Status
	}
	next.Status = status
	if seq > next.LastEventSeq {
		next.LastEventSeq = seq
	}
	return next
}

func sameState(a, b PayoutRecord) bool {
	return a.AccountID == b.AccountID &&
		a.Status == b.Status &&
		a.ChargesEnabled == b.ChargesEnabled &&
		a.PayoutsEnabled == b.PayoutsEnabled &&
		a.DetailsSubmitted == b.DetailsSubmitted &&
		a.Restricted == b.Restricted &&
		a.LastEventSeq == b.LastEventSeq
}
