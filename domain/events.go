package domain

import "time"

// EventKind discriminates the closed set of events carried on the log.
type EventKind string

const (
	ProviderAccountUpdatedKind EventKind = "provider-account-updated"
	PayoutStatusChangedKind    EventKind = "payout-status-changed"
)

// Event is an immutable fact appended to the durable log.
type Event interface {
	Kind() EventKind
	Subject() string
	ID() string
	Time() time.Time
	event()
}

// ProviderAccountUpdated is the inbound fact reported by the payment provider
// for a developer's connected account. Sequence orders updates per subject.
type ProviderAccountUpdated struct {
	EventID    string        `json:"eventId"`
	SubjectID  string        `json:"subjectId"`
	Sequence   int64         `json:"sequence"`
	Update     AccountUpdate `json:"update"`
	OccurredAt time.Time     `json:"occurredAt"`
}

func (ProviderAccountUpdated) Kind() EventKind   { return ProviderAccountUpdatedKind }
func (e ProviderAccountUpdated) Subject() string { return e.SubjectID }
func (e ProviderAccountUpdated) ID() string      { return e.EventID }
func (e ProviderAccountUpdated) Time() time.Time { return e.OccurredAt }
func (ProviderAccountUpdated) event()            {}

// PayoutStatusChanged records the status decided by the reconciliation
// handler. Version is the record's status version and stays the same when the
// event is re-published, so consumers can drop duplicates.
type PayoutStatusChanged struct {
	EventID          string       `json:"eventId"`
	SubjectID        string       `json:"subjectId"`
	AccountID        string       `json:"accountId"`
	Status           PayoutStatus `json:"status"`
	PreviousStatus   PayoutStatus `json:"previousStatus,omitempty"`
	ChargesEnabled   bool         `json:"chargesEnabled"`
	PayoutsEnabled   bool         `json:"payoutsEnabled"`
	DetailsSubmitted bool         `json:"detailsSubmitted"`
	Version          int64        `json:"version"`
	OccurredAt       time.Time    `json:"occurredAt"`
}

func (PayoutStatusChanged) Kind() EventKind   { return PayoutStatusChangedKind }
func (e PayoutStatusChanged) Subject() string { return e.SubjectID }
func (e PayoutStatusChanged) ID() string      { return e.EventID }
func (e PayoutStatusChanged) Time() time.Time { return e.OccurredAt }
func (PayoutStatusChanged) event()            {}
