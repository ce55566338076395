package eventlog

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"payout-sync/domain"
)

// ErrUnknownKind marks a well-formed envelope carrying a kind this build does
// not know. Such entries belong to other producers on the topic.
var ErrUnknownKind = errors.New("unknown event kind")

// Envelope is the wire form of every event on the log.
type Envelope struct {
	ID         string                 `json:"id"`
	Kind       domain.EventKind       `json:"kind"`
	SubjectID  string                 `json:"subjectId"`
	OccurredAt time.Time              `json:"occurredAt"`
	Data       sonic.NoCopyRawMessage `json:"data"`
}

// Encode serializes ev into its envelope.
func Encode(ev domain.Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", domain.ErrSerialization)
	}
	data, err := sonic.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrSerialization, ev.Kind(), err)
	}
	payload, err := sonic.Marshal(Envelope{
		ID:         ev.ID(),
		Kind:       ev.Kind(),
		SubjectID:  ev.Subject(),
		OccurredAt: ev.Time().UTC(),
		Data:       data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrSerialization, ev.Kind(), err)
	}
	return payload, nil
}

// Decode parses an envelope and its kind-specific payload.
func Decode(payload []byte) (domain.Event, error) {
	var env Envelope
	if err := sonic.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedEvent, err)
	}
	if env.Kind == "" || env.SubjectID == "" {
		return nil, fmt.Errorf("%w: missing kind or subject", domain.ErrMalformedEvent)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: %s without data", domain.ErrMalformedEvent, env.Kind)
	}

	switch env.Kind {
	case domain.ProviderAccountUpdatedKind:
		var ev domain.ProviderAccountUpdated
		if err := decodeData(env, &ev); err != nil {
			return nil, err
		}
		ev.EventID, ev.SubjectID = fill(ev.EventID, env.ID), fill(ev.SubjectID, env.SubjectID)
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = env.OccurredAt
		}
		if ev.Sequence <= 0 {
			return nil, fmt.Errorf("%w: %s sequence %d", domain.ErrMalformedEvent, env.Kind, ev.Sequence)
		}
		if err := checkSubject(env, ev.SubjectID); err != nil {
			return nil, err
		}
		return ev, nil
	case domain.PayoutStatusChangedKind:
		var ev domain.PayoutStatusChanged
		if err := decodeData(env, &ev); err != nil {
			return nil, err
		}
		ev.EventID, ev.SubjectID = fill(ev.EventID, env.ID), fill(ev.SubjectID, env.SubjectID)
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = env.OccurredAt
		}
		if !ev.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", domain.ErrMalformedEvent, ev.Status)
		}
		if err := checkSubject(env, ev.SubjectID); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, env.Kind)
	}
}

func decodeData(env Envelope, v any) error {
	if err := sonic.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %w", domain.ErrMalformedEvent, env.Kind, err)
	}
	return nil
}

func checkSubject(env Envelope, subject string) error {
	if subject != env.SubjectID {
		return fmt.Errorf("%w: envelope subject %q, payload subject %q", domain.ErrMalformedEvent, env.SubjectID, subject)
	}
	return nil
}

func fill(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
