package eventlog

import (
	"errors"
	"testing"
	"time"

	"payout-sync/domain"
)

func TestEncodeDecodeStatusChanged(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := domain.PayoutStatusChanged{
		EventID:        "ev-1",
		SubjectID:      "dev-1",
		AccountID:      "acct_1",
		Status:         domain.StatusActive,
		PreviousStatus: domain.StatusOnboarding,
		PayoutsEnabled: true,
		Version:        4,
		OccurredAt:     at,
	}
	payload, err := Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sc, ok := got.(domain.PayoutStatusChanged)
	if !ok {
		t.Fatalf("unexpected type %T", got)
	}
	if sc.Status != domain.StatusActive || sc.Version != 4 || sc.AccountID != "acct_1" || !sc.OccurredAt.Equal(at) {
		t.Fatalf("unexpected event: %+v", sc)
	}
}

func TestDecodeFillsFromEnvelope(t *testing.T) {
	payload := []byte(`{"id":"ev-9","kind":"provider-account-updated","subjectId":"dev-2","occurredAt":"2025-03-01T12:00:00Z","data":{"sequence":3,"update":{"payoutsEnabled":true}}}`)
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev := got.(domain.ProviderAccountUpdated)
	if ev.EventID != "ev-9" || ev.SubjectID != "dev-2" || ev.Sequence != 3 || !ev.Update.PayoutsEnabled {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.OccurredAt.IsZero() {
		t.Fatalf("occurredAt not taken from envelope")
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"kind":`,
		"missing subject":  `{"kind":"provider-account-updated","data":{}}`,
		"missing data":     `{"kind":"provider-account-updated","subjectId":"dev-1"}`,
		"bad payload":      `{"kind":"provider-account-updated","subjectId":"dev-1","data":{"sequence":"x"}}`,
		"subject mismatch": `{"kind":"provider-account-updated","subjectId":"dev-1","data":{"sequence":1,"subjectId":"dev-2"}}`,
		"no sequence":      `{"kind":"provider-account-updated","subjectId":"dev-1","data":{"update":{}}}`,
		"bad status":       `{"kind":"payout-status-changed","subjectId":"dev-1","data":{"status":"Paused"}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			if !errors.Is(err, domain.ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"invoice-paid","subjectId":"dev-1","data":{}}`))
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if errors.Is(err, domain.ErrMalformedEvent) {
		t.Fatalf("unknown kind must not be malformed")
	}
}

func TestEncodeNil(t *testing.T) {
	if _, err := Encode(nil); !errors.Is(err, domain.ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
}

func TestDecodeRejectsUnsequencedProviderUpdate(t *testing.T) {
	for _, seq := range []int64{0, -3} {
		payload, err := Encode(domain.ProviderAccountUpdated{EventID: "ev-1", SubjectID: "dev-1", Sequence: seq})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := Decode(payload); !errors.Is(err, domain.ErrMalformedEvent) {
			t.Fatalf("sequence %d: expected ErrMalformedEvent, got %v", seq, err)
		}
	}
}
