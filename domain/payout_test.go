package domain

import (
	"errors"
	"testing"
)

func TestDecidePrecedence(t *testing.T) {
	all := AccountUpdate{ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true}
	cases := []struct {
		name    string
		current PayoutStatus
		update  AccountUpdate
		want    PayoutStatus
	}{
		{"pending stays pending", StatusPending, AccountUpdate{}, StatusPending},
		{"pending to onboarding", StatusPending, AccountUpdate{DetailsSubmitted: true}, StatusOnboarding},
		{"pending to active", StatusPending, all, StatusActive},
		{"onboarding stays onboarding", StatusOnboarding, AccountUpdate{}, StatusOnboarding},
		{"onboarding to active", StatusOnboarding, all, StatusActive},
		{"rejected beats everything", StatusOnboarding, AccountUpdate{ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true, Restricted: true, Rejected: true}, StatusRejected},
		{"restricted beats active", StatusActive, AccountUpdate{ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true, Restricted: true}, StatusRestricted},
		{"active loses payouts", StatusActive, AccountUpdate{ChargesEnabled: true, DetailsSubmitted: true}, StatusRestricted},
		{"restriction cleared", StatusRestricted, all, StatusActive},
		{"pending rejected", StatusPending, AccountUpdate{Rejected: true}, StatusRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decide(tc.current, tc.update)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestDecideRejectedIsTerminal(t *testing.T) {
	for mask := 0; mask < 32; mask++ {
		u := AccountUpdate{
			ChargesEnabled:   mask&1 != 0,
			PayoutsEnabled:   mask&2 != 0,
			DetailsSubmitted: mask&4 != 0,
			Restricted:       mask&8 != 0,
			Rejected:         mask&16 != 0,
		}
		got, err := Decide(StatusRejected, u)
		if got != StatusRejected {
			t.Fatalf("mask %05b: status left Rejected: %s", mask, got)
		}
		if u.Rejected && err != nil {
			t.Fatalf("mask %05b: repeated rejection should be accepted: %v", mask, err)
		}
		if !u.Rejected && !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("mask %05b: expected invalid transition, got %v", mask, err)
		}
	}
}

func TestDecideStoredFlagsAreFixedPoint(t *testing.T) {
	statuses := []PayoutStatus{StatusPending, StatusOnboarding, StatusActive, StatusRestricted, StatusRejected}
	for _, current := range statuses {
		for mask := 0; mask < 16; mask++ {
			u := AccountUpdate{
				ChargesEnabled:   mask&1 != 0,
				PayoutsEnabled:   mask&2 != 0,
				DetailsSubmitted: mask&4 != 0,
				Restricted:       mask&8 != 0,
				Rejected:         current == StatusRejected,
			}
			status, err := Decide(current, u)
			if err != nil {
				continue
			}
			rec := applyUpdate(PayoutRecord{Status: current}, status, u, 0)
			again, err := Decide(rec.Status, rec.Flags())
			if err != nil {
				t.Fatalf("%s/%04b: recompute failed: %v", current, mask, err)
			}
			if again != rec.Status {
				t.Fatalf("%s/%04b: recompute moved %s to %s", current, mask, rec.Status, again)
			}
		}
	}
}

func TestApplyUpdateTracksPreviousStatusAndMarker(t *testing.T) {
	rec := PayoutRecord{SubjectID: "dev", AccountID: "acct_1", Status: StatusPending, LastEventSeq: 4}
	next := applyUpdate(rec, StatusActive, AccountUpdate{ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true}, 7)
	if next.PreviousStatus != StatusPending {
		t.Fatalf("unexpected previous status: %s", next.PreviousStatus)
	}
	if next.AccountID != "acct_1" {
		t.Fatalf("empty update account id must keep stored id, got %q", next.AccountID)
	}
	if next.LastEventSeq != 7 {
		t.Fatalf("unexpected marker: %d", next.LastEventSeq)
	}
	back := applyUpdate(next, StatusActive, AccountUpdate{ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true}, 3)
	if back.LastEventSeq != 7 {
		t.Fatalf("marker regressed to %d", back.LastEventSeq)
	}
}
