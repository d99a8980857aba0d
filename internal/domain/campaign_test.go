package domain

import "testing"

func TestCampaignStatusTransitions(t *testing.T) {
	allowed := []struct {
		from, to CampaignStatus
	}{
		{CampaignStatusDraft, CampaignStatusScheduled},
		{CampaignStatusDraft, CampaignStatusActive},
		{CampaignStatusScheduled, CampaignStatusActive},
		{CampaignStatusScheduled, CampaignStatusCanceled},
		{CampaignStatusActive, CampaignStatusCompleted},
		{CampaignStatusActive, CampaignStatusCanceled},
		{CampaignStatusDraft, CampaignStatusFailed},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct {
		from, to CampaignStatus
	}{
		{CampaignStatusCompleted, CampaignStatusActive},
		{CampaignStatusCanceled, CampaignStatusActive},
		{CampaignStatusFailed, CampaignStatusActive},
		{CampaignStatusActive, CampaignStatusScheduled},
		{CampaignStatusActive, CampaignStatusFailed},
		{CampaignStatusDraft, CampaignStatusCompleted},
	}
	for _, tc := range forbidden {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("expected %s -> %s to be forbidden", tc.from, tc.to)
		}
	}
}

func TestCallStatusTerminal(t *testing.T) {
	if CallStatusPending.IsTerminal() || CallStatusCalling.IsTerminal() {
		t.Fatal("pending and calling must not be terminal")
	}
	for _, s := range []CallStatus{CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled} {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
}

func TestOutcomeClassification(t *testing.T) {
	for _, o := range []CallOutcome{OutcomeBusy, OutcomeNoAnswer, OutcomeTimeout, OutcomeFailed} {
		if !o.Retryable() {
			t.Errorf("expected %s to be retryable", o)
		}
	}
	if OutcomeCompleted.Retryable() {
		t.Error("completed must not be retryable")
	}
	if OutcomeInvalid.Retryable() {
		t.Error("invalid number must not be retryable")
	}

	if OutcomeCompleted.Status() != CallStatusCompleted {
		t.Error("completed outcome maps to completed status")
	}
	if OutcomeBusy.Status() != CallStatusBusy {
		t.Error("busy outcome maps to busy status")
	}
	if OutcomeInvalid.Status() != CallStatusFailed {
		t.Error("invalid number maps to failed status")
	}
}

func TestStatsNonTerminal(t *testing.T) {
	stats := CampaignStats{Pending: 3, Calling: 2, Completed: 5, Failed: 1}
	if got := stats.NonTerminal(); got != 5 {
		t.Fatalf("expected 5 non-terminal, got %d", got)
	}
}
