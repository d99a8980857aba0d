package reclaimer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-dispatch/internal/dispatch"
	"github.com/acme/voice-campaign-dispatch/internal/domain"
	"github.com/acme/voice-campaign-dispatch/internal/testutil"
	"github.com/acme/voice-campaign-dispatch/pkg/logger"
)

type fixture struct {
	reclaimer  *Reclaimer
	campaigns  *testutil.CampaignStore
	recipients *testutil.RecipientStore
	provider   *testutil.ScriptedProvider
	locker     *testutil.MemoryLocker
}

func newFixture() *fixture {
	campaigns := testutil.NewCampaignStore()
	recipients := testutil.NewRecipientStore()
	events := testutil.NewEventStore()
	callProvider := testutil.NewScriptedProvider()
	flags := testutil.NewMemoryFlag()
	locker := testutil.NewMemoryLocker()

	engine := dispatch.NewEngine(
		campaigns, recipients, events,
		callProvider, &testutil.StaticGate{}, flags, &testutil.StatusRecorder{},
		logger.NewNop(), "+15550000000", time.Second,
	)

	r := New(campaigns, recipients, engine, locker, logger.NewNop(),
		30*time.Second, 10*time.Minute, time.Minute, 100)

	return &fixture{
		reclaimer:  r,
		campaigns:  campaigns,
		recipients: recipients,
		provider:   callProvider,
		locker:     locker,
	}
}

func putCampaign(f *fixture, status domain.CampaignStatus, maxAttempts int) *domain.Campaign {
	now := time.Now().UTC()
	campaign := &domain.Campaign{
		ID:               uuid.New(),
		WorkspaceID:      uuid.New(),
		AgentID:          uuid.New(),
		Name:             "sweep test",
		ScheduleType:     domain.ScheduleImmediate,
		ConcurrencyLimit: 2,
		MaxAttempts:      maxAttempts,
		RetryDelay:       5 * time.Minute,
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	f.campaigns.Put(campaign)
	return campaign
}

func putStuckRecipient(f *fixture, campaignID uuid.UUID, attempts int, stuckFor time.Duration) uuid.UUID {
	now := time.Now().UTC()
	last := now.Add(-stuckFor)
	ref := "call-stuck-" + uuid.NewString()
	recipient := &domain.Recipient{
		ID:            uuid.New(),
		CampaignID:    campaignID,
		PhoneNumber:   "+15551234567",
		CallStatus:    domain.CallStatusCalling,
		Attempts:      attempts,
		LastAttemptAt: &last,
		CallReference: &ref,
		CreatedAt:     now.Add(-stuckFor),
		UpdatedAt:     last,
	}
	f.recipients.Put(recipient)
	return recipient.ID
}

func TestSweepRequeuesStuckRecipientWithAttemptsLeft(t *testing.T) {
	f := newFixture()
	campaign := putCampaign(f, domain.CampaignStatusActive, 3)
	id := putStuckRecipient(f, campaign.ID, 1, time.Hour)

	if err := f.reclaimer.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, err := f.recipients.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.CallStatus != domain.CallStatusPending {
		t.Fatalf("expected stuck recipient requeued, got %s", rec.CallStatus)
	}
	if rec.NextAttemptAt == nil {
		t.Fatal("expected retry spacing on the reclaimed recipient")
	}
}

func TestSweepFinalizesStuckRecipientWithoutAttempts(t *testing.T) {
	f := newFixture()
	campaign := putCampaign(f, domain.CampaignStatusActive, 2)
	id := putStuckRecipient(f, campaign.ID, 2, time.Hour)

	if err := f.reclaimer.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, err := f.recipients.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.CallStatus != domain.CallStatusNoAnswer {
		t.Fatalf("expected terminal no_answer, got %s", rec.CallStatus)
	}

	// With every recipient terminal, the sweep also completes the campaign.
	final, err := f.campaigns.Get(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final.Status != domain.CampaignStatusCompleted {
		t.Fatalf("expected campaign completed, got %s", final.Status)
	}
}

func TestSweepLeavesFreshCallsAlone(t *testing.T) {
	f := newFixture()
	campaign := putCampaign(f, domain.CampaignStatusActive, 3)
	id := putStuckRecipient(f, campaign.ID, 1, time.Minute)

	if err := f.reclaimer.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, err := f.recipients.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.CallStatus != domain.CallStatusCalling {
		t.Fatalf("recent call must stay in flight, got %s", rec.CallStatus)
	}
}

func TestSweepWakesScheduledCampaign(t *testing.T) {
	f := newFixture()
	campaign := putCampaign(f, domain.CampaignStatusScheduled, 3)
	start := time.Now().UTC().Add(-time.Minute)
	campaign.ScheduledStartAt = &start
	f.campaigns.Put(campaign)
	f.recipients.Seed(campaign.ID, 3)

	if err := f.reclaimer.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	woken, err := f.campaigns.Get(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if woken.Status != domain.CampaignStatusActive {
		t.Fatalf("expected scheduled campaign activated, got %s", woken.Status)
	}
	if placed := len(f.provider.Placed()); placed != 2 {
		t.Fatalf("expected first admission pass to launch 2, got %d", placed)
	}
}

func TestSweepExpiresCampaignPastDeadline(t *testing.T) {
	f := newFixture()
	campaign := putCampaign(f, domain.CampaignStatusActive, 3)
	expires := time.Now().UTC().Add(-time.Minute)
	campaign.ScheduledExpiresAt = &expires
	f.campaigns.Put(campaign)
	f.recipients.Seed(campaign.ID, 3)

	if err := f.reclaimer.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := f.recipients.CountByStatus(campaign.ID, domain.CallStatusCanceled); got != 3 {
		t.Fatalf("expected 3 canceled recipients, got %d", got)
	}
	if placed := len(f.provider.Placed()); placed != 0 {
		t.Fatalf("expired campaign must not launch, got %d", placed)
	}

	expired, err := f.campaigns.Get(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expired.Status != domain.CampaignStatusCompleted {
		t.Fatalf("expected expired campaign closed out, got %s", expired.Status)
	}
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	f := newFixture()
	campaign := putCampaign(f, domain.CampaignStatusActive, 3)
	id := putStuckRecipient(f, campaign.ID, 1, time.Hour)

	if _, err := f.locker.TryLock(context.Background(), sweepLockKey, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := f.reclaimer.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, err := f.recipients.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.CallStatus != domain.CallStatusCalling {
		t.Fatalf("locked sweep must not touch recipients, got %s", rec.CallStatus)
	}
}
