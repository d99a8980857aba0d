package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-dispatch/internal/domain"
	"github.com/acme/voice-campaign-dispatch/internal/queue"
	"github.com/acme/voice-campaign-dispatch/internal/testutil"
	apperrors "github.com/acme/voice-campaign-dispatch/pkg/errors"
	"github.com/acme/voice-campaign-dispatch/pkg/logger"
)

type engineFixture struct {
	engine     *Engine
	campaigns  *testutil.CampaignStore
	recipients *testutil.RecipientStore
	events     *testutil.EventStore
	provider   *testutil.ScriptedProvider
	gate       *testutil.StaticGate
	flags      *testutil.MemoryFlag
	status     *testutil.StatusRecorder
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		campaigns:  testutil.NewCampaignStore(),
		recipients: testutil.NewRecipientStore(),
		events:     testutil.NewEventStore(),
		provider:   testutil.NewScriptedProvider(),
		gate:       &testutil.StaticGate{},
		flags:      testutil.NewMemoryFlag(),
		status:     &testutil.StatusRecorder{},
	}
	f.engine = NewEngine(
		f.campaigns, f.recipients, f.events,
		f.provider, f.gate, f.flags, f.status,
		logger.NewNop(), "+15550000000", time.Second,
	)
	return f
}

func activeCampaign(limit, maxAttempts int, retryDelay time.Duration) *domain.Campaign {
	now := time.Now().UTC()
	return &domain.Campaign{
		ID:               uuid.New(),
		WorkspaceID:      uuid.New(),
		AgentID:          uuid.New(),
		Name:             "load test",
		ScheduleType:     domain.ScheduleImmediate,
		ConcurrencyLimit: limit,
		MaxAttempts:      maxAttempts,
		RetryDelay:       retryDelay,
		Status:           domain.CampaignStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestAdmitRespectsConcurrencyLimit(t *testing.T) {
	f := newEngineFixture()
	campaign := activeCampaign(3, 3, time.Minute)
	f.campaigns.Put(campaign)
	f.recipients.Seed(campaign.ID, 10)

	launched, err := f.engine.Admit(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if launched != 3 {
		t.Fatalf("expected 3 launches, got %d", launched)
	}
	if got := f.recipients.CountByStatus(campaign.ID, domain.CallStatusCalling); got != 3 {
		t.Fatalf("expected 3 in flight, got %d", got)
	}

	// A second pass with full slots must not launch more.
	launched, err = f.engine.Admit(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if launched != 0 {
		t.Fatalf("expected no additional launches, got %d", launched)
	}
}

func TestConcurrentAdmitHoldsConcurrencyLimit(t *testing.T) {
	f := newEngineFixture()
	campaign := activeCampaign(3, 3, time.Minute)
	f.campaigns.Put(campaign)
	f.recipients.Seed(campaign.ID, 10)

	// The webhook refill and the reclaimer tick can invoke Admit for the same
	// campaign at the same moment, from different processes. The count and the
	// claim are a single store operation, so simultaneous passes must never
	// launch more than the limit between them.
	const admitters = 8
	var wg sync.WaitGroup
	launched := make([]int, admitters)
	errs := make([]error, admitters)
	for i := 0; i < admitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			launched[i], errs[i] = f.engine.Admit(context.Background(), campaign.ID)
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < admitters; i++ {
		if errs[i] != nil {
			t.Fatalf("unexpected error: %v", errs[i])
		}
		total += launched[i]
	}
	if total != 3 {
		t.Fatalf("concurrent admitters launched %d recipients, want 3", total)
	}
	if got := f.recipients.CountByStatus(campaign.ID, domain.CallStatusCalling); got != 3 {
		t.Fatalf("expected 3 in flight, got %d", got)
	}
}

func TestAdmitDeclinesWhenCancelFlagSet(t *testing.T) {
	f := newEngineFixture()
	campaign := activeCampaign(2, 3, time.Minute)
	f.campaigns.Put(campaign)
	f.recipients.Seed(campaign.ID, 4)

	if err := f.flags.Set(context.Background(), campaign.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	launched, err := f.engine.Admit(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if launched != 0 {
		t.Fatalf("expected no launches for flagged campaign, got %d", launched)
	}
}

func TestAdmitDeclinesWhenPaywalled(t *testing.T) {
	f := newEngineFixture()
	campaign := activeCampaign(2, 3, time.Minute)
	f.campaigns.Put(campaign)
	f.recipients.Seed(campaign.ID, 4)
	f.gate.SetErr(fmt.Errorf("%w: workspace blocked", apperrors.ErrPaywall))

	launched, err := f.engine.Admit(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("paywall must decline, not fail: %v", err)
	}
	if launched != 0 {
		t.Fatalf("expected no launches for paywalled workspace, got %d", launched)
	}
}

func TestAdmitOutsideBusinessHours(t *testing.T) {
	f := newEngineFixture()
	campaign := activeCampaign(2, 3, time.Minute)
	campaign.BusinessHoursOnly = true
	campaign.BusinessHoursStart = 9 * 60
	campaign.BusinessHoursEnd = 17 * 60
	campaign.TimeZone = "UTC"
	f.campaigns.Put(campaign)
	f.recipients.Seed(campaign.ID, 4)

	f.engine.SetClock(func() time.Time {
		return time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	})

	launched, err := f.engine.Admit(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if launched != 0 {
		t.Fatalf("expected no launches at night, got %d", launched)
	}

	f.engine.SetClock(func() time.Time {
		return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	})
	launched, err = f.engine.Admit(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if launched != 2 {
		t.Fatalf("expected 2 launches during the day, got %d", launched)
	}
}

func TestDuplicateCompletionIsNoOp(t *testing.T) {
	f := newEngineFixture()
	campaign := activeCampaign(1, 3, time.Minute)
	f.campaigns.Put(campaign)
	f.recipients.Seed(campaign.ID, 1)

	if _, err := f.engine.Admit(context.Background(), campaign.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	placed := f.provider.Placed()
	if len(placed) != 1 {
		t.Fatalf("expected 1 placement, got %d", len(placed))
	}

	msg := queue.CompletionMessage{CallReference: "call-1", Outcome: string(domain.OutcomeCompleted), DurationMs: 42000}
	if err := f.engine.HandleCompletion(context.Background(), msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.engine.HandleCompletion(context.Background(), msg); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if got := f.recipients.CountByStatus(campaign.ID, domain.CallStatusCompleted); got != 1 {
		t.Fatalf("expected 1 completed recipient, got %d", got)
	}

	completionEvents := 0
	for _, ev := range f.events.Events() {
		if ev.EventType == "completed" {
			completionEvents++
		}
	}
	if completionEvents != 1 {
		t.Fatalf("expected exactly 1 completion event, got %d", completionEvents)
	}
}

func TestUnknownCallReferenceIsDropped(t *testing.T) {
	f := newEngineFixture()
	msg := queue.CompletionMessage{CallReference: "never-placed", Outcome: string(domain.OutcomeCompleted)}
	if err := f.engine.HandleCompletion(context.Background(), msg); err != nil {
		t.Fatalf("unknown reference must not error: %v", err)
	}
}

func TestCampaignRunsToCompletion(t *testing.T) {
	f := newEngineFixture()
	campaign := activeCampaign(2, 3, time.Minute)
	f.campaigns.Put(campaign)
	f.recipients.Seed(campaign.ID, 6)

	if _, err := f.engine.Admit(context.Background(), campaign.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Completing each in-flight call refills the pipeline, so draining the
	// calling set repeatedly must finish the whole campaign.
	for i := 0; i < 20; i++ {
		calling, err := f.recipients.ListByCampaign(context.Background(), campaign.ID, domain.CallStatusCalling, 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(calling) == 0 {
			break
		}
		for _, rec := range calling {
			if rec.CallReference == nil {
				t.Fatalf("calling recipient %s has no call reference", rec.ID)
			}
			msg := queue.CompletionMessage{CallReference: *rec.CallReference, Outcome: string(domain.OutcomeCompleted)}
			if err := f.engine.HandleCompletion(context.Background(), msg); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}

	if got := f.recipients.CountByStatus(campaign.ID, domain.CallStatusCompleted); got != 6 {
		t.Fatalf("expected 6 completed recipients, got %d", got)
	}

	final, err := f.campaigns.Get(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final.Status != domain.CampaignStatusCompleted {
		t.Fatalf("expected campaign completed, got %s", final.Status)
	}

	messages := f.status.Messages()
	if len(messages) == 0 || messages[len(messages)-1].To != string(domain.CampaignStatusCompleted) {
		t.Fatalf("expected a completion status event, got %+v", messages)
	}
}

func TestRetryableOutcomeRequeuesUntilAttemptsExhausted(t *testing.T) {
	f := newEngineFixture()
	campaign := activeCampaign(1, 2, 5*time.Minute)
	f.campaigns.Put(campaign)
	ids := f.recipients.Seed(campaign.ID, 1)

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	f.engine.SetClock(func() time.Time { return base })

	if _, err := f.engine.Admit(context.Background(), campaign.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// First attempt: busy. Attempts remaining, so the recipient is requeued
	// with retry spacing.
	applied, err := f.engine.ApplyOutcome(context.Background(), ids[0], domain.OutcomeBusy, TriggerWebhook, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatal("expected first outcome to apply")
	}

	rec, err := f.recipients.Get(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.CallStatus != domain.CallStatusPending {
		t.Fatalf("expected recipient requeued, got %s", rec.CallStatus)
	}
	if rec.Attempts != 1 {
		t.Fatalf("expected 1 attempt consumed, got %d", rec.Attempts)
	}
	if rec.NextAttemptAt == nil || !rec.NextAttemptAt.Equal(base.Add(5*time.Minute)) {
		t.Fatalf("expected next attempt at %v, got %v", base.Add(5*time.Minute), rec.NextAttemptAt)
	}

	// Before the delay elapses the recipient must not be claimed.
	launched, err := f.engine.Admit(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if launched != 0 {
		t.Fatalf("expected no launch before retry delay, got %d", launched)
	}

	// Second attempt after the delay: busy again exhausts the budget.
	f.engine.SetClock(func() time.Time { return base.Add(10 * time.Minute) })
	if _, err := f.engine.Admit(context.Background(), campaign.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	applied, err = f.engine.ApplyOutcome(context.Background(), ids[0], domain.OutcomeBusy, TriggerWebhook, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatal("expected second outcome to apply")
	}

	rec, err = f.recipients.Get(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.CallStatus != domain.CallStatusBusy {
		t.Fatalf("expected terminal busy status, got %s", rec.CallStatus)
	}
	if rec.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", rec.Attempts)
	}
}

func TestLaunchFailureDoesNotConsumeAttempt(t *testing.T) {
	f := newEngineFixture()
	campaign := activeCampaign(1, 3, time.Minute)
	f.campaigns.Put(campaign)
	ids := f.recipients.Seed(campaign.ID, 1)

	rec, err := f.recipients.Get(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.provider.RejectNumber(rec.PhoneNumber)

	launched, err := f.engine.Admit(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if launched != 0 {
		t.Fatalf("expected no successful launch, got %d", launched)
	}

	rec, err = f.recipients.Get(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.CallStatus != domain.CallStatusPending {
		t.Fatalf("expected recipient back in pending, got %s", rec.CallStatus)
	}
	if rec.Attempts != 0 {
		t.Fatalf("rejected launch must not consume an attempt, got %d", rec.Attempts)
	}
	if rec.NextAttemptAt == nil {
		t.Fatal("expected retry spacing after rejected launch")
	}
}
