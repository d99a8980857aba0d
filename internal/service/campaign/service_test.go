package campaign

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/voice-campaign-dispatch/internal/dispatch"
	"github.com/acme/voice-campaign-dispatch/internal/domain"
	"github.com/acme/voice-campaign-dispatch/internal/testutil"
	apperrors "github.com/acme/voice-campaign-dispatch/pkg/errors"
	"github.com/acme/voice-campaign-dispatch/pkg/logger"
)

type fixture struct {
	service    *Service
	campaigns  *testutil.CampaignStore
	recipients *testutil.RecipientStore
	provider   *testutil.ScriptedProvider
	gate       *testutil.StaticGate
	flags      *testutil.MemoryFlag
	status     *testutil.StatusRecorder
}

func newFixture() *fixture {
	campaigns := testutil.NewCampaignStore()
	recipients := testutil.NewRecipientStore()
	events := testutil.NewEventStore()
	callProvider := testutil.NewScriptedProvider()
	gate := &testutil.StaticGate{}
	flags := testutil.NewMemoryFlag()
	status := &testutil.StatusRecorder{}

	engine := dispatch.NewEngine(
		campaigns, recipients, events,
		callProvider, gate, flags, status,
		logger.NewNop(), "+15550000000", time.Second,
	)

	service := NewService(campaigns, recipients, engine, flags, gate, status,
		logger.NewNop(),
		Defaults{ConcurrencyLimit: 3, MaxAttempts: 3, RetryDelay: 5 * time.Minute},
		2, "+15550000000")

	return &fixture{
		service:    service,
		campaigns:  campaigns,
		recipients: recipients,
		provider:   callProvider,
		gate:       gate,
		flags:      flags,
		status:     status,
	}
}

func createDraft(t *testing.T, f *fixture) *domain.Campaign {
	t.Helper()
	campaign, err := f.service.Create(context.Background(), CreateCampaignInput{
		WorkspaceID:  uuid.New(),
		AgentID:      uuid.New(),
		Name:         "spring outreach",
		ScheduleType: domain.ScheduleImmediate,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return campaign
}

func TestValidateCreateInputFailures(t *testing.T) {
	cases := []CreateCampaignInput{
		{Name: "", WorkspaceID: uuid.New(), ScheduleType: domain.ScheduleImmediate},
		{Name: "test", WorkspaceID: uuid.Nil, ScheduleType: domain.ScheduleImmediate},
		{Name: "test", WorkspaceID: uuid.New(), ScheduleType: "weekly"},
		{Name: "test", WorkspaceID: uuid.New(), ScheduleType: domain.ScheduleScheduled},
		{Name: "test", WorkspaceID: uuid.New(), ScheduleType: domain.ScheduleImmediate, BusinessHoursOnly: true},
		{Name: "test", WorkspaceID: uuid.New(), ScheduleType: domain.ScheduleImmediate, BusinessHoursOnly: true, TimeZone: "invalid"},
	}

	for _, tc := range cases {
		if err := validateCreateInput(tc); err == nil {
			t.Errorf("expected validation error for input %+v", tc)
		}
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture()
	campaign := createDraft(t, f)

	if campaign.Status != domain.CampaignStatusDraft {
		t.Fatalf("expected draft, got %s", campaign.Status)
	}
	if campaign.ConcurrencyLimit != 3 || campaign.MaxAttempts != 3 {
		t.Fatalf("expected defaults applied, got limit=%d attempts=%d",
			campaign.ConcurrencyLimit, campaign.MaxAttempts)
	}
}

func TestImportRecipientsDedupesAndChunks(t *testing.T) {
	f := newFixture()
	campaign := createDraft(t, f)

	// Five inputs, one in-batch duplicate, one blank; chunk size is 2 so the
	// surviving four rows span multiple chunks.
	inputs := []RecipientInput{
		{PhoneNumber: "+15550000001"},
		{PhoneNumber: "+15550000002"},
		{PhoneNumber: "+15550000001"},
		{PhoneNumber: " "},
		{PhoneNumber: "+15550000003"},
		{PhoneNumber: "+15550000004"},
	}

	result, err := f.service.ImportRecipients(context.Background(), campaign.ID, inputs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Inserted != 4 {
		t.Fatalf("expected 4 inserted, got %d", result.Inserted)
	}
	if result.Duplicates != 1 {
		t.Fatalf("expected 1 duplicate, got %d", result.Duplicates)
	}

	// Re-importing the same numbers inserts nothing.
	result, err = f.service.ImportRecipients(context.Background(), campaign.ID, inputs[:2])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Inserted != 0 {
		t.Fatalf("expected no inserts on re-import, got %d", result.Inserted)
	}
	if result.Duplicates != 2 {
		t.Fatalf("expected 2 duplicates on re-import, got %d", result.Duplicates)
	}

	updated, err := f.campaigns.Get(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.TotalRecipients != 4 {
		t.Fatalf("expected aggregates refreshed to 4, got %d", updated.TotalRecipients)
	}
}

func TestImportRejectedOutsideDraftAndScheduled(t *testing.T) {
	f := newFixture()
	campaign := createDraft(t, f)
	if _, err := f.campaigns.UpdateStatusIf(context.Background(), campaign.ID, domain.CampaignStatusDraft, domain.CampaignStatusActive); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := f.service.ImportRecipients(context.Background(), campaign.ID, []RecipientInput{{PhoneNumber: "+15550000001"}})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStartActivatesAndAdmits(t *testing.T) {
	f := newFixture()
	campaign := createDraft(t, f)
	f.recipients.Seed(campaign.ID, 5)

	if err := f.service.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	started, err := f.campaigns.Get(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if started.Status != domain.CampaignStatusActive {
		t.Fatalf("expected active, got %s", started.Status)
	}
	if placed := len(f.provider.Placed()); placed != 3 {
		t.Fatalf("expected first admission pass to launch 3, got %d", placed)
	}

	// Starting again is a no-op, not an error.
	if err := f.service.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("restart must be idempotent: %v", err)
	}
}

func TestStartBlockedByPaywall(t *testing.T) {
	f := newFixture()
	campaign := createDraft(t, f)
	f.gate.SetErr(fmt.Errorf("%w: out of credits", apperrors.ErrPaywall))

	err := f.service.Start(context.Background(), campaign.ID)
	if !errors.Is(err, apperrors.ErrPaywall) {
		t.Fatalf("expected paywall error, got %v", err)
	}

	unchanged, err := f.campaigns.Get(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unchanged.Status != domain.CampaignStatusDraft {
		t.Fatalf("paywalled start must not activate, got %s", unchanged.Status)
	}
}

func TestStartRequiresAgent(t *testing.T) {
	f := newFixture()
	campaign, err := f.service.Create(context.Background(), CreateCampaignInput{
		WorkspaceID:  uuid.New(),
		Name:         "no agent",
		ScheduleType: domain.ScheduleImmediate,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := f.service.Start(context.Background(), campaign.ID); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTerminateCancelsPendingAndFlags(t *testing.T) {
	f := newFixture()
	campaign := createDraft(t, f)
	f.recipients.Seed(campaign.ID, 4)
	if err := f.service.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := f.service.Terminate(context.Background(), campaign.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	terminated, err := f.campaigns.Get(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if terminated.Status != domain.CampaignStatusCanceled {
		t.Fatalf("expected canceled, got %s", terminated.Status)
	}

	set, err := f.flags.IsSet(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !set {
		t.Fatal("expected cancel flag set")
	}

	// The 3 in-flight calls keep their slots; the remaining pending recipient
	// is canceled.
	if got := f.recipients.CountByStatus(campaign.ID, domain.CallStatusCanceled); got != 1 {
		t.Fatalf("expected 1 canceled recipient, got %d", got)
	}
	if got := f.recipients.CountByStatus(campaign.ID, domain.CallStatusCalling); got != 3 {
		t.Fatalf("in-flight calls must be left to finish, got %d", got)
	}

	// Terminating twice is a state error.
	if err := f.service.Terminate(context.Background(), campaign.ID); !errors.Is(err, apperrors.ErrBadTransition) {
		t.Fatalf("expected bad transition error, got %v", err)
	}
}

func TestScheduleRequiresFutureStart(t *testing.T) {
	f := newFixture()
	campaign := createDraft(t, f)

	past := time.Now().UTC().Add(-time.Hour)
	if err := f.service.Schedule(context.Background(), campaign.ID, past, nil); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	future := time.Now().UTC().Add(time.Hour)
	if err := f.service.Schedule(context.Background(), campaign.ID, future, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	scheduled, err := f.campaigns.Get(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scheduled.Status != domain.CampaignStatusScheduled {
		t.Fatalf("expected scheduled, got %s", scheduled.Status)
	}
}

func TestUpdateOnlyInDraft(t *testing.T) {
	f := newFixture()
	campaign := createDraft(t, f)

	name := "renamed"
	updated, err := f.service.Update(context.Background(), UpdateCampaignInput{ID: campaign.ID, Name: &name})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Name != "renamed" {
		t.Fatalf("expected rename, got %q", updated.Name)
	}

	if err := f.service.Start(context.Background(), campaign.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.service.Update(context.Background(), UpdateCampaignInput{ID: campaign.ID, Name: &name}); !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error after start, got %v", err)
	}
}
