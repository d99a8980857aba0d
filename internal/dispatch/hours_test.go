package dispatch

import (
	"testing"
	"time"

	"github.com/acme/voice-campaign-dispatch/internal/domain"
)

func TestWithinBusinessHours(t *testing.T) {
	campaign := &domain.Campaign{
		BusinessHoursOnly:  true,
		BusinessHoursStart: 9 * 60,
		BusinessHoursEnd:   17 * 60,
		TimeZone:           "UTC",
	}

	morning := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if !withinBusinessHours(morning, campaign) {
		t.Fatalf("expected %v to be within business hours", morning)
	}

	night := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	if withinBusinessHours(night, campaign) {
		t.Fatalf("expected %v to be outside business hours", night)
	}
}

func TestWithinBusinessHoursSpanningMidnight(t *testing.T) {
	campaign := &domain.Campaign{
		BusinessHoursOnly:  true,
		BusinessHoursStart: 22 * 60,
		BusinessHoursEnd:   2 * 60,
		TimeZone:           "UTC",
	}

	night := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	if !withinBusinessHours(night, campaign) {
		t.Fatalf("expected %v to be within cross-midnight window", night)
	}

	earlyMorning := time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	if !withinBusinessHours(earlyMorning, campaign) {
		t.Fatalf("expected %v to be within cross-midnight window", earlyMorning)
	}

	afternoon := time.Date(2026, 3, 3, 15, 0, 0, 0, time.UTC)
	if withinBusinessHours(afternoon, campaign) {
		t.Fatalf("expected %v to be outside cross-midnight window", afternoon)
	}
}

func TestWithinBusinessHoursRespectsTimeZone(t *testing.T) {
	campaign := &domain.Campaign{
		BusinessHoursOnly:  true,
		BusinessHoursStart: 9 * 60,
		BusinessHoursEnd:   17 * 60,
		TimeZone:           "America/New_York",
	}

	// 14:00 UTC is 09:00 or 10:00 in New York depending on DST; either way
	// within the window.
	utcAfternoon := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	if !withinBusinessHours(utcAfternoon, campaign) {
		t.Fatalf("expected %v to be within New York business hours", utcAfternoon)
	}

	// 04:00 UTC is before midnight or 23:00 in New York.
	utcNight := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	if withinBusinessHours(utcNight, campaign) {
		t.Fatalf("expected %v to be outside New York business hours", utcNight)
	}
}

func TestWithinScheduleWindow(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	expires := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	campaign := &domain.Campaign{
		ScheduledStartAt:   &start,
		ScheduledExpiresAt: &expires,
	}

	if withinScheduleWindow(start.Add(-time.Hour), campaign) {
		t.Fatal("expected time before start to be outside window")
	}
	if !withinScheduleWindow(start.Add(time.Hour), campaign) {
		t.Fatal("expected time after start to be inside window")
	}
	if withinScheduleWindow(expires.Add(time.Hour), campaign) {
		t.Fatal("expected time after expiry to be outside window")
	}
}
