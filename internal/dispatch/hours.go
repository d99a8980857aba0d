package dispatch

import (
	"time"

	"github.com/acme/voice-campaign-dispatch/internal/domain"
)

// withinScheduleWindow checks the explicit campaign start/expiry bounds.
func withinScheduleWindow(nowUTC time.Time, campaign *domain.Campaign) bool {
	if campaign.ScheduledStartAt != nil && nowUTC.Before(*campaign.ScheduledStartAt) {
		return false
	}
	if campaign.ScheduledExpiresAt != nil && nowUTC.After(*campaign.ScheduledExpiresAt) {
		return false
	}
	return true
}

// withinBusinessHours checks the campaign calling window in its own time zone.
// A window whose end does not exceed its start spans midnight.
func withinBusinessHours(nowUTC time.Time, campaign *domain.Campaign) bool {
	if !campaign.BusinessHoursOnly {
		return true
	}

	loc, err := time.LoadLocation(campaign.TimeZone)
	if err != nil {
		return true
	}

	local := nowUTC.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()
	start := campaign.BusinessHoursStart
	end := campaign.BusinessHoursEnd

	if end <= start {
		return minuteOfDay >= start || minuteOfDay < end
	}
	return minuteOfDay >= start && minuteOfDay < end
}
