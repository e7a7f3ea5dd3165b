package workflow

import (
	"context"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/models"
	"bitbucket.org/ampergames/gamecash_backend/utils"
)

// ResolveVenueDay answers "what did this venue actually earn on this day"
// across however many relays reported it. Reports are grouped per relay and
// only each relay's authoritative snapshot contributes, so relay re-sends
// never double-count. The current business day is resolved by latest print
// because its counters are still accumulating.
func ResolveVenueDay(ctx context.Context, venueId string, date models.DateString) (*models.ResolvedDayRevenue, error) {
	timezone := models.GetVenueTimezone(ctx, venueId)

	t := date.Time()
	dayKey := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	reports, err := models.GetReportsForDay(ctx, venueId, dayKey)
	if err != nil {
		return nil, err
	}

	isCurrentDay := false
	if todayKey, err := utils.DateKeyUTC(time.Now(), timezone); err == nil {
		isCurrentDay = dayKey.Equal(todayKey)
	}

	picked := models.PickAuthoritativeReports(reports, isCurrentDay)
	return models.SumResolvedReports(picked)
}
