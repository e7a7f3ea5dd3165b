package reports

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/models"
	"bitbucket.org/ampergames/gamecash_backend/utils"
)

// VenueDailyActivity is the event-level aggregation of one venue's business
// day: every relay's raw stream folded per machine, before any report-level
// resolution. This is the "what did the machines actually say" view that
// reconciliation compares materialized reports against.
type VenueDailyActivity struct {
	VenueId        string              `json:"venueId"`
	Date           string              `json:"date"`
	Timezone       string              `json:"timezone"`
	Activity       *models.DayActivity `json:"activity"`
	AnomalyReasons []string            `json:"anomalyReasons"`
}

func GetVenueDailyActivity(ctx context.Context, venueId string, date models.DateString) (*VenueDailyActivity, error) {
	started := time.Now()
	if venueId == "" {
		return nil, errors.New("venue id is required")
	}
	venue, err := models.GetVenue(ctx, venueId)
	if err != nil {
		return nil, errors.New("venue not found")
	}

	dayStart := date
	if err := dayStart.StartOfDayUTCTime(venue.Timezone); err != nil {
		return nil, err
	}
	dayEnd := date
	if err := dayEnd.EndOfDayUTCTime(venue.Timezone); err != nil {
		return nil, err
	}
	dateLabel := date.Time().Format("2006-01-02")

	cacheKey := "VenueDailyActivity:" + venueId + ":" + dateLabel
	if reportCacheEnabled() {
		var cached VenueDailyActivity
		if ok, err := cacheGet(cacheKey, &cached); err == nil && ok {
			return &cached, nil
		}
	}

	db := config.GetDB()
	var events []*models.TelemetryEvent
	if err := db.WithContext(ctx).
		Where("venue_id = ?", venueId).
		Where("event_time >= ? AND event_time <= ?", dayStart.Time(), dayEnd.Time()).
		Order("event_time asc, id asc").
		Find(&events).Error; err != nil {
		return nil, err
	}

	activity := models.FoldTelemetryEvents(events)
	result := &VenueDailyActivity{
		VenueId:  venueId,
		Date:     dateLabel,
		Timezone: venue.Timezone,
		Activity: activity,
	}
	if activity.UnknownKindCount > 0 {
		result.AnomalyReasons = append(result.AnomalyReasons, models.AnomalyUnknownEventKind)
	}

	if reportCacheEnabled() {
		_ = cacheSet(cacheKey, result, reportCacheTTL())
	}
	logSlowReport(ctx, "VenueDailyActivity", started, map[string]any{"venue_id": venueId, "date": dateLabel, "events": len(events)})
	return result, nil
}
