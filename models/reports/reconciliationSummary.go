package reports

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/models"
)

// ReconciliationSummary is the operator dashboard for one venue: how much of
// the recent report stream has been settled, and what still needs eyes.
type ReconciliationSummary struct {
	VenueId               string  `json:"venueId"`
	FromDate              *string `json:"fromDate"`
	ToDate                *string `json:"toDate"`
	PendingCount          int64   `json:"pendingCount"`
	IncludedCount         int64   `json:"includedCount"`
	ExcludedCount         int64   `json:"excludedCount"`
	DuplicateCount        int64   `json:"duplicateCount"`
	AnomalyReportCount    int64   `json:"anomalyReportCount"`
	AverageQualityScore   float64 `json:"averageQualityScore"`
	UnprocessedEventCount int64   `json:"unprocessedEventCount"`
	StuckEventCount       int64   `json:"stuckEventCount"`
}

func GetReconciliationSummary(ctx context.Context, venueId string, fromDate, toDate *models.DateString) (*ReconciliationSummary, error) {
	started := time.Now()
	if venueId == "" {
		return nil, errors.New("venue id is required")
	}

	var from, to *time.Time
	var fromLabel, toLabel *string
	if fromDate != nil {
		t := fromDate.Time()
		key := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		from = &key
		label := key.Format("2006-01-02")
		fromLabel = &label
	}
	if toDate != nil {
		t := toDate.Time()
		key := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		to = &key
		label := key.Format("2006-01-02")
		toLabel = &label
	}

	counts, err := models.CountReportsByStatus(ctx, venueId, from, to)
	if err != nil {
		return nil, err
	}

	summary := &ReconciliationSummary{
		VenueId:        venueId,
		FromDate:       fromLabel,
		ToDate:         toLabel,
		PendingCount:   counts[models.ReconciliationStatusPending],
		IncludedCount:  counts[models.ReconciliationStatusIncluded],
		ExcludedCount:  counts[models.ReconciliationStatusExcluded],
		DuplicateCount: counts[models.ReconciliationStatusDuplicate],
	}

	db := config.GetDB()

	type qualityRow struct {
		AnomalyCount int64
		AvgQuality   *float64
	}
	var quality qualityRow
	qualityQuery := db.WithContext(ctx).Model(&models.DailyReport{}).
		Select("SUM(CASE WHEN has_anomalies = 1 THEN 1 ELSE 0 END) AS anomaly_count, AVG(quality_score) AS avg_quality").
		Where("venue_id = ?", venueId)
	if from != nil {
		qualityQuery = qualityQuery.Where("report_date >= ?", *from)
	}
	if to != nil {
		qualityQuery = qualityQuery.Where("report_date <= ?", *to)
	}
	if err := qualityQuery.Scan(&quality).Error; err != nil {
		return nil, err
	}
	summary.AnomalyReportCount = quality.AnomalyCount
	if quality.AvgQuality != nil {
		summary.AverageQualityScore = *quality.AvgQuality
	}

	if err := db.WithContext(ctx).Model(&models.TelemetryEvent{}).
		Where("venue_id = ? AND processed = ?", venueId, false).
		Count(&summary.UnprocessedEventCount).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&models.TelemetryEvent{}).
		Where("venue_id = ? AND processed = ? AND retry_count >= ?", venueId, false, config.MaterializeMaxAttempts()).
		Count(&summary.StuckEventCount).Error; err != nil {
		return nil, err
	}

	logSlowReport(ctx, "ReconciliationSummary", started, map[string]any{"venue_id": venueId})
	return summary, nil
}
