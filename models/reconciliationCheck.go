package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ReconciliationCheckRecord struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	VenueId       string    `gorm:"index;not null" json:"venue_id"`
	CheckType     string    `gorm:"size:50;index;not null" json:"check_type"`  // e.g. REVENUE_IDENTITY, STUCK_EVENTS
	EntityType    string    `gorm:"size:50;index;not null" json:"entity_type"` // e.g. DailyReport, TelemetryEvent
	EntityId      uint      `gorm:"index;not null" json:"entity_id"`
	Details       string    `gorm:"type:text" json:"details"` // human-readable mismatch detail
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// RunRevenueIntegrityChecks writes mismatch rows to reconciliation_check_records.
// This is intended to be run on a schedule (nightly) or via an admin trigger.
func RunRevenueIntegrityChecks(ctx context.Context, venueId string) (correlationId string, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db := config.GetDB()
	if db == nil {
		return "", fmt.Errorf("db is nil")
	}
	logger := config.GetLogger()

	cid, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || cid == "" {
		cid = uuid.NewString()
	}
	now := time.Now().UTC()
	tolerance := config.RevenueTolerance()

	// 1) Report revenue identity: total_revenue vs total_money_in - total_collect
	type identityRow struct {
		ID    uint
		Drift string
	}
	var drifted []identityRow
	if err := db.WithContext(ctx).Raw(`
		SELECT r.id,
		       CAST(ABS(r.total_revenue - (r.total_money_in - r.total_collect)) AS CHAR) AS drift
		FROM daily_reports r
		WHERE r.venue_id = ?
		  AND ABS(r.total_revenue - (r.total_money_in - r.total_collect)) > ?
	`, venueId, tolerance).Scan(&drifted).Error; err != nil {
		return cid, err
	}
	for _, row := range drifted {
		_ = db.WithContext(ctx).Create(&ReconciliationCheckRecord{
			VenueId:       venueId,
			CheckType:     "REVENUE_IDENTITY",
			EntityType:    "DailyReport",
			EntityId:      row.ID,
			Details:       fmt.Sprintf("total_revenue drifts from total_money_in - total_collect by %s", row.Drift),
			CorrelationId: cid,
			CreatedAt:     now,
		}).Error
	}

	// 2) Reports declaring machines without per-machine rows
	type emptyRow struct{ ID uint }
	var emptyReports []emptyRow
	if err := db.WithContext(ctx).Raw(`
		SELECT r.id
		FROM daily_reports r
		WHERE r.venue_id = ?
		  AND r.machine_count > 0
		  AND (r.machine_data_json IS NULL OR JSON_LENGTH(r.machine_data_json) = 0)
	`, venueId).Scan(&emptyReports).Error; err != nil {
		return cid, err
	}
	for _, row := range emptyReports {
		_ = db.WithContext(ctx).Create(&ReconciliationCheckRecord{
			VenueId:       venueId,
			CheckType:     "MACHINE_DATA",
			EntityType:    "DailyReport",
			EntityId:      row.ID,
			Details:       "machine_count > 0 but machine_data has no rows",
			CorrelationId: cid,
			CreatedAt:     now,
		}).Error
	}

	// 3) Events parked at the retry cap
	type stuckRow struct {
		ID         uint
		RetryCount int
	}
	var stuck []stuckRow
	if err := db.WithContext(ctx).Raw(`
		SELECT e.id, e.retry_count
		FROM telemetry_events e
		WHERE e.venue_id = ?
		  AND e.processed = 0
		  AND e.retry_count >= ?
	`, venueId, config.MaterializeMaxAttempts()).Scan(&stuck).Error; err != nil {
		return cid, err
	}
	for _, row := range stuck {
		_ = db.WithContext(ctx).Create(&ReconciliationCheckRecord{
			VenueId:       venueId,
			CheckType:     "STUCK_EVENTS",
			EntityType:    "TelemetryEvent",
			EntityId:      row.ID,
			Details:       fmt.Sprintf("unprocessed after %d attempts", row.RetryCount),
			CorrelationId: cid,
			CreatedAt:     now,
		}).Error
	}

	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":            "RevenueIntegrityChecks",
			"venue_id":         venueId,
			"correlation_id":   cid,
			"identity_drifted": len(drifted),
			"empty_reports":    len(emptyReports),
			"stuck_events":     len(stuck),
		}).Info("revenue integrity checks completed")
	}
	return cid, nil
}
