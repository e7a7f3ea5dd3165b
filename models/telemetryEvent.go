package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// TelemetryEvent is one raw telemetry reading relayed from a venue machine.
// Rows are append-only: financial fields are frozen at insert, only the
// processing bookkeeping columns may change afterwards.
type TelemetryEvent struct {
	ID        uint      `gorm:"primary_key;index:idx_telemetry_dispatch,priority:3" json:"id"`
	VenueId   string    `gorm:"size:64;not null;index;index:idx_telemetry_dispatch,priority:2;uniqueIndex:uniq_telemetry_idem,priority:1" json:"venue_id"`
	RelayId   string    `gorm:"size:64;index" json:"relay_id"`
	MachineId int       `gorm:"index" json:"machine_id"`
	Kind      EventKind `gorm:"type:enum('MONEY_IN','MONEY_OUT','COLLECT','VOUCHER_PRINT','PAYOUT','SESSION_START','SESSION_END','DAILY_SUMMARY','UNKNOWN');not null;index" json:"kind"`
	// RawKind keeps the wire string exactly as the relay sent it, so unknown
	// kinds stay auditable after being parked under KindUnknown.
	RawKind           string          `gorm:"size:100" json:"raw_kind"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	EventTime         time.Time       `gorm:"index;not null" json:"event_time"`
	ReceivedAt        time.Time       `gorm:"not null" json:"received_at"`
	IdempotencyKey    *string         `gorm:"size:128;uniqueIndex:uniq_telemetry_idem,priority:2" json:"idempotency_key"`
	Processed         bool            `gorm:"not null;default:false;index:idx_telemetry_dispatch,priority:1" json:"processed"`
	ProcessedAt       *time.Time      `json:"processed_at"`
	GeneratedReportId *uint           `gorm:"index" json:"generated_report_id"`
	ProcessingError   *string         `gorm:"type:text" json:"processing_error"`
	RetryCount        int             `gorm:"not null;default:0" json:"retry_count"`
	NextAttemptAt     *time.Time      `gorm:"index" json:"next_attempt_at"`
	LockedAt          *time.Time      `json:"locked_at"`
	LockedBy          *string         `gorm:"size:100" json:"locked_by"`
	CorrelationId     string          `gorm:"size:64" json:"correlation_id"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Telemetry immutability guardrails:
// - telemetry_events must never be deleted.
// - limited updates are allowed only for processing bookkeeping fields.

func (e *TelemetryEvent) BeforeDelete(tx *gorm.DB) error {
	return errors.New("append-only ledger: telemetry_events cannot be deleted")
}

func (e *TelemetryEvent) BeforeUpdate(tx *gorm.DB) error {
	// Allow only processing bookkeeping fields to be updated.
	allowed := map[string]bool{
		"Processed":         true,
		"ProcessedAt":       true,
		"GeneratedReportId": true,
		"ProcessingError":   true,
		"RetryCount":        true,
		"NextAttemptAt":     true,
		"LockedAt":          true,
		"LockedBy":          true,
		"UpdatedAt":         true,
	}
	if tx == nil || tx.Statement == nil || tx.Statement.Schema == nil {
		return nil
	}
	for _, f := range tx.Statement.Schema.Fields {
		if tx.Statement.Changed(f.Name) && !allowed[f.Name] {
			return errors.New("append-only ledger: only processing fields may be updated on telemetry_events")
		}
	}
	return nil
}

type NewTelemetryEvent struct {
	VenueId        string          `json:"venueId" binding:"required"`
	RelayId        string          `json:"relayId"`
	MachineId      int             `json:"machineId" binding:"gte=0"`
	Kind           string          `json:"kind" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	EventTime      time.Time       `json:"eventTime" binding:"required"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// CreateTelemetryEvent appends one event. A replayed idempotency key does not
// error: the original row is fetched and returned with created=false so the
// relay sees the same outcome as the first delivery.
func CreateTelemetryEvent(ctx context.Context, input NewTelemetryEvent) (*TelemetryEvent, bool, error) {
	logger := config.GetLogger()

	kind, known := ParseEventKind(input.Kind)
	if !known {
		// Unknown kinds are stored, never rejected; the aggregator gives them
		// zero weight and the report carries an anomaly for them.
		logger.WithFields(logrus.Fields{
			"venueId": input.VenueId,
			"relayId": input.RelayId,
			"rawKind": input.Kind,
		}).Warn("telemetry event with unknown kind")
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	event := TelemetryEvent{
		VenueId:        input.VenueId,
		RelayId:        input.RelayId,
		MachineId:      input.MachineId,
		Kind:           kind,
		RawKind:        input.Kind,
		Amount:         input.Amount,
		EventTime:      input.EventTime,
		ReceivedAt:     time.Now(),
		IdempotencyKey: utils.NilIfEmpty(input.IdempotencyKey),
		CorrelationId:  correlationId,
	}

	db := config.GetDB()
	err := db.WithContext(ctx).Create(&event).Error
	if err == nil {
		return &event, true, nil
	}
	if !isDuplicateKeyErr(err) || input.IdempotencyKey == "" {
		config.LogError(logger, "TelemetryEvent", "CreateTelemetryEvent", "Error creating telemetry event", input, err)
		return nil, false, err
	}

	// Redelivery: return the original row so the outcome is stable.
	var existing TelemetryEvent
	if err := db.WithContext(ctx).
		Where("venue_id = ? AND machine_id = ? AND kind = ? AND idempotency_key = ?",
			input.VenueId, input.MachineId, kind, input.IdempotencyKey).
		First(&existing).Error; err != nil {
		config.LogError(logger, "TelemetryEvent", "CreateTelemetryEvent", "Error fetching original event for duplicate key", input, err)
		return nil, false, err
	}
	return &existing, false, nil
}

// GetTelemetryEvent fetches one event without venue scoping (ops surface).
func GetTelemetryEvent(ctx context.Context, eventId uint) (*TelemetryEvent, error) {
	var event TelemetryEvent
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&event, "id = ?", eventId).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// GetUnprocessedEvents lists events still waiting for a report, oldest first.
func GetUnprocessedEvents(ctx context.Context, venueId string, limit int) ([]*TelemetryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []*TelemetryEvent
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("processed = ?", false)
	if venueId != "" {
		dbCtx = dbCtx.Where("venue_id = ?", venueId)
	}
	if err := dbCtx.Order("event_time asc").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// MarkEventsProcessed stamps a batch of events with the report that consumed
// them. Runs inside the materializer's transaction.
func MarkEventsProcessed(tx *gorm.DB, eventIds []uint, reportId uint) error {
	if len(eventIds) == 0 {
		return nil
	}
	now := time.Now()
	return tx.Model(&TelemetryEvent{}).
		Where("id IN ?", eventIds).
		Updates(map[string]interface{}{
			"processed":           true,
			"processed_at":        now,
			"generated_report_id": reportId,
			"processing_error":    nil,
			"next_attempt_at":     nil,
			"locked_at":           nil,
			"locked_by":           nil,
		}).Error
}

// MarkEventFailed records a per-event processing failure without blocking the
// rest of the batch. nextAttemptAt nil parks the event (retry budget spent).
func MarkEventFailed(tx *gorm.DB, eventId uint, procErr error, nextAttemptAt *time.Time) error {
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	return tx.Model(&TelemetryEvent{}).
		Where("id = ?", eventId).
		Updates(map[string]interface{}{
			"processing_error": &msg,
			"retry_count":      gorm.Expr("retry_count + 1"),
			"next_attempt_at":  nextAttemptAt,
			"locked_at":        nil,
			"locked_by":        nil,
		}).Error
}

// ResetEventsForReplay clears the failure bookkeeping so parked events get
// picked up again by the dispatcher.
func ResetEventsForReplay(ctx context.Context, venueId string, eventIds []uint) (int64, error) {
	if len(eventIds) == 0 {
		return 0, nil
	}
	now := time.Now()
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&TelemetryEvent{}).
		Where("id IN ?", eventIds).
		Where("processed = ?", false)
	if venueId != "" {
		dbCtx = dbCtx.Where("venue_id = ?", venueId)
	}
	result := dbCtx.Updates(map[string]interface{}{
		"retry_count":      0,
		"processing_error": nil,
		"next_attempt_at":  now,
		"locked_at":        nil,
		"locked_by":        nil,
	})
	return result.RowsAffected, result.Error
}

// CountStuckEvents counts unprocessed events whose retry budget is spent.
func CountStuckEvents(ctx context.Context, maxAttempts int) (int64, error) {
	var count int64
	db := config.GetDB()
	err := db.WithContext(ctx).Model(&TelemetryEvent{}).
		Where("processed = ? AND retry_count >= ?", false, maxAttempts).
		Count(&count).Error
	return count, err
}

// GetStuckEvents lists parked events (retry budget spent) for operator
// inspection before a replay.
func GetStuckEvents(ctx context.Context, venueId string, maxAttempts, limit int) ([]*TelemetryEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []*TelemetryEvent
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).
		Where("processed = ? AND retry_count >= ?", false, maxAttempts)
	if venueId != "" {
		dbCtx = dbCtx.Where("venue_id = ?", venueId)
	}
	if err := dbCtx.Order("event_time asc").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// ResetOrphanedEvents reopens events whose generated report row no longer
// exists (partial restore, manual DB surgery). Raw SQL: the gorm update
// hooks cannot express the anti-join, and only bookkeeping columns change.
func ResetOrphanedEvents(ctx context.Context, venueId string, from, to time.Time) (int64, error) {
	if venueId == "" {
		return 0, errors.New("venue id is required")
	}
	db := config.GetDB()
	result := db.WithContext(ctx).Exec(`
		UPDATE telemetry_events e
		LEFT JOIN daily_reports r ON r.id = e.generated_report_id
		SET e.processed = 0,
			e.processed_at = NULL,
			e.generated_report_id = NULL,
			e.processing_error = NULL,
			e.retry_count = 0,
			e.next_attempt_at = NOW(),
			e.locked_at = NULL,
			e.locked_by = NULL
		WHERE e.venue_id = ?
			AND e.processed = 1
			AND e.generated_report_id IS NOT NULL
			AND r.id IS NULL
			AND e.event_time >= ? AND e.event_time <= ?
	`, venueId, from, to)
	return result.RowsAffected, result.Error
}

// GetVoucherTotalForRange sums voucher print amounts over venue-local time
// bounds. The grand-total machine row (machine 0) never emits vouchers, but
// exclude it anyway to match the revenue rollups.
func GetVoucherTotalForRange(ctx context.Context, venueId string, from, to time.Time) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	db := config.GetDB()
	err := db.WithContext(ctx).Model(&TelemetryEvent{}).
		Select("SUM(amount)").
		Where("venue_id = ? AND kind = ? AND machine_id <> 0", venueId, EventKindVoucherPrint).
		Where("event_time >= ? AND event_time <= ?", from, to).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}
