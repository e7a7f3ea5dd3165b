package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/models"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	materializeBatchLimit = 500
	materializeMaxPasses  = 10
)

const (
	MaterializeOutcomeCreated = "created"
	MaterializeOutcomeMerged  = "merged"
	MaterializeOutcomeEmpty   = "empty"
)

// MaterializeResult reports what one materialize pass did so the caller can
// update the window store and metrics after commit.
type MaterializeResult struct {
	VenueId     string
	RelayId     string
	ReportDate  time.Time
	Report      *models.DailyReport
	Outcome     string
	EventCount  int
	FailedCount int
}

// Materialize folds the due unprocessed events of one venue+relay+day into a
// daily report. dayAnchor is any instant inside the venue-local day to
// aggregate; batchTime stamps the report's printed-at and picks the batching
// window. Runs in its own transaction; used by the dispatcher and ops tools.
func Materialize(ctx context.Context, venueId, relayId string, dayAnchor, batchTime time.Time) (*MaterializeResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()
	timezone := models.GetVenueTimezone(ctx, venueId)
	windowStore := NewBatchWindowStore()
	started := time.Now()

	var result *MaterializeResult
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		result, txErr = materializeDayTx(tx.WithContext(ctx), logger, windowStore, venueId, relayId, timezone, dayAnchor, batchTime)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	finishMaterialize(ctx, logger, windowStore, result, time.Since(started))
	return result, nil
}

// MaterializePending drains every due unprocessed event for a venue+relay,
// one venue-local day per pass, oldest day first. Used by the Pub/Sub handler
// and the polling dispatcher; both can race safely because each pass holds
// the per-day advisory lock.
func MaterializePending(ctx context.Context, venueId, relayId string) ([]*MaterializeResult, error) {
	db := config.GetDB()
	logger := config.GetLogger()
	timezone := models.GetVenueTimezone(ctx, venueId)
	windowStore := NewBatchWindowStore()

	results := make([]*MaterializeResult, 0, 1)
	for pass := 0; pass < materializeMaxPasses; pass++ {
		oldest, err := oldestDueEvent(ctx, venueId, relayId)
		if err != nil {
			return results, err
		}
		if oldest == nil {
			return results, nil
		}

		started := time.Now()
		var result *MaterializeResult
		err = db.Transaction(func(tx *gorm.DB) error {
			var txErr error
			result, txErr = materializeDayTx(tx.WithContext(ctx), logger, windowStore, venueId, relayId, timezone, oldest.EventTime, time.Now().UTC())
			return txErr
		})
		if err != nil {
			return results, err
		}
		finishMaterialize(ctx, logger, windowStore, result, time.Since(started))
		results = append(results, result)
		if result.EventCount == 0 && result.FailedCount == 0 {
			return results, nil
		}
	}
	return results, nil
}

// materializeDayTx is the transactional core: claim events, fold, then merge
// into the window's open report or create a fresh one. The advisory lock
// serializes concurrent materializers for the same venue+relay+day; the
// unique window index on daily_reports backstops the create race.
func materializeDayTx(tx *gorm.DB, logger *logrus.Logger, windowStore *BatchWindowStore, venueId, relayId, timezone string, dayAnchor, batchTime time.Time) (*MaterializeResult, error) {
	reportDate, err := utils.DateKeyUTC(dayAnchor, timezone)
	if err != nil {
		return nil, err
	}
	dayStart, dayEnd, err := utils.DayRange(dayAnchor, timezone)
	if err != nil {
		return nil, err
	}

	result := &MaterializeResult{
		VenueId:    venueId,
		RelayId:    relayId,
		ReportDate: reportDate,
		Outcome:    MaterializeOutcomeEmpty,
	}

	if err := AcquireMaterializeLock(tx, venueId, relayId, reportDate); err != nil {
		return nil, err
	}
	defer ReleaseMaterializeLock(tx, venueId, relayId, reportDate)

	events, err := claimWindowEvents(tx, venueId, relayId, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return result, nil
	}

	good := make([]*models.TelemetryEvent, 0, len(events))
	for _, e := range events {
		if vErr := validateEventForReport(e); vErr != nil {
			result.FailedCount++
			recordEventFailure(tx, logger, e, vErr)
			continue
		}
		good = append(good, e)
	}
	if len(good) == 0 {
		return result, nil
	}

	activity := models.FoldTelemetryEvents(good)

	var report *models.DailyReport
	outcome := MaterializeOutcomeMerged
	if openId, ok := windowStore.OpenReportId(config.GetRedisContext(), venueId, relayId, reportDate); ok {
		report, err = lockPendingReport(tx, venueId, openId)
		if err != nil {
			return nil, err
		}
	}
	if report == nil {
		report, err = models.GetOpenPendingReport(tx, venueId, relayId, reportDate, batchTime.Add(-windowStore.windowLength()))
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	if report == nil {
		var merged bool
		report, merged, err = createWindowReport(tx, venueId, relayId, reportDate, batchTime, activity, good[0])
		if err != nil {
			return nil, err
		}
		if !merged {
			outcome = MaterializeOutcomeCreated
		}
	} else {
		if err := mergeActivityIntoReport(tx, report, activity, batchTime); err != nil {
			return nil, err
		}
	}

	eventIds := make([]uint, 0, len(good))
	for _, e := range good {
		eventIds = append(eventIds, e.ID)
	}
	if err := models.MarkEventsProcessed(tx, eventIds, report.ID); err != nil {
		return nil, err
	}

	result.Report = report
	result.Outcome = outcome
	result.EventCount = len(good)
	return result, nil
}

func finishMaterialize(ctx context.Context, logger *logrus.Logger, windowStore *BatchWindowStore, result *MaterializeResult, elapsed time.Duration) {
	if result == nil {
		return
	}
	config.MaterializeDuration.Observe(elapsed.Seconds())
	if result.Report == nil {
		return
	}
	windowStore.RememberReport(ctx, result.VenueId, result.RelayId, result.ReportDate, result.Report.ID)
	config.ReportsMaterializedTotal.WithLabelValues(result.Outcome).Inc()
	logger.WithFields(logrus.Fields{
		"field":     "Materializer",
		"venue_id":  result.VenueId,
		"relay_id":  result.RelayId,
		"report_id": result.Report.ID,
		"date":      result.ReportDate.Format("2006-01-02"),
		"outcome":   result.Outcome,
		"events":    result.EventCount,
		"failed":    result.FailedCount,
	}).Info("daily report materialized")
}

// claimWindowEvents row-locks the due unprocessed events of one venue-local
// day. Lock columns stamped by the dispatcher are ignored here: the advisory
// lock is the real mutual exclusion, and reading regardless of claim marks
// means a crashed dispatcher never strands its rows.
func claimWindowEvents(tx *gorm.DB, venueId, relayId string, dayStart, dayEnd time.Time) ([]*models.TelemetryEvent, error) {
	now := time.Now().UTC()
	var events []*models.TelemetryEvent
	err := tx.
		Where("venue_id = ? AND relay_id = ? AND processed = ?", venueId, relayId, false).
		Where("event_time >= ? AND event_time < ?", dayStart, dayEnd).
		Where("retry_count < ?", config.MaterializeMaxAttempts()).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("event_time ASC, id ASC").
		Limit(materializeBatchLimit).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func oldestDueEvent(ctx context.Context, venueId, relayId string) (*models.TelemetryEvent, error) {
	db := config.GetDB()
	now := time.Now().UTC()
	var event models.TelemetryEvent
	err := db.WithContext(ctx).
		Where("venue_id = ? AND relay_id = ? AND processed = ?", venueId, relayId, false).
		Where("retry_count < ?", config.MaterializeMaxAttempts()).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("event_time ASC, id ASC").
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// validateEventForReport is the per-event gate. Events that fail here get a
// processing error and a retry budget instead of poisoning the whole batch.
func validateEventForReport(e *models.TelemetryEvent) error {
	if e.Kind.IsFinancial() && e.Amount.IsNegative() {
		return fmt.Errorf("negative amount %s for kind %s", e.Amount.String(), e.Kind)
	}
	return nil
}

func recordEventFailure(tx *gorm.DB, logger *logrus.Logger, e *models.TelemetryEvent, cause error) {
	attempt := e.RetryCount + 1
	var next *time.Time
	if attempt < config.MaterializeMaxAttempts() {
		t := time.Now().UTC().Add(failureBackoff(attempt))
		next = &t
	}
	if err := models.MarkEventFailed(tx, e.ID, cause, next); err != nil {
		config.LogError(logger, "materializerWorkflow.go", "recordEventFailure", "marking event failed", e.ID, err)
		return
	}
	if next == nil {
		logger.WithFields(logrus.Fields{
			"field":    "Materializer",
			"venue_id": e.VenueId,
			"event_id": e.ID,
			"attempt":  attempt,
		}).Error("event parked after max materialize attempts: " + cause.Error())
	}
}

func failureBackoff(attempt int) time.Duration {
	backoff := time.Minute
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > 10*time.Minute {
			backoff = 10 * time.Minute
			break
		}
	}
	return backoff
}

func lockPendingReport(tx *gorm.DB, venueId string, reportId uint) (*models.DailyReport, error) {
	var report models.DailyReport
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND venue_id = ? AND reconciliation_status = ?", reportId, venueId, models.ReconciliationStatusPending).
		First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &report, nil
}

// createWindowReport inserts a fresh report for the batching window. A
// duplicate-key error means another materializer created the window's report
// between our fallback lookup and the insert; the loser merges into it.
func createWindowReport(tx *gorm.DB, venueId, relayId string, reportDate, batchTime time.Time, activity *models.DayActivity, firstEvent *models.TelemetryEvent) (*models.DailyReport, bool, error) {
	report := &models.DailyReport{
		VenueId:              venueId,
		RelayId:              relayId,
		ReportDate:           reportDate,
		WindowSeq:            windowSeqFor(batchTime),
		PrintedAt:            batchTime,
		IdempotencyKey:       uuid.NewString(),
		TotalMoneyIn:         activity.TotalMoneyIn,
		TotalCollect:         activity.TotalCollect,
		TransactionCount:     activity.TransactionCount,
		MachineCount:         activity.MachineCount,
		ReconciliationStatus: models.ReconciliationStatusPending,
	}
	report.TotalRevenue = report.TotalMoneyIn.Sub(report.TotalCollect)
	if firstEvent != nil {
		report.SourceEventId = &firstEvent.ID
		report.CorrelationId = firstEvent.CorrelationId
	}
	rows := activity.MachineRows()
	if err := report.SetMachineRows(rows); err != nil {
		return nil, false, err
	}
	applyReportQuality(report, len(rows), activity.UnknownKindCount > 0)

	if err := tx.Create(report).Error; err != nil {
		if !isDuplicateKeyErr(err) {
			return nil, false, err
		}
		existing, gErr := models.GetReportByWindow(tx, venueId, relayId, reportDate, report.WindowSeq)
		if gErr != nil {
			return nil, false, gErr
		}
		if mErr := mergeActivityIntoReport(tx, existing, activity, batchTime); mErr != nil {
			return nil, false, mErr
		}
		return existing, true, nil
	}
	return report, false, nil
}

func windowSeqFor(batchTime time.Time) int64 {
	seconds := int64(config.BatchWindow() / time.Second)
	if seconds <= 0 {
		seconds = 45
	}
	return batchTime.UTC().Unix() / seconds
}

// mergeActivityIntoReport folds a later batch into the window's open report:
// money-in and collect add, the transaction count increments, machine rows
// merge per machine, and the quality flags recompute from the merged state.
func mergeActivityIntoReport(tx *gorm.DB, report *models.DailyReport, activity *models.DayActivity, batchTime time.Time) error {
	if report.ReconciliationStatus != models.ReconciliationStatusPending {
		return fmt.Errorf("report %d already reconciled as %s; cannot merge new telemetry", report.ID, report.ReconciliationStatus)
	}

	existing, err := report.MachineRows()
	if err != nil {
		return err
	}
	merged := mergeMachineRows(existing, activity.MachineRows())
	if err := report.SetMachineRows(merged); err != nil {
		return err
	}

	report.TotalMoneyIn = report.TotalMoneyIn.Add(activity.TotalMoneyIn)
	report.TotalCollect = report.TotalCollect.Add(activity.TotalCollect)
	report.TotalRevenue = report.TotalMoneyIn.Sub(report.TotalCollect)
	report.TransactionCount += activity.TransactionCount
	report.MachineCount = countActiveMachines(merged)
	if batchTime.After(report.PrintedAt) {
		report.PrintedAt = batchTime
	}
	applyReportQuality(report, len(merged), activity.UnknownKindCount > 0)

	return tx.Model(&models.DailyReport{}).
		Where("id = ?", report.ID).
		Updates(map[string]interface{}{
			"printed_at":           report.PrintedAt,
			"total_revenue":        report.TotalRevenue,
			"total_money_in":       report.TotalMoneyIn,
			"total_collect":        report.TotalCollect,
			"transaction_count":    report.TransactionCount,
			"machine_count":        report.MachineCount,
			"machine_data_json":    report.MachineDataJSON,
			"quality_score":        report.QualityScore,
			"has_anomalies":        report.HasAnomalies,
			"anomaly_reasons_json": report.AnomalyReasonsJSON,
		}).Error
}

func mergeMachineRows(existing, incoming []models.MachineRow) []models.MachineRow {
	byMachine := make(map[int]*models.MachineRow, len(existing)+len(incoming))
	order := make([]int, 0, len(existing)+len(incoming))
	for i := range existing {
		row := existing[i]
		byMachine[row.MachineId] = &row
		order = append(order, row.MachineId)
	}
	for _, in := range incoming {
		if row, ok := byMachine[in.MachineId]; ok {
			row.MoneyIn = row.MoneyIn.Add(in.MoneyIn)
			row.Collect = row.Collect.Add(in.Collect)
			row.NetRevenue = row.NetRevenue.Add(in.NetRevenue)
			row.TransactionCount += in.TransactionCount
			continue
		}
		row := in
		byMachine[in.MachineId] = &row
		order = append(order, in.MachineId)
	}

	merged := make([]models.MachineRow, 0, len(order))
	for _, id := range order {
		merged = append(merged, *byMachine[id])
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].MachineId < merged[j].MachineId })
	return merged
}

func countActiveMachines(rows []models.MachineRow) int {
	count := 0
	for _, row := range rows {
		if row.MachineId != 0 {
			count++
		}
	}
	return count
}

// applyReportQuality recomputes the quality score and anomaly reasons from
// the report's current state. Data anomalies (unknown kinds) are sticky once
// a batch carrying them lands; structural conditions clear when a later
// merge resolves them.
func applyReportQuality(report *models.DailyReport, machineRowCount int, unknownKinds bool) {
	sticky := make(map[string]bool)
	for _, reason := range report.AnomalyReasons() {
		if reason == models.AnomalyUnknownEventKind || reason == models.AnomalyNegativeMachineData {
			sticky[reason] = true
		}
	}
	if unknownKinds {
		sticky[models.AnomalyUnknownEventKind] = true
	}

	reasons := make([]string, 0, 4)
	for _, code := range []string{models.AnomalyUnknownEventKind, models.AnomalyNegativeMachineData} {
		if sticky[code] {
			reasons = append(reasons, code)
		}
	}

	score := 100
	if len(sticky) > 0 {
		score -= config.QualityDeductAnomaly()
	}
	if report.MachineCount > 0 && machineRowCount == 0 {
		reasons = append(reasons, models.AnomalyMissingMachineRows)
		score -= config.QualityDeductNoMachineData()
	}
	if report.TotalRevenue.IsZero() && report.MachineCount > 0 {
		reasons = append(reasons, models.AnomalyZeroRevenueActive)
		score -= config.QualityDeductZeroRevenue()
	}
	if score < 0 {
		score = 0
	}
	report.QualityScore = score
	_ = report.SetAnomalyReasons(reasons)
}
