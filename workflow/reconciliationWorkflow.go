package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/models"
	"bitbucket.org/ampergames/gamecash_backend/models/reports"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrReportNotFound     = errors.New("report not found")
	ErrTransitionConflict = errors.New("report status changed concurrently")
	ErrActorRequired      = errors.New("actor identity required for reconciliation")
)

// IncludeReport counts a pending report toward venue settlement revenue.
func IncludeReport(ctx context.Context, reportId uint, notes *string) (*models.DailyReport, error) {
	return transitionReport(ctx, reportId, models.ReconciliationStatusPending, models.ReconciliationStatusIncluded, notes)
}

// ExcludeReport removes a pending report from settlement while keeping the
// record for audit.
func ExcludeReport(ctx context.Context, reportId uint, notes *string) (*models.DailyReport, error) {
	return transitionReport(ctx, reportId, models.ReconciliationStatusPending, models.ReconciliationStatusExcluded, notes)
}

// MarkReportDuplicate flags a pending report as a re-send of another report
// for the same day. When the operator names the surviving report, the link is
// validated against the same venue day and stored with the transition.
func MarkReportDuplicate(ctx context.Context, reportId uint, duplicateOfId *uint, notes *string) (*models.DailyReport, error) {
	actor, err := reconciliationActor(ctx)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	logger := config.GetLogger()
	now := time.Now().UTC()

	var report *models.DailyReport
	err = db.Transaction(func(tx *gorm.DB) error {
		txCtx := tx.WithContext(ctx)
		if duplicateOfId != nil {
			if *duplicateOfId == reportId {
				return fmt.Errorf("report %d cannot be a duplicate of itself", reportId)
			}
			current, err := fetchReportTx(txCtx, reportId)
			if err != nil {
				return err
			}
			surviving, err := fetchReportTx(txCtx, *duplicateOfId)
			if err != nil {
				return err
			}
			if surviving.VenueId != current.VenueId || !surviving.ReportDate.Equal(current.ReportDate) {
				return fmt.Errorf("report %d is not another print of the same venue day", *duplicateOfId)
			}
		}
		rows, err := models.ApplyDuplicateTransition(txCtx, reportId, actor, notes, duplicateOfId, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return transitionFailure(txCtx, reportId, models.ReconciliationStatusPending)
		}
		report, err = fetchReportTx(txCtx, reportId)
		if err != nil {
			return err
		}
		return models.RecordReconciliationTransition(txCtx, report, models.ReconciliationStatusPending, models.ReconciliationStatusDuplicate, actor, notes)
	})
	if err != nil {
		return nil, err
	}

	afterTransition(ctx, logger, report, actor, models.ReconciliationStatusPending)
	return report, nil
}

// transitionReport applies one pending→terminal transition. Status, actor,
// timestamp and notes land in a single guarded UPDATE, so a concurrent
// operator racing on the same report loses cleanly instead of overwriting.
func transitionReport(ctx context.Context, reportId uint, from, to models.ReconciliationStatus, notes *string) (*models.DailyReport, error) {
	actor, err := reconciliationActor(ctx)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	logger := config.GetLogger()
	now := time.Now().UTC()

	var report *models.DailyReport
	err = db.Transaction(func(tx *gorm.DB) error {
		txCtx := tx.WithContext(ctx)
		rows, err := models.ApplyReconciliationTransition(txCtx, reportId, from, to, actor, notes, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return transitionFailure(txCtx, reportId, from)
		}
		report, err = fetchReportTx(txCtx, reportId)
		if err != nil {
			return err
		}
		return models.RecordReconciliationTransition(txCtx, report, from, to, actor, notes)
	})
	if err != nil {
		return nil, err
	}

	afterTransition(ctx, logger, report, actor, from)
	return report, nil
}

// RevertReportToPending is the audited operator override: it re-opens a
// reconciled report so it can be judged again. Not part of the ordinary
// state machine, hence the louder logging.
func RevertReportToPending(ctx context.Context, reportId uint, notes *string) (*models.DailyReport, error) {
	actor, err := reconciliationActor(ctx)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	logger := config.GetLogger()
	now := time.Now().UTC()

	var report *models.DailyReport
	var reverted models.ReconciliationStatus
	err = db.Transaction(func(tx *gorm.DB) error {
		txCtx := tx.WithContext(ctx)
		current, err := fetchReportForUpdateTx(txCtx, reportId)
		if err != nil {
			return err
		}
		if !current.ReconciliationStatus.IsTerminal() {
			return fmt.Errorf("%w: report %d is already pending", ErrTransitionConflict, reportId)
		}
		reverted = current.ReconciliationStatus
		rows, err := models.ApplyReconciliationTransition(txCtx, reportId, current.ReconciliationStatus, models.ReconciliationStatusPending, actor, notes, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return transitionFailure(txCtx, reportId, current.ReconciliationStatus)
		}
		if reverted == models.ReconciliationStatusDuplicate {
			if err := models.ClearDuplicateLink(txCtx, reportId); err != nil {
				return err
			}
		}
		report, err = fetchReportTx(txCtx, reportId)
		if err != nil {
			return err
		}
		return models.RecordReconciliationTransition(txCtx, report, reverted, models.ReconciliationStatusPending, actor, notes)
	})
	if err != nil {
		return nil, err
	}

	reports.InvalidateVenueDayCache(report.VenueId, report.ReportDate)
	config.ReconciliationTransitionsTotal.WithLabelValues(string(models.ReconciliationStatusPending)).Inc()
	logger.WithFields(logrus.Fields{
		"field":     "Reconciliation",
		"venue_id":  report.VenueId,
		"report_id": report.ID,
		"from":      string(reverted),
		"actor":     actor,
	}).Warn("report reverted to pending by operator override")
	return report, nil
}

func afterTransition(ctx context.Context, logger *logrus.Logger, report *models.DailyReport, actor string, from models.ReconciliationStatus) {
	if report == nil {
		return
	}
	config.ReconciliationTransitionsTotal.WithLabelValues(string(report.ReconciliationStatus)).Inc()
	logger.WithFields(logrus.Fields{
		"field":     "Reconciliation",
		"venue_id":  report.VenueId,
		"report_id": report.ID,
		"from":      string(from),
		"to":        string(report.ReconciliationStatus),
		"actor":     actor,
	}).Info("reconciliation transition applied")

	// The report left pending, so close its batching window; late telemetry
	// for the day must open a fresh report instead of touching this one.
	NewBatchWindowStore().Forget(ctx, report.VenueId, report.RelayId, report.ReportDate)
	reports.InvalidateVenueDayCache(report.VenueId, report.ReportDate)
}

func reconciliationActor(ctx context.Context) (string, error) {
	if email, ok := utils.GetActorEmailFromContext(ctx); ok && email != "" {
		return email, nil
	}
	if id, ok := utils.GetActorIdFromContext(ctx); ok && id != "" {
		return id, nil
	}
	return "", ErrActorRequired
}

func transitionFailure(tx *gorm.DB, reportId uint, expected models.ReconciliationStatus) error {
	current, err := fetchReportTx(tx, reportId)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: report %d is %s, expected %s", ErrTransitionConflict, reportId, current.ReconciliationStatus, expected)
}

func fetchReportTx(tx *gorm.DB, reportId uint) (*models.DailyReport, error) {
	var report models.DailyReport
	if err := tx.Where("id = ?", reportId).First(&report).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrReportNotFound, reportId)
		}
		return nil, err
	}
	return &report, nil
}

func fetchReportForUpdateTx(tx *gorm.DB, reportId uint) (*models.DailyReport, error) {
	var report models.DailyReport
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", reportId).
		First(&report).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrReportNotFound, reportId)
		}
		return nil, err
	}
	return &report, nil
}

// DetectAnomalies runs the read-only consistency checks a reconciler sees
// before judging a report. Findings inform the include/exclude decision;
// they never block the report from existing.
func DetectAnomalies(report *models.DailyReport) []string {
	if report == nil {
		return nil
	}
	reasons := make([]string, 0, 4)
	for _, reason := range report.AnomalyReasons() {
		if reason == models.AnomalyUnknownEventKind {
			reasons = append(reasons, reason)
		}
	}

	rows, err := report.MachineRows()
	if err != nil {
		rows = nil
	}

	if report.TotalRevenue.IsZero() && report.MachineCount > 0 {
		reasons = append(reasons, models.AnomalyZeroRevenueActive)
	}

	identityGap := report.TotalRevenue.Sub(report.TotalMoneyIn.Sub(report.TotalCollect)).Abs()
	if identityGap.GreaterThan(config.RevenueTolerance()) {
		reasons = append(reasons, models.AnomalyRevenueMismatch)
	}

	if report.MachineCount > 0 && len(rows) == 0 {
		reasons = append(reasons, models.AnomalyMissingMachineRows)
	}

	for _, row := range rows {
		if row.MoneyIn.IsNegative() || row.Collect.IsNegative() {
			reasons = append(reasons, models.AnomalyNegativeMachineData)
			break
		}
	}
	return reasons
}

// RunAnomalySweep refreshes the anomaly flags of a venue's pending reports.
// The quality score is left as materialization computed it; the sweep only
// updates what a reconciler sees in the review queue.
func RunAnomalySweep(ctx context.Context, venueId string) (int, error) {
	release, err := utils.VenueLock(ctx, venueId, "anomaly-sweep", "reconciliationWorkflow.go", "RunAnomalySweep")
	if err != nil {
		return 0, err
	}
	defer release()

	db := config.GetDB()
	logger := config.GetLogger()
	reports, err := models.GetPendingReportsForVenue(ctx, venueId, 500)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, report := range reports {
		reasons := DetectAnomalies(report)
		if sameReasons(report.AnomalyReasons(), reasons) {
			continue
		}
		if err := report.SetAnomalyReasons(reasons); err != nil {
			config.LogError(logger, "reconciliationWorkflow.go", "RunAnomalySweep", "Encoding anomaly reasons", report.ID, err)
			continue
		}
		err := db.WithContext(ctx).Model(&models.DailyReport{}).
			Where("id = ? AND reconciliation_status = ?", report.ID, models.ReconciliationStatusPending).
			Updates(map[string]interface{}{
				"has_anomalies":        report.HasAnomalies,
				"anomaly_reasons_json": report.AnomalyReasonsJSON,
			}).Error
		if err != nil {
			config.LogError(logger, "reconciliationWorkflow.go", "RunAnomalySweep", "Persisting anomaly flags", report.ID, err)
			continue
		}
		updated++
	}

	if updated > 0 {
		logger.WithFields(logrus.Fields{
			"field":    "Reconciliation",
			"venue_id": venueId,
			"scanned":  len(reports),
			"updated":  updated,
		}).Info("anomaly sweep refreshed pending reports")
	}
	return updated, nil
}

func sameReasons(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, r := range a {
		seen[r]++
	}
	for _, r := range b {
		if seen[r] == 0 {
			return false
		}
		seen[r]--
	}
	return true
}
