package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MachineRow is one machine's contribution inside a report's machine_data
// JSON column. Machine 0 is the relay's synthetic grand-total row: stored for
// audit, excluded from every venue rollup.
type MachineRow struct {
	MachineId        int             `json:"machineId"`
	MoneyIn          decimal.Decimal `json:"moneyIn"`
	Collect          decimal.Decimal `json:"collect"`
	NetRevenue       decimal.Decimal `json:"netRevenue"`
	TransactionCount int             `json:"transactionCount"`
}

// DailyReport is a materialized settlement report for one venue+day+relay
// batching window. Financial fields stay mutable while PENDING (merges from
// the same window), then freeze once reconciliation settles the report.
type DailyReport struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	VenueId    string    `gorm:"size:64;not null;index;uniqueIndex:uniq_report_window,priority:1" json:"venue_id"`
	RelayId    string    `gorm:"size:64;index;uniqueIndex:uniq_report_window,priority:3" json:"relay_id"`
	ReportDate time.Time `gorm:"type:date;not null;index;uniqueIndex:uniq_report_window,priority:2" json:"report_date"`
	// WindowSeq is the batching-window bucket. The unique index above is the
	// storage backstop for same-window create races: the loser gets a 1062
	// and merges into the winner's row.
	WindowSeq            int64                `gorm:"not null;default:0;uniqueIndex:uniq_report_window,priority:4" json:"window_seq"`
	PrintedAt            time.Time            `gorm:"index;not null" json:"printed_at"`
	IdempotencyKey       string               `gorm:"size:64;uniqueIndex;not null" json:"idempotency_key"`
	TotalRevenue         decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"total_revenue"`
	TotalMoneyIn         decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"total_money_in"`
	TotalCollect         decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"total_collect"`
	TransactionCount     int                  `gorm:"not null;default:0" json:"transaction_count"`
	MachineCount         int                  `gorm:"not null;default:0" json:"machine_count"`
	MachineDataJSON      []byte               `gorm:"type:json" json:"machine_data"`
	QualityScore         int                  `gorm:"not null;default:100" json:"quality_score"`
	HasAnomalies         *bool                `gorm:"not null;default:false" json:"has_anomalies"`
	AnomalyReasonsJSON   []byte               `gorm:"type:json" json:"anomaly_reasons"`
	ReconciliationStatus ReconciliationStatus `gorm:"type:enum('PENDING','INCLUDED','EXCLUDED','DUPLICATE');not null;default:'PENDING';index" json:"reconciliation_status"`
	// DuplicateOfId links a DUPLICATE report to the surviving print it repeats.
	DuplicateOfId *uint   `gorm:"index" json:"duplicate_of_id"`
	Notes         *string `gorm:"type:text" json:"notes"`
	LastModifiedBy       *string              `gorm:"size:100" json:"last_modified_by"`
	LastModifiedAt       *time.Time           `json:"last_modified_at"`
	SourceEventId        *uint                `gorm:"index" json:"source_event_id"`
	CorrelationId        string               `gorm:"size:64" json:"correlation_id"`
	CreatedAt            time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// Report audit guardrails:
// - daily_reports must never be deleted; exclusion is a reconciliation status.
// - the window identity of a report is fixed at insert.

func (r *DailyReport) BeforeDelete(tx *gorm.DB) error {
	return errors.New("audit trail: daily_reports cannot be deleted, exclude them instead")
}

func (r *DailyReport) BeforeUpdate(tx *gorm.DB) error {
	// Allow only merge and reconciliation fields to be updated.
	allowed := map[string]bool{
		"PrintedAt":            true,
		"TotalRevenue":         true,
		"TotalMoneyIn":         true,
		"TotalCollect":         true,
		"TransactionCount":     true,
		"MachineCount":         true,
		"MachineDataJSON":      true,
		"QualityScore":         true,
		"HasAnomalies":         true,
		"AnomalyReasonsJSON":   true,
		"ReconciliationStatus": true,
		"DuplicateOfId":        true,
		"Notes":                true,
		"LastModifiedBy":       true,
		"LastModifiedAt":       true,
		"UpdatedAt":            true,
	}
	if tx == nil || tx.Statement == nil || tx.Statement.Schema == nil {
		return nil
	}
	for _, f := range tx.Statement.Schema.Fields {
		if tx.Statement.Changed(f.Name) && !allowed[f.Name] {
			return errors.New("audit trail: window identity fields may not be updated on daily_reports")
		}
	}
	return nil
}

func (r *DailyReport) MachineRows() ([]MachineRow, error) {
	if len(r.MachineDataJSON) == 0 {
		return nil, nil
	}
	var rows []MachineRow
	if err := utils.UnmarshalFromJSON(r.MachineDataJSON, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *DailyReport) SetMachineRows(rows []MachineRow) error {
	encoded, err := utils.MarshalToJSON(rows)
	if err != nil {
		return err
	}
	r.MachineDataJSON = []byte(encoded)
	return nil
}

func (r *DailyReport) AnomalyReasons() []string {
	if len(r.AnomalyReasonsJSON) == 0 {
		return nil
	}
	var reasons []string
	if err := utils.UnmarshalFromJSON(r.AnomalyReasonsJSON, &reasons); err != nil {
		return nil
	}
	return reasons
}

func (r *DailyReport) SetAnomalyReasons(reasons []string) error {
	if len(reasons) == 0 {
		r.AnomalyReasonsJSON = nil
		r.HasAnomalies = utils.NewFalse()
		return nil
	}
	encoded, err := utils.MarshalToJSON(reasons)
	if err != nil {
		return err
	}
	r.AnomalyReasonsJSON = []byte(encoded)
	r.HasAnomalies = utils.NewTrue()
	return nil
}

func GetDailyReport(ctx context.Context, reportId uint) (*DailyReport, error) {
	var report DailyReport
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&report, "id = ?", reportId).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

// GetReportByWindow fetches one window's report with a row lock, so merges
// from the same window serialize on the row. Used by the materializer both
// on the window-store hit path and as the 1062 race-loser fallback.
func GetReportByWindow(tx *gorm.DB, venueId, relayId string, reportDate time.Time, windowSeq int64) (*DailyReport, error) {
	var report DailyReport
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("venue_id = ? AND relay_id = ? AND report_date = ? AND window_seq = ?",
			venueId, relayId, reportDate, windowSeq).
		First(&report).Error
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// GetOpenPendingReport finds a still-PENDING report for the window by a
// printed-at range scan. Fallback path when the Redis window store has no
// entry (instance restart, TTL races).
func GetOpenPendingReport(tx *gorm.DB, venueId, relayId string, reportDate time.Time, printedAfter time.Time) (*DailyReport, error) {
	var report DailyReport
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("venue_id = ? AND relay_id = ? AND report_date = ? AND reconciliation_status = ? AND printed_at >= ?",
			venueId, relayId, reportDate, ReconciliationStatusPending, printedAfter).
		Order("printed_at desc").
		First(&report).Error
	if err != nil {
		return nil, err
	}
	return &report, nil
}

type ReportListFilter struct {
	Status  *ReconciliationStatus
	RelayId *string
	From    *time.Time
	To      *time.Time
	Limit   int
	Offset  int
}

func ListDailyReports(ctx context.Context, venueId string, filter ReportListFilter) ([]*DailyReport, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("venue_id = ?", venueId)
	if filter.Status != nil {
		dbCtx = dbCtx.Where("reconciliation_status = ?", *filter.Status)
	}
	if filter.RelayId != nil {
		dbCtx = dbCtx.Where("relay_id = ?", *filter.RelayId)
	}
	if filter.From != nil {
		dbCtx = dbCtx.Where("report_date >= ?", *filter.From)
	}
	if filter.To != nil {
		dbCtx = dbCtx.Where("report_date <= ?", *filter.To)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var reports []*DailyReport
	err := dbCtx.Order("report_date desc, printed_at desc").
		Limit(limit).Offset(filter.Offset).
		Find(&reports).Error
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// GetReportsForDay returns every resolver-visible report for the venue's day.
// EXCLUDED and DUPLICATE reports never feed revenue rollups.
func GetReportsForDay(ctx context.Context, venueId string, reportDate time.Time) ([]*DailyReport, error) {
	var reports []*DailyReport
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("venue_id = ? AND report_date = ?", venueId, reportDate).
		Where("reconciliation_status IN ?", []ReconciliationStatus{ReconciliationStatusPending, ReconciliationStatusIncluded}).
		Order("printed_at asc, id asc").
		Find(&reports).Error
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// GetPendingReportsForVenue feeds the anomaly sweep.
func GetPendingReportsForVenue(ctx context.Context, venueId string, limit int) ([]*DailyReport, error) {
	if limit <= 0 {
		limit = 200
	}
	var reports []*DailyReport
	db := config.GetDB()
	err := db.WithContext(ctx).
		Where("venue_id = ? AND reconciliation_status = ?", venueId, ReconciliationStatusPending).
		Order("report_date desc, id desc").
		Limit(limit).
		Find(&reports).Error
	if err != nil {
		return nil, err
	}
	return reports, nil
}

type statusCountRow struct {
	ReconciliationStatus ReconciliationStatus
	Total                int64
}

// CountReportsByStatus groups a venue's reports by reconciliation status
// over an optional date range.
func CountReportsByStatus(ctx context.Context, venueId string, from, to *time.Time) (map[ReconciliationStatus]int64, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&DailyReport{}).
		Select("reconciliation_status, COUNT(*) AS total").
		Where("venue_id = ?", venueId)
	if from != nil {
		dbCtx = dbCtx.Where("report_date >= ?", *from)
	}
	if to != nil {
		dbCtx = dbCtx.Where("report_date <= ?", *to)
	}
	var rows []statusCountRow
	if err := dbCtx.Group("reconciliation_status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[ReconciliationStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.ReconciliationStatus] = row.Total
	}
	return counts, nil
}

// ApplyReconciliationTransition performs the audited status move with an
// optimistic guard on the current status. Zero rows affected means a
// concurrent writer got there first.
func ApplyReconciliationTransition(tx *gorm.DB, reportId uint, from, to ReconciliationStatus, actor string, notes *string, at time.Time) (int64, error) {
	updates := map[string]interface{}{
		"reconciliation_status": to,
		"last_modified_by":      actor,
		"last_modified_at":      at,
	}
	if notes != nil {
		updates["notes"] = notes
	}
	result := tx.Model(&DailyReport{}).
		Where("id = ? AND reconciliation_status = ?", reportId, from).
		Updates(updates)
	return result.RowsAffected, result.Error
}

// ApplyDuplicateTransition is the duplicate judgement: the same guarded
// UPDATE as ApplyReconciliationTransition, carrying the optional link to the
// surviving report so status and link land atomically.
func ApplyDuplicateTransition(tx *gorm.DB, reportId uint, actor string, notes *string, duplicateOfId *uint, at time.Time) (int64, error) {
	updates := map[string]interface{}{
		"reconciliation_status": ReconciliationStatusDuplicate,
		"last_modified_by":      actor,
		"last_modified_at":      at,
	}
	if notes != nil {
		updates["notes"] = notes
	}
	if duplicateOfId != nil {
		updates["duplicate_of_id"] = *duplicateOfId
	}
	result := tx.Model(&DailyReport{}).
		Where("id = ? AND reconciliation_status = ?", reportId, ReconciliationStatusPending).
		Updates(updates)
	return result.RowsAffected, result.Error
}

// ClearDuplicateLink drops a stale link when a DUPLICATE report is reverted
// to pending.
func ClearDuplicateLink(tx *gorm.DB, reportId uint) error {
	return tx.Model(&DailyReport{}).
		Where("id = ?", reportId).
		Update("duplicate_of_id", nil).Error
}
