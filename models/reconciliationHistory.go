package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"gorm.io/gorm"
)

// ReconciliationHistory is the append-only trail of reconciliation
// judgements. One row per transition, written in the same transaction as the
// status change, so the trail and the report can never disagree. Revert
// cycles stay fully recorded here; the report's own audit columns only keep
// the latest actor.
type ReconciliationHistory struct {
	ID            uint      `gorm:"primary_key" json:"id"`
	VenueId       string    `gorm:"size:64;not null;index" json:"venue_id"`
	ReportId      uint      `gorm:"not null;index" json:"report_id"`
	ActionType    string    `gorm:"size:20;not null" json:"action_type"`
	Before        string    `gorm:"size:20;not null" json:"before"`
	After         string    `gorm:"size:20;not null" json:"after"`
	Notes         *string   `gorm:"type:text" json:"notes"`
	ActorEmail    string    `gorm:"size:255;not null" json:"actor_email"`
	CorrelationId string    `gorm:"size:64" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (h *ReconciliationHistory) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("audit trail: reconciliation history is append-only")
}

func (h *ReconciliationHistory) BeforeDelete(tx *gorm.DB) error {
	return errors.New("audit trail: reconciliation history cannot be deleted")
}

func transitionAction(to ReconciliationStatus) string {
	switch to {
	case ReconciliationStatusIncluded:
		return "INCLUDE"
	case ReconciliationStatusExcluded:
		return "EXCLUDE"
	case ReconciliationStatusDuplicate:
		return "DUPLICATE"
	case ReconciliationStatusPending:
		return "REVERT"
	default:
		return "UPDATE"
	}
}

// RecordReconciliationTransition appends one trail row inside the caller's
// transaction. The correlation id rides along from the request context.
func RecordReconciliationTransition(tx *gorm.DB, report *DailyReport, from, to ReconciliationStatus, actor string, notes *string) error {
	correlationId, _ := utils.GetCorrelationIdFromContext(tx.Statement.Context)
	history := ReconciliationHistory{
		VenueId:       report.VenueId,
		ReportId:      report.ID,
		ActionType:    transitionAction(to),
		Before:        string(from),
		After:         string(to),
		Notes:         notes,
		ActorEmail:    actor,
		CorrelationId: correlationId,
	}
	return tx.Create(&history).Error
}

// ListReportHistory returns a report's trail, latest judgement first.
func ListReportHistory(ctx context.Context, reportId uint) ([]*ReconciliationHistory, error) {
	db := config.GetDB()
	var results []*ReconciliationHistory
	err := db.WithContext(ctx).
		Where("report_id = ?", reportId).
		Order("created_at DESC, id DESC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
