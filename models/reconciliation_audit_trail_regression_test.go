package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/models"
	"bitbucket.org/ampergames/gamecash_backend/models/reports"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"bitbucket.org/ampergames/gamecash_backend/workflow"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Every reconciliation judgement must leave a durable trail, survive a
// revert cycle, and keep reports undeletable. Excluded revenue must vanish
// from day resolution without vanishing from the record.
func TestReconciliationJudgementsLeaveAnAuditTrail(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "gamecash_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	venueId := seedVenue(t, "Harbor Lights Gaming")
	seedRelay(t, venueId, "relay-b", "Back room relay")

	correlationId := uuid.NewString()
	ctx = utils.SetVenueIdInContext(ctx, venueId)
	ctx = utils.SetActorEmailInContext(ctx, "auditor@test.local")
	ctx = utils.SetCorrelationIdInContext(ctx, correlationId)

	anchor := time.Now().UTC().AddDate(0, 0, -3)
	eventTime := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 12, 0, 0, 0, time.UTC)
	dayKey, err := utils.DateKeyUTC(eventTime, "Asia/Yangon")
	if err != nil {
		t.Fatalf("DateKeyUTC: %v", err)
	}

	ingestEvent(t, ctx, venueId, "relay-b", 1, "money_in", "600", eventTime, "a1-m1-in")
	ingestEvent(t, ctx, venueId, "relay-b", 1, "collect", "150", eventTime, "a1-m1-col")

	result, err := workflow.Materialize(ctx, venueId, "relay-b", eventTime, time.Now().UTC())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	report := result.Report
	if !report.TotalRevenue.Equal(decimal.RequireFromString("450")) {
		t.Fatalf("expected revenue 450, got %s", report.TotalRevenue.String())
	}

	// Judging a report without an identified actor is refused outright.
	anonymous := utils.SetVenueIdInContext(context.Background(), venueId)
	if _, err := workflow.IncludeReport(anonymous, report.ID, nil); !errors.Is(err, workflow.ErrActorRequired) {
		t.Fatalf("expected ErrActorRequired, got %v", err)
	}

	included, err := workflow.IncludeReport(ctx, report.ID, nil)
	if err != nil {
		t.Fatalf("IncludeReport: %v", err)
	}
	if included.ReconciliationStatus != models.ReconciliationStatusIncluded {
		t.Fatalf("expected INCLUDED, got %s", included.ReconciliationStatus)
	}
	if included.LastModifiedBy == nil || *included.LastModifiedBy != "auditor@test.local" {
		t.Fatal("expected the judging actor stamped on the report")
	}

	// A second include races against the already-settled report and loses.
	if _, err := workflow.IncludeReport(ctx, report.ID, nil); !errors.Is(err, workflow.ErrTransitionConflict) {
		t.Fatalf("expected ErrTransitionConflict, got %v", err)
	}

	// Reports are never deleted, excluded is a status.
	if err := config.GetDB().WithContext(ctx).Delete(&models.DailyReport{}, report.ID).Error; err == nil {
		t.Fatal("expected the delete guardrail to refuse")
	}

	reverted, err := workflow.RevertReportToPending(ctx, report.ID, nil)
	if err != nil {
		t.Fatalf("RevertReportToPending: %v", err)
	}
	if reverted.ReconciliationStatus != models.ReconciliationStatusPending {
		t.Fatalf("expected PENDING after revert, got %s", reverted.ReconciliationStatus)
	}

	// Zero out the header revenue so the sweep has something to find.
	err = config.GetDB().WithContext(ctx).Model(&models.DailyReport{}).
		Where("id = ?", report.ID).
		Updates(map[string]interface{}{"total_revenue": decimal.Zero}).Error
	if err != nil {
		t.Fatalf("zeroing total_revenue: %v", err)
	}
	updated, err := workflow.RunAnomalySweep(ctx, venueId)
	if err != nil {
		t.Fatalf("RunAnomalySweep: %v", err)
	}
	if updated != 1 {
		t.Fatalf("expected the sweep to refresh 1 report, got %d", updated)
	}
	var swept models.DailyReport
	if err := config.GetDB().WithContext(ctx).First(&swept, report.ID).Error; err != nil {
		t.Fatalf("reloading swept report: %v", err)
	}
	reasons := swept.AnomalyReasons()
	if len(reasons) != 2 || reasons[0] != models.AnomalyZeroRevenueActive || reasons[1] != models.AnomalyRevenueMismatch {
		t.Fatalf("expected zero-revenue and mismatch findings, got %v", reasons)
	}
	if swept.HasAnomalies == nil || !*swept.HasAnomalies {
		t.Fatal("expected the anomalies flag set by the sweep")
	}

	notes := "relay clock drift; superseded print"
	excluded, err := workflow.ExcludeReport(ctx, report.ID, &notes)
	if err != nil {
		t.Fatalf("ExcludeReport: %v", err)
	}
	if excluded.ReconciliationStatus != models.ReconciliationStatusExcluded {
		t.Fatalf("expected EXCLUDED, got %s", excluded.ReconciliationStatus)
	}
	if excluded.Notes == nil || *excluded.Notes != notes {
		t.Fatal("expected the judgement notes stored on the report")
	}

	// Excluded revenue disappears from the resolved day.
	resolved, err := workflow.ResolveVenueDay(ctx, venueId, models.DateString(dayKey))
	if err != nil {
		t.Fatalf("ResolveVenueDay: %v", err)
	}
	if len(resolved.Reports) != 0 {
		t.Fatalf("expected no authoritative reports, got %d", len(resolved.Reports))
	}
	if !resolved.TotalRevenue.IsZero() {
		t.Fatalf("expected zero resolved revenue, got %s", resolved.TotalRevenue.String())
	}

	// The trail keeps every judgement, latest first, with the request's
	// correlation id riding along.
	trail, err := models.ListReportHistory(ctx, report.ID)
	if err != nil {
		t.Fatalf("ListReportHistory: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("expected 3 trail rows, got %d", len(trail))
	}
	expected := []struct {
		action string
		before models.ReconciliationStatus
		after  models.ReconciliationStatus
	}{
		{"EXCLUDE", models.ReconciliationStatusPending, models.ReconciliationStatusExcluded},
		{"REVERT", models.ReconciliationStatusIncluded, models.ReconciliationStatusPending},
		{"INCLUDE", models.ReconciliationStatusPending, models.ReconciliationStatusIncluded},
	}
	for i, want := range expected {
		row := trail[i]
		if row.ActionType != want.action {
			t.Fatalf("trail[%d] expected %s, got %s", i, want.action, row.ActionType)
		}
		if row.Before != string(want.before) || row.After != string(want.after) {
			t.Fatalf("trail[%d] expected %s->%s, got %s->%s", i, want.before, want.after, row.Before, row.After)
		}
		if row.ActorEmail != "auditor@test.local" {
			t.Fatalf("trail[%d] expected the auditor stamped, got %s", i, row.ActorEmail)
		}
		if row.CorrelationId != correlationId {
			t.Fatalf("trail[%d] expected correlation %s, got %s", i, correlationId, row.CorrelationId)
		}
	}

	summary, err := reports.GetReconciliationSummary(ctx, venueId, nil, nil)
	if err != nil {
		t.Fatalf("GetReconciliationSummary: %v", err)
	}
	if summary.ExcludedCount != 1 || summary.PendingCount != 0 || summary.IncludedCount != 0 {
		t.Fatalf("expected counts excluded=1 pending=0 included=0, got excluded=%d pending=%d included=%d",
			summary.ExcludedCount, summary.PendingCount, summary.IncludedCount)
	}
	if summary.AnomalyReportCount != 1 {
		t.Fatalf("expected 1 anomaly report, got %d", summary.AnomalyReportCount)
	}
	if summary.UnprocessedEventCount != 0 {
		t.Fatalf("expected no unprocessed events, got %d", summary.UnprocessedEventCount)
	}
	if summary.AverageQualityScore != 100 {
		t.Fatalf("expected quality untouched by the sweep, got %f", summary.AverageQualityScore)
	}
}
