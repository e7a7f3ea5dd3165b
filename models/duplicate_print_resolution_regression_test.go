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
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"bitbucket.org/ampergames/gamecash_backend/workflow"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// A relay box swapped mid-day reports the same cabinet bank under a new relay
// id, so the venue day carries two full prints of the same counters. The
// operator keeps one print and links the other to it as a duplicate; revenue
// must drop back to a single print, and a revert must restore the judged
// report with its link cleared.
func TestDuplicateJudgementKeepsOnlyTheSurvivingPrint(t *testing.T) {
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

	venueId := seedVenue(t, "Golden Reel Lounge")
	seedRelay(t, venueId, "relay-c", "Main floor relay (replaced)")
	seedRelay(t, venueId, "relay-c2", "Main floor relay (replacement)")

	ctx = utils.SetVenueIdInContext(ctx, venueId)
	ctx = utils.SetActorEmailInContext(ctx, "ops@test.local")
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	anchor := time.Now().UTC().AddDate(0, 0, -5)
	eventTime := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 12, 0, 0, 0, time.UTC)
	dayKey, err := utils.DateKeyUTC(eventTime, "Asia/Yangon")
	if err != nil {
		t.Fatalf("DateKeyUTC: %v", err)
	}

	// The old box printed the day before it was pulled.
	ingestEvent(t, ctx, venueId, "relay-c", 1, "money_in", "400", eventTime, "d1-m1-in")
	ingestEvent(t, ctx, venueId, "relay-c", 1, "collect", "100", eventTime, "d1-m1-col")
	result1, err := workflow.Materialize(ctx, venueId, "relay-c", eventTime, time.Now().UTC())
	if err != nil {
		t.Fatalf("Materialize relay-c: %v", err)
	}
	if result1.Outcome != workflow.MaterializeOutcomeCreated {
		t.Fatalf("expected a fresh report for relay-c, got %s", result1.Outcome)
	}
	report1 := result1.Report

	// The replacement box reported the same counters half an hour later.
	laterTime := eventTime.Add(30 * time.Minute)
	ingestEvent(t, ctx, venueId, "relay-c2", 1, "money_in", "400", laterTime, "d2-m1-in")
	ingestEvent(t, ctx, venueId, "relay-c2", 1, "collect", "100", laterTime, "d2-m1-col")
	result2, err := workflow.Materialize(ctx, venueId, "relay-c2", laterTime, time.Now().UTC())
	if err != nil {
		t.Fatalf("Materialize relay-c2: %v", err)
	}
	if result2.Outcome != workflow.MaterializeOutcomeCreated {
		t.Fatalf("expected a fresh report for relay-c2, got %s", result2.Outcome)
	}
	report2 := result2.Report

	// Before the judgement the resolver sees one authoritative print per
	// relay id and doubles the day.
	resolved, err := workflow.ResolveVenueDay(ctx, venueId, models.DateString(dayKey))
	if err != nil {
		t.Fatalf("ResolveVenueDay before judgement: %v", err)
	}
	if len(resolved.Reports) != 2 {
		t.Fatalf("expected both prints authoritative, got %d", len(resolved.Reports))
	}
	if !resolved.TotalRevenue.Equal(decimal.RequireFromString("600")) {
		t.Fatalf("expected the doubled 600 before judgement, got %s", resolved.TotalRevenue.String())
	}

	if _, err := workflow.IncludeReport(ctx, report2.ID, nil); err != nil {
		t.Fatalf("IncludeReport: %v", err)
	}

	// A report cannot name itself as the surviving print.
	selfId := report1.ID
	if _, err := workflow.MarkReportDuplicate(ctx, report1.ID, &selfId, nil); err == nil {
		t.Fatal("expected the self-link to be refused")
	}

	// Nor a report that does not exist.
	bogus := uint(999999)
	if _, err := workflow.MarkReportDuplicate(ctx, report1.ID, &bogus, nil); !errors.Is(err, workflow.ErrReportNotFound) {
		t.Fatalf("expected ErrReportNotFound for a bogus link, got %v", err)
	}

	notes := "relay swapped mid-day; same cabinet bank printed twice"
	dupTarget := report2.ID
	dup, err := workflow.MarkReportDuplicate(ctx, report1.ID, &dupTarget, &notes)
	if err != nil {
		t.Fatalf("MarkReportDuplicate: %v", err)
	}
	if dup.ReconciliationStatus != models.ReconciliationStatusDuplicate {
		t.Fatalf("expected DUPLICATE, got %s", dup.ReconciliationStatus)
	}
	if dup.DuplicateOfId == nil || *dup.DuplicateOfId != report2.ID {
		t.Fatal("expected the surviving report linked on the duplicate")
	}
	if dup.Notes == nil || *dup.Notes != notes {
		t.Fatal("expected the judgement notes stored on the report")
	}

	// Only the surviving print feeds the day now.
	resolved, err = workflow.ResolveVenueDay(ctx, venueId, models.DateString(dayKey))
	if err != nil {
		t.Fatalf("ResolveVenueDay after judgement: %v", err)
	}
	if len(resolved.Reports) != 1 {
		t.Fatalf("expected one authoritative report, got %d", len(resolved.Reports))
	}
	if resolved.Reports[0].ID != report2.ID {
		t.Fatalf("expected report %d to survive, got %d", report2.ID, resolved.Reports[0].ID)
	}
	if !resolved.TotalRevenue.Equal(decimal.RequireFromString("300")) {
		t.Fatalf("expected a single print's 300, got %s", resolved.TotalRevenue.String())
	}

	// Reverting the judgement restores the print and drops the stale link.
	reverted, err := workflow.RevertReportToPending(ctx, report1.ID, nil)
	if err != nil {
		t.Fatalf("RevertReportToPending: %v", err)
	}
	if reverted.ReconciliationStatus != models.ReconciliationStatusPending {
		t.Fatalf("expected PENDING after revert, got %s", reverted.ReconciliationStatus)
	}
	if reverted.DuplicateOfId != nil {
		t.Fatalf("expected the duplicate link cleared on revert, got %d", *reverted.DuplicateOfId)
	}

	resolved, err = workflow.ResolveVenueDay(ctx, venueId, models.DateString(dayKey))
	if err != nil {
		t.Fatalf("ResolveVenueDay after revert: %v", err)
	}
	if len(resolved.Reports) != 2 {
		t.Fatalf("expected both prints back after revert, got %d", len(resolved.Reports))
	}

	trail, err := models.ListReportHistory(ctx, report1.ID)
	if err != nil {
		t.Fatalf("ListReportHistory: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("expected 2 trail rows, got %d", len(trail))
	}
	if trail[0].ActionType != "REVERT" || trail[1].ActionType != "DUPLICATE" {
		t.Fatalf("expected REVERT then DUPLICATE latest-first, got %s then %s", trail[0].ActionType, trail[1].ActionType)
	}
}
