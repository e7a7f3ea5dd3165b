package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
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

// Regression for the double-count bug class: a relay re-prints its whole day
// report after every cash collection, and an earlier print must never be
// added on top of the re-send when the day is resolved.
func TestRelayResendSupersedesEarlierReportInDayResolution(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "gamecash_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	venueId := seedVenue(t, "Riverside Gaming Hall")
	seedRelay(t, venueId, "relay-a", "Floor 1 cabinet relay")

	// Reconciliation requires an actor; the venue guard scopes by venue id.
	ctx = utils.SetVenueIdInContext(ctx, venueId)
	ctx = utils.SetActorEmailInContext(ctx, "ops@test.local")
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())

	// A closed business day one week back. 12:00 UTC is 18:30 venue-local,
	// so both prints below land well inside the same Yangon day.
	anchor := time.Now().UTC().AddDate(0, 0, -7)
	eventTime := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 12, 0, 0, 0, time.UTC)
	dayKey, err := utils.DateKeyUTC(eventTime, "Asia/Yangon")
	if err != nil {
		t.Fatalf("DateKeyUTC: %v", err)
	}

	// Print 1: counters at the first cash collection. Machine 0 is the
	// relay's own grand-total row.
	firstPrint := ingestEvent(t, ctx, venueId, "relay-a", 0, "money_in", "800", eventTime, "p1-m0-in")
	ingestEvent(t, ctx, venueId, "relay-a", 0, "collect", "100", eventTime, "p1-m0-col")
	ingestEvent(t, ctx, venueId, "relay-a", 1, "money_in", "500", eventTime, "p1-m1-in")
	ingestEvent(t, ctx, venueId, "relay-a", 1, "collect", "100", eventTime, "p1-m1-col")
	ingestEvent(t, ctx, venueId, "relay-a", 2, "money_in", "300", eventTime, "p1-m2-in")

	// At-least-once delivery: the same idempotency key returns the original
	// row instead of inserting a second event.
	replay, created, err := models.CreateTelemetryEvent(ctx, models.NewTelemetryEvent{
		VenueId:        venueId,
		RelayId:        "relay-a",
		MachineId:      0,
		Kind:           "money_in",
		Amount:         decimal.RequireFromString("800"),
		EventTime:      eventTime,
		IdempotencyKey: "p1-m0-in",
	})
	if err != nil {
		t.Fatalf("replayed CreateTelemetryEvent: %v", err)
	}
	if created {
		t.Fatal("expected the replayed delivery to return the original event")
	}
	if replay.ID != firstPrint.ID {
		t.Fatalf("expected original event %d, got %d", firstPrint.ID, replay.ID)
	}

	batch1Time := time.Now().UTC()
	result, err := workflow.Materialize(ctx, venueId, "relay-a", eventTime, batch1Time)
	if err != nil {
		t.Fatalf("Materialize print 1: %v", err)
	}
	if result.Outcome != workflow.MaterializeOutcomeCreated {
		t.Fatalf("expected a fresh report, got outcome %s", result.Outcome)
	}
	if result.EventCount != 5 {
		t.Fatalf("expected 5 folded events, got %d", result.EventCount)
	}
	report1 := result.Report
	if !report1.TotalMoneyIn.Equal(decimal.RequireFromString("800")) {
		t.Fatalf("print 1 moneyIn expected 800 (grand-total row excluded), got %s", report1.TotalMoneyIn.String())
	}
	if !report1.TotalRevenue.Equal(decimal.RequireFromString("700")) {
		t.Fatalf("print 1 revenue expected 700, got %s", report1.TotalRevenue.String())
	}
	if report1.MachineCount != 2 {
		t.Fatalf("print 1 machineCount expected 2, got %d", report1.MachineCount)
	}
	if report1.QualityScore != 100 {
		t.Fatalf("print 1 quality expected 100, got %d", report1.QualityScore)
	}

	unprocessed, err := models.GetUnprocessedEvents(ctx, venueId, 10)
	if err != nil {
		t.Fatalf("GetUnprocessedEvents: %v", err)
	}
	if len(unprocessed) != 0 {
		t.Fatalf("expected all events folded, %d still unprocessed", len(unprocessed))
	}

	// The operator settles print 1 before the relay prints again.
	included, err := workflow.IncludeReport(ctx, report1.ID, nil)
	if err != nil {
		t.Fatalf("IncludeReport: %v", err)
	}
	if included.ReconciliationStatus != models.ReconciliationStatusIncluded {
		t.Fatalf("expected INCLUDED, got %s", included.ReconciliationStatus)
	}

	// Print 2: the relay re-sends the whole day after the next collection.
	// Counters moved on while machine 2 sat idle.
	eventTime2 := eventTime.Add(time.Hour)
	resend := ingestEvent(t, ctx, venueId, "relay-a", 0, "money_in", "1200", eventTime2, "p2-m0-in")
	ingestEvent(t, ctx, venueId, "relay-a", 0, "collect", "400", eventTime2, "p2-m0-col")
	ingestEvent(t, ctx, venueId, "relay-a", 1, "money_in", "900", eventTime2, "p2-m1-in")
	ingestEvent(t, ctx, venueId, "relay-a", 1, "collect", "400", eventTime2, "p2-m1-col")
	ingestEvent(t, ctx, venueId, "relay-a", 2, "money_in", "300", eventTime2, "p2-m2-in")

	// A minute later is always a different batching window.
	batch2Time := batch1Time.Add(time.Minute)
	msg := config.TelemetryMessage{
		EventId:       resend.ID,
		VenueId:       venueId,
		RelayId:       "relay-a",
		BatchTime:     batch2Time,
		Action:        config.TelemetryActionMaterialize,
		CorrelationId: "resend-print-2",
	}
	logger := config.GetLogger()
	if err := workflow.ProcessTelemetryMessage(ctx, logger, msg); err != nil {
		t.Fatalf("ProcessTelemetryMessage: %v", err)
	}
	// Pub/Sub redelivery of the same message is a durable no-op.
	if err := workflow.ProcessTelemetryMessage(ctx, logger, msg); err != nil {
		t.Fatalf("ProcessTelemetryMessage redelivery: %v", err)
	}

	dayReports, err := models.GetReportsForDay(ctx, venueId, dayKey)
	if err != nil {
		t.Fatalf("GetReportsForDay: %v", err)
	}
	if len(dayReports) != 2 {
		t.Fatalf("expected the settled print and the re-send, got %d reports", len(dayReports))
	}
	var report2 *models.DailyReport
	for _, r := range dayReports {
		if r.ReconciliationStatus == models.ReconciliationStatusPending {
			report2 = r
		}
	}
	if report2 == nil {
		t.Fatal("expected the re-send to open a fresh pending report")
	}
	if !report2.TotalRevenue.Equal(decimal.RequireFromString("800")) {
		t.Fatalf("print 2 revenue expected 800, got %s", report2.TotalRevenue.String())
	}

	// Day resolution: the re-send supersedes the earlier print for the same
	// relay. Summing both would report 1500 instead of 800.
	resolved, err := workflow.ResolveVenueDay(ctx, venueId, models.DateString(dayKey))
	if err != nil {
		t.Fatalf("ResolveVenueDay: %v", err)
	}
	if len(resolved.Reports) != 1 {
		t.Fatalf("expected one authoritative report per relay, got %d", len(resolved.Reports))
	}
	if resolved.Reports[0].ID != report2.ID {
		t.Fatalf("expected the re-send (report %d) to supersede, got %d", report2.ID, resolved.Reports[0].ID)
	}
	if !resolved.TotalRevenue.Equal(decimal.RequireFromString("800")) {
		t.Fatalf("expected day revenue 800 with no double count, got %s", resolved.TotalRevenue.String())
	}
	if resolved.MachineCount != 2 {
		t.Fatalf("expected 2 machines in the resolved day, got %d", resolved.MachineCount)
	}
	if resolved.TransactionCount != 5 {
		t.Fatalf("expected the superseding print's 5 transactions, got %d", resolved.TransactionCount)
	}
}

func seedVenue(t *testing.T, name string) string {
	t.Helper()
	venue := models.Venue{
		ID:           uuid.New(),
		Name:         name,
		Timezone:     "Asia/Yangon",
		CurrencyCode: "MMK",
		IsActive:     utils.NewTrue(),
	}
	if err := config.GetDB().Create(&venue).Error; err != nil {
		t.Fatalf("seed venue: %v", err)
	}
	return venue.ID.String()
}

func seedRelay(t *testing.T, venueId, relayId, label string) {
	t.Helper()
	relay := models.RelayDevice{
		RelayId:  relayId,
		VenueId:  venueId,
		Label:    label,
		IsActive: utils.NewTrue(),
	}
	if err := config.GetDB().Create(&relay).Error; err != nil {
		t.Fatalf("seed relay: %v", err)
	}
}

func ingestEvent(t *testing.T, ctx context.Context, venueId, relayId string, machineId int, kind, amount string, eventTime time.Time, idemKey string) *models.TelemetryEvent {
	t.Helper()
	event, created, err := models.CreateTelemetryEvent(ctx, models.NewTelemetryEvent{
		VenueId:        venueId,
		RelayId:        relayId,
		MachineId:      machineId,
		Kind:           kind,
		Amount:         decimal.RequireFromString(amount),
		EventTime:      eventTime,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		t.Fatalf("CreateTelemetryEvent(%s): %v", idemKey, err)
	}
	if !created {
		t.Fatalf("expected a new event for key %s", idemKey)
	}
	return event
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("gamecash-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("gamecash-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=gamecash_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
