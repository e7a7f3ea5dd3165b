package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/models"
	"bitbucket.org/ampergames/gamecash_backend/utils"
)

// replay-stuck-events resets parked telemetry events (retry budget spent) so
// the dispatcher picks them up again. Run it after fixing whatever made the
// events fail; replaying without a fix just burns the retry budget again.
func main() {
	venueID := flag.String("venue-id", "", "Required: venue id (uuid)")
	limit := flag.Int("limit", 100, "Max events to replay in one run")
	dryRun := flag.Bool("dry-run", true, "List parked events only (no writes)")
	confirm := flag.String("confirm", "", "Type REPLAY to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*venueID) == "" {
		fmt.Fprintln(os.Stderr, "--venue-id is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REPLAY" {
		fmt.Fprintln(os.Stderr, "set --confirm=REPLAY to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := context.Background()
	ctx = utils.SetVenueIdInContext(ctx, strings.TrimSpace(*venueID))
	ctx = utils.SetActorEmailInContext(ctx, "ReplayStuckEvents")

	events, err := models.GetStuckEvents(ctx, strings.TrimSpace(*venueID), config.MaterializeMaxAttempts(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list parked events: %v\n", err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Println("no parked events found")
		return
	}

	fmt.Printf("Parked events for venue %s:\n", *venueID)
	for _, e := range events {
		procErr := ""
		if e.ProcessingError != nil {
			procErr = *e.ProcessingError
		}
		fmt.Printf("  id=%d relay=%q machine=%d kind=%s amount=%s event_time=%s retries=%d error=%q\n",
			e.ID, e.RelayId, e.MachineId, e.Kind, e.Amount.String(),
			e.EventTime.Format("2006-01-02 15:04:05"), e.RetryCount, procErr)
	}

	if *dryRun {
		fmt.Printf("\n[dry-run] %d events would be replayed. Rerun with --dry-run=false --confirm=REPLAY to proceed.\n", len(events))
		return
	}

	eventIds := make([]uint, 0, len(events))
	for _, e := range events {
		eventIds = append(eventIds, e.ID)
	}
	affected, err := models.ResetEventsForReplay(ctx, strings.TrimSpace(*venueID), eventIds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Replayed %d events; the dispatcher will rematerialize them on its next poll\n", affected)
}
