package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/models"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"bitbucket.org/ampergames/gamecash_backend/workflow"
)

// backfill-daily-reports rebuilds DailyReports from the event store.
//
// Normal mode drains whatever is still unprocessed for the selected venues
// (useful after dispatcher downtime or lost Pub/Sub deliveries). With
// --reset-orphaned it first reopens events whose generated report row no
// longer exists, so a partial daily_reports restore can be rebuilt from the
// append-only event ledger.
func main() {
	venueID := flag.String("venue-id", "", "Optional: backfill only one venue (uuid string). If empty, backfills all active venues.")
	relayID := flag.String("relay-id", "", "Optional: restrict to one relay id.")
	from := flag.String("from", "", "Optional: start date (YYYY-MM-DD) for --reset-orphaned. Defaults to 7 days ago.")
	to := flag.String("to", "", "Optional: end date (YYYY-MM-DD) for --reset-orphaned. Defaults to today.")
	resetOrphaned := flag.Bool("reset-orphaned", false, "Reopen processed events whose report row no longer exists before materializing.")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	// Ensure schema is up-to-date (creates daily_reports if missing).
	models.MigrateTable()

	ctx = utils.SetActorEmailInContext(ctx, "BackfillDailyReports")
	ctx = utils.SetSkipVenueScopeInContext(ctx, true)

	var venues []*models.Venue
	if strings.TrimSpace(*venueID) != "" {
		venue, err := models.GetVenue(ctx, strings.TrimSpace(*venueID))
		if err != nil {
			fmt.Fprintf(os.Stderr, "venue %s not found: %v\n", *venueID, err)
			os.Exit(1)
		}
		venues = []*models.Venue{venue}
	} else {
		var err error
		venues, err = models.GetActiveVenues(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list venues: %v\n", err)
			os.Exit(1)
		}
	}
	if len(venues) == 0 {
		fmt.Fprintln(os.Stderr, "no venues found to backfill")
		return
	}

	for _, venue := range venues {
		vid := venue.ID.String()
		venueCtx := utils.SetVenueIdInContext(ctx, vid)

		if *resetOrphaned {
			fromTime, toTime, err := orphanWindow(*from, *to, venue.Timezone)
			if err != nil {
				fmt.Fprintf(os.Stderr, "venue %s: %v\n", vid, err)
				continue
			}
			reopened, err := models.ResetOrphanedEvents(venueCtx, vid, fromTime, toTime)
			if err != nil {
				fmt.Fprintf(os.Stderr, "venue %s: reset-orphaned failed: %v\n", vid, err)
				continue
			}
			fmt.Printf("venue=%s reopened %d orphaned events (%s .. %s)\n",
				vid, reopened, fromTime.Format("2006-01-02"), toTime.Format("2006-01-02"))
		}

		relays, err := relaysWithBacklog(venueCtx, vid, strings.TrimSpace(*relayID))
		if err != nil {
			fmt.Fprintf(os.Stderr, "venue %s: failed to list relays with backlog: %v\n", vid, err)
			continue
		}
		if len(relays) == 0 {
			fmt.Printf("venue=%s nothing to backfill\n", vid)
			continue
		}

		for _, rid := range relays {
			results, err := workflow.MaterializePending(venueCtx, vid, rid)
			if err != nil {
				fmt.Fprintf(os.Stderr, "venue %s relay %q: materialize failed: %v\n", vid, rid, err)
				continue
			}
			for _, res := range results {
				reportId := uint(0)
				if res.Report != nil {
					reportId = res.Report.ID
				}
				fmt.Printf("venue=%s relay=%q date=%s outcome=%s report=%d events=%d failed=%d\n",
					vid, rid, res.ReportDate.Format("2006-01-02"), res.Outcome, reportId, res.EventCount, res.FailedCount)
			}
		}
	}

	fmt.Println("Backfill complete")
}

func orphanWindow(fromFlag, toFlag, timezone string) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	if strings.TrimSpace(toFlag) != "" {
		parsed, err := models.ParseDateString(strings.TrimSpace(toFlag))
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
		if err := (&parsed).EndOfDayUTCTime(timezone); err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = parsed.Time()
	}

	start := end.AddDate(0, 0, -7)
	if strings.TrimSpace(fromFlag) != "" {
		parsed, err := models.ParseDateString(strings.TrimSpace(fromFlag))
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
		if err := (&parsed).StartOfDayUTCTime(timezone); err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = parsed.Time()
	}

	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from is after --to")
	}
	return start, end, nil
}

func relaysWithBacklog(ctx context.Context, venueId, relayFilter string) ([]string, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&models.TelemetryEvent{}).
		Distinct("relay_id").
		Where("venue_id = ? AND processed = ?", venueId, false)
	if relayFilter != "" {
		dbCtx = dbCtx.Where("relay_id = ?", relayFilter)
	}
	var relays []string
	if err := dbCtx.Pluck("relay_id", &relays).Error; err != nil {
		return nil, err
	}
	return relays, nil
}
