// seed-dev-venue creates or updates a development venue and relay registry
// row so a local stack can ingest telemetry without the venue-management
// service. Idempotent: reruns converge on the same rows.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-dev-venue
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
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func main() {
	venueName := flag.String("venue-name", "Dev Venue", "Venue display name")
	timezone := flag.String("timezone", "Asia/Yangon", "Venue IANA timezone")
	currency := flag.String("currency", "MMK", "Venue currency code")
	relayID := flag.String("relay-id", "relay-dev-01", "Relay id to register for the venue")
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	models.MigrateTable()

	ctx = utils.SetActorEmailInContext(ctx, "Seed")
	ctx = utils.SetIsAdminInContext(ctx, true)
	ctx = utils.SetSkipVenueScopeInContext(ctx, true)

	name := strings.TrimSpace(*venueName)

	var venue models.Venue
	err := db.WithContext(ctx).Model(&models.Venue{}).Where("name = ?", name).First(&venue).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup venue: %v\n", err)
			os.Exit(1)
		}
		venue = models.Venue{
			ID:           uuid.New(),
			Name:         name,
			Timezone:     strings.TrimSpace(*timezone),
			CurrencyCode: strings.TrimSpace(*currency),
			IsActive:     utils.NewTrue(),
		}
		if err := db.WithContext(ctx).Create(&venue).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create venue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created venue: id=%s name=%q timezone=%s\n", venue.ID, name, venue.Timezone)
	} else {
		if err := db.WithContext(ctx).Model(&models.Venue{}).Where("id = ?", venue.ID).Updates(map[string]any{
			"timezone":      strings.TrimSpace(*timezone),
			"currency_code": strings.TrimSpace(*currency),
			"is_active":     utils.NewTrue(),
		}).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to update venue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated venue: id=%s name=%q timezone=%s\n", venue.ID, name, *timezone)
	}

	rid := strings.TrimSpace(*relayID)
	_, err = models.GetRelayDevice(ctx, rid)
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup relay: %v\n", err)
			os.Exit(1)
		}
		relay := models.RelayDevice{
			RelayId:  rid,
			VenueId:  venue.ID.String(),
			Label:    "Dev relay",
			IsActive: utils.NewTrue(),
		}
		if err := db.WithContext(ctx).Create(&relay).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create relay: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created relay: relay_id=%q venue_id=%s\n", rid, venue.ID)
		return
	}

	if err := db.WithContext(ctx).Model(&models.RelayDevice{}).Where("relay_id = ?", rid).Updates(map[string]any{
		"venue_id":  venue.ID.String(),
		"is_active": utils.NewTrue(),
	}).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to update relay: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Updated relay: relay_id=%q venue_id=%s\n", rid, venue.ID)
}
