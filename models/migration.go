package models

import (
	"log"

	"bitbucket.org/ampergames/gamecash_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Venue{}, &RelayDevice{},
		&TelemetryEvent{},
		&DailyReport{},
		&IdempotencyKey{},
		&ReconciliationHistory{},
		&ReconciliationCheckRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
