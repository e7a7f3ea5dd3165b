package workflow

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

func materializeLockName(venueId, relayId string, reportDate time.Time) string {
	return fmt.Sprintf("materialize:%s:%s:%s", venueId, relayId, reportDate.Format("2006-01-02"))
}

// AcquireMaterializeLock serializes report materialization per venue+relay+day
// using a MySQL advisory lock. GET_LOCK is connection-scoped; the caller must
// release on the same *gorm.DB (same tx/conn).
func AcquireMaterializeLock(tx *gorm.DB, venueId, relayId string, reportDate time.Time) error {
	lockName := materializeLockName(venueId, relayId, reportDate)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire materialize lock %s", lockName)
	}
	return nil
}

func ReleaseMaterializeLock(tx *gorm.DB, venueId, relayId string, reportDate time.Time) {
	lockName := materializeLockName(venueId, relayId, reportDate)
	var ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&ok).Error
}
