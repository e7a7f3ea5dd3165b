package models

import (
	"context"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
)

// RelayDevice is the registry row for one relay box installed at a venue.
// Rows are owned by the relay-management service; the engine reads them for
// attribution and stamps last_seen_at on ingestion, best-effort.
type RelayDevice struct {
	ID         uint       `gorm:"primary_key" json:"id"`
	RelayId    string     `gorm:"size:64;not null;uniqueIndex" json:"relay_id"`
	VenueId    string     `gorm:"size:64;not null;index" json:"venue_id"`
	Label      string     `gorm:"size:100" json:"label"`
	IsActive   *bool      `gorm:"not null;default:true" json:"is_active"`
	LastSeenAt *time.Time `json:"last_seen_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetRelayDevice(ctx context.Context, relayId string) (*RelayDevice, error) {
	var relay RelayDevice
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&relay, "relay_id = ?", relayId).Error; err != nil {
		return nil, err
	}
	return &relay, nil
}

// TouchRelayLastSeen stamps the relay's heartbeat. Failures are swallowed by
// the caller: ingestion never depends on the registry being writable.
func TouchRelayLastSeen(ctx context.Context, relayId string) error {
	if relayId == "" {
		return nil
	}
	now := time.Now()
	db := config.GetDB()
	return db.WithContext(ctx).Model(&RelayDevice{}).
		Where("relay_id = ?", relayId).
		Update("last_seen_at", now).Error
}
