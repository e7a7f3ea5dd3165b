package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"github.com/google/uuid"
)

// Venue is the read-mostly registry row for one gaming venue. Rows are
// written by the venue-management service; this engine only reads them for
// venue-local day computation and report headers.
type Venue struct {
	ID           uuid.UUID `gorm:"primary_key" json:"id"`
	Name         string    `gorm:"index;size:100;not null" json:"name"`
	Timezone     string    `gorm:"size:50" json:"timezone"`
	CurrencyCode string    `gorm:"size:10" json:"currency_code"`
	Address      string    `gorm:"type:text" json:"address"`
	IsActive     *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetVenue(ctx context.Context, venueId string) (*Venue, error) {
	if venueId == "" {
		return nil, errors.New("venue id is required")
	}
	var venue Venue
	db := config.GetDB()
	if err := db.WithContext(ctx).First(&venue, "id = ?", venueId).Error; err != nil {
		return nil, err
	}
	return &venue, nil
}

// GetVenueTimezone returns the venue's IANA timezone, empty when the venue
// row is missing so callers fall through to the default.
func GetVenueTimezone(ctx context.Context, venueId string) string {
	venue, err := GetVenue(ctx, venueId)
	if err != nil {
		return ""
	}
	return venue.Timezone
}

func GetActiveVenues(ctx context.Context) ([]*Venue, error) {
	var venues []*Venue
	db := config.GetDB()
	if err := db.WithContext(ctx).Where("is_active = ?", true).Find(&venues).Error; err != nil {
		return nil, err
	}
	return venues, nil
}
