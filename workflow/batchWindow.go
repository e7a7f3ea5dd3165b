package workflow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"github.com/redis/go-redis/v9"
)

// BatchWindowStore remembers which report is currently open for a
// venue+relay+day so bursts of telemetry batches inside the batching
// window land on the same report. The key expires with the window;
// after expiry the next batch opens a fresh report. Redis here is an
// accelerator only: the unique (venue, date, relay, window) index on
// daily_reports is what actually prevents double-creates.
type BatchWindowStore struct {
	Redis  *redis.Client
	Window time.Duration
}

func NewBatchWindowStore() *BatchWindowStore {
	return &BatchWindowStore{
		Redis:  config.GetRedisDB(),
		Window: config.BatchWindow(),
	}
}

func (s *BatchWindowStore) key(venueId, relayId string, reportDate time.Time) string {
	return fmt.Sprintf("ReportWindow:%s:%s:%s", venueId, relayId, reportDate.Format("2006-01-02"))
}

func (s *BatchWindowStore) windowLength() time.Duration {
	if s != nil && s.Window > 0 {
		return s.Window
	}
	return config.BatchWindow()
}

// OpenReportId returns the report currently open for the window, if any.
// Redis being down degrades to "no open report"; the database fallback
// in the materializer still finds recent PENDING reports.
func (s *BatchWindowStore) OpenReportId(ctx context.Context, venueId, relayId string, reportDate time.Time) (uint, bool) {
	if s == nil || s.Redis == nil {
		return 0, false
	}
	raw, err := s.Redis.Get(ctx, s.key(venueId, relayId, reportDate)).Result()
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// RememberReport marks reportId as the open report for the window. The
// TTL restarts on every batch, so a venue relaying a long burst keeps
// merging into one report until the relay goes quiet for a full window.
func (s *BatchWindowStore) RememberReport(ctx context.Context, venueId, relayId string, reportDate time.Time, reportId uint) {
	if s == nil || s.Redis == nil || reportId == 0 {
		return
	}
	_ = s.Redis.Set(ctx, s.key(venueId, relayId, reportDate), strconv.FormatUint(uint64(reportId), 10), s.windowLength()).Err()
}

// Forget closes the window early, e.g. after a reconciliation transition
// takes the report out of PENDING.
func (s *BatchWindowStore) Forget(ctx context.Context, venueId, relayId string, reportDate time.Time) {
	if s == nil || s.Redis == nil {
		return
	}
	_ = s.Redis.Del(ctx, s.key(venueId, relayId, reportDate)).Err()
}
