package workflow

import (
	"context"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/models"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventDispatcher is the guaranteed materialization path. Pub/Sub nudges are
// best-effort; this poller finds whatever telemetry they missed (dropped
// messages, crashed workers, events whose retry backoff elapsed) and drives
// it through the materializer.
type EventDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Tracer       trace.Tracer
	DispatcherID string

	BatchSize    int
	PollInterval time.Duration
	LockTimeout  time.Duration
}

func NewEventDispatcher(db *gorm.DB, logger *logrus.Logger, tracer trace.Tracer) *EventDispatcher {
	return &EventDispatcher{
		DB:           db,
		Logger:       logger,
		Tracer:       tracer,
		DispatcherID: uuid.NewString(),
		BatchSize:    200,
		PollInterval: 10 * time.Second,
		LockTimeout:  30 * time.Second,
	}
}

func (d *EventDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		d.refreshStuckGauge(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

type relayGroup struct {
	VenueId string
	RelayId string
}

func (d *EventDispatcher) dispatchOnce(ctx context.Context) {
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	db := d.DB
	if db == nil {
		return
	}

	var claimed []models.TelemetryEvent
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - due unprocessed events nobody has claimed
		// - claimed events whose dispatcher died mid-run, reclaim after LockTimeout
		q := tx.
			Where("processed = ?", false).
			Where("retry_count < ?", config.MaterializeMaxAttempts()).
			Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
			Where("locked_at IS NULL OR locked_at <= ?", staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]uint, 0, len(claimed))
		for i := range claimed {
			ids = append(ids, claimed[i].ID)
		}
		return tx.Model(&models.TelemetryEvent{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"locked_at": &now,
				"locked_by": &d.DispatcherID,
			}).Error
	})
	if err != nil {
		config.LogError(d.Logger, "eventDispatcher.go", "dispatchOnce", "Claiming due telemetry events", nil, err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	groups := make([]relayGroup, 0, 4)
	seen := make(map[relayGroup]bool)
	for i := range claimed {
		g := relayGroup{VenueId: claimed[i].VenueId, RelayId: claimed[i].RelayId}
		if seen[g] {
			continue
		}
		seen[g] = true
		groups = append(groups, g)
	}

	for _, g := range groups {
		groupCtx := utils.SetVenueIdInContext(ctx, g.VenueId)
		groupCtx = utils.SetActorEmailInContext(groupCtx, "system")
		groupCtx = utils.SetCorrelationIdInContext(groupCtx, uuid.NewString())
		groupCtx, span := d.Tracer.Start(groupCtx, "EventDispatcher.MaterializePending")
		results, err := MaterializePending(groupCtx, g.VenueId, g.RelayId)
		span.End()
		if err != nil {
			if d.Logger != nil {
				d.Logger.WithFields(logrus.Fields{
					"field":    "EventDispatcher",
					"venue_id": g.VenueId,
					"relay_id": g.RelayId,
					"passes":   len(results),
				}).Error("dispatch materialize failed: " + err.Error())
			}
			continue
		}
	}
}

// refreshStuckGauge surfaces events that burned their retry budget. These
// stay unprocessed until an operator replays them.
func (d *EventDispatcher) refreshStuckGauge(ctx context.Context) {
	count, err := models.CountStuckEvents(ctx, config.MaterializeMaxAttempts())
	if err != nil {
		return
	}
	config.EventsStuck.Set(float64(count))
}
