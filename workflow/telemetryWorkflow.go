package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ProcessTelemetryMessage handles one Pub/Sub materialization nudge. The
// whole handler runs in a single transaction guarded by a durable
// idempotency key, so redelivered messages skip instead of re-folding.
func ProcessTelemetryMessage(ctx context.Context, logger *logrus.Logger, m config.TelemetryMessage) error {
	if m.VenueId == "" {
		return errors.New("telemetry message missing venue id")
	}
	batchTime := m.BatchTime
	if batchTime.IsZero() {
		batchTime = time.Now().UTC()
	}

	db := config.GetDB()
	timezone := models.GetVenueTimezone(ctx, m.VenueId)
	windowStore := NewBatchWindowStore()

	// The trigger event anchors which venue-local day to fold: a relay's
	// end-of-day burst often lands shortly after midnight, and the report
	// belongs to the day the events describe, not the day they arrived.
	dayAnchor := batchTime
	if m.EventId != 0 {
		if event, err := models.GetTelemetryEvent(ctx, m.EventId); err == nil {
			dayAnchor = event.EventTime
		}
	}

	handlerName := m.Action
	messageId := telemetryMessageId(m)
	started := time.Now()

	var result *MaterializeResult
	err := db.Transaction(func(tx *gorm.DB) error {
		txCtx := tx.WithContext(ctx)

		skip, err := BeginIdempotency(txCtx, m.VenueId, handlerName, messageId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		switch m.Action {
		case config.TelemetryActionMaterialize:
			result, err = materializeDayTx(txCtx, logger, windowStore, m.VenueId, m.RelayId, timezone, dayAnchor, batchTime)
		default:
			err = fmt.Errorf("unsupported telemetry action %s", m.Action)
		}
		if err != nil {
			_ = MarkIdempotencyFailed(txCtx, m.VenueId, handlerName, messageId, err)
			return err
		}
		return MarkIdempotencySucceeded(txCtx, m.VenueId, handlerName, messageId)
	})
	if err != nil {
		return err
	}
	finishMaterialize(ctx, logger, windowStore, result, time.Since(started))
	return nil
}

func telemetryMessageId(m config.TelemetryMessage) string {
	if m.CorrelationId != "" {
		return m.CorrelationId
	}
	return fmt.Sprintf("event:%d:%d", m.EventId, m.BatchTime.Unix())
}
