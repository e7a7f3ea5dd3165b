package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"bitbucket.org/ampergames/gamecash_backend/workflow"
	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
)

var (
	venueMutexMap = make(map[string]*sync.Mutex)
	globalMutex   = &sync.Mutex{}
)

// RunTelemetryWorkflow starts the pull subscriber for materialization
// messages. Push deployments hit /pubsub/telemetry instead; only one of the
// two delivery modes should be enabled per environment.
func RunTelemetryWorkflow() error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	// Create a callback function to handle messages.
	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.TelemetryMessage{}
		err := json.Unmarshal(msg.Data, &m)
		if err != nil {
			config.LogError(logger, "telemetrySubscriber.go", "RunTelemetryWorkflow", "Unmarshaling pubsub message", msg.Data, err)
			// Poisoned payload: ack so it does not loop forever.
			msg.Ack()
			return
		}
		if m.VenueId == "" || m.Action == "" {
			config.LogError(logger, "telemetrySubscriber.go", "RunTelemetryWorkflow", "Invalid telemetry message", m, errors.New("venue_id/action required"))
			msg.Ack()
			return
		}

		// Get or create the mutex for the current VenueId
		globalMutex.Lock()
		mutex, exists := venueMutexMap[m.VenueId]
		if !exists {
			mutex = &sync.Mutex{}
			venueMutexMap[m.VenueId] = mutex
		}
		globalMutex.Unlock()

		// Lock the specific venue mutex
		mutex.Lock()
		defer mutex.Unlock()

		correlationId := m.CorrelationId
		if correlationId == "" {
			correlationId = msg.ID
		}
		ctx = utils.SetVenueIdInContext(ctx, m.VenueId)
		ctx = utils.SetActorEmailInContext(ctx, "system")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		if err := workflow.ProcessTelemetryMessage(ctx, logger, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "TelemetryWorkflow",
				"venue_id":       m.VenueId,
				"relay_id":       m.RelayId,
				"event_id":       m.EventId,
				"message_id":     msg.ID,
				"correlation_id": correlationId,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	// Receive messages.
	go func() {
		err := sub.Receive(ctx, callback)

		if err != nil {
			config.LogError(logger, "telemetrySubscriber.go", "RunTelemetryWorkflow", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}
