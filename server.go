package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/ampergames/gamecash_backend/config"
	"bitbucket.org/ampergames/gamecash_backend/middlewares"
	"bitbucket.org/ampergames/gamecash_backend/models"
	"bitbucket.org/ampergames/gamecash_backend/models/reports"
	"bitbucket.org/ampergames/gamecash_backend/utils"
	"bitbucket.org/ampergames/gamecash_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("gamecash-backend")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// pubSubPushEnvelope is the wrapper Pub/Sub push delivery wraps payloads in.
type pubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

func publishMaterializeNudge(ctx context.Context, venueId, relayId string, eventId uint) {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	msg := config.TelemetryMessage{
		EventId:       eventId,
		VenueId:       venueId,
		RelayId:       relayId,
		BatchTime:     time.Now().UTC(),
		Action:        config.TelemetryActionMaterialize,
		CorrelationId: cid,
	}
	// Best-effort nudge; the polling dispatcher is the guaranteed path.
	if err := config.PublishTelemetryWorkflow(venueId, msg); err != nil {
		logger := config.GetLogger()
		logger.WithFields(logrus.Fields{
			"field":    "publishMaterializeNudge",
			"venue_id": venueId,
			"relay_id": relayId,
			"event_id": eventId,
		}).Warn("telemetry publish failed; dispatcher will pick it up: " + err.Error())
	}
}

func bindErrorResponse(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}

// telemetryEventHandler ingests one relay event. Unknown kinds are accepted
// and flagged, never rejected; a replayed idempotency key returns the
// original event instead of reprocessing.
func telemetryEventHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewTelemetryEvent
		if err := c.ShouldBindJSON(&input); err != nil {
			bindErrorResponse(c, err)
			return
		}

		ctx := c.Request.Context()
		event, created, err := models.CreateTelemetryEvent(ctx, input)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if created {
			config.EventsIngestedTotal.WithLabelValues(string(event.Kind)).Inc()
			_ = models.TouchRelayLastSeen(ctx, event.RelayId)
			publishMaterializeNudge(ctx, event.VenueId, event.RelayId, event.ID)
			c.JSON(http.StatusCreated, gin.H{"event": event, "duplicate": false})
			return
		}

		config.EventsDuplicateTotal.Inc()
		c.JSON(http.StatusOK, gin.H{"event": event, "duplicate": true})
	}
}

type telemetryBatchRequest struct {
	VenueId string                     `json:"venueId" binding:"required"`
	RelayId string                     `json:"relayId"`
	Events  []models.NewTelemetryEvent `json:"events" binding:"required"`
}

type telemetryBatchFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// telemetryBatchHandler ingests a relay burst. Per-event problems degrade
// that event only; the batch itself always lands so ingestion never blocks
// on one bad row.
func telemetryBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req telemetryBatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindErrorResponse(c, err)
			return
		}
		if len(req.Events) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "events must not be empty"})
			return
		}
		if len(req.Events) > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "batch too large (max 500 events)"})
			return
		}

		ctx := c.Request.Context()
		created := 0
		duplicates := 0
		eventIds := make([]uint, 0, len(req.Events))
		failures := make([]telemetryBatchFailure, 0)
		var lastEvent *models.TelemetryEvent

		for i := range req.Events {
			input := req.Events[i]
			if input.VenueId == "" {
				input.VenueId = req.VenueId
			}
			if input.RelayId == "" {
				input.RelayId = req.RelayId
			}
			if input.VenueId != req.VenueId {
				failures = append(failures, telemetryBatchFailure{Index: i, Error: "event venueId does not match batch venueId"})
				continue
			}
			if input.Kind == "" || input.EventTime.IsZero() || input.MachineId < 0 {
				failures = append(failures, telemetryBatchFailure{Index: i, Error: "kind, eventTime and a non-negative machineId are required"})
				continue
			}

			event, wasCreated, err := models.CreateTelemetryEvent(ctx, input)
			if err != nil {
				failures = append(failures, telemetryBatchFailure{Index: i, Error: err.Error()})
				continue
			}
			eventIds = append(eventIds, event.ID)
			if wasCreated {
				created++
				config.EventsIngestedTotal.WithLabelValues(string(event.Kind)).Inc()
				lastEvent = event
			} else {
				duplicates++
				config.EventsDuplicateTotal.Inc()
			}
		}

		if lastEvent != nil {
			_ = models.TouchRelayLastSeen(ctx, lastEvent.RelayId)
			publishMaterializeNudge(ctx, lastEvent.VenueId, lastEvent.RelayId, lastEvent.ID)
		}

		status := http.StatusCreated
		if created == 0 {
			status = http.StatusOK
		}
		c.JSON(status, gin.H{
			"created":    created,
			"duplicates": duplicates,
			"failed":     len(failures),
			"event_ids":  eventIds,
			"failures":   failures,
		})
	}
}

// telemetryPubSubHandler is the Pub/Sub push endpoint for materialization
// nudges. Malformed payloads are acked (dropped) to avoid retry loops;
// processing failures return 500 so Pub/Sub redelivers.
func telemetryPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var envelope pubSubPushEnvelope
		logger := config.GetLogger()

		// Redis lock is a best-effort optimization. Reliability must not
		// depend on Redis: the materializer serializes via MySQL advisory
		// locks regardless.
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "telemetryPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &envelope); err != nil {
			config.LogError(logger, "server.go", "telemetryPubSubHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.TelemetryMessage
		if err := json.Unmarshal(envelope.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "telemetryPubSubHandler", "Unmarshal telemetry message", envelope.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if m.VenueId == "" || m.Action == "" {
			config.LogError(logger, "server.go", "telemetryPubSubHandler", "Invalid telemetry message (missing required fields)", m, fmt.Errorf("venue_id/action required"))
			c.Status(http.StatusNoContent)
			return
		}

		correlationID := m.CorrelationId
		if correlationID == "" {
			correlationID = envelope.Message.ID
		}

		var lock *redislock.Lock
		if redisLock != nil {
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:%s:%s", m.VenueId, m.RelayId), 30*time.Second, nil)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"field":      "telemetryPubSubHandler",
					"venue_id":   m.VenueId,
					"relay_id":   m.RelayId,
					"message_id": envelope.Message.ID,
				}).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":      "telemetryPubSubHandler",
					"venue_id":   m.VenueId,
					"message_id": envelope.Message.ID,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		ctx := utils.SetVenueIdInContext(c.Request.Context(), m.VenueId)
		ctx = utils.SetActorEmailInContext(ctx, "system")
		ctx = utils.SetCorrelationIdInContext(ctx, correlationID)
		if err := workflow.ProcessTelemetryMessage(ctx, logger, m); err != nil {
			if errors.Is(err, workflow.ErrIdempotencyInProgress) {
				// Another worker is on it; ask Pub/Sub to retry later.
				c.Status(http.StatusConflict)
				return
			}
			logger.WithFields(logrus.Fields{
				"field":          "telemetryPubSubHandler",
				"venue_id":       m.VenueId,
				"relay_id":       m.RelayId,
				"message_id":     envelope.Message.ID,
				"correlation_id": correlationID,
			}).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}

		// Success: ack.
		c.Status(http.StatusNoContent)
	}
}

func parseDateParam(c *gin.Context, name string) (models.DateString, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " is required (YYYY-MM-DD)"})
		return models.DateString{}, false
	}
	date, err := models.ParseDateString(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be YYYY-MM-DD"})
		return models.DateString{}, false
	}
	return date, true
}

// venueDailyReportHandler returns the event-level fold of one venue-local
// day: what the machines reported, before any relay resolution.
func venueDailyReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		date, ok := parseDateParam(c, "date")
		if !ok {
			return
		}
		activity, err := reports.GetVenueDailyActivity(c.Request.Context(), c.Param("venueId"), date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, activity)
	}
}

// venueResolvedDayHandler returns the authoritative per-relay resolution of
// one day's reports.
func venueResolvedDayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		date, ok := parseDateParam(c, "date")
		if !ok {
			return
		}
		resolved, err := workflow.ResolveVenueDay(c.Request.Context(), c.Param("venueId"), date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, resolved)
	}
}

func venueRangeReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		fromDate, ok := parseDateParam(c, "from")
		if !ok {
			return
		}
		toDate, ok := parseDateParam(c, "to")
		if !ok {
			return
		}
		summary, err := reports.GetVenueRangeSummary(c.Request.Context(), c.Param("venueId"), fromDate, toDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func venueListReportsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := models.ReportListFilter{}

		if raw := strings.TrimSpace(c.Query("status")); raw != "" {
			status, ok := models.ParseReconciliationStatus(raw)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + raw})
				return
			}
			filter.Status = &status
		}
		if raw := strings.TrimSpace(c.Query("relayId")); raw != "" {
			filter.RelayId = &raw
		}
		if raw := strings.TrimSpace(c.Query("from")); raw != "" {
			date, err := models.ParseDateString(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "from must be YYYY-MM-DD"})
				return
			}
			t := date.Time()
			from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			filter.From = &from
		}
		if raw := strings.TrimSpace(c.Query("to")); raw != "" {
			date, err := models.ParseDateString(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "to must be YYYY-MM-DD"})
				return
			}
			t := date.Time()
			to := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			filter.To = &to
		}
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				filter.Limit = n
			}
		}
		if raw := c.Query("offset"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
				filter.Offset = n
			}
		}

		list, err := models.ListDailyReports(c.Request.Context(), c.Param("venueId"), filter)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reports": list, "count": len(list)})
	}
}

func venueReconciliationSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var fromDate, toDate *models.DateString
		if preset := strings.TrimSpace(c.Query("range")); preset != "" {
			start, end, err := utils.ResolveRangeFilter(preset)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "range must be one of last7days, last30days, thisMonth, previousMonth"})
				return
			}
			from := models.DateString(start)
			to := models.DateString(end)
			fromDate, toDate = &from, &to
		}
		if raw := strings.TrimSpace(c.Query("from")); raw != "" {
			date, err := models.ParseDateString(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "from must be YYYY-MM-DD"})
				return
			}
			fromDate = &date
		}
		if raw := strings.TrimSpace(c.Query("to")); raw != "" {
			date, err := models.ParseDateString(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "to must be YYYY-MM-DD"})
				return
			}
			toDate = &date
		}
		summary, err := reports.GetReconciliationSummary(c.Request.Context(), c.Param("venueId"), fromDate, toDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func venueUnprocessedEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 100
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}
		events, err := models.GetUnprocessedEvents(c.Request.Context(), c.Param("venueId"), limit)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
	}
}

func venueSettlementExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := utils.GetActorEmailFromContext(c.Request.Context()); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		fromDate, ok := parseDateParam(c, "from")
		if !ok {
			return
		}
		toDate, ok := parseDateParam(c, "to")
		if !ok {
			return
		}
		result, err := reports.ExportSettlementWorkbook(c.Request.Context(), c.Param("venueId"), fromDate, toDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func reportDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reportId, err := strconv.ParseUint(c.Param("reportId"), 10, 64)
		if err != nil || reportId == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report id"})
			return
		}
		report, err := models.GetDailyReport(c.Request.Context(), uint(reportId))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
			return
		}
		history, err := models.ListReportHistory(c.Request.Context(), uint(reportId))
		if err != nil {
			history = nil
		}
		c.JSON(http.StatusOK, gin.H{
			"report":             report,
			"detected_anomalies": workflow.DetectAnomalies(report),
			"history":            history,
		})
	}
}

type reconciliationRequest struct {
	Notes         *string `json:"notes"`
	DuplicateOfId *uint   `json:"duplicateOfId"`
}

type transitionFunc func(ctx context.Context, reportId uint, notes *string) (*models.DailyReport, error)

func respondReconciliationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workflow.ErrActorRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, workflow.ErrReportNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, workflow.ErrTransitionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

func reportTransitionHandler(apply transitionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		reportId, err := strconv.ParseUint(c.Param("reportId"), 10, 64)
		if err != nil || reportId == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report id"})
			return
		}

		// Empty body is fine; notes are optional.
		var req reconciliationRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}

		report, err := apply(c.Request.Context(), uint(reportId), req.Notes)
		if err != nil {
			respondReconciliationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"report": report})
	}
}

func reportDuplicateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reportId, err := strconv.ParseUint(c.Param("reportId"), 10, 64)
		if err != nil || reportId == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report id"})
			return
		}

		var req reconciliationRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}

		report, err := workflow.MarkReportDuplicate(c.Request.Context(), uint(reportId), req.DuplicateOfId, req.Notes)
		if err != nil {
			respondReconciliationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"report": report})
	}
}

func detectAnomaliesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reportId, err := strconv.ParseUint(c.Param("reportId"), 10, 64)
		if err != nil || reportId == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report id"})
			return
		}
		report, err := models.GetDailyReport(c.Request.Context(), uint(reportId))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
			return
		}
		reasons := workflow.DetectAnomalies(report)
		c.JSON(http.StatusOK, gin.H{
			"report_id":          report.ID,
			"detected_anomalies": reasons,
			"has_anomalies":      len(reasons) > 0,
		})
	}
}

func requireAdmin(c *gin.Context) bool {
	if isAdmin, ok := utils.GetIsAdminFromContext(c.Request.Context()); ok && isAdmin {
		return true
	}
	c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	return false
}

type eventReplayRequest struct {
	VenueId  string `json:"venue_id"`
	EventIds []uint `json:"event_ids"`
}

// eventReplayHandler re-queues parked events (retry budget spent) after an
// operator fixed the underlying data problem.
func eventReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var req eventReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if req.VenueId == "" || len(req.EventIds) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "venue_id and event_ids are required"})
			return
		}

		ctx := utils.SetVenueIdInContext(c.Request.Context(), req.VenueId)
		affected, err := models.ResetEventsForReplay(ctx, req.VenueId, utils.UniqueSlice(req.EventIds))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"venue_id": req.VenueId,
			"replayed": affected,
		})
	}
}

type venueOpsRequest struct {
	VenueId string `json:"venue_id"`
}

func anomalySweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var req venueOpsRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.VenueId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "venue_id is required"})
			return
		}

		ctx := utils.SetVenueIdInContext(c.Request.Context(), req.VenueId)
		updated, err := workflow.RunAnomalySweep(ctx, req.VenueId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"venue_id": req.VenueId,
			"updated":  updated,
		})
	}
}

func integrityCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requireAdmin(c) {
			return
		}
		var req venueOpsRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.VenueId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "venue_id is required"})
			return
		}

		ctx := utils.SetVenueIdInContext(c.Request.Context(), req.VenueId)
		correlationId, err := models.RunRevenueIntegrityChecks(ctx, req.VenueId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"venue_id":       req.VenueId,
			"correlation_id": correlationId,
		})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length", "X-Correlation-Id")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Relay-facing ingestion.
	r.POST("/telemetry/events", telemetryEventHandler())
	r.POST("/telemetry/batch", telemetryBatchHandler())
	r.POST("/pubsub/telemetry", telemetryPubSubHandler())

	// Venue-scoped read surface.
	venues := r.Group("/venues/:venueId", middlewares.VenueScopeMiddleware())
	venues.GET("/reports/daily", venueDailyReportHandler())
	venues.GET("/reports/resolved", venueResolvedDayHandler())
	venues.GET("/reports/range", venueRangeReportHandler())
	venues.GET("/reports", venueListReportsHandler())
	venues.GET("/reports/export", venueSettlementExportHandler())
	venues.GET("/exports", settlementArchiveListHandler())
	venues.GET("/exports/download", settlementDownloadHandler())
	venues.GET("/reconciliation/summary", venueReconciliationSummaryHandler())
	venues.GET("/events/unprocessed", venueUnprocessedEventsHandler())

	// Reconciliation state machine (operator actions).
	r.GET("/reports/:reportId", reportDetailHandler())
	r.POST("/reports/:reportId/include", reportTransitionHandler(workflow.IncludeReport))
	r.POST("/reports/:reportId/exclude", reportTransitionHandler(workflow.ExcludeReport))
	r.POST("/reports/:reportId/duplicate", reportDuplicateHandler())
	r.POST("/reports/:reportId/revert", reportTransitionHandler(workflow.RevertReportToPending))
	r.POST("/reports/:reportId/detect-anomalies", detectAnomaliesHandler())

	// Ops tooling (admin only).
	r.POST("/internal/ops/events/replay", eventReplayHandler())
	r.POST("/internal/ops/anomaly-sweep", anomalySweepHandler())
	r.POST("/internal/ops/integrity-checks", integrityCheckHandler())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start the telemetry dispatcher (guaranteed materialization path).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewEventDispatcher(db, logger, tracer).Run(dispatcherCtx)

	// Optional pull subscriber; push deliveries hit /pubsub/telemetry instead.
	if strings.EqualFold(strings.TrimSpace(os.Getenv("PUBSUB_PULL_ENABLED")), "true") {
		if err := RunTelemetryWorkflow(); err != nil {
			config.LogError(logger, "server.go", "main", "Starting telemetry pull subscriber", nil, err)
		}
	}

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for p := range parts {
		v := strings.TrimSpace(parts[p])
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
