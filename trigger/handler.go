// Package trigger feeds telemetry to a twinsync.Driver over HTTP: as an Event
// Grid webhook subscribed to IoT Hub telemetry, and through a manual trigger
// that accepts a device's fields directly.
package trigger

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/go-digitaltwin/twinsync"
)

// Event Grid event types handled by the webhook.
const (
	SubscriptionValidationEvent = "Microsoft.EventGrid.SubscriptionValidationEvent"
	DeviceTelemetryEvent        = "Microsoft.Devices.DeviceTelemetry"
)

// maxBodySize bounds request bodies; Event Grid batches are at most 1 MB.
const maxBodySize = 1 << 20

// MakeHandler returns the HTTP API:
//
//	POST /eventgrid                 Event Grid webhook (IoT Hub telemetry)
//	POST /twins/{id}/telemetry      synchronize a JSON object of fields
//	GET  /twins/{id}                read a twin
//	GET  /health                    liveness
//
// Each request logs through logger, with the request id attached.
func MakeHandler(d twinsync.Driver, logger *slog.Logger) http.Handler {
	h := handler{driver: d, logger: logger}
	mux := chi.NewRouter()
	mux.Use(h.injectLogger)

	mux.Post("/eventgrid", otelhttp.NewHandler(http.HandlerFunc(h.eventGrid), "eventgrid").ServeHTTP)
	mux.Post("/twins/{id}/telemetry", otelhttp.NewHandler(http.HandlerFunc(h.telemetry), "sync_telemetry").ServeHTTP)
	mux.Get("/twins/{id}", otelhttp.NewHandler(http.HandlerFunc(h.getTwin), "get_twin").ServeHTTP)
	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pass"})
	})
	return mux
}

type handler struct {
	driver twinsync.Driver
	logger *slog.Logger
}

func (h handler) injectLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		logger := h.logger.With(slog.String("request.id", id))
		ctx := component.InjectLogger(r.Context(), logger)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// gridEvent is an event in the Event Grid schema.
type gridEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Subject   string          `json:"subject"`
	EventTime time.Time       `json:"eventTime"`
	Data      json.RawMessage `json:"data"`
}

type validationData struct {
	ValidationCode string `json:"validationCode"`
}

// eventGrid answers the subscription handshake and synchronizes telemetry
// events. A failing event is logged by the Driver and does not fail the
// delivery: Event Grid would otherwise redeliver the whole batch.
func (h handler) eventGrid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := component.Logger(ctx)

	var events []gridEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, "decode events: "+err.Error())
		return
	}

	var synced, failed, skipped int
	for _, e := range events {
		switch e.EventType {
		case SubscriptionValidationEvent:
			var data validationData
			if err := json.Unmarshal(e.Data, &data); err != nil || data.ValidationCode == "" {
				writeError(w, http.StatusBadRequest, "missing validation code")
				return
			}
			logger.Info("Validating Event Grid subscription", slog.String("subject", e.Subject))
			writeJSON(w, http.StatusOK, map[string]string{"validationResponse": data.ValidationCode})
			return

		case DeviceTelemetryEvent:
			event, err := twinsync.DecodeIoTHubEvent(e.Data, map[string]string{twinsync.MetadataEventID: e.ID})
			if err != nil {
				logger.Warn("Dropping undecodable telemetry event", slog.String("event.id", e.ID), slog.Any("error", err))
				failed++
				continue
			}
			if event.Timestamp.IsZero() {
				event.Timestamp = e.EventTime
			}
			if err := h.driver.Process(ctx, event); err != nil {
				failed++
				continue
			}
			synced++

		default:
			logger.Debug("Ignoring event", slog.String("event.id", e.ID), slog.String("event.type", e.EventType))
			skipped++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"synced": synced, "failed": failed, "skipped": skipped})
}

// telemetry synchronizes the fields in the request body as an event of the
// device named in the path.
func (h handler) telemetry(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "decode fields: "+err.Error())
		return
	}
	event := twinsync.TelemetryEvent{
		ID:        uuid.NewString(),
		DeviceID:  chi.URLParam(r, "id"),
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
	if err := h.driver.Process(r.Context(), event); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event.id": event.ID})
}

// getTwin writes the twin in the service's document shape.
func (h handler) getTwin(w http.ResponseWriter, r *http.Request) {
	twin, err := h.driver.Reader.FetchTwin(r.Context(), twinsync.TwinID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	if twin.ETag != "" {
		w.Header().Set("ETag", twin.ETag)
	}
	writeJSON(w, http.StatusOK, twin.Document())
}

// statusOf maps a processing error onto the response status.
func statusOf(err error) int {
	var te *twinsync.TransportError
	switch {
	case twinsync.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, twinsync.ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.As(err, &te):
		return http.StatusBadGateway
	case errors.Is(err, twinsync.ErrEmptyTwinID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
