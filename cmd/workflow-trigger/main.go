package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/wordcountflow/internal/models"
	"github.com/Lllllllleong/wordcountflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// maxBodyBytes bounds a push body; GCS notifications are a few KB.
const maxBodyBytes = 1 << 20

var (
	triggerInstance *services.TriggerFunction
	once            sync.Once
	initErr         error
)

// eventProcessor is the part of the trigger the entry points depend on.
type eventProcessor interface {
	Process(ctx context.Context, ev *models.FileEvent) (*models.TriggerResult, error)
}

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Pub/Sub push subscriptions call the HTTP entry point; Eventarc Pub/Sub
	// triggers call the CloudEvent one. Both carry the same envelope.
	functions.HTTP("ExecuteCloudWorkflow", executeCloudWorkflow)
	functions.CloudEvent("ExecuteCloudWorkflowEvent", executeCloudWorkflowEvent)
}

// main is required by the Go Functions Framework.
func main() {}

func loadTrigger() (*services.TriggerFunction, error) {
	once.Do(func() {
		triggerInstance, initErr = services.NewTrigger(context.Background())
	})
	return triggerInstance, initErr
}

// executeCloudWorkflow is the HTTP entry point.
func executeCloudWorkflow(w http.ResponseWriter, r *http.Request) {
	trigger, err := loadTrigger()
	if err != nil {
		slog.Error("Critical: Trigger initialization failed", "error", err)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	serveTrigger(w, r, trigger)
}

func serveTrigger(w http.ResponseWriter, r *http.Request, p eventProcessor) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("Could not read request body", "error", err)
		http.Error(w, "Bad Request: could not read body", http.StatusBadRequest)
		return
	}

	ev, err := services.ParsePushEnvelope(body)
	if err != nil {
		slog.Warn("Could not parse notification", "error", err)
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := p.Process(r.Context(), ev)
	if err != nil {
		// Error is already logged with context in the Process method.
		if errors.Is(err, services.ErrSubmission) {
			http.Error(w, "Bad Gateway: workflow submission failed", http.StatusBadGateway)
			return
		}
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error(
			"Failed to write response",
			"error", err,
			"tracker", ev.MessageID,
			"workflowExecution", res.WorkflowExecution,
		)
	}
}

// executeCloudWorkflowEvent is the CloudEvent entry point.
func executeCloudWorkflowEvent(ctx context.Context, e cloudevents.Event) error {
	trigger, err := loadTrigger()
	if err != nil {
		slog.Error("Critical error during function initialization", "error", err)
		return err
	}
	return handleEvent(ctx, e, trigger)
}

func handleEvent(ctx context.Context, e cloudevents.Event, p eventProcessor) error {
	ev, err := services.ParsePushEnvelope(e.Data())
	if err != nil {
		slog.Error("Failed to parse event data", "error", err, "eventId", e.ID(), "data", string(e.Data()))
		return err
	}
	// A returned error marks the event failed so it is redelivered.
	_, err = p.Process(ctx, ev)
	return err
}
