package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/logging"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/wordcountflow/internal/gcp"
	"github.com/Lllllllleong/wordcountflow/internal/models"
	"github.com/googleapis/gax-go/v2"
)

var (
	// ErrInvalidEvent marks a push body that is not a usable GCS notification.
	ErrInvalidEvent = errors.New("invalid notification")
	// ErrConfig marks missing or malformed configuration.
	ErrConfig = errors.New("invalid configuration")
	// ErrSubmission marks a failed workflow execution request.
	ErrSubmission = errors.New("workflow submission failed")
)

const (
	// ConnectorJar is the BigQuery connector shipped with every word-count job.
	ConnectorJar = "gs://spark-lib/bigquery/spark-bigquery-with-dependencies_2.13-0.27.1.jar"
	// RuntimeVersion is the batch runtime the workflow provisions.
	RuntimeVersion       = "2.0"
	DefaultJobNamePrefix = "wordcount-workflows-"
)

// TriggerConfig holds all configuration for the workflow trigger.
type TriggerConfig struct {
	ProjectID      string
	Region         string
	WorkflowID     string
	JobFile        string
	ServiceAccount string
	OutputTable    string
	// TempBucket is "bucket/path/" without a scheme.
	TempBucket    string
	AuditLogName  string
	JobNamePrefix string
	// IncludeTracker threads the Pub/Sub message ID through to the workflow and the result.
	IncludeTracker       bool
	SubmissionCollection string
}

// LoadTriggerConfig reads and validates the trigger's environment variables.
func LoadTriggerConfig() (*TriggerConfig, error) {
	includeTracker, err := strconv.ParseBool(gcp.GetEnv("INCLUDE_TRACKER", "true"))
	if err != nil {
		return nil, fmt.Errorf("%w: INCLUDE_TRACKER: %v", ErrConfig, err)
	}

	cfg := &TriggerConfig{
		ProjectID:            gcp.GetEnv("PROJECT", ""),
		Region:               gcp.GetEnv("REGION", ""),
		WorkflowID:           gcp.GetEnv("CLOUD_WORKFLOW_NAME", ""),
		JobFile:              gcp.GetEnv("PYSPARK_FILE", ""),
		ServiceAccount:       gcp.GetEnv("SPARK_SERVICE_ACCOUNT", ""),
		OutputTable:          gcp.GetEnv("BQ_OUTPUT_TABLE", ""),
		TempBucket:           gcp.GetEnv("SPARK_TEMP_BUCKET", ""),
		AuditLogName:         gcp.GetEnv("TRACKER_LOG_NAME", ""),
		JobNamePrefix:        gcp.GetEnv("SPARK_JOB_NAME_PREFIX", DefaultJobNamePrefix),
		IncludeTracker:       includeTracker,
		SubmissionCollection: gcp.GetEnv("SUBMISSION_COLLECTION", ""),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every required setting that is empty, by environment variable name.
func (c *TriggerConfig) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"PROJECT", c.ProjectID},
		{"REGION", c.Region},
		{"CLOUD_WORKFLOW_NAME", c.WorkflowID},
		{"PYSPARK_FILE", c.JobFile},
		{"SPARK_SERVICE_ACCOUNT", c.ServiceAccount},
		{"BQ_OUTPUT_TABLE", c.OutputTable},
		{"SPARK_TEMP_BUCKET", c.TempBucket},
		{"TRACKER_LOG_NAME", c.AuditLogName},
	}
	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s must be set", ErrConfig, strings.Join(missing, ", "))
	}
	return nil
}

// ExecutionCreator is satisfied by *executions.Client.
type ExecutionCreator interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// AuditLogger is satisfied by *logging.Logger.
type AuditLogger interface {
	LogSync(ctx context.Context, e logging.Entry) error
}

// SubmissionRecorder persists a record of each submission.
type SubmissionRecorder interface {
	Record(ctx context.Context, sub models.Submission) (string, error)
}

// TriggerDeps are the external clients the trigger talks to. Recorder is optional.
type TriggerDeps struct {
	Executions ExecutionCreator
	Audit      AuditLogger
	Recorder   SubmissionRecorder
}

// TriggerFunction turns GCS notifications into word-count workflow executions.
type TriggerFunction struct {
	executions ExecutionCreator
	audit      AuditLogger
	recorder   SubmissionRecorder
	config     TriggerConfig
	now        func() time.Time
}

// NewTriggerFunction wires a trigger from an explicit config and clients.
func NewTriggerFunction(cfg TriggerConfig, deps TriggerDeps) (*TriggerFunction, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Executions == nil || deps.Audit == nil {
		return nil, fmt.Errorf("NewTriggerFunction: executions client and audit logger are required")
	}
	if cfg.JobNamePrefix == "" {
		cfg.JobNamePrefix = DefaultJobNamePrefix
	}
	return &TriggerFunction{
		executions: deps.Executions,
		audit:      deps.Audit,
		recorder:   deps.Recorder,
		config:     cfg,
		now:        time.Now,
	}, nil
}

// NewTrigger builds a trigger from the environment with production clients.
func NewTrigger(ctx context.Context) (*TriggerFunction, error) {
	cfg, err := LoadTriggerConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	executionsClient, err := gcp.NewExecutionsClient(ctx)
	if err != nil {
		return nil, err
	}
	_, auditLogger, err := gcp.NewAuditLogger(ctx, cfg.ProjectID, cfg.AuditLogName)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	deps := TriggerDeps{Executions: executionsClient, Audit: auditLogger}
	if cfg.SubmissionCollection != "" {
		firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		deps.Recorder = gcp.NewFirestoreRecorder(firestoreClient, cfg.SubmissionCollection)
	}

	f, err := NewTriggerFunction(*cfg, deps)
	if err != nil {
		return nil, err
	}
	slog.Info("Workflow trigger initialized.",
		"workflowParent", gcp.WorkflowParent(cfg.ProjectID, cfg.Region, cfg.WorkflowID),
		"includeTracker", cfg.IncludeTracker,
		"submissionCollection", cfg.SubmissionCollection,
	)
	return f, nil
}

// ParsePushEnvelope decodes and validates a Pub/Sub push body carrying a GCS
// notification. Every missing required field is named in the returned error.
func ParsePushEnvelope(body []byte) (*models.FileEvent, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidEvent)
	}
	var env models.PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if env.Message == nil {
		return nil, fmt.Errorf("%w: missing message", ErrInvalidEvent)
	}

	var missing []string
	if env.Message.MessageID == "" {
		missing = append(missing, "message.messageId")
	}
	attrs := env.Message.Attributes
	if attrs == nil {
		missing = append(missing, "message.attributes")
	} else {
		if attrs.BucketID == "" {
			missing = append(missing, "message.attributes.bucketId")
		}
		if attrs.ObjectID == "" {
			missing = append(missing, "message.attributes.objectId")
		}
		if attrs.EventTime == "" {
			missing = append(missing, "message.attributes.eventTime")
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}

	if attrs.EventType != "" && attrs.EventType != "OBJECT_FINALIZE" {
		slog.Warn("Notification is not an OBJECT_FINALIZE event.", "eventType", attrs.EventType, "messageId", env.Message.MessageID)
	}

	return &models.FileEvent{
		Bucket:    attrs.BucketID,
		Object:    attrs.ObjectID,
		EventTime: attrs.EventTime,
		MessageID: env.Message.MessageID,
	}, nil
}

// JobRequest is everything the workflow needs to run one word-count job.
type JobRequest struct {
	InputFile   string
	OutputTable string
	TempBucket  string
	// Parent is projects/{project}/locations/{region}/workflows/{workflow}.
	Parent    string
	Arguments models.WorkflowArguments
}

// BuildJobRequest derives a JobRequest from configuration and a notification.
func BuildJobRequest(cfg TriggerConfig, ev *models.FileEvent) *JobRequest {
	inputFile := gcp.GCSURI(ev.Bucket, ev.Object)
	args := models.WorkflowArguments{
		PysparkFile: cfg.JobFile,
		SparkJobArgs: []string{
			"--input_expression=" + inputFile,
			"--output_table=" + cfg.OutputTable,
			"--temp_bucket=" + cfg.TempBucket,
		},
		SparkDepJars:           []string{ConnectorJar},
		DataprocRuntimeVersion: RuntimeVersion,
		Project:                cfg.ProjectID,
		DataprocRegion:         cfg.Region,
		SparkServiceAccount:    cfg.ServiceAccount,
		SparkJobNamePrefix:     cfg.JobNamePrefix,
	}
	if cfg.IncludeTracker {
		args.Tracker = ev.MessageID
	}
	return &JobRequest{
		InputFile:   inputFile,
		OutputTable: cfg.OutputTable,
		TempBucket:  cfg.TempBucket,
		Parent:      gcp.WorkflowParent(cfg.ProjectID, cfg.Region, cfg.WorkflowID),
		Arguments:   args,
	}
}

// CreateExecutionRequest encodes the request for the Workflows Executions API.
func (r *JobRequest) CreateExecutionRequest() (*executionspb.CreateExecutionRequest, error) {
	payloadBytes, err := json.Marshal(r.Arguments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	return &executionspb.CreateExecutionRequest{
		Parent: r.Parent,
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}, nil
}

// Process submits one workflow execution for ev and writes the audit entry.
// It never retries; redelivery is left to the push subscription.
func (f *TriggerFunction) Process(ctx context.Context, ev *models.FileEvent) (*models.TriggerResult, error) {
	logCtx := slog.With("gcsBucket", ev.Bucket, "gcsObject", ev.Object, "tracker", ev.MessageID)
	logCtx.Info("Processing new GCS object.")

	jobReq := BuildJobRequest(f.config, ev)
	req, err := jobReq.CreateExecutionRequest()
	if err != nil {
		logCtx.Error("Failed to build execution request", "error", err)
		return nil, err
	}

	execution, err := f.executions.CreateExecution(ctx, req)
	if err != nil {
		logCtx.Error("Failed to trigger workflow execution", "error", err, "workflowParent", jobReq.Parent)
		return nil, fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	logCtx = logCtx.With("workflowExecution", execution.GetName())
	logCtx.Info("Workflow execution created.")

	result := &models.TriggerResult{
		File:              jobReq.InputFile,
		FileCreationTime:  ev.EventTime,
		WorkflowExecution: execution.GetName(),
	}
	if f.config.IncludeTracker {
		result.Tracker = ev.MessageID
	}

	// The execution exists at this point, so bookkeeping failures must not
	// fail the invocation and provoke a duplicate on redelivery.
	if err := f.audit.LogSync(ctx, logging.Entry{Payload: result, Severity: logging.Info}); err != nil {
		logCtx.Error("Failed to write audit log entry", "error", err, "logName", f.config.AuditLogName)
	}
	if f.recorder != nil {
		docID, err := f.recorder.Record(ctx, models.Submission{
			InputFile:           result.File,
			FileCreationTime:    result.FileCreationTime,
			OutputTable:         jobReq.OutputTable,
			WorkflowExecutionID: result.WorkflowExecution,
			Tracker:             result.Tracker,
			CreatedAt:           f.now(),
		})
		if err != nil {
			logCtx.Error("Failed to record submission", "error", err)
		} else {
			logCtx.Info("Recorded submission.", "documentId", docID)
		}
	}

	return result, nil
}
