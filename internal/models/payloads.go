package models

// These structs define the JSON payloads exchanged between the storage
// notification push, the trigger function, the Cloud Workflow and the
// word-count job.

// PushEnvelope is the body of a Pub/Sub push request carrying a GCS
// notification. The same shape is the data of an Eventarc Pub/Sub CloudEvent.
type PushEnvelope struct {
	Message      *PushMessage `json:"message"`
	Subscription string       `json:"subscription"`
}

// PushMessage is the Pub/Sub message inside a PushEnvelope.
type PushMessage struct {
	Attributes  *NotificationAttributes `json:"attributes"`
	Data        string                  `json:"data,omitempty"`
	MessageID   string                  `json:"messageId"`
	PublishTime string                  `json:"publishTime,omitempty"`
}

// NotificationAttributes are the attributes GCS sets on a JSON_API_V1 notification.
type NotificationAttributes struct {
	BucketID           string `json:"bucketId"`
	ObjectID           string `json:"objectId"`
	EventTime          string `json:"eventTime"`
	EventType          string `json:"eventType,omitempty"`
	ObjectGeneration   string `json:"objectGeneration,omitempty"`
	NotificationConfig string `json:"notificationConfig,omitempty"`
	PayloadFormat      string `json:"payloadFormat,omitempty"`
}

// FileEvent is a validated "object finalized" notification.
type FileEvent struct {
	Bucket    string
	Object    string
	EventTime string
	// MessageID correlates the trigger, the workflow execution and the job logs.
	MessageID string
}

// WorkflowArguments is the JSON argument of a word-count workflow execution.
type WorkflowArguments struct {
	PysparkFile            string   `json:"pyspark_file"`
	SparkJobArgs           []string `json:"spark_job_args"`
	SparkDepJars           []string `json:"spark_dep_jars"`
	DataprocRuntimeVersion string   `json:"dataproc_runtime_version"`
	Project                string   `json:"project"`
	DataprocRegion         string   `json:"dataproc_region"`
	SparkServiceAccount    string   `json:"spark_service_account"`
	SparkJobNamePrefix     string   `json:"spark_job_name_prefix"`
	Tracker                string   `json:"tracker,omitempty"`
}

// TriggerResult is both the trigger's HTTP response and its audit log payload.
type TriggerResult struct {
	File              string `json:"file"`
	FileCreationTime  string `json:"file_creation_time"`
	WorkflowExecution string `json:"workflow_execution"`
	Tracker           string `json:"tracker,omitempty"`
}

// WordCountRow is one row of the destination table.
type WordCountRow struct {
	Word      string `json:"word" bigquery:"word"`
	WordCount int64  `json:"word_count" bigquery:"word_count"`
	InputFile string `json:"input_file" bigquery:"input_file"`
}

// WriteSummary describes a completed table write.
type WriteSummary struct {
	Table        string   `json:"table"`
	RowsWritten  int      `json:"rowsWritten"`
	TableCreated bool     `json:"tableCreated"`
	Schema       []string `json:"schema"`
}
