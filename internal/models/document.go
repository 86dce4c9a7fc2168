package models

import "time"

// Submission is the Firestore record of one workflow execution created by the trigger.
// Records are never deduplicated: a redelivered notification produces a second record.
type Submission struct {
	InputFile           string    `firestore:"inputFile,omitempty"`
	FileCreationTime    string    `firestore:"fileCreationTime,omitempty"`
	OutputTable         string    `firestore:"outputTable,omitempty"`
	WorkflowExecutionID string    `firestore:"workflowExecutionId,omitempty"` // For traceability
	Tracker             string    `firestore:"tracker,omitempty"`
	CreatedAt           time.Time `firestore:"createdAt,omitempty"`
}
