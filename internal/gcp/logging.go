package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/logging"
)

// NewAuditLogger returns a Cloud Logging logger writing to logName in projectID.
// The returned client must be kept alive for the logger's lifetime.
func NewAuditLogger(ctx context.Context, projectID, logName string) (*logging.Client, *logging.Logger, error) {
	if projectID == "" || logName == "" {
		return nil, nil, fmt.Errorf("NewAuditLogger: projectID and logName cannot be empty")
	}
	client, err := logging.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("logging.NewClient: %w", err)
	}
	return client, client.Logger(logName), nil
}
