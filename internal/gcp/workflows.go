package gcp

import (
	"context"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
)

// WorkflowParent is the resource name executions of a workflow are created under.
func WorkflowParent(projectID, location, workflowID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID)
}

// NewExecutionsClient creates a Workflows Executions client.
func NewExecutionsClient(ctx context.Context) (*executions.Client, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return client, nil
}
