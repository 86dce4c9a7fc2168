package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/wordcountflow/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FirestoreRecorder stores one document per workflow submission.
type FirestoreRecorder struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreRecorder writes submissions to the named collection.
func NewFirestoreRecorder(client *firestore.Client, collection string) *FirestoreRecorder {
	return &FirestoreRecorder{client: client, collection: collection}
}

// Record adds a submission document under an auto-generated ID and returns that ID.
func (r *FirestoreRecorder) Record(ctx context.Context, sub models.Submission) (string, error) {
	docRef, _, err := r.client.Collection(r.collection).Add(ctx, sub)
	if err != nil {
		return "", fmt.Errorf("failed to record submission: %w", err)
	}
	return docRef.ID, nil
}
