package client

import (
	"context"
	"fmt"
)

// RecordStoreClient implements RecordStore against the archival record
// service's HTTP API. Publication and withdrawal of the record's metadata are
// that service's business; this client only delivers the outcome.
type RecordStoreClient struct {
	client *httpClient
}

// NewRecordStoreClient creates a new record store client.
func NewRecordStoreClient(baseURL string) *RecordStoreClient {
	return &RecordStoreClient{client: newHTTPClient(baseURL)}
}

type publishRequest struct {
	ObjectID   string `json:"object_id"`
	ObjectType string `json:"object_type"`
}

type withdrawRequest struct {
	ObjectID   string `json:"object_id"`
	ObjectType string `json:"object_type"`
	Reason     string `json:"reason"`
}

// NotifyPublished tells the record store the object passed its final approval.
func (c *RecordStoreClient) NotifyPublished(ctx context.Context, objectID, objectType string) error {
	req := publishRequest{ObjectID: objectID, ObjectType: objectType}
	if err := c.client.Post(ctx, "/api/v1/records/published", req, nil); err != nil {
		return fmt.Errorf("failed to notify record published: %w", err)
	}
	return nil
}

// NotifyWithdrawn tells the record store the object was rejected.
func (c *RecordStoreClient) NotifyWithdrawn(ctx context.Context, objectID, objectType, reason string) error {
	req := withdrawRequest{ObjectID: objectID, ObjectType: objectType, Reason: reason}
	if err := c.client.Post(ctx, "/api/v1/records/withdrawn", req, nil); err != nil {
		return fmt.Errorf("failed to notify record withdrawn: %w", err)
	}
	return nil
}
