package storage

import (
	"context"
	"errors"
)

// Document collections
const (
	CollectionResults  = "aiProcessingResults"
	CollectionSpeech   = "speechAnalyses"
	CollectionTimeline = "timelineEvents"
)

// ErrNotFound is returned by Update for a missing document.
var ErrNotFound = errors.New("document not found")

// BlobStore keeps uploaded media.
type BlobStore interface {
	// Upload stores data under path and returns a reference to it.
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	// URL resolves a reference to a retrievable location.
	URL(ctx context.Context, ref string) (string, error)
}

// DocumentStore is a schemaless keyed record store.
type DocumentStore interface {
	// Put writes record under id, generating one when id is empty.
	Put(ctx context.Context, collection, id string, record any) (string, error)
	// Update merges fields into an existing record.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	// Get returns a record decoded as a JSON object.
	Get(ctx context.Context, collection, id string) (map[string]any, error)
	// ListByPatient returns newest-first records whose patientId matches.
	ListByPatient(ctx context.Context, collection, patientID string, limit int) ([]Document, error)
}

// Document is a stored record with its key.
type Document struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}
