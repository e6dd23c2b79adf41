// Package store defines the DocumentStore capability the sync coordinator
// persists through, plus the in-memory and Redis engines.
package store

import (
	"context"
	"errors"

	"github.com/matthewcorven/synckit-sub003/internal/document"
)

// ErrNotFound is returned by Load for a document that was never persisted.
var ErrNotFound = errors.New("document not found")

// DocumentStore is the durable home of document state. ApplyDelta must be
// idempotent on (docId, field, writerId, counter, timestamp): writing the
// same record twice leaves the store unchanged.
type DocumentStore interface {
	// Load returns the full persisted state for docID, or ErrNotFound.
	Load(ctx context.Context, docID string) (*document.State, error)

	// ApplyDelta persists the given winning field records and the current
	// document vector clock.
	ApplyDelta(ctx context.Context, docID string, fields map[string]document.FieldRecord, vc document.VectorClock) error

	// ListDocuments returns the ids of every persisted document.
	ListDocuments(ctx context.Context) ([]string, error)
}
