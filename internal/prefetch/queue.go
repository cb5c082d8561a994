// Package prefetch implements the FIFO buffer of pre-generated,
// reviewed documents that the dispatcher serves from before falling
// back to live generation.
package prefetch

import (
	"context"

	"github.com/ndwlabs/ndw-gateway/internal/models"
)

// Preview is the public listing form of a queued record. ID is a
// signed take-token, not a storage identifier.
type Preview struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Category  string `json:"category"`
	Vibe      string `json:"vibe"`
	CreatedAt int64  `json:"created_at"`
}

// Queue is the prefetch buffer contract. Implementations must preserve
// FIFO order across concurrent producers and consumers, and Dequeue
// must hand each record to at most one caller.
type Queue interface {
	// Enqueue stores a document unless its signature was recently
	// seen and the queue is non-empty (the empty-queue duplicate is
	// accepted as a recovery path). Returns the record id, or ""
	// when the enqueue was refused.
	Enqueue(ctx context.Context, doc *models.Doc) (string, error)

	// Dequeue atomically removes and returns the head record.
	// Corrupt records are dropped and the next head is tried.
	// Returns (nil, nil) when the queue is empty.
	Dequeue(ctx context.Context) (*models.Doc, error)

	// Size reports the number of queued records.
	Size(ctx context.Context) int

	// Previews returns up to n previews, oldest first, each with a
	// signed take-token as its id.
	Previews(ctx context.Context, n int) []Preview

	// Take verifies a token and consumes the matching record.
	// Returns (nil, nil) when the record no longer exists.
	Take(ctx context.Context, token string) (*models.Doc, error)

	// IDs lists record identifiers in enqueue order; the top-up
	// review pass operates on these.
	IDs(ctx context.Context) []string

	// Load reads one record without consuming it.
	Load(ctx context.Context, id string) (*models.Doc, error)

	// Replace overwrites a record in place (used for reviewer
	// corrections).
	Replace(ctx context.Context, id string, doc *models.Doc) error

	// Remove deletes a record (used when review blocks it).
	Remove(ctx context.Context, id string) error

	// Dir describes the backing location for diagnostics.
	Dir() string
}
