package capture

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Ledger is the shared task table every worker leases from.
type Ledger interface {
	// ClaimBatch atomically leases up to batchSize tasks that are pending or whose
	// lease started before staleBefore. Two concurrent callers never receive the same task.
	ClaimBatch(ctx context.Context, workerID string, batchSize int, staleBefore time.Time) ([]Task, error)
	// Resolve writes the outcome unconditionally; the last writer wins.
	Resolve(ctx context.Context, taskID string, outcome Outcome, at time.Time) error
	// Enqueue inserts pending tasks for the given source URLs and returns their ids.
	Enqueue(ctx context.Context, sourceURLs []string) ([]string, error)
	// RequeueFailed moves failed tasks back to pending and returns how many moved.
	RequeueFailed(ctx context.Context) (int64, error)
	Close() error
}

// ArtifactStore writes normalized artifacts and returns a durable URI.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes task resolution events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task ids and worker identities.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes artifact digests.
type Hasher interface {
	Hash(data []byte) string
}

// Element is an opaque handle to a node resolved from a live page.
// Handles are only valid until the next DOM mutation.
type Element interface {
	Describe() string
}

// Page is the navigation/session collaborator: the only way into the live surface.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// Query resolves every element matching selector, in document order.
	Query(ctx context.Context, selector string) ([]Element, error)
	// Visible probes computed style: the first match must exist, not be display:none
	// and not be visibility:hidden.
	Visible(ctx context.Context, selector string) (bool, error)
	DispatchPointer(ctx context.Context, el Element) error
	Click(ctx context.Context, el Element) error
	BoundingBox(ctx context.Context, el Element) (Box, error)
	MouseClick(ctx context.Context, x, y float64) error
	ScrollIntoView(ctx context.Context, el Element) error
	// SuppressExcept hides every element except the surface, its ancestors and
	// anything matching keep. It returns the number of elements it altered.
	SuppressExcept(ctx context.Context, surface string, keep []string) (int, error)
	// RestoreVisibility undoes every change made by SuppressExcept.
	RestoreVisibility(ctx context.Context) error
	Screenshot(ctx context.Context, el Element) ([]byte, error)
}

// ArtifactLabel maps an ordinal onto its storage label.
func ArtifactLabel(ordinal int) string {
	if ordinal == 0 {
		return "street_view"
	}
	return fmt.Sprintf("image_%d", ordinal)
}
