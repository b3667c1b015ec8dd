package saga

import (
	"context"

	"github.com/zoff-tech/go-fulfillment/schema"
)

// Store persists saga instances together with the commands a transition
// emits, in one transaction.
type Store interface {
	// Load returns ErrSagaNotFound when no saga exists for sagaID.
	Load(ctx context.Context, sagaID string) (*Instance, error)
	// Save writes inst and enqueues commands as outbox rows atomically. With
	// expectedVersion 0 the saga is created; otherwise the stored version
	// must equal expectedVersion. Either mismatch returns ErrVersionConflict.
	Save(ctx context.Context, inst *Instance, expectedVersion int64, commands []schema.Envelope) error
	// ListActive returns every saga that is not COMPLETED or FAILED.
	ListActive(ctx context.Context) ([]*Instance, error)
}
