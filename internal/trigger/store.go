package trigger

import (
	"context"
	"errors"

	id "heirloom/pkg/domain"
)

// ErrDuplicate is returned by Insert when (user_id, dedup_key) already
// exists. The service resolves it to the existing trigger.
var ErrDuplicate = errors.New("trigger already exists for dedup key")

// Store persists triggers. Triggers are append-only.
type Store interface {
	// Insert writes a new trigger. Returns ErrDuplicate when the user
	// already has a trigger with the same dedup key.
	Insert(ctx context.Context, t *Trigger) error

	// Get returns a trigger by ID, or nil.
	Get(ctx context.Context, triggerID id.TriggerID) (*Trigger, error)

	// GetByDedupKey returns the user's trigger with the given dedup key,
	// or nil.
	GetByDedupKey(ctx context.Context, userID id.UserID, dedupKey string) (*Trigger, error)
}
