package rules

import (
	"context"

	id "heirloom/pkg/domain"
)

// Store persists rule revisions. Current revisions answer point lookups;
// history answers diffs.
type Store interface {
	// GetCurrent returns the newest revision for a key, or nil.
	GetCurrent(ctx context.Context, key Key) (*Rule, error)

	// GetRevision returns one specific revision for a key, or nil.
	GetRevision(ctx context.Context, key Key, revisionID int64) (*Rule, error)

	// Insert appends a new revision. RevisionID must already be set to
	// one past the stored maximum for the key.
	Insert(ctx context.Context, rule *Rule) error

	// ListCurrentByState returns the current revision of every rule in a
	// state, ordered by doc type.
	ListCurrentByState(ctx context.Context, state id.StateCode) ([]Rule, error)
}
