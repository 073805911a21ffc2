package audit

import (
	"context"

	id "heirloom/pkg/domain"
)

// Store persists audit entries. Append assigns EntryID; entries are never
// updated or deleted.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, userID id.UserID, q Query) ([]Entry, error)

	// LastBySubject returns the newest entry for (user, action, subject),
	// or nil when none exists. The watcher uses it to read its
	// law_observed water-marks.
	LastBySubject(ctx context.Context, userID id.UserID, action Action, subject SubjectRef) (*Entry, error)
}
