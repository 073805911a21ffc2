package anchor

import (
	"context"
	"errors"

	id "heirloom/pkg/domain"
)

// ErrDuplicate signals an insert for a version that already has a receipt.
var ErrDuplicate = errors.New("version already has an anchor receipt")

// Store persists anchor receipts. Implementations return (nil, nil) when a
// receipt does not exist.
type Store interface {
	// Insert creates the version's single receipt. Returns ErrDuplicate
	// when one already exists.
	Insert(ctx context.Context, r *Receipt) error

	GetByVersion(ctx context.Context, versionID id.VersionID) (*Receipt, error)

	// Update rewrites a receipt's mutable fields keyed by version.
	Update(ctx context.Context, r *Receipt) error

	// ListPending returns receipts awaiting confirmation, oldest first.
	ListPending(ctx context.Context) ([]Receipt, error)
}
