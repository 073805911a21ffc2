package plan

import (
	"context"
	"errors"
	"time"

	id "heirloom/pkg/domain"
)

// ErrStale signals that a guarded status update matched no row because the
// version was no longer in the expected status.
var ErrStale = errors.New("plan version was modified concurrently")

// Store persists plan versions. Implementations return (nil, nil) when a
// version does not exist.
type Store interface {
	Insert(ctx context.Context, v *Version) error
	Get(ctx context.Context, versionID id.VersionID) (*Version, error)

	// GetByProposal finds the version built from a proposal, if any. It
	// backs idempotent re-approval.
	GetByProposal(ctx context.Context, proposalID id.ProposalID) (*Version, error)

	// CurrentByUser returns the user's single current version, if any.
	CurrentByUser(ctx context.Context, userID id.UserID) (*Version, error)

	// MaxVersionNumber returns the highest version number for the user,
	// or 0 when the user has none.
	MaxVersionNumber(ctx context.Context, userID id.UserID) (int, error)

	// UpdateStatus moves a version from one status to another, guarded by
	// the expected current status. Returns ErrStale on a mismatch.
	// activatedAt is written only when non-nil.
	UpdateStatus(ctx context.Context, versionID id.VersionID, from, to Status, activatedAt *time.Time) error

	// ListDrafts returns versions left in draft, for the recovery sweep.
	ListDrafts(ctx context.Context) ([]Version, error)

	// DeleteDraft removes a draft version. Versions that reached current
	// are immutable and cannot be deleted.
	DeleteDraft(ctx context.Context, versionID id.VersionID) error
}
