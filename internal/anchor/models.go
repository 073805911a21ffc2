package anchor

import (
	"time"

	id "heirloom/pkg/domain"
)

// Status is the receipt lifecycle. A receipt exists only once a submission
// has been accepted by the anchoring provider.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Receipt records one version's anchoring outcome. At most one receipt
// exists per version.
type Receipt struct {
	VersionID    id.VersionID
	UserID       id.UserID
	PlanHash     string
	AnchorID     string
	Status       Status
	ExternalURL  string
	AttemptCount int
	SubmittedAt  time.Time
	ConfirmedAt  *time.Time
}
