package proposal

import (
	"sort"
	"time"

	"heirloom/internal/trigger"
	id "heirloom/pkg/domain"
)

// State is the proposal lifecycle. A proposal leaves pending exactly once.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// Severity mirrors trigger impact on the user-facing proposal.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityFromImpact maps a trigger impact onto proposal severity.
func SeverityFromImpact(impact trigger.Impact) Severity {
	switch impact {
	case trigger.ImpactCritical:
		return SeverityCritical
	case trigger.ImpactHigh:
		return SeverityHigh
	case trigger.ImpactMedium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ChangeOp is the closed set of operations a proposal may require. The plan
// builder interprets them; nothing free-form crosses this boundary.
type ChangeOp string

const (
	OpSetField          ChangeOp = "set_field"
	OpAddBeneficiary    ChangeOp = "add_beneficiary"
	OpRemoveBeneficiary ChangeOp = "remove_beneficiary"
	OpRebindDocType     ChangeOp = "rebind_doc_type"
)

// RequiredChange is one questionnaire delta. Field/Value apply to
// set_field and the beneficiary ops; DocType applies to rebind_doc_type.
type RequiredChange struct {
	Op      ChangeOp
	Field   string
	Value   any
	DocType id.DocType
}

// Proposal is a state-machine-managed update suggestion derived from a
// trigger.
type Proposal struct {
	ID               id.ProposalID
	UserID           id.UserID
	TriggerID        id.TriggerID
	TriggerSubkind   string
	State            State
	Severity         Severity
	Title            string
	Description      string
	AffectedDocTypes []id.DocType
	RequiredChanges  []RequiredChange
	LegalBasis       []string
	CreatedAt        time.Time
	Deadline         *time.Time
	ResolvedAt       *time.Time
	ResolutionNote   string
}

// NormalizeDocTypes sorts the affected set so equality checks and hashes
// are order-independent.
func NormalizeDocTypes(docTypes []id.DocType) []id.DocType {
	out := append([]id.DocType(nil), docTypes...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DocTypesEqual compares two normalised affected sets.
func DocTypesEqual(a, b []id.DocType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MergeLegalBasis unions citations preserving the stable order of the
// existing list and appending unseen candidates in their own order.
func MergeLegalBasis(existing, candidate []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string(nil), existing...)
	for _, c := range existing {
		seen[c] = struct{}{}
	}
	for _, c := range candidate {
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}
