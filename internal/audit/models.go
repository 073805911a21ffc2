package audit

import (
	"fmt"
	"time"

	id "heirloom/pkg/domain"
)

// Actor identifies who caused an audit entry.
type Actor string

const (
	ActorSystem   Actor = "system"
	ActorUser     Actor = "user"
	ActorExternal Actor = "external"
)

// Action enumerates every state change the engine records. The audit log is
// the authoritative history; nothing transitions without one of these.
type Action string

const (
	ActionTriggerIngested    Action = "trigger_ingested"
	ActionTriggerDuplicate   Action = "trigger_duplicate"
	ActionLawObserved        Action = "law_observed"
	ActionProposalCreated    Action = "proposal_created"
	ActionProposalMerged     Action = "proposal_merged"
	ActionProposalApproved   Action = "proposal_approved"
	ActionProposalRejected   Action = "proposal_rejected"
	ActionProposalExpired    Action = "proposal_expired"
	ActionVersionBuilt       Action = "version_built"
	ActionVersionActivated   Action = "version_activated"
	ActionVersionSuperseded  Action = "version_superseded"
	ActionAnchorSubmitted    Action = "anchor_submitted"
	ActionAnchorConfirmed    Action = "anchor_confirmed"
	ActionAnchorFailed       Action = "anchor_failed"
	ActionAnchorDeferred     Action = "anchor_deferred"
)

// SubjectKind types the entity an entry refers to.
type SubjectKind string

const (
	SubjectTrigger  SubjectKind = "trigger"
	SubjectProposal SubjectKind = "proposal"
	SubjectVersion  SubjectKind = "version"
	SubjectReceipt  SubjectKind = "receipt"
	SubjectRule     SubjectKind = "rule"
)

// SubjectRef is a typed reference to the entity an entry is about.
type SubjectRef struct {
	Kind SubjectKind
	ID   string
}

func (r SubjectRef) String() string { return fmt.Sprintf("%s:%s", r.Kind, r.ID) }

// RuleSubject builds the subject reference used by law_observed water-marks.
func RuleSubject(state id.StateCode, docType id.DocType) SubjectRef {
	return SubjectRef{Kind: SubjectRule, ID: fmt.Sprintf("%s:%s", state, docType)}
}

// Entry is one append-only audit record. EntryID is assigned by the store
// and is strictly increasing per user.
type Entry struct {
	EntryID    int64
	UserID     id.UserID
	OccurredAt time.Time
	Actor      Actor
	Action     Action
	Subject    SubjectRef
	Before     map[string]any
	After      map[string]any
	Notes      string
}

// Query narrows a List call. Zero values mean "no filter".
type Query struct {
	SinceEntryID int64
	Actions      []Action
}

// Matches reports whether the entry passes the query filters.
func (q Query) Matches(e Entry) bool {
	if e.EntryID <= q.SinceEntryID {
		return false
	}
	if len(q.Actions) == 0 {
		return true
	}
	for _, a := range q.Actions {
		if e.Action == a {
			return true
		}
	}
	return false
}
