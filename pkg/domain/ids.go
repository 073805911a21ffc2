package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// UserID is the opaque external identity the core scopes everything by.
// It is minted by the identity layer, never by this module.
type UserID string

func (u UserID) String() string { return string(u) }
func (u UserID) IsNil() bool    { return u == "" }

// TriggerID identifies an ingested trigger.
type TriggerID uuid.UUID

func NewTriggerID() TriggerID      { return TriggerID(uuid.New()) }
func (t TriggerID) String() string { return uuid.UUID(t).String() }
func (t TriggerID) IsNil() bool    { return uuid.UUID(t) == uuid.Nil }

// ParseTriggerID validates and returns a TriggerID.
func ParseTriggerID(s string) (TriggerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TriggerID{}, fmt.Errorf("parse trigger id: %w", err)
	}
	return TriggerID(u), nil
}

// ProposalID identifies an update proposal.
type ProposalID uuid.UUID

func NewProposalID() ProposalID     { return ProposalID(uuid.New()) }
func (p ProposalID) String() string { return uuid.UUID(p).String() }
func (p ProposalID) IsNil() bool    { return uuid.UUID(p) == uuid.Nil }

// ParseProposalID validates and returns a ProposalID.
func ParseProposalID(s string) (ProposalID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ProposalID{}, fmt.Errorf("parse proposal id: %w", err)
	}
	return ProposalID(u), nil
}

// VersionID identifies an immutable plan version.
type VersionID uuid.UUID

func NewVersionID() VersionID      { return VersionID(uuid.New()) }
func (v VersionID) String() string { return uuid.UUID(v).String() }
func (v VersionID) IsNil() bool    { return uuid.UUID(v) == uuid.Nil }

// ParseVersionID validates and returns a VersionID.
func ParseVersionID(s string) (VersionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return VersionID{}, fmt.Errorf("parse version id: %w", err)
	}
	return VersionID(u), nil
}
