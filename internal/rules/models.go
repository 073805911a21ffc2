package rules

import (
	"fmt"
	"time"

	id "heirloom/pkg/domain"
)

// Key addresses one rule: a legal-requirements record for a document type
// in a jurisdiction.
type Key struct {
	State   id.StateCode
	DocType id.DocType
}

func (k Key) String() string { return fmt.Sprintf("%s:%s", k.State, k.DocType) }

// Field names for diffing. These are the attribute identifiers carried in
// FieldDiff and in the configurable material-field set.
const (
	FieldNotarisationRequired = "notarisation_required"
	FieldWitnessesRequired    = "witnesses_required"
	FieldRemoteNotaryAllowed  = "remote_notary_allowed"
	FieldEsignAllowed         = "esign_allowed"
	FieldRecordingSupported   = "recording_supported"
	FieldPetTrustAllowed      = "pet_trust_allowed"
	FieldCitations            = "citations"
)

// Rule is one revision of the legal requirements for a (state, doc type)
// pair. Revisions are immutable; RevisionID strictly increases per key.
type Rule struct {
	Key                  Key
	NotarisationRequired bool
	WitnessesRequired    int
	RemoteNotaryAllowed  bool
	EsignAllowed         bool
	RecordingSupported   bool
	PetTrustAllowed      bool
	Citations            []string
	EffectiveAt          *time.Time
	RevisionID           int64
	UpdatedAt            time.Time
}

// Validate checks a snapshot row before loading.
func (r *Rule) Validate() error {
	if _, err := id.ParseStateCode(r.Key.State.String()); err != nil {
		return err
	}
	if !r.Key.DocType.IsValid() {
		return fmt.Errorf("unknown doc type: %s", r.Key.DocType)
	}
	if r.WitnessesRequired < 0 {
		return fmt.Errorf("witnesses_required must be non-negative: %d", r.WitnessesRequired)
	}
	return nil
}

// attributesEqual reports whether two revisions carry the same attributes.
// Citation lists compare by ordered equality.
func attributesEqual(a, b *Rule) bool {
	if a.NotarisationRequired != b.NotarisationRequired ||
		a.WitnessesRequired != b.WitnessesRequired ||
		a.RemoteNotaryAllowed != b.RemoteNotaryAllowed ||
		a.EsignAllowed != b.EsignAllowed ||
		a.RecordingSupported != b.RecordingSupported ||
		a.PetTrustAllowed != b.PetTrustAllowed {
		return false
	}
	if !citationsEqual(a.Citations, b.Citations) {
		return false
	}
	return effectiveAtEqual(a.EffectiveAt, b.EffectiveAt)
}

func citationsEqual(a, b []string) bool {
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

func effectiveAtEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// FieldDiff names one changed attribute between two revisions.
type FieldDiff struct {
	Field string
	Old   any
	New   any
}

// Inverted returns the diff read in the opposite direction.
func (d FieldDiff) Inverted() FieldDiff {
	return FieldDiff{Field: d.Field, Old: d.New, New: d.Old}
}

// diffRules computes the attribute-level differences from a to b.
func diffRules(a, b *Rule) []FieldDiff {
	var diffs []FieldDiff
	if a.NotarisationRequired != b.NotarisationRequired {
		diffs = append(diffs, FieldDiff{FieldNotarisationRequired, a.NotarisationRequired, b.NotarisationRequired})
	}
	if a.WitnessesRequired != b.WitnessesRequired {
		diffs = append(diffs, FieldDiff{FieldWitnessesRequired, a.WitnessesRequired, b.WitnessesRequired})
	}
	if a.RemoteNotaryAllowed != b.RemoteNotaryAllowed {
		diffs = append(diffs, FieldDiff{FieldRemoteNotaryAllowed, a.RemoteNotaryAllowed, b.RemoteNotaryAllowed})
	}
	if a.EsignAllowed != b.EsignAllowed {
		diffs = append(diffs, FieldDiff{FieldEsignAllowed, a.EsignAllowed, b.EsignAllowed})
	}
	if a.RecordingSupported != b.RecordingSupported {
		diffs = append(diffs, FieldDiff{FieldRecordingSupported, a.RecordingSupported, b.RecordingSupported})
	}
	if a.PetTrustAllowed != b.PetTrustAllowed {
		diffs = append(diffs, FieldDiff{FieldPetTrustAllowed, a.PetTrustAllowed, b.PetTrustAllowed})
	}
	if !citationsEqual(a.Citations, b.Citations) {
		diffs = append(diffs, FieldDiff{FieldCitations, a.Citations, b.Citations})
	}
	return diffs
}

// ChangeNotice is broadcast to the watcher after a snapshot load changes a
// rule. It carries everything needed to build a law-change trigger without
// re-reading the catalogue.
type ChangeNotice struct {
	Key          Key
	FromRevision int64
	ToRevision   int64
	Changed      []FieldDiff
	Citations    []string
	EffectiveAt  *time.Time
}
