package trigger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	id "heirloom/pkg/domain"
)

// Kind classifies where a trigger came from.
type Kind string

const (
	KindLifeEvent       Kind = "life_event"
	KindLawChange       Kind = "law_change"
	KindPeriodicCheckin Kind = "periodic_checkin"
	KindManual          Kind = "manual"
)

// Life-event subkinds accepted from users.
const (
	SubkindMarriage = "marriage"
	SubkindDivorce  = "divorce"
	SubkindChild    = "child"
	SubkindMove     = "move"
	SubkindHome     = "home"
	SubkindBusiness = "business"
	SubkindOther    = "other"
)

// Impact grades how strongly a trigger warrants plan review.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// lifeEventImpact is the fixed assignment table for life events.
var lifeEventImpact = map[string]Impact{
	SubkindMarriage: ImpactHigh,
	SubkindDivorce:  ImpactHigh,
	SubkindChild:    ImpactHigh,
	SubkindMove:     ImpactHigh,
	SubkindHome:     ImpactMedium,
	SubkindBusiness: ImpactMedium,
	SubkindOther:    ImpactLow,
}

// Trigger is an immutable record of something that may warrant an
// estate-plan update. Once written it is never changed.
type Trigger struct {
	ID         id.TriggerID
	UserID     id.UserID
	Kind       Kind
	Subkind    string
	Payload    map[string]any
	ObservedAt time.Time
	DedupKey   string
	Impact     Impact
}

// DedupKey derives the user-scoped idempotency key for a trigger. The
// payload hash uses canonical JSON (sorted keys) so semantically equal
// payloads collide.
func DedupKey(kind Kind, subkind string, payload map[string]any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payloads are schema-validated maps of JSON values; a marshal
		// failure indicates a programming error upstream.
		raw = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s|%s|%s", kind, subkind, hex.EncodeToString(sum[:]))
}
