package trigger

import (
	id "heirloom/pkg/domain"
	dErrors "heirloom/pkg/domain-errors"
)

// payloadSchemas names the fields each life-event subkind must carry.
// Validation is deliberately shallow: the payload stays an opaque map for
// everything downstream; only the fields the engine itself reads are
// checked.
var payloadSchemas = map[string][]string{
	SubkindMarriage: {"date"},
	SubkindDivorce:  {"date"},
	SubkindChild:    {"name"},
	SubkindMove:     {"new_state"},
	SubkindHome:     {},
	SubkindBusiness: {},
	SubkindOther:    {},
}

// ValidateLifeEvent checks subkind and payload shape for a user-submitted
// life event.
func ValidateLifeEvent(subkind string, payload map[string]any) error {
	required, ok := payloadSchemas[subkind]
	if !ok {
		return dErrors.Newf(dErrors.CodeInvalidTrigger, "unknown life event subkind: %q", subkind)
	}
	for _, field := range required {
		v, present := payload[field]
		if !present {
			return dErrors.Newf(dErrors.CodeInvalidTrigger,
				"life event %q requires payload field %q", subkind, field)
		}
		s, isString := v.(string)
		if !isString || s == "" {
			return dErrors.Newf(dErrors.CodeInvalidTrigger,
				"life event %q payload field %q must be a non-empty string", subkind, field)
		}
	}

	if subkind == SubkindMove {
		state, _ := payload["new_state"].(string)
		if _, err := id.ParseStateCode(state); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvalidTrigger, "life event \"move\"")
		}
	}
	return nil
}
