package domain

import "fmt"

// DocType names one estate document category. This is a domain primitive
// that enforces validity at parse time.
type DocType string

const (
	DocWill          DocType = "will"
	DocPOA           DocType = "poa"
	DocTrust         DocType = "trust"
	DocPetTrust      DocType = "pet_trust"
	DocBeneficiaries DocType = "beneficiaries"
	DocGuardianship  DocType = "guardianship"
	DocSuccession    DocType = "succession"
)

// AllDocTypes lists every document category in render order.
var AllDocTypes = []DocType{
	DocWill, DocPOA, DocTrust, DocPetTrust,
	DocBeneficiaries, DocGuardianship, DocSuccession,
}

var validDocTypes = func() map[DocType]struct{} {
	m := make(map[DocType]struct{}, len(AllDocTypes))
	for _, d := range AllDocTypes {
		m[d] = struct{}{}
	}
	return m
}()

// ParseDocType validates and returns a DocType.
func ParseDocType(s string) (DocType, error) {
	d := DocType(s)
	if _, ok := validDocTypes[d]; !ok {
		return "", fmt.Errorf("unknown doc type: %s", s)
	}
	return d, nil
}

func (d DocType) String() string { return string(d) }
func (d DocType) IsValid() bool {
	_, ok := validDocTypes[d]
	return ok
}

// StateCode is a two-letter US state or territory code.
type StateCode string

// ParseStateCode validates shape only; the rule catalogue is the authority
// on which states carry rules.
func ParseStateCode(s string) (StateCode, error) {
	if len(s) != 2 {
		return "", fmt.Errorf("state code must be two letters: %q", s)
	}
	for i := 0; i < 2; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return "", fmt.Errorf("state code must be uppercase letters: %q", s)
		}
	}
	return StateCode(s), nil
}

func (s StateCode) String() string { return string(s) }
func (s StateCode) IsNil() bool    { return s == "" }
