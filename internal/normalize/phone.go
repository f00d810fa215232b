package normalize

import (
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
)

// phone returns the E.164 form of raw. Numbers without a leading '+' are read
// in the configured default region, so "4155550100" and "14155550100" both
// resolve to +14155550100 for US.
func (n *Normalizer) phone(raw string) (string, error) {
	cleaned := strings.TrimPrefix(raw, "tel:")
	if strings.HasPrefix(cleaned, "00") {
		cleaned = "+" + cleaned[2:]
	}

	num, err := phonenumbers.Parse(cleaned, n.region)
	if err != nil {
		return "", invalid(schemas.EntityPhone, raw, err.Error())
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", invalid(schemas.EntityPhone, raw, "not a possible number")
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// ParsePhone parses an already canonical E.164 number for adapters that need
// libphonenumber metadata.
func ParsePhone(canonical string) (*phonenumbers.PhoneNumber, error) {
	num, err := phonenumbers.Parse(canonical, DefaultRegion)
	if err != nil {
		return nil, invalid(schemas.EntityPhone, canonical, err.Error())
	}
	return num, nil
}
