package providers

import (
	"context"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
)

// PhoneMeta answers from the libphonenumber metadata bundled in the binary:
// region, geocoded location, original carrier, line type and timezones. It
// makes no network call.
type PhoneMeta struct{}

func NewPhoneMeta() *PhoneMeta { return &PhoneMeta{} }

func (*PhoneMeta) Name() string { return "phonemeta" }

func (*PhoneMeta) Types() []schemas.EntityType { return []schemas.EntityType{schemas.EntityPhone} }

func (p *PhoneMeta) Enrich(_ context.Context, value string) (schemas.Attributes, error) {
	num, err := normalize.ParsePhone(value)
	if err != nil {
		return schemas.Attributes{}, soft(p.Name(), err)
	}

	attrs := &schemas.PhoneAttributes{
		Valid: schemas.Ptr(phonenumbers.IsValidNumber(num)),
	}
	if region := phonenumbers.GetRegionCodeForNumber(num); region != "" && region != "ZZ" {
		attrs.Country = schemas.Ptr(region)
	}
	if loc, err := phonenumbers.GetGeocodingForNumber(num, "en"); err == nil && loc != "" {
		attrs.Location = schemas.Ptr(loc)
	}
	if carrier, err := phonenumbers.GetCarrierForNumber(num, "en"); err == nil && carrier != "" {
		attrs.Carrier = schemas.Ptr(carrier)
	}
	if tz, err := phonenumbers.GetTimezonesForNumber(num); err == nil {
		for _, z := range tz {
			if z != "" && !strings.EqualFold(z, "Etc/Unknown") {
				attrs.Timezones = append(attrs.Timezones, z)
			}
		}
	}

	numberType := phonenumbers.GetNumberType(num)
	if lt := lineType(numberType); lt != "" {
		attrs.LineType = schemas.Ptr(lt)
	}
	if numberType != phonenumbers.UNKNOWN {
		attrs.IsVOIP = schemas.Ptr(numberType == phonenumbers.VOIP)
	}
	return schemas.Attributes{Phone: attrs}, nil
}

func lineType(t phonenumbers.PhoneNumberType) string {
	switch t {
	case phonenumbers.MOBILE:
		return "mobile"
	case phonenumbers.FIXED_LINE:
		return "landline"
	case phonenumbers.FIXED_LINE_OR_MOBILE:
		return "fixed_line_or_mobile"
	case phonenumbers.TOLL_FREE:
		return "toll_free"
	case phonenumbers.PREMIUM_RATE:
		return "premium_rate"
	case phonenumbers.SHARED_COST:
		return "shared_cost"
	case phonenumbers.VOIP:
		return "voip"
	case phonenumbers.PERSONAL_NUMBER:
		return "personal"
	case phonenumbers.PAGER:
		return "pager"
	case phonenumbers.UAN:
		return "uan"
	case phonenumbers.VOICEMAIL:
		return "voicemail"
	}
	return ""
}
