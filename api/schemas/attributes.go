package schemas

import "time"

// Attributes is the canonical, typed attribute set of an entity. Providers
// return the same shape as a partial "fragment"; a nil pointer means the field
// was not observed, which is different from an observed zero value.
type Attributes struct {
	Phone     *PhoneAttributes  `json:"phone,omitempty"`
	Domain    *DomainAttributes `json:"domain,omitempty"`
	Wallet    *WalletAttributes `json:"wallet,omitempty"`
	Handle    *HandleAttributes `json:"handle,omitempty"`
	Threat    *ThreatAttributes `json:"threat,omitempty"`
	RawInputs []string          `json:"raw_inputs,omitempty"`
}

// PhoneAttributes are the carrier and line facts for a phone number.
type PhoneAttributes struct {
	Country      *string  `json:"country,omitempty"`
	CountryName  *string  `json:"country_name,omitempty"`
	Location     *string  `json:"location,omitempty"`
	Carrier      *string  `json:"carrier,omitempty"`
	LineType     *string  `json:"line_type,omitempty"`
	IsVOIP       *bool    `json:"is_voip,omitempty"`
	VOIPProvider *string  `json:"voip_provider,omitempty"`
	Valid        *bool    `json:"valid,omitempty"`
	Timezones    []string `json:"timezones,omitempty"`
}

// DomainAttributes are registration and hosting facts for a domain.
type DomainAttributes struct {
	Registrar   *string    `json:"registrar,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Country     *string    `json:"country,omitempty"`
	ASN         *string    `json:"asn,omitempty"`
	HostingOrg  *string    `json:"hosting_org,omitempty"`
	CDN         *string    `json:"cdn,omitempty"`
	CMS         *string    `json:"cms,omitempty"`
	NameServers []string   `json:"name_servers,omitempty"`
	IPs         []string   `json:"ips,omitempty"`
	MX          []string   `json:"mx,omitempty"`
	Status      []string   `json:"status,omitempty"`
}

// WalletAttributes are on-chain facts for a crypto address.
type WalletAttributes struct {
	Chain     *string    `json:"chain,omitempty"`
	Currency  *string    `json:"currency,omitempty"`
	Balance   *float64   `json:"balance,omitempty"`
	TxCount   *int64     `json:"tx_count,omitempty"`
	FirstSeen *time.Time `json:"first_seen,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	Labels    []string   `json:"labels,omitempty"`
}

// HandleAttributes are profile facts for a messaging handle.
type HandleAttributes struct {
	Platform    *string `json:"platform,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
	LinkedPhone *string `json:"linked_phone,omitempty"`
	Country     *string `json:"country,omitempty"`
	Verified    *bool   `json:"verified,omitempty"`
}

// ThreatAttributes are threat-intel signals shared by every entity type.
type ThreatAttributes struct {
	Listed      *bool    `json:"listed,omitempty"`
	AbuseScore  *int     `json:"abuse_score,omitempty"`
	FraudScore  *int     `json:"fraud_score,omitempty"`
	RecentAbuse *bool    `json:"recent_abuse,omitempty"`
	ReportCount *int     `json:"report_count,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Sources     []string `json:"sources,omitempty"`
}

// IsEmpty reports whether the fragment carries no observation at all.
func (a Attributes) IsEmpty() bool {
	return a.Phone == nil && a.Domain == nil && a.Wallet == nil &&
		a.Handle == nil && a.Threat == nil && len(a.RawInputs) == 0
}

// Merge folds src into a. Scalars set in src overwrite a; lists are unioned.
// Applying the same fragment twice leaves a unchanged.
func (a *Attributes) Merge(src Attributes) {
	if src.Phone != nil {
		if a.Phone == nil {
			a.Phone = &PhoneAttributes{}
		}
		a.Phone.merge(src.Phone)
	}
	if src.Domain != nil {
		if a.Domain == nil {
			a.Domain = &DomainAttributes{}
		}
		a.Domain.merge(src.Domain)
	}
	if src.Wallet != nil {
		if a.Wallet == nil {
			a.Wallet = &WalletAttributes{}
		}
		a.Wallet.merge(src.Wallet)
	}
	if src.Handle != nil {
		if a.Handle == nil {
			a.Handle = &HandleAttributes{}
		}
		a.Handle.merge(src.Handle)
	}
	if src.Threat != nil {
		if a.Threat == nil {
			a.Threat = &ThreatAttributes{}
		}
		a.Threat.merge(src.Threat)
	}
	a.RawInputs = unionStrings(a.RawInputs, src.RawInputs)
}

// Clone returns a deep copy of the attribute set.
func (a Attributes) Clone() Attributes {
	var out Attributes
	out.Merge(a)
	return out
}

func (p *PhoneAttributes) merge(src *PhoneAttributes) {
	set(&p.Country, src.Country)
	set(&p.CountryName, src.CountryName)
	set(&p.Location, src.Location)
	set(&p.Carrier, src.Carrier)
	set(&p.LineType, src.LineType)
	set(&p.IsVOIP, src.IsVOIP)
	set(&p.VOIPProvider, src.VOIPProvider)
	set(&p.Valid, src.Valid)
	p.Timezones = unionStrings(p.Timezones, src.Timezones)
}

func (d *DomainAttributes) merge(src *DomainAttributes) {
	set(&d.Registrar, src.Registrar)
	set(&d.CreatedAt, src.CreatedAt)
	set(&d.ExpiresAt, src.ExpiresAt)
	set(&d.Country, src.Country)
	set(&d.ASN, src.ASN)
	set(&d.HostingOrg, src.HostingOrg)
	set(&d.CDN, src.CDN)
	set(&d.CMS, src.CMS)
	d.NameServers = unionStrings(d.NameServers, src.NameServers)
	d.IPs = unionStrings(d.IPs, src.IPs)
	d.MX = unionStrings(d.MX, src.MX)
	d.Status = unionStrings(d.Status, src.Status)
}

func (w *WalletAttributes) merge(src *WalletAttributes) {
	set(&w.Chain, src.Chain)
	set(&w.Currency, src.Currency)
	set(&w.Balance, src.Balance)
	set(&w.TxCount, src.TxCount)
	set(&w.FirstSeen, src.FirstSeen)
	set(&w.LastSeen, src.LastSeen)
	w.Labels = unionStrings(w.Labels, src.Labels)
}

func (h *HandleAttributes) merge(src *HandleAttributes) {
	set(&h.Platform, src.Platform)
	set(&h.DisplayName, src.DisplayName)
	set(&h.LinkedPhone, src.LinkedPhone)
	set(&h.Country, src.Country)
	set(&h.Verified, src.Verified)
}

func (t *ThreatAttributes) merge(src *ThreatAttributes) {
	set(&t.Listed, src.Listed)
	set(&t.AbuseScore, src.AbuseScore)
	set(&t.FraudScore, src.FraudScore)
	set(&t.RecentAbuse, src.RecentAbuse)
	set(&t.ReportCount, src.ReportCount)
	t.Categories = unionStrings(t.Categories, src.Categories)
	t.Sources = unionStrings(t.Sources, src.Sources)
}

// set copies the value behind src into a fresh pointer so merged records never
// alias a provider's fragment.
func set[T any](dst **T, src *T) {
	if src == nil {
		return
	}
	v := *src
	*dst = &v
}

// unionStrings appends the members of b missing from a, keeping first-seen order.
func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range b {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Ptr is a small helper for building fragments from literals.
func Ptr[T any](v T) *T { return &v }
