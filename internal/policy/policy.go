package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Policy is an immutable, versioned snapshot of the marketplace fee rules.
// Once activated it is never mutated; a newly published version retires it
// by timestamp only.
type Policy struct {
	Version           string
	EffectiveAt       time.Time
	ActivatedAt       time.Time
	RetiredAt         *time.Time
	PostingFeePct     decimal.Decimal
	BookingFeePct     decimal.Decimal
	TransactionFeePct decimal.Decimal
	Tiers             []ListingTier
	Regions           []RegionalFee
	Notes             string
	Signature         string
}

// ListingTier prices a subscription level.
type ListingTier struct {
	Name        string          `json:"name"`
	MaxListings int             `json:"max_listings"`
	WeeklyFee   decimal.Decimal `json:"weekly_fee"`
}

// RegionalFee overrides pricing for one region.
type RegionalFee struct {
	RegionCode   string          `json:"region_code"`
	Currency     string          `json:"currency"`
	FXRate       decimal.Decimal `json:"fx_rate"`
	FeeAdjustPct decimal.Decimal `json:"fee_adjust_pct"`
}

// RegionalAmount is the result of converting a canonical amount into a
// region's currency.
type RegionalAmount struct {
	Amount   decimal.Decimal
	FXRate   decimal.Decimal
	Currency string
}

// Tier returns the listing tier with the given name.
func (p *Policy) Tier(name string) (ListingTier, bool) {
	for _, t := range p.Tiers {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return ListingTier{}, false
}

// Active reports whether the policy is activated and not retired at t.
func (p *Policy) Active(t time.Time) bool {
	if p.ActivatedAt.After(t) {
		return false
	}
	return p.RetiredAt == nil || p.RetiredAt.After(t)
}

// Sign computes the signature hash over the canonical serialization of the
// policy content. The administrative publish path signs with this and the
// registry rejects any policy whose stored signature does not match.
func Sign(p *Policy) string {
	sum := sha256.Sum256([]byte(canonical(p)))
	return hex.EncodeToString(sum[:])
}

// canonical renders the priced content of a policy as a stable string.
// Field order is fixed; tiers and regions are sorted by name/code so the
// digest does not depend on slice ordering. Lifecycle timestamps are
// excluded: the registry stamps them at publish time, after the
// administrative path has already signed the content.
func canonical(p *Policy) string {
	var b strings.Builder

	fmt.Fprintf(&b, "version=%s|posting=%s|booking=%s|transaction=%s",
		p.Version,
		p.PostingFeePct.String(),
		p.BookingFeePct.String(),
		p.TransactionFeePct.String(),
	)

	tiers := append([]ListingTier(nil), p.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Name < tiers[j].Name })
	for _, t := range tiers {
		fmt.Fprintf(&b, "|tier=%s:%d:%s", t.Name, t.MaxListings, t.WeeklyFee.String())
	}

	regions := append([]RegionalFee(nil), p.Regions...)
	sort.Slice(regions, func(i, j int) bool { return regions[i].RegionCode < regions[j].RegionCode })
	for _, r := range regions {
		fmt.Fprintf(&b, "|region=%s:%s:%s:%s",
			r.RegionCode, r.Currency, r.FXRate.String(), r.FeeAdjustPct.String())
	}

	fmt.Fprintf(&b, "|notes=%s", p.Notes)

	return b.String()
}
