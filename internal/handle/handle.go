// Package handle canonicalizes participant identifiers.
//
// Every component that compares handles (thread classification, attachment
// owner resolution, dedup in the store) goes through Normalize. Divergent
// reimplementations of this logic were a known source of silent matching
// failures in the predecessor, so it lives in exactly one place.
package handle

import (
	"sort"
	"strings"
)

// Kind distinguishes the two identifier shapes the platform uses.
type Kind string

const (
	KindPhone Kind = "phone"
	KindEmail Kind = "email"
)

// Handle is a normalized participant identifier.
type Handle struct {
	Raw          string
	Kind         Kind
	CanonicalKey string
}

// DefaultCountryCode is used for bare 10-digit national numbers when the
// normalizer carries no explicit one.
const DefaultCountryCode = "1"

// Normalizer canonicalizes handles. CountryCode is prepended to bare
// 10-digit national numbers; the zero value uses DefaultCountryCode, so
// non-NANP corpora configure a Normalizer instead of mutating package
// state shared across concurrent runs.
type Normalizer struct {
	CountryCode string
}

func (n Normalizer) countryCode() string {
	if n.CountryCode == "" {
		return DefaultCountryCode
	}
	return n.CountryCode
}

// Normalize canonicalizes a raw handle into a stable comparison key.
//
// Anything containing '@' is email/account-shaped and is only trimmed and
// lowercased. Digits are never stripped from an email handle: "42@x.com"
// must stay "42@x.com", not collapse to an empty or mangled key.
//
// Phone-shaped handles keep digits only, with the country code normalized
// so "+1 (707) 287-4936" and "7072874936" compare equal. Short codes
// (fewer than 7 digits) are kept verbatim.
func (n Normalizer) Normalize(raw string) Handle {
	trimmed := strings.TrimSpace(raw)
	if strings.Contains(trimmed, "@") {
		return Handle{Raw: raw, Kind: KindEmail, CanonicalKey: strings.ToLower(trimmed)}
	}

	var b strings.Builder
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case digits == "":
		// Not a phone number at all; keep what we were given so the
		// identifier is never silently destroyed.
		return Handle{Raw: raw, Kind: KindPhone, CanonicalKey: strings.ToLower(trimmed)}
	case len(digits) < 7:
		// Short code.
		return Handle{Raw: raw, Kind: KindPhone, CanonicalKey: digits}
	case len(digits) == 10:
		return Handle{Raw: raw, Kind: KindPhone, CanonicalKey: n.countryCode() + digits}
	default:
		return Handle{Raw: raw, Kind: KindPhone, CanonicalKey: digits}
	}
}

// Key is shorthand for Normalize(raw).CanonicalKey.
func (n Normalizer) Key(raw string) string {
	return n.Normalize(raw).CanonicalKey
}

// FlattenKeys returns the canonical keys of raws, deduplicated, sorted and
// comma-joined. This is the searchable participant field stored on threads:
// it must contain every member, not only the sender, so any group member
// can be found by handle substring.
func (n Normalizer) FlattenKeys(raws []string) string {
	seen := make(map[string]bool, len(raws))
	keys := make([]string, 0, len(raws))
	for _, r := range raws {
		k := n.Key(r)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// Package-level shorthands over the zero Normalizer, for callers that do
// not carry a configured country code.

func Normalize(raw string) Handle { return Normalizer{}.Normalize(raw) }

func Key(raw string) string { return Normalizer{}.Key(raw) }

func FlattenKeys(raws []string) string { return Normalizer{}.FlattenKeys(raws) }
