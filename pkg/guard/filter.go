package guard

import (
	"strings"

	"github.com/onionkit/onionkit/pkg/directory"
)

// Filter restricts which guards are usable, expressed as predicates over
// identity and address. A nil Filter permits everything.
type Filter struct {
	// ExcludeIdentities rejects guards by ID (lowercase hex RSA fingerprint)
	ExcludeIdentities map[string]bool
	// ExcludeAddrPrefixes rejects guards whose address starts with a prefix
	ExcludeAddrPrefixes []string
	// RequireFamilyFree holds a set of family members. Permits and
	// PermitsRelay do not consult it: relay family is not checked.
	RequireFamilyFree map[string]bool
}

// Permits reports whether the filter admits a guard
func (f *Filter) Permits(g *Guard) bool {
	if f == nil {
		return true
	}
	if f.ExcludeIdentities[strings.ToLower(g.ID)] {
		return false
	}
	for _, prefix := range f.ExcludeAddrPrefixes {
		if strings.HasPrefix(g.Addr, prefix) {
			return false
		}
	}
	return true
}

// PermitsRelay reports whether the filter admits a directory relay entry
func (f *Filter) PermitsRelay(r *directory.RelayEntry, edID string) bool {
	if f == nil {
		return true
	}
	if f.ExcludeIdentities[strings.ToLower(edID)] {
		return false
	}
	for _, prefix := range f.ExcludeAddrPrefixes {
		if strings.HasPrefix(r.Addr, prefix) {
			return false
		}
	}
	return true
}

// IsRestrictive reports whether the filter admits less than threshold of
// the directory's guard-flagged relays. Restrictive filters shape the
// sample itself; permissive ones only shape the usable subset.
func (f *Filter) IsRestrictive(nd *directory.NetDir, threshold float64) bool {
	if f == nil || nd == nil {
		return false
	}
	total, admitted := 0, 0
	for _, r := range nd.Relays() {
		if !r.IsGuard() {
			continue
		}
		total++
		if f.PermitsRelay(r, relayEdID(nd, r)) {
			admitted++
		}
	}
	if total == 0 {
		return false
	}
	return float64(admitted) < threshold*float64(total)
}

// relayEdID derives the identity string used for filter checks: the relay's
// RSA fingerprint in lowercase hex, the same value the manager stores as
// Guard.ID.
func relayEdID(nd *directory.NetDir, r *directory.RelayEntry) string {
	return strings.ToLower(r.Fingerprint)
}
