// Package preamble detects the login preamble: the search a passthrough-bound
// application performs to resolve a user right before that user's bind. The
// search filter discloses the application identity as an equality term of the
// form (<attribute>=<value-prefix><marker>), e.g. (objectclass=App-ownCloud).
package preamble

import "strings"

// Filter is a minimal representation of an LDAP search filter tree, carrying
// only the shapes the detector walks. The connection layer lifts the wire
// filter into this form; anything else (not, substrings, presence, ...)
// becomes an opaque node.
type Filter interface {
	isFilter()
}

// And is a conjunction of sub-filters.
type And []Filter

// Or is a disjunction of sub-filters.
type Or []Filter

// Equality is an equalityMatch assertion.
type Equality struct {
	Attribute string
	Value     string
}

// Opaque stands in for any filter shape the detector does not descend into.
type Opaque struct{}

func (And) isFilter()      {}
func (Or) isFilter()       {}
func (Equality) isFilter() {}
func (Opaque) isFilter()   {}

// Detector extracts app markers from search filters.
type Detector struct {
	// Attribute is the name of the attribute carrying the marker, compared
	// case-insensitively.
	Attribute string
	// ValuePrefix is the case-sensitive prefix of the attribute value; the
	// suffix after it is the marker.
	ValuePrefix string
}

// FindMarker walks the filter tree in preorder across AND and OR
// compositions and returns the marker of the first matching equality term.
// Preorder matters: applications send compound filters, and the first match
// must win deterministically.
func (d Detector) FindMarker(f Filter) (string, bool) {
	switch f := f.(type) {
	case And:
		return d.findInList(f)
	case Or:
		return d.findInList(f)
	case Equality:
		if !strings.EqualFold(f.Attribute, d.Attribute) {
			return "", false
		}
		if !strings.HasPrefix(f.Value, d.ValuePrefix) {
			return "", false
		}

		return strings.TrimPrefix(f.Value, d.ValuePrefix), true
	default:
		return "", false
	}
}

// Detect determines whether a search request/response-entry pair constitutes
// a login preamble. On a hit it returns the entry's DN and the app marker.
// The function is pure: it has no side effects and is deterministic in its
// inputs.
func (d Detector) Detect(filter Filter, entryDN string) (dn, marker string, ok bool) {
	if filter == nil {
		return "", "", false
	}

	marker, ok = d.FindMarker(filter)
	if !ok {
		return "", "", false
	}

	return entryDN, marker, true
}

func (d Detector) findInList(subs []Filter) (string, bool) {
	for _, sub := range subs {
		if marker, ok := d.FindMarker(sub); ok {
			return marker, true
		}
	}

	return "", false
}
