package cache

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// AppCache stores the app marker last seen for a DN. Entries are written by
// the preamble detector when a passthrough-bound application resolves a user,
// and read by the app-cache realm mapping strategy when that user binds.
//
// With case-insensitive mode enabled, DNs are lowercased at every public
// entry point, so two spellings of the same DN share one entry.
type AppCache struct {
	c         *TimedCache[string, string]
	normalize func(string) string
}

// NewAppCache creates an app cache whose entries live for timeout.
func NewAppCache(timeout time.Duration, caseInsensitive bool, clock Clock, metrics *Metrics) *AppCache {
	normalize := func(dn string) string { return dn }
	if caseInsensitive {
		normalize = strings.ToLower
	}

	return &AppCache{
		c:         NewTimedCache[string, string]("app", timeout, clock, metrics),
		normalize: normalize,
	}
}

// Add records the marker for dn, overwriting any previous association.
func (a *AppCache) Add(dn, marker string) {
	log.Debug().Str("dn", dn).Str("marker", marker).Msg("Adding to app cache")
	a.c.Add(a.normalize(dn), marker)
}

// Lookup returns the marker stored for dn, if any.
func (a *AppCache) Lookup(dn string) (string, bool) {
	return a.c.Lookup(a.normalize(dn))
}

// Remove deletes the association for dn if it still maps to marker.
func (a *AppCache) Remove(dn, marker string) {
	a.c.Remove(a.normalize(dn), marker)
}

// Len returns the number of cached associations.
func (a *AppCache) Len() int {
	return a.c.Len()
}
