package cache

import (
	"time"

	"github.com/rs/zerolog/log"
)

// credential is the bind cache key. All three fields participate in equality
// exactly; the password is never logged.
type credential struct {
	dn       string
	marker   string
	password string
}

// BindCache records credential tuples that privacyIDEA verified recently, so
// that an application re-binding with the same DN, app marker and password
// within the timeout does not trigger another verifier round-trip.
//
// It is separate from the AppCache because it caches a stronger assertion:
// the full tuple was just verified, whereas the app cache only holds a
// DN-to-marker association inferred from search traffic.
type BindCache struct {
	c *TimedCache[credential, struct{}]
}

// NewBindCache creates a bind cache whose entries live for timeout.
func NewBindCache(timeout time.Duration, clock Clock, metrics *Metrics) *BindCache {
	return &BindCache{
		c: NewTimedCache[credential, struct{}]("bind", timeout, clock, metrics),
	}
}

// Add records a verified credential tuple.
func (b *BindCache) Add(dn, marker, password string) {
	log.Debug().Str("dn", dn).Str("marker", marker).Msg("Adding to bind cache")
	b.c.Add(credential{dn: dn, marker: marker, password: password}, struct{}{})
}

// Contains reports whether the exact credential tuple was verified within the
// timeout.
func (b *BindCache) Contains(dn, marker, password string) bool {
	_, ok := b.c.Lookup(credential{dn: dn, marker: marker, password: password})
	return ok
}

// Len returns the number of cached credential tuples.
func (b *BindCache) Len() int {
	return b.c.Len()
}
