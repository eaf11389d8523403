package mapping

import "github.com/netresearch/ldap-auth-proxy/internal/cache"

// RealmMapper resolves the app marker and verifier realm for a bind DN.
type RealmMapper interface {
	ResolveRealm(dn string) (marker, realm string, err error)
}

// StaticRealmMapper sends every user to one configured realm; the marker and
// the realm coincide.
type StaticRealmMapper struct {
	Realm string
}

// ResolveRealm implements RealmMapper.
func (m *StaticRealmMapper) ResolveRealm(string) (string, string, error) {
	return m.Realm, m.Realm, nil
}

// AppCacheRealmMapper derives the realm from the app marker the preamble
// detector recorded for the DN, via a configured marker-to-realm table.
type AppCacheRealmMapper struct {
	cache    *cache.AppCache
	mappings map[string]string
}

// NewAppCacheRealmMapper creates a mapper reading markers from appCache and
// realms from mappings.
func NewAppCacheRealmMapper(appCache *cache.AppCache, mappings map[string]string) *AppCacheRealmMapper {
	return &AppCacheRealmMapper{cache: appCache, mappings: mappings}
}

// ResolveRealm implements RealmMapper.
func (m *AppCacheRealmMapper) ResolveRealm(dn string) (string, string, error) {
	marker, ok := m.cache.Lookup(dn)
	if !ok {
		return "", "", &RealmMappingError{DN: dn, Reason: "no app marker cached for this DN"}
	}

	realm, ok := m.mappings[marker]
	if !ok {
		return "", "", &RealmMappingError{DN: dn, Reason: "no realm mapping for marker " + marker}
	}

	return marker, realm, nil
}
