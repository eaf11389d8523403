// Package mapping resolves bind DNs to the verifier's view of the world: a
// login name (user mapping) and a realm (realm mapping). Both concerns come
// as small strategy variants selected at configuration time.
package mapping

import (
	"context"
	"fmt"
	"regexp"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog/log"
)

// UserMapper resolves the verifier login name for a bind DN.
type UserMapper interface {
	ResolveUser(ctx context.Context, dn string) (string, error)
}

// MatchUserMapper resolves users by matching the DN against a
// case-insensitive pattern with one capture group.
type MatchUserMapper struct {
	pattern *regexp.Regexp
}

// NewMatchUserMapper compiles the pattern. The match is anchored at the start
// of the DN and performed case-insensitively; the first capture group yields
// the login name.
func NewMatchUserMapper(pattern string) (*MatchUserMapper, error) {
	compiled, err := regexp.Compile(`(?i)\A(?:` + pattern + `)`)
	if err != nil {
		return nil, fmt.Errorf("invalid user mapping pattern: %w", err)
	}
	if compiled.NumSubexp() < 1 {
		return nil, fmt.Errorf("user mapping pattern %q needs a capture group", pattern)
	}

	return &MatchUserMapper{pattern: compiled}, nil
}

// ResolveUser implements UserMapper.
func (m *MatchUserMapper) ResolveUser(_ context.Context, dn string) (string, error) {
	groups := m.pattern.FindStringSubmatch(dn)
	if groups == nil {
		return "", &UserMappingError{DN: dn, Reason: "DN does not match the configured pattern"}
	}

	return groups[1], nil
}

// ServiceConn is the slice of an upstream channel the lookup mapper needs.
type ServiceConn interface {
	SearchBase(ctx context.Context, baseDN, filter string, attributes []string) ([]*ldap.Entry, error)
	Close() error
}

// ServiceConnector opens ephemeral backend channels bound as the service
// account. The lookup mapper must not share the per-connection upstream
// channel used for forwarded requests: that channel carries a different bind
// identity.
type ServiceConnector interface {
	ConnectServiceAccount(ctx context.Context) (ServiceConn, error)
}

// LookupUserMapper resolves users by reading an attribute of the entry at the
// bind DN, using a fresh service-account channel per resolution.
type LookupUserMapper struct {
	attribute string
	connector ServiceConnector
}

// NewLookupUserMapper creates a lookup mapper reading the given single-valued
// attribute.
func NewLookupUserMapper(attribute string, connector ServiceConnector) *LookupUserMapper {
	return &LookupUserMapper{attribute: attribute, connector: connector}
}

// ResolveUser implements UserMapper. It issues a baseObject search for the
// DN and requires exactly one entry holding exactly one value of the
// configured attribute.
func (m *LookupUserMapper) ResolveUser(ctx context.Context, dn string) (string, error) {
	conn, err := m.connector.ConnectServiceAccount(ctx)
	if err != nil {
		return "", &UserMappingError{DN: dn, Reason: fmt.Sprintf("service account channel unavailable: %v", err)}
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Msg("Could not close the user lookup channel")
		}
	}()

	entries, err := conn.SearchBase(ctx, dn, "(objectClass=*)", []string{m.attribute})
	if err != nil {
		return "", &UserMappingError{DN: dn, Reason: fmt.Sprintf("lookup failed: %v", err)}
	}
	if len(entries) != 1 {
		return "", &UserMappingError{DN: dn, Reason: fmt.Sprintf("lookup returned %d entries, expected exactly one", len(entries))}
	}

	values := entries[0].GetEqualFoldAttributeValues(m.attribute)
	if len(values) != 1 {
		return "", &UserMappingError{
			DN:     dn,
			Reason: fmt.Sprintf("attribute %q has %d values, expected exactly one", m.attribute, len(values)),
		}
	}

	return values[0], nil
}
