package proxy

import (
	"context"
	"net"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/netresearch/ldap-auth-proxy/internal/preamble"
	"github.com/netresearch/ldap-auth-proxy/internal/privacyidea"
	"github.com/netresearch/ldap-auth-proxy/internal/upstream"
)

// Advisory messages sent to clients. The proxy never tells a client more than
// these; details go to the log.
const (
	msgReuseDisabled         = "Reusing connections is disabled."
	msgAnonymousNotSupported = "Anonymous binds are not supported."
	msgBlacklisted           = "DN is blacklisted."
	msgNoRealm               = "Could not determine realm."
	msgInvalidUser           = "Invalid user."
	msgProxyFailed           = "LDAP Proxy failed."
	msgSearchDisallowed      = "LDAP Search disallowed according to the configuration."
	msgRejectUnsupported     = "Rejecting LDAP Search without successful privacyIDEA authentication"
	msgSimpleBindsOnly       = "Only simple binds are supported."
)

// Directory is one channel to the backend LDAP server, exclusively owned by
// a single proxy connection (or short-lived helper).
type Directory interface {
	Bind(dn, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Unbind() error
	Close() error
}

// Verifier adjudicates credentials. Implemented by privacyidea.Client;
// substituted with a scripted fake in tests.
type Verifier interface {
	Verify(ctx context.Context, user, realm, password string) privacyidea.Verdict
}

// emitter abstracts the client-facing side of a connection, so the dispatch
// logic can be exercised without an LDAP wire.
type emitter interface {
	bindResponse(mid, code int, diagnostic string)
	searchEntry(mid int, entry *ldap.Entry)
	searchReference(mid int, uris []string)
	searchDone(mid, code int, diagnostic string)
	opResult(mid, code int, diagnostic string)
}

// searchParams is a client search request in the two forms the handlers
// need: translated for the backend, and as a lifted filter tree for preamble
// detection.
type searchParams struct {
	request *ldap.SearchRequest
	filter  preamble.Filter
}

// conn holds the per-connection state of the bind dispatch machine. A single
// goroutine reads requests and runs the handlers strictly in order, so the
// state is never observed half-updated; all shared state lives behind the
// serialized cache APIs.
type conn struct {
	id   uint64
	srv  *Listener
	rwc  net.Conn
	ctx  context.Context
	emit emitter
	log  zerolog.Logger

	receivedBindRequest      bool
	forwardedPassthroughBind bool
	lastSearchEntry          *ldap.Entry
	searchEntries            int

	// upstream is opened lazily by the first request that must be forwarded
	// and survives resetState: later binds switch its identity.
	upstream Directory
}

// resetState restores the bookkeeping fields to their fresh-connection
// values. Called when a client re-binds on a reused connection, so preamble
// tracking from the previous bind cannot leak into the new one.
func (c *conn) resetState() {
	c.receivedBindRequest = false
	c.forwardedPassthroughBind = false
	c.lastSearchEntry = nil
	c.searchEntries = 0
}

// ensureUpstream returns the connection's backend channel, opening it on
// first use.
func (c *conn) ensureUpstream() (Directory, error) {
	if c.upstream == nil {
		d, err := c.srv.dial(c.ctx)
		if err != nil {
			return nil, err
		}
		c.upstream = d
	}

	return c.upstream, nil
}

func (c *conn) handleBind(mid int, dn, password string) {
	if c.receivedBindRequest {
		if !c.srv.settings.allowConnectionReuse {
			c.log.Info().Msg("Rejecting a second bind, connection reuse is disabled")
			c.emit.bindResponse(mid, resultInvalidCredentials, msgReuseDisabled)

			return
		}

		c.log.Debug().Msg("Second bind on a reused connection, resetting state")
		c.resetState()
	}
	c.receivedBindRequest = true

	switch {
	case dn == "":
		c.handleAnonymousBind(mid, password)
	case c.srv.isBlacklisted(dn):
		c.log.Info().Str("dn", dn).Msg("Rejecting blacklisted DN")
		c.emit.bindResponse(mid, resultInvalidCredentials, msgBlacklisted)
	case c.srv.isPassthrough(dn):
		c.handlePassthroughBind(mid, dn, password)
	default:
		c.handleDelegatedBind(mid, dn, password)
	}
}

func (c *conn) handleAnonymousBind(mid int, password string) {
	if !c.srv.settings.forwardAnonymousBinds {
		c.emit.bindResponse(mid, resultInvalidCredentials, msgAnonymousNotSupported)
		return
	}

	c.log.Debug().Msg("Forwarding anonymous bind")

	up, err := c.ensureUpstream()
	if err != nil {
		c.log.Error().Err(err).Msg("Could not open the upstream channel")
		c.emit.bindResponse(mid, resultInvalidCredentials, msgProxyFailed)

		return
	}

	c.forwardBindResult(mid, up.Bind("", password))
}

func (c *conn) handlePassthroughBind(mid int, dn, password string) {
	c.log.Info().Str("dn", dn).Msg("Bind request for a passthrough DN, forwarding")
	c.forwardedPassthroughBind = true

	up, err := c.ensureUpstream()
	if err != nil {
		c.log.Error().Err(err).Msg("Could not open the upstream channel")
		c.emit.bindResponse(mid, resultInvalidCredentials, msgProxyFailed)

		return
	}

	c.forwardBindResult(mid, up.Bind(dn, password))
}

// forwardBindResult relays the backend's verdict on a forwarded bind. LDAP
// result codes pass through verbatim; transport failures become an
// invalid-credentials response.
func (c *conn) forwardBindResult(mid int, err error) {
	if err == nil {
		c.emit.bindResponse(mid, resultSuccess, "")
		return
	}

	if code, diagnostic, ok := upstream.ResultDetails(err); ok {
		c.log.Info().Int("result_code", code).Msg("Backend rejected the forwarded bind")
		c.emit.bindResponse(mid, code, diagnostic)

		return
	}

	c.log.Error().Err(err).Msg("Forwarded bind failed")
	c.emit.bindResponse(mid, resultInvalidCredentials, msgProxyFailed)
}

// handleDelegatedBind runs the verifier-delegated path: resolve the realm and
// user, consult the bind cache, ask privacyIDEA, then optionally switch the
// upstream channel to the service account before reporting success.
func (c *conn) handleDelegatedBind(mid int, dn, password string) {
	marker, realm, err := c.srv.realmMapper.ResolveRealm(dn)
	if err != nil {
		c.log.Info().Err(err).Str("dn", dn).Msg("Could not determine the realm")
		c.emit.bindResponse(mid, resultInvalidCredentials, msgNoRealm)

		return
	}

	user, err := c.srv.userMapper.ResolveUser(c.ctx, dn)
	if err != nil {
		c.log.Info().Err(err).Str("dn", dn).Msg("Could not resolve the DN to a user")
		c.emit.bindResponse(mid, resultInvalidCredentials, msgInvalidUser)

		return
	}
	c.log.Info().Str("dn", dn).Str("user", user).Str("realm", realm).Msg("Redirecting bind to privacyIDEA")

	if c.srv.bindCache != nil && c.srv.bindCache.Contains(dn, marker, password) {
		c.log.Info().Str("dn", dn).Msg("Credentials found in the bind cache, skipping the verifier")
	} else {
		verdict := c.srv.verifier.Verify(c.ctx, user, realm, password)
		if verdict.Outcome != privacyidea.OutcomeSuccess {
			c.log.Info().Str("dn", dn).Str("reason", verdict.Message()).Msg("privacyIDEA rejected the bind")
			c.emit.bindResponse(mid, resultInvalidCredentials, verdict.Message())

			return
		}

		if c.srv.bindCache != nil {
			c.srv.bindCache.Add(dn, marker, password)
		}
	}

	if c.srv.settings.bindServiceAccount {
		if err := c.bindServiceAccount(); err != nil {
			c.log.Error().Err(err).Msg("Service account bind failed after successful authentication")
			c.emit.bindResponse(mid, resultInvalidCredentials, msgProxyFailed)

			return
		}

		// Downstream searches on this connection are attributed to the
		// service account now.
		c.forwardedPassthroughBind = false
	}

	c.emit.bindResponse(mid, resultSuccess, "")
}

func (c *conn) bindServiceAccount() error {
	c.log.Info().Msg("Binding the service account on the upstream channel")

	up, err := c.ensureUpstream()
	if err != nil {
		return err
	}

	return up.Bind(c.srv.settings.serviceAccountDN, c.srv.settings.serviceAccountPassword)
}

func (c *conn) handleSearch(mid int, p searchParams) {
	if !c.srv.settings.allowSearch {
		c.log.Info().Msg("Rejecting search, disallowed by configuration")
		c.emit.searchDone(mid, resultInsufficientAccessRights, msgSearchDisallowed)

		return
	}

	up, err := c.ensureUpstream()
	if err != nil {
		c.log.Error().Err(err).Msg("Could not open the upstream channel")
		c.emit.searchDone(mid, resultInvalidCredentials, msgProxyFailed)

		return
	}

	res, err := up.Search(p.request)
	if err != nil {
		c.finishSearch(nil)
		if code, diagnostic, ok := upstream.ResultDetails(err); ok {
			c.emit.searchDone(mid, code, diagnostic)
			return
		}

		c.log.Error().Err(err).Msg("Forwarded search failed")
		c.emit.searchDone(mid, resultInvalidCredentials, msgProxyFailed)

		return
	}

	for _, entry := range res.Entries {
		c.lastSearchEntry = entry
		c.searchEntries++
		c.emit.searchEntry(mid, entry)
	}

	if len(res.Referrals) > 0 {
		c.relayReferrals(mid, res.Referrals)
	}

	c.finishSearch(p.filter)
	c.emit.searchDone(mid, resultSuccess, "")
}

func (c *conn) relayReferrals(mid int, referrals []string) {
	if c.srv.settings.ignoreSearchResultReferences {
		c.log.Debug().Int("count", len(referrals)).Msg("Dropping search result references")
		return
	}

	c.log.Warn().Msg("Forwarding search result references; some backends require these to be handled")
	c.emit.searchReference(mid, referrals)
}

// finishSearch runs the preamble hook and resets the per-search counters.
// The single-entry guard is essential: detecting a marker in a multi-entry
// response would let an authenticated user forge an app identity with a
// search returning entries they control. References do not count toward the
// guard.
func (c *conn) finishSearch(filter preamble.Filter) {
	if filter != nil &&
		c.searchEntries == 1 &&
		c.forwardedPassthroughBind &&
		c.srv.appCache != nil &&
		c.lastSearchEntry != nil {
		if dn, marker, ok := c.srv.detector.Detect(filter, c.lastSearchEntry.DN); ok {
			c.log.Info().Str("dn", dn).Str("marker", marker).Msg("Detected login preamble")
			c.srv.appCache.Add(dn, marker)
		}
	}

	c.lastSearchEntry = nil
	c.searchEntries = 0
}

// handleUnbind forwards the unbind to the backend if a channel is open. The
// caller terminates the client connection afterwards.
func (c *conn) handleUnbind() {
	if c.upstream == nil {
		return
	}

	if err := c.upstream.Unbind(); err != nil {
		c.log.Debug().Err(err).Msg("Forwarded unbind reported an error")
	}
	c.upstream = nil
}

func (c *conn) handleUnsupported(mid int, op string) {
	c.log.Info().Str("op", op).Msg("Rejecting unsupported request type")
	c.emit.opResult(mid, resultInsufficientAccessRights, msgRejectUnsupported)
}
