package proxy

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netresearch/ldap-auth-proxy/internal/cache"
	"github.com/netresearch/ldap-auth-proxy/internal/mapping"
	"github.com/netresearch/ldap-auth-proxy/internal/preamble"
	"github.com/netresearch/ldap-auth-proxy/internal/privacyidea"
)

const (
	userDN        = "uid=hugo,cn=users,dc=test,dc=local"
	passthroughDN = "uid=passthrough,cn=users,dc=test,dc=local"
	serviceDN     = "uid=service,cn=users,dc=test,dc=local"
)

// response records one emitted client response.
type response struct {
	kind string
	mid  int
	code int
	diag string
	dn   string
	uris []string
}

type recordingEmitter struct {
	responses []response
}

func (r *recordingEmitter) bindResponse(mid, code int, diag string) {
	r.responses = append(r.responses, response{kind: "bind", mid: mid, code: code, diag: diag})
}

func (r *recordingEmitter) searchEntry(mid int, entry *ldap.Entry) {
	r.responses = append(r.responses, response{kind: "entry", mid: mid, dn: entry.DN})
}

func (r *recordingEmitter) searchReference(mid int, uris []string) {
	r.responses = append(r.responses, response{kind: "reference", mid: mid, uris: uris})
}

func (r *recordingEmitter) searchDone(mid, code int, diag string) {
	r.responses = append(r.responses, response{kind: "done", mid: mid, code: code, diag: diag})
}

func (r *recordingEmitter) opResult(mid, code int, diag string) {
	r.responses = append(r.responses, response{kind: "result", mid: mid, code: code, diag: diag})
}

func (r *recordingEmitter) last(t *testing.T) response {
	t.Helper()
	require.NotEmpty(t, r.responses)

	return r.responses[len(r.responses)-1]
}

type bindCall struct {
	dn       string
	password string
}

// fakeDirectory scripts the backend channel.
type fakeDirectory struct {
	binds        []bindCall
	bindErrByDN  map[string]error
	searchResult *ldap.SearchResult
	searchErr    error
	searches     []*ldap.SearchRequest
	unbinds      int
	closes       int
}

func (d *fakeDirectory) Bind(dn, password string) error {
	d.binds = append(d.binds, bindCall{dn: dn, password: password})
	if err, ok := d.bindErrByDN[dn]; ok {
		return err
	}

	return nil
}

func (d *fakeDirectory) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	d.searches = append(d.searches, req)
	if d.searchErr != nil {
		return nil, d.searchErr
	}
	if d.searchResult != nil {
		return d.searchResult, nil
	}

	return &ldap.SearchResult{}, nil
}

func (d *fakeDirectory) Unbind() error {
	d.unbinds++
	return nil
}

func (d *fakeDirectory) Close() error {
	d.closes++
	return nil
}

type verifyCall struct {
	user     string
	realm    string
	password string
}

// fakeVerifier scripts privacyIDEA verdicts and records calls.
type fakeVerifier struct {
	verdict privacyidea.Verdict
	calls   []verifyCall
}

func (v *fakeVerifier) Verify(_ context.Context, user, realm, password string) privacyidea.Verdict {
	v.calls = append(v.calls, verifyCall{user: user, realm: realm, password: password})
	return v.verdict
}

// testHarness bundles a listener with its fakes.
type testHarness struct {
	listener *Listener
	verifier *fakeVerifier
	backend  *fakeDirectory
	dialErr  error
	dials    int
}

func newHarness(mutate ...func(*testHarness)) *testHarness {
	userMapper, err := mapping.NewMatchUserMapper(`uid=([^,]+),cn=users,dc=test,dc=local`)
	if err != nil {
		panic(err)
	}

	h := &testHarness{
		verifier: &fakeVerifier{verdict: privacyidea.Verdict{Outcome: privacyidea.OutcomeSuccess}},
		backend:  &fakeDirectory{},
	}
	h.listener = &Listener{
		settings: settings{
			serviceAccountDN:       serviceDN,
			serviceAccountPassword: "service-secret",
		},
		verifier:    h.verifier,
		userMapper:  userMapper,
		realmMapper: &mapping.StaticRealmMapper{Realm: "default"},
		passthrough: map[string]struct{}{passthroughDN: {}},
		blacklist:   []*regexp.Regexp{regexp.MustCompile(`^dn=uid=`)},
	}
	h.listener.dial = func(context.Context) (Directory, error) {
		h.dials++
		if h.dialErr != nil {
			return nil, h.dialErr
		}

		return h.backend, nil
	}

	for _, fn := range mutate {
		fn(h)
	}

	return h
}

func (h *testHarness) newConn() (*conn, *recordingEmitter) {
	rec := &recordingEmitter{}
	c := &conn{
		srv:  h.listener,
		ctx:  context.Background(),
		emit: rec,
		log:  zerolog.Nop(),
	}

	return c, rec
}

func withBindCache(timeout time.Duration) func(*testHarness) {
	return func(h *testHarness) {
		h.listener.bindCache = cache.NewBindCache(timeout, cache.SystemClock(), nil)
	}
}

func withAppCache() func(*testHarness) {
	return func(h *testHarness) {
		h.listener.appCache = cache.NewAppCache(3*time.Second, false, cache.SystemClock(), nil)
		h.listener.detector = preamble.Detector{Attribute: "objectclass", ValuePrefix: "App-"}
	}
}

func preambleSearch(dns ...string) (searchParams, *ldap.SearchResult) {
	params := searchParams{
		request: ldap.NewSearchRequest(
			"cn=users,dc=test,dc=local",
			ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			"(|(objectClass=*)(objectClass=App-markerSecret))",
			[]string{"uid"}, nil,
		),
		filter: preamble.Or{
			preamble.Equality{Attribute: "objectClass", Value: "*"},
			preamble.Equality{Attribute: "objectClass", Value: "App-markerSecret"},
		},
	}

	result := &ldap.SearchResult{}
	for _, dn := range dns {
		result.Entries = append(result.Entries, &ldap.Entry{DN: dn})
	}

	return params, result
}

func TestDelegatedBind(t *testing.T) {
	t.Run("simple success", func(t *testing.T) {
		h := newHarness()
		c, rec := h.newConn()

		c.handleBind(1, userDN, "secret")

		got := rec.last(t)
		assert.Equal(t, "bind", got.kind)
		assert.Equal(t, resultSuccess, got.code)

		require.Len(t, h.verifier.calls, 1)
		assert.Equal(t, verifyCall{user: "hugo", realm: "default", password: "secret"}, h.verifier.calls[0])

		// No service-account bind configured: the upstream stays untouched.
		assert.Zero(t, h.dials)
	})

	t.Run("unresolvable user", func(t *testing.T) {
		h := newHarness()
		c, rec := h.newConn()

		c.handleBind(1, "cn=admin,dc=other,dc=org", "secret")

		got := rec.last(t)
		assert.Equal(t, resultInvalidCredentials, got.code)
		assert.Equal(t, msgInvalidUser, got.diag)
		assert.Empty(t, h.verifier.calls)
	})

	t.Run("unresolvable realm", func(t *testing.T) {
		h := newHarness(withAppCache(), func(h *testHarness) {
			h.listener.realmMapper = mapping.NewAppCacheRealmMapper(
				h.listener.appCache,
				map[string]string{"markerSecret": "realmSecret"},
			)
		})
		c, rec := h.newConn()

		c.handleBind(1, userDN, "secret")

		got := rec.last(t)
		assert.Equal(t, resultInvalidCredentials, got.code)
		assert.Equal(t, msgNoRealm, got.diag)
		assert.Empty(t, h.verifier.calls)
	})

	t.Run("wrong credentials", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.verifier.verdict = privacyidea.Verdict{Outcome: privacyidea.OutcomeWrongCredentials}
		})
		c, rec := h.newConn()

		c.handleBind(1, userDN, "wrong")

		got := rec.last(t)
		assert.Equal(t, resultInvalidCredentials, got.code)
		assert.Equal(t, "Failed to authenticate.", got.diag)
	})

	t.Run("verifier error and transport error messages differ", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.verifier.verdict = privacyidea.Verdict{Outcome: privacyidea.OutcomeVerifierError}
		})
		c, rec := h.newConn()
		c.handleBind(1, userDN, "secret")
		assert.Equal(t, "Failed to authenticate. privacyIDEA error.", rec.last(t).diag)

		h = newHarness(func(h *testHarness) {
			h.verifier.verdict = privacyidea.Verdict{Outcome: privacyidea.OutcomeTransportError, HTTPStatus: 500}
		})
		c, rec = h.newConn()
		c.handleBind(1, userDN, "secret")
		assert.Equal(t, "Failed to authenticate. Wrong HTTP response (500)", rec.last(t).diag)
	})

	t.Run("no proxy failure ever reports success", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.listener.settings.bindServiceAccount = true
			h.dialErr = errors.New("backend unreachable")
		})
		c, rec := h.newConn()

		c.handleBind(1, userDN, "secret")

		got := rec.last(t)
		assert.Equal(t, resultInvalidCredentials, got.code)
		assert.Equal(t, msgProxyFailed, got.diag)
	})
}

func TestBindCache(t *testing.T) {
	t.Run("at most one verifier call within the timeout", func(t *testing.T) {
		h := newHarness(withBindCache(10 * time.Second))

		for range 3 {
			c, rec := h.newConn()
			c.handleBind(1, userDN, "secret")
			assert.Equal(t, resultSuccess, rec.last(t).code)
		}

		assert.Len(t, h.verifier.calls, 1)
	})

	t.Run("different password misses the cache", func(t *testing.T) {
		h := newHarness(withBindCache(10 * time.Second))

		c, _ := h.newConn()
		c.handleBind(1, userDN, "secret")
		c2, _ := h.newConn()
		c2.handleBind(1, userDN, "other")

		assert.Len(t, h.verifier.calls, 2)
	})

	t.Run("failed verification is not cached", func(t *testing.T) {
		h := newHarness(withBindCache(10*time.Second), func(h *testHarness) {
			h.verifier.verdict = privacyidea.Verdict{Outcome: privacyidea.OutcomeWrongCredentials}
		})

		c, _ := h.newConn()
		c.handleBind(1, userDN, "wrong")
		c2, _ := h.newConn()
		c2.handleBind(1, userDN, "wrong")

		assert.Len(t, h.verifier.calls, 2)
		assert.Equal(t, 0, h.listener.bindCache.Len())
	})
}

func TestPassthroughBind(t *testing.T) {
	t.Run("forwarded unchanged", func(t *testing.T) {
		h := newHarness()
		c, rec := h.newConn()

		c.handleBind(1, passthroughDN, "pw")

		assert.Equal(t, resultSuccess, rec.last(t).code)
		require.Len(t, h.backend.binds, 1)
		assert.Equal(t, bindCall{dn: passthroughDN, password: "pw"}, h.backend.binds[0])
		assert.True(t, c.forwardedPassthroughBind)
		assert.Empty(t, h.verifier.calls)
	})

	t.Run("backend result code passes through verbatim", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.backend.bindErrByDN = map[string]error{
				passthroughDN: ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("wrong password")),
			}
		})
		c, rec := h.newConn()

		c.handleBind(1, passthroughDN, "bad")

		got := rec.last(t)
		assert.Equal(t, int(ldap.LDAPResultInvalidCredentials), got.code)
		assert.Contains(t, got.diag, "wrong password")
	})

	t.Run("backend transport failure", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.backend.bindErrByDN = map[string]error{passthroughDN: errors.New("connection reset")}
		})
		c, rec := h.newConn()

		c.handleBind(1, passthroughDN, "pw")

		got := rec.last(t)
		assert.Equal(t, resultInvalidCredentials, got.code)
		assert.Equal(t, msgProxyFailed, got.diag)
	})
}

func TestAnonymousBind(t *testing.T) {
	t.Run("rejected by default", func(t *testing.T) {
		h := newHarness()
		c, rec := h.newConn()

		c.handleBind(1, "", "")

		got := rec.last(t)
		assert.Equal(t, resultInvalidCredentials, got.code)
		assert.Equal(t, msgAnonymousNotSupported, got.diag)
		assert.Zero(t, h.dials)
	})

	t.Run("forwarded when enabled, without service account logic", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.listener.settings.forwardAnonymousBinds = true
			h.listener.settings.bindServiceAccount = true
		})
		c, rec := h.newConn()

		c.handleBind(1, "", "")

		assert.Equal(t, resultSuccess, rec.last(t).code)
		require.Len(t, h.backend.binds, 1)
		assert.Equal(t, bindCall{dn: "", password: ""}, h.backend.binds[0])
	})
}

func TestBlacklist(t *testing.T) {
	h := newHarness()
	c, rec := h.newConn()

	c.handleBind(1, "dn=uid=admin,dc=test,dc=local", "pw")

	got := rec.last(t)
	assert.Equal(t, resultInvalidCredentials, got.code)
	assert.Equal(t, msgBlacklisted, got.diag)
	assert.Empty(t, h.verifier.calls)
	assert.Zero(t, h.dials)
}

func TestConnectionReuse(t *testing.T) {
	t.Run("disabled: the second bind is rejected without a verifier call", func(t *testing.T) {
		h := newHarness()
		c, rec := h.newConn()

		c.handleBind(1, userDN, "secret")
		assert.Equal(t, resultSuccess, rec.last(t).code)

		c.handleBind(2, userDN, "secret")
		got := rec.last(t)
		assert.Equal(t, resultInvalidCredentials, got.code)
		assert.Equal(t, msgReuseDisabled, got.diag)

		assert.Len(t, h.verifier.calls, 1)
	})

	t.Run("enabled: both binds succeed and the state is reset", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.listener.settings.allowConnectionReuse = true
		})
		c, rec := h.newConn()

		c.handleBind(1, passthroughDN, "pw")
		assert.Equal(t, resultSuccess, rec.last(t).code)
		assert.True(t, c.forwardedPassthroughBind)

		c.handleBind(2, userDN, "secret")
		assert.Equal(t, resultSuccess, rec.last(t).code)
		assert.False(t, c.forwardedPassthroughBind, "reset must clear the passthrough flag")
	})
}

func TestServiceAccountSwitching(t *testing.T) {
	t.Run("verified bind switches the channel to the service account", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.listener.settings.bindServiceAccount = true
			h.listener.settings.allowSearch = true
		})
		c, rec := h.newConn()

		c.handleBind(1, userDN, "secret")
		assert.Equal(t, resultSuccess, rec.last(t).code)

		require.Len(t, h.backend.binds, 1)
		assert.Equal(t, bindCall{dn: serviceDN, password: "service-secret"}, h.backend.binds[0])
		assert.False(t, c.forwardedPassthroughBind)

		// A subsequent search runs on the channel currently bound as the
		// service account.
		params, result := preambleSearch(userDN)
		h.backend.searchResult = result
		c.handleSearch(2, params)

		require.Len(t, h.backend.searches, 1)
		assert.Equal(t, bindCall{dn: serviceDN, password: "service-secret"}, h.backend.binds[len(h.backend.binds)-1])
	})

	t.Run("failed service account bind fails the client bind", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.listener.settings.bindServiceAccount = true
			h.backend.bindErrByDN = map[string]error{
				serviceDN: ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad service creds")),
			}
		})
		c, rec := h.newConn()

		c.handleBind(1, userDN, "secret")

		got := rec.last(t)
		assert.Equal(t, resultInvalidCredentials, got.code)
		assert.Equal(t, msgProxyFailed, got.diag)
	})

	t.Run("the bind cache entry survives a failed service account bind", func(t *testing.T) {
		h := newHarness(withBindCache(10*time.Second), func(h *testHarness) {
			h.listener.settings.bindServiceAccount = true
			h.backend.bindErrByDN = map[string]error{
				serviceDN: errors.New("backend acting up"),
			}
		})
		c, _ := h.newConn()

		c.handleBind(1, userDN, "secret")
		assert.True(t, h.listener.bindCache.Contains(userDN, "default", "secret"))
	})
}

func TestSearch(t *testing.T) {
	t.Run("disallowed by configuration", func(t *testing.T) {
		h := newHarness()
		c, rec := h.newConn()

		params, _ := preambleSearch()
		c.handleSearch(1, params)

		got := rec.last(t)
		assert.Equal(t, "done", got.kind)
		assert.Equal(t, resultInsufficientAccessRights, got.code)
		assert.Equal(t, msgSearchDisallowed, got.diag)
		assert.Zero(t, h.dials)
	})

	t.Run("forwarded entries and done", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.listener.settings.allowSearch = true
		})
		params, result := preambleSearch(userDN, "uid=other,cn=users,dc=test,dc=local")
		h.backend.searchResult = result

		c, rec := h.newConn()
		c.handleSearch(1, params)

		require.Len(t, rec.responses, 3)
		assert.Equal(t, "entry", rec.responses[0].kind)
		assert.Equal(t, userDN, rec.responses[0].dn)
		assert.Equal(t, "entry", rec.responses[1].kind)
		assert.Equal(t, "done", rec.responses[2].kind)
		assert.Equal(t, resultSuccess, rec.responses[2].code)

		// Per-search counters are reset after the done.
		assert.Zero(t, c.searchEntries)
		assert.Nil(t, c.lastSearchEntry)
	})

	t.Run("upstream dial failure", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.listener.settings.allowSearch = true
			h.dialErr = errors.New("backend down")
		})
		c, rec := h.newConn()

		params, _ := preambleSearch()
		c.handleSearch(1, params)

		got := rec.last(t)
		assert.Equal(t, resultInvalidCredentials, got.code)
		assert.Equal(t, msgProxyFailed, got.diag)
	})

	t.Run("backend ldap error passes through", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.listener.settings.allowSearch = true
			h.backend.searchErr = ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
		})
		c, rec := h.newConn()

		params, _ := preambleSearch()
		c.handleSearch(1, params)

		got := rec.last(t)
		assert.Equal(t, int(ldap.LDAPResultNoSuchObject), got.code)
	})

	t.Run("references forwarded with a warning", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.listener.settings.allowSearch = true
			h.backend.searchResult = &ldap.SearchResult{
				Referrals: []string{"ldap://other.example.com/dc=test,dc=local"},
			}
		})
		c, rec := h.newConn()

		params, _ := preambleSearch()
		c.handleSearch(1, params)

		require.Len(t, rec.responses, 2)
		assert.Equal(t, "reference", rec.responses[0].kind)
		assert.Equal(t, []string{"ldap://other.example.com/dc=test,dc=local"}, rec.responses[0].uris)
	})

	t.Run("references dropped when configured", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.listener.settings.allowSearch = true
			h.listener.settings.ignoreSearchResultReferences = true
			h.backend.searchResult = &ldap.SearchResult{
				Referrals: []string{"ldap://other.example.com/dc=test,dc=local"},
			}
		})
		c, rec := h.newConn()

		params, _ := preambleSearch()
		c.handleSearch(1, params)

		require.Len(t, rec.responses, 1)
		assert.Equal(t, "done", rec.responses[0].kind)
	})
}

func TestPreambleGuard(t *testing.T) {
	setup := func() (*testHarness, *conn) {
		h := newHarness(withAppCache(), func(h *testHarness) {
			h.listener.settings.allowSearch = true
		})
		c, _ := h.newConn()

		return h, c
	}

	t.Run("single entry on a passthrough-bound connection populates the app cache", func(t *testing.T) {
		h, c := setup()

		c.handleBind(1, passthroughDN, "pw")
		params, result := preambleSearch(userDN)
		h.backend.searchResult = result
		c.handleSearch(2, params)

		marker, ok := h.listener.appCache.Lookup(userDN)
		require.True(t, ok)
		assert.Equal(t, "markerSecret", marker)
	})

	t.Run("multi-entry responses never populate the app cache", func(t *testing.T) {
		h, c := setup()

		c.handleBind(1, passthroughDN, "pw")
		params, result := preambleSearch(userDN, "uid=other,cn=users,dc=test,dc=local")
		h.backend.searchResult = result
		c.handleSearch(2, params)

		assert.Equal(t, 0, h.listener.appCache.Len())
	})

	t.Run("searches on a user-bound connection never populate the app cache", func(t *testing.T) {
		h, c := setup()

		// Delegated bind, not passthrough: a rogue authenticated user cannot
		// forge an app identity with a crafted search.
		c.handleBind(1, userDN, "secret")
		params, result := preambleSearch(userDN)
		h.backend.searchResult = result
		c.handleSearch(2, params)

		assert.Equal(t, 0, h.listener.appCache.Len())

		// A later bind relying on the app cache fails to resolve a realm.
		h.listener.realmMapper = mapping.NewAppCacheRealmMapper(
			h.listener.appCache,
			map[string]string{"markerSecret": "realmSecret"},
		)
		c2, rec := h.newConn()
		c2.handleBind(1, userDN, "secret")
		assert.Equal(t, msgNoRealm, rec.last(t).diag)
	})

	t.Run("passthrough preamble feeds a later delegated bind", func(t *testing.T) {
		h, c := setup()
		h.listener.realmMapper = mapping.NewAppCacheRealmMapper(
			h.listener.appCache,
			map[string]string{"markerSecret": "realmSecret"},
		)

		c.handleBind(1, passthroughDN, "pw")
		params, result := preambleSearch(userDN)
		h.backend.searchResult = result
		c.handleSearch(2, params)

		c2, rec := h.newConn()
		c2.handleBind(1, userDN, "secret")
		assert.Equal(t, resultSuccess, rec.last(t).code)

		require.Len(t, h.verifier.calls, 1)
		assert.Equal(t, verifyCall{user: "hugo", realm: "realmSecret", password: "secret"}, h.verifier.calls[0])
	})
}

func TestUnbind(t *testing.T) {
	t.Run("forwarded when a channel is open", func(t *testing.T) {
		h := newHarness(func(h *testHarness) {
			h.listener.settings.allowSearch = true
		})
		c, _ := h.newConn()

		params, _ := preambleSearch()
		c.handleSearch(1, params)
		c.handleUnbind()

		assert.Equal(t, 1, h.backend.unbinds)
		assert.Nil(t, c.upstream)
	})

	t.Run("no-op without a channel", func(t *testing.T) {
		h := newHarness()
		c, _ := h.newConn()

		c.handleUnbind()
		assert.Equal(t, 0, h.backend.unbinds)
	})
}

func TestUnsupportedRequests(t *testing.T) {
	h := newHarness()
	c, rec := h.newConn()

	c.handleUnsupported(7, "ModifyRequest")

	got := rec.last(t)
	assert.Equal(t, "result", got.kind)
	assert.Equal(t, 7, got.mid)
	assert.Equal(t, resultInsufficientAccessRights, got.code)
	assert.Equal(t, msgRejectUnsupported, got.diag)
}
