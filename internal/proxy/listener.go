// Package proxy implements the client-facing LDAP listener and the
// per-connection bind dispatch machine. Clients speak ordinary LDAPv3 to the
// proxy; binds are terminated here and delegated to privacyIDEA, while
// searches and unbinds are selectively forwarded to the real backend.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldap-auth-proxy/internal/cache"
	"github.com/netresearch/ldap-auth-proxy/internal/config"
	"github.com/netresearch/ldap-auth-proxy/internal/mapping"
	"github.com/netresearch/ldap-auth-proxy/internal/preamble"
	"github.com/netresearch/ldap-auth-proxy/internal/privacyidea"
	"github.com/netresearch/ldap-auth-proxy/internal/upstream"
)

// verifierTimeout bounds one privacyIDEA round-trip.
const verifierTimeout = 30 * time.Second

// settings is the part of the configuration the connection handlers consult
// on every request.
type settings struct {
	allowSearch                  bool
	allowConnectionReuse         bool
	ignoreSearchResultReferences bool
	forwardAnonymousBinds        bool
	bindServiceAccount           bool
	serviceAccountDN             string
	serviceAccountPassword       string
}

// Listener accepts client LDAP connections and wires each one to the shared
// caches and strategy objects.
type Listener struct {
	addr     string
	settings settings

	verifier    Verifier
	userMapper  mapping.UserMapper
	realmMapper mapping.RealmMapper
	bindCache   *cache.BindCache
	appCache    *cache.AppCache
	detector    preamble.Detector
	dial        func(ctx context.Context) (Directory, error)
	dialer      *upstream.Dialer

	passthrough map[string]struct{}
	blacklist   []*regexp.Regexp

	bindCacheMetrics *cache.Metrics
	appCacheMetrics  *cache.Metrics

	ln         net.Listener
	mu         sync.Mutex
	clients    map[uint64]net.Conn
	nextConnID atomic.Uint64
	active     atomic.Int64
	serving    atomic.Bool
	wg         sync.WaitGroup
}

// New builds a listener from the validated configuration.
func New(cfg *config.Config) (*Listener, error) {
	addr, err := config.ParseServerEndpoint(cfg.Proxy.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid listener endpoint: %w", err)
	}

	backendAddr, err := config.ParseClientEndpoint(cfg.Backend.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid backend endpoint: %w", err)
	}

	dialer := upstream.NewDialer(
		backendAddr,
		cfg.Backend.ConnectTimeout.Std(),
		cfg.ServiceAccount.DN,
		cfg.ServiceAccount.Password,
	)

	verifier, err := privacyidea.New(
		cfg.PrivacyIDEA.Instance,
		cfg.PrivacyIDEA.Certificate,
		*cfg.PrivacyIDEA.Verify,
		verifierTimeout,
	)
	if err != nil {
		return nil, fmt.Errorf("could not build the privacyIDEA client: %w", err)
	}

	l := &Listener{
		addr: addr,
		settings: settings{
			allowSearch:                  cfg.Proxy.AllowSearch,
			allowConnectionReuse:         cfg.Proxy.AllowConnectionReuse,
			ignoreSearchResultReferences: cfg.Proxy.IgnoreSearchResultReferences,
			forwardAnonymousBinds:        cfg.Proxy.ForwardAnonymousBinds,
			bindServiceAccount:           cfg.Proxy.BindServiceAccount,
			serviceAccountDN:             cfg.ServiceAccount.DN,
			serviceAccountPassword:       cfg.ServiceAccount.Password,
		},
		verifier:    verifier,
		dialer:      dialer,
		passthrough: make(map[string]struct{}, len(cfg.Proxy.PassthroughBinds)),
		clients:     make(map[uint64]net.Conn),
	}
	l.dial = func(ctx context.Context) (Directory, error) {
		conn, err := dialer.Dial(ctx)
		if err != nil {
			return nil, err
		}

		return conn, nil
	}

	for _, dn := range cfg.Proxy.PassthroughBinds {
		l.passthrough[dn] = struct{}{}
	}
	log.Info().Strs("dns", cfg.Proxy.PassthroughBinds).Msg("Passthrough DNs")

	for _, pattern := range cfg.Proxy.DNBlacklist {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blacklist pattern %q: %w", pattern, err)
		}
		l.blacklist = append(l.blacklist, compiled)
	}

	if cfg.BindCache.Enabled {
		l.bindCacheMetrics = &cache.Metrics{}
		l.bindCache = cache.NewBindCache(cfg.BindCache.Timeout.Std(), cache.SystemClock(), l.bindCacheMetrics)
	}
	if cfg.AppCache.Enabled {
		l.appCacheMetrics = &cache.Metrics{}
		l.appCache = cache.NewAppCache(
			cfg.AppCache.Timeout.Std(),
			cfg.AppCache.CaseInsensitive,
			cache.SystemClock(),
			l.appCacheMetrics,
		)
		l.detector = preamble.Detector{
			Attribute:   cfg.AppCache.Attribute,
			ValuePrefix: cfg.AppCache.ValuePrefix,
		}
	}

	if err := l.buildMappers(cfg); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Listener) buildMappers(cfg *config.Config) error {
	switch cfg.UserMapping.Strategy {
	case config.UserMappingMatch:
		mapper, err := mapping.NewMatchUserMapper(cfg.UserMapping.Pattern)
		if err != nil {
			return err
		}
		l.userMapper = mapper
	case config.UserMappingLookup:
		l.userMapper = mapping.NewLookupUserMapper(cfg.UserMapping.Attribute, l.dialer)
	default:
		return fmt.Errorf("unknown user mapping strategy %q", cfg.UserMapping.Strategy)
	}
	log.Info().Str("strategy", cfg.UserMapping.Strategy).Msg("Using user mapping strategy")

	switch cfg.RealmMapping.Strategy {
	case config.RealmMappingStatic:
		l.realmMapper = &mapping.StaticRealmMapper{Realm: cfg.RealmMapping.Realm}
	case config.RealmMappingAppCache:
		l.realmMapper = mapping.NewAppCacheRealmMapper(l.appCache, cfg.RealmMapping.Mappings)
	default:
		return fmt.Errorf("unknown realm mapping strategy %q", cfg.RealmMapping.Strategy)
	}
	log.Info().Str("strategy", cfg.RealmMapping.Strategy).Msg("Using realm mapping strategy")

	return nil
}

// ProbeBackend checks the backend with a service-account bind and unbind.
// The outcome is logged; a failing probe does not abort startup.
func (l *Listener) ProbeBackend(ctx context.Context) {
	if err := l.dialer.Probe(ctx); err != nil {
		log.Warn().Err(err).Msg("Backend connection test failed")
		return
	}

	log.Info().Msg("Successfully tested the connection to the LDAP backend")
}

// ListenAndServe accepts client connections until the context is cancelled,
// then closes the listening socket and every live connection and waits for
// the per-connection goroutines to drain.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", l.addr, err)
	}
	l.ln = ln
	l.serving.Store(true)
	defer l.serving.Store(false)
	log.Info().Str("addr", l.addr).Msg("Accepting LDAP connections")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		l.closeClients()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}

			log.Warn().Err(err).Msg("Accept failed")
			continue
		}

		l.wg.Add(1)
		go l.serveClient(ctx, nc)
	}

	l.wg.Wait()
	log.Info().Msg("Listener drained")

	return nil
}

func (l *Listener) serveClient(ctx context.Context, nc net.Conn) {
	defer l.wg.Done()

	id := l.nextConnID.Add(1)
	l.mu.Lock()
	l.clients[id] = nc
	l.mu.Unlock()
	l.active.Add(1)

	defer func() {
		l.mu.Lock()
		delete(l.clients, id)
		l.mu.Unlock()
		l.active.Add(-1)
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &conn{
		id:  id,
		srv: l,
		rwc: nc,
		ctx: connCtx,
		log: log.With().Uint64("conn", id).Str("remote", nc.RemoteAddr().String()).Logger(),
	}
	c.emit = newWireEmitter(c)

	c.log.Debug().Msg("Client connected")
	c.serve()
}

func (l *Listener) closeClients() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, nc := range l.clients {
		_ = nc.Close()
	}
}

func (l *Listener) isBlacklisted(dn string) bool {
	for _, pattern := range l.blacklist {
		if pattern.MatchString(dn) {
			return true
		}
	}

	return false
}

func (l *Listener) isPassthrough(dn string) bool {
	_, ok := l.passthrough[dn]
	return ok
}

// Stats is a point-in-time view of the proxy's runtime state for the HTTP
// ops endpoint.
type Stats struct {
	ActiveConnections int64          `json:"active_connections"`
	BindCache         cache.Snapshot `json:"bind_cache"`
	AppCache          cache.Snapshot `json:"app_cache"`
}

// Ready reports whether the listener is accepting connections.
func (l *Listener) Ready() bool {
	return l.serving.Load()
}

// Stats returns current runtime statistics.
func (l *Listener) Stats() Stats {
	return Stats{
		ActiveConnections: l.active.Load(),
		BindCache:         l.bindCacheMetrics.Snapshot(),
		AppCache:          l.appCacheMetrics.Snapshot(),
	}
}
