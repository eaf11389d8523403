// Package upstream manages LDAP channels to the backend directory server.
// Each accepted proxy connection owns at most one lazily opened channel; the
// user lookup mapper and the startup probe open short-lived channels of their
// own, bound as the service account.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldap-auth-proxy/internal/mapping"
	"github.com/netresearch/ldap-auth-proxy/internal/retry"
)

// Dialer opens channels to the backend LDAP server.
type Dialer struct {
	addr            string
	connectTimeout  time.Duration
	retryConfig     retry.Config
	serviceDN       string
	servicePassword string
}

// NewDialer creates a dialer for the backend at addr ("host:port").
func NewDialer(addr string, connectTimeout time.Duration, serviceDN, servicePassword string) *Dialer {
	return &Dialer{
		addr:            addr,
		connectTimeout:  connectTimeout,
		retryConfig:     retry.DialConfig(),
		serviceDN:       serviceDN,
		servicePassword: servicePassword,
	}
}

// Dial opens an unbound channel to the backend, retrying transient failures
// with backoff.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	conn, err := retry.DoWithResultConfig(ctx, d.retryConfig, func() (*ldap.Conn, error) {
		return ldap.DialURL(
			"ldap://"+d.addr,
			ldap.DialWithDialer(&net.Dialer{Timeout: d.connectTimeout}),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("could not reach the LDAP backend at %s: %w", d.addr, err)
	}

	conn.SetTimeout(d.connectTimeout)

	return &Conn{conn: conn}, nil
}

// ConnectServiceAccount opens a fresh channel bound as the service account.
// The channel is closed again if the bind fails, so failed binds cannot leak
// sockets.
func (d *Dialer) ConnectServiceAccount(ctx context.Context) (mapping.ServiceConn, error) {
	conn, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}

	if err := conn.Bind(d.serviceDN, d.servicePassword); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("service account bind failed: %w", err)
	}

	return conn, nil
}

// BindServiceAccount issues a service-account bind on an existing channel.
func (d *Dialer) BindServiceAccount(conn *Conn) error {
	return conn.Bind(d.serviceDN, d.servicePassword)
}

// Probe checks the backend by opening a channel, binding as the service
// account and unbinding. Used by the optional startup health check.
func (d *Dialer) Probe(ctx context.Context) error {
	conn, err := d.Dial(ctx)
	if err != nil {
		return err
	}

	if err := d.BindServiceAccount(conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("service account bind failed: %w", err)
	}

	return conn.Unbind()
}

// Conn wraps one channel to the backend. It is owned by exactly one caller;
// none of its methods are safe for concurrent use.
type Conn struct {
	conn *ldap.Conn
}

// Bind authenticates the channel as dn. Both dn and password may be empty:
// an empty pair is an anonymous bind, forwarded as such.
func (c *Conn) Bind(dn, password string) error {
	_, err := c.conn.SimpleBind(&ldap.SimpleBindRequest{
		Username:           dn,
		Password:           password,
		AllowEmptyPassword: password == "",
	})

	return err
}

// Search executes a search on the channel under its current bind identity.
func (c *Conn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return c.conn.Search(req)
}

// SearchBase issues a baseObject search against baseDN. It implements
// mapping.ServiceConn for the lookup user mapper.
func (c *Conn) SearchBase(_ context.Context, baseDN, filter string, attributes []string) ([]*ldap.Entry, error) {
	res, err := c.Search(ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0, 0, false,
		filter,
		attributes,
		nil,
	))
	if err != nil {
		return nil, err
	}

	return res.Entries, nil
}

// Unbind sends an unbind request and terminates the channel.
func (c *Conn) Unbind() error {
	return c.conn.Unbind()
}

// Close terminates the channel without an unbind.
func (c *Conn) Close() error {
	if err := c.conn.Close(); err != nil {
		log.Debug().Err(err).Msg("Closing the upstream channel reported an error")
		return err
	}

	return nil
}

// clientSideResultCode is the start of go-ldap's client-side error range
// (network failures, filter compile errors, ...). Those carry no verdict from
// the backend.
const clientSideResultCode = 200

// ResultDetails extracts the LDAP result code and diagnostic message from an
// error returned by the backend. It reports ok=false for transport-level
// errors that carry no LDAP result.
func ResultDetails(err error) (code int, diagnostic string, ok bool) {
	var lerr *ldap.Error
	if !errors.As(err, &lerr) {
		return 0, "", false
	}
	if lerr.ResultCode >= clientSideResultCode {
		return 0, "", false
	}

	diagnostic = ""
	if lerr.Err != nil {
		diagnostic = lerr.Err.Error()
	}

	return int(lerr.ResultCode), diagnostic, true
}
