package proxy

import (
	"bufio"
	"errors"
	"io"
	"net"

	"github.com/go-ldap/ldap/v3"
	message "github.com/ps78674/goldap/message"
	ldapserver "github.com/ps78674/ldapserver"
	"github.com/rs/zerolog"

	"github.com/netresearch/ldap-auth-proxy/internal/preamble"
)

// LDAP result codes used by the dispatch logic.
const (
	resultSuccess                  = ldapserver.LDAPResultSuccess
	resultInvalidCredentials       = ldapserver.LDAPResultInvalidCredentials
	resultInsufficientAccessRights = ldapserver.LDAPResultInsufficientAccessRights
	resultAuthMethodNotSupported   = ldapserver.LDAPResultAuthMethodNotSupported
)

// serve reads LDAPv3 messages from the client and dispatches them until the
// client disconnects, unbinds, or sends an unframeable message. Requests on
// one connection are processed strictly in the order received.
func (c *conn) serve() {
	defer c.teardown()

	br := bufio.NewReader(c.rwc)
	for {
		raw, err := message.ReadLDAPMessageBytes(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug().Err(err).Msg("Could not read the next LDAP message")
			}

			return
		}

		m, err := message.ReadLDAPMessage(message.NewBytes(0, *raw))
		if err != nil {
			c.log.Warn().Err(err).Msg("Undecodable LDAP message, closing the connection")
			return
		}

		mid := m.MessageID().Int()

		switch op := m.ProtocolOp().(type) {
		case message.BindRequest:
			c.dispatchBind(mid, op)
		case message.SearchRequest:
			c.handleSearch(mid, translateSearch(op))
		case message.UnbindRequest:
			c.log.Debug().Msg("Client unbind")
			c.handleUnbind()

			return
		default:
			c.handleUnsupported(mid, m.ProtocolOpName())
		}
	}
}

// teardown releases the connection's resources. It runs as soon as the serve
// loop ends, so an upstream channel opened while the client was already gone
// is torn down right away instead of lingering against the backend.
func (c *conn) teardown() {
	if c.upstream != nil {
		_ = c.upstream.Close()
		c.upstream = nil
	}

	_ = c.rwc.Close()
	c.log.Debug().Msg("Client disconnected")
}

func (c *conn) dispatchBind(mid int, req message.BindRequest) {
	if req.AuthenticationChoice() != "simple" {
		c.log.Info().Msg("Rejecting non-simple bind")
		c.emit.bindResponse(mid, resultAuthMethodNotSupported, msgSimpleBindsOnly)

		return
	}

	c.handleBind(mid, string(req.Name()), string(req.AuthenticationSimple()))
}

// translateSearch converts a client search request into the backend form and
// lifts its filter for preamble detection.
func translateSearch(req message.SearchRequest) searchParams {
	attributes := make([]string, 0, len(req.Attributes()))
	for _, attribute := range req.Attributes() {
		attributes = append(attributes, string(attribute))
	}

	return searchParams{
		request: ldap.NewSearchRequest(
			string(req.BaseObject()),
			int(req.Scope()),
			int(req.DerefAliases()),
			int(req.SizeLimit()),
			int(req.TimeLimit()),
			bool(req.TypesOnly()),
			req.FilterString(),
			attributes,
			nil,
		),
		filter: liftFilter(req.Filter()),
	}
}

// liftFilter maps the wire filter tree onto the minimal form the preamble
// detector walks. Shapes the detector does not descend into become opaque
// nodes.
func liftFilter(f message.Filter) preamble.Filter {
	switch f := f.(type) {
	case message.FilterAnd:
		subs := make([]preamble.Filter, 0, len(f))
		for _, sub := range f {
			subs = append(subs, liftFilter(sub))
		}

		return preamble.And(subs)
	case message.FilterOr:
		subs := make([]preamble.Filter, 0, len(f))
		for _, sub := range f {
			subs = append(subs, liftFilter(sub))
		}

		return preamble.Or(subs)
	case message.FilterEqualityMatch:
		return preamble.Equality{
			Attribute: string(f.AttributeDesc()),
			Value:     string(f.AssertionValue()),
		}
	default:
		return preamble.Opaque{}
	}
}

// wireEmitter writes responses back to the client as BER-encoded LDAP
// messages.
type wireEmitter struct {
	bw  *bufio.Writer
	log zerolog.Logger
}

func newWireEmitter(c *conn) *wireEmitter {
	return &wireEmitter{
		bw:  bufio.NewWriter(c.rwc),
		log: c.log,
	}
}

func (w *wireEmitter) send(mid int, op message.ProtocolOp) {
	m := message.NewLDAPMessageWithProtocolOp(op)
	message.SetMessageID(m, mid)

	data, err := m.Write()
	if err != nil {
		w.log.Error().Err(err).Msg("Could not encode the response")
		return
	}

	if _, err := w.bw.Write(data.Bytes()); err != nil {
		w.log.Debug().Err(err).Msg("Could not write the response")
		return
	}
	_ = w.bw.Flush()
}

func (w *wireEmitter) bindResponse(mid, code int, diagnostic string) {
	r := ldapserver.NewBindResponse(code)
	if diagnostic != "" {
		r.SetDiagnosticMessage(diagnostic)
	}

	w.send(mid, r)
}

func (w *wireEmitter) searchEntry(mid int, entry *ldap.Entry) {
	r := ldapserver.NewSearchResultEntry(entry.DN)
	for _, attribute := range entry.Attributes {
		values := make([]message.AttributeValue, 0, len(attribute.Values))
		for _, value := range attribute.Values {
			values = append(values, message.AttributeValue(value))
		}
		r.AddAttribute(message.AttributeDescription(attribute.Name), values...)
	}

	w.send(mid, r)
}

func (w *wireEmitter) searchReference(mid int, uris []string) {
	ref := make(message.SearchResultReference, 0, len(uris))
	for _, uri := range uris {
		ref = append(ref, message.URI(uri))
	}

	w.send(mid, ref)
}

func (w *wireEmitter) searchDone(mid, code int, diagnostic string) {
	r := ldapserver.NewSearchResultDoneResponse(code)
	if diagnostic != "" {
		r.SetDiagnosticMessage(diagnostic)
	}

	w.send(mid, r)
}

func (w *wireEmitter) opResult(mid, code int, diagnostic string) {
	r := ldapserver.NewResponse(code)
	if diagnostic != "" {
		r.SetDiagnosticMessage(diagnostic)
	}

	w.send(mid, r)
}
