// Package privacyidea implements the HTTP client for the privacyIDEA
// validate endpoint. The proxy delegates every password decision (including
// the second factor) to this verifier and only acts on its boolean verdict.
package privacyidea

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netresearch/ldap-auth-proxy/internal/version"
)

// validatePath is appended to the instance base URL.
const validatePath = "validate/check"

// Outcome classifies a verification attempt.
type Outcome int

// Verification outcomes.
const (
	// OutcomeSuccess: the verifier accepted the password.
	OutcomeSuccess Outcome = iota
	// OutcomeWrongCredentials: the verifier answered, the password is wrong.
	OutcomeWrongCredentials
	// OutcomeVerifierError: the verifier reported an internal error.
	OutcomeVerifierError
	// OutcomeTransportError: no usable verdict (non-200 response, undecodable
	// body, or a transport failure).
	OutcomeTransportError
)

// Verdict is the result of one verification attempt.
type Verdict struct {
	Outcome Outcome
	// HTTPStatus carries the HTTP status code for transport errors, 0 when
	// the request never produced a response.
	HTTPStatus int
}

// Message returns the advisory text sent to the LDAP client for a
// non-success verdict.
func (v Verdict) Message() string {
	switch v.Outcome {
	case OutcomeSuccess:
		return ""
	case OutcomeWrongCredentials:
		return "Failed to authenticate."
	case OutcomeVerifierError:
		return "Failed to authenticate. privacyIDEA error."
	default:
		if v.HTTPStatus == 0 {
			return "Failed to authenticate. privacyIDEA unreachable."
		}

		return fmt.Sprintf("Failed to authenticate. Wrong HTTP response (%d)", v.HTTPStatus)
	}
}

// Client posts credentials to a privacyIDEA instance and parses its verdict.
type Client struct {
	httpClient  *http.Client
	validateURL string
	userAgent   string
}

// New creates a client for the given instance base URL. A trailing slash is
// appended if missing. The TLS trust policy is selected per the certificate
// and verify options, see NewTrustPolicy.
func New(instance, certificatePath string, verify bool, timeout time.Duration) (*Client, error) {
	if !strings.HasSuffix(instance, "/") {
		instance += "/"
	}

	tlsConfig, err := NewTrustPolicy(certificatePath, verify)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		validateURL: instance + validatePath,
		userAgent:   version.UserAgent(),
	}, nil
}

// validateResponse mirrors the JSON shape of the validate endpoint.
type validateResponse struct {
	Result struct {
		Status bool `json:"status"`
		Value  bool `json:"value"`
	} `json:"result"`
}

// Verify posts the credentials to the validate endpoint. It never returns an
// error: every failure mode is folded into the verdict so the caller has a
// single decision point.
func (c *Client) Verify(ctx context.Context, user, realm, password string) Verdict {
	form := url.Values{
		"user":  []string{user},
		"realm": []string{realm},
		"pass":  []string{password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.validateURL, strings.NewReader(form.Encode()))
	if err != nil {
		log.Error().Err(err).Msg("Could not build the validate request")
		return Verdict{Outcome: OutcomeTransportError}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("user", user).Str("realm", realm).Msg("Verifier request failed")
		return Verdict{Outcome: OutcomeTransportError}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Str("user", user).Str("realm", realm).
			Msg("Verifier returned an unexpected HTTP status")
		return Verdict{Outcome: OutcomeTransportError, HTTPStatus: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read the verifier response")
		return Verdict{Outcome: OutcomeTransportError, HTTPStatus: resp.StatusCode}
	}

	var parsed validateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		log.Warn().Err(err).Msg("Could not decode the verifier response")
		return Verdict{Outcome: OutcomeTransportError, HTTPStatus: resp.StatusCode}
	}

	switch {
	case parsed.Result.Status && parsed.Result.Value:
		return Verdict{Outcome: OutcomeSuccess}
	case parsed.Result.Status:
		return Verdict{Outcome: OutcomeWrongCredentials}
	default:
		return Verdict{Outcome: OutcomeVerifierError}
	}
}
