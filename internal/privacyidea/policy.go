package privacyidea

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// NewTrustPolicy returns the TLS configuration for the verifier connection.
//
// Three policies exist: the system trust store (certificatePath empty, verify
// true), a single PEM-pinned root (certificatePath set), and disabled
// verification (verify false), which checks neither the hostname nor the
// chain. Disabling verification must be an explicit configuration choice; it
// is announced with a startup warning.
func NewTrustPolicy(certificatePath string, verify bool) (*tls.Config, error) {
	if !verify {
		log.Warn().Msg("HTTPS certificate verification for privacyIDEA is DISABLED, connections are open to interception")

		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // Explicitly configured policy.
	}

	if certificatePath == "" {
		// System trust store.
		return nil, nil
	}

	pem, err := os.ReadFile(certificatePath)
	if err != nil {
		return nil, fmt.Errorf("could not read the pinned certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificate found in %s", certificatePath)
	}

	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
