package tlsutil

import (
	"crypto/x509"
	"fmt"
	"os"
)

// LoadCAPool returns the system root pool with the PEM certificates from
// caFile appended. Used for verifying upstreams that present certificates
// from a private CA.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", caFile)
	}
	return pool, nil
}
