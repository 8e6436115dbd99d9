package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/septivank/iot-receiver/internal/errs"
)

// LoadPinnedTLSConfig trusts only the CA certificates in caFile. The system
// pool is not consulted.
func LoadPinnedTLSConfig(caFile string) (*tls.Config, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errs.E(errs.KindConfig, "load broker CA", fmt.Errorf("read CA file %s: %w", caFile, err))
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errs.Errorf(errs.KindConfig, "load broker CA", "no valid PEM certificate in %s", caFile)
	}

	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
