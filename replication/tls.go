package replication

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/INLOpen/livedb/config"
)

// LoadServerTLSConfig loads the certificate the primary presents to replicas.
func LoadServerTLSConfig(tlsCfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadClientTLSConfig builds the config replicas use to verify the primary.
// Without a CA file the system pool is used.
func LoadClientTLSConfig(tlsCfg config.TLSConfig) (*tls.Config, error) {
	var pool *x509.CertPool
	if tlsCfg.CAFile != "" {
		pem, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", tlsCfg.CAFile, err)
		}
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file %s", tlsCfg.CAFile)
		}
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		pool = systemPool
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
