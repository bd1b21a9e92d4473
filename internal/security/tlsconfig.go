package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// RevocationChecker reports whether a certificate serial number (hex,
// matching x509.Certificate.SerialNumber's %x rendering) is revoked.
// Implemented by the control plane's persisted revocation list.
type RevocationChecker func(serialHex string) bool

// ServerTLSConfig builds the gRPC transport's tls.Config. When caCertPath is
// empty, the server presents its certificate but does not request client
// certificates (server-side TLS only).
// When caCertPath is set, client certificates are required and verified
// against that CA, and every presented leaf is checked against revoked.
func ServerTLSConfig(certPath, keyPath, caCertPath string, revoked RevocationChecker) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("security: load server keypair: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caCertPath == "" {
		return cfg, nil
	}

	caPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("security: read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("security: failed to parse ca cert at %s", caCertPath)
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert

	if revoked != nil {
		cfg.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
			for _, chain := range verifiedChains {
				for _, leaf := range chain {
					serial := fmt.Sprintf("%x", leaf.SerialNumber)
					if revoked(serial) {
						return fmt.Errorf("security: certificate serial %s is revoked", serial)
					}
				}
			}
			return nil
		}
	}
	return cfg, nil
}

// AgentIDFromCertCN extracts the agent id the control plane trusts from a
// verified peer certificate's CommonName -- set by SignCSR, never by the
// client directly.
func AgentIDFromCertCN(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.Subject.CommonName
}
