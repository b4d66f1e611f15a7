package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// Certificate rotation threshold: warn when less than 30 days remain
	certRotationThreshold = 30 * 24 * time.Hour

	// Default locations of the provisioning system's TLS material
	DefaultCertDir    = "/var/run/rebar"
	DefaultCAFile     = "/var/run/rebar/ca.pem"
	DefaultCertFile   = "/var/run/rebar/server.crt"
	DefaultKeyFile    = "/var/run/rebar/server.key"
	caFileName        = "ca.pem"
	certFileName      = "server.crt"
	keyFileName       = "server.key"
	minimumTLSVersion = tls.VersionTLS12
)

// Paths locates a CA certificate and a certificate/key pair
type Paths struct {
	CAFile   string `yaml:"ca_file" validate:"required"`
	CertFile string `yaml:"cert_file" validate:"required"`
	KeyFile  string `yaml:"key_file" validate:"required"`
}

// DefaultPaths returns the well-known provisioning system paths
func DefaultPaths() Paths {
	return Paths{CAFile: DefaultCAFile, CertFile: DefaultCertFile, KeyFile: DefaultKeyFile}
}

// PathsInDir returns ca.pem, server.crt and server.key inside dir
func PathsInDir(dir string) Paths {
	return Paths{
		CAFile:   filepath.Join(dir, caFileName),
		CertFile: filepath.Join(dir, certFileName),
		KeyFile:  filepath.Join(dir, keyFileName),
	}
}

// LoadKeyPair loads a certificate/key pair and populates Leaf
func LoadKeyPair(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}

	return &cert, nil
}

// LoadCAPool reads a PEM bundle into a certificate pool
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", caFile)
	}
	return pool, nil
}

// LoadCACert reads the first certificate of a PEM file
func LoadCACert(caFile string) (*x509.Certificate, error) {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return caCert, nil
}

// ClientTLSConfig builds a mutual TLS client configuration. The server
// certificate is always verified against the CA in p.CAFile.
func ClientTLSConfig(p Paths, serverName string) (*tls.Config, error) {
	cert, err := LoadKeyPair(p.CertFile, p.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	pool, err := LoadCAPool(p.CAFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   minimumTLSVersion,
	}, nil
}

// ServerTLSConfig builds a TLS server configuration that requires and
// verifies client certificates signed by the CA in p.CAFile.
func ServerTLSConfig(p Paths) (*tls.Config, error) {
	cert, err := LoadKeyPair(p.CertFile, p.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert: %w", err)
	}
	pool, err := LoadCAPool(p.CAFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   minimumTLSVersion,
	}, nil
}

// CertExists checks that all three files of p exist
func CertExists(p Paths) bool {
	for _, f := range []string{p.CAFile, p.CertFile, p.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

// CertNeedsRotation returns true when less than 30 days remain until expiry
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateCertChain validates that a certificate is signed by the CA
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if ca == nil {
		return fmt.Errorf("CA certificate is nil")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// GetCertInfo returns human-readable information about a certificate
func GetCertInfo(cert *x509.Certificate) map[string]interface{} {
	if cert == nil {
		return map[string]interface{}{"error": "certificate is nil"}
	}

	return map[string]interface{}{
		"subject":        cert.Subject.CommonName,
		"issuer":         cert.Issuer.CommonName,
		"serial_number":  cert.SerialNumber.String(),
		"not_before":     cert.NotBefore.Format(time.RFC3339),
		"not_after":      cert.NotAfter.Format(time.RFC3339),
		"is_ca":          cert.IsCA,
		"dns_names":      cert.DNSNames,
		"needs_rotation": CertNeedsRotation(cert),
	}
}
