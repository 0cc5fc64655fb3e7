// Package mtls builds the client TLS settings used by http feed sources that
// require a client certificate or a private certificate authority.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/velopack/velopack-sub005/internal/logging"
)

var log = logging.L("mtls")

// ErrIncompletePair is returned when only one of the certificate and key
// files is configured.
var ErrIncompletePair = errors.New("client certificate and key must be configured together")

// LoadClientCert reads a PEM-encoded certificate and private key pair.
func LoadClientCert(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client key pair: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parse client certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// LoadCAPool reads PEM certificates from caFile into a new pool.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("CA bundle %s contains no PEM certificates", caFile)
	}
	return pool, nil
}

// BuildTLSConfig returns a TLS config carrying the client certificate and
// CA pool. Returns nil when nothing is configured.
func BuildTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" && caFile == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, ErrIncompletePair
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if certFile != "" {
		cert, err := LoadClientCert(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		if leaf := cert.Leaf; leaf != nil {
			now := time.Now()
			switch {
			case IsExpired(leaf.NotAfter, now):
				log.Warn("client certificate has expired", "subject", leaf.Subject.String(), "notAfter", leaf.NotAfter)
			case NeedsRenewal(leaf.NotBefore, leaf.NotAfter, now):
				log.Info("client certificate is past two thirds of its lifetime", "subject", leaf.Subject.String(), "notAfter", leaf.NotAfter)
			}
		}
		cfg.Certificates = []tls.Certificate{*cert}
	}
	if caFile != "" {
		pool, err := LoadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// IsExpired reports whether notAfter has passed. A zero time never expires.
func IsExpired(notAfter, now time.Time) bool {
	if notAfter.IsZero() {
		return false
	}
	return now.After(notAfter)
}

// NeedsRenewal reports whether now is past 2/3 of the certificate's
// lifetime. Returns false if either bound is zero.
func NeedsRenewal(notBefore, notAfter, now time.Time) bool {
	if notBefore.IsZero() || notAfter.IsZero() || !notAfter.After(notBefore) {
		return false
	}
	lifetime := notAfter.Sub(notBefore)
	return now.After(notBefore.Add(lifetime * 2 / 3))
}
