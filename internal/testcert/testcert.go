// Package testcert generates throwaway TLS certificates for tests.
package testcert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"
)

// Pair is a self-signed certificate for 127.0.0.1 and localhost.
type Pair struct {
	Certificate tls.Certificate
	Pool        *x509.CertPool
	CertPEM     []byte
	KeyPEM      []byte
}

// New generates a Pair valid for one hour.
func New() (*Pair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return &Pair{
		Certificate: cert,
		Pool:        pool,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

// ServerConfig returns a TLS server configuration using the pair.
func (p *Pair) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{p.Certificate},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientConfig returns a TLS client configuration trusting the pair.
func (p *Pair) ClientConfig() *tls.Config {
	return &tls.Config{
		RootCAs:    p.Pool,
		ServerName: "127.0.0.1",
		MinVersion: tls.VersionTLS12,
	}
}
