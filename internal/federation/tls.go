package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// tunnelALPN distinguishes a federation tunnel connection from an
// ordinary internal/transport/p2p connection sharing the same quic-go
// stack; the two protocols never speak to the wrong handler because
// quic-go negotiates ALPN before either side reads a byte.
const tunnelALPN = "porthole-federation/1"

// sessionTLSConfig mirrors internal/transport/p2p's ephemeral
// certificate generator (duplicated rather than imported: the two
// packages pick independent ALPN strings and neither should depend on
// the other's transport-layer decisions, only on the application-level
// handshake each defines for itself).
func sessionTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("federation: generate session key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("federation: generate serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "porthole-federation"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("federation: create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("federation: parse certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  priv,
			Leaf:        cert,
		}},
		NextProtos: []string{tunnelALPN},
	}, nil
}

// dialTLSConfig is used by home-side dialers, which rely on the
// application-level Hello/Welcome exchange and node-identity signatures
// for trust rather than the session certificate.
func dialTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{tunnelALPN},
	}
}
