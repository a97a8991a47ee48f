package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// SessionCertificate is the self-signed TLS certificate a peer presents on
// its delegate listener. Clients pin it through a signature made with the
// peer's libp2p key rather than a certificate authority.
type SessionCertificate struct {
	cert    *x509.Certificate
	key     *ecdsa.PrivateKey
	certDER []byte
}

// NewSessionCertificate generates a fresh ECDSA P-256 certificate valid for
// one year.
func NewSessionCertificate() (*SessionCertificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Acn Node"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &SessionCertificate{cert: cert, key: key, certDER: certDER}, nil
}

// Certificate returns the X.509 certificate
func (sc *SessionCertificate) Certificate() *x509.Certificate {
	return sc.cert
}

// PublicKeyBytes returns the uncompressed certificate public key, which is
// what SignSessionKey signs.
func (sc *SessionCertificate) PublicKeyBytes() []byte {
	return elliptic.Marshal(elliptic.P256(), sc.key.PublicKey.X, sc.key.PublicKey.Y) //nolint:staticcheck // fixed uncompressed encoding is part of the handshake
}

// TLSConfig returns the server side TLS configuration.
func (sc *SessionCertificate) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{sc.certDER},
				PrivateKey:  sc.key,
				Leaf:        sc.cert,
			},
		},
		MinVersion: tls.VersionTLS12,
	}
}

// SignSessionKey signs the certificate public key with the peer's libp2p
// key. The signature is DER over sha256 for secp256k1 keys.
func SignSessionKey(priv crypto.PrivKey, sc *SessionCertificate) ([]byte, error) {
	sig, err := priv.Sign(sc.PublicKeyBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign session key: %w", err)
	}
	return sig, nil
}

// VerifySessionSignature checks that sig over the certificate public key
// was produced by the peer identified by peerPubHex.
func VerifySessionSignature(peerPubHex string, certPub *ecdsa.PublicKey, sig []byte) (bool, error) {
	pub, err := PublicKeyFromHex(peerPubHex)
	if err != nil {
		return false, err
	}
	if certPub == nil || certPub.Curve != elliptic.P256() {
		return false, fmt.Errorf("session certificate key is not P-256")
	}
	msg := elliptic.Marshal(elliptic.P256(), certPub.X, certPub.Y) //nolint:staticcheck // see PublicKeyBytes
	ok, err := pub.Verify(msg, sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ok, nil
}

// SessionPublicKey extracts the ECDSA key of a certificate presented during
// a TLS handshake.
func SessionPublicKey(cert *x509.Certificate) (*ecdsa.PublicKey, error) {
	if cert == nil {
		return nil, fmt.Errorf("no certificate presented")
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate key is %T, want ECDSA", cert.PublicKey)
	}
	return pub, nil
}

// Fingerprint returns a short hex tag of the certificate for logs.
func (sc *SessionCertificate) Fingerprint() string {
	return hex.EncodeToString(sc.cert.SubjectKeyId)
}
