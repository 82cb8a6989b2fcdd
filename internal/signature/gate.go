// Package signature gates firmware commits behind a detached RSA signature
// check against the device's embedded trust anchor.
package signature

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// MaxBlobSize caps a detached signature read from the network. RSA-2048
// signatures are 256 bytes; this leaves room up to RSA-4096.
const MaxBlobSize = 512

// Gate verifies detached signatures over SHA-256 digests under a single
// trust anchor. The anchor is parsed once at startup and immutable for the
// process lifetime.
type Gate struct {
	pub *rsa.PublicKey
}

// NewGate parses a PEM-encoded RSA public key. A key that cannot be parsed
// means the device cannot trust its own setup, so the caller should treat
// this error as fatal.
func NewGate(pemKey []byte) (*Gate, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("trust anchor is not valid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse trust anchor: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("trust anchor is %T, want RSA public key", pub)
	}
	return &Gate{pub: rsaPub}, nil
}

// Verify reports whether sig is a valid RSA PKCS#1 v1.5 signature over the
// SHA-256 digest under the trust anchor. A false result is a normal,
// expected outcome; Verify never panics.
func (g *Gate) Verify(digest, sig []byte) bool {
	if g == nil || g.pub == nil {
		return false
	}
	return rsa.VerifyPKCS1v15(g.pub, crypto.SHA256, digest, sig) == nil
}
