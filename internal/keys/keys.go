// Package keys holds the asymmetric signing keypairs attached to federated
// actors. Keys are persisted opaquely as PEM text.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// Bits is the RSA modulus size used for generated keys.
const Bits = 2048

// ErrInvalidKey is returned when PEM text cannot be decoded into a key.
var ErrInvalidKey = errors.New("invalid private key")

// KeyPair wraps an RSA private key and its public half.
type KeyPair struct {
	private *rsa.PrivateKey
}

// Generator produces fresh keypairs. Generate is the production one; tests
// substitute deterministic generators to force collisions.
type Generator func() (*KeyPair, error)

// Generate creates a new RSA keypair.
func Generate() (*KeyPair, error) {
	k, err := rsa.GenerateKey(rand.Reader, Bits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return &KeyPair{private: k}, nil
}

// ParsePrivatePEM decodes a PKCS#1 or PKCS#8 PEM block.
func ParsePrivatePEM(text string) (*KeyPair, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &KeyPair{private: k}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return &KeyPair{private: k}, nil
}

// PrivatePEM returns the private key as PKCS#1 PEM text. This is the form
// stored in the issues table.
func (k *KeyPair) PrivatePEM() string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.private),
	}))
}

// PublicPEM returns the public key as PKIX PEM text, the format expected in
// an ActivityPub publicKeyPem field.
func (k *KeyPair) PublicPEM() string {
	der, err := x509.MarshalPKIXPublicKey(&k.private.PublicKey)
	if err != nil {
		// MarshalPKIXPublicKey only fails for unsupported key types.
		panic(fmt.Sprintf("marshal rsa public key: %v", err))
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// Equal reports whether both keypairs hold the same private key.
func (k *KeyPair) Equal(other *KeyPair) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.private.Equal(other.private)
}

// LoadOrCreate reads the instance key at path, generating and writing a new
// one if the file does not exist. Called once at process start.
func LoadOrCreate(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ParsePrivatePEM(string(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}

	k, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(k.PrivatePEM()), 0600); err != nil {
		return nil, fmt.Errorf("write key %s: %w", path, err)
	}
	return k, nil
}
