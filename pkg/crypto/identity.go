// Package crypto holds the key material behind a published service: the
// ed25519 identity a hidden service is addressed by, and the x25519 keypairs
// handed to visitors when client authorization is enabled.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base32"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

const identityPEMType = "PRIVATE KEY"

// onionAddrEncoding is the unpadded base32 used in v3 onion addresses.
var onionAddrEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ServiceIdentity is the long-lived ed25519 keypair a service is addressed
// by. A persistent share keeps the same identity, and therefore the same
// address, across restarts.
type ServiceIdentity struct {
	priv ed25519.PrivateKey
}

// GenerateServiceIdentity creates a fresh service identity.
func GenerateServiceIdentity() (*ServiceIdentity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate service identity: %w", err)
	}
	return &ServiceIdentity{priv: priv}, nil
}

// LoadOrCreateServiceIdentity reads the identity at path, generating and
// saving a new one when the file does not exist yet.
func LoadOrCreateServiceIdentity(path string) (*ServiceIdentity, error) {
	id, err := LoadServiceIdentity(path)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err = GenerateServiceIdentity()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// LoadServiceIdentity reads a PEM-encoded identity from disk. A missing file
// surfaces as an os.IsNotExist error so callers can fall back to generating.
func LoadServiceIdentity(path string) (*ServiceIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != identityPEMType {
		return nil, fmt.Errorf("no %s block in %s", identityPEMType, path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("identity key in %s is not ed25519", path)
	}
	return &ServiceIdentity{priv: priv}, nil
}

// Save writes the identity to path with owner-only permissions.
func (id *ServiceIdentity) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.priv)
	if err != nil {
		return fmt.Errorf("failed to marshal identity key: %w", err)
	}
	buf := pem.EncodeToMemory(&pem.Block{Type: identityPEMType, Bytes: der})
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create identity dir: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write identity key: %w", err)
	}
	return nil
}

// PublicKey returns the identity's public half.
func (id *ServiceIdentity) PublicKey() ed25519.PublicKey {
	return id.priv.Public().(ed25519.PublicKey)
}

// OnionAddress derives the v3 address for this identity:
// base32(pubkey || checksum || version) with version 3 and a two-byte
// truncated SHA3-256 checksum over ".onion checksum" || pubkey || version.
func (id *ServiceIdentity) OnionAddress() string {
	pub := id.PublicKey()

	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pub)
	h.Write([]byte{0x03})
	checksum := h.Sum(nil)[:2]

	payload := make([]byte, 0, len(pub)+3)
	payload = append(payload, pub...)
	payload = append(payload, checksum...)
	payload = append(payload, 0x03)

	return strings.ToLower(onionAddrEncoding.EncodeToString(payload)) + ".onion"
}

// ClientAuthKeyPair is an x25519 keypair for v3 client authorization. The
// public half is registered with the service; the private half is given to
// the visitor out of band.
type ClientAuthKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateClientAuthKeyPair creates a keypair for one authorized visitor.
func GenerateClientAuthKeyPair() (*ClientAuthKeyPair, error) {
	var kp ClientAuthKeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate client auth key: %w", err)
	}
	// x25519 private key clamping.
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive client auth public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// PrivateString encodes the private half the way a visitor's client expects
// it, uppercase unpadded base32.
func (kp *ClientAuthKeyPair) PrivateString() string {
	return onionAddrEncoding.EncodeToString(kp.Private[:])
}

// PublicString encodes the public half for service-side registration.
func (kp *ClientAuthKeyPair) PublicString() string {
	return onionAddrEncoding.EncodeToString(kp.Public[:])
}
