// Package wpcrypto implements the Web Push cryptographic stack spec
// §4.3 requires: P-256 ECDH keypairs, private-key JWK export/import,
// HKDF-SHA256 derivation, AES-128-GCM decryption, RFC 8188 record
// parsing and padding removal, and VAPID Authorization verification.
//
// The HKDF/GCM derivation is ported from the teacher's
// rfc8291/rfc8291.go, generalized to decrypt-only use with the field
// validation spec §4.3 requires and the teacher's Unmarshal does not
// enforce (idlen must equal 65, every field must be long enough).
package wpcrypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/bitwarden/autopush-manager/b64"
)

// AuthSecretLen is the fixed length of a Web Push auth secret (spec §3).
const AuthSecretLen = 16

// KeyPair is a P-256 ECDH keypair used as a subscription's local key.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateECKeys creates a fresh P-256 ECDH keypair.
func GenerateECKeys() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("wpcrypto: generate ec key: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// RandomBytes delegates to b64.RandomBytes; exported here so callers
// (subscription, for the auth secret) can draw key material from the
// package spec §4.3 groups under "Crypto".
func RandomBytes(n int) ([]byte, error) {
	return b64.RandomBytes(n)
}

// PublicKeyBytes returns the uncompressed 65-byte P-256 public point
// (0x04 || X || Y) that is the p256dh value on the wire.
func (k *KeyPair) PublicKeyBytes() []byte {
	return k.Public.Bytes()
}

// PrivateJWK is the on-wire JSON Web Key for a P-256 private key, with
// the field set spec §6 ("Persisted state layout") names exactly.
type PrivateJWK struct {
	KeyType string   `json:"kty"`
	Curve   string   `json:"crv"`
	D       string   `json:"d"`
	X       string   `json:"x"`
	Y       string   `json:"y"`
	Ext     bool     `json:"ext"`
	KeyOps  []string `json:"key_ops"`
}

// ExportPrivateJWK serializes pair's private scalar and public
// coordinates into the persisted JWK shape.
func ExportPrivateJWK(pair *KeyPair) *PrivateJWK {
	pub := pair.Public.Bytes() // 0x04 || X(32) || Y(32)
	x, y := pub[1:33], pub[33:65]
	return &PrivateJWK{
		KeyType: "EC",
		Curve:   "P-256",
		D:       b64.URLEncode(pair.Private.Bytes()),
		X:       b64.URLEncode(x),
		Y:       b64.URLEncode(y),
		Ext:     true,
		KeyOps:  []string{"deriveKey", "deriveBits"},
	}
}

// ParsePrivateJWK reconstructs a KeyPair from its persisted JWK. A nil
// input returns a nil pair and a nil error (spec: "returns null for
// null input"); malformed key material is the only failure mode.
func ParsePrivateJWK(jwk *PrivateJWK) (*KeyPair, error) {
	if jwk == nil {
		return nil, nil
	}
	d, err := b64.URLDecode(jwk.D)
	if err != nil {
		return nil, fmt.Errorf("wpcrypto: decode jwk.d: %w", err)
	}
	priv, err := ecdh.P256().NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("wpcrypto: invalid private key: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ParsePublicKey loads a 65-byte uncompressed P-256 public point.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("wpcrypto: invalid public key: %w", err)
	}
	return pub, nil
}
