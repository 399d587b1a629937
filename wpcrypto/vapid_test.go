package wpcrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitwarden/autopush-manager/b64"
)

// uncompressedPoint renders an ECDSA public key the way Web Push keys
// are always represented on the wire: 0x04 || X(32) || Y(32).
func uncompressedPoint(pub *ecdsa.PublicKey) []byte {
	return elliptic.Marshal(pub.Curve, pub.X, pub.Y)
}

func signVAPID(t *testing.T, priv *ecdsa.PrivateKey, pubBytes []byte) string {
	t.Helper()
	claims := jwt.MapClaims{"aud": "https://push.example.com", "sub": "mailto:ops@example.com"}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return fmt.Sprintf("vapid t=%s, k=%s", signed, b64.URLEncode(pubBytes))
}

func TestVerifyVAPIDAuthValid(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pubBytes := uncompressedPoint(&priv.PublicKey)

	header := signVAPID(t, priv, pubBytes)

	ok, err := VerifyVAPIDAuth(header, pubBytes)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyVAPIDAuthKeyMismatch(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pubBytes := uncompressedPoint(&priv.PublicKey)
	header := signVAPID(t, priv, pubBytes)

	other, err := GenerateECKeys()
	require.NoError(t, err)

	ok, err := VerifyVAPIDAuth(header, other.PublicKeyBytes())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyVAPIDAuthMalformedHeader(t *testing.T) {
	ok, err := VerifyVAPIDAuth("not a vapid header", []byte("whatever"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyVAPIDAuthTamperedSignature(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pubBytes := uncompressedPoint(&priv.PublicKey)
	header := signVAPID(t, priv, pubBytes)
	// The JWT's signature segment ends right before the ", k=" separator.
	sigEnd := strings.Index(header, ",")
	require.Greater(t, sigEnd, 4)
	header = header[:sigEnd-4] + "abcd" + header[sigEnd:]

	ok, err := VerifyVAPIDAuth(header, pubBytes)
	require.NoError(t, err)
	assert.False(t, ok)
}
