package wpcrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"math/big"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bitwarden/autopush-manager/b64"
)

// VerifyVAPIDAuth checks an `Authorization: vapid t=<jwt>, k=<pub>`
// header (spec §4.3): the embedded public key must match
// expectedVapidPublicKey, and the JWT must carry a valid ES256
// signature over header.body. Every failure, a shape violation or an
// invalid signature alike, returns false with a nil error; the error
// result is always nil.
//
// Per spec §9 this hook is presently never called from the
// notification path — VAPID verification is disabled pending deployment
// policy — but is implemented and tested standalone.
func VerifyVAPIDAuth(header string, expectedVapidPublicKey []byte) (bool, error) {
	tokens := strings.Fields(header)
	if len(tokens) != 3 || tokens[0] != "vapid" {
		return false, nil
	}

	var rawJWT, rawKey string
	for _, tok := range tokens[1:] {
		tok = strings.TrimSuffix(tok, ",")
		switch {
		case strings.HasPrefix(tok, "t="):
			rawJWT = strings.TrimPrefix(tok, "t=")
		case strings.HasPrefix(tok, "k="):
			rawKey = strings.TrimPrefix(tok, "k=")
		}
	}
	if rawJWT == "" || rawKey == "" {
		return false, nil
	}

	keyBytes, err := b64.URLDecode(rawKey)
	if err != nil || string(keyBytes) != string(expectedVapidPublicKey) {
		return false, nil
	}

	pub, err := ParsePublicKey(expectedVapidPublicKey)
	if err != nil {
		return false, nil
	}
	ecdsaKey, err := toECDSA(pub)
	if err != nil {
		return false, nil
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ES256"}))
	token, err := parser.Parse(rawJWT, func(t *jwt.Token) (any, error) {
		return ecdsaKey, nil
	})
	if err != nil || !token.Valid {
		return false, nil
	}
	return true, nil
}

// toECDSA converts an ecdh.PublicKey's uncompressed point into the
// *ecdsa.PublicKey shape the jwt library's ES256 verifier expects;
// VAPID keys are P-256 points used interchangeably for ECDH and ECDSA.
func toECDSA(pub interface{ Bytes() []byte }) (*ecdsa.PublicKey, error) {
	raw := pub.Bytes()
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, fmt.Errorf("wpcrypto: not an uncompressed P-256 point")
	}
	x := new(big.Int).SetBytes(raw[1:33])
	y := new(big.Int).SetBytes(raw[33:65])
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}
