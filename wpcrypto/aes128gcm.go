package wpcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/hkdf"
)

const (
	saltLen       = 16
	recordSizeLen = 4
	keyIDLen      = 65 // uncompressed P-256 point: 0x04 || X(32) || Y(32)
	headerLen     = saltLen + recordSizeLen + 1 + keyIDLen

	ikmLen   = 32
	cekLen   = 16
	nonceLen = 12
)

// RecordHeader is the parsed RFC 8188 aes128gcm record header (spec
// §4.3 step 1): salt || record size || idlen || sender public key,
// followed by the ciphertext.
type RecordHeader struct {
	Salt           []byte
	RecordSize     uint32
	SenderPublicID []byte // always 65 bytes; idlen != 65 is a hard failure
	Ciphertext     []byte
}

// ParseRecordHeader splits an aes128gcm record into its header fields
// and trailing ciphertext, enforcing the fixed key-id length and
// minimum lengths spec §4.3 requires but the teacher's Unmarshal never
// checked.
func ParseRecordHeader(record []byte) (*RecordHeader, error) {
	if len(record) < saltLen+recordSizeLen+1 {
		return nil, fmt.Errorf("wpcrypto: record too short for header")
	}
	salt := record[0:saltLen]
	rs := binary.BigEndian.Uint32(record[saltLen : saltLen+recordSizeLen])
	idlen := int(record[saltLen+recordSizeLen])
	if idlen != keyIDLen {
		return nil, fmt.Errorf("wpcrypto: unexpected keyid length %d, want %d", idlen, keyIDLen)
	}
	if len(record) < headerLen {
		return nil, fmt.Errorf("wpcrypto: record too short for keyid")
	}
	senderKey := record[saltLen+recordSizeLen+1 : headerLen]
	ciphertext := record[headerLen:]
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("wpcrypto: record has no ciphertext")
	}
	return &RecordHeader{
		Salt:           salt,
		RecordSize:     rs,
		SenderPublicID: senderKey,
		Ciphertext:     ciphertext,
	}, nil
}

// LocalKey is the recipient side of a Web Push subscription: the
// subscription's ECDH keypair plus its 16-byte auth secret.
type LocalKey struct {
	Pair       *KeyPair
	AuthSecret []byte
}

// DecryptPrep is the output of the RFC 8291 key derivation (spec §4.3
// step 2-5): the content-encryption key, nonce, and the still-encrypted
// payload ready for AES-128-GCM.
type DecryptPrep struct {
	CEK        []byte
	Nonce      []byte
	Ciphertext []byte
}

// WebPushDecryptPrep runs the full RFC 8291 derivation over a raw
// aes128gcm record: parse the header, compute the ECDH shared secret
// between the local private key and the sender's embedded public key,
// then HKDF-Extract/Expand twice (IKM, then CEK and nonce) exactly as
// spec §4.3 lists the five steps.
func WebPushDecryptPrep(local *LocalKey, record []byte) (*DecryptPrep, error) {
	if len(local.AuthSecret) != AuthSecretLen {
		return nil, fmt.Errorf("wpcrypto: auth secret must be %d bytes", AuthSecretLen)
	}

	header, err := ParseRecordHeader(record)
	if err != nil {
		return nil, err
	}

	senderKey, err := ParsePublicKey(header.SenderPublicID)
	if err != nil {
		return nil, fmt.Errorf("wpcrypto: sender public key: %w", err)
	}

	ecdhSecret, err := local.Pair.Private.ECDH(senderKey)
	if err != nil {
		return nil, fmt.Errorf("wpcrypto: ecdh: %w", err)
	}

	ikm, err := deriveIKM(local.AuthSecret, ecdhSecret, local.Pair.Public, senderKey)
	if err != nil {
		return nil, err
	}

	cek, nonce, err := deriveCEKAndNonce(ikm, header.Salt)
	if err != nil {
		return nil, err
	}

	return &DecryptPrep{CEK: cek, Nonce: nonce, Ciphertext: header.Ciphertext}, nil
}

// deriveIKM implements spec §4.3 step 3:
// IKM = HKDF-Expand(HKDF-Extract(auth_secret, shared_secret),
// "WebPush: info\0" || recipient_pub || sender_pub, 32).
func deriveIKM(authSecret, ecdhSecret []byte, recipientPub, senderPub *ecdh.PublicKey) ([]byte, error) {
	prk := hkdf.Extract(newHash, ecdhSecret, authSecret)
	info := append([]byte("WebPush: info\x00"), recipientPub.Bytes()...)
	info = append(info, senderPub.Bytes()...)

	ikm := make([]byte, ikmLen)
	if _, err := readFullHKDF(hkdf.Expand(newHash, prk, info), ikm); err != nil {
		return nil, fmt.Errorf("wpcrypto: derive ikm: %w", err)
	}
	return ikm, nil
}

// deriveCEKAndNonce implements spec §4.3 steps 4-5.
func deriveCEKAndNonce(ikm, salt []byte) (cek, nonce []byte, err error) {
	prk := hkdf.Extract(newHash, ikm, salt)

	cek = make([]byte, cekLen)
	if _, err := readFullHKDF(hkdf.Expand(newHash, prk, []byte("Content-Encoding: aes128gcm\x00")), cek); err != nil {
		return nil, nil, fmt.Errorf("wpcrypto: derive cek: %w", err)
	}

	nonce = make([]byte, nonceLen)
	if _, err := readFullHKDF(hkdf.Expand(newHash, prk, []byte("Content-Encoding: nonce\x00")), nonce); err != nil {
		return nil, nil, fmt.Errorf("wpcrypto: derive nonce: %w", err)
	}

	return cek, nonce, nil
}

// AESGCMDecrypt performs the AES-128-GCM decryption step (spec §4.3):
// the caller has already separated key/nonce via WebPushDecryptPrep;
// additional data is empty and the tag is the trailing 16 bytes of
// ciphertext, both handled internally by cipher.AEAD.Open.
func AESGCMDecrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wpcrypto: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wpcrypto: gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("wpcrypto: gcm open: %w", err)
	}
	return plaintext, nil
}

// RemovePadding strips the RFC 8188 padding delimiter (spec §4.3): scan
// from the end, skip trailing zero bytes, then require the next byte to
// equal 0x02 for the last (or only) record and 0x01 otherwise. A
// block that is all zeros, or whose delimiter doesn't match, is a hard
// failure — it means the record was truncated or authenticated against
// the wrong key.
func RemovePadding(decrypted []byte, isLastRecord bool) ([]byte, error) {
	want := byte(0x01)
	if isLastRecord {
		want = 0x02
	}

	i := len(decrypted)
	for i > 0 && decrypted[i-1] == 0x00 {
		i--
	}
	if i == 0 {
		return nil, fmt.Errorf("wpcrypto: decrypted record is all zeros")
	}
	if decrypted[i-1] != want {
		return nil, fmt.Errorf("wpcrypto: unexpected padding delimiter 0x%02x, want 0x%02x", decrypted[i-1], want)
	}
	return decrypted[:i-1], nil
}
