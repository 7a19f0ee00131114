package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"
)

// NonceSize is the size, in bytes, of the random nonce prepended to every
// AES-256-GCM-encrypted frame payload.
const NonceSize = 12

// Magic is the 4-byte marker every decrypted post-handshake plaintext must
// begin with.
var Magic = [4]byte{'S', 'K', 'N', 'T'}

// symmetricKeySize is the length, in bytes, of the AES-256 session key
// embedded in the ECIES handshake plaintext.
const symmetricKeySize = 32

// compressedPubKeyLen is the length of a compressed secp256k1 public key.
const compressedPubKeyLen = 33

// GenerateKeyPair returns a fresh secp256k1 secret key and its compressed
// public key, as used for a Settings.certificate rotation.
func GenerateKeyPair() (secretKey []byte, publicKey []byte, err error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("wire: generate key pair: %w", err)
	}
	return priv.Serialize(), priv.PubKey().SerializeCompressed(), nil
}

// PublicKeyFromSecret derives the compressed public key for a secp256k1
// secret key, e.g. to answer GET /settings/certificate.
func PublicKeyFromSecret(secretKey []byte) ([]byte, error) {
	priv, _ := btcec.PrivKeyFromBytes(secretKey)
	if priv == nil {
		return nil, fmt.Errorf("wire: invalid secret key")
	}
	return priv.PubKey().SerializeCompressed(), nil
}

// eciesSharedKey derives the AES-256 key used to wrap an ECIES message from
// an ECDH shared point, via HKDF-SHA256 with no salt or info — the key
// derivation is a function purely of the shared secret (one key, one
// purpose).
func eciesSharedKey(sharedX []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, sharedX, nil, nil)
	key := make([]byte, symmetricKeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("wire: hkdf: %w", err)
	}
	return key, nil
}

// EciesEncrypt encrypts plaintext for the holder of secretKey, producing a
// self-contained ciphertext: an ephemeral compressed public key, a random
// 12-byte nonce, and the AES-256-GCM sealed plaintext. Used by the agent
// side of the handshake (and by tests acting as a fake agent peer) — the
// server only ever calls EciesDecrypt.
func EciesEncrypt(recipientPubKey []byte, plaintext []byte) ([]byte, error) {
	pub, err := btcec.ParsePubKey(recipientPubKey)
	if err != nil {
		return nil, fmt.Errorf("wire: parse recipient public key: %w", err)
	}

	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("wire: generate ephemeral key: %w", err)
	}

	shared := sharedX(ephemeral, pub)
	key, err := eciesSharedKey(shared)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("wire: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, compressedPubKeyLen+NonceSize+len(sealed))
	out = append(out, ephemeral.PubKey().SerializeCompressed()...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// EciesDecrypt decrypts a ciphertext produced by EciesEncrypt using the
// server's secp256k1 secret key. This is the pre-handshake decrypt path.
func EciesDecrypt(secretKey []byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < compressedPubKeyLen+NonceSize {
		return nil, fmt.Errorf("wire: ecies ciphertext too short")
	}

	priv, _ := btcec.PrivKeyFromBytes(secretKey)
	if priv == nil {
		return nil, fmt.Errorf("wire: invalid server secret key")
	}

	ephemeralPub, err := btcec.ParsePubKey(ciphertext[:compressedPubKeyLen])
	if err != nil {
		return nil, fmt.Errorf("wire: parse ephemeral public key: %w", err)
	}

	shared := sharedX(priv, ephemeralPub)
	key, err := eciesSharedKey(shared)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[compressedPubKeyLen : compressedPubKeyLen+NonceSize]
	sealed := ciphertext[compressedPubKeyLen+NonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: ecies decrypt: %w", err)
	}
	return plaintext, nil
}

// sharedX computes the x-coordinate of priv*pub — the ECDH shared secret —
// as raw big-endian bytes.
func sharedX(priv *btcec.PrivateKey, pub *btcec.PublicKey) []byte {
	var point btcec.JacobianPoint
	pub.AsJacobian(&point)
	var result btcec.JacobianPoint
	btcec.ScalarMultNonConst(&priv.Key, &point, &result)
	result.ToAffine()
	xBytes := result.X.Bytes()
	return xBytes[:]
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("wire: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wire: gcm: %w", err)
	}
	return gcm, nil
}

// SessionCipher holds the AES-256-GCM key negotiated for one connection and
// encrypts/decrypts post-handshake frame payloads.
type SessionCipher struct {
	gcm cipher.AEAD
}

// NewSessionCipher builds a SessionCipher from the 32-byte symmetric key
// extracted from the handshake plaintext.
func NewSessionCipher(key []byte) (*SessionCipher, error) {
	if len(key) != symmetricKeySize {
		return nil, fmt.Errorf("wire: session key must be %d bytes, got %d", symmetricKeySize, len(key))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &SessionCipher{gcm: gcm}, nil
}

// Seal encrypts magic+plaintext into a frame payload: nonce(12) | ciphertext.
func (s *SessionCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("wire: generate nonce: %w", err)
	}
	withMagic := make([]byte, 0, len(Magic)+len(plaintext))
	withMagic = append(withMagic, Magic[:]...)
	withMagic = append(withMagic, plaintext...)

	sealed := s.gcm.Seal(nil, nonce, withMagic, nil)
	out := make([]byte, 0, NonceSize+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open decrypts a frame payload of the form nonce(12) | ciphertext and
// strips the magic prefix, returning the protobuf-encoded Message bytes.
func (s *SessionCipher) Open(framePayload []byte) ([]byte, error) {
	if len(framePayload) < NonceSize {
		return nil, fmt.Errorf("wire: encrypted payload shorter than nonce")
	}
	nonce := framePayload[:NonceSize]
	sealed := framePayload[NonceSize:]

	plaintext, err := s.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("wire: aead open: %w", err)
	}
	if len(plaintext) < len(Magic) || [4]byte(plaintext[:4]) != Magic {
		return nil, ErrBadMagic
	}
	return plaintext[len(Magic):], nil
}

// ParseHandshakePlaintext splits a decrypted ECIES payload into the
// session's AES-256 key and the agent's UTF-8 uid: the first 32 bytes are
// the key, the remainder is the uid.
func ParseHandshakePlaintext(plaintext []byte) (key []byte, uid string, err error) {
	if len(plaintext) <= symmetricKeySize {
		return nil, "", ErrShortHandshakePlaintext
	}
	return plaintext[:symmetricKeySize], string(plaintext[symmetricKeySize:]), nil
}

// BuildHandshakePlaintext is the inverse of ParseHandshakePlaintext, used by
// the agent side (and test peers) to build the plaintext wrapped by
// EciesEncrypt.
func BuildHandshakePlaintext(key []byte, uid string) []byte {
	out := make([]byte, 0, len(key)+len(uid))
	out = append(out, key...)
	out = append(out, uid...)
	return out
}
