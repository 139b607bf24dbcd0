// Package signing provides the asymmetric signing primitives for license
// credentials: Ed25519 sign/verify over canonical bytes, constant-time
// comparison for hashes and tokens, and one-way email hashing.
//
// Keys and signatures travel as standard base64 strings. Verification
// failure for a well-formed signature is reported as (false, nil);
// structurally invalid input (bad key encoding, wrong length) is reported
// as a typed error so callers can distinguish "forged or corrupted" from
// "misconfigured".
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Algorithm identifies the signature scheme in registry metadata.
const Algorithm = "ed25519"

var (
	// ErrInvalidKey indicates a key that could not be decoded or has the
	// wrong length for Ed25519.
	ErrInvalidKey = errors.New("signing: invalid key encoding")

	// ErrInvalidSignature indicates signature bytes that could not be
	// decoded or have the wrong length. A decodable-but-wrong signature is
	// not an error; Verify returns false for it.
	ErrInvalidSignature = errors.New("signing: malformed signature")
)

// GenerateKeyPair creates a new Ed25519 key pair, base64 encoded.
func GenerateKeyPair() (privateKey, publicKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("signing: generate key pair: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv),
		base64.StdEncoding.EncodeToString(pub), nil
}

// DecodePrivateKey decodes a base64 Ed25519 private key.
func DecodePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d",
			ErrInvalidKey, len(raw), ed25519.PrivateKeySize)
	}
	return ed25519.PrivateKey(raw), nil
}

// DecodePublicKey decodes a base64 Ed25519 public key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes, want %d",
			ErrInvalidKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Sign signs payload with a base64-encoded private key and returns the
// base64-encoded signature.
func Sign(payload []byte, privateKey string) (string, error) {
	priv, err := DecodePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, payload)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64-encoded signature over payload against a
// base64-encoded public key. A wrong-but-well-formed signature yields
// (false, nil); malformed inputs yield a typed error.
func Verify(payload []byte, signature, publicKey string) (bool, error) {
	pub, err := DecodePublicKey(publicKey)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: signature is %d bytes, want %d",
			ErrInvalidSignature, len(sig), ed25519.SignatureSize)
	}
	return ed25519.Verify(pub, payload, sig), nil
}

// ConstantTimeEqual compares two strings without leaking content or the
// position of the first difference through timing. Both inputs are copied
// into equal-size buffers so the comparison always runs to full length; a
// separate length-equality flag is folded in at the end instead of
// returning early on mismatched lengths.
func ConstantTimeEqual(a, b string) bool {
	size := len(a)
	if len(b) > size {
		size = len(b)
	}
	if size == 0 {
		return true
	}

	bufA := make([]byte, size)
	bufB := make([]byte, size)
	copy(bufA, a)
	copy(bufB, b)

	contentEq := subtle.ConstantTimeCompare(bufA, bufB)
	lengthEq := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	return contentEq&lengthEq == 1
}

// HashEmail returns the hex SHA-256 of the normalized (trimmed,
// lower-cased) address. Only this hash is ever stored or signed; the
// plaintext address never enters a credential payload.
func HashEmail(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
