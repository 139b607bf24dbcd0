// Package registry defines the signed license registry: the credential
// payload that gets signed for each license, the registry document with
// its private (PII-bearing) and public (redacted) variants, and the store
// that persists and verifies them.
package registry

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"keymint/internal/canonical"
	"keymint/internal/signing"
)

// Tier is the closed set of license tiers. Feature resolution switches
// exhaustively over this type; adding a tier is a compile-time-visible
// change.
type Tier string

const (
	TierFree Tier = "FREE"
	TierPaid Tier = "PAID"
)

// ParseTier validates a tier string. Unknown values fail with
// ErrInvalidTier rather than defaulting; silent tier inference is a
// monetization bug class this system must not reintroduce.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, nil
	case TierPaid:
		return TierPaid, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
}

// License key format: KM-XXXX-XXXX-XXXX-XXXX over the base32 alphabet.
const (
	KeyPrefix     = "KM"
	keyBodyLength = 16
)

var keyPattern = regexp.MustCompile(`^KM-[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}-[A-Z2-7]{4}$`)

// NormalizeKey trims, upper-cases, and re-hyphenates a license key. Bare
// bodies ("KMAAAA...") pasted without dashes are accepted and reformatted.
func NormalizeKey(raw string) string {
	key := strings.ToUpper(strings.TrimSpace(raw))
	bare := strings.NewReplacer("-", "", " ", "").Replace(key)
	if strings.HasPrefix(bare, KeyPrefix) && len(bare) == len(KeyPrefix)+keyBodyLength {
		body := bare[len(KeyPrefix):]
		return fmt.Sprintf("%s-%s-%s-%s-%s",
			KeyPrefix, body[0:4], body[4:8], body[8:12], body[12:16])
	}
	return key
}

// ValidateKeyFormat checks a normalized key against the structural pattern.
func ValidateKeyFormat(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKeyFormat, MaskKey(key))
	}
	return nil
}

// CredentialPayload is the exact field set that gets signed for one
// license. No other field may participate in the signed bytes, and the
// bytes themselves come from canonical.Encode so field order can never
// change the signature.
type CredentialPayload struct {
	LicenseKey string    `json:"licenseKey"`
	Tier       Tier      `json:"tier"`
	IsFounder  bool      `json:"isFounder"`
	EmailHash  string    `json:"emailHash"`
	Issued     time.Time `json:"issued"`
}

// CanonicalBytes returns the deterministic byte encoding of the payload.
func (p CredentialPayload) CanonicalBytes() ([]byte, error) {
	return canonical.Encode(p)
}

// SignPayload signs the canonical payload bytes with a base64 private key.
func SignPayload(p CredentialPayload, privateKey string) (string, error) {
	data, err := p.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return signing.Sign(data, privateKey)
}

// VerifyPayload verifies a payload signature against a base64 public key.
func VerifyPayload(p CredentialPayload, signature, publicKey string) (bool, error) {
	data, err := p.CanonicalBytes()
	if err != nil {
		return false, err
	}
	return signing.Verify(data, signature, publicKey)
}

// Entry lifecycle states. Cancellation is operational metadata, not
// cryptographic revocation; the signature stays valid.
const (
	StatusActive   = "active"
	StatusCanceled = "canceled"
)

// Entry is one license in the registry. CustomerID and SubscriptionID are
// operational metadata outside the trust contract: the signature covers
// the embedded CredentialPayload only, and both fields are stripped from
// the public variant.
type Entry struct {
	CredentialPayload
	CustomerID     string     `json:"customerId,omitempty"`
	SubscriptionID string     `json:"subscriptionId,omitempty"`
	Status         string     `json:"status"`
	CanceledAt     *time.Time `json:"canceledAt,omitempty"`
	Signature      string     `json:"signature"`
	KeyID          string     `json:"keyId"`
}

// Payload extracts the signed subset of the entry.
func (e Entry) Payload() CredentialPayload {
	return e.CredentialPayload
}

// Metadata carries the aggregate integrity fields of a registry document.
type Metadata struct {
	Version           string    `json:"version"`
	Created           time.Time `json:"created"`
	LastUpdate        time.Time `json:"lastUpdate"`
	Algorithm         string    `json:"algorithm"`
	KeyID             string    `json:"keyId"`
	RegistrySignature string    `json:"registrySignature"`
	Hash              string    `json:"hash"`
	TotalLicenses     int       `json:"totalLicenses"`
}

// Registry is the signed document mapping license keys to entries. The
// same shape serves the private and public variants; the public one simply
// never carries customer-identifying fields.
type Registry struct {
	Metadata Metadata         `json:"_metadata"`
	Entries  map[string]Entry `json:"entries"`
}

// SchemaVersion is written into new registry documents.
const SchemaVersion = "1"

// NewRegistry returns an empty, unsealed registry document.
func NewRegistry(keyID string, now time.Time) *Registry {
	return &Registry{
		Metadata: Metadata{
			Version:   SchemaVersion,
			Created:   now.UTC().Truncate(time.Second),
			Algorithm: signing.Algorithm,
			KeyID:     keyID,
		},
		Entries: make(map[string]Entry),
	}
}

// MaskKey redacts the middle groups of a license key for logs and status
// reporting. Anything that does not look like a full key is blanked
// entirely rather than partially leaked.
func MaskKey(key string) string {
	normalized := NormalizeKey(key)
	if keyPattern.MatchString(normalized) {
		parts := strings.Split(normalized, "-")
		return parts[0] + "-" + parts[1] + "-****-****-" + parts[4]
	}
	if len(key) == 0 {
		return ""
	}
	return "****"
}
