package registry

import (
	"fmt"
	"time"
)

// PayloadInput carries the raw fields for building a credential payload.
// EmailHash must already be hashed (signing.HashEmail); plaintext email is
// never accepted here so the signed artifact cannot leak PII.
type PayloadInput struct {
	LicenseKey string
	Tier       Tier
	IsFounder  bool
	EmailHash  string
	Issued     time.Time
}

// BuildPayload assembles the exact field set that gets signed for one
// license. Pure: normalizes key casing, validates the structural pattern
// and tier, and truncates the issuance timestamp to UTC seconds so
// canonical bytes never depend on sub-second or zone noise.
func BuildPayload(in PayloadInput) (CredentialPayload, error) {
	key := NormalizeKey(in.LicenseKey)
	if err := ValidateKeyFormat(key); err != nil {
		return CredentialPayload{}, err
	}

	tier, err := ParseTier(string(in.Tier))
	if err != nil {
		return CredentialPayload{}, err
	}

	issued := in.Issued
	if issued.IsZero() {
		return CredentialPayload{}, fmt.Errorf("registry: payload requires an issuance timestamp")
	}

	return CredentialPayload{
		LicenseKey: key,
		Tier:       tier,
		IsFounder:  in.IsFounder,
		EmailHash:  in.EmailHash,
		Issued:     issued.UTC().Truncate(time.Second),
	}, nil
}
