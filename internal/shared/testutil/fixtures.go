package testutil

import (
	"context"
	"testing"
	"time"

	"keymint/internal/registry"
	"keymint/internal/signing"
)

// Keys is a generated signing key pair for tests.
type Keys struct {
	Private string
	Public  string
	KeyID   string
}

// GenerateKeys creates a fresh Ed25519 key pair fixture.
func GenerateKeys(t *testing.T) Keys {
	t.Helper()
	priv, pub, err := signing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}
	return Keys{Private: priv, Public: pub, KeyID: "key-test"}
}

// NewStore creates a registry store in a test temp directory.
func NewStore(t *testing.T, keys Keys) *registry.Store {
	t.Helper()
	logger, _ := NewTestLogger(t)
	return registry.NewStore(t.TempDir(), keys.Private, keys.Public, keys.KeyID, logger)
}

// SignedEntry builds and signs a registry entry for the given key.
func SignedEntry(t *testing.T, keys Keys, licenseKey, email string, tier registry.Tier) registry.Entry {
	t.Helper()
	emailHash := ""
	if email != "" {
		emailHash = signing.HashEmail(email)
	}
	payload, err := registry.BuildPayload(registry.PayloadInput{
		LicenseKey: licenseKey,
		Tier:       tier,
		EmailHash:  emailHash,
		Issued:     time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("failed to build payload: %v", err)
	}
	sig, err := registry.SignPayload(payload, keys.Private)
	if err != nil {
		t.Fatalf("failed to sign payload: %v", err)
	}
	return registry.Entry{
		CredentialPayload: payload,
		Status:            registry.StatusActive,
		Signature:         sig,
		KeyID:             keys.KeyID,
	}
}

// SeedRegistry saves a private registry containing the given entries and
// derives the public variant alongside it.
func SeedRegistry(t *testing.T, store *registry.Store, keys Keys, entries ...registry.Entry) *registry.Registry {
	t.Helper()
	reg := registry.NewRegistry(keys.KeyID, time.Now())
	for _, entry := range entries {
		reg.Entries[entry.LicenseKey] = entry
	}
	ctx := context.Background()
	if err := store.Save(ctx, registry.TargetPrivate, reg); err != nil {
		t.Fatalf("failed to save private registry: %v", err)
	}
	public, err := store.DerivePublic(reg)
	if err != nil {
		t.Fatalf("failed to derive public registry: %v", err)
	}
	if err := store.Save(ctx, registry.TargetPublic, public); err != nil {
		t.Fatalf("failed to save public registry: %v", err)
	}
	return reg
}
