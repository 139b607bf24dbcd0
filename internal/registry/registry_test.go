package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/signing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	priv, pub, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	store := NewStore(t.TempDir(), priv, pub, "key-2026-01", testLogger())
	return store, priv, pub
}

func testPayload(t *testing.T, key string) CredentialPayload {
	t.Helper()
	p, err := BuildPayload(PayloadInput{
		LicenseKey: key,
		Tier:       TierPaid,
		IsFounder:  true,
		EmailHash:  signing.HashEmail("user@example.com"),
		Issued:     time.Date(2026, 2, 3, 4, 5, 6, 789, time.UTC),
	})
	require.NoError(t, err)
	return p
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already normalized", "KM-AAAA-BBBB-CCCC-DDDD", "KM-AAAA-BBBB-CCCC-DDDD"},
		{"lower case", "km-aaaa-bbbb-cccc-dddd", "KM-AAAA-BBBB-CCCC-DDDD"},
		{"surrounding space", "  KM-AAAA-BBBB-CCCC-DDDD ", "KM-AAAA-BBBB-CCCC-DDDD"},
		{"bare body", "KMAAAABBBBCCCCDDDD", "KM-AAAA-BBBB-CCCC-DDDD"},
		{"spaced groups", "KM AAAA BBBB CCCC DDDD", "KM-AAAA-BBBB-CCCC-DDDD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeKey(tt.in))
		})
	}
}

func TestValidateKeyFormat(t *testing.T) {
	assert.NoError(t, ValidateKeyFormat("KM-AAAA-2345-CCCC-DDDD"))
	assert.ErrorIs(t, ValidateKeyFormat("KM-AAAA-BBBB-CCCC"), ErrInvalidKeyFormat)
	assert.ErrorIs(t, ValidateKeyFormat("XX-AAAA-BBBB-CCCC-DDDD"), ErrInvalidKeyFormat)
	// 0 and 1 are outside the base32 alphabet.
	assert.ErrorIs(t, ValidateKeyFormat("KM-0000-1111-CCCC-DDDD"), ErrInvalidKeyFormat)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("paid")
	require.NoError(t, err)
	assert.Equal(t, TierPaid, tier)

	_, err = ParseTier("ENTERPRISE")
	assert.ErrorIs(t, err, ErrInvalidTier)
	_, err = ParseTier("")
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestBuildPayloadNormalizes(t *testing.T) {
	issued := time.Date(2026, 2, 3, 4, 5, 6, 999999999, time.FixedZone("x", 3600))
	p, err := BuildPayload(PayloadInput{
		LicenseKey: "km-aaaa-bbbb-cccc-dddd",
		Tier:       TierFree,
		Issued:     issued,
	})
	require.NoError(t, err)
	assert.Equal(t, "KM-AAAA-BBBB-CCCC-DDDD", p.LicenseKey)
	assert.Equal(t, time.UTC, p.Issued.Location())
	assert.Zero(t, p.Issued.Nanosecond())

	_, err = BuildPayload(PayloadInput{LicenseKey: "bogus", Tier: TierFree, Issued: issued})
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)

	_, err = BuildPayload(PayloadInput{LicenseKey: "KM-AAAA-BBBB-CCCC-DDDD", Tier: "GOLD", Issued: issued})
	assert.ErrorIs(t, err, ErrInvalidTier)
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, priv, _ := newTestStore(t)
	ctx := context.Background()

	reg := NewRegistry("key-2026-01", time.Now())
	payload := testPayload(t, "KM-AAAA-BBBB-CCCC-DDDD")
	sig, err := SignPayload(payload, priv)
	require.NoError(t, err)
	reg.Entries[payload.LicenseKey] = Entry{
		CredentialPayload: payload,
		CustomerID:        "cus_123",
		SubscriptionID:    "sub_456",
		Status:            StatusActive,
		Signature:         sig,
		KeyID:             "key-2026-01",
	}

	require.NoError(t, store.Save(ctx, TargetPrivate, reg))

	loaded, err := store.Load(ctx, TargetPrivate)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Metadata.TotalLicenses)
	assert.Equal(t, "cus_123", loaded.Entries[payload.LicenseKey].CustomerID)

	ok, err := VerifyEntry(loaded.Entries[payload.LicenseKey], store.publicKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreLoadNotFound(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Load(context.Background(), TargetPrivate)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreLoadRejectsTampering(t *testing.T) {
	store, priv, _ := newTestStore(t)
	ctx := context.Background()

	reg := NewRegistry("key-2026-01", time.Now())
	payload := testPayload(t, "KM-AAAA-BBBB-CCCC-DDDD")
	sig, err := SignPayload(payload, priv)
	require.NoError(t, err)
	reg.Entries[payload.LicenseKey] = Entry{
		CredentialPayload: payload,
		Status:            StatusActive,
		Signature:         sig,
		KeyID:             "key-2026-01",
	}
	require.NoError(t, store.Save(ctx, TargetPrivate, reg))

	// Mutate an entry field on disk without resealing.
	path := store.Path(TargetPrivate)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	var entries map[string]map[string]any
	require.NoError(t, json.Unmarshal(doc["entries"], &entries))
	entries[payload.LicenseKey]["tier"] = "PAID2"
	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	doc["entries"] = raw
	tampered, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = store.Load(ctx, TargetPrivate)
	assert.ErrorIs(t, err, ErrRegistryIntegrity)
}

func TestStoreLoadRejectsGarbage(t *testing.T) {
	store, _, _ := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path(TargetPrivate)), 0o755))
	require.NoError(t, os.WriteFile(store.Path(TargetPrivate), []byte("not json"), 0o600))

	_, err := store.Load(context.Background(), TargetPrivate)
	assert.ErrorIs(t, err, ErrRegistryIntegrity)
}

func TestDerivePublicRedactsAllEntries(t *testing.T) {
	store, priv, pub := newTestStore(t)
	ctx := context.Background()

	reg := NewRegistry("key-2026-01", time.Now())
	keys := []string{"KM-AAAA-BBBB-CCCC-DDDD", "KM-EEEE-FFFF-GGGG-HHHH", "KM-IIII-JJJJ-KKKK-LLLL"}
	for i, key := range keys {
		payload := testPayload(t, key)
		sig, err := SignPayload(payload, priv)
		require.NoError(t, err)
		entry := Entry{
			CredentialPayload: payload,
			CustomerID:        "cus_" + key,
			SubscriptionID:    "sub_" + key,
			Status:            StatusActive,
			Signature:         sig,
			KeyID:             "key-2026-01",
		}
		if i == 1 {
			now := time.Now().UTC().Truncate(time.Second)
			entry.Status = StatusCanceled
			entry.CanceledAt = &now
		}
		reg.Entries[key] = entry
	}
	require.NoError(t, store.Save(ctx, TargetPrivate, reg))

	public, err := store.DerivePublic(reg)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, TargetPublic, public))

	loaded, err := store.Load(ctx, TargetPublic)
	require.NoError(t, err)
	require.Len(t, loaded.Entries, len(keys))

	for key, entry := range loaded.Entries {
		assert.Empty(t, entry.CustomerID, "customerId leaked for %s", key)
		assert.Empty(t, entry.SubscriptionID, "subscriptionId leaked for %s", key)
		assert.NotEmpty(t, entry.EmailHash)
		ok, err := VerifyEntry(entry, pub)
		require.NoError(t, err)
		assert.True(t, ok, "public entry signature must verify for %s", key)
	}
	// Raw document must not contain the identifiers anywhere.
	data, err := os.ReadFile(store.Path(TargetPublic))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "cus_")
	assert.NotContains(t, string(data), "sub_")
	assert.NotContains(t, string(data), "customerId")

	// Cancellation status survives redaction.
	assert.Equal(t, StatusCanceled, loaded.Entries[keys[1]].Status)
}

func TestVerifyDocumentRejectsWrongKey(t *testing.T) {
	store, priv, _ := newTestStore(t)
	_, otherPub, err := signing.GenerateKeyPair()
	require.NoError(t, err)

	reg := NewRegistry("key-2026-01", time.Now())
	payload := testPayload(t, "KM-AAAA-BBBB-CCCC-DDDD")
	sig, err := SignPayload(payload, priv)
	require.NoError(t, err)
	reg.Entries[payload.LicenseKey] = Entry{CredentialPayload: payload, Status: StatusActive, Signature: sig, KeyID: "k"}
	require.NoError(t, store.Seal(reg))

	err = VerifyDocument(reg, otherPub)
	assert.ErrorIs(t, err, ErrRegistryIntegrity)
}

func TestPrivateFilePermissions(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, TargetPrivate, NewRegistry("k", time.Now())))

	info, err := os.Stat(store.Path(TargetPrivate))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "KM-AAAA-****-****-DDDD", MaskKey("KM-AAAA-BBBB-CCCC-DDDD"))
	assert.Equal(t, "****", MaskKey("garbage"))
	assert.Equal(t, "", MaskKey(""))
}
