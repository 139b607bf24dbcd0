package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"keymint/internal/canonical"
	"keymint/internal/signing"
)

// Target selects which registry variant a store operation addresses.
type Target string

const (
	TargetPrivate Target = "private"
	TargetPublic  Target = "public"
)

// File names and permissions per variant. The private document carries
// customer identifiers and is owner-readable only.
const (
	privateFileName = "private.json"
	publicFileName  = "public.json"
	privateFileMode = os.FileMode(0o600)
	publicFileMode  = os.FileMode(0o644)
)

// Store persists signed registry documents in a directory and verifies
// them on every read. Writes are whole-document atomic replaces (temp file
// + rename), so concurrent readers observe either the previous or the next
// fully consistent document, never a partial one.
type Store struct {
	dir        string
	privateKey string
	publicKey  string
	keyID      string
	logger     *slog.Logger
	now        func() time.Time
}

// NewStore creates a registry store rooted at dir. The private key is used
// to seal documents on save; the public key verifies on load.
func NewStore(dir, privateKey, publicKey, keyID string, logger *slog.Logger) *Store {
	return &Store{
		dir:        dir,
		privateKey: privateKey,
		publicKey:  publicKey,
		keyID:      keyID,
		logger:     logger.With(slog.String("component", "registry_store")),
		now:        time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Path returns the on-disk location of a registry variant.
func (s *Store) Path(target Target) string {
	if target == TargetPublic {
		return filepath.Join(s.dir, publicFileName)
	}
	return filepath.Join(s.dir, privateFileName)
}

// Load reads and verifies a registry document.
//
// Absence is ErrNotFound (expected on first run); read failures are
// StorageError; any document whose hash or aggregate signature does not
// verify is ErrRegistryIntegrity and must be treated by callers as absent,
// never as valid.
func (s *Store) Load(ctx context.Context, target Target) (*Registry, error) {
	path := s.Path(target)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
		}
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	}

	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		s.logger.WarnContext(ctx, "registry document is not valid JSON",
			slog.String("target", string(target)),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: malformed document: %v", ErrRegistryIntegrity, err)
	}
	if reg.Entries == nil {
		reg.Entries = make(map[string]Entry)
	}

	if err := VerifyDocument(&reg, s.publicKey); err != nil {
		s.logger.WarnContext(ctx, "registry document failed verification",
			slog.String("target", string(target)),
			slog.String("error", err.Error()))
		return nil, err
	}

	return &reg, nil
}

// Save seals and persists a registry document. Hash and aggregate
// signature are recomputed immediately before the write; any storage
// failure surfaces as StorageError with no partial write left behind.
func (s *Store) Save(ctx context.Context, target Target, reg *Registry) error {
	if err := s.Seal(reg); err != nil {
		return err
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal document: %w", err)
	}

	mode := privateFileMode
	if target == TargetPublic {
		mode = publicFileMode
	}

	path := s.Path(target)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return &StorageError{Op: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &StorageError{Op: "rename", Path: path, Err: err}
	}

	s.logger.InfoContext(ctx, "registry document saved",
		slog.String("target", string(target)),
		slog.Int("total_licenses", reg.Metadata.TotalLicenses),
		slog.String("hash", reg.Metadata.Hash))
	return nil
}

// Seal recomputes the aggregate hash and signature over the entries map.
// Metadata is excluded from both by construction.
func (s *Store) Seal(reg *Registry) error {
	entryBytes, err := canonical.Encode(reg.Entries)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(entryBytes)
	sig, err := signing.Sign(entryBytes, s.privateKey)
	if err != nil {
		return err
	}

	now := s.now().UTC().Truncate(time.Second)
	if reg.Metadata.Created.IsZero() {
		reg.Metadata.Created = now
	}
	reg.Metadata.Version = SchemaVersion
	reg.Metadata.LastUpdate = now
	reg.Metadata.Algorithm = signing.Algorithm
	reg.Metadata.KeyID = s.keyID
	reg.Metadata.Hash = hex.EncodeToString(sum[:])
	reg.Metadata.RegistrySignature = sig
	reg.Metadata.TotalLicenses = len(reg.Entries)
	return nil
}

// DerivePublic builds the redacted public variant of a private registry:
// customer-identifying fields are stripped per entry, per-entry signatures
// are recomputed over the identical payload scope, and the caller seals
// the result via Save. The public registry is derived, never hand-edited.
func (s *Store) DerivePublic(private *Registry) (*Registry, error) {
	public := NewRegistry(s.keyID, s.now())
	public.Metadata.Created = private.Metadata.Created

	for key, entry := range private.Entries {
		sig, err := SignPayload(entry.Payload(), s.privateKey)
		if err != nil {
			return nil, err
		}
		public.Entries[key] = Entry{
			CredentialPayload: entry.CredentialPayload,
			Status:            entry.Status,
			CanceledAt:        entry.CanceledAt,
			Signature:         sig,
			KeyID:             entry.KeyID,
		}
	}
	return public, nil
}

// VerifyDocument checks a registry document's aggregate signature and
// hash against the known public key. Hash comparison is constant-time.
func VerifyDocument(reg *Registry, publicKey string) error {
	entryBytes, err := canonical.Encode(reg.Entries)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(entryBytes)
	if !signing.ConstantTimeEqual(hex.EncodeToString(sum[:]), reg.Metadata.Hash) {
		return fmt.Errorf("%w: entry hash mismatch", ErrRegistryIntegrity)
	}

	ok, err := signing.Verify(entryBytes, reg.Metadata.RegistrySignature, publicKey)
	if err != nil {
		// Malformed key or signature bytes: misconfiguration, but the
		// document still cannot be trusted.
		if errors.Is(err, signing.ErrInvalidKey) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrRegistryIntegrity, err)
	}
	if !ok {
		return fmt.Errorf("%w: aggregate signature invalid", ErrRegistryIntegrity)
	}
	return nil
}

// VerifyEntry verifies one entry's signature over its payload scope.
func VerifyEntry(e Entry, publicKey string) (bool, error) {
	return VerifyPayload(e.Payload(), e.Signature, publicKey)
}
