package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"keymint/internal/registry"
)

// ErrCorruptRecord indicates a local credential file that could not be
// parsed. The original is preserved as a timestamped backup for forensics
// before removal.
var ErrCorruptRecord = errors.New("validator: local credential file is corrupt")

// LocalRecord is the client-held credential persisted after a successful
// activation. It is re-verified on every program start, never trusted
// blindly: the signature still has to check out against the configured
// public key.
type LocalRecord struct {
	LicenseKey string                     `json:"licenseKey"`
	Tier       registry.Tier              `json:"tier"`
	IsFounder  bool                       `json:"isFounder"`
	Email      string                     `json:"email,omitempty"`
	Payload    registry.CredentialPayload `json:"payload"`
	Signature  string                     `json:"signature"`
	KeyID      string                     `json:"keyId"`
	Source     string                     `json:"source"`
	Activated  time.Time                  `json:"activated"`
	VerifiedAt time.Time                  `json:"verifiedAt"`
}

// loadRecord reads the local credential file. A missing file returns
// (nil, nil). A corrupt file is backed up and removed, and ErrCorruptRecord
// is returned so the caller can fall through to registry re-validation.
func (v *Validator) loadRecord() (*LocalRecord, error) {
	data, err := os.ReadFile(v.opts.RecordPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("validator: read credential file: %w", err)
	}

	var record LocalRecord
	if err := json.Unmarshal(data, &record); err != nil {
		backup := fmt.Sprintf("%s.corrupt.%d", v.opts.RecordPath, v.now().Unix())
		if backupErr := os.Rename(v.opts.RecordPath, backup); backupErr != nil {
			v.logger.Warn("failed to back up corrupt credential file",
				slog.String("path", v.opts.RecordPath),
				slog.String("error", backupErr.Error()))
			os.Remove(v.opts.RecordPath)
		} else {
			v.logger.Warn("corrupt credential file backed up",
				slog.String("backup", backup))
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &record, nil
}

// saveRecord persists the credential file with owner-only permissions.
func (v *Validator) saveRecord(record *LocalRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("validator: marshal credential: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(v.opts.RecordPath), 0o755); err != nil {
		return fmt.Errorf("validator: create credential dir: %w", err)
	}

	tmp := v.opts.RecordPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("validator: write credential file: %w", err)
	}
	if err := os.Rename(tmp, v.opts.RecordPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("validator: replace credential file: %w", err)
	}
	return nil
}

// Remove deletes the local credential file. Missing is not an error.
func (v *Validator) Remove() error {
	if err := os.Remove(v.opts.RecordPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("validator: remove credential file: %w", err)
	}
	return nil
}
