// Package validator implements the offline-capable client-side license
// check: fetch and verify the public registry, cache it, fall back to the
// cache when offline, and re-verify the locally stored credential on
// every run.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"keymint/internal/registry"
	"keymint/internal/signing"
)

// Status is a terminal validation state. Every status maps to a distinct,
// user-actionable message; callers never receive a bare boolean.
type Status string

const (
	StatusTrusted       Status = "TRUSTED"
	StatusKeyNotFound   Status = "KEY_NOT_FOUND"
	StatusTampered      Status = "TAMPERED"
	StatusEmailMismatch Status = "EMAIL_MISMATCH"
	StatusNoData        Status = "FAIL_NO_DATA"
	StatusNotActivated  Status = "NOT_ACTIVATED"
)

// Source records which data backed a validation result.
type Source string

const (
	SourceLocal      Source = "local_record"
	SourceFresh      Source = "registry_fresh"
	SourceMemCache   Source = "registry_memory_cache"
	SourceStaleCache Source = "registry_stale_cache"
)

// ErrNoData means validation could not proceed: no network and no usable
// cache.
var ErrNoData = errors.New("validator: no registry data available")

// Result is the outcome of one license-check cycle.
type Result struct {
	Status  Status
	Message string
	Source  Source
	Record  *LocalRecord
}

func newResult(status Status, source Source, record *LocalRecord) *Result {
	return &Result{Status: status, Message: statusMessage(status), Source: source, Record: record}
}

// statusMessage maps each terminal state to a remediation-bearing message.
func statusMessage(status Status) string {
	switch status {
	case StatusTrusted:
		return "License verified."
	case StatusKeyNotFound:
		return "This license key was not found. Check the key for typos, or contact support if you believe this is an error."
	case StatusTampered:
		return "The license data failed signature verification. Re-activate your license; if this repeats, reinstall and contact support."
	case StatusEmailMismatch:
		return "This license is registered to a different email address. Activate with the email used at purchase."
	case StatusNoData:
		return "Could not reach the license server and no cached license data is available. Connect to the internet and retry."
	case StatusNotActivated:
		return "No license has been activated on this machine. Run activation with your license key."
	default:
		return string(status)
	}
}

// Options configures a Validator. RegistryURL must be HTTPS unless
// AllowInsecure is set (local development only). PublicKey is mandatory:
// there is no trust fallback when it is missing. A non-empty KeyID pins
// the expected signing key identifier; entries and local records
// attributed to any other key id are rejected as tampered.
type Options struct {
	RegistryURL   string
	PublicKey     string
	KeyID         string
	AllowInsecure bool
	FetchTimeout  time.Duration
	CacheTTL      time.Duration
	CachePath     string
	RecordPath    string
	HTTPClient    *http.Client
	Logger        *slog.Logger
	Clock         func() time.Time
}

const (
	defaultFetchTimeout = 10 * time.Second
	defaultCacheTTL     = 5 * time.Minute
)

// Validator performs license checks for one client process. The memory
// cache lives on the struct, not at package scope, so tests can construct
// independent validators with fake clocks.
type Validator struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	memRegistry *registry.Registry
	memFetched  time.Time
}

// New validates options and builds a Validator.
func New(opts Options) (*Validator, error) {
	if opts.PublicKey == "" {
		return nil, errors.New("validator: public verification key is required")
	}
	if _, err := signing.DecodePublicKey(opts.PublicKey); err != nil {
		return nil, err
	}

	u, err := url.Parse(opts.RegistryURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("validator: invalid registry URL %q", opts.RegistryURL)
	}
	if u.Scheme != "https" && !opts.AllowInsecure {
		return nil, fmt.Errorf("validator: registry URL %q is not HTTPS (set the insecure opt-in for local development only)", opts.RegistryURL)
	}

	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.FetchTimeout}
	}

	return &Validator{
		opts:   opts,
		client: client,
		logger: opts.Logger.With(slog.String("component", "license_validator")),
		now:    opts.Clock,
	}, nil
}

// Check runs the per-start license cycle: a verified local record is
// trusted without touching the network; a failed or corrupt record falls
// through to registry re-validation using the record's own key.
func (v *Validator) Check(ctx context.Context) (*Result, error) {
	record, err := v.loadRecord()
	if err != nil && !errors.Is(err, ErrCorruptRecord) {
		return nil, err
	}
	if record == nil && err == nil {
		return newResult(StatusNotActivated, SourceLocal, nil), nil
	}

	if record != nil {
		ok, verr := v.verifyRecord(record)
		if verr != nil {
			return nil, verr
		}
		if ok {
			return newResult(StatusTrusted, SourceLocal, record), nil
		}
		v.logger.Warn("local credential failed verification, re-validating against registry",
			slog.String("license_key", registry.MaskKey(record.LicenseKey)))
		return v.Activate(ctx, record.LicenseKey, record.Email)
	}

	// Corrupt record was backed up; nothing locally trustworthy remains.
	return newResult(StatusNotActivated, SourceLocal, nil), nil
}

// Activate validates a license key (and optional email) against the
// registry and persists a local credential on success.
func (v *Validator) Activate(ctx context.Context, rawKey, email string) (*Result, error) {
	key := registry.NormalizeKey(rawKey)
	if err := registry.ValidateKeyFormat(key); err != nil {
		return nil, err
	}

	reg, source, err := v.fetchRegistry(ctx)
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return newResult(StatusNoData, source, nil), nil
		}
		return nil, err
	}

	result := v.lookup(reg, key, email, source)
	if result.Status != StatusTrusted {
		return result, nil
	}

	entry := reg.Entries[key]
	now := v.now().UTC().Truncate(time.Second)
	record := &LocalRecord{
		LicenseKey: key,
		Tier:       entry.Tier,
		IsFounder:  entry.IsFounder,
		Email:      strings.TrimSpace(email),
		Payload:    entry.Payload(),
		Signature:  entry.Signature,
		KeyID:      entry.KeyID,
		Source:     string(source),
		Activated:  now,
		VerifiedAt: now,
	}
	if err := v.saveRecord(record); err != nil {
		return nil, err
	}
	result.Record = record

	v.logger.Info("license activated",
		slog.String("license_key", registry.MaskKey(key)),
		slog.String("tier", string(entry.Tier)),
		slog.String("source", string(source)))
	return result, nil
}

// lookup resolves a key against a verified registry document.
func (v *Validator) lookup(reg *registry.Registry, key, email string, source Source) *Result {
	entry, ok := reg.Entries[key]
	if !ok {
		return newResult(StatusKeyNotFound, source, nil)
	}

	// A pinned key id must match the entry's: a credential attributed to
	// a different signing key is not trusted even if the signature checks
	// out under our public key.
	if v.opts.KeyID != "" && entry.KeyID != v.opts.KeyID {
		v.logger.Warn("entry signed under unexpected key id",
			slog.String("license_key", registry.MaskKey(key)),
			slog.String("key_id", entry.KeyID))
		return newResult(StatusTampered, source, nil)
	}

	verified, err := registry.VerifyEntry(entry, v.opts.PublicKey)
	if err != nil || !verified {
		if err != nil {
			v.logger.Error("entry verification errored",
				slog.String("license_key", registry.MaskKey(key)),
				slog.String("error", err.Error()))
		}
		return newResult(StatusTampered, source, nil)
	}

	if entry.EmailHash != "" {
		// Compare hashes, never plaintext, and in constant time.
		if !signing.ConstantTimeEqual(signing.HashEmail(email), entry.EmailHash) {
			return newResult(StatusEmailMismatch, source, nil)
		}
	}

	return newResult(StatusTrusted, source, nil)
}

// verifyRecord re-verifies a stored credential: signature over the signed
// payload subset, payload consistency with the record's top-level fields,
// and the email binding when one exists.
func (v *Validator) verifyRecord(record *LocalRecord) (bool, error) {
	if registry.NormalizeKey(record.LicenseKey) != record.Payload.LicenseKey {
		return false, nil
	}
	if v.opts.KeyID != "" && record.KeyID != v.opts.KeyID {
		return false, nil
	}
	ok, err := registry.VerifyPayload(record.Payload, record.Signature, v.opts.PublicKey)
	if err != nil {
		if errors.Is(err, signing.ErrInvalidSignature) {
			return false, nil
		}
		return false, err
	}
	if !ok {
		return false, nil
	}
	if record.Payload.EmailHash != "" &&
		!signing.ConstantTimeEqual(signing.HashEmail(record.Email), record.Payload.EmailHash) {
		return false, nil
	}
	return true, nil
}

// fetchRegistry resolves a verified registry document: memory cache within
// TTL, then network (bounded by the fetch timeout), then disk cache as the
// offline fallback.
func (v *Validator) fetchRegistry(ctx context.Context) (*registry.Registry, Source, error) {
	if reg := v.memCached(); reg != nil {
		return reg, SourceMemCache, nil
	}

	reg, err := v.fetchRemote(ctx)
	if err == nil {
		v.remember(reg)
		return reg, SourceFresh, nil
	}
	v.logger.Warn("registry fetch failed, trying disk cache",
		slog.String("url", v.opts.RegistryURL),
		slog.String("error", err.Error()))

	cached, cacheErr := v.loadDiskCache()
	if cacheErr != nil {
		return nil, SourceStaleCache, fmt.Errorf("%w (fetch error: %v)", ErrNoData, err)
	}
	v.logger.Warn("using stale cached registry; validation may not reflect recent changes")
	return cached, SourceStaleCache, nil
}

// fetchRemote performs the HTTP GET with a hard timeout and verifies the
// document before anything downstream may use it. A document that fails
// verification is unusable data, handled the same as a failed fetch.
func (v *Validator) fetchRemote(ctx context.Context) (*registry.Registry, error) {
	ctx, cancel := context.WithTimeout(ctx, v.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.opts.RegistryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("validator: build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validator: registry fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("validator: registry fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("validator: read registry body: %w", err)
	}

	var reg registry.Registry
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, fmt.Errorf("validator: parse registry: %w", err)
	}
	if reg.Entries == nil {
		reg.Entries = make(map[string]registry.Entry)
	}
	if err := registry.VerifyDocument(&reg, v.opts.PublicKey); err != nil {
		return nil, err
	}
	return &reg, nil
}
