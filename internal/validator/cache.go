package validator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"keymint/internal/registry"
)

// cacheFile wraps the cached public registry with its fetch time. The
// on-disk cache survives process restarts and is the offline fallback;
// the in-memory copy only bounds repeat fetches within one process.
type cacheFile struct {
	FetchedAt time.Time          `json:"fetchedAt"`
	Registry  *registry.Registry `json:"registry"`
}

// memCached returns the in-memory registry if it is still within the TTL.
func (v *Validator) memCached() *registry.Registry {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.memRegistry == nil {
		return nil
	}
	if v.now().Sub(v.memFetched) > v.opts.CacheTTL {
		return nil
	}
	return v.memRegistry
}

// remember stores a freshly verified registry in memory and on disk.
// A disk write failure degrades offline fallback but does not fail the
// current validation, so it is logged and swallowed.
func (v *Validator) remember(reg *registry.Registry) {
	now := v.now()

	v.mu.Lock()
	v.memRegistry = reg
	v.memFetched = now
	v.mu.Unlock()

	data, err := json.Marshal(cacheFile{FetchedAt: now, Registry: reg})
	if err != nil {
		v.logger.Warn("failed to marshal registry cache", slog.String("error", err.Error()))
		return
	}
	if err := os.MkdirAll(filepath.Dir(v.opts.CachePath), 0o755); err != nil {
		v.logger.Warn("failed to create cache dir", slog.String("error", err.Error()))
		return
	}
	tmp := v.opts.CachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		v.logger.Warn("failed to write registry cache", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, v.opts.CachePath); err != nil {
		os.Remove(tmp)
		v.logger.Warn("failed to replace registry cache", slog.String("error", err.Error()))
	}
}

// loadDiskCache returns the cached registry, re-verified against the
// public key. A cache with zero entries is "no cached data", not a valid
// empty registry: failing hard beats telling a paying user they are
// unlicensed because an empty file was lying around.
func (v *Validator) loadDiskCache() (*registry.Registry, error) {
	data, err := os.ReadFile(v.opts.CachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no cached registry", ErrNoData)
		}
		return nil, fmt.Errorf("validator: read registry cache: %w", err)
	}

	var cached cacheFile
	if err := json.Unmarshal(data, &cached); err != nil || cached.Registry == nil {
		v.logger.Warn("registry cache is corrupt, discarding",
			slog.String("path", v.opts.CachePath))
		os.Remove(v.opts.CachePath)
		return nil, fmt.Errorf("%w: cached registry unreadable", ErrNoData)
	}

	if err := registry.VerifyDocument(cached.Registry, v.opts.PublicKey); err != nil {
		v.logger.Warn("registry cache failed verification, discarding",
			slog.String("error", err.Error()))
		os.Remove(v.opts.CachePath)
		return nil, fmt.Errorf("%w: cached registry failed verification", ErrNoData)
	}

	if len(cached.Registry.Entries) == 0 {
		return nil, fmt.Errorf("%w: cached registry is empty", ErrNoData)
	}
	return cached.Registry, nil
}
