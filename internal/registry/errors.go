package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTier indicates a tier string outside the closed set.
	ErrInvalidTier = errors.New("registry: invalid tier")

	// ErrInvalidKeyFormat indicates a license key that does not match the
	// structural pattern.
	ErrInvalidKeyFormat = errors.New("registry: invalid license key format")

	// ErrNotFound indicates the registry document does not exist yet. This
	// is expected on first run and must stay distinguishable from
	// infrastructure failures, which surface as StorageError.
	ErrNotFound = errors.New("registry: document not found")

	// ErrRegistryIntegrity indicates a loaded document whose hash or
	// aggregate signature failed verification. Consumers must treat such a
	// document as absent, never as valid.
	ErrRegistryIntegrity = errors.New("registry: integrity verification failed")
)

// StorageError wraps a disk or blob failure during load/save. It is
// deliberately distinct from ErrNotFound: a broken read must never be
// silently treated as "no licenses".
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("registry: storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
