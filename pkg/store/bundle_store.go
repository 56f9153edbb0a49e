package store

import (
	"io"
	"time"
)

// RecoveredEntry is one item of a startup Recover scan.
type RecoveredEntry struct {
	StorageName string
	CreatedAt   time.Time
}

// BundleStore is the bundle-bytes trait of spec §4.5.2. Save must be
// crash-atomic: after a crash, a given storage name is either fully
// present with its complete bytes, or entirely absent.
type BundleStore interface {
	// Save durably writes data and returns the name it can be loaded back
	// under.
	Save(data []byte) (storageName string, err error)

	// Load opens the bytes saved under storageName. Callers must Close it.
	Load(storageName string) (io.ReadCloser, error)

	// Delete removes the bytes saved under storageName.
	Delete(storageName string) error

	// Recover lists every storage name found on startup, for reconciling
	// against MetadataStore after an unclean shutdown.
	Recover() ([]RecoveredEntry, error)
}
