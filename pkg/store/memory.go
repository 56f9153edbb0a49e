package store

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// memEntry adds the recovery bookkeeping bit MetadataStore needs on top of
// the public Metadata record.
type memEntry struct {
	meta        Metadata
	unconfirmed bool
}

// MemoryMetadataStore is a map-backed MetadataStore for tests and
// memory-only operation; grounded on the teacher's SimpleStore, which
// likewise keeps its whole working set as an in-memory map guarded by one
// mutex rather than per-bucket locking.
type MemoryMetadataStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

// NewMemoryMetadataStore builds an empty MemoryMetadataStore.
func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{entries: make(map[string]*memEntry)}
}

func (s *MemoryMetadataStore) Store(meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := meta.BundleID.String()
	if e, ok := s.entries[key]; ok {
		e.meta = meta
		return nil
	}
	s.entries[key] = &memEntry{meta: meta}
	return nil
}

func (s *MemoryMetadataStore) Get(id bpv7.BundleID) (Metadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id.String()]
	if !ok {
		return Metadata{}, false, nil
	}
	return e.meta, true, nil
}

func (s *MemoryMetadataStore) UpdateStatus(id bpv7.BundleID, status Status, params StatusParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id.String()]
	if !ok {
		return fmt.Errorf("store: unknown bundle %s", id)
	}
	e.meta.Status = status
	e.meta.StatusParams = params
	return nil
}

func (s *MemoryMetadataStore) Tombstone(id bpv7.BundleID, reason TerminalReason) error {
	return s.UpdateStatus(id, StatusTerminal, StatusParams{Reason: reason})
}

func (s *MemoryMetadataStore) PollWaiting(limit int) ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Metadata
	for _, e := range s.entries {
		if e.meta.Status == StatusWaiting {
			out = append(out, e.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return clampMeta(out, limit), nil
}

func (s *MemoryMetadataStore) PollPending(peerID uint32, queue int, limit int) ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Metadata
	for _, e := range s.entries {
		if e.meta.Status == StatusForwardPending &&
			e.meta.StatusParams.PeerID == peerID &&
			e.meta.StatusParams.QueueIndex == queue {
			out = append(out, e.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return clampMeta(out, limit), nil
}

func (s *MemoryMetadataStore) PollExpiring(before time.Time, limit int) ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Metadata
	for _, e := range s.entries {
		if e.meta.Expiry.Before(before) {
			out = append(out, e.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expiry.Before(out[j].Expiry) })
	return clampMeta(out, limit), nil
}

func (s *MemoryMetadataStore) PollFragments(key bpv7.AduKey) ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := key.String()
	var out []Metadata
	for _, e := range s.entries {
		if e.meta.BundleID.IsFragment && e.meta.BundleID.AduKey().String() == want {
			out = append(out, e.meta)
		}
	}
	return out, nil
}

func (s *MemoryMetadataStore) ResetPeerQueue(peerID uint32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.entries {
		if e.meta.Status == StatusForwardPending && e.meta.StatusParams.PeerID == peerID {
			e.meta.Status = StatusWaiting
			e.meta.StatusParams = StatusParams{}
			count++
		}
	}
	return count, nil
}

func (s *MemoryMetadataStore) StartRecovery() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		e.unconfirmed = true
	}
	return nil
}

func (s *MemoryMetadataStore) ConfirmExists(storageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.meta.StorageName == storageName {
			e.unconfirmed = false
		}
	}
	return nil
}

func (s *MemoryMetadataStore) RemoveUnconfirmed() ([]Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []Metadata
	for key, e := range s.entries {
		if e.unconfirmed {
			dropped = append(dropped, e.meta)
			delete(s.entries, key)
		}
	}
	return dropped, nil
}

func clampMeta(ms []Metadata, limit int) []Metadata {
	if limit > 0 && len(ms) > limit {
		return ms[:limit]
	}
	return ms
}

// MemoryBundleStore is a map-backed BundleStore for tests and
// memory-only operation.
type MemoryBundleStore struct {
	mu      sync.Mutex
	counter uint64
	blobs   map[string][]byte
}

// NewMemoryBundleStore builds an empty MemoryBundleStore.
func NewMemoryBundleStore() *MemoryBundleStore {
	return &MemoryBundleStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBundleStore) Save(data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	name := fmt.Sprintf("mem-%d", s.counter)
	s.blobs[name] = append([]byte(nil), data...)
	return name, nil
}

func (s *MemoryBundleStore) Load(storageName string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[storageName]
	if !ok {
		return nil, fmt.Errorf("store: unknown storage name %q", storageName)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryBundleStore) Delete(storageName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs, storageName)
	return nil
}

func (s *MemoryBundleStore) Recover() ([]RecoveredEntry, error) {
	// A memory-only store never survives a crash; recovery reports nothing.
	return nil, nil
}
