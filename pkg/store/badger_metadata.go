package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/dtnstack/bpcore/pkg/bpv7"
)

// BadgerMetadataStore is a dgraph-io/badger/v4-backed MetadataStore.
// Grounded on `pkg/storage/store.go`'s Store (which wraps badgerhold,
// itself a thin struct-indexing layer over badger v1): this type talks to
// badger v4 directly instead, since poll_waiting/poll_expiring/poll_pending
// need ordered range scans that map onto badger's native key ordering far
// more directly than badgerhold's reflection-based secondary indexes.
//
// Every record lives under key "m:<bundle id>". Five more key families are
// maintained as range-scannable indexes, added and removed in the same
// transaction as the record they describe so they never drift:
//
//	w:<receivedAt>:<id>           present while Status == Waiting
//	e:<expiry>:<id>                present for every record, any status
//	p:<peerID>:<queue>:<receivedAt>:<id>  present while Status == ForwardPending
//	f:<aduKey>:<id>                present while Status == AduFragment
//	u:<id>                          present while unconfirmed (crash recovery)
//
// Badger serializes all Update transactions against a single writer, and
// View transactions never block on them, which is exactly spec §4.5.1's
// "concurrent writes serialise; concurrent reads do not block" invariant.
type BadgerMetadataStore struct {
	db *badger.DB
}

type badgerLogger struct{ *logrus.Logger }

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.Logger.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.Logger.Warningf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.Logger.Infof(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.Logger.Debugf(f, v...) }

// NewBadgerMetadataStore opens (creating if absent) a badger database at dir.
func NewBadgerMetadataStore(dir string) (*BadgerMetadataStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logrus.StandardLogger()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerMetadataStore{db: db}, nil
}

// Close releases the underlying badger database.
func (s *BadgerMetadataStore) Close() error {
	return s.db.Close()
}

// diskRecord is the flat, JSON-friendly shape Metadata is stored as:
// bpv7.EndpointID's fields are unexported, so every EID is kept in its
// string form and reparsed on read.
type diskRecord struct {
	StorageName string

	SourceEID       string
	CreationTime    uint64
	Sequence        uint64
	IsFragment      bool
	FragmentOffset  uint64
	TotalDataLength uint64

	ReceivedAt int64
	Expiry     int64

	Status Status

	PeerID     uint32
	QueueIndex int

	FragCreationTime uint64
	FragSequence     uint64
	FragSourceEID    string

	Reason TerminalReason

	IngressCLA   string
	SourceBuffer []byte
}

func toRecord(meta Metadata) diskRecord {
	return diskRecord{
		StorageName: meta.StorageName,

		SourceEID:       meta.BundleID.SourceNode.String(),
		CreationTime:    uint64(meta.BundleID.Timestamp.Time),
		Sequence:        meta.BundleID.Timestamp.Sequence,
		IsFragment:      meta.BundleID.IsFragment,
		FragmentOffset:  meta.BundleID.FragmentOffset,
		TotalDataLength: meta.BundleID.TotalDataLength,

		ReceivedAt: meta.ReceivedAt.UnixNano(),
		Expiry:     meta.Expiry.UnixNano(),

		Status: meta.Status,

		PeerID:     meta.StatusParams.PeerID,
		QueueIndex: meta.StatusParams.QueueIndex,

		FragCreationTime: uint64(meta.StatusParams.CreationTS.Time),
		FragSequence:     meta.StatusParams.CreationTS.Sequence,
		FragSourceEID:    meta.StatusParams.SourceEID.String(),

		Reason: meta.StatusParams.Reason,

		IngressCLA:   meta.IngressCLA,
		SourceBuffer: meta.SourceBuffer,
	}
}

func fromRecord(rec diskRecord) (Metadata, error) {
	source, err := bpv7.ParseEID(rec.SourceEID)
	if err != nil {
		return Metadata{}, fmt.Errorf("store: decoding source eid: %w", err)
	}

	var fragSource bpv7.EndpointID
	if rec.FragSourceEID != "" {
		if fragSource, err = bpv7.ParseEID(rec.FragSourceEID); err != nil {
			return Metadata{}, fmt.Errorf("store: decoding fragment source eid: %w", err)
		}
	}

	return Metadata{
		StorageName: rec.StorageName,
		BundleID: bpv7.BundleID{
			SourceNode:      source,
			Timestamp:       bpv7.CreationTimestamp{Time: bpv7.DtnTime(rec.CreationTime), Sequence: rec.Sequence},
			IsFragment:      rec.IsFragment,
			FragmentOffset:  rec.FragmentOffset,
			TotalDataLength: rec.TotalDataLength,
		},
		ReceivedAt: time.Unix(0, rec.ReceivedAt).UTC(),
		Expiry:     time.Unix(0, rec.Expiry).UTC(),
		Status:     rec.Status,
		StatusParams: StatusParams{
			PeerID:     rec.PeerID,
			QueueIndex: rec.QueueIndex,
			CreationTS: bpv7.CreationTimestamp{Time: bpv7.DtnTime(rec.FragCreationTime), Sequence: rec.FragSequence},
			SourceEID:  fragSource,
			Reason:     rec.Reason,
		},
		IngressCLA:   rec.IngressCLA,
		SourceBuffer: rec.SourceBuffer,
	}, nil
}

func metaKey(idKey string) []byte        { return []byte("m:" + idKey) }
func unconfirmedKey(idKey string) []byte { return []byte("u:" + idKey) }

func waitingKey(idKey string, receivedAt time.Time) []byte {
	return []byte(fmt.Sprintf("w:%020d:%s", receivedAt.UnixNano(), idKey))
}

func expiryKey(idKey string, expiry time.Time) []byte {
	return []byte(fmt.Sprintf("e:%020d:%s", expiry.UnixNano(), idKey))
}

func pendingKey(idKey string, peerID uint32, queue int, receivedAt time.Time) []byte {
	return []byte(fmt.Sprintf("p:%010d:%010d:%020d:%s", peerID, queue, receivedAt.UnixNano(), idKey))
}

func fragmentKey(idKey, aduKey string) []byte {
	return []byte(fmt.Sprintf("f:%s:%s", aduKey, idKey))
}

func parseExpiryKey(key []byte) (nanos int64, idKey string, err error) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return 0, "", fmt.Errorf("store: malformed expiry key %q", key)
	}
	nanos, err = strconv.ParseInt(parts[1], 10, 64)
	return nanos, parts[2], err
}

func getRecord(txn *badger.Txn, idKey string) (diskRecord, error) {
	item, err := txn.Get(metaKey(idKey))
	if err != nil {
		return diskRecord{}, err
	}
	var rec diskRecord
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	return rec, err
}

func addIndexEntries(txn *badger.Txn, idKey string, meta Metadata) error {
	if err := txn.Set(expiryKey(idKey, meta.Expiry), []byte(idKey)); err != nil {
		return err
	}
	switch meta.Status {
	case StatusWaiting:
		return txn.Set(waitingKey(idKey, meta.ReceivedAt), []byte(idKey))
	case StatusForwardPending:
		return txn.Set(pendingKey(idKey, meta.StatusParams.PeerID, meta.StatusParams.QueueIndex, meta.ReceivedAt), []byte(idKey))
	case StatusAduFragment:
		if meta.BundleID.IsFragment {
			return txn.Set(fragmentKey(idKey, meta.BundleID.AduKey().String()), []byte(idKey))
		}
	}
	return nil
}

func removeIndexEntries(txn *badger.Txn, idKey string, meta Metadata) error {
	if err := txn.Delete(expiryKey(idKey, meta.Expiry)); err != nil {
		return err
	}
	switch meta.Status {
	case StatusWaiting:
		return txn.Delete(waitingKey(idKey, meta.ReceivedAt))
	case StatusForwardPending:
		return txn.Delete(pendingKey(idKey, meta.StatusParams.PeerID, meta.StatusParams.QueueIndex, meta.ReceivedAt))
	case StatusAduFragment:
		if meta.BundleID.IsFragment {
			return txn.Delete(fragmentKey(idKey, meta.BundleID.AduKey().String()))
		}
	}
	return nil
}

func (s *BadgerMetadataStore) putLocked(txn *badger.Txn, meta Metadata) error {
	idKey := meta.BundleID.String()

	if old, err := getRecord(txn, idKey); err == nil {
		if oldMeta, convErr := fromRecord(old); convErr == nil {
			if err := removeIndexEntries(txn, idKey, oldMeta); err != nil {
				return err
			}
		}
	} else if err != badger.ErrKeyNotFound {
		return err
	}

	raw, err := json.Marshal(toRecord(meta))
	if err != nil {
		return err
	}
	if err := txn.Set(metaKey(idKey), raw); err != nil {
		return err
	}
	return addIndexEntries(txn, idKey, meta)
}

func (s *BadgerMetadataStore) Store(meta Metadata) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return s.putLocked(txn, meta)
	})
}

func (s *BadgerMetadataStore) Get(id bpv7.BundleID) (Metadata, bool, error) {
	var meta Metadata
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id.String())
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		m, err := fromRecord(rec)
		if err != nil {
			return err
		}
		meta, found = m, true
		return nil
	})
	return meta, found, err
}

func (s *BadgerMetadataStore) UpdateStatus(id bpv7.BundleID, status Status, params StatusParams) error {
	return s.db.Update(func(txn *badger.Txn) error {
		idKey := id.String()
		rec, err := getRecord(txn, idKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("store: unknown bundle %s", id)
			}
			return err
		}
		meta, err := fromRecord(rec)
		if err != nil {
			return err
		}
		if err := removeIndexEntries(txn, idKey, meta); err != nil {
			return err
		}
		meta.Status = status
		meta.StatusParams = params

		raw, err := json.Marshal(toRecord(meta))
		if err != nil {
			return err
		}
		if err := txn.Set(metaKey(idKey), raw); err != nil {
			return err
		}
		return addIndexEntries(txn, idKey, meta)
	})
}

func (s *BadgerMetadataStore) Tombstone(id bpv7.BundleID, reason TerminalReason) error {
	return s.UpdateStatus(id, StatusTerminal, StatusParams{Reason: reason})
}

func (s *BadgerMetadataStore) pollPrefix(prefix []byte, limit int) ([]Metadata, error) {
	var out []Metadata
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var idKey string
			if err := it.Item().Value(func(val []byte) error { idKey = string(val); return nil }); err != nil {
				return err
			}
			rec, err := getRecord(txn, idKey)
			if err != nil {
				continue
			}
			meta, err := fromRecord(rec)
			if err != nil {
				continue
			}
			out = append(out, meta)
		}
		return nil
	})
	return out, err
}

func (s *BadgerMetadataStore) PollWaiting(limit int) ([]Metadata, error) {
	return s.pollPrefix([]byte("w:"), limit)
}

func (s *BadgerMetadataStore) PollPending(peerID uint32, queue int, limit int) ([]Metadata, error) {
	return s.pollPrefix([]byte(fmt.Sprintf("p:%010d:%010d:", peerID, queue)), limit)
}

func (s *BadgerMetadataStore) PollFragments(key bpv7.AduKey) ([]Metadata, error) {
	return s.pollPrefix([]byte("f:"+key.String()+":"), 0)
}

func (s *BadgerMetadataStore) PollExpiring(before time.Time, limit int) ([]Metadata, error) {
	var out []Metadata
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("e:")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			nanos, idKey, err := parseExpiryKey(it.Item().KeyCopy(nil))
			if err != nil {
				continue
			}
			if nanos >= before.UnixNano() {
				break // "e:" keys are ordered by expiry; nothing further qualifies
			}
			rec, err := getRecord(txn, idKey)
			if err != nil {
				continue
			}
			meta, err := fromRecord(rec)
			if err != nil {
				continue
			}
			out = append(out, meta)
		}
		return nil
	})
	return out, err
}

func (s *BadgerMetadataStore) ResetPeerQueue(peerID uint32) (int, error) {
	count := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(fmt.Sprintf("p:%010d:", peerID))
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var idKeys []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var idKey string
			if err := it.Item().Value(func(val []byte) error { idKey = string(val); return nil }); err != nil {
				it.Close()
				return err
			}
			idKeys = append(idKeys, idKey)
		}
		it.Close()

		for _, idKey := range idKeys {
			rec, err := getRecord(txn, idKey)
			if err != nil {
				continue
			}
			meta, err := fromRecord(rec)
			if err != nil {
				continue
			}
			if err := removeIndexEntries(txn, idKey, meta); err != nil {
				return err
			}
			meta.Status = StatusWaiting
			meta.StatusParams = StatusParams{}

			raw, err := json.Marshal(toRecord(meta))
			if err != nil {
				return err
			}
			if err := txn.Set(metaKey(idKey), raw); err != nil {
				return err
			}
			if err := addIndexEntries(txn, idKey, meta); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *BadgerMetadataStore) StartRecovery() error {
	return s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte("m:")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var idKeys []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			idKeys = append(idKeys, string(it.Item().KeyCopy(nil)[len(prefix):]))
		}
		it.Close()

		for _, idKey := range idKeys {
			if err := txn.Set(unconfirmedKey(idKey), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerMetadataStore) ConfirmExists(storageName string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte("m:")
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var rec diskRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			if rec.StorageName == storageName {
				idKey := string(item.Key()[len(prefix):])
				return txn.Delete(unconfirmedKey(idKey))
			}
		}
		return nil
	})
}

func (s *BadgerMetadataStore) RemoveUnconfirmed() ([]Metadata, error) {
	var dropped []Metadata
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte("u:")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var idKeys []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			idKeys = append(idKeys, string(it.Item().KeyCopy(nil)[len(prefix):]))
		}
		it.Close()

		for _, idKey := range idKeys {
			rec, err := getRecord(txn, idKey)
			if err == badger.ErrKeyNotFound {
				_ = txn.Delete(unconfirmedKey(idKey))
				continue
			}
			if err != nil {
				return err
			}
			meta, err := fromRecord(rec)
			if err != nil {
				return err
			}
			if err := removeIndexEntries(txn, idKey, meta); err != nil {
				return err
			}
			if err := txn.Delete(metaKey(idKey)); err != nil {
				return err
			}
			if err := txn.Delete(unconfirmedKey(idKey)); err != nil {
				return err
			}
			dropped = append(dropped, meta)
		}
		return nil
	})
	return dropped, err
}
