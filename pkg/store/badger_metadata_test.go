package store

import (
	"testing"
	"time"
)

func openBadgerMetadataStore(t *testing.T) *BadgerMetadataStore {
	t.Helper()
	s, err := NewBadgerMetadataStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadgerMetadataStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerMetadataStoreRoundTrip(t *testing.T) {
	s := openBadgerMetadataStore(t)
	id := testID(t, 1)
	now := time.Now().UTC()
	meta := Metadata{
		BundleID:    id,
		StorageName: "abc",
		ReceivedAt:  now,
		Expiry:      now.Add(time.Hour),
		Status:      StatusNew,
		IngressCLA:  "tcpcl",
	}

	if err := s.Store(meta); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, ok, err := s.Get(id)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.StorageName != "abc" || got.IngressCLA != "tcpcl" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.BundleID.SourceNode.Equal(id.SourceNode) {
		t.Fatalf("expected source node %v, got %v", id.SourceNode, got.BundleID.SourceNode)
	}
	if !got.Expiry.Equal(meta.Expiry) {
		t.Fatalf("expected expiry %v, got %v", meta.Expiry, got.Expiry)
	}
}

func TestBadgerMetadataStorePollWaitingOrder(t *testing.T) {
	s := openBadgerMetadataStore(t)
	base := time.Now().UTC()

	offsets := []time.Duration{3 * time.Second, 1 * time.Second, 2 * time.Second}
	for i, d := range offsets {
		id := testID(t, uint64(i))
		if err := s.Store(Metadata{BundleID: id, Status: StatusWaiting, ReceivedAt: base.Add(d), Expiry: base.Add(time.Hour)}); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	waiting, err := s.PollWaiting(0)
	if err != nil {
		t.Fatalf("PollWaiting: %v", err)
	}
	if len(waiting) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(waiting))
	}
	for i := 1; i < len(waiting); i++ {
		if waiting[i].ReceivedAt.Before(waiting[i-1].ReceivedAt) {
			t.Fatal("PollWaiting must return entries ordered oldest-first")
		}
	}
}

func TestBadgerMetadataStoreUpdateStatusMovesIndexes(t *testing.T) {
	s := openBadgerMetadataStore(t)
	id := testID(t, 1)
	now := time.Now().UTC()

	if err := s.Store(Metadata{BundleID: id, Status: StatusWaiting, ReceivedAt: now, Expiry: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.UpdateStatus(id, StatusForwardPending, StatusParams{PeerID: 3, QueueIndex: 1}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	waiting, err := s.PollWaiting(0)
	if err != nil {
		t.Fatalf("PollWaiting: %v", err)
	}
	if len(waiting) != 0 {
		t.Fatalf("expected the entry to leave Waiting, got %d", len(waiting))
	}
	pending, err := s.PollPending(3, 1, 0)
	if err != nil {
		t.Fatalf("PollPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(pending))
	}
}

func TestBadgerMetadataStorePollExpiring(t *testing.T) {
	s := openBadgerMetadataStore(t)
	now := time.Now().UTC()

	expired := testID(t, 1)
	future := testID(t, 2)
	if err := s.Store(Metadata{BundleID: expired, Status: StatusNew, ReceivedAt: now, Expiry: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("Store expired: %v", err)
	}
	if err := s.Store(Metadata{BundleID: future, Status: StatusNew, ReceivedAt: now, Expiry: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Store future: %v", err)
	}

	expiring, err := s.PollExpiring(now, 0)
	if err != nil {
		t.Fatalf("PollExpiring: %v", err)
	}
	if len(expiring) != 1 || !expiring[0].BundleID.SourceNode.Equal(expired.SourceNode) || expiring[0].BundleID.Timestamp.Sequence != expired.Timestamp.Sequence {
		t.Fatalf("expected only the expired entry, got %+v", expiring)
	}
}

func TestBadgerMetadataStoreResetPeerQueue(t *testing.T) {
	s := openBadgerMetadataStore(t)
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		id := testID(t, uint64(i))
		meta := Metadata{BundleID: id, Status: StatusForwardPending, StatusParams: StatusParams{PeerID: 9, QueueIndex: 0}, ReceivedAt: now, Expiry: now.Add(time.Hour)}
		if err := s.Store(meta); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	count, err := s.ResetPeerQueue(9)
	if err != nil {
		t.Fatalf("ResetPeerQueue: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 reset, got %d", count)
	}
	waiting, err := s.PollWaiting(0)
	if err != nil {
		t.Fatalf("PollWaiting: %v", err)
	}
	if len(waiting) != 2 {
		t.Fatalf("expected both entries back in Waiting, got %d", len(waiting))
	}
}

func TestBadgerMetadataStoreRecoveryCycle(t *testing.T) {
	s := openBadgerMetadataStore(t)
	now := time.Now().UTC()
	keep := testID(t, 1)
	drop := testID(t, 2)

	if err := s.Store(Metadata{BundleID: keep, StorageName: "keep", Status: StatusNew, ReceivedAt: now, Expiry: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Store keep: %v", err)
	}
	if err := s.Store(Metadata{BundleID: drop, StorageName: "drop", Status: StatusNew, ReceivedAt: now, Expiry: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Store drop: %v", err)
	}

	if err := s.StartRecovery(); err != nil {
		t.Fatalf("StartRecovery: %v", err)
	}
	if err := s.ConfirmExists("keep"); err != nil {
		t.Fatalf("ConfirmExists: %v", err)
	}
	dropped, err := s.RemoveUnconfirmed()
	if err != nil {
		t.Fatalf("RemoveUnconfirmed: %v", err)
	}
	if len(dropped) != 1 || dropped[0].StorageName != "drop" {
		t.Fatalf("expected only %q dropped, got %+v", "drop", dropped)
	}
	if _, ok, _ := s.Get(keep); !ok {
		t.Fatal("confirmed entry must survive")
	}
	if _, ok, _ := s.Get(drop); ok {
		t.Fatal("unconfirmed entry must be gone")
	}
}
