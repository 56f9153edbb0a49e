package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiskBundleStoreSaveLoadDelete(t *testing.T) {
	s, err := NewDiskBundleStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskBundleStore: %v", err)
	}

	name, err := s.Save([]byte("payload"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	r, err := s.Load(name)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	buf := make([]byte, len("payload"))
	if _, err := r.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	r.Close()
	if string(buf) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", buf)
	}

	if err := s.Delete(name); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(name); !os.IsNotExist(err) {
		t.Fatalf("expected ErrNotExist after Delete, got %v", err)
	}
}

func TestDiskBundleStoreTwoLevelDirectoryHash(t *testing.T) {
	root := t.TempDir()
	s, err := NewDiskBundleStore(root)
	if err != nil {
		t.Fatalf("NewDiskBundleStore: %v", err)
	}

	name, err := s.Save([]byte("x"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	segments := 0
	for _, r := range name {
		if r == os.PathSeparator {
			segments++
		}
	}
	if segments != 2 {
		t.Fatalf("expected storage name to have two directory separators (xx/yy/filename), got %q", name)
	}

	full := filepath.Join(root, name)
	if _, err := os.Stat(full); err != nil {
		t.Fatalf("expected file to exist at %q: %v", full, err)
	}
	if _, err := os.Stat(full + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected the .tmp file to be gone after a successful Save")
	}
}

func TestDiskBundleStoreRecoverDropsTmpAndZeroLength(t *testing.T) {
	root := t.TempDir()
	s, err := NewDiskBundleStore(root)
	if err != nil {
		t.Fatalf("NewDiskBundleStore: %v", err)
	}

	name, err := s.Save([]byte("real"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	dir1 := filepath.Join(root, "ab")
	if err := os.MkdirAll(filepath.Join(dir1, "cd"), 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir1, "cd", "leftover.tmp"), []byte("junk"), 0600); err != nil {
		t.Fatalf("WriteFile tmp: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir1, "cd", "empty"), nil, 0600); err != nil {
		t.Fatalf("WriteFile empty: %v", err)
	}

	entries, err := s.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(entries) != 1 || entries[0].StorageName != name {
		t.Fatalf("expected only %q recovered, got %+v", name, entries)
	}
	if _, err := os.Stat(filepath.Join(dir1, "cd", "leftover.tmp")); !os.IsNotExist(err) {
		t.Fatal("expected .tmp leftover to be removed by Recover")
	}
	if _, err := os.Stat(filepath.Join(dir1, "cd", "empty")); !os.IsNotExist(err) {
		t.Fatal("expected zero-length file to be removed by Recover")
	}
}
