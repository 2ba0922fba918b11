package storage

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "gateway.bbolt"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	if err := db.PutSession(42, []byte(`{"token":"42:abc"}`)); err != nil {
		t.Fatalf("PutSession() error = %v", err)
	}
	got, err := db.GetSession(42)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !bytes.Equal(got, []byte(`{"token":"42:abc"}`)) {
		t.Fatalf("GetSession() = %s", got)
	}

	if err := db.DeleteSession(42); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	got, err = db.GetSession(42)
	if err != nil {
		t.Fatalf("GetSession() after delete error = %v", err)
	}
	if got != nil {
		t.Fatalf("GetSession() after delete = %s, want nil", got)
	}
}

func TestUpdateQueueOrderAndConfirm(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	const botID = int64(7)
	// Вставляем не по порядку: курсор обязан вернуть по возрастанию update_id.
	for _, id := range []int64{3, 1, 2, 5, 4} {
		if err := db.PutUpdate(botID, id, []byte{byte(id)}); err != nil {
			t.Fatalf("PutUpdate(%d) error = %v", id, err)
		}
	}

	ids, _, err := db.LoadUpdates(botID, 0)
	if err != nil {
		t.Fatalf("LoadUpdates() error = %v", err)
	}
	want := []int64{1, 2, 3, 4, 5}
	if len(ids) != len(want) {
		t.Fatalf("LoadUpdates() len = %d, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("LoadUpdates() ids = %v, want %v", ids, want)
		}
	}

	if err := db.DeleteUpdatesThrough(botID, 3); err != nil {
		t.Fatalf("DeleteUpdatesThrough() error = %v", err)
	}
	ids, _, err = db.LoadUpdates(botID, 0)
	if err != nil {
		t.Fatalf("LoadUpdates() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != 4 || ids[1] != 5 {
		t.Fatalf("LoadUpdates() after confirm = %v, want [4 5]", ids)
	}
}

func TestLoadUpdatesLimit(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	for id := int64(1); id <= 10; id++ {
		if err := db.PutUpdate(1, id, []byte("u")); err != nil {
			t.Fatalf("PutUpdate() error = %v", err)
		}
	}
	ids, _, err := db.LoadUpdates(1, 3)
	if err != nil {
		t.Fatalf("LoadUpdates() error = %v", err)
	}
	if len(ids) != 3 || ids[2] != 3 {
		t.Fatalf("LoadUpdates(limit=3) = %v, want [1 2 3]", ids)
	}
}

func TestAtomicWriteFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "session.bin")
	if err := AtomicWriteFile(path, []byte("payload")); err != nil {
		t.Fatalf("AtomicWriteFile() error = %v", err)
	}
	// Повторная запись поверх существующего файла.
	if err := AtomicWriteFile(path, []byte("payload2")); err != nil {
		t.Fatalf("AtomicWriteFile() overwrite error = %v", err)
	}
}

func TestFileMetaRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	if err := db.PutFileMeta("sha256:abc", []byte(`{"path":"photos/file_1.jpg"}`)); err != nil {
		t.Fatalf("PutFileMeta() error = %v", err)
	}
	got, err := db.GetFileMeta("sha256:abc")
	if err != nil {
		t.Fatalf("GetFileMeta() error = %v", err)
	}
	if got == nil {
		t.Fatal("GetFileMeta() = nil, want data")
	}
	count := 0
	if err := db.ForEachFileMeta(func(string, []byte) error { count++; return nil }); err != nil {
		t.Fatalf("ForEachFileMeta() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("ForEachFileMeta() count = %d, want 1", count)
	}
	if err := db.DeleteFileMeta("sha256:abc"); err != nil {
		t.Fatalf("DeleteFileMeta() error = %v", err)
	}
}
