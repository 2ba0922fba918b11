package files_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"telegram-botapi/internal/domain/files"
	"telegram-botapi/internal/infra/storage"
)

func newTestCache(t *testing.T) *files.Cache {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.OpenDB(filepath.Join(dir, "meta.bbolt"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cache, err := files.NewCache(db, filepath.Join(dir, "workdir"))
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	return cache
}

func writeCacheFile(t *testing.T, c *files.Cache, rel string, size int) {
	t.Helper()
	abs := c.Absolute(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, make([]byte, size), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestFileIDRoundTrip(t *testing.T) {
	t.Parallel()

	ref := files.Ref{
		Kind:       files.KindPhoto,
		ID:         987654321,
		AccessHash: -1234567890123,
		FileRef:    []byte{0x01, 0x02, 0xff},
		ThumbSize:  "x",
		DC:         2,
		Size:       20480,
	}

	fileID := files.EncodeFileID(ref)
	got, err := files.DecodeFileID(fileID)
	if err != nil {
		t.Fatalf("DecodeFileID() error = %v", err)
	}
	if got.ID != ref.ID || got.AccessHash != ref.AccessHash || got.ThumbSize != ref.ThumbSize {
		t.Fatalf("DecodeFileID() = %+v, want %+v", got, ref)
	}

	// Детерминированность: одинаковая локация — одинаковый file_id и дайджест.
	if files.EncodeFileID(ref) != fileID {
		t.Error("EncodeFileID is not deterministic")
	}
	if files.Digest(ref) != files.Digest(got) {
		t.Error("Digest mismatch after round trip")
	}
}

func TestDecodeFileIDRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"", "!!!", "AAAA", "eyJ4IjoxfQ"} {
		if _, err := files.DecodeFileID(bad); err == nil {
			t.Errorf("DecodeFileID(%q) expected error", bad)
		}
	}
}

func TestDigestChangesWithFileReference(t *testing.T) {
	t.Parallel()

	ref := files.Ref{Kind: files.KindDocument, ID: 5, AccessHash: 6, DC: 1, FileRef: []byte{1}}
	ref2 := ref
	ref2.FileRef = []byte{2}

	if files.Digest(ref) == files.Digest(ref2) {
		t.Fatal("digest must change when file_reference changes")
	}
	// unique_id при этом стабилен.
	if files.UniqueID(ref) != files.UniqueID(ref2) {
		t.Fatal("unique_id must not depend on file_reference")
	}
}

func TestCacheCommitLookup(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t)

	ref := files.Ref{Kind: files.KindPhoto, ID: 11, AccessHash: 22, DC: 2}
	digest := files.Digest(ref)
	rel := cache.TargetPath(7, files.KindPhoto, 11, ".jpg")
	writeCacheFile(t, cache, rel, 128)

	m, err := cache.Commit(digest, 7, rel, files.UniqueID(ref))
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if m.Size != 128 {
		t.Errorf("Size = %d, want 128", m.Size)
	}

	got, err := cache.Lookup(digest)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got == nil || got.Path != rel {
		t.Fatalf("Lookup() = %+v, want path %q", got, rel)
	}
}

func TestCacheLookupDropsMissingFile(t *testing.T) {
	t.Parallel()
	cache := newTestCache(t)

	rel := cache.TargetPath(1, files.KindDocument, 3, ".bin")
	writeCacheFile(t, cache, rel, 10)
	if _, err := cache.Commit("deadbeef", 1, rel, "u"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// Файл удалили руками (например, вычистили том) — запись обязана исчезнуть.
	if err := os.Remove(cache.Absolute(rel)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, err := cache.Lookup("deadbeef")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got != nil {
		t.Fatalf("Lookup() = %+v, want nil for missing file", got)
	}
}

func TestCacheGC(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	db, err := storage.OpenDB(filepath.Join(dir, "meta.bbolt"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// Управляемые часы: каждый Commit получает строго возрастающий last_access.
	tick := int64(0)
	clock := func() time.Time {
		tick++
		return time.Unix(tick, 0)
	}
	cache, err := files.NewCache(db, filepath.Join(dir, "workdir"), files.WithClock(clock))
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}

	// Три файла по 100 байт; отметка 150 байт должна оставить один-два новейших.
	for i := int64(1); i <= 3; i++ {
		rel := cache.TargetPath(1, files.KindDocument, i, ".bin")
		writeCacheFile(t, cache, rel, 100)
		if _, err := cache.Commit(files.Digest(files.Ref{Kind: files.KindDocument, ID: i, DC: 1}), 1, rel, "u"); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}

	removed := cache.GC(150)
	if removed < 1 || removed > 2 {
		t.Fatalf("GC() removed = %d, want 1..2", removed)
	}

	// Новейшая запись обязана выжить.
	survivor := files.Digest(files.Ref{Kind: files.KindDocument, ID: 3, DC: 1})
	got, err := cache.Lookup(survivor)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got == nil {
		t.Fatal("most recently used entry was evicted")
	}
}
