package telegram

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"telegram-botapi/internal/domain/files"
	"telegram-botapi/internal/infra/storage"
)

// newTestFileClient — клиент без сетевого слоя поверх временного кэша.
// В тестах ниже трогаются только пути, попадающие в кэш без RPC.
func newTestFileClient(t *testing.T, local bool) *BotClient {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cache, err := files.NewCache(db, t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return &BotClient{botID: 101, local: local, cache: cache}
}

// commitTestFile кладёт файл на диск и регистрирует его в кэше.
func commitTestFile(t *testing.T, b *BotClient, ref files.Ref, payload []byte) string {
	t.Helper()
	rel := b.cache.TargetPath(b.botID, ref.Kind, ref.ID, ".jpg")
	abs := b.cache.Absolute(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, payload, 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := b.cache.Commit(files.Digest(ref), b.botID, rel, files.UniqueID(ref)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return rel
}

func TestGetFileCacheHit(t *testing.T) {
	t.Parallel()
	b := newTestFileClient(t, false)

	ref := files.Ref{
		Kind:       files.KindPhoto,
		ID:         555,
		AccessHash: 777,
		FileRef:    []byte{1, 2, 3},
		ThumbSize:  "x",
	}
	payload := []byte("jpeg-bytes")
	rel := commitTestFile(t, b, ref, payload)

	// Попадание в кэш не требует сетевого клиента вовсе.
	got, err := b.GetFile(context.Background(), files.EncodeFileID(ref))
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.FilePath != rel {
		t.Errorf("FilePath = %q, want %q", got.FilePath, rel)
	}
	if got.FileSize != int64(len(payload)) {
		t.Errorf("FileSize = %d, want %d", got.FileSize, len(payload))
	}
	if got.FileUniqueID != files.UniqueID(ref) {
		t.Errorf("FileUniqueID = %q, want %q", got.FileUniqueID, files.UniqueID(ref))
	}
}

func TestGetFileLocalModeAbsolutePath(t *testing.T) {
	t.Parallel()
	b := newTestFileClient(t, true)

	ref := files.Ref{Kind: files.KindPhoto, ID: 7, AccessHash: 9, FileRef: []byte{4}}
	rel := commitTestFile(t, b, ref, []byte("x"))

	got, err := b.GetFile(context.Background(), files.EncodeFileID(ref))
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if want := b.cache.Absolute(rel); got.FilePath != want {
		t.Errorf("FilePath = %q, want absolute %q", got.FilePath, want)
	}
}

func TestGetFileRejectsGarbageID(t *testing.T) {
	t.Parallel()
	b := newTestFileClient(t, false)

	if _, err := b.GetFile(context.Background(), "not-a-file-id"); err == nil {
		t.Fatal("expected error for malformed file_id")
	}
}

// Каталог под новую запись кэша создаётся до скачивания: первый getFile бота
// не должен падать на os.CreateTemp в ещё не существующей поддиректории.
func TestDownloadTargetDirPrepared(t *testing.T) {
	t.Parallel()
	b := newTestFileClient(t, false)

	rel := b.cache.TargetPath(b.botID, files.KindDocument, 42, ".bin")
	abs := b.cache.Absolute(rel)
	if err := storage.EnsureDir(abs); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".download-*")
	if err != nil {
		t.Fatalf("CreateTemp in fresh cache dir: %v", err)
	}
	tmp.Close()
}
