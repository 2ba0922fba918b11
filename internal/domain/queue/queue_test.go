package queue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/domain/queue"
	"telegram-botapi/internal/infra/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "queue.bbolt"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mkUpdate(id int64, text string) botapi.Update {
	return botapi.Update{
		UpdateID: id,
		Message: &botapi.Message{
			MessageID: id,
			Chat:      botapi.Chat{ID: 100, Type: botapi.ChatTypePrivate},
			Text:      text,
		},
	}
}

func TestPushPeekConfirm(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	q, err := queue.New(1, db)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := int64(1); i <= 5; i++ {
		if err := q.Push(mkUpdate(i, "hi")); err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
	}

	got, err := q.Peek(3)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if len(got) != 3 || got[0].UpdateID != 1 || got[2].UpdateID != 3 {
		t.Fatalf("Peek(3) ids = %v", ids(got))
	}
	// Peek не удаляет.
	if q.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", q.Len())
	}

	if err := q.Confirm(3); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("Len() after confirm = %d, want 2", q.Len())
	}
	got, err = q.Peek(0)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if len(got) != 2 || got[0].UpdateID != 4 {
		t.Fatalf("Peek() after confirm ids = %v, want [4 5]", ids(got))
	}

	// Повторное подтверждение того же offset — no-op.
	if err := q.Confirm(3); err != nil {
		t.Fatalf("Confirm() idempotent error = %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("Len() after repeated confirm = %d, want 2", q.Len())
	}
}

func TestRestoreAfterReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "queue.bbolt")

	db, err := storage.OpenDB(path)
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	q, err := queue.New(9, db)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		if err := q.Push(mkUpdate(i, "persist me")); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	db2, err := storage.OpenDB(path)
	if err != nil {
		t.Fatalf("reopen OpenDB() error = %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })

	q2, err := queue.New(9, db2)
	if err != nil {
		t.Fatalf("New() after reopen error = %v", err)
	}
	if q2.Len() != 3 {
		t.Fatalf("Len() after restore = %d, want 3", q2.Len())
	}
	got, err := q2.Peek(0)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if got[0].Message == nil || got[0].Message.Text != "persist me" {
		t.Fatalf("restored update lost payload: %+v", got[0])
	}
}

func TestWaitWakesOnPush(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	q, err := queue.New(2, db)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	done := make(chan bool, 1)
	go func() {
		done <- q.Wait(context.Background(), 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := q.Push(mkUpdate(1, "wake up")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("Wait() = false after push")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not wake after push")
	}
}

func TestWaitTimeout(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	q, err := queue.New(3, db)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	start := time.Now()
	if q.Wait(context.Background(), 80*time.Millisecond) {
		t.Fatal("Wait() = true on empty queue")
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("Wait() returned too early: %v", elapsed)
	}

	// Нулевой timeout — немедленный возврат.
	if q.Wait(context.Background(), 0) {
		t.Fatal("Wait(0) = true on empty queue")
	}
}

func ids(updates []botapi.Update) []int64 {
	out := make([]int64, len(updates))
	for i, u := range updates {
		out[i] = u.UpdateID
	}
	return out
}
