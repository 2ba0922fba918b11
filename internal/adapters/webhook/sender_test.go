package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/domain/queue"
	"telegram-botapi/internal/infra/storage"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	q, err := queue.New(77, db)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSenderDeliversAndConfirms(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	for i := int64(1); i <= 3; i++ {
		if err := q.Push(botapi.Update{UpdateID: i}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	var delivered atomic.Int64
	var badSecret atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(secretTokenHeader) != "s3cret" {
			badSecret.Store(true)
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Config{
		BotID:          77,
		URL:            srv.URL,
		SecretToken:    "s3cret",
		MaxConnections: 2,
		Queue:          q,
		Client:         srv.Client(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	waitFor(t, 5*time.Second, func() bool { return q.Len() == 0 })
	if got := delivered.Load(); got != 3 {
		t.Errorf("delivered %d updates, want 3", got)
	}
	if badSecret.Load() {
		t.Error("secret token header missing or wrong")
	}
}

func TestSenderGoneDropsWebhook(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	if err := q.Push(botapi.Update{UpdateID: 1}); err != nil {
		t.Fatalf("push: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	goneCh := make(chan struct{})
	s := New(Config{
		BotID:          77,
		URL:            srv.URL,
		MaxConnections: 1,
		Queue:          q,
		Client:         srv.Client(),
		OnGone:         func() { close(goneCh) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	select {
	case <-goneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("OnGone was not called after 410")
	}
	// Недоставленный апдейт остаётся ждать getUpdates.
	if q.Len() != 1 {
		t.Errorf("queue len = %d, want 1", q.Len())
	}
}

func TestSenderRecordsLastError(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t)
	if err := q.Push(botapi.Update{UpdateID: 1}); err != nil {
		t.Fatalf("push: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 404 — StopRetry, троттлер не будет повторять и тест останется быстрым.
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	errCh := make(chan string, 1)
	s := New(Config{
		BotID:          77,
		URL:            srv.URL,
		MaxConnections: 1,
		Queue:          q,
		Client:         srv.Client(),
		RetryPause:     10 * time.Millisecond,
		OnError: func(_ int64, msg string) {
			select {
			case errCh <- msg:
			default:
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	select {
	case msg := <-errCh:
		if msg == "" {
			t.Error("empty last error message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnError was not called")
	}
}
