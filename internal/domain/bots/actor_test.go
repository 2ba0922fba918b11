package bots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/domain/queue"
	"telegram-botapi/internal/domain/session"
	"telegram-botapi/internal/infra/config"
	"telegram-botapi/internal/infra/storage"
)

// newTestActor строит актор без MTProto-клиента: операции над очередью и
// вебхуком клиента не касаются.
func newTestActor(t *testing.T) (*Actor, *session.Store) {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := session.NewStore(db)
	sess := session.New(101, "101:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw2")
	q, err := queue.New(101, db)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	a := newActor(context.Background(), sess, store, q, nil, 40, 4)
	t.Cleanup(a.Close)
	return a, store
}

func TestHandleUpdatesAssignsSequentialIDs(t *testing.T) {
	t.Parallel()
	a, store := newTestActor(t)

	a.HandleUpdates(context.Background(), []botapi.Update{
		{Message: &botapi.Message{MessageID: 1}},
		{Message: &botapi.Message{MessageID: 2}},
	})
	a.HandleUpdates(context.Background(), []botapi.Update{
		{Message: &botapi.Message{MessageID: 3}},
	})

	got, err := a.GetUpdates(context.Background(), 0, 10, 0)
	if err != nil {
		t.Fatalf("getUpdates: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d updates, want 3", len(got))
	}
	for i, upd := range got {
		if upd.UpdateID != int64(i+1) {
			t.Errorf("update %d has id %d, want %d", i, upd.UpdateID, i+1)
		}
	}

	// Счётчик update_id должен пережить рестарт.
	restored, err := store.Load(101)
	if err != nil || restored == nil {
		t.Fatalf("load session: %v", err)
	}
	if restored.LastUpdateID != 3 {
		t.Errorf("persisted last update id = %d, want 3", restored.LastUpdateID)
	}
}

func TestGetUpdatesOffsetConfirms(t *testing.T) {
	t.Parallel()
	a, _ := newTestActor(t)

	a.HandleUpdates(context.Background(), []botapi.Update{
		{Message: &botapi.Message{MessageID: 1}},
		{Message: &botapi.Message{MessageID: 2}},
		{Message: &botapi.Message{MessageID: 3}},
	})

	// offset=3 подтверждает апдейты 1 и 2.
	got, err := a.GetUpdates(context.Background(), 3, 10, 0)
	if err != nil {
		t.Fatalf("getUpdates: %v", err)
	}
	if len(got) != 1 || got[0].UpdateID != 3 {
		t.Fatalf("expected only update 3, got %+v", got)
	}

	// Без подтверждения апдейт 3 приходит снова.
	again, err := a.GetUpdates(context.Background(), 0, 10, 0)
	if err != nil {
		t.Fatalf("getUpdates: %v", err)
	}
	if len(again) != 1 || again[0].UpdateID != 3 {
		t.Fatalf("expected redelivery of update 3, got %+v", again)
	}
}

func TestGetUpdatesLongPollWakesOnPush(t *testing.T) {
	t.Parallel()
	a, _ := newTestActor(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		a.HandleUpdates(context.Background(), []botapi.Update{
			{Message: &botapi.Message{MessageID: 1}},
		})
	}()

	start := time.Now()
	got, err := a.GetUpdates(context.Background(), 0, 10, 5*time.Second)
	if err != nil {
		t.Fatalf("getUpdates: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d updates, want 1", len(got))
	}
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Errorf("long poll did not wake early, took %s", elapsed)
	}
}

func TestWebhookConflictsWithGetUpdates(t *testing.T) {
	t.Parallel()
	a, _ := newTestActor(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := a.SetWebhook(context.Background(), WebhookParams{URL: srv.URL}); err != nil {
		t.Fatalf("setWebhook: %v", err)
	}

	_, err := a.GetUpdates(context.Background(), 0, 10, 0)
	apiErr := botapi.AsError(err)
	if apiErr == nil || apiErr.Code != 409 {
		t.Fatalf("expected 409 conflict, got %v", err)
	}

	if err := a.DeleteWebhook(context.Background(), false); err != nil {
		t.Fatalf("deleteWebhook: %v", err)
	}
	if _, err := a.GetUpdates(context.Background(), 0, 10, 0); err != nil {
		t.Fatalf("getUpdates after deleteWebhook: %v", err)
	}
}

func TestSetWebhookClampsConnections(t *testing.T) {
	t.Parallel()
	a, _ := newTestActor(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := a.SetWebhook(context.Background(), WebhookParams{URL: srv.URL, MaxConnections: 500}); err != nil {
		t.Fatalf("setWebhook: %v", err)
	}

	info, err := a.WebhookInfo(context.Background())
	if err != nil {
		t.Fatalf("webhookInfo: %v", err)
	}
	if info.MaxConnections != 40 {
		t.Errorf("max connections = %d, want clamp to 40", info.MaxConnections)
	}
	if info.URL != srv.URL {
		t.Errorf("url = %q, want %q", info.URL, srv.URL)
	}
}

func TestDeleteWebhookDropsPending(t *testing.T) {
	t.Parallel()
	a, _ := newTestActor(t)

	a.HandleUpdates(context.Background(), []botapi.Update{
		{Message: &botapi.Message{MessageID: 1}},
		{Message: &botapi.Message{MessageID: 2}},
	})
	if a.QueueLen() != 2 {
		t.Fatalf("queue len = %d, want 2", a.QueueLen())
	}

	if err := a.DeleteWebhook(context.Background(), true); err != nil {
		t.Fatalf("deleteWebhook: %v", err)
	}
	if a.QueueLen() != 0 {
		t.Errorf("queue len = %d after drop, want 0", a.QueueLen())
	}
}

func TestAllowedUpdatesFilter(t *testing.T) {
	t.Parallel()
	a, _ := newTestActor(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := a.SetWebhook(context.Background(), WebhookParams{
		URL:            srv.URL,
		AllowedUpdates: []string{"callback_query"},
	})
	if err != nil {
		t.Fatalf("setWebhook: %v", err)
	}

	a.HandleUpdates(context.Background(), []botapi.Update{
		{Message: &botapi.Message{MessageID: 1}},
		{CallbackQuery: &botapi.CallbackQuery{ID: "1"}},
	})

	info, err := a.WebhookInfo(context.Background())
	if err != nil {
		t.Fatalf("webhookInfo: %v", err)
	}
	// Воркер мог уже доставить callback_query; сообщение сюда попасть не должно
	// было вовсе, поэтому глубина очереди не превышает 1.
	if info.PendingUpdateCount > 1 {
		t.Errorf("pending = %d, message kind must be filtered out", info.PendingUpdateCount)
	}
}

func TestManagerRejectsBadTokensAndForeignShards(t *testing.T) {
	t.Parallel()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.EnvConfig{FilterRemainder: 0, FilterModulo: 2}
	m := NewManager(cfg, db, nil)
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	if _, err := m.Actor(context.Background(), "garbage"); botapi.AsError(err).Code != 401 {
		t.Errorf("malformed token: expected 401, got %v", err)
	}
	// 101 % 2 == 1, а шард обслуживает остаток 0.
	if _, err := m.Actor(context.Background(), "101:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw2"); botapi.AsError(err).Code != 403 {
		t.Errorf("foreign shard: expected 403, got %v", err)
	}
}

func TestRequestCapIsPerBot(t *testing.T) {
	t.Parallel()
	a, _ := newTestActor(t) // кап 4 слота
	b, _ := newTestActor(t)

	for i := 0; i < 4; i++ {
		if !a.BeginRequest() {
			t.Fatalf("slot %d: expected free slot", i)
		}
	}
	if a.BeginRequest() {
		t.Error("expected 5th request to be rejected")
	}

	// Исчерпанный лимит одного бота не трогает соседа.
	if !b.BeginRequest() {
		t.Error("neighbour bot must have its own slots")
	}
	b.EndRequest()

	a.EndRequest()
	if !a.BeginRequest() {
		t.Error("released slot must be reusable")
	}
}
