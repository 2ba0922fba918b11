package session_test

import (
	"path/filepath"
	"testing"

	"telegram-botapi/internal/domain/session"
	"telegram-botapi/internal/infra/storage"
)

func TestParseToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		token   string
		wantID  int64
		wantErr bool
	}{
		{
			name:   "valid",
			token:  "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw2",
			wantID: 123456789,
		},
		{name: "noColon", token: "123456789", wantErr: true},
		{name: "emptySecret", token: "123456789:", wantErr: true},
		{name: "shortSecret", token: "123456789:abc", wantErr: true},
		{name: "negativeID", token: "-5:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw2", wantErr: true},
		{name: "nonNumericID", token: "bot:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw2", wantErr: true},
		{name: "badSecretChars", token: "42:AAHdqTcvCH1vGWJxfSeofSAs0K5PALD!!!!", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			id, err := session.ParseToken(tc.token)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseToken(%q) expected error, got id=%d", tc.token, id)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseToken(%q) error = %v", tc.token, err)
			}
			if id != tc.wantID {
				t.Fatalf("ParseToken(%q) = %d, want %d", tc.token, id, tc.wantID)
			}
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "sessions.bbolt"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := session.NewStore(db)

	s := session.New(42, "42:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw2")
	s.Authorized = true
	s.Webhook = &session.WebhookConfig{URL: "https://example.org/hook", MaxConnections: 40}
	s.NextUpdateID()
	s.NextUpdateID()

	if err := store.Save(s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(42)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got == nil {
		t.Fatal("Load() = nil, want session")
	}
	if got.LastUpdateID != 2 {
		t.Errorf("LastUpdateID = %d, want 2", got.LastUpdateID)
	}
	if !got.WebhookActive() {
		t.Error("WebhookActive() = false, want true")
	}

	all, failed := store.All()
	if len(failed) != 0 {
		t.Fatalf("All() failed = %v", failed)
	}
	if len(all) != 1 || all[0].BotID != 42 {
		t.Fatalf("All() = %+v, want single session for bot 42", all)
	}

	if err := store.Delete(42); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, err = store.Load(42)
	if err != nil {
		t.Fatalf("Load() after delete error = %v", err)
	}
	if got != nil {
		t.Fatal("Load() after delete returned session, want nil")
	}
}

func TestWebhookActive(t *testing.T) {
	t.Parallel()

	s := session.New(1, "1:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw2")
	if s.WebhookActive() {
		t.Error("fresh session must be in long-poll mode")
	}
	s.Webhook = &session.WebhookConfig{}
	if s.WebhookActive() {
		t.Error("webhook with empty URL must not count as active")
	}
}
