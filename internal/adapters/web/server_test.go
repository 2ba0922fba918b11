package web

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"telegram-botapi/internal/domain/bots"
	"telegram-botapi/internal/domain/files"
	"telegram-botapi/internal/infra/config"
	"telegram-botapi/internal/infra/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.EnvConfig{
		MaxConnections: 4,
		FilterModulo:   1,
	}
	cache, err := files.NewCache(db, t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	mgr := bots.NewManager(cfg, db, cache)
	return NewServer(cfg, mgr, cache)
}

func TestUnknownMethodIs404(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/bot101:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw2/getChatMenuButton", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404; body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"ok":false`) {
		t.Errorf("expected error envelope, got %s", rec.Body.String())
	}
}

func TestMalformedTokenIs401(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/botGARBAGE/getMe", nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401; body %s", rec.Code, rec.Body.String())
	}
}

func TestParseParamsSources(t *testing.T) {
	t.Parallel()

	t.Run("query", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/?chat_id=42&text=hi&disable_web_page_preview=true", nil)
		p, err := parseParams(req)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got, _ := p.Int64("chat_id"); got != 42 {
			t.Errorf("chat_id = %d, want 42", got)
		}
		if p.String("text") != "hi" || !p.Bool("disable_web_page_preview") {
			t.Errorf("unexpected params: %+v", p.form)
		}
	})

	t.Run("form", func(t *testing.T) {
		t.Parallel()
		form := url.Values{"chat_id": {"42"}, "text": {"hi"}}
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		p, err := parseParams(req)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if p.String("text") != "hi" {
			t.Errorf("text = %q, want hi", p.String("text"))
		}
	})

	t.Run("json body", func(t *testing.T) {
		t.Parallel()
		body := `{"chat_id": 42, "text": "hi", "entities": [{"type":"bold","offset":0,"length":2}]}`
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		p, err := parseParams(req)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if got, _ := p.Int64("chat_id"); got != 42 {
			t.Errorf("chat_id = %d, want 42", got)
		}
		var ents []map[string]any
		if err := p.Decode("entities", &ents); err != nil || len(ents) != 1 {
			t.Errorf("entities decode failed: %v, %v", ents, err)
		}
	})

	t.Run("entities as form string", func(t *testing.T) {
		t.Parallel()
		form := url.Values{"allowed_updates": {`["message","callback_query"]`}}
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		p, err := parseParams(req)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		var allowed []string
		if err := p.Decode("allowed_updates", &allowed); err != nil || len(allowed) != 2 {
			t.Errorf("allowed_updates = %v, err %v", allowed, err)
		}
	})
}

func TestSafeFilePath(t *testing.T) {
	t.Parallel()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	root := t.TempDir()
	cache, err := files.NewCache(db, root)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	cases := []struct {
		name string
		rel  string
		ok   bool
	}{
		{name: "own file", rel: "101/photos/file_1.jpg", ok: true},
		{name: "foreign bot", rel: "202/photos/file_1.jpg", ok: false},
		{name: "traversal", rel: "101/../202/photos/file_1.jpg", ok: false},
		{name: "empty", rel: "", ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			abs, err := safeFilePath(cache, 101, tc.rel)
			if tc.ok && (err != nil || !strings.HasPrefix(abs, filepath.Join(root, "101")+string(filepath.Separator))) {
				t.Errorf("expected valid path, got %q err %v", abs, err)
			}
			if !tc.ok && err == nil {
				t.Errorf("expected rejection, got %q", abs)
			}
		})
	}
}

func TestRedactToken(t *testing.T) {
	t.Parallel()
	got := redactToken("/bot101:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw2/sendMessage")
	if strings.Contains(got, "AAHd") {
		t.Errorf("token leaked into log path: %s", got)
	}
	if !strings.Contains(got, "bot101:***") {
		t.Errorf("expected redacted token, got %s", got)
	}
}
