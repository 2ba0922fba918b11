package botapi_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"telegram-botapi/internal/botapi"
)

func TestChatIDMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		kind string
		id   int64
		want int64
	}{
		{name: "user", kind: botapi.ChatTypePrivate, id: 123, want: 123},
		{name: "basicGroup", kind: botapi.ChatTypeGroup, id: 456, want: -456},
		{name: "channel", kind: botapi.ChatTypeChannel, id: 789, want: -1000000000789},
		{name: "supergroup", kind: botapi.ChatTypeSupergroup, id: 1234567, want: -1000001234567},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := botapi.ChatID(tc.kind, tc.id)
			if got != tc.want {
				t.Fatalf("ChatID(%s, %d) = %d, want %d", tc.kind, tc.id, got, tc.want)
			}

			kind, id := botapi.SplitChatID(got)
			if id != tc.id {
				t.Fatalf("SplitChatID(%d) id = %d, want %d", got, id, tc.id)
			}
			// Канал и супергруппа в одном пространстве: SplitChatID возвращает channel.
			if tc.kind == botapi.ChatTypeSupergroup {
				if kind != botapi.ChatTypeChannel {
					t.Fatalf("SplitChatID(%d) kind = %s, want channel namespace", got, kind)
				}
				return
			}
			if kind != tc.kind {
				t.Fatalf("SplitChatID(%d) kind = %s, want %s", got, kind, tc.kind)
			}
		})
	}
}

func TestWriteResultEnvelope(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	botapi.WriteResult(rec, botapi.User{ID: 1, IsBot: true, FirstName: "gw"})

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		OK     bool        `json:"ok"`
		Result botapi.User `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK || resp.Result.ID != 1 || !resp.Result.IsBot {
		t.Fatalf("unexpected envelope: %s", rec.Body.String())
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	botapi.WriteError(rec, botapi.ErrTooManyRequests(17))

	if rec.Code != 429 {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var resp botapi.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.OK {
		t.Fatal("ok = true, want false")
	}
	if resp.ErrorCode != 429 || resp.Parameters == nil || resp.Parameters.RetryAfter != 17 {
		t.Fatalf("unexpected error envelope: %s", rec.Body.String())
	}
}

func TestErrorStopRetry(t *testing.T) {
	t.Parallel()

	if !botapi.ErrBadRequest("chat not found").StopRetry() {
		t.Error("400 must stop retries")
	}
	if botapi.ErrTooManyRequests(5).StopRetry() {
		t.Error("429 must allow retries")
	}
	if botapi.ErrInternal("boom").StopRetry() {
		t.Error("500 must allow retries")
	}
}
