package web

// handlers.go — разбор аргументов конкретных методов и вызовы актора.
// Валидация формата происходит здесь; валидация смысла (peer существует,
// вебхук конфликтует и т.п.) — в акторе и MTProto-слое.

import (
	"context"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/domain/bots"
	"telegram-botapi/internal/domain/files"

	tgadapter "telegram-botapi/internal/adapters/telegram"
)

// webhookSecretRe — допустимый алфавит secret_token по документации Bot API.
var webhookSecretRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

// dispatch выполняет метод и возвращает результат для конверта.
func (s *Server) dispatch(ctx context.Context, a *bots.Actor, method string, p *params) (any, error) {
	switch method {
	case "getme":
		return a.GetMe(ctx)
	case "sendmessage":
		return s.sendMessage(ctx, a, p)
	case "forwardmessage":
		return s.forwardMessage(ctx, a, p)
	case "deletemessage":
		return s.deleteMessage(ctx, a, p)
	case "answercallbackquery":
		return s.answerCallbackQuery(ctx, a, p)
	case "sendchataction":
		return s.sendChatAction(ctx, a, p)
	case "getfile":
		return a.GetFile(ctx, p.String("file_id"))
	case "getupdates":
		return s.getUpdates(ctx, a, p)
	case "setwebhook":
		return s.setWebhook(ctx, a, p)
	case "deletewebhook":
		if err := a.DeleteWebhook(ctx, p.Bool("drop_pending_updates")); err != nil {
			return nil, err
		}
		return true, nil
	case "getwebhookinfo":
		return a.WebhookInfo(ctx)
	case "logout":
		if err := a.LogOut(ctx); err != nil {
			return nil, err
		}
		s.mgr.Release(a)
		return true, nil
	case "close":
		s.mgr.Release(a)
		return true, nil
	default:
		return nil, botapi.ErrNotFound("method not found")
	}
}

// chatID разбирает аргумент chat_id. Адресация @username не поддерживается:
// у ботов нет универсального резолва имён, только накопленные peer'ы.
func chatID(p *params, key string) (int64, error) {
	s := p.String(key)
	if s == "" {
		return 0, botapi.ErrBadRequest("%s is required", key)
	}
	if strings.HasPrefix(s, "@") {
		return 0, botapi.ErrBadRequest("chat addressing by @username is not supported")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, botapi.ErrBadRequest("%s must be an integer", key)
	}
	return id, nil
}

func (s *Server) sendMessage(ctx context.Context, a *bots.Actor, p *params) (any, error) {
	chat, err := chatID(p, "chat_id")
	if err != nil {
		return nil, err
	}
	text := p.String("text")
	if text == "" {
		return nil, botapi.ErrBadRequest("message text is empty")
	}

	req := tgadapter.SendMessageRequest{
		ChatID:                chat,
		Text:                  text,
		DisableWebPagePreview: p.Bool("disable_web_page_preview"),
	}
	replyTo, err := p.Int64("reply_to_message_id")
	if err != nil {
		return nil, botapi.ErrBadRequest("reply_to_message_id must be an integer")
	}
	req.ReplyToMessageID = replyTo
	if p.Has("entities") {
		if dErr := p.Decode("entities", &req.Entities); dErr != nil {
			return nil, botapi.ErrBadRequest("can't parse entities")
		}
	}
	return a.SendMessage(ctx, req)
}

func (s *Server) forwardMessage(ctx context.Context, a *bots.Actor, p *params) (any, error) {
	chat, err := chatID(p, "chat_id")
	if err != nil {
		return nil, err
	}
	from, err := chatID(p, "from_chat_id")
	if err != nil {
		return nil, err
	}
	msgID, err := p.Int64("message_id")
	if err != nil || msgID == 0 {
		return nil, botapi.ErrBadRequest("message_id is required")
	}
	return a.ForwardMessage(ctx, chat, from, msgID)
}

func (s *Server) deleteMessage(ctx context.Context, a *bots.Actor, p *params) (any, error) {
	chat, err := chatID(p, "chat_id")
	if err != nil {
		return nil, err
	}
	msgID, err := p.Int64("message_id")
	if err != nil || msgID == 0 {
		return nil, botapi.ErrBadRequest("message_id is required")
	}
	if err := a.DeleteMessage(ctx, chat, msgID); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) answerCallbackQuery(ctx context.Context, a *bots.Actor, p *params) (any, error) {
	queryID, err := strconv.ParseInt(p.String("callback_query_id"), 10, 64)
	if err != nil {
		return nil, botapi.ErrBadRequest("callback_query_id is required")
	}
	cacheTime, _ := p.Int("cache_time")
	if err := a.AnswerCallbackQuery(ctx, queryID, p.String("text"), p.Bool("show_alert"), cacheTime); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) sendChatAction(ctx context.Context, a *bots.Actor, p *params) (any, error) {
	chat, err := chatID(p, "chat_id")
	if err != nil {
		return nil, err
	}
	action := p.String("action")
	if action == "" {
		return nil, botapi.ErrBadRequest("action is required")
	}
	if err := a.SendChatAction(ctx, chat, action); err != nil {
		return nil, err
	}
	return true, nil
}

func (s *Server) getUpdates(ctx context.Context, a *bots.Actor, p *params) (any, error) {
	offset, err := p.Int64("offset")
	if err != nil {
		return nil, botapi.ErrBadRequest("offset must be an integer")
	}
	limit, err := p.Int("limit")
	if err != nil {
		return nil, botapi.ErrBadRequest("limit must be an integer")
	}
	timeoutSec, err := p.Int("timeout")
	if err != nil || timeoutSec < 0 {
		return nil, botapi.ErrBadRequest("timeout must be a non-negative integer")
	}

	updates, err := a.GetUpdates(ctx, offset, limit, time.Duration(timeoutSec)*time.Second)
	if err != nil {
		return nil, err
	}
	if updates == nil {
		// Пустой результат сериализуется как [], а не null.
		updates = []botapi.Update{}
	}
	return updates, nil
}

func (s *Server) setWebhook(ctx context.Context, a *bots.Actor, p *params) (any, error) {
	rawURL := p.String("url")
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil || u.Host == "" {
			return nil, botapi.ErrBadRequest("invalid webhook URL")
		}
		if u.Scheme != "https" && !s.cfg.Local {
			return nil, botapi.ErrBadRequest("webhook URL must use HTTPS")
		}
	}

	secret := p.String("secret_token")
	if secret != "" && !webhookSecretRe.MatchString(secret) {
		return nil, botapi.ErrBadRequest("secret token contains forbidden characters")
	}

	maxConns, err := p.Int("max_connections")
	if err != nil || maxConns < 0 {
		return nil, botapi.ErrBadRequest("max_connections must be a non-negative integer")
	}

	var allowed []string
	if p.Has("allowed_updates") {
		if dErr := p.Decode("allowed_updates", &allowed); dErr != nil {
			return nil, botapi.ErrBadRequest("can't parse allowed_updates")
		}
	}

	err = a.SetWebhook(ctx, bots.WebhookParams{
		URL:            rawURL,
		SecretToken:    secret,
		MaxConnections: maxConns,
		AllowedUpdates: allowed,
		DropPending:    p.Bool("drop_pending_updates"),
	})
	if err != nil {
		return nil, err
	}
	return true, nil
}

// safeFilePath превращает путь из URL в абсолютный путь внутри кэша,
// отсекая выход за пределы каталога бота.
func safeFilePath(cache *files.Cache, botID int64, rel string) (string, error) {
	clean := path.Clean("/" + rel)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", botapi.ErrNotFound("file not found")
	}
	first, _, _ := strings.Cut(clean, "/")
	if first != strconv.FormatInt(botID, 10) {
		return "", botapi.ErrNotFound("file not found")
	}
	return cache.Absolute(filepath.FromSlash(clean)), nil
}
