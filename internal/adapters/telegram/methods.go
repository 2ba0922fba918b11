package telegram

// methods.go — выполнение методов Bot API поверх MTProto RPC: построение
// запросов, извлечение результата из контейнеров апдейтов и перевод RPC-ошибок
// в канонические ошибки Bot API (FLOOD_WAIT → 429 retry_after и т.д.).

import (
	"context"
	"math/rand/v2"
	"strings"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/infra/logger"
)

// SendMessageRequest — аргументы sendMessage после разбора фасадом.
type SendMessageRequest struct {
	ChatID                int64
	Text                  string
	Entities              []botapi.MessageEntity
	DisableWebPagePreview bool
	ReplyToMessageID      int64
}

// SendMessage выполняет messages.sendMessage и возвращает отправленное сообщение.
func (b *BotClient) SendMessage(ctx context.Context, req SendMessageRequest) (*botapi.Message, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, botapi.ErrBadRequest("message text is empty")
	}
	peer, err := b.peers.ResolvePeer(req.ChatID)
	if err != nil {
		return nil, botapi.ErrBadRequest("chat not found")
	}

	rpcReq := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  req.Text,
		RandomID: rand.Int64(), // #nosec G404 — дедупликация, не криптография
	}
	if req.DisableWebPagePreview {
		rpcReq.NoWebpage = true
	}
	if len(req.Entities) > 0 {
		rpcReq.Entities = buildEntities(req.Entities)
	}
	if req.ReplyToMessageID != 0 {
		rpcReq.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: int(req.ReplyToMessageID)}
	}

	updates, err := b.api().MessagesSendMessage(ctx, rpcReq)
	if err != nil {
		return nil, mapRPCError(err)
	}
	return b.extractSentMessage(updates, req), nil
}

// ForwardMessage выполняет messages.forwardMessages для одного сообщения.
func (b *BotClient) ForwardMessage(ctx context.Context, chatID, fromChatID, messageID int64) (*botapi.Message, error) {
	to, err := b.peers.ResolvePeer(chatID)
	if err != nil {
		return nil, botapi.ErrBadRequest("chat not found")
	}
	from, err := b.peers.ResolvePeer(fromChatID)
	if err != nil {
		return nil, botapi.ErrBadRequest("chat to forward from not found")
	}

	updates, err := b.api().MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer: from,
		ToPeer:   to,
		ID:       []int{int(messageID)},
		RandomID: []int64{rand.Int64()}, // #nosec G404
	})
	if err != nil {
		return nil, mapRPCError(err)
	}
	return b.extractSentMessage(updates, SendMessageRequest{ChatID: chatID}), nil
}

// DeleteMessage удаляет сообщение. Каналы и супергруппы идут через
// channels.deleteMessages, остальные чаты — через messages.deleteMessages.
func (b *BotClient) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	kind, id := botapi.SplitChatID(chatID)
	if kind == botapi.ChatTypeChannel {
		channel, err := b.peers.ResolveChannel(id)
		if err != nil {
			return botapi.ErrBadRequest("chat not found")
		}
		if _, err := b.api().ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: channel,
			ID:      []int{int(messageID)},
		}); err != nil {
			return mapRPCError(err)
		}
		return nil
	}

	if _, err := b.api().MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		ID:     []int{int(messageID)},
		Revoke: true,
	}); err != nil {
		return mapRPCError(err)
	}
	return nil
}

// AnswerCallbackQuery подтверждает нажатие inline-кнопки.
func (b *BotClient) AnswerCallbackQuery(ctx context.Context, queryID int64, text string, alert bool, cacheTime int) error {
	req := &tg.MessagesSetBotCallbackAnswerRequest{
		QueryID:   queryID,
		CacheTime: cacheTime,
	}
	if text != "" {
		req.SetMessage(text)
	}
	if alert {
		req.Alert = true
	}
	if _, err := b.api().MessagesSetBotCallbackAnswer(ctx, req); err != nil {
		return mapRPCError(err)
	}
	return nil
}

// SendChatAction транслирует действие «печатает…» и родственные.
func (b *BotClient) SendChatAction(ctx context.Context, chatID int64, action string) error {
	peer, err := b.peers.ResolvePeer(chatID)
	if err != nil {
		return botapi.ErrBadRequest("chat not found")
	}

	var tgAction tg.SendMessageActionClass
	switch action {
	case "typing":
		tgAction = &tg.SendMessageTypingAction{}
	case "upload_photo":
		tgAction = &tg.SendMessageUploadPhotoAction{}
	case "upload_document":
		tgAction = &tg.SendMessageUploadDocumentAction{}
	case "record_voice":
		tgAction = &tg.SendMessageRecordAudioAction{}
	case "choose_sticker":
		tgAction = &tg.SendMessageChooseStickerAction{}
	default:
		return botapi.ErrBadRequest("unsupported chat action %q", action)
	}

	if _, err := b.api().MessagesSetTyping(ctx, &tg.MessagesSetTypingRequest{
		Peer:   peer,
		Action: tgAction,
	}); err != nil {
		return mapRPCError(err)
	}
	return nil
}

// extractSentMessage достаёт отправленное сообщение из ответа RPC.
// Для компактной формы (UpdateShortSentMessage) сообщение синтезируется из
// аргументов запроса — сервер в этом случае не возвращает полный объект.
func (b *BotClient) extractSentMessage(updates tg.UpdatesClass, req SendMessageRequest) *botapi.Message {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		kind, _ := botapi.SplitChatID(req.ChatID)
		return &botapi.Message{
			MessageID: int64(u.ID),
			Date:      int64(u.Date),
			Text:      req.Text,
			From:      b.selfUser(),
			Chat:      botapi.Chat{ID: req.ChatID, Type: kind},
			Entities:  req.Entities,
		}
	case *tg.Updates:
		ent := b.conv.collectEntities(u.Users, u.Chats)
		for _, upd := range u.Updates {
			var m tg.MessageClass
			switch inner := upd.(type) {
			case *tg.UpdateNewMessage:
				m = inner.Message
			case *tg.UpdateNewChannelMessage:
				m = inner.Message
			default:
				continue
			}
			if msg := b.conv.convertMessage(m, ent, false); msg != nil {
				msg.From = b.selfUser()
				return msg
			}
		}
	}
	logger.Debugf("extractSentMessage: no message in %T", updates)
	kind, _ := botapi.SplitChatID(req.ChatID)
	return &botapi.Message{
		Text: req.Text,
		From: b.selfUser(),
		Chat: botapi.Chat{ID: req.ChatID, Type: kind},
	}
}

// buildEntities — обратная конверсия сущностей для исходящих сообщений.
// Неизвестные типы пропускаются: лучше отправить текст без украшения, чем
// отвергнуть весь запрос.
func buildEntities(in []botapi.MessageEntity) []tg.MessageEntityClass {
	out := make([]tg.MessageEntityClass, 0, len(in))
	for _, e := range in {
		var built tg.MessageEntityClass
		switch e.Type {
		case "bold":
			built = &tg.MessageEntityBold{Offset: e.Offset, Length: e.Length}
		case "italic":
			built = &tg.MessageEntityItalic{Offset: e.Offset, Length: e.Length}
		case "underline":
			built = &tg.MessageEntityUnderline{Offset: e.Offset, Length: e.Length}
		case "strikethrough":
			built = &tg.MessageEntityStrike{Offset: e.Offset, Length: e.Length}
		case "spoiler":
			built = &tg.MessageEntitySpoiler{Offset: e.Offset, Length: e.Length}
		case "code":
			built = &tg.MessageEntityCode{Offset: e.Offset, Length: e.Length}
		case "pre":
			built = &tg.MessageEntityPre{Offset: e.Offset, Length: e.Length, Language: e.Language}
		case "text_link":
			built = &tg.MessageEntityTextURL{Offset: e.Offset, Length: e.Length, URL: e.URL}
		case "blockquote":
			built = &tg.MessageEntityBlockquote{Offset: e.Offset, Length: e.Length}
		default:
			continue
		}
		out = append(out, built)
	}
	return out
}

// mapRPCError переводит ошибку RPC-слоя в ошибку Bot API.
// FLOOD_WAIT становится 429 с retry_after; коды 400/401/403 сохраняются;
// всё прочее (сеть, таймауты) — 500.
func mapRPCError(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return botapi.ErrTooManyRequests(int(d.Seconds()) + 1)
	}
	if rpcErr, ok := tgerr.As(err); ok {
		switch rpcErr.Code {
		case 400:
			return botapi.ErrBadRequest("%s", rpcErr.Type)
		case 401:
			return botapi.ErrUnauthorized("%s", rpcErr.Type)
		case 403:
			return botapi.ErrForbidden("%s", rpcErr.Type)
		}
	}
	logger.Debugf("rpc error passed through as internal: %v", err)
	return botapi.ErrInternal("rpc failed")
}
