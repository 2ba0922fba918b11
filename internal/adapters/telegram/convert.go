package telegram

// convert.go — конверсия MTProto-апдейтов в JSON-модель Bot API.
// Каждый контейнер апдейтов несёт списки users/chats (entities); по ним
// восстанавливаются отправители и чаты, а access hash попутно запоминаются в
// PeerStore. Апдейты, не имеющие представления в Bot API (сервисные сообщения,
// собственные исходящие), молча пропускаются.

import (
	"encoding/base64"
	"strconv"

	"github.com/gotd/td/tg"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/domain/files"
	"telegram-botapi/internal/infra/logger"
)

// entities — карты пользователей и чатов из контейнера апдейтов.
type entities struct {
	users map[int64]*tg.User
	chats map[int64]tg.ChatClass
}

// Converter переводит tg.UpdatesClass в наборы botapi.Update.
// UpdateID у результатов нулевой: идентификаторы присваивает актор бота,
// владеющий счётчиком сессии.
type Converter struct {
	peers *PeerStore
}

// NewConverter создаёт конвертер, пишущий увиденные access hash в store.
func NewConverter(peers *PeerStore) *Converter {
	return &Converter{peers: peers}
}

// Convert разворачивает контейнер апдейтов в плоский список событий Bot API.
func (c *Converter) Convert(u tg.UpdatesClass) []botapi.Update {
	switch upd := u.(type) {
	case *tg.Updates:
		ent := c.collectEntities(upd.Users, upd.Chats)
		return c.convertList(upd.Updates, ent)
	case *tg.UpdatesCombined:
		ent := c.collectEntities(upd.Users, upd.Chats)
		return c.convertList(upd.Updates, ent)
	case *tg.UpdateShort:
		return c.convertList([]tg.UpdateClass{upd.Update}, entities{})
	case *tg.UpdateShortMessage:
		return c.convertShortMessage(upd)
	case *tg.UpdateShortChatMessage:
		return c.convertShortChatMessage(upd)
	case *tg.UpdatesTooLong:
		// Пропуск диапазона апдейтов; восстановление делает update-менеджер gotd.
		logger.Debug("updates too long, relying on gap recovery")
		return nil
	default:
		return nil
	}
}

// collectEntities строит карты entities и запоминает access hash.
func (c *Converter) collectEntities(users []tg.UserClass, chats []tg.ChatClass) entities {
	ent := entities{
		users: make(map[int64]*tg.User, len(users)),
		chats: make(map[int64]tg.ChatClass, len(chats)),
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			ent.users[user.ID] = user
			c.peers.RememberUser(user)
		}
	}
	for _, ch := range chats {
		switch chat := ch.(type) {
		case *tg.Chat:
			ent.chats[chat.ID] = chat
		case *tg.Channel:
			ent.chats[chat.ID] = chat
		default:
			continue
		}
		c.peers.RememberChat(ch)
	}
	return ent
}

func (c *Converter) convertList(updates []tg.UpdateClass, ent entities) []botapi.Update {
	var out []botapi.Update
	for _, u := range updates {
		if converted := c.convertOne(u, ent); converted != nil {
			out = append(out, *converted)
		}
	}
	return out
}

// convertOne переводит одиночный апдейт. Nil — «нет представления в Bot API».
func (c *Converter) convertOne(u tg.UpdateClass, ent entities) *botapi.Update {
	switch upd := u.(type) {
	case *tg.UpdateNewMessage:
		msg := c.convertMessage(upd.Message, ent, true)
		if msg == nil {
			return nil
		}
		return &botapi.Update{Message: msg}
	case *tg.UpdateNewChannelMessage:
		msg := c.convertMessage(upd.Message, ent, true)
		if msg == nil {
			return nil
		}
		if msg.Chat.Type == botapi.ChatTypeChannel {
			return &botapi.Update{ChannelPost: msg}
		}
		return &botapi.Update{Message: msg}
	case *tg.UpdateEditMessage:
		msg := c.convertMessage(upd.Message, ent, true)
		if msg == nil {
			return nil
		}
		return &botapi.Update{EditedMessage: msg}
	case *tg.UpdateEditChannelMessage:
		msg := c.convertMessage(upd.Message, ent, true)
		if msg == nil {
			return nil
		}
		if msg.Chat.Type == botapi.ChatTypeChannel {
			return &botapi.Update{EditedChannelPost: msg}
		}
		return &botapi.Update{EditedMessage: msg}
	case *tg.UpdateBotCallbackQuery:
		return c.convertCallbackQuery(upd, ent)
	default:
		return nil
	}
}

// convertShortMessage разворачивает компактную форму личного сообщения.
// Entities в ней нет, поэтому отправитель восстанавливается только по id;
// access hash для ответа обязан прийти позже в полном контейнере.
func (c *Converter) convertShortMessage(upd *tg.UpdateShortMessage) []botapi.Update {
	if upd.Out {
		return nil
	}
	msg := &botapi.Message{
		MessageID: int64(upd.ID),
		Date:      int64(upd.Date),
		Text:      upd.Message,
		From:      &botapi.User{ID: upd.UserID, FirstName: strconv.FormatInt(upd.UserID, 10)},
		Chat: botapi.Chat{
			ID:   botapi.ChatID(botapi.ChatTypePrivate, upd.UserID),
			Type: botapi.ChatTypePrivate,
		},
		Entities: convertEntities(upd.Entities, entities{}),
	}
	return []botapi.Update{{Message: msg}}
}

func (c *Converter) convertShortChatMessage(upd *tg.UpdateShortChatMessage) []botapi.Update {
	if upd.Out {
		return nil
	}
	msg := &botapi.Message{
		MessageID: int64(upd.ID),
		Date:      int64(upd.Date),
		Text:      upd.Message,
		From:      &botapi.User{ID: upd.FromID, FirstName: strconv.FormatInt(upd.FromID, 10)},
		Chat: botapi.Chat{
			ID:   botapi.ChatID(botapi.ChatTypeGroup, upd.ChatID),
			Type: botapi.ChatTypeGroup,
		},
		Entities: convertEntities(upd.Entities, entities{}),
	}
	return []botapi.Update{{Message: msg}}
}

// convertMessage переводит tg.MessageClass. Сервисные сообщения всегда дают nil;
// skipOutgoing=true дополнительно отбрасывает исходящие от самого бота
// (в потоке апдейтов им не место, но в ответе sendMessage они нужны).
func (c *Converter) convertMessage(m tg.MessageClass, ent entities, skipOutgoing bool) *botapi.Message {
	msg, ok := m.(*tg.Message)
	if !ok {
		return nil
	}
	if skipOutgoing && msg.Out {
		return nil
	}

	chat := c.convertChat(msg.PeerID, ent)
	if chat == nil {
		return nil
	}

	out := &botapi.Message{
		MessageID: int64(msg.ID),
		Chat:      *chat,
		Date:      int64(msg.Date),
		EditDate:  int64(msg.EditDate),
	}
	if from, fOK := msg.GetFromID(); fOK {
		out.From = c.convertPeerUser(from, ent)
	}
	if groupedID, gOK := msg.GetGroupedID(); gOK {
		out.MediaGroupID = strconv.FormatInt(groupedID, 10)
	}
	if viaBot, vOK := msg.GetViaBotID(); vOK {
		if u, uOK := ent.users[viaBot]; uOK {
			out.ViaBot = convertUser(u)
		}
	}

	text := msg.Message
	ents := convertEntities(msg.Entities, ent)

	if media, mOK := msg.GetMedia(); mOK {
		c.convertMedia(out, media)
		// При наличии медиа текст становится подписью.
		out.Caption = text
		out.CaptionEntities = ents
	} else {
		out.Text = text
		out.Entities = ents
	}
	return out
}

// convertChat переводит peer сообщения в Chat с учётом карт entities.
func (c *Converter) convertChat(peer tg.PeerClass, ent entities) *botapi.Chat {
	switch p := peer.(type) {
	case *tg.PeerUser:
		chat := botapi.Chat{
			ID:   botapi.ChatID(botapi.ChatTypePrivate, p.UserID),
			Type: botapi.ChatTypePrivate,
		}
		if u, ok := ent.users[p.UserID]; ok {
			chat.FirstName = u.FirstName
			chat.LastName = u.LastName
			chat.Username = u.Username
		}
		return &chat
	case *tg.PeerChat:
		chat := botapi.Chat{
			ID:   botapi.ChatID(botapi.ChatTypeGroup, p.ChatID),
			Type: botapi.ChatTypeGroup,
		}
		if g, ok := ent.chats[p.ChatID].(*tg.Chat); ok {
			chat.Title = g.Title
		}
		return &chat
	case *tg.PeerChannel:
		chat := botapi.Chat{
			ID:   botapi.ChatID(botapi.ChatTypeChannel, p.ChannelID),
			Type: botapi.ChatTypeChannel,
		}
		if ch, ok := ent.chats[p.ChannelID].(*tg.Channel); ok {
			chat.Title = ch.Title
			chat.Username = ch.Username
			if ch.Megagroup {
				chat.Type = botapi.ChatTypeSupergroup
				chat.ID = botapi.ChatID(botapi.ChatTypeSupergroup, p.ChannelID)
			}
		}
		return &chat
	default:
		return nil
	}
}

// convertPeerUser восстанавливает отправителя-пользователя.
func (c *Converter) convertPeerUser(peer tg.PeerClass, ent entities) *botapi.User {
	p, ok := peer.(*tg.PeerUser)
	if !ok {
		return nil
	}
	if u, uOK := ent.users[p.UserID]; uOK {
		return convertUser(u)
	}
	return &botapi.User{ID: p.UserID, FirstName: strconv.FormatInt(p.UserID, 10)}
}

func (c *Converter) convertCallbackQuery(upd *tg.UpdateBotCallbackQuery, ent entities) *botapi.Update {
	from := botapi.User{ID: upd.UserID}
	if u, ok := ent.users[upd.UserID]; ok {
		from = *convertUser(u)
	}
	cq := &botapi.CallbackQuery{
		ID:           strconv.FormatInt(upd.QueryID, 10),
		From:         from,
		ChatInstance: strconv.FormatInt(upd.ChatInstance, 10),
	}
	if data, ok := upd.GetData(); ok {
		cq.Data = string(data)
	}
	if chat := c.convertChat(upd.Peer, ent); chat != nil {
		cq.Message = &botapi.Message{
			MessageID: int64(upd.MsgID),
			Chat:      *chat,
		}
	}
	return &botapi.Update{CallbackQuery: cq}
}

// convertUser переводит tg.User в модель Bot API.
func convertUser(u *tg.User) *botapi.User {
	return &botapi.User{
		ID:        u.ID,
		IsBot:     u.Bot,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
	}
}

// convertMedia заполняет фото/документ сообщения и связанные file_id.
func (c *Converter) convertMedia(out *botapi.Message, media tg.MessageMediaClass) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return
		}
		out.Photo = convertPhotoSizes(photo)
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return
		}
		out.Document = convertDocument(doc)
	}
}

// convertPhotoSizes строит список размеров фотографии по возрастанию площади.
// Каждому размеру соответствует собственный file_id с кодом размера внутри.
func convertPhotoSizes(photo *tg.Photo) []botapi.PhotoSize {
	var sizes []botapi.PhotoSize
	for _, s := range photo.Sizes {
		var (
			typ  string
			w, h int
			sz   int64
		)
		switch ps := s.(type) {
		case *tg.PhotoSize:
			typ, w, h, sz = ps.Type, ps.W, ps.H, int64(ps.Size)
		case *tg.PhotoSizeProgressive:
			typ, w, h = ps.Type, ps.W, ps.H
			for _, part := range ps.Sizes {
				if int64(part) > sz {
					sz = int64(part)
				}
			}
		default:
			continue
		}
		ref := files.Ref{
			Kind:       files.KindPhoto,
			ID:         photo.ID,
			AccessHash: photo.AccessHash,
			FileRef:    photo.FileReference,
			ThumbSize:  typ,
			DC:         photo.DCID,
			Size:       sz,
		}
		sizes = append(sizes, botapi.PhotoSize{
			FileID:       files.EncodeFileID(ref),
			FileUniqueID: files.UniqueID(ref) + base64seg(typ),
			Width:        w,
			Height:       h,
			FileSize:     sz,
		})
	}
	return sizes
}

func convertDocument(doc *tg.Document) *botapi.Document {
	ref := files.Ref{
		Kind:       files.KindDocument,
		ID:         doc.ID,
		AccessHash: doc.AccessHash,
		FileRef:    doc.FileReference,
		DC:         doc.DCID,
		Size:       doc.Size,
	}
	out := &botapi.Document{
		FileID:       files.EncodeFileID(ref),
		FileUniqueID: files.UniqueID(ref),
		MIMEType:     doc.MimeType,
		FileSize:     doc.Size,
	}
	for _, attr := range doc.Attributes {
		if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
			out.FileName = fn.FileName
		}
	}
	return out
}

// base64seg добавляет код размера к unique_id фотографии, сохраняя алфавит base64url.
func base64seg(s string) string {
	if s == "" {
		return ""
	}
	return "_" + base64.RawURLEncoding.EncodeToString([]byte(s))
}

// convertEntities переводит сущности форматирования. Offset/Length остаются в
// UTF-16 code units — у MTProto и Bot API здесь одинаковая семантика.
func convertEntities(in []tg.MessageEntityClass, ent entities) []botapi.MessageEntity {
	if len(in) == 0 {
		return nil
	}
	out := make([]botapi.MessageEntity, 0, len(in))
	for _, e := range in {
		converted, ok := convertEntity(e, ent)
		if !ok {
			continue
		}
		out = append(out, converted)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func convertEntity(e tg.MessageEntityClass, ent entities) (botapi.MessageEntity, bool) {
	base := botapi.MessageEntity{Offset: e.GetOffset(), Length: e.GetLength()}
	switch v := e.(type) {
	case *tg.MessageEntityMention:
		base.Type = "mention"
	case *tg.MessageEntityHashtag:
		base.Type = "hashtag"
	case *tg.MessageEntityCashtag:
		base.Type = "cashtag"
	case *tg.MessageEntityBotCommand:
		base.Type = "bot_command"
	case *tg.MessageEntityURL:
		base.Type = "url"
	case *tg.MessageEntityEmail:
		base.Type = "email"
	case *tg.MessageEntityPhone:
		base.Type = "phone_number"
	case *tg.MessageEntityBold:
		base.Type = "bold"
	case *tg.MessageEntityItalic:
		base.Type = "italic"
	case *tg.MessageEntityUnderline:
		base.Type = "underline"
	case *tg.MessageEntityStrike:
		base.Type = "strikethrough"
	case *tg.MessageEntitySpoiler:
		base.Type = "spoiler"
	case *tg.MessageEntityCode:
		base.Type = "code"
	case *tg.MessageEntityPre:
		base.Type = "pre"
		base.Language = v.Language
	case *tg.MessageEntityBlockquote:
		base.Type = "blockquote"
	case *tg.MessageEntityTextURL:
		base.Type = "text_link"
		base.URL = v.URL
	case *tg.MessageEntityMentionName:
		base.Type = "text_mention"
		if u, ok := ent.users[v.UserID]; ok {
			base.User = convertUser(u)
		} else {
			base.User = &botapi.User{ID: v.UserID}
		}
	default:
		return botapi.MessageEntity{}, false
	}
	return base, true
}
