// Package botapi — модель данных HTTP-фасада Bot API: JSON-типы запросов и ответов,
// конверт ответа {ok, result | error_code, description} и классификация ошибок.
// Типы повторяют проволочный формат Bot API; это единственное место, где фасад
// и MTProto-адаптер договариваются о представлении сущностей.
package botapi

// Update — входящее событие для бота. Ровно одно из необязательных полей заполнено.
type Update struct {
	UpdateID          int64          `json:"update_id"`
	Message           *Message       `json:"message,omitempty"`
	EditedMessage     *Message       `json:"edited_message,omitempty"`
	ChannelPost       *Message       `json:"channel_post,omitempty"`
	EditedChannelPost *Message       `json:"edited_channel_post,omitempty"`
	CallbackQuery     *CallbackQuery `json:"callback_query,omitempty"`
}

// Kind возвращает имя заполненного поля апдейта — оно же ключ allowed_updates.
func (u *Update) Kind() string {
	switch {
	case u.Message != nil:
		return "message"
	case u.EditedMessage != nil:
		return "edited_message"
	case u.ChannelPost != nil:
		return "channel_post"
	case u.EditedChannelPost != nil:
		return "edited_channel_post"
	case u.CallbackQuery != nil:
		return "callback_query"
	default:
		return ""
	}
}

// Message — сообщение Telegram в представлении Bot API.
type Message struct {
	MessageID       int64           `json:"message_id"`
	From            *User           `json:"from,omitempty"`
	Chat            Chat            `json:"chat"`
	Date            int64           `json:"date"`
	EditDate        int64           `json:"edit_date,omitempty"`
	Text            string          `json:"text,omitempty"`
	Entities        []MessageEntity `json:"entities,omitempty"`
	Caption         string          `json:"caption,omitempty"`
	CaptionEntities []MessageEntity `json:"caption_entities,omitempty"`
	Photo           []PhotoSize     `json:"photo,omitempty"`
	Document        *Document       `json:"document,omitempty"`
	ReplyToMessage  *Message        `json:"reply_to_message,omitempty"`
	MediaGroupID    string          `json:"media_group_id,omitempty"`
	ViaBot          *User           `json:"via_bot,omitempty"`
}

// Chat — чат в представлении Bot API. Поле ID уже в «ботовом» пространстве
// идентификаторов (см. ChatID ниже).
type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Типы чатов Bot API.
const (
	ChatTypePrivate    = "private"
	ChatTypeGroup      = "group"
	ChatTypeSupergroup = "supergroup"
	ChatTypeChannel    = "channel"
)

// User — пользователь или бот.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	// Поля ниже отдаются только в getMe для самого бота.
	CanJoinGroups           bool `json:"can_join_groups,omitempty"`
	CanReadAllGroupMessages bool `json:"can_read_all_group_messages,omitempty"`
	SupportsInlineQueries   bool `json:"supports_inline_queries,omitempty"`
}

// MessageEntity — спецсущность в тексте (ссылки, упоминания, форматирование).
// Offset и Length — в UTF-16 code units, как на проводе MTProto и в Bot API.
type MessageEntity struct {
	Type     string `json:"type"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	URL      string `json:"url,omitempty"`
	User     *User  `json:"user,omitempty"`
	Language string `json:"language,omitempty"`
}

// PhotoSize — один из размеров фотографии или превью.
type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// Document — произвольный файл.
type Document struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileName     string `json:"file_name,omitempty"`
	MIMEType     string `json:"mime_type,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// CallbackQuery — нажатие inline-кнопки.
type CallbackQuery struct {
	ID           string   `json:"id"`
	From         User     `json:"from"`
	Message      *Message `json:"message,omitempty"`
	ChatInstance string   `json:"chat_instance"`
	Data         string   `json:"data,omitempty"`
}

// File — ответ getFile: идентификаторы и путь для скачивания.
// В локальном режиме FilePath — абсолютный путь на диске сервера.
type File struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
}

// WebhookInfo — состояние вебхука бота для getWebhookInfo.
type WebhookInfo struct {
	URL                  string   `json:"url"`
	HasCustomCertificate bool     `json:"has_custom_certificate"`
	PendingUpdateCount   int      `json:"pending_update_count"`
	LastErrorDate        int64    `json:"last_error_date,omitempty"`
	LastErrorMessage     string   `json:"last_error_message,omitempty"`
	MaxConnections       int      `json:"max_connections,omitempty"`
	AllowedUpdates       []string `json:"allowed_updates,omitempty"`
}

// superGroupPrefix участвует в построении chat_id каналов/супергрупп:
// chat_id = -1000000000000 - channel_id. Обычные группы — просто отрицательный id.
const superGroupPrefix int64 = -1000000000000

// ChatID переводит внутренний (MTProto) идентификатор в пространство Bot API.
// Пользователь → положительный id, базовая группа → -id, канал/супергруппа →
// -100-префикс. Функция не валидирует существование чата.
func ChatID(kind string, id int64) int64 {
	switch kind {
	case ChatTypePrivate:
		// id пользователя в MTProto всегда положителен.
		return id
	case ChatTypeGroup:
		if id > 0 {
			return -id
		}
		return id
	case ChatTypeSupergroup, ChatTypeChannel:
		if id > 0 {
			return superGroupPrefix - id
		}
		return id
	default:
		return id
	}
}

// SplitChatID — обратная операция: из chat_id Bot API восстанавливает тип
// пространства и внутренний идентификатор. Тип канала и супергруппы по одному
// только id неразличим; вызывающий уточняет его по кэшу пиров.
func SplitChatID(chatID int64) (kind string, id int64) {
	switch {
	case chatID > 0:
		return ChatTypePrivate, chatID
	case chatID < superGroupPrefix:
		return ChatTypeChannel, superGroupPrefix - chatID
	default:
		return ChatTypeGroup, -chatID
	}
}
