// Package session — сущность «сессия бота»: токен, сведения о боте, состояние
// авторизации и конфигурация вебхука. Запись персистентна (bbolt) и
// восстанавливается при старте, чтобы перезапуск сервера не терял вебхуки и
// накопленные очереди.
//
// Инвариант владения: поля Session мутируются только из горутины-актора бота.
// Здесь нет мьютексов намеренно — синхронизацию даёт mailbox актора.
package session

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/infra/storage"
)

// tokenSecretRe описывает допустимый алфавит секретной части токена.
// Telegram выдаёт base64url-подобные секреты длиной ~35 символов; точную длину
// не фиксируем, проверяем лишь минимум, чтобы отсечь мусор без похода в сеть.
var tokenSecretRe = regexp.MustCompile(`^[A-Za-z0-9_-]{30,64}$`)

// ParseToken валидирует формат токена "<bot_id>:<secret>" и возвращает bot_id.
// Сетевых проверок нет: подлинность токена подтверждает только авторизация MTProto.
func ParseToken(token string) (int64, error) {
	idPart, secret, ok := strings.Cut(token, ":")
	if !ok {
		return 0, errors.New("token must have form <bot_id>:<secret>")
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("token bot_id must be a positive integer")
	}
	if !tokenSecretRe.MatchString(secret) {
		return 0, errors.New("token secret has invalid format")
	}
	return id, nil
}

// WebhookConfig — конфигурация доставки через вебхук. Nil означает long-poll режим.
type WebhookConfig struct {
	URL              string   `json:"url"`
	SecretToken      string   `json:"secret_token,omitempty"`
	MaxConnections   int      `json:"max_connections"`
	AllowedUpdates   []string `json:"allowed_updates,omitempty"`
	LastErrorDate    int64    `json:"last_error_date,omitempty"`
	LastErrorMessage string   `json:"last_error_message,omitempty"`
}

// Session — состояние одного бота на шлюзе.
type Session struct {
	BotID      int64          `json:"bot_id"`
	Token      string         `json:"token"`
	User       botapi.User    `json:"user"`
	Authorized bool           `json:"authorized"`
	Webhook    *WebhookConfig `json:"webhook,omitempty"`
	// LastUpdateID — последний выданный update_id; монотонно растёт и переживает рестарты.
	LastUpdateID int64 `json:"last_update_id"`
	CreatedAt    int64 `json:"created_at"`
}

// New создаёт свежую сессию для токена. BotID уже должен быть провалидирован.
func New(botID int64, token string) *Session {
	return &Session{
		BotID:     botID,
		Token:     token,
		CreatedAt: time.Now().Unix(),
	}
}

// NextUpdateID выдаёт следующий update_id. Вызывается только актором-владельцем.
func (s *Session) NextUpdateID() int64 {
	s.LastUpdateID++
	return s.LastUpdateID
}

// WebhookActive сообщает, находится ли бот в режиме вебхука.
func (s *Session) WebhookActive() bool {
	return s.Webhook != nil && s.Webhook.URL != ""
}

// Store — персистентное хранилище сессий поверх bbolt.
type Store struct {
	db *storage.DB
}

// NewStore создаёт хранилище сессий.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// Save сериализует и сохраняет запись сессии.
func (st *Store) Save(s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal session")
	}
	return st.db.PutSession(s.BotID, data)
}

// Load возвращает сессию бота или nil, если записи нет.
func (st *Store) Load(botID int64) (*Session, error) {
	data, err := st.db.GetSession(botID)
	if err != nil {
		return nil, errors.Wrap(err, "load session")
	}
	if data == nil {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "unmarshal session")
	}
	return &s, nil
}

// Delete удаляет сессию бота вместе с очередью (logOut).
func (st *Store) Delete(botID int64) error {
	return st.db.DeleteSession(botID)
}

// All возвращает все сохранённые сессии. Повреждённые записи пропускаются с
// ошибкой в лог вызывающего: одна битая запись не должна блокировать старт сервера.
func (st *Store) All() ([]*Session, []error) {
	var (
		sessions []*Session
		failed   []error
	)
	_ = st.db.ForEachSession(func(botID int64, data []byte) error {
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			failed = append(failed, errors.Wrapf(err, "session %d", botID))
			return nil
		}
		sessions = append(sessions, &s)
		return nil
	})
	return sessions, failed
}
