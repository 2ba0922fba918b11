package telegram

// peers.go — персистентный кэш access hash для пиров бота.
// Боты не могут резолвить произвольные id через API: MTProto требует связку
// (id, access_hash), которую сервер выдаёт только внутри апдейтов и ответов.
// Поэтому каждый увиденный user/channel записывается сюда, а методы фасада
// (sendMessage и т.п.) восстанавливают InputPeer по chat_id Bot API.
//
// Хранилище — выделенный бакет общей bbolt-базы; ключи сегментированы по боту,
// чтобы logOut одного бота не задевал остальных.

import (
	"encoding/binary"
	"fmt"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/infra/storage"

	"github.com/gotd/td/tg"
)

// PeerStore — доступ к кэшу пиров одного бота.
type PeerStore struct {
	db    *bbolt.DB
	botID int64
}

// NewPeerStore создаёт кэш пиров бота поверх общей базы.
func NewPeerStore(db *storage.DB, botID int64) *PeerStore {
	return &PeerStore{db: db.Bolt(), botID: botID}
}

// peerKey строит ключ бакета: "<bot_id>/<kind><peer_id>".
func (p *PeerStore) peerKey(kind byte, id int64) []byte {
	return []byte(fmt.Sprintf("%d/%c%d", p.botID, kind, id))
}

// putHash сохраняет access hash пира. Нулевой хеш тоже пишем: для basic-групп
// он легитимен и само наличие записи подтверждает, что бот видел чат.
func (p *PeerStore) putHash(kind byte, id, hash int64) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(hash))
		return tx.Bucket(storage.PeersBucket).Put(p.peerKey(kind, id), buf)
	})
}

// getHash возвращает access hash пира; второй результат — «запись существует».
func (p *PeerStore) getHash(kind byte, id int64) (int64, bool) {
	var (
		hash  int64
		found bool
	)
	_ = p.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(storage.PeersBucket).Get(p.peerKey(kind, id))
		if v != nil && len(v) == 8 {
			hash = int64(binary.BigEndian.Uint64(v))
			found = true
		}
		return nil
	})
	return hash, found
}

// RememberUser фиксирует access hash пользователя.
func (p *PeerStore) RememberUser(u *tg.User) {
	if u == nil {
		return
	}
	_ = p.putHash('u', u.ID, u.AccessHash)
}

// RememberChat фиксирует чат или канал из списка entities апдейта.
func (p *PeerStore) RememberChat(c tg.ChatClass) {
	switch chat := c.(type) {
	case *tg.Chat:
		_ = p.putHash('g', chat.ID, 0)
	case *tg.Channel:
		_ = p.putHash('c', chat.ID, chat.AccessHash)
	}
}

// ResolvePeer восстанавливает InputPeer по chat_id из пространства Bot API.
// Неизвестный пир — ошибка "chat not found": Bot API отвечает так же, когда бот
// ещё не встречал собеседника.
func (p *PeerStore) ResolvePeer(chatID int64) (tg.InputPeerClass, error) {
	kind, id := botapi.SplitChatID(chatID)
	switch kind {
	case botapi.ChatTypePrivate:
		hash, ok := p.getHash('u', id)
		if !ok {
			return nil, errors.New("chat not found")
		}
		return &tg.InputPeerUser{UserID: id, AccessHash: hash}, nil
	case botapi.ChatTypeGroup:
		if _, ok := p.getHash('g', id); !ok {
			return nil, errors.New("chat not found")
		}
		return &tg.InputPeerChat{ChatID: id}, nil
	default: // канал или супергруппа
		hash, ok := p.getHash('c', id)
		if !ok {
			return nil, errors.New("chat not found")
		}
		return &tg.InputPeerChannel{ChannelID: id, AccessHash: hash}, nil
	}
}

// ResolveChannel возвращает InputChannel для методов канального пространства.
func (p *PeerStore) ResolveChannel(channelID int64) (*tg.InputChannel, error) {
	hash, ok := p.getHash('c', channelID)
	if !ok {
		return nil, errors.New("channel not found")
	}
	return &tg.InputChannel{ChannelID: channelID, AccessHash: hash}, nil
}
