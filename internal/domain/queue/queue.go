// Package queue реализует упорядоченную очередь апдейтов одного бота:
// постановку с персистентным зеркалом в bbolt, подтверждение доставки
// (offset из getUpdates или 2xx вебхука) и блокирующее ожидание для long-poll.
// Очередь рассчитана на долгую работу и переживает рестарты (restore из bbolt).
//
// Семантика at-least-once: элемент исчезает только после явного подтверждения.
// Порядок FIFO по update_id гарантируется big-endian ключами хранилища и
// единственным потребителем на бота.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/infra/logger"
	"telegram-botapi/internal/infra/storage"
)

// warnIfLargeSize — эвристический порог, при превышении которого в лог пишется
// предупреждение о накоплении апдейтов. Очередь такого размера обычно означает
// мёртвый вебхук или забытый getUpdates.
const warnIfLargeSize = 1000

// defaultMaxSize ограничивает очередь сверху. При переполнении старейшие
// апдейты выталкиваются: для бота, не забиравшего апдейты сутками, свежие
// события ценнее древних.
const defaultMaxSize = 10000

// entry — апдейт вместе с выданным ему update_id.
type entry struct {
	id      int64
	payload []byte
}

// Queue — очередь апдейтов одного бота. Потокобезопасна: в неё пишет актор
// бота, а читают воркер вебхука и обработчик getUpdates.
type Queue struct {
	botID   int64
	db      *storage.DB
	maxSize int

	mu      sync.Mutex
	entries []entry
	// notifyCh — «поколенческий» канал ожидания: открыт, пока очередь пуста,
	// закрывается при появлении первого элемента. Снимается и пересоздаётся
	// по мере опустошения, снимая гонки между Wait и Confirm.
	notifyCh chan struct{}
}

// New создаёт очередь и восстанавливает её содержимое из bbolt.
func New(botID int64, db *storage.DB) (*Queue, error) {
	q := &Queue{
		botID:    botID,
		db:       db,
		maxSize:  defaultMaxSize,
		notifyCh: make(chan struct{}),
	}

	ids, payloads, err := db.LoadUpdates(botID, 0)
	if err != nil {
		return nil, errors.Wrap(err, "restore queue")
	}
	for i := range ids {
		q.entries = append(q.entries, entry{id: ids[i], payload: payloads[i]})
	}
	if len(q.entries) > 0 {
		close(q.notifyCh)
		logger.Debug("queue restored",
			zap.Int64("bot_id", botID),
			zap.Int("pending", len(q.entries)),
		)
	}
	return q, nil
}

// Push добавляет апдейт с уже присвоенным update_id. Сначала персист, затем
// память: при сбое записи апдейт не считается принятым. Возвращает ошибку
// хранилища; вызывающий актор решает, терять апдейт или падать.
func (q *Queue) Push(upd botapi.Update) error {
	payload, err := json.Marshal(upd)
	if err != nil {
		return errors.Wrap(err, "marshal update")
	}
	if err := q.db.PutUpdate(q.botID, upd.UpdateID, payload); err != nil {
		return errors.Wrap(err, "persist update")
	}

	q.mu.Lock()
	q.entries = append(q.entries, entry{id: upd.UpdateID, payload: payload})
	if len(q.entries) == 1 {
		// Переход пусто→непусто: будим всех ожидателей текущего поколения.
		close(q.notifyCh)
	}
	overflow := len(q.entries) - q.maxSize
	var dropped []entry
	if overflow > 0 {
		dropped = q.entries[:overflow]
		q.entries = q.entries[overflow:]
	}
	size := len(q.entries)
	q.mu.Unlock()

	for _, d := range dropped {
		if delErr := q.db.DeleteUpdatesThrough(q.botID, d.id); delErr != nil {
			logger.Warnf("queue: drop overflow persist: %v", delErr)
		}
	}
	if len(dropped) > 0 {
		logger.Warn("queue overflow, oldest updates dropped",
			zap.Int64("bot_id", q.botID),
			zap.Int("dropped", len(dropped)),
		)
	}
	if size >= warnIfLargeSize && size%warnIfLargeSize == 0 {
		logger.Warn("queue is accumulating updates",
			zap.Int64("bot_id", q.botID),
			zap.Int("pending", size),
		)
	}
	return nil
}

// Peek возвращает до limit апдейтов с головы очереди, не удаляя их.
// limit <= 0 означает «все». Апдейты десериализуются из персистентной формы,
// чтобы getUpdates и вебхук отдавали ровно то, что переживёт рестарт.
func (q *Queue) Peek(limit int) ([]botapi.Update, error) {
	q.mu.Lock()
	n := len(q.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	batch := make([]entry, n)
	copy(batch, q.entries[:n])
	q.mu.Unlock()

	updates := make([]botapi.Update, 0, n)
	for _, e := range batch {
		var upd botapi.Update
		if err := json.Unmarshal(e.payload, &upd); err != nil {
			return nil, errors.Wrapf(err, "decode update %d", e.id)
		}
		updates = append(updates, upd)
	}
	return updates, nil
}

// Confirm подтверждает доставку всех апдейтов с update_id <= throughID и
// удаляет их из памяти и хранилища. Идемпотентен.
func (q *Queue) Confirm(throughID int64) error {
	q.mu.Lock()
	i := 0
	for i < len(q.entries) && q.entries[i].id <= throughID {
		i++
	}
	q.entries = q.entries[i:]
	if len(q.entries) == 0 {
		// Очередь опустела: новое поколение канала ожидания.
		q.notifyCh = make(chan struct{})
	}
	q.mu.Unlock()

	if i == 0 {
		return nil
	}
	return q.db.DeleteUpdatesThrough(q.botID, throughID)
}

// Len возвращает число неподтверждённых апдейтов.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Wait блокирует вызывающего до появления хотя бы одного апдейта, истечения
// timeout или отмены контекста. Возвращает true, если апдейты доступны.
// Нулевая пауза означает немедленный возврат (короткий poll Bot API).
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) bool {
	if q.Len() > 0 {
		return true
	}
	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// Снимок канала текущего поколения: если проснулись по устаревшему
		// закрытому каналу, цикл дождётся актуального.
		q.mu.Lock()
		ch := q.notifyCh
		hasData := len(q.entries) > 0
		q.mu.Unlock()
		if hasData {
			return true
		}

		select {
		case <-ctx.Done():
			return q.Len() > 0
		case <-timer.C:
			return q.Len() > 0
		case <-ch:
			// Проснулись; проверим на следующей итерации, что данные ещё на месте.
		}
	}
}
