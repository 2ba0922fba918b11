// Package bots — акторы сессий ботов и их менеджер.
// Один бот — одна горутина-актор, владеющая сессией, счётчиком update_id и
// конфигурацией вебхука. Всё изменяемое состояние трогается только из цикла
// актора; снаружи запросы приходят через mailbox. RPC-вызовы и long-poll
// выполняются вне mailbox, чтобы медленный вызов не блокировал соседние.
package bots

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"telegram-botapi/internal/adapters/webhook"
	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/domain/queue"
	"telegram-botapi/internal/domain/session"
	"telegram-botapi/internal/infra/logger"
	"telegram-botapi/internal/infra/metrics"

	tgadapter "telegram-botapi/internal/adapters/telegram"
)

const (
	mailboxSize     = 64
	defaultGetLimit = 100
	maxGetLimit     = 100
	maxPollTimeout  = 50 * time.Second
)

// Actor — живая сессия одного бота.
type Actor struct {
	sess   *session.Session
	store  *session.Store
	queue  *queue.Queue
	client *tgadapter.BotClient

	maxWebhookConns int
	sender          *webhook.Sender // nil в режиме long-poll
	allowed         atomic.Pointer[map[string]struct{}]
	webhookOn       atomic.Bool
	inflight        chan struct{} // кап одновременных запросов фасада к этому боту

	mailbox  chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastUsed atomic.Int64
}

// newActor собирает актор вокруг готовой (авторизованной) сессии и запускает
// его цикл. Вебхук, переживший рестарт, поднимается сразу.
func newActor(ctx context.Context, sess *session.Session, store *session.Store, q *queue.Queue, client *tgadapter.BotClient, maxWebhookConns, maxInflight int) *Actor {
	if maxInflight < 1 {
		maxInflight = 1
	}
	actorCtx, cancel := context.WithCancel(ctx)
	a := &Actor{
		sess:            sess,
		store:           store,
		queue:           q,
		client:          client,
		maxWebhookConns: maxWebhookConns,
		inflight:        make(chan struct{}, maxInflight),
		mailbox:         make(chan func(), mailboxSize),
		ctx:             actorCtx,
		cancel:          cancel,
	}
	a.storeAllowed()
	a.touch()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop()
	}()

	if sess.WebhookActive() {
		a.startSender(*sess.Webhook)
	}
	return a
}

func (a *Actor) loop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case fn := <-a.mailbox:
			fn()
		}
	}
}

// do выполняет fn в горутине актора и дожидается завершения.
func (a *Actor) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	wrapped := func() { done <- fn() }

	select {
	case a.mailbox <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.ctx.Done():
		return botapi.ErrInternal("bot session is shutting down")
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) touch() {
	a.lastUsed.Store(time.Now().Unix())
}

// LastUsed — unix-время последнего обращения; по нему менеджер выгружает простаивающих.
func (a *Actor) LastUsed() int64 { return a.lastUsed.Load() }

// QueueLen — глубина очереди неподтверждённых апдейтов.
func (a *Actor) QueueLen() int { return a.queue.Len() }

// BotID возвращает идентификатор бота.
func (a *Actor) BotID() int64 { return a.sess.BotID }

// WebhookOn — потокобезопасный снимок «бот в режиме вебхука».
func (a *Actor) WebhookOn() bool { return a.webhookOn.Load() }

// Token — токен, с которым актор был создан. Сверяется менеджером.
func (a *Actor) Token() string { return a.sess.Token }

// BeginRequest занимает слот одновременных запросов фасада к этому боту.
// false означает, что лимит исчерпан и запрос следует отклонить с 429:
// кап на каждого бота свой, занятый сосед чужие запросы не душит.
func (a *Actor) BeginRequest() bool {
	select {
	case a.inflight <- struct{}{}:
		return true
	default:
		return false
	}
}

// EndRequest освобождает слот, занятый BeginRequest.
func (a *Actor) EndRequest() {
	<-a.inflight
}

// storeAllowed перестраивает снимок фильтра allowed_updates. Вызывается только
// из горутины актора (или до её старта).
func (a *Actor) storeAllowed() {
	a.webhookOn.Store(a.sess.WebhookActive())
	if a.sess.Webhook == nil || len(a.sess.Webhook.AllowedUpdates) == 0 {
		a.allowed.Store(nil)
		return
	}
	set := make(map[string]struct{}, len(a.sess.Webhook.AllowedUpdates))
	for _, kind := range a.sess.Webhook.AllowedUpdates {
		set[kind] = struct{}{}
	}
	a.allowed.Store(&set)
}

// HandleUpdates — сток конвертированных апдейтов из MTProto-клиента.
// Нумерация и запись в очередь идут через mailbox: счётчиком update_id владеет актор.
func (a *Actor) HandleUpdates(ctx context.Context, updates []botapi.Update) {
	err := a.do(ctx, func() error {
		pushed := 0
		for _, upd := range updates {
			if !a.allowedKind(upd.Kind()) {
				continue
			}
			upd.UpdateID = a.sess.NextUpdateID()
			if err := a.queue.Push(upd); err != nil {
				return err
			}
			pushed++
		}
		if pushed == 0 {
			return nil
		}
		metrics.UpdatesTotal.Add(float64(pushed))
		return a.store.Save(a.sess)
	})
	if err != nil {
		logger.Errorf("bot %d: enqueue updates: %v", a.sess.BotID, err)
	}
}

func (a *Actor) allowedKind(kind string) bool {
	set := a.allowed.Load()
	if set == nil {
		return true
	}
	_, ok := (*set)[kind]
	return ok
}

// GetMe возвращает профиль бота.
func (a *Actor) GetMe(ctx context.Context) (*botapi.User, error) {
	a.touch()
	if u := a.client.Self(); u != nil {
		return u, nil
	}
	// Клиент ещё переподключается; отдаём снимок из сессии.
	u := a.sess.User
	return &u, nil
}

// SendMessage проксирует sendMessage в MTProto-клиента.
func (a *Actor) SendMessage(ctx context.Context, req tgadapter.SendMessageRequest) (*botapi.Message, error) {
	a.touch()
	return a.client.SendMessage(ctx, req)
}

// ForwardMessage проксирует forwardMessage.
func (a *Actor) ForwardMessage(ctx context.Context, chatID, fromChatID, messageID int64) (*botapi.Message, error) {
	a.touch()
	return a.client.ForwardMessage(ctx, chatID, fromChatID, messageID)
}

// DeleteMessage проксирует deleteMessage.
func (a *Actor) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	a.touch()
	return a.client.DeleteMessage(ctx, chatID, messageID)
}

// AnswerCallbackQuery проксирует answerCallbackQuery.
func (a *Actor) AnswerCallbackQuery(ctx context.Context, queryID int64, text string, alert bool, cacheTime int) error {
	a.touch()
	return a.client.AnswerCallbackQuery(ctx, queryID, text, alert, cacheTime)
}

// SendChatAction проксирует sendChatAction.
func (a *Actor) SendChatAction(ctx context.Context, chatID int64, action string) error {
	a.touch()
	return a.client.SendChatAction(ctx, chatID, action)
}

// GetFile проксирует getFile (скачивание в кэш).
func (a *Actor) GetFile(ctx context.Context, fileID string) (*botapi.File, error) {
	a.touch()
	return a.client.GetFile(ctx, fileID)
}

// GetUpdates — long-poll чтение очереди. offset=N подтверждает все апдейты с
// id < N (семантика at-least-once: недочитанное придёт снова). Конфликтует с
// активным вебхуком.
func (a *Actor) GetUpdates(ctx context.Context, offset int64, limit int, timeout time.Duration) ([]botapi.Update, error) {
	a.touch()

	var webhookActive bool
	if err := a.do(ctx, func() error {
		webhookActive = a.sess.WebhookActive()
		return nil
	}); err != nil {
		return nil, err
	}
	if webhookActive {
		return nil, botapi.ErrConflict("can't use getUpdates method while webhook is active; use deleteWebhook to delete the webhook first")
	}

	if limit <= 0 || limit > maxGetLimit {
		limit = defaultGetLimit
	}
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}

	if offset > 0 {
		if err := a.queue.Confirm(offset - 1); err != nil {
			return nil, botapi.ErrInternal("confirm updates")
		}
	}

	batch, err := a.queue.Peek(limit)
	if err != nil {
		return nil, botapi.ErrInternal("read updates")
	}
	if len(batch) > 0 || timeout <= 0 {
		return batch, nil
	}

	// Очередь пуста — ждём появления апдейтов, но не дольше timeout.
	if !a.queue.Wait(ctx, timeout) {
		return nil, nil
	}
	batch, err = a.queue.Peek(limit)
	if err != nil {
		return nil, botapi.ErrInternal("read updates")
	}
	return batch, nil
}

// WebhookParams — провалидированные фасадом аргументы setWebhook.
type WebhookParams struct {
	URL            string
	SecretToken    string
	MaxConnections int
	AllowedUpdates []string
	DropPending    bool
}

// SetWebhook переключает бота в режим вебхука (или обратно при пустом URL).
func (a *Actor) SetWebhook(ctx context.Context, p WebhookParams) error {
	a.touch()
	return a.do(ctx, func() error {
		a.stopSender()

		if p.DropPending {
			if err := a.dropPending(); err != nil {
				return err
			}
		}

		if p.URL == "" {
			a.sess.Webhook = nil
			a.storeAllowed()
			return a.store.Save(a.sess)
		}

		maxConns := p.MaxConnections
		if maxConns <= 0 {
			maxConns = 40
		}
		if maxConns > a.maxWebhookConns {
			maxConns = a.maxWebhookConns
		}
		cfg := session.WebhookConfig{
			URL:            p.URL,
			SecretToken:    p.SecretToken,
			MaxConnections: maxConns,
			AllowedUpdates: p.AllowedUpdates,
		}
		a.sess.Webhook = &cfg
		a.storeAllowed()
		if err := a.store.Save(a.sess); err != nil {
			return err
		}
		a.startSender(cfg)
		return nil
	})
}

// DeleteWebhook возвращает бота в режим long-poll.
func (a *Actor) DeleteWebhook(ctx context.Context, dropPending bool) error {
	a.touch()
	return a.do(ctx, func() error {
		a.stopSender()
		a.sess.Webhook = nil
		a.storeAllowed()
		if dropPending {
			if err := a.dropPending(); err != nil {
				return err
			}
		}
		return a.store.Save(a.sess)
	})
}

// dropPending подтверждает всё накопленное. Вызывается из горутины актора.
func (a *Actor) dropPending() error {
	if err := a.queue.Confirm(a.sess.LastUpdateID); err != nil {
		return botapi.ErrInternal("drop pending updates")
	}
	return nil
}

// WebhookInfo собирает ответ getWebhookInfo.
func (a *Actor) WebhookInfo(ctx context.Context) (*botapi.WebhookInfo, error) {
	a.touch()
	info := &botapi.WebhookInfo{}
	err := a.do(ctx, func() error {
		info.PendingUpdateCount = a.queue.Len()
		if a.sess.Webhook == nil {
			return nil
		}
		info.URL = a.sess.Webhook.URL
		info.MaxConnections = a.sess.Webhook.MaxConnections
		info.AllowedUpdates = a.sess.Webhook.AllowedUpdates
		info.LastErrorDate = a.sess.Webhook.LastErrorDate
		info.LastErrorMessage = a.sess.Webhook.LastErrorMessage
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// startSender поднимает воркер доставки. Вызывается из горутины актора
// (или из newActor до её старта).
func (a *Actor) startSender(cfg session.WebhookConfig) {
	s := webhook.New(webhook.Config{
		BotID:          a.sess.BotID,
		URL:            cfg.URL,
		SecretToken:    cfg.SecretToken,
		MaxConnections: cfg.MaxConnections,
		Queue:          a.queue,
		OnError:        a.recordWebhookError,
		OnGone:         a.dropWebhookAsync,
	})
	a.sender = s
	s.Start(a.ctx)
}

func (a *Actor) stopSender() {
	if a.sender != nil {
		a.sender.Stop()
		a.sender = nil
	}
}

// recordWebhookError фиксирует последнюю ошибку доставки (для getWebhookInfo).
// Вызывается из горутины воркера, которую актор умеет останавливать, поэтому
// запись строго неблокирующая: ждать mailbox отсюда нельзя.
func (a *Actor) recordWebhookError(ts int64, message string) {
	fn := func() {
		if a.sess.Webhook == nil {
			return
		}
		a.sess.Webhook.LastErrorDate = ts
		a.sess.Webhook.LastErrorMessage = message
		if err := a.store.Save(a.sess); err != nil {
			logger.Warnf("bot %d: save webhook error state: %v", a.sess.BotID, err)
		}
	}
	select {
	case a.mailbox <- fn:
	default:
		// Переполненный mailbox важнее свежести last_error.
	}
}

// dropWebhookAsync снимает вебхук после 410 Gone. Вызов идёт из горутины
// воркера, которую нельзя блокировать её же остановкой, поэтому отдельная горутина.
func (a *Actor) dropWebhookAsync() {
	go func() {
		if err := a.DeleteWebhook(a.ctx, false); err != nil {
			logger.Errorf("bot %d: drop webhook after 410: %v", a.sess.BotID, err)
		}
	}()
}

// LogOut завершает MTProto-сессию и стирает всё состояние бота на шлюзе.
func (a *Actor) LogOut(ctx context.Context) error {
	a.touch()
	if err := a.client.LogOut(ctx); err != nil {
		return err
	}
	if err := a.do(ctx, func() error {
		a.stopSender()
		return a.store.Delete(a.sess.BotID)
	}); err != nil {
		return err
	}
	a.shutdown()
	return nil
}

// Close останавливает актор, сохраняя состояние: очередь и сессия переживут
// и выгрузку по простою, и рестарт сервера.
func (a *Actor) Close() {
	done := make(chan struct{})
	select {
	case a.mailbox <- func() { a.stopSender(); close(done) }:
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warnf("bot %d: close timed out", a.sess.BotID)
		}
	case <-a.ctx.Done():
	}
	a.shutdown()
}

func (a *Actor) shutdown() {
	a.cancel()
	a.wg.Wait()
}

// String — для логов менеджера.
func (a *Actor) String() string {
	return fmt.Sprintf("bot(%d)", a.sess.BotID)
}
