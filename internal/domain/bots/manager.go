package bots

// manager.go — реестр акторов: ленивый запуск по первому запросу с токеном,
// шард-фильтр, сверка токена, выгрузка простаивающих и общий graceful drain.

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-faster/errors"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/domain/files"
	"telegram-botapi/internal/domain/queue"
	"telegram-botapi/internal/domain/session"
	"telegram-botapi/internal/infra/config"
	"telegram-botapi/internal/infra/logger"
	"telegram-botapi/internal/infra/metrics"
	"telegram-botapi/internal/infra/storage"

	tgadapter "telegram-botapi/internal/adapters/telegram"
)

const (
	authTimeout  = 45 * time.Second
	idleTTL      = time.Hour
	reapInterval = 10 * time.Minute
)

// fileCacheMaxBytes — верхняя отметка дискового кэша файлов; по её
// превышении сборка вытесняет старейшие по доступу записи.
const fileCacheMaxBytes = 16 << 30

// Manager владеет общими ресурсами (bbolt, файловый кэш) и картой акторов.
type Manager struct {
	cfg   *config.EnvConfig
	db    *storage.DB
	cache *files.Cache
	store *session.Store

	mu     sync.Mutex
	actors map[int64]*Actor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager создаёт менеджер. Акторы поднимаются лениво, Start лишь
// запускает фоновую выгрузку простаивающих.
func NewManager(cfg *config.EnvConfig, db *storage.DB, cache *files.Cache) *Manager {
	return &Manager{
		cfg:    cfg,
		db:     db,
		cache:  cache,
		store:  session.NewStore(db),
		actors: make(map[int64]*Actor),
	}
}

// Start запускает фоновые задачи менеджера.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reapLoop()
	}()
}

// Stop останавливает всех акторов и фоновые задачи. Сессии и очереди
// сохраняются: следующий запуск продолжит с того же места.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[int64]*Actor)
	m.mu.Unlock()

	for _, a := range actors {
		a.Close()
	}
	metrics.ActiveBots.Set(0)
	m.wg.Wait()
}

// Actor возвращает актор для токена, поднимая его при первом обращении.
// Ошибки уже в терминах Bot API: 401 на невалидном токене, 403 на чужом шарде.
func (m *Manager) Actor(ctx context.Context, token string) (*Actor, error) {
	botID, err := session.ParseToken(token)
	if err != nil {
		return nil, botapi.ErrUnauthorized("invalid token")
	}
	if !m.inShard(botID) {
		return nil, botapi.ErrForbidden("bot is served by another shard")
	}

	m.mu.Lock()
	if a, ok := m.actors[botID]; ok {
		m.mu.Unlock()
		if a.Token() != token {
			return nil, botapi.ErrUnauthorized("invalid token")
		}
		return a, nil
	}
	m.mu.Unlock()

	a, err := m.spawn(ctx, botID, token)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// inShard реализует TELEGRAM_FILTER: обслуживаем бота, только если
// bot_id % modulo == remainder.
func (m *Manager) inShard(botID int64) bool {
	if m.cfg.FilterModulo <= 1 {
		return true
	}
	return botID%int64(m.cfg.FilterModulo) == int64(m.cfg.FilterRemainder)
}

// spawn поднимает актор: восстанавливает или создаёт сессию, строит клиента,
// ждёт авторизацию. Параллельные запросы к одному боту получают один актор.
func (m *Manager) spawn(ctx context.Context, botID int64, token string) (*Actor, error) {
	sess, err := m.store.Load(botID)
	if err != nil {
		logger.Errorf("bot %d: load session: %v", botID, err)
		return nil, botapi.ErrInternal("load session")
	}
	switch {
	case sess == nil:
		sess = session.New(botID, token)
	case sess.Token != token:
		return nil, botapi.ErrUnauthorized("invalid token")
	}

	q, err := queue.New(botID, m.db)
	if err != nil {
		logger.Errorf("bot %d: restore queue: %v", botID, err)
		return nil, botapi.ErrInternal("restore queue")
	}

	var a *Actor
	client, err := tgadapter.NewBotClient(tgadapter.ClientConfig{
		APIID:   m.cfg.APIID,
		APIHash: m.cfg.APIHash,
		BotID:   botID,
		Token:   token,
		WorkDir: m.cfg.WorkDir,
		DB:      m.db,
		Cache:   m.cache,
		Local:   m.cfg.Local,
		Proxy:   m.cfg.Proxy,
		OnUpdates: func(ctx context.Context, updates []botapi.Update) {
			if a != nil {
				a.HandleUpdates(ctx, updates)
			}
		},
	})
	if err != nil {
		logger.Errorf("bot %d: build client: %v", botID, err)
		return nil, botapi.ErrInternal("build mtproto client")
	}

	m.mu.Lock()
	if existing, ok := m.actors[botID]; ok {
		// Проиграли гонку параллельному запросу. Клиент ещё не запущен,
		// просто выбрасываем его.
		m.mu.Unlock()
		if existing.Token() != token {
			return nil, botapi.ErrUnauthorized("invalid token")
		}
		return existing, nil
	}
	a = newActor(m.ctx, sess, m.store, q, client, m.cfg.MaxWebhookConnections, m.cfg.MaxConnections)
	m.actors[botID] = a
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runClient(a, client)
	}()

	if err := m.awaitAuth(ctx, client); err != nil {
		m.remove(botID)
		a.Close()
		return nil, err
	}

	// Первый успешный логин фиксирует профиль бота в сессии.
	if u := client.Self(); u != nil {
		syncErr := a.do(ctx, func() error {
			sess.User = *u
			sess.Authorized = true
			return m.store.Save(sess)
		})
		if syncErr != nil {
			logger.Warnf("bot %d: save session after auth: %v", botID, syncErr)
		}
	}

	metrics.ActiveBots.Set(float64(m.count()))
	logger.Infof("bot %d: session started", botID)
	return a, nil
}

// runClient держит MTProto-соединение живым: переподключается с экспоненциальной
// задержкой, пока актор не остановлен. Ошибка авторизации переподключением
// не лечится и завершает цикл.
func (m *Manager) runClient(a *Actor, client *tgadapter.BotClient) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0 // переподключаемся, пока живёт актор

	for {
		err := client.Run(a.ctx)
		if a.ctx.Err() != nil {
			return
		}
		if authErr := client.Err(); authErr != nil {
			logger.Errorf("bot %d: client stopped for good: %v", a.BotID(), authErr)
			m.remove(a.BotID())
			go a.Close()
			return
		}

		wait := bo.NextBackOff()
		logger.Warnf("bot %d: connection lost (%v), reconnecting in %s", a.BotID(), err, wait)
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// awaitAuth ждёт результат авторизации клиента с таймаутом.
func (m *Manager) awaitAuth(ctx context.Context, client *tgadapter.BotClient) error {
	timer := time.NewTimer(authTimeout)
	defer timer.Stop()

	for {
		select {
		case <-client.Ready():
			return nil
		case <-timer.C:
			return botapi.ErrInternal("telegram connection timed out")
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "await auth")
		case <-time.After(100 * time.Millisecond):
			if err := client.Err(); err != nil {
				// Телеграм отверг токен: для клиента это 401.
				return botapi.ErrUnauthorized("invalid token")
			}
		}
	}
}

// Release выгружает актор из памяти (метод close и финал logOut).
// Сессия и очередь остаются на диске, следующий запрос поднимет актор заново.
func (m *Manager) Release(a *Actor) {
	m.mu.Lock()
	if cur, ok := m.actors[a.BotID()]; ok && cur == a {
		delete(m.actors, a.BotID())
	}
	m.mu.Unlock()
	metrics.ActiveBots.Set(float64(m.count()))
	a.Close()
}

func (m *Manager) remove(botID int64) {
	m.mu.Lock()
	delete(m.actors, botID)
	m.mu.Unlock()
	metrics.ActiveBots.Set(float64(m.count()))
}

func (m *Manager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// reapLoop выгружает акторов, к которым давно не обращались. Боты с активным
// вебхуком не выгружаются: их очередь качает воркер, а не входящие запросы.
func (m *Manager) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle()
			m.cache.GC(fileCacheMaxBytes)
			metrics.FileCacheBytes.Set(float64(m.cache.TotalBytes()))
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-idleTTL).Unix()

	m.mu.Lock()
	var idle []*Actor
	for id, a := range m.actors {
		if a.LastUsed() < cutoff && !a.WebhookOn() {
			idle = append(idle, a)
			delete(m.actors, id)
		}
	}
	m.mu.Unlock()

	for _, a := range idle {
		logger.Infof("bot %d: idle, unloading session", a.BotID())
		a.Close()
	}
	if len(idle) > 0 {
		metrics.ActiveBots.Set(float64(m.count()))
	}
}

// Snapshot — срез живых акторов для страницы статистики.
type Snapshot struct {
	BotID    int64
	Username string
	QueueLen int
	Webhook  bool
	LastUsed int64
}

// Snapshots возвращает сводку по живым акторам, отсортировать может вызывающий.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.actors))
	for _, a := range m.actors {
		s := Snapshot{
			BotID:    a.BotID(),
			QueueLen: a.QueueLen(),
			Webhook:  a.WebhookOn(),
			LastUsed: a.LastUsed(),
		}
		if a.client != nil {
			if u := a.client.Self(); u != nil {
				s.Username = u.Username
			}
		}
		out = append(out, s)
	}
	return out
}
