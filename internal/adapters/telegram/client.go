package telegram

// client.go — MTProto-клиент одного бота: сборка gotd-клиента с файловой
// сессией, middleware-цепочкой (FLOOD_WAIT + лимитер) и менеджером апдейтов,
// авторизация по токену и прокачка упорядоченного потока апдейтов наружу.

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"telegram-botapi/internal/botapi"
	"telegram-botapi/internal/domain/files"
	"telegram-botapi/internal/infra/logger"
	"telegram-botapi/internal/infra/storage"
)

// botRPS — лимит исходящих RPC одного бота. Телега навязывает свои лимиты
// через FLOOD_WAIT, локальный лимитер лишь сглаживает бурсты до них.
const (
	botRPS   = 30
	botBurst = botRPS * 2
)

// UpdatesFunc получает сконвертированные апдейты в порядке поступления.
// Вызывается из горутины менеджера апдейтов gotd.
type UpdatesFunc func(ctx context.Context, updates []botapi.Update)

// ClientConfig — всё, что нужно для постройки клиента одного бота.
type ClientConfig struct {
	APIID     int
	APIHash   string
	BotID     int64
	Token     string
	WorkDir   string
	DB        *storage.DB
	Cache     *files.Cache
	Local     bool
	Proxy     string // socks5-URL или пусто
	OnUpdates UpdatesFunc
	OnDead    func()
}

// lazyUpdateHandler откладывает установку реального обработчика апдейтов,
// разрывая цикл инициализации клиент ↔ менеджер апдейтов.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// BotClient — живое MTProto-соединение одного бота. Создаётся лениво
// актором сессии и живёт, пока жив актор.
type BotClient struct {
	cfg     ClientConfig
	botID   int64
	local   bool
	client  *telegram.Client
	waiter  *floodwait.Waiter
	updMgr  *tgupdates.Manager
	session *FileStorage
	peers   *PeerStore
	conv    *Converter
	cache   *files.Cache

	self      atomic.Pointer[tg.User]
	ready     chan struct{} // закрывается после успешной авторизации
	readyOnce sync.Once
	err       atomic.Pointer[error]
}

// NewBotClient собирает клиента, но не подключается: сеть поднимает Run.
func NewBotClient(cfg ClientConfig) (*BotClient, error) {
	peers := NewPeerStore(cfg.DB, cfg.BotID)
	b := &BotClient{
		cfg:     cfg,
		botID:   cfg.BotID,
		local:   cfg.Local,
		waiter:  floodwait.NewWaiter(),
		session: &FileStorage{Path: SessionPath(cfg.WorkDir, cfg.BotID)},
		peers:   peers,
		conv:    NewConverter(peers),
		cache:   cfg.Cache,
		ready:   make(chan struct{}),
	}

	lazyHandler := &lazyUpdateHandler{}
	options := telegram.Options{
		SessionStorage: b.session,
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			b.waiter,
			ratelimit.New(rate.Limit(botRPS), botBurst),
		},
		OnDead: func() {
			logger.Warnf("bot %d: mtproto connection dead", cfg.BotID)
			if cfg.OnDead != nil {
				cfg.OnDead()
			}
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "telegram-botapi",
			SystemVersion: "linux",
			AppVersion:    appVersion,
		},
	}
	if cfg.Proxy != "" {
		resolver, err := proxyResolver(cfg.Proxy)
		if err != nil {
			return nil, errors.Wrap(err, "proxy")
		}
		options.Resolver = resolver
	}

	b.client = telegram.NewClient(cfg.APIID, cfg.APIHash, options)

	// Состояние пропусков (pts/qts/seq) живёт в общем bbolt, чтобы рестарты
	// шлюза не теряли позицию в потоке апдейтов.
	b.updMgr = tgupdates.New(tgupdates.Config{
		Handler: telegram.UpdateHandlerFunc(b.handleUpdates),
		Storage: boltstor.NewStateStorage(cfg.DB.Bolt()),
	})
	lazyHandler.set(b.updMgr)

	return b, nil
}

const appVersion = "1.0.0"

// Run блокируется на всё время жизни соединения. Авторизация по токену
// выполняется внутри; её результат доступен через Ready/Err.
func (b *BotClient) Run(ctx context.Context) error {
	runErr := b.waiter.Run(ctx, func(ctx context.Context) error {
		return b.client.Run(ctx, func(ctx context.Context) error {
			self, err := b.login(ctx)
			if err != nil {
				b.fail(err)
				return err
			}
			b.self.Store(self)
			b.readyOnce.Do(func() { close(b.ready) })

			var wg sync.WaitGroup
			updCtx, updCancel := context.WithCancel(ctx)
			defer updCancel()
			wg.Add(1)
			go func() {
				defer wg.Done()
				mgrErr := b.updMgr.Run(updCtx, b.api(), self.ID, tgupdates.AuthOptions{})
				if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
					logger.Errorf("bot %d: updates manager: %v", b.botID, mgrErr)
				}
			}()

			<-ctx.Done()
			updCancel()
			wg.Wait()
			return ctx.Err()
		})
	})
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		b.fail(runErr)
	}
	return runErr
}

// Ready закрывается после успешной авторизации бота.
func (b *BotClient) Ready() <-chan struct{} { return b.ready }

// Err возвращает ошибку запуска, если клиент не смог авторизоваться.
func (b *BotClient) Err() error {
	if p := b.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (b *BotClient) fail(err error) {
	e := err
	b.err.CompareAndSwap(nil, &e)
}

// login восстанавливает сессию с диска либо авторизуется по токену.
func (b *BotClient) login(ctx context.Context) (*tg.User, error) {
	status, err := b.client.Auth().Status(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "auth status")
	}
	if !status.Authorized {
		if _, err := b.client.Auth().Bot(ctx, b.cfg.Token); err != nil {
			return nil, errors.Wrap(err, "bot auth")
		}
	}

	self, err := b.client.Self(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "self")
	}
	logger.Logger().Info("bot authorized",
		zap.Int64("id", self.ID),
		zap.String("username", self.Username),
	)
	return self, nil
}

// handleUpdates — сток менеджера апдейтов: конверсия в термины Bot API
// и передача наверх. Менеджер гарантирует порядок и восстановление пропусков.
func (b *BotClient) handleUpdates(ctx context.Context, u tg.UpdatesClass) error {
	converted := b.conv.Convert(u)
	if len(converted) == 0 {
		return nil
	}
	if b.cfg.OnUpdates != nil {
		b.cfg.OnUpdates(ctx, converted)
	}
	return nil
}

// api отдаёт RPC-клиента. Вызывать только после Ready.
func (b *BotClient) api() *tg.Client {
	return b.client.API()
}

// Self возвращает профиль бота в терминах Bot API (для getMe и поля from).
func (b *BotClient) Self() *botapi.User {
	return b.selfUser()
}

func (b *BotClient) selfUser() *botapi.User {
	self := b.self.Load()
	if self == nil {
		return nil
	}
	return &botapi.User{
		ID:        self.ID,
		IsBot:     true,
		FirstName: self.FirstName,
		Username:  self.Username,
	}
}

// LogOut завершает сессию на сервере и стирает её локальный файл.
func (b *BotClient) LogOut(ctx context.Context) error {
	if _, err := b.api().AuthLogOut(ctx); err != nil {
		return mapRPCError(err)
	}
	if err := b.session.Wipe(); err != nil {
		logger.Warnf("bot %d: wipe session: %v", b.botID, err)
	}
	return nil
}
