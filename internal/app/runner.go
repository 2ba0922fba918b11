// Файл runner.go — точка оркестрации: здесь подсистемы шлюза регистрируются
// в lifecycle‑менеджере, запускаются в правильном порядке и гасятся в обратном.
// Бизнес‑назначение: гарантировать, что HTTP‑фасад не принимает запросы раньше,
// чем готово хранилище и менеджер ботов, а при остановке фасад закрывается
// первым, давая акторам дописать очереди и сессии перед закрытием bbolt.
package app

import (
	"context"
	"time"

	"telegram-botapi/internal/infra/lifecycle"
	"telegram-botapi/internal/infra/logger"
)

const httpShutdownTimeout = 10 * time.Second

// Runner инкапсулирует сценарий запуска и остановки шлюза. Узлы жизненного цикла:
//
//	storage -> bots_manager -> http_facade
//	                        -> stats_server (опционально)
//
// Остановка идёт в обратном порядке старта: сначала перестаём принимать HTTP,
// затем гасим акторов и их MTProto‑клиентов, последним закрывается bbolt.
type Runner struct {
	app        *App
	life       *lifecycle.Manager
	mainCtx    context.Context
	mainCancel context.CancelFunc
}

// NewRunner подготавливает Runner. Возвращает объект, готовый к запуску Run().
func NewRunner(mainCtx context.Context, mainCancel context.CancelFunc, app *App) *Runner {
	return &Runner{
		app:        app,
		life:       lifecycle.New(mainCtx),
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run регистрирует узлы, запускает их и блокируется до отмены mainCtx.
// Возвращает объединённую ошибку запуска либо ошибку остановки.
func (r *Runner) Run() error {
	if err := r.registerNodes(); err != nil {
		return err
	}

	if err := r.life.StartAll(); err != nil {
		logger.Errorf("startup failed: %v", err)
		if stopErr := r.life.Shutdown(); stopErr != nil {
			logger.Errorf("shutdown after failed start: %v", stopErr)
		}
		return err
	}

	logger.Info("Bot API gateway running...")
	<-r.mainCtx.Done()
	logger.Debug("Shutdown signal received, stopping runner...")

	return r.life.Shutdown()
}

func (r *Runner) registerNodes() error {
	if err := r.life.Register("storage", nil,
		nil,
		func(context.Context) error { return r.app.db.Close() },
	); err != nil {
		return err
	}

	if err := r.life.Register("bots_manager", []string{"storage"},
		func(ctx context.Context) error {
			r.app.mgr.Start(ctx)
			return nil
		},
		func(context.Context) error {
			r.app.mgr.Stop()
			return nil
		},
	); err != nil {
		return err
	}

	if err := r.life.Register("http_facade", []string{"bots_manager"},
		func(context.Context) error {
			go r.serveHTTP("http_facade", r.app.facade.Start)
			return nil
		},
		func(context.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			return r.app.facade.Shutdown(ctx)
		},
	); err != nil {
		return err
	}

	if r.app.stats == nil {
		return nil
	}
	return r.life.Register("stats_server", []string{"bots_manager"},
		func(context.Context) error {
			go r.serveHTTP("stats_server", r.app.stats.Start)
			return nil
		},
		func(context.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			return r.app.stats.Shutdown(ctx)
		},
	)
}

// serveHTTP крутит блокирующий Start HTTP-сервера. Неожиданное падение сервера
// (занятый порт и т.п.) валит весь процесс через mainCancel.
func (r *Runner) serveHTTP(name string, start func() error) {
	if err := start(); err != nil {
		logger.Errorf("%s terminated: %v", name, err)
		r.mainCancel()
	}
}
