// Package app — верхний уровень сборки Bot API‑шлюза. Здесь связываются
// конфигурация, хранилище bbolt, файловый кэш, менеджер ботов и HTTP‑фасады.
// Отсюда стартует жизненный цикл и обеспечивается корректный shutdown.
package app

import (
	"context"
	"path/filepath"

	"telegram-botapi/internal/adapters/web"
	"telegram-botapi/internal/domain/bots"
	"telegram-botapi/internal/domain/files"
	"telegram-botapi/internal/infra/config"
	"telegram-botapi/internal/infra/logger"
	"telegram-botapi/internal/infra/storage"

	"github.com/go-faster/errors"
)

const dbFileName = "gateway.db"

// App агрегирует зависимости шлюза и управляет их связью.
// Отвечает за:
//   - открытие персистентного хранилища (сессии, очереди, метаданные файлов),
//   - файловый кэш загрузок в рабочей директории,
//   - менеджер акторов ботов (по одному MTProto‑клиенту на бота),
//   - HTTP‑фасад Bot API и опциональный сервер статистики,
//   - запуск Runner, который оркестрирует жизненный цикл и graceful shutdown.
type App struct {
	cfg        *config.EnvConfig
	mainCtx    context.Context    // Контекст жизненного цикла приложения.
	mainCancel context.CancelFunc // Инициирует отмену mainCtx.

	db     *storage.DB
	cache  *files.Cache
	mgr    *bots.Manager
	facade *web.Server
	stats  *web.StatsServer
	runner *Runner
}

// NewApp создаёт пустой каркас приложения. Фактическая инициализация выполняется в Run().
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc, cfg *config.EnvConfig) *App {
	return &App{
		cfg:        cfg,
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run собирает подсистемы и передаёт управление Runner.
// Блокируется до остановки приложения и возвращает ошибку, если что-то пошло не так.
func (a *App) Run() error {
	logger.Info("Bot API gateway initializing...")

	db, err := storage.OpenDB(filepath.Join(a.cfg.WorkDir, dbFileName))
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	a.db = db

	cache, err := files.NewCache(db, a.cfg.WorkDir)
	if err != nil {
		return errors.Wrap(err, "init file cache")
	}
	a.cache = cache

	a.mgr = bots.NewManager(a.cfg, a.db, a.cache)
	a.facade = web.NewServer(a.cfg, a.mgr, a.cache)
	if a.cfg.StatEnabled {
		a.stats = web.NewStatsServer(a.cfg, a.mgr, a.cache)
	}

	a.runner = NewRunner(a.mainCtx, a.mainCancel, a)
	return a.runner.Run()
}
