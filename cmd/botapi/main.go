// Точка входа Bot API‑шлюза. Читает конфигурацию из окружения (опционально
// подмешивая .env), настраивает логирование и запускает приложение до
// получения сигнала остановки.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-botapi/internal/app"
	"telegram-botapi/internal/infra/config"
	"telegram-botapi/internal/infra/logger"
)

func main() {
	// envPath определяет необязательный .env; в контейнере конфигурация
	// приходит напрямую через окружение.
	envPath := flag.String("env", "", "path to optional .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	env := config.Env()
	logger.Init(env.Verbosity)
	if env.LogFile != "" {
		logger.EnableFile(env.LogFile)
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp(ctx, stop, &env)
	if runErr := a.Run(); runErr != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	stop()
	logger.Info("Graceful shutdown complete")
}
