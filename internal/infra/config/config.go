// Пакет config отвечает за сбор и предоставление конфигурации Bot API‑шлюза.
// Он:
//  1. читает переменные окружения (опционально подмешивая .env через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения о подставленных дефолтах,
//  4. предоставляет потокобезопасный доступ к результату через singleton.
//
// Бизнес-контекст: сервер конфигурируется исключительно окружением — так его
// запускают в контейнере. Обязательны только TELEGRAM_API_ID и TELEGRAM_API_HASH;
// остальные «ручки» управляют портами, вербозностью, шардированием ботов,
// вебхуками, прокси и локальным режимом.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения. Это «операционные»
// настройки запуска: учетные данные Telegram API, адреса/порты HTTP-фасада,
// рабочая директория, лимиты соединений и режимы работы.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID   int
	APIHash string

	// HTTP-фасад и статистика
	HTTPIPAddress string
	HTTPPort      int
	StatEnabled   bool
	StatPort      int

	// Хранилище
	WorkDir string

	// Логирование
	Verbosity int
	LogFile   string

	// Лимиты
	MaxConnections        int
	MaxWebhookConnections int

	// Шардирование ботов: принимаем только бота, если id % FilterModulo == FilterRemainder.
	// FilterModulo == 1 означает «шардирование выключено».
	FilterRemainder int64
	FilterModulo    int64

	// Режимы
	Local bool
	Proxy string
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock; после Load конфигурация
// не мутируется, блокировка защищает только от чтения на этапе инициализации.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения.
const (
	defaultHTTPIPAddress = "0.0.0.0"
	defaultHTTPPort      = 8081
	defaultStatPort      = 8082
	defaultWorkDir       = "/var/lib/telegram-bot-api"
	defaultVerbosity     = 2
	// defaultMaxConnections — максимум одновременных запросов фасада на одного бота.
	defaultMaxConnections = 100
	// defaultMaxWebhookConnections — дефолтный потолок параллельных доставок вебхука,
	// совпадает с дефолтом Bot API (40).
	defaultMaxWebhookConnections = 40
	// maxWebhookConnectionsLimit ограничивает значение сверху даже в локальном режиме.
	maxWebhookConnectionsLimit = 100000
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации сервера.
// envPath указывает необязательный .env (пустая строка — только окружение);
// отсутствие файла не фатально и лишь добавляет предупреждение.
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			appendWarningf(&warnings, "cannot load %s: %v; continuing with process environment", envPath, err)
		}
	}

	apiID, err := parseRequiredInt("TELEGRAM_API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env TELEGRAM_API_HASH must be set")
	}

	httpIP := sanitizeIPAddress(os.Getenv("TELEGRAM_HTTP_IP_ADDRESS"), defaultHTTPIPAddress, &warnings)
	httpPort := parseIntDefault("TELEGRAM_HTTP_PORT", defaultHTTPPort, validPort, &warnings)
	statEnabled := parseBoolDefault("TELEGRAM_STAT", false, &warnings)
	statPort := parseIntDefault("TELEGRAM_STAT_PORT", defaultStatPort, validPort, &warnings)
	workDir := sanitizeDir("TELEGRAM_WORK_DIR", os.Getenv("TELEGRAM_WORK_DIR"), defaultWorkDir, &warnings)
	verbosity := parseIntDefault("TELEGRAM_VERBOSITY", defaultVerbosity, nonNegative, &warnings)
	logFile := strings.TrimSpace(os.Getenv("TELEGRAM_LOG_FILE"))
	maxConnections := parseIntDefault("TELEGRAM_MAX_CONNECTIONS", defaultMaxConnections, greaterThanZero, &warnings)
	maxWebhook := parseIntDefault("TELEGRAM_MAX_WEBHOOK_CONNECTIONS",
		defaultMaxWebhookConnections, greaterThanZero, &warnings)
	if maxWebhook > maxWebhookConnectionsLimit {
		appendWarningf(&warnings, "env TELEGRAM_MAX_WEBHOOK_CONNECTIONS value %d exceeds limit %d; clamped",
			maxWebhook, maxWebhookConnectionsLimit)
		maxWebhook = maxWebhookConnectionsLimit
	}
	local := parseBoolDefault("TELEGRAM_LOCAL", false, &warnings)
	proxy := sanitizeProxy(os.Getenv("TELEGRAM_PROXY"), &warnings)

	remainder, modulo, filterErr := parseFilter(os.Getenv("TELEGRAM_FILTER"))
	if filterErr != nil {
		return nil, filterErr
	}

	env := EnvConfig{
		APIID:                 apiID,
		APIHash:               apiHash,
		HTTPIPAddress:         httpIP,
		HTTPPort:              httpPort,
		StatEnabled:           statEnabled,
		StatPort:              statPort,
		WorkDir:               workDir,
		Verbosity:             verbosity,
		LogFile:               logFile,
		MaxConnections:        maxConnections,
		MaxWebhookConnections: maxWebhook,
		FilterRemainder:       remainder,
		FilterModulo:          modulo,
		Local:                 local,
		Proxy:                 proxy,
	}

	return &Config{
		Env:      env,
		warnings: warnings,
	}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке окружения
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки; для обновления надо перезапустить процесс.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseFilter разбирает TELEGRAM_FILTER формата "<remainder>/<modulo>".
// Пустое значение означает «шардирование выключено» (0/1). Ошибка формата
// фатальна: молча принять всех ботов на шардированном инстансе опаснее падения.
func parseFilter(value string) (remainder, modulo int64, err error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, 1, nil
	}
	parts := strings.SplitN(v, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("env TELEGRAM_FILTER %q must have form <remainder>/<modulo>", value)
	}
	remainder, err = strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("env TELEGRAM_FILTER remainder %q is not a valid integer: %w", parts[0], err)
	}
	modulo, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("env TELEGRAM_FILTER modulo %q is not a valid integer: %w", parts[1], err)
	}
	if modulo <= 0 || remainder < 0 || remainder >= modulo {
		return 0, 0, fmt.Errorf("env TELEGRAM_FILTER %q must satisfy 0 <= remainder < modulo", value)
	}
	return remainder, modulo, nil
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
// Используется для критичных параметров, без которых сервер не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
// Это позволяет не падать на несущественных настройках и иметь дефолты.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Если пусто — defaultVal без предупреждения,
// если некорректно — defaultVal с предупреждением.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeIPAddress проверяет, что значение — корректный IP для bind.
// При неудаче возвращает fallback и добавляет предупреждение.
func sanitizeIPAddress(value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	if net.ParseIP(v) == nil {
		appendWarningf(warnings, "env TELEGRAM_HTTP_IP_ADDRESS value %q is not a valid IP; using default %q", value, fallback)
		return fallback
	}
	return v
}

// sanitizeDir возвращает валидный путь директории. Если переменная не задана,
// подставляет fallback без предупреждения (для рабочей директории это норма).
func sanitizeDir(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	if strings.ContainsRune(v, 0) {
		appendWarningf(warnings, "env %s value contains NUL; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeProxy проверяет, что TELEGRAM_PROXY — разбираемый URL со схемой socks5.
// Некорректные значения отбрасываются с предупреждением: лучше ходить напрямую,
// чем падать в рантайме на каждом подключении.
func sanitizeProxy(value string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	u, err := url.Parse(v)
	if err != nil || u.Host == "" {
		appendWarningf(warnings, "env TELEGRAM_PROXY value %q is not a valid URL; proxy disabled", value)
		return ""
	}
	switch u.Scheme {
	case "socks5", "socks5h":
		return v
	default:
		appendWarningf(warnings, "env TELEGRAM_PROXY scheme %q is not supported (socks5 only); proxy disabled", u.Scheme)
		return ""
	}
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative / validPort — простые валидаторы чисел. Используются в
// parseIntDefault, чтобы навязать смысловые ограничения без падения приложения.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
func validPort(v int) bool       { return v > 0 && v < 65536 }
