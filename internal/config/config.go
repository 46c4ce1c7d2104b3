// Пакет config: загрузка и валидация конфигурации Protection Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Поддерживаемые бэкенды хранилища артефактов.
const (
	StorageBackendS3 = "s3"
	StorageBackendFS = "fs"
)

// Config содержит все параметры конфигурации Protection Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8040-8049)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Инструмент защиты ---

	// Имя пользователя-оператора, от имени которого выполняется защита
	ProtectionUser string
	// Базовый URL сервиса защиты (он же resource при обмене client credentials)
	ProtectionBaseURL string
	// Командная строка CLI-инструмента защиты
	ProtectionCLI string
	// Максимальное время работы инструмента
	ProtectionTimeout time.Duration

	// --- AAD ---

	AADTenant       string
	AADClientID     string
	AADClientSecret string
	// Базовый адрес authority (tenant дописывается в конец)
	AADAuthorityHost string
	// Таймаут запроса токена
	AADTimeout time.Duration

	// --- Хранилище артефактов ---

	// Бэкенд: s3 или fs
	StorageBackend string
	// Имя контейнера (bucket для S3, подкаталог для fs)
	StorageContainer string

	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
	// Публичный базовый URL для ссылок на объекты (опционально)
	S3PublicURL string
	// Таймаут служебных запросов к S3 (HEAD, создание bucket, удаление)
	S3Timeout time.Duration
	// Таймаут загрузки одного объекта
	S3UploadTimeout time.Duration

	// Корневой каталог fs-бэкенда
	FSDataDir string
	// Публичный базовый URL fs-бэкенда
	FSPublicURL string

	// --- Конвейер ---

	// Каталог для временных файлов запросов
	StagingDir string
	// Максимальный размер multipart-загрузки в байтах
	MaxUploadSize int64
	// Таймаут соединения и чтения при загрузке по URL
	FetchTimeout time.Duration
	// Базовое число воркеров
	WorkersCore int
	// Максимальное число воркеров
	WorkersMax int
	// Ёмкость очереди задач
	QueueSize int
	// Время жизни простаивающего дополнительного воркера
	WorkerKeepAlive time.Duration

	// --- Публикация событий ---

	// URL брокера RabbitMQ (пусто: события только пишутся в лог)
	AMQPURL string
	// Имя очереди событий о завершении
	AMQPTopic string

	// --- Кэш ссылок ---

	LinkCacheSize int
	LinkCacheTTL  time.Duration

	// --- JWT (опционально) ---

	// URL JWKS endpoint; пусто: API без аутентификации
	JWTJWKSURL string
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// --- Мониторинг зависимостей ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("PM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("PM_PORT: %w", err)
	}
	if cfg.Port < 8040 || cfg.Port > 8049 {
		return nil, fmt.Errorf("PM_PORT: значение %d вне допустимого диапазона 8040-8049", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("PM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("PM_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("PM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("PM_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("PM_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("PM_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("PM_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("PM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("PM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Инструмент защиты ---

	if cfg.ProtectionUser, err = getEnvRequired("PM_PROTECTION_USER"); err != nil {
		return nil, err
	}
	cfg.ProtectionBaseURL = getEnvDefault("PM_PROTECTION_BASE_URL", "https://aadrm.com")
	if err := validateHTTPURL(cfg.ProtectionBaseURL); err != nil {
		return nil, fmt.Errorf("PM_PROTECTION_BASE_URL: %w", err)
	}
	if cfg.ProtectionCLI, err = getEnvRequired("PM_PROTECTION_CLI"); err != nil {
		return nil, err
	}
	cfg.ProtectionTimeout, err = getEnvDuration("PM_PROTECTION_TIMEOUT", 60*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PM_PROTECTION_TIMEOUT: %w", err)
	}

	// --- AAD ---

	if cfg.AADTenant, err = getEnvRequired("PM_AAD_TENANT"); err != nil {
		return nil, err
	}
	if cfg.AADClientID, err = getEnvRequired("PM_AAD_CLIENT_ID"); err != nil {
		return nil, err
	}
	if cfg.AADClientSecret, err = getEnvRequired("PM_AAD_CLIENT_SECRET"); err != nil {
		return nil, err
	}
	cfg.AADAuthorityHost = getEnvDefault("PM_AAD_AUTHORITY_HOST", "https://login.microsoftonline.com/")
	if err := validateHTTPURL(cfg.AADAuthorityHost); err != nil {
		return nil, fmt.Errorf("PM_AAD_AUTHORITY_HOST: %w", err)
	}
	cfg.AADTimeout, err = getEnvDuration("PM_AAD_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_AAD_TIMEOUT: %w", err)
	}

	// --- Хранилище артефактов ---

	cfg.StorageBackend = strings.ToLower(getEnvDefault("PM_STORAGE_BACKEND", StorageBackendS3))
	if cfg.StorageBackend != StorageBackendS3 && cfg.StorageBackend != StorageBackendFS {
		return nil, fmt.Errorf("PM_STORAGE_BACKEND: недопустимое значение %q, допустимые: s3, fs", cfg.StorageBackend)
	}
	cfg.StorageContainer = getEnvDefault("PM_STORAGE_CONTAINER", "artifactrepository")

	cfg.S3Endpoint = strings.TrimRight(getEnvDefault("PM_S3_ENDPOINT", ""), "/")
	cfg.S3Region = getEnvDefault("PM_S3_REGION", "us-east-1")
	cfg.S3AccessKey = getEnvDefault("PM_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvDefault("PM_S3_SECRET_KEY", "")
	cfg.S3PathStyle, err = getEnvBool("PM_S3_PATH_STYLE", false)
	if err != nil {
		return nil, fmt.Errorf("PM_S3_PATH_STYLE: %w", err)
	}
	cfg.S3PublicURL = strings.TrimRight(getEnvDefault("PM_S3_PUBLIC_URL", ""), "/")
	cfg.S3Timeout, err = getEnvDuration("PM_S3_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_S3_TIMEOUT: %w", err)
	}
	cfg.S3UploadTimeout, err = getEnvDuration("PM_S3_UPLOAD_TIMEOUT", 60*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PM_S3_UPLOAD_TIMEOUT: %w", err)
	}
	if cfg.S3Timeout <= 0 || cfg.S3UploadTimeout <= 0 {
		return nil, fmt.Errorf("PM_S3_TIMEOUT и PM_S3_UPLOAD_TIMEOUT должны быть положительными")
	}
	if (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
		return nil, fmt.Errorf("PM_S3_ACCESS_KEY и PM_S3_SECRET_KEY задаются только вместе")
	}

	cfg.FSDataDir = getEnvDefault("PM_FS_DATA_DIR", "/var/lib/protection-module/artifacts")
	cfg.FSPublicURL = strings.TrimRight(
		getEnvDefault("PM_FS_PUBLIC_URL", fmt.Sprintf("http://localhost:%d/artifacts", cfg.Port)), "/")

	// --- Конвейер ---

	cfg.StagingDir = getEnvDefault("PM_STAGING_DIR", os.TempDir())
	maxUpload, err := getEnvInt("PM_MAX_UPLOAD_SIZE", 1<<30)
	if err != nil {
		return nil, fmt.Errorf("PM_MAX_UPLOAD_SIZE: %w", err)
	}
	if maxUpload < 1 {
		return nil, fmt.Errorf("PM_MAX_UPLOAD_SIZE: значение %d должно быть положительным", maxUpload)
	}
	cfg.MaxUploadSize = int64(maxUpload)
	cfg.FetchTimeout, err = getEnvDuration("PM_FETCH_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_FETCH_TIMEOUT: %w", err)
	}
	cfg.WorkersCore, err = getEnvInt("PM_WORKERS_CORE", 2)
	if err != nil {
		return nil, fmt.Errorf("PM_WORKERS_CORE: %w", err)
	}
	cfg.WorkersMax, err = getEnvInt("PM_WORKERS_MAX", 10)
	if err != nil {
		return nil, fmt.Errorf("PM_WORKERS_MAX: %w", err)
	}
	if cfg.WorkersCore < 1 {
		return nil, fmt.Errorf("PM_WORKERS_CORE: значение %d должно быть не меньше 1", cfg.WorkersCore)
	}
	if cfg.WorkersMax < cfg.WorkersCore {
		return nil, fmt.Errorf("PM_WORKERS_MAX: значение %d меньше PM_WORKERS_CORE (%d)", cfg.WorkersMax, cfg.WorkersCore)
	}
	cfg.QueueSize, err = getEnvInt("PM_QUEUE_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("PM_QUEUE_SIZE: %w", err)
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("PM_QUEUE_SIZE: значение %d не может быть отрицательным", cfg.QueueSize)
	}
	cfg.WorkerKeepAlive, err = getEnvDuration("PM_WORKER_KEEP_ALIVE", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_WORKER_KEEP_ALIVE: %w", err)
	}

	// --- Публикация событий ---

	cfg.AMQPURL = getEnvDefault("PM_AMQP_URL", "")
	cfg.AMQPTopic = getEnvDefault("PM_AMQP_TOPIC", "protection.completed")

	// --- Кэш ссылок ---

	cfg.LinkCacheSize, err = getEnvInt("PM_LINK_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("PM_LINK_CACHE_SIZE: %w", err)
	}
	if cfg.LinkCacheSize < 1 {
		return nil, fmt.Errorf("PM_LINK_CACHE_SIZE: значение %d должно быть не меньше 1", cfg.LinkCacheSize)
	}
	cfg.LinkCacheTTL, err = getEnvDuration("PM_LINK_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PM_LINK_CACHE_TTL: %w", err)
	}

	// --- JWT ---

	cfg.JWTJWKSURL = getEnvDefault("PM_JWT_JWKS_URL", "")
	cfg.JWKSRefreshInterval, err = getEnvDuration("PM_JWT_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PM_JWT_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("PM_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_JWT_LEEWAY: %w", err)
	}

	// --- Мониторинг зависимостей ---

	cfg.DephealthGroup = getEnvDefault("PM_DEPHEALTH_GROUP", "artstore")
	cfg.DephealthCheckInterval, err = getEnvDuration("PM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("PM_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает DSN в URL-форме (для topologymetrics).
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// AuthorityURL возвращает адрес authority: базовый хост плюс tenant.
func (c *Config) AuthorityURL() string {
	return strings.TrimRight(c.AADAuthorityHost, "/") + "/" + c.AADTenant
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// validateHTTPURL проверяет, что строка является абсолютным http(s) URL.
func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("некорректный URL %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("URL %q должен быть абсолютным http(s) адресом", raw)
	}
	return nil
}
