package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config - корневая структура конфигурации демона healthsync.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Health   HealthConfig   `mapstructure:"health"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL (эталонное хранилище сэмплов).
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub уведомлений и транспорт устройств).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig - проверка RS256 токенов для HTTP API. Пустой ключ - API открыт.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"` // пусто - iss не сверяется
	PublicKey     []byte
}

// HealthConfig - настройки шлюза к хранилищу данных здоровья.
type HealthConfig struct {
	Store         string        `mapstructure:"store"` // memory, postgres
	AllowedScopes []string      `mapstructure:"allowed_scopes"`
	RequeryRate   float64       `mapstructure:"requery_rate"` // 0 - без ограничения
	RequeryBurst  int           `mapstructure:"requery_burst"`
	QueryTimeout  time.Duration `mapstructure:"query_timeout"` // 0 - без таймаута
	Timezone      string        `mapstructure:"timezone"`
}

// Location возвращает часовой пояс для "начала дня".
func (c HealthConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// BridgeConfig - мост сообщений между устройствами.
type BridgeConfig struct {
	Transport string `mapstructure:"transport"` // redis, loopback
	DeviceID  string `mapstructure:"device_id"`
	PeerID    string `mapstructure:"peer_id"`
	InboxSize int    `mapstructure:"inbox_size"`
	DedupSize int    `mapstructure:"dedup_size"`

	// Настройки Circuit Breaker для прямого канала
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBMaxFailures uint32        `mapstructure:"cb_max_failures"`

	PollTimeout       time.Duration `mapstructure:"poll_timeout"`       // BLPOP по очереди store-and-forward
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"` // 0 - не слать
}

// IngestConfig - пакетная запись сэмплов в Postgres.
type IngestConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	return load(v)
}

// LoadConfigFile читает конфигурацию из явно указанного файла.
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// 2. ENV перекрывает файл: HEALTH_STORE=postgres перекроет health.store
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("grpc.port", 50052)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("health.store", "memory")
	v.SetDefault("health.allowed_scopes", []string{"step_count"})
	v.SetDefault("health.requery_rate", 0)
	v.SetDefault("health.requery_burst", 1)
	v.SetDefault("health.query_timeout", 0)
	v.SetDefault("health.timezone", "Local")
	v.SetDefault("bridge.transport", "loopback")
	v.SetDefault("bridge.device_id", "phone")
	v.SetDefault("bridge.peer_id", "watch")
	v.SetDefault("bridge.inbox_size", 256)
	v.SetDefault("bridge.dedup_size", 128)
	v.SetDefault("bridge.cb_max_requests", 3)
	v.SetDefault("bridge.cb_interval", 5*time.Second)
	v.SetDefault("bridge.cb_timeout", 30*time.Second)
	v.SetDefault("bridge.cb_max_failures", 5)
	v.SetDefault("bridge.poll_timeout", 1*time.Second)
	v.SetDefault("bridge.heartbeat_interval", 30*time.Second)
	v.SetDefault("ingest.buffer_size", 10000)
	v.SetDefault("ingest.batch_size", 100)
	v.SetDefault("ingest.flush_interval", 500*time.Millisecond)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	switch c.Health.Store {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for health.store=postgres")
		}
	default:
		return fmt.Errorf("unknown health.store %q", c.Health.Store)
	}

	switch c.Bridge.Transport {
	case "loopback":
	case "redis":
		if c.Bridge.DeviceID == "" || c.Bridge.PeerID == "" {
			return fmt.Errorf("bridge.device_id and bridge.peer_id are required for bridge.transport=redis")
		}
	default:
		return fmt.Errorf("unknown bridge.transport %q", c.Bridge.Transport)
	}

	if _, err := c.Health.Location(); err != nil {
		return fmt.Errorf("health.timezone: %w", err)
	}
	if c.Health.RequeryRate < 0 {
		return fmt.Errorf("health.requery_rate must not be negative")
	}
	return nil
}

// loadKeyResource - ключ прилетает напрямую в ENV или читается с диска
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
