package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"VisaTracker/internal/domain"
)

const (
	defaultTimezone = "UTC"
	configPathEnv   = "VISATRACKER_CONFIG"
	dotEnvFile      = ".env"

	httpAddressEnv         = "HTTP_ADDRESS"
	logLevelEnv            = "LOG_LEVEL"
	logFormatEnv           = "LOG_FORMAT"
	storageDriverEnv       = "STORAGE_DRIVER"
	databaseDSNEnv         = "DATABASE_DSN"
	firebaseProjectIDEnv   = "FIREBASE_PROJECT_ID"
	firebaseClientEmailEnv = "FIREBASE_CLIENT_EMAIL"
	firebasePrivateKeyEnv  = "FIREBASE_PRIVATE_KEY"
	firestoreCollectionEnv = "FIRESTORE_COLLECTION"
	telegramTokenEnv       = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv      = "TELEGRAM_CHAT_ID"
	cronSecretEnv          = "CRON_SECRET"
	redisAddrEnv           = "REDIS_ADDR"
	redisPasswordEnv       = "REDIS_PASSWORD"
	redisDBEnv             = "REDIS_DB"
)

// Storage drivers.
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
)

// Config holds high-level settings required across the application.
type Config struct {
	HTTP          HTTPConfig         `yaml:"http"`
	Logging       LoggingConfig      `yaml:"logging"`
	Storage       StorageConfig      `yaml:"storage"`
	Upstream      UpstreamConfig     `yaml:"upstream"`
	Proxy         ProxyConfig        `yaml:"proxy"`
	Notifications NotificationConfig `yaml:"notifications"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Reconciler    ReconcilerConfig   `yaml:"reconciler"`
	Redis         RedisConfig        `yaml:"redis"`
}

// HTTPConfig configures the listening server.
type HTTPConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig selects slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig picks the record store backend.
type StorageConfig struct {
	Driver    string          `yaml:"driver"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Firestore FirestoreConfig `yaml:"firestore"`
}

// PostgresConfig describes Postgres connection details.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

// FirestoreConfig carries service-account credentials and the collection name.
type FirestoreConfig struct {
	ProjectID   string `yaml:"projectId"`
	ClientEmail string `yaml:"clientEmail"`
	PrivateKey  string `yaml:"privateKey"`
	Collection  string `yaml:"collection"`
}

// UpstreamConfig tunes the visa API client.
type UpstreamConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxRetries   int           `yaml:"maxRetries"`
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"userAgent"`
}

// ProxyConfig configures the CORS proxy in front of the visa API.
// A zero Timeout means upstream calls are not bounded.
type ProxyConfig struct {
	UpstreamURL    string        `yaml:"upstreamUrl"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
	Timeout        time.Duration `yaml:"timeout"`
}

// NotificationConfig encapsulates outbound channels.
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string        `yaml:"botToken"`
	ChatID   string        `yaml:"chatId"`
	APIURL   string        `yaml:"apiUrl"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Enabled reports whether both token and chat id are set.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// SchedulerConfig defines when the reconciler should run.
type SchedulerConfig struct {
	Enabled        bool           `yaml:"enabled"`
	CronExpression string         `yaml:"cronExpression"`
	Timezone       string         `yaml:"timezone"`
	location       *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// ReconcilerConfig guards and bounds batch runs.
type ReconcilerConfig struct {
	CronSecret string        `yaml:"cronSecret"`
	LeaseTTL   time.Duration `yaml:"leaseTtl"`
}

// RedisConfig enables the run lease when Address is set.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Load reads .env and YAML configuration (if present) and applies environment overrides.
func Load() Config {
	if err := godotenv.Load(dotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("config: cannot load %s: %v", dotEnvFile, err)
	}

	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else if fileCfg, err := Parse(raw); err != nil {
			log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
		} else {
			cfg = fileCfg
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()
	return cfg
}

// Parse decodes YAML on top of the defaults; keys absent from raw keep their default.
func Parse(raw []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}
	cfg.bindTimezone()
	return cfg, nil
}

// Validate reports missing credentials for the selected components.
func (c Config) Validate() error {
	var missing []string

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			missing = append(missing, databaseDSNEnv)
		}
	case DriverFirestore:
		creds := c.Storage.Firestore
		if creds.ProjectID == "" {
			missing = append(missing, firebaseProjectIDEnv)
		}
		if creds.ClientEmail == "" {
			missing = append(missing, firebaseClientEmailEnv)
		}
		if creds.PrivateKey == "" {
			missing = append(missing, firebasePrivateKeyEnv)
		}
	default:
		return domain.ValidationError(fmt.Sprintf("unknown storage driver %q", c.Storage.Driver), nil)
	}

	if c.Upstream.Endpoint == "" {
		missing = append(missing, "upstream.endpoint")
	}
	if c.Proxy.UpstreamURL == "" {
		missing = append(missing, "proxy.upstreamUrl")
	}

	if len(missing) > 0 {
		return domain.NewError(domain.KindConfigMissing,
			"missing configuration ("+strings.Join(missing, ", ")+")", nil)
	}

	if c.Upstream.PollInterval <= 0 {
		return domain.ValidationError("upstream.pollInterval must be positive", nil)
	}
	if c.Upstream.MaxRetries < 0 {
		return domain.ValidationError("upstream.maxRetries must not be negative", nil)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	setString(&c.HTTP.Address, httpAddressEnv)
	setString(&c.Logging.Level, logLevelEnv)
	setString(&c.Logging.Format, logFormatEnv)
	setString(&c.Storage.Driver, storageDriverEnv)
	setString(&c.Storage.Postgres.DSN, databaseDSNEnv)

	setString(&c.Storage.Firestore.ProjectID, firebaseProjectIDEnv)
	setString(&c.Storage.Firestore.ClientEmail, firebaseClientEmailEnv)
	if v := os.Getenv(firebasePrivateKeyEnv); v != "" {
		c.Storage.Firestore.PrivateKey = strings.ReplaceAll(v, `\n`, "\n")
	}
	setString(&c.Storage.Firestore.Collection, firestoreCollectionEnv)

	setString(&c.Notifications.Telegram.BotToken, telegramTokenEnv)
	setString(&c.Notifications.Telegram.ChatID, telegramChatIDEnv)
	setString(&c.Reconciler.CronSecret, cronSecretEnv)

	setString(&c.Redis.Address, redisAddrEnv)
	setString(&c.Redis.Password, redisPasswordEnv)
	if v := os.Getenv(redisDBEnv); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		} else {
			log.Printf("config: invalid %s=%q, keeping %d", redisDBEnv, v, c.Redis.DB)
		}
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to %s", tz, defaultTimezone)
		loc, _ = time.LoadLocation(defaultTimezone)
	}
	c.Scheduler.location = loc
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		HTTP:    HTTPConfig{Address: ":3000", ShutdownTimeout: 10 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{
			Driver:    DriverMemory,
			Postgres:  PostgresConfig{MaxOpenConns: 10, MaxIdleConns: 5},
			Firestore: FirestoreConfig{Collection: "unibridge"},
		},
		Upstream: UpstreamConfig{
			Endpoint:     "https://visadoctors.uz/api/uz/visas/v2/check-status/",
			PollInterval: 2 * time.Second,
			MaxRetries:   10,
			Timeout:      30 * time.Second,
			UserAgent:    "Mozilla/5.0",
		},
		Proxy: ProxyConfig{
			UpstreamURL: "https://visadoctors.uz/api/uz/visas/v2/check-status/",
			AllowedOrigins: []string{
				"https://visa.unibridge.uz",
				"https://visa-sable.vercel.app",
				"http://localhost:5500",
				"http://127.0.0.1:5500",
				"http://localhost:5501",
				"http://127.0.0.1:5501",
				"http://localhost:3000",
			},
			Timeout: 30 * time.Second,
		},
		Notifications: NotificationConfig{
			Telegram: TelegramConfig{APIURL: "https://api.telegram.org", Timeout: 10 * time.Second},
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			CronExpression: "0 */6 * * *",
			Timezone:       defaultTimezone,
			location:       tz,
		},
		Reconciler: ReconcilerConfig{LeaseTTL: 30 * time.Minute},
	}
}
