// Package config loads runtime settings from flags, the environment, an optional .env
// file and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	FlagConfigFile     = "config"
	FlagEnvFile        = "env-file"
	FlagDatabaseURL    = "database-url"
	FlagGRPCListenAddr = "grpc-listen-addr"
	FlagHTTPListenAddr = "http-listen-addr"

	keyDatabaseURL          = "database_url"
	keyStoreDriver          = "store_driver"
	keyGRPCListenAddr       = "grpc_listen_addr"
	keyHTTPListenAddr       = "http_listen_addr"
	keyAllowedOrigins       = "allowed_origins"
	keyRedisAddr            = "redis_addr"
	keyRedisPassword        = "redis_password"
	keyRedisDB              = "redis_db"
	keySessionMaxAge        = "session_max_age"
	keyNovaPayBaseURL       = "novapay_base_url"
	keyNovaPayMerchantID    = "novapay_merchant_id"
	keyNovaPayKeyPath       = "novapay_private_key_path"
	keyNovaPayKeyPassphrase = "novapay_private_key_passphrase"
	keyNovaPayTimeout       = "novapay_timeout"
	keyFallbackPrice        = "fallback_price_per_liter_cents"
	keyMaxQuantity          = "max_quantity"
	keyPendingTTL           = "pending_ttl"
	keySweepSchedule        = "sweep_schedule"
	keySweepTimezone        = "sweep_timezone"
	keySweepWindowDays      = "sweep_window_days"
	keySMTPHost             = "smtp_host"
	keySMTPPort             = "smtp_port"
	keySMTPUser             = "smtp_user"
	keySMTPPassword         = "smtp_password"
	keySMTPFrom             = "smtp_from"

	defaultDatabaseURL    = "sqlite:///tmp/fuelvoucher.db"
	defaultGRPCListenAddr = ":7000"
	defaultHTTPListenAddr = ":8080"
	defaultEnvFile        = ".env"

	StoreDriverGORM = "gorm"
	StoreDriverPGX  = "pgx"
)

var errInvalidConfig = errors.New("invalid config")

// Config aggregates every runtime setting of voucherd.
type Config struct {
	DatabaseURL                string
	StoreDriver                string
	GRPCListenAddr             string
	HTTPListenAddr             string
	AllowedOrigins             []string
	Redis                      RedisConfig
	SessionMaxAge              time.Duration
	NovaPay                    NovaPayConfig
	FallbackPricePerLiterCents int64
	MaxQuantity                int
	PendingTTL                 time.Duration
	Sweep                      SweepConfig
	SMTP                       SMTPConfig
}

// RedisConfig selects the session store; an empty Addr keeps sessions in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type NovaPayConfig struct {
	BaseURL              string
	MerchantID           string
	PrivateKeyPath       string
	PrivateKeyPassphrase string
	Timeout              time.Duration
}

type SweepConfig struct {
	Schedule   string
	TimeZone   string
	WindowDays int
}

// SMTPConfig enables e-mail notices when Host is set.
type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
}

type binding struct {
	key          string
	env          string
	defaultValue any
}

var bindings = []binding{
	{key: keyDatabaseURL, env: "DATABASE_URL", defaultValue: defaultDatabaseURL},
	{key: keyStoreDriver, env: "STORE_DRIVER", defaultValue: StoreDriverGORM},
	{key: keyGRPCListenAddr, env: "GRPC_LISTEN_ADDR", defaultValue: defaultGRPCListenAddr},
	{key: keyHTTPListenAddr, env: "HTTP_LISTEN_ADDR", defaultValue: defaultHTTPListenAddr},
	{key: keyAllowedOrigins, env: "ALLOWED_ORIGINS", defaultValue: ""},
	{key: keyRedisAddr, env: "REDIS_ADDR", defaultValue: ""},
	{key: keyRedisPassword, env: "REDIS_PASSWORD", defaultValue: ""},
	{key: keyRedisDB, env: "REDIS_DB", defaultValue: 0},
	{key: keySessionMaxAge, env: "SESSION_MAX_AGE", defaultValue: "24h"},
	{key: keyNovaPayBaseURL, env: "NOVAPAY_BASE_URL", defaultValue: "https://api-qecom.novapay.ua/v1"},
	{key: keyNovaPayMerchantID, env: "NOVAPAY_MERCHANT_ID", defaultValue: ""},
	{key: keyNovaPayKeyPath, env: "NOVAPAY_PRIVATE_KEY_PATH", defaultValue: ""},
	{key: keyNovaPayKeyPassphrase, env: "NOVAPAY_PRIVATE_KEY_PASSPHRASE", defaultValue: ""},
	{key: keyNovaPayTimeout, env: "NOVAPAY_TIMEOUT", defaultValue: "15s"},
	{key: keyFallbackPrice, env: "FALLBACK_PRICE_PER_LITER_CENTS", defaultValue: 5500},
	{key: keyMaxQuantity, env: "MAX_QUANTITY", defaultValue: 20},
	{key: keyPendingTTL, env: "PENDING_TTL", defaultValue: "30m"},
	{key: keySweepSchedule, env: "SWEEP_SCHEDULE", defaultValue: "0 10 * * *"},
	{key: keySweepTimezone, env: "SWEEP_TIMEZONE", defaultValue: "Europe/Kyiv"},
	{key: keySweepWindowDays, env: "SWEEP_WINDOW_DAYS", defaultValue: 7},
	{key: keySMTPHost, env: "SMTP_HOST", defaultValue: ""},
	{key: keySMTPPort, env: "SMTP_PORT", defaultValue: "587"},
	{key: keySMTPUser, env: "SMTP_USER", defaultValue: ""},
	{key: keySMTPPassword, env: "SMTP_PASSWORD", defaultValue: ""},
	{key: keySMTPFrom, env: "SMTP_FROM", defaultValue: ""},
}

var flagKeys = map[string]string{
	FlagDatabaseURL:    keyDatabaseURL,
	FlagGRPCListenAddr: keyGRPCListenAddr,
	FlagHTTPListenAddr: keyHTTPListenAddr,
}

// RegisterFlags adds the flags Load understands to a cobra persistent flag set.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(FlagConfigFile, "", "optional YAML config file")
	flags.String(FlagEnvFile, defaultEnvFile, "optional .env file loaded before reading the environment")
	flags.String(FlagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	flags.String(FlagGRPCListenAddr, defaultGRPCListenAddr, "gRPC listen address")
	flags.String(FlagHTTPListenAddr, defaultHTTPListenAddr, "HTTP listen address")
}

// Load resolves the configuration. Explicitly set flags win over the environment, which
// wins over the config file, which wins over defaults.
func Load(flags *pflag.FlagSet) (Config, error) {
	if err := loadEnvFile(flags); err != nil {
		return Config{}, err
	}

	store := viper.New()
	store.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, item := range bindings {
		store.SetDefault(item.key, item.defaultValue)
		if err := store.BindEnv(item.key, item.env); err != nil {
			return Config{}, err
		}
	}
	if flags != nil {
		for flagName, key := range flagKeys {
			if flag := flags.Lookup(flagName); flag != nil {
				if err := store.BindPFlag(key, flag); err != nil {
					return Config{}, err
				}
			}
		}
		if path, _ := flags.GetString(FlagConfigFile); strings.TrimSpace(path) != "" {
			store.SetConfigFile(path)
			store.SetConfigType("yaml")
			if err := store.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := Config{
		DatabaseURL:    store.GetString(keyDatabaseURL),
		StoreDriver:    strings.ToLower(strings.TrimSpace(store.GetString(keyStoreDriver))),
		GRPCListenAddr: store.GetString(keyGRPCListenAddr),
		HTTPListenAddr: store.GetString(keyHTTPListenAddr),
		AllowedOrigins: ParseAllowedOrigins(store.GetString(keyAllowedOrigins)),
		Redis: RedisConfig{
			Addr:     store.GetString(keyRedisAddr),
			Password: store.GetString(keyRedisPassword),
			DB:       store.GetInt(keyRedisDB),
		},
		SessionMaxAge: store.GetDuration(keySessionMaxAge),
		NovaPay: NovaPayConfig{
			BaseURL:              store.GetString(keyNovaPayBaseURL),
			MerchantID:           store.GetString(keyNovaPayMerchantID),
			PrivateKeyPath:       store.GetString(keyNovaPayKeyPath),
			PrivateKeyPassphrase: store.GetString(keyNovaPayKeyPassphrase),
			Timeout:              store.GetDuration(keyNovaPayTimeout),
		},
		FallbackPricePerLiterCents: store.GetInt64(keyFallbackPrice),
		MaxQuantity:                store.GetInt(keyMaxQuantity),
		PendingTTL:                 store.GetDuration(keyPendingTTL),
		Sweep: SweepConfig{
			Schedule:   store.GetString(keySweepSchedule),
			TimeZone:   store.GetString(keySweepTimezone),
			WindowDays: store.GetInt(keySweepWindowDays),
		},
		SMTP: SMTPConfig{
			Host:     store.GetString(keySMTPHost),
			Port:     store.GetString(keySMTPPort),
			User:     store.GetString(keySMTPUser),
			Password: store.GetString(keySMTPPassword),
			From:     store.GetString(keySMTPFrom),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadEnvFile(flags *pflag.FlagSet) error {
	path := defaultEnvFile
	explicit := false
	if flags != nil {
		if flag := flags.Lookup(FlagEnvFile); flag != nil {
			path = flag.Value.String()
			explicit = flag.Changed
		}
	}
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// IsPostgres reports whether the database url names a PostgreSQL server.
func (cfg Config) IsPostgres() bool {
	return strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://")
}

// GatewayEnabled reports whether NovaPay credentials were supplied.
func (cfg Config) GatewayEnabled() bool {
	return strings.TrimSpace(cfg.NovaPay.MerchantID) != "" || strings.TrimSpace(cfg.NovaPay.PrivateKeyPath) != ""
}

// EmailEnabled reports whether SMTP notices are configured.
func (cfg Config) EmailEnabled() bool {
	return strings.TrimSpace(cfg.SMTP.Host) != ""
}

// Location resolves the sweep time zone.
func (cfg Config) Location() (*time.Location, error) {
	return time.LoadLocation(cfg.Sweep.TimeZone)
}

// Validate rejects unusable combinations.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("%w: database url is required", errInvalidConfig)
	}
	switch cfg.StoreDriver {
	case StoreDriverGORM:
	case StoreDriverPGX:
		if !cfg.IsPostgres() {
			return fmt.Errorf("%w: store driver %s needs a postgres database url", errInvalidConfig, StoreDriverPGX)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", errInvalidConfig, cfg.StoreDriver)
	}
	if strings.TrimSpace(cfg.GRPCListenAddr) == "" {
		return fmt.Errorf("%w: grpc listen addr is required", errInvalidConfig)
	}
	if strings.TrimSpace(cfg.HTTPListenAddr) == "" {
		return fmt.Errorf("%w: http listen addr is required", errInvalidConfig)
	}
	if cfg.SessionMaxAge <= 0 {
		return fmt.Errorf("%w: session max age must be positive", errInvalidConfig)
	}
	if cfg.GatewayEnabled() {
		if strings.TrimSpace(cfg.NovaPay.MerchantID) == "" {
			return fmt.Errorf("%w: novapay merchant id is required", errInvalidConfig)
		}
		if strings.TrimSpace(cfg.NovaPay.PrivateKeyPath) == "" {
			return fmt.Errorf("%w: novapay private key path is required", errInvalidConfig)
		}
		if cfg.NovaPay.Timeout <= 0 {
			return fmt.Errorf("%w: novapay timeout must be positive", errInvalidConfig)
		}
	}
	if cfg.FallbackPricePerLiterCents <= 0 {
		return fmt.Errorf("%w: fallback price must be positive", errInvalidConfig)
	}
	if cfg.MaxQuantity <= 0 {
		return fmt.Errorf("%w: max quantity must be positive", errInvalidConfig)
	}
	if cfg.PendingTTL <= 0 {
		return fmt.Errorf("%w: pending ttl must be positive", errInvalidConfig)
	}
	if cfg.Sweep.WindowDays <= 0 {
		return fmt.Errorf("%w: sweep window days must be positive", errInvalidConfig)
	}
	if _, err := cron.ParseStandard(cfg.Sweep.Schedule); err != nil {
		return fmt.Errorf("%w: sweep schedule %q: %w", errInvalidConfig, cfg.Sweep.Schedule, err)
	}
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("%w: sweep timezone %q: %w", errInvalidConfig, cfg.Sweep.TimeZone, err)
	}
	if cfg.EmailEnabled() && strings.TrimSpace(cfg.SMTP.From) == "" {
		return fmt.Errorf("%w: smtp from address is required", errInvalidConfig)
	}
	return nil
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
