package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("voucherd", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func writeFile(t *testing.T, name string, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newFlags(t, "--env-file", ""))
	require.NoError(t, err)
	require.Equal(t, defaultDatabaseURL, cfg.DatabaseURL)
	require.Equal(t, StoreDriverGORM, cfg.StoreDriver)
	require.False(t, cfg.IsPostgres())
	require.Equal(t, ":7000", cfg.GRPCListenAddr)
	require.Equal(t, 24*time.Hour, cfg.SessionMaxAge)
	require.Equal(t, "https://api-qecom.novapay.ua/v1", cfg.NovaPay.BaseURL)
	require.Equal(t, 15*time.Second, cfg.NovaPay.Timeout)
	require.Equal(t, int64(5500), cfg.FallbackPricePerLiterCents)
	require.Equal(t, 20, cfg.MaxQuantity)
	require.Equal(t, 30*time.Minute, cfg.PendingTTL)
	require.Equal(t, "0 10 * * *", cfg.Sweep.Schedule)
	require.Equal(t, 7, cfg.Sweep.WindowDays)
	require.False(t, cfg.GatewayEnabled())
	require.False(t, cfg.EmailEnabled())
	require.Empty(t, cfg.AllowedOrigins)

	location, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "Europe/Kyiv", location.String())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://voucher@localhost/voucher")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("SESSION_MAX_AGE", "2h")
	t.Setenv("NOVAPAY_MERCHANT_ID", "merchant-1")
	t.Setenv("NOVAPAY_PRIVATE_KEY_PATH", "/etc/voucher/key.pem")
	t.Setenv("MAX_QUANTITY", "5")
	t.Setenv("SWEEP_TIMEZONE", "UTC")
	t.Setenv("STORE_DRIVER", "PGX")

	cfg, err := Load(newFlags(t, "--env-file", ""))
	require.NoError(t, err)
	require.Equal(t, "postgres://voucher@localhost/voucher", cfg.DatabaseURL)
	require.Equal(t, StoreDriverPGX, cfg.StoreDriver)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	require.Equal(t, RedisConfig{Addr: "localhost:6379", DB: 2}, cfg.Redis)
	require.Equal(t, 2*time.Hour, cfg.SessionMaxAge)
	require.True(t, cfg.GatewayEnabled())
	require.Equal(t, 5, cfg.MaxQuantity)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("GRPC_LISTEN_ADDR", ":7100")
	t.Setenv("HTTP_LISTEN_ADDR", ":8100")

	cfg, err := Load(newFlags(t, "--env-file", "", "--grpc-listen-addr", ":7200"))
	require.NoError(t, err)
	require.Equal(t, ":7200", cfg.GRPCListenAddr)
	require.Equal(t, ":8100", cfg.HTTPListenAddr)
}

func TestLoadReadsEnvFileAndConfigFile(t *testing.T) {
	envFile := writeFile(t, "voucherd.env", "SMTP_HOST=smtp.example.test\nSMTP_FROM=vouchers@example.test\nPENDING_TTL=45m\n")
	configFile := writeFile(t, "voucherd.yaml", "sweep_window_days: 3\nmax_quantity: 10\npending_ttl: 1h\n")
	t.Cleanup(func() {
		_ = os.Unsetenv("SMTP_HOST")
		_ = os.Unsetenv("SMTP_FROM")
		_ = os.Unsetenv("PENDING_TTL")
	})

	cfg, err := Load(newFlags(t, "--env-file", envFile, "--config", configFile))
	require.NoError(t, err)
	require.True(t, cfg.EmailEnabled())
	require.Equal(t, "vouchers@example.test", cfg.SMTP.From)
	require.Equal(t, 3, cfg.Sweep.WindowDays)
	require.Equal(t, 10, cfg.MaxQuantity)
	require.Equal(t, 45*time.Minute, cfg.PendingTTL)
}

func TestLoadRequiresExplicitEnvFile(t *testing.T) {
	_, err := Load(newFlags(t, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	require.Error(t, err)
}

func TestValidateRejectsUnusableSettings(t *testing.T) {
	valid := func() Config {
		return Config{
			DatabaseURL:                defaultDatabaseURL,
			StoreDriver:                StoreDriverGORM,
			GRPCListenAddr:             defaultGRPCListenAddr,
			HTTPListenAddr:             defaultHTTPListenAddr,
			SessionMaxAge:              time.Hour,
			FallbackPricePerLiterCents: 5500,
			MaxQuantity:                20,
			PendingTTL:                 time.Minute,
			Sweep:                      SweepConfig{Schedule: "0 10 * * *", TimeZone: "UTC", WindowDays: 7},
			NovaPay:                    NovaPayConfig{Timeout: time.Second},
		}
	}
	base := valid()
	require.NoError(t, base.Validate())

	testCases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{name: "missing database", mutate: func(cfg *Config) { cfg.DatabaseURL = " " }},
		{name: "unknown store driver", mutate: func(cfg *Config) { cfg.StoreDriver = "mongo" }},
		{name: "pgx on sqlite", mutate: func(cfg *Config) { cfg.StoreDriver = StoreDriverPGX }},
		{name: "merchant without key", mutate: func(cfg *Config) { cfg.NovaPay.MerchantID = "merchant-1" }},
		{name: "key without merchant", mutate: func(cfg *Config) { cfg.NovaPay.PrivateKeyPath = "/key.pem" }},
		{name: "zero fallback price", mutate: func(cfg *Config) { cfg.FallbackPricePerLiterCents = 0 }},
		{name: "zero max quantity", mutate: func(cfg *Config) { cfg.MaxQuantity = 0 }},
		{name: "bad schedule", mutate: func(cfg *Config) { cfg.Sweep.Schedule = "daily at ten" }},
		{name: "unknown timezone", mutate: func(cfg *Config) { cfg.Sweep.TimeZone = "Mars/Olympus" }},
		{name: "smtp without sender", mutate: func(cfg *Config) { cfg.SMTP.Host = "smtp.example.test" }},
		{name: "zero session age", mutate: func(cfg *Config) { cfg.SessionMaxAge = 0 }},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			cfg := valid()
			testCase.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), errInvalidConfig)
		})
	}
}
