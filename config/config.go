package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"reversalBot/internal/adapters/logger" // Import the logger package for LogLevel
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds all application configuration.
// The env tag names the variable a field is read from and is used in validation messages.
type Config struct {
	// Binance API
	APIKey    string `env:"BINANCE_API_KEY" validate:"required"`
	SecretKey string `env:"BINANCE_API_SECRET" validate:"required"`
	IsTestnet bool   `env:"IS_TESTNET"`

	// Sizing and execution
	QuoteAsset         string        `env:"QUOTE_ASSET" validate:"required"`
	PositionSizePct    float64       `env:"POSITION_SIZE_PCT" validate:"gt=0,lte=1"`
	Leverage           int           `env:"LEVERAGE" validate:"min=1,max=125"`
	StopLossBalancePct float64       `env:"STOP_LOSS_BALANCE_PCT" validate:"gt=0,lt=1"`
	FillPollDelay      time.Duration `env:"FILL_POLL_DELAY_SECONDS" validate:"gte=1s"`
	MaxFillAttempts    int           `env:"MAX_FILL_ATTEMPTS" validate:"min=1,max=50"`

	// Volatility scan and pattern watch
	ATRPeriod         int           `env:"ATR_PERIOD" validate:"min=1,max=100"`
	RangeATRFraction  float64       `env:"RANGE_ATR_FRACTION" validate:"gt=0"`
	Concurrency       int           `env:"SCAN_CONCURRENCY" validate:"min=1,max=32"`
	MonitorWindow     time.Duration `env:"MONITOR_MINUTES" validate:"gte=15m"`
	InstrumentTTL     time.Duration `env:"INSTRUMENT_CACHE_TTL_MINUTES" validate:"gte=1m"`
	RunCandidateStart bool          `env:"RUN_CANDIDATE_ON_START"`
	ATRCron           string        `env:"ATR_CRON" validate:"required"`
	CandidateCron     string        `env:"CANDIDATE_CRON" validate:"required"`

	// Risk management
	MaxHold               time.Duration `env:"TIME_BASED_EXIT_HOURS" validate:"gte=1h"`
	ProfitTriggerPct      float64       `env:"PROFIT_TRIGGER_PCT" validate:"gt=0,lt=1"`
	LockPctOfTrigger      float64       `env:"LOCK_PERCENT_OF_TRIGGER" validate:"gt=0,lt=1"`
	PositionCheckInterval time.Duration `env:"POSITION_CHECK_INTERVAL_SEC" validate:"gte=1s"`

	// Storage
	StoreBackend  string `env:"STORE_BACKEND" validate:"oneof=sqlite redis memory"`
	DBPath        string `env:"DB_PATH" validate:"required_if=StoreBackend sqlite"`
	RedisAddr     string `env:"REDIS_ADDR" validate:"required_if=StoreBackend redis"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" validate:"min=0"`
	RedisPrefix   string `env:"REDIS_PREFIX"`

	// Notifications and metrics
	TelegramBotToken string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `env:"TELEGRAM_CHAT_ID"`
	MetricsAddr      string `env:"METRICS_ADDR"`

	// Logging
	LogLevel  logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFormat string          `env:"LOG_FORMAT" validate:"oneof=json console"`

	// Connection Settings
	ReconnectDelay       time.Duration `env:"RECONNECT_DELAY_SECONDS" validate:"gte=1s"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" validate:"min=0"`
}

// TelegramEnabled reports whether both Telegram credentials are set.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	// Sizing and execution
	cfg.QuoteAsset = strings.ToUpper(getEnv("QUOTE_ASSET", "USDT"))
	if cfg.PositionSizePct, err = getEnvAsFloatRequired("POSITION_SIZE_PCT", 0.01); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.Leverage, err = getEnvAsIntRequired("LEVERAGE", 10); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.StopLossBalancePct, err = getEnvAsFloatRequired("STOP_LOSS_BALANCE_PCT", 0.01); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.FillPollDelay, err = getEnvAsDurationRequired("FILL_POLL_DELAY_SECONDS", 10, time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.MaxFillAttempts, err = getEnvAsIntRequired("MAX_FILL_ATTEMPTS", 6); err != nil {
		errs = append(errs, err.Error())
	}

	// Volatility scan and pattern watch
	if cfg.ATRPeriod, err = getEnvAsIntRequired("ATR_PERIOD", 14); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.RangeATRFraction, err = getEnvAsFloatRequired("RANGE_ATR_FRACTION", 0.25); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.Concurrency, err = getEnvAsIntRequired("SCAN_CONCURRENCY", 6); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.MonitorWindow, err = getEnvAsDurationRequired("MONITOR_MINUTES", 90, time.Minute); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.InstrumentTTL, err = getEnvAsDurationRequired("INSTRUMENT_CACHE_TTL_MINUTES", 60, time.Minute); err != nil {
		errs = append(errs, err.Error())
	}
	cfg.RunCandidateStart = getEnvAsBool("RUN_CANDIDATE_ON_START", false)
	// Cron specs are evaluated in UTC: ATR at 00:00, candidates at 00:15.
	cfg.ATRCron = getEnv("ATR_CRON", "0 0 * * *")
	cfg.CandidateCron = getEnv("CANDIDATE_CRON", "15 0 * * *")

	// Risk management
	if cfg.MaxHold, err = getEnvAsDurationRequired("TIME_BASED_EXIT_HOURS", 20, time.Hour); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.ProfitTriggerPct, err = getEnvAsFloatRequired("PROFIT_TRIGGER_PCT", 0.005); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.LockPctOfTrigger, err = getEnvAsFloatRequired("LOCK_PERCENT_OF_TRIGGER", 0.6); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.PositionCheckInterval, err = getEnvAsDurationRequired("POSITION_CHECK_INTERVAL_SEC", 30, time.Second); err != nil {
		errs = append(errs, err.Error())
	}

	// Storage
	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", StoreSQLite))
	cfg.DBPath = getEnv("DB_PATH", "./data/reversal_bot.db")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	if cfg.RedisDB, err = getEnvAsIntRequired("REDIS_DB", 0); err != nil {
		errs = append(errs, err.Error())
	}
	cfg.RedisPrefix = getEnv("REDIS_PREFIX", "reversalbot:")

	// Notifications and metrics
	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")
	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "json"))

	// Connection Settings
	if cfg.ReconnectDelay, err = getEnvAsDurationRequired("RECONNECT_DELAY_SECONDS", 5, time.Second); err != nil {
		errs = append(errs, err.Error())
	}
	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)

	errs = append(errs, validationMessages(validate.Struct(cfg))...)

	// Cross-field rules
	for _, c := range []struct{ key, spec string }{{"ATR_CRON", cfg.ATRCron}, {"CANDIDATE_CRON", cfg.CandidateCron}} {
		if c.spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(c.spec); err != nil {
			errs = append(errs, fmt.Sprintf("%s is not a valid cron expression: %v", c.key, err))
		}
	}
	if (cfg.TelegramBotToken == "") != (cfg.TelegramChatID == "") {
		errs = append(errs, "TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

func validationMessages(err error) []string {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fieldMessage(fe))
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s must be set", field)
	case "required_if":
		return fmt.Sprintf("%s must be set when %s", field, strings.Replace(fe.Param(), " ", "=", 1))
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

// getEnvAsDurationRequired reads a whole number of units.
func getEnvAsDurationRequired(key string, defaultValue int, unit time.Duration) (time.Duration, error) {
	n, err := getEnvAsIntRequired(key, defaultValue)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
