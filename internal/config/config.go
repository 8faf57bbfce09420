package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/kirillm/trade-controller/internal/domain"
)

// Config содержит все настройки контроллера
type Config struct {
	Exchange   ExchangeConfig
	Database   DatabaseConfig
	Telegram   TelegramConfig
	Controller ControllerConfig
	Policy     PolicyConfig
	LogLevel   string
}

type ExchangeConfig struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	RecvWindow     string
	QuoteTimeout   time.Duration
	OrderTimeout   time.Duration
	BalanceTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type TelegramConfig struct {
	BotToken string
	ChatID   int64
}

type ControllerConfig struct {
	Mode             domain.Mode
	CycleInterval    time.Duration
	CycleJitter      time.Duration
	KillSwitchPath   string        // Путь sentinel-файла kill switch
	OrderWaitTimeout time.Duration // Ожидание филла до активной отмены
	ShutdownTimeout  time.Duration // Бюджет на отмену ордеров при остановке
	MaxRetryAttempts int
	RetryBaseDelay   time.Duration
	PartialFillFloor float64
	QuotePreference  []string // Порядок предпочтения quote-валют
}

type PolicyConfig struct {
	ProfilePath string
	ProfileName string
}

// Load загружает конфигурацию из .env файла
func Load() (*Config, error) {
	// Загружаем .env файл (если есть)
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found, using environment variables")
	}

	mode := domain.Mode(getEnv("CONTROLLER_MODE", string(domain.ModeShadow)))
	switch mode {
	case domain.ModeShadow, domain.ModePaper, domain.ModeLive:
	default:
		return nil, fmt.Errorf("%w: unknown CONTROLLER_MODE %q", domain.ErrConfigInvalid, mode)
	}

	chatID, err := strconv.ParseInt(getEnv("TELEGRAM_CHAT_ID", "0"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid TELEGRAM_CHAT_ID: %v", domain.ErrConfigInvalid, err)
	}

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DB_PORT: %v", domain.ErrConfigInvalid, err)
	}

	cycleInterval, err := time.ParseDuration(getEnv("CYCLE_INTERVAL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid CYCLE_INTERVAL: %v", domain.ErrConfigInvalid, err)
	}

	cfg := &Config{
		Exchange: ExchangeConfig{
			APIKey:         getEnv("EXCHANGE_API_KEY", ""),
			APISecret:      getEnv("EXCHANGE_API_SECRET", ""),
			BaseURL:        getEnv("EXCHANGE_BASE_URL", "https://api.bybit.com"),
			RecvWindow:     getEnv("EXCHANGE_RECV_WINDOW", "5000"),
			QuoteTimeout:   getDurationEnv("EXCHANGE_QUOTE_TIMEOUT", 5*time.Second),
			OrderTimeout:   getDurationEnv("EXCHANGE_ORDER_TIMEOUT", 10*time.Second),
			BalanceTimeout: getDurationEnv("EXCHANGE_BALANCE_TIMEOUT", 5*time.Second),
			RatePerSecond:  getFloatEnv("EXCHANGE_RATE_PER_SECOND", 5),
			RateBurst:      getIntEnv("EXCHANGE_RATE_BURST", 10),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            dbPort,
			User:            getEnv("DB_USER", "trader"),
			Password:        getEnv("DB_PASSWORD", ""),
			DBName:          getEnv("DB_NAME", "trade_controller"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Telegram: TelegramConfig{
			BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			ChatID:   chatID,
		},
		Controller: ControllerConfig{
			Mode:             mode,
			CycleInterval:    cycleInterval,
			CycleJitter:      getDurationEnv("CYCLE_JITTER", 30*time.Second),
			KillSwitchPath:   getEnv("KILL_SWITCH_PATH", "/tmp/trade-controller.killswitch"),
			OrderWaitTimeout: getDurationEnv("ORDER_WAIT_TIMEOUT", 90*time.Second),
			ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
			MaxRetryAttempts: getIntEnv("MAX_RETRY_ATTEMPTS", 4),
			RetryBaseDelay:   getDurationEnv("RETRY_BASE_DELAY", 500*time.Millisecond),
			PartialFillFloor: getFloatEnv("PARTIAL_FILL_FLOOR", 0.0001),
			QuotePreference:  []string{"USDT", "USDC"},
		},
		Policy: PolicyConfig{
			ProfilePath: getEnv("POLICY_PROFILE_PATH", "policies.yaml"),
			ProfileName: getEnv("POLICY_PROFILE", "moderate"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate проверяет конфигурацию на старте.
// Ошибка здесь фатальна: ни один цикл не запускается.
func (c *Config) validate() error {
	if c.Controller.Mode == domain.ModeLive {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("%w: live mode requires EXCHANGE_API_KEY and EXCHANGE_API_SECRET", domain.ErrConfigInvalid)
		}
	}
	if c.Controller.CycleInterval < time.Second {
		return fmt.Errorf("%w: CYCLE_INTERVAL below 1s", domain.ErrConfigInvalid)
	}
	if c.Controller.MaxRetryAttempts < 1 {
		return fmt.Errorf("%w: MAX_RETRY_ATTEMPTS must be >= 1", domain.ErrConfigInvalid)
	}
	if c.Policy.ProfilePath == "" {
		return fmt.Errorf("%w: POLICY_PROFILE_PATH is empty", domain.ErrConfigInvalid)
	}
	return nil
}

// Fingerprint детерминированный отпечаток активной конфигурации.
// Попадает в каждую audit-запись. Секреты в отпечаток не входят.
func (c *Config) Fingerprint() string {
	canonical := fmt.Sprintf("mode=%s|interval=%s|jitter=%s|orderWait=%s|retries=%d|baseDelay=%s|partialFloor=%g|quotes=%v|profile=%s|exchange=%s",
		c.Controller.Mode,
		c.Controller.CycleInterval,
		c.Controller.CycleJitter,
		c.Controller.OrderWaitTimeout,
		c.Controller.MaxRetryAttempts,
		c.Controller.RetryBaseDelay,
		c.Controller.PartialFillFloor,
		c.Controller.QuotePreference,
		c.Policy.ProfileName,
		c.Exchange.BaseURL,
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
