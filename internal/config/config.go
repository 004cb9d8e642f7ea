package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Prefix is prepended to every environment key
const Prefix = "CASHIER_"

// ErrInvalid marks a missing or malformed setting. It is fatal at startup.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// Storage
	DB            string
	MongoDatabase string

	// Telegram
	TelegramBotToken string
	TelegramChatID   int64

	// Fio
	FioAPIToken  string
	FioBaseURL   string
	FioStartDate time.Time

	// XContest
	XContestBaseURL string
	XContestTakeoff string

	// Scheduling
	TransactionWatchCron string
	FlightWatchCron      string
	FlightWatchDaysBack  int
	RunTasksAfterStartup bool
	JobTimeout           time.Duration

	// Matching
	GracePeriod      time.Duration
	PairingThreshold int
	DailyFee         decimal.Decimal
	YearlyFee        decimal.Decimal
	AnnouncePayments bool

	// Liveness
	LivenessPath      string
	LivenessSleep     time.Duration
	LivenessThreshold time.Duration

	// HTTP
	HTTPTimeout time.Duration
	UserAgent   string

	// Observability
	MetricsAddr string
	SentryDSN   string
	Environment string
	LogLevel    slog.Level
}

// Load reads the configuration from the environment and validates it.
// Every problem found is reported, not only the first one.
func Load() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		// Storage
		DB:            l.required("DB"),
		MongoDatabase: l.getEnv("MONGO_DATABASE", "cashier"),

		// Telegram
		TelegramBotToken: l.required("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   l.requiredInt64("TELEGRAM_CHAT_ID"),

		// Fio
		FioAPIToken:  l.required("FIO_API_TOKEN"),
		FioBaseURL:   strings.TrimSuffix(l.getEnv("FIO_BASE_URL", "https://fioapi.fio.cz/v1/rest"), "/"),
		FioStartDate: l.getEnvDate("FIO_START_DATE", "2020-01-01"),

		// XContest
		XContestBaseURL: strings.TrimSuffix(l.getEnv("XCONTEST_BASE_URL", "https://www.xcontest.org"), "/"),
		XContestTakeoff: l.getEnv("XCONTEST_TAKEOFF", "13.2028 49.4328"),

		// Scheduling
		TransactionWatchCron: l.getEnv("TRANSACTION_WATCH_CRON", "*/5 * * * *"),
		FlightWatchCron:      l.getEnv("FLIGHT_WATCH_CRON", "0 * * * *"),
		FlightWatchDaysBack:  l.getEnvInt("FLIGHT_WATCH_DAYS_BACK", 3),
		RunTasksAfterStartup: l.getEnvBool("RUN_TASKS_AFTER_STARTUP", false),
		JobTimeout:           l.getEnvDuration("JOB_TIMEOUT", 5*time.Minute),

		// Matching
		GracePeriod:      l.getEnvDuration("GRACE_PERIOD", 24*time.Hour),
		PairingThreshold: l.getEnvInt("PAIRING_THRESHOLD", 90),
		DailyFee:         l.getEnvDecimal("DAILY_FEE", "50"),
		YearlyFee:        l.getEnvDecimal("YEARLY_FEE", "250"),
		AnnouncePayments: l.getEnvBool("ANNOUNCE_PAYMENTS", true),

		// Liveness
		LivenessPath:      l.getEnv("LIVENESS", "/tmp/liveness"),
		LivenessSleep:     l.getEnvDuration("LIVENESS_SLEEP", 10*time.Second),
		LivenessThreshold: l.getEnvDuration("LIVENESS_THRESHOLD", 60*time.Second),

		// HTTP
		HTTPTimeout: l.getEnvDuration("HTTP_TIMEOUT", 10*time.Second),
		UserAgent:   l.getEnv("USER_AGENT", "cashier-bot/1.0"),

		// Observability
		MetricsAddr: l.getEnv("METRICS_ADDR", ""),
		SentryDSN:   l.getEnv("SENTRY_DSN", ""),
		Environment: l.getEnv("ENVIRONMENT", "production"),
		LogLevel:    l.getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}

	cfg.validate(l)

	if len(l.problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(l.problems, "; "))
	}
	return cfg, nil
}

func (c *Config) validate(l *loader) {
	if c.FlightWatchDaysBack <= 0 {
		l.fail("FLIGHT_WATCH_DAYS_BACK", "must be greater than 0")
	}
	if c.GracePeriod < 0 {
		l.fail("GRACE_PERIOD", "must not be negative")
	}
	if c.JobTimeout <= 0 {
		l.fail("JOB_TIMEOUT", "must be greater than 0")
	}
	if c.PairingThreshold < 0 || c.PairingThreshold > 100 {
		l.fail("PAIRING_THRESHOLD", "must be between 0 and 100")
	}
	if c.LivenessSleep <= 0 {
		l.fail("LIVENESS_SLEEP", "must be greater than 0")
	}
	if c.DailyFee.IsNegative() || c.YearlyFee.IsNegative() {
		l.fail("DAILY_FEE/YEARLY_FEE", "must not be negative")
	}
	if len(strings.Fields(c.XContestTakeoff)) != 2 {
		l.fail("XCONTEST_TAKEOFF", `must be "lon lat"`)
	}
}

// loader collects problems while reading keys
type loader struct {
	problems []string
}

func (l *loader) fail(key, reason string) {
	l.problems = append(l.problems, Prefix+key+" "+reason)
}

func (l *loader) getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(Prefix + key)); val != "" {
		return val
	}
	return defaultVal
}

func (l *loader) required(key string) string {
	val := l.getEnv(key, "")
	if val == "" {
		l.fail(key, "is required")
	}
	return val
}

func (l *loader) requiredInt64(key string) int64 {
	val := l.required(key)
	if val == "" {
		return 0
	}
	i, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		l.fail(key, "must be an integer")
	}
	return i
}

func (l *loader) getEnvInt(key string, defaultVal int) int {
	val := l.getEnv(key, "")
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.fail(key, "must be an integer")
		return defaultVal
	}
	return i
}

func (l *loader) getEnvBool(key string, defaultVal bool) bool {
	val := l.getEnv(key, "")
	if val == "" {
		return defaultVal
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on", "y":
		return true
	case "0", "false", "no", "off", "n":
		return false
	}
	l.fail(key, "must be a boolean")
	return defaultVal
}

func (l *loader) getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := l.getEnv(key, "")
	if val == "" {
		return defaultVal
	}
	d, err := ParseDuration(val)
	if err != nil {
		l.fail(key, "must be a duration such as 30s or 24h")
		return defaultVal
	}
	return d
}

// ParseDuration reads a Go duration such as 30s or 24h. A plain integer
// is a number of seconds.
func ParseDuration(val string) (time.Duration, error) {
	val = strings.TrimSpace(val)
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(val)
}

func (l *loader) getEnvDecimal(key, defaultVal string) decimal.Decimal {
	val := l.getEnv(key, defaultVal)
	d, err := decimal.NewFromString(val)
	if err != nil {
		l.fail(key, "must be a number")
		return decimal.Zero
	}
	return d
}

func (l *loader) getEnvDate(key, defaultVal string) time.Time {
	val := l.getEnv(key, defaultVal)
	t, err := time.Parse("2006-01-02", val)
	if err != nil {
		l.fail(key, "must be a date in YYYY-MM-DD form")
	}
	return t
}

func (l *loader) getEnvLevel(key string, defaultVal slog.Level) slog.Level {
	val := l.getEnv(key, "")
	if val == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(val)); err != nil {
		l.fail(key, "must be one of debug, info, warn, error")
		return defaultVal
	}
	return level
}
