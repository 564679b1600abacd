package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the guard process.
// All values come from env (or an env-file loaded by the process runner).
type Config struct {
	App      AppConfig
	Store    StoreConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Session  SessionConfig
	Presence PresenceConfig
	Ledger   LedgerConfig
	Detector DetectorConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// StoreConfig selects where identities, admission records and session
// records live.
type StoreConfig struct {
	Backend string // memory | postgres
	// SeedDev enrolls the sample identities at startup (memory backend only
	// by default).
	SeedDev bool
	// BootstrapAdmin, when set, is an enrolled token promoted to admin at
	// startup. It is how the first admin card comes to exist.
	BootstrapAdmin string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional. An empty Host disables the cross-process
// session slot guard.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type SessionConfig struct {
	MaxDuration time.Duration
	// Retention is how long a closed session stays in memory for idempotent
	// close and status checks.
	Retention time.Duration
}

type PresenceConfig struct {
	Mode         string // off | station
	PollInterval time.Duration
	PollTimeout  time.Duration
	StaleAfter   time.Duration
	// StationKey, when set, must be sent as X-Station-Key by reader agents.
	StationKey string
}

type LedgerConfig struct {
	Backend      string // sqlite | memory
	Path         string
	FallbackPath string
}

// DetectorConfig overrides the built-in vocabularies. Empty lists keep the
// defaults.
type DetectorConfig struct {
	Keywords      []string
	HighRisk      []string
	BurstKeywords []string
	WorkStartHour int
	WorkEndHour   int
	TimeZone      string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Store.Backend = strings.TrimSpace(os.Getenv("STORE_BACKEND"))
	{
		b, err := optionalBool("STORE_SEED_DEV")
		_, parseErrs = appendParseErr(parseErrs, 0, err)
		c.Store.SeedDev = b
	}
	c.Store.BootstrapAdmin = strings.TrimSpace(os.Getenv("STORE_BOOTSTRAP_ADMIN"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optionalInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optionalInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Durations are optional; defaults are applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	c.Session.MaxDuration = mustDuration("SESSION_MAX_DURATION")
	c.Session.Retention = mustDuration("SESSION_RETENTION")

	c.Presence.Mode = strings.TrimSpace(os.Getenv("PRESENCE_MODE"))
	c.Presence.PollInterval = mustDuration("PRESENCE_POLL_INTERVAL")
	c.Presence.PollTimeout = mustDuration("PRESENCE_POLL_TIMEOUT")
	c.Presence.StaleAfter = mustDuration("PRESENCE_STALE_AFTER")
	c.Presence.StationKey = os.Getenv("PRESENCE_STATION_KEY")

	c.Ledger.Backend = strings.TrimSpace(os.Getenv("LEDGER_BACKEND"))
	c.Ledger.Path = strings.TrimSpace(os.Getenv("LEDGER_PATH"))
	c.Ledger.FallbackPath = strings.TrimSpace(os.Getenv("LEDGER_FALLBACK_PATH"))

	c.Detector.Keywords = splitCSV(os.Getenv("DETECTOR_KEYWORDS"))
	c.Detector.HighRisk = splitCSV(os.Getenv("DETECTOR_HIGH_RISK"))
	c.Detector.BurstKeywords = splitCSV(os.Getenv("DETECTOR_BURST_KEYWORDS"))
	{
		n, err := optionalInt("DETECTOR_WORK_START")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Detector.WorkStartHour = n
	}
	{
		n, err := optionalInt("DETECTOR_WORK_END")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Detector.WorkEndHour = n
	}
	c.Detector.TimeZone = strings.TrimSpace(os.Getenv("DETECTOR_TIMEZONE"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Store.Backend == "" {
		if c.IsProduction() {
			c.Store.Backend = "postgres"
		} else {
			c.Store.Backend = "memory"
		}
	}
	switch c.Store.Backend {
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production"))
		}
	case "postgres":
		errs = append(errs, c.validateDB()...)
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be one of memory, postgres, got %q", c.Store.Backend))
	}
	if c.Store.SeedDev && c.IsProduction() {
		errs = append(errs, errors.New("STORE_SEED_DEV must not be set in production"))
	}

	if c.Redis.Host != "" {
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.Port < 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	} else if c.IsProduction() && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes in production"))
	}
	if c.IsProduction() && c.Auth.JWTIssuer == "" {
		errs = append(errs, errors.New("JWT_ISSUER is required in production"))
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	if c.Session.MaxDuration <= 0 {
		c.Session.MaxDuration = 8 * time.Hour
	}
	if c.Session.Retention <= 0 {
		c.Session.Retention = 24 * time.Hour
	}

	if c.Presence.Mode == "" {
		c.Presence.Mode = "off"
	}
	if c.Presence.Mode != "off" && c.Presence.Mode != "station" {
		errs = append(errs, fmt.Errorf("PRESENCE_MODE must be one of off, station, got %q", c.Presence.Mode))
	}
	if c.Presence.PollInterval <= 0 {
		c.Presence.PollInterval = time.Second
	}
	if c.Presence.PollTimeout <= 0 {
		c.Presence.PollTimeout = 750 * time.Millisecond
	}
	if c.Presence.PollTimeout > c.Presence.PollInterval {
		errs = append(errs, errors.New("PRESENCE_POLL_TIMEOUT must not exceed PRESENCE_POLL_INTERVAL"))
	}
	if c.Presence.StaleAfter <= 0 {
		c.Presence.StaleAfter = 3 * c.Presence.PollInterval
	}
	if c.Presence.Mode == "station" && c.IsProduction() && c.Presence.StationKey == "" {
		errs = append(errs, errors.New("PRESENCE_STATION_KEY is required for PRESENCE_MODE=station in production"))
	}

	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "sqlite"
	}
	if c.Ledger.Backend != "sqlite" && c.Ledger.Backend != "memory" {
		errs = append(errs, fmt.Errorf("LEDGER_BACKEND must be one of sqlite, memory, got %q", c.Ledger.Backend))
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "./data/ledger.db"
	}
	if c.Ledger.FallbackPath == "" {
		c.Ledger.FallbackPath = "./data/ledger-fallback.jsonl"
	}

	if c.Detector.WorkStartHour == 0 && c.Detector.WorkEndHour == 0 {
		c.Detector.WorkStartHour, c.Detector.WorkEndHour = 8, 18
	}
	if c.Detector.WorkStartHour < 0 || c.Detector.WorkEndHour > 23 || c.Detector.WorkStartHour > c.Detector.WorkEndHour {
		errs = append(errs, fmt.Errorf("DETECTOR_WORK_START/END must satisfy 0 <= start <= end <= 23, got %d-%d",
			c.Detector.WorkStartHour, c.Detector.WorkEndHour))
	}
	if c.Detector.TimeZone != "" {
		if _, err := time.LoadLocation(c.Detector.TimeZone); err != nil {
			errs = append(errs, fmt.Errorf("DETECTOR_TIMEZONE %q: %w", c.Detector.TimeZone, err))
		}
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.DB.Port < 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Contains secrets; never log it.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Location is the zone the off-hours rule reads wall-clock hours in.
func (c Config) Location() *time.Location {
	if c.Detector.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Detector.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optionalBool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitCSV(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
