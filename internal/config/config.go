package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the relay process.
// All values must come from env (or an env-file loaded at startup).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Provider ProviderConfig
	Bot      BotConfig
	Pipeline PipelineConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit so production deployments cannot silently
	// run unencrypted. Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

// ProviderConfig carries the call-tracking CRM OAuth credentials.
type ProviderConfig struct {
	BaseURL      string
	Username     string
	APIKey       string
	ClientID     string
	ClientSecret string
}

// BotConfig carries the chat platform credentials.
// PublicBaseURL is optional: when set, updates are delivered by webhook
// registered against it; when empty, the process falls back to long polling.
type BotConfig struct {
	Token         string
	PublicBaseURL string
}

// PipelineConfig tunes the delivery pipeline.
type PipelineConfig struct {
	// SuccessMarkers classify a call result as actionable when the result
	// name contains any of them, case-insensitively.
	SuccessMarkers []string

	// MainAdminIDs are always authorized and can never be removed via the
	// admin store.
	MainAdminIDs []int64

	// FallbackChatID receives notifications for scenarios without a
	// binding. Zero disables the fallback and unbound scenarios are
	// dropped.
	FallbackChatID int64

	// RecordingInitialDelay is how long to wait before the first attempt
	// to fetch a recording after the call-result webhook arrives.
	RecordingInitialDelay time.Duration

	// RecordingFetchTimeout bounds a single recording download.
	RecordingFetchTimeout time.Duration

	// Workers caps concurrent in-flight deliveries.
	Workers int
}

// defaultSuccessMarkers match the result names the CRM assigns to won
// calls in the operating locale.
var defaultSuccessMarkers = []string{"Успех", "Горячий", "Горячая", "Hot"}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Provider.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL")), "/")
	c.Provider.Username = strings.TrimSpace(os.Getenv("PROVIDER_USERNAME"))
	c.Provider.APIKey = os.Getenv("PROVIDER_API_KEY")
	c.Provider.ClientID = strings.TrimSpace(os.Getenv("PROVIDER_CLIENT_ID"))
	c.Provider.ClientSecret = os.Getenv("PROVIDER_CLIENT_SECRET")

	c.Bot.Token = strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	c.Bot.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.Pipeline.SuccessMarkers = splitList(os.Getenv("SUCCESS_MARKERS"))
	{
		ids, err := parseInt64List(os.Getenv("MAIN_ADMIN_IDS"))
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("MAIN_ADMIN_IDS: %w", err))
		}
		c.Pipeline.MainAdminIDs = ids
	}
	{
		v := strings.TrimSpace(os.Getenv("FALLBACK_CHAT_ID"))
		if v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				parseErrs = append(parseErrs, fmt.Errorf("FALLBACK_CHAT_ID must be an integer, got %q", v))
			}
			c.Pipeline.FallbackChatID = n
		}
	}
	{
		d, err := mustDuration("RECORDING_INITIAL_DELAY")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Pipeline.RecordingInitialDelay = d
	}
	{
		d, err := mustDuration("RECORDING_FETCH_TIMEOUT")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Pipeline.RecordingFetchTimeout = d
	}
	{
		v := strings.TrimSpace(os.Getenv("PIPELINE_WORKERS"))
		if v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				parseErrs = append(parseErrs, fmt.Errorf("PIPELINE_WORKERS must be an integer, got %q", v))
			}
			c.Pipeline.Workers = n
		}
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

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

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("PROVIDER_BASE_URL is required"))
	}
	if c.Provider.Username == "" {
		errs = append(errs, errors.New("PROVIDER_USERNAME is required"))
	}
	if c.Provider.APIKey == "" {
		errs = append(errs, errors.New("PROVIDER_API_KEY is required"))
	}
	if c.Provider.ClientID == "" {
		errs = append(errs, errors.New("PROVIDER_CLIENT_ID is required"))
	}
	if c.Provider.ClientSecret == "" {
		errs = append(errs, errors.New("PROVIDER_CLIENT_SECRET is required"))
	}

	if c.Bot.Token == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}

	if len(c.Pipeline.SuccessMarkers) == 0 {
		c.Pipeline.SuccessMarkers = defaultSuccessMarkers
	}
	if len(c.Pipeline.MainAdminIDs) == 0 {
		errs = append(errs, errors.New("MAIN_ADMIN_IDS is required (at least one)"))
	}
	if c.Pipeline.RecordingInitialDelay <= 0 {
		c.Pipeline.RecordingInitialDelay = 120 * time.Second
	}
	if c.Pipeline.RecordingFetchTimeout <= 0 {
		c.Pipeline.RecordingFetchTimeout = 30 * time.Second
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 16
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
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

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
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

// mustDuration parses an optional duration key. Empty is fine (the
// default applies later); a present but unparsable value is an error, not
// a silent fallback to the default.
func mustDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration with a unit like 90s or 2m, got %q", key, v)
	}
	return d, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt64List(v string) ([]int64, error) {
	var out []int64
	for _, p := range splitList(v) {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", p)
		}
		out = append(out, n)
	}
	return out, nil
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
