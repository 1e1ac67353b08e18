package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"APP_ENV":                "local",
		"APP_PORT":               "8080",
		"DB_HOST":                "localhost",
		"DB_PORT":                "5432",
		"DB_USER":                "postgres",
		"DB_NAME":                "callrelay",
		"REDIS_HOST":             "localhost",
		"REDIS_PORT":             "6379",
		"PROVIDER_BASE_URL":      "https://crm.example.com",
		"PROVIDER_USERNAME":      "ops@example.com",
		"PROVIDER_API_KEY":       "key",
		"PROVIDER_CLIENT_ID":     "id",
		"PROVIDER_CLIENT_SECRET": "secret",
		"BOT_TOKEN":              "123:abc",
		"MAIN_ADMIN_IDS":         "42",
	} {
		t.Setenv(k, v)
	}
}

func validConfig() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callrelay"},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Provider: ProviderConfig{
			BaseURL:      "https://crm.example.com",
			Username:     "ops@example.com",
			APIKey:       "key",
			ClientID:     "id",
			ClientSecret: "secret",
		},
		Bot:      BotConfig{Token: "123:abc"},
		Pipeline: PipelineConfig{MainAdminIDs: []int64{42}},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.DB.SSLMode = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if len(c.Pipeline.SuccessMarkers) == 0 {
		t.Fatalf("expected default success markers")
	}
	if c.Pipeline.RecordingInitialDelay != 120*time.Second {
		t.Fatalf("expected 120s initial delay default, got %v", c.Pipeline.RecordingInitialDelay)
	}
	if c.Pipeline.RecordingFetchTimeout != 30*time.Second {
		t.Fatalf("expected 30s fetch timeout default, got %v", c.Pipeline.RecordingFetchTimeout)
	}
	if c.Pipeline.Workers != 16 {
		t.Fatalf("expected 16 workers default, got %d", c.Pipeline.Workers)
	}
}

func TestValidate_RequiresMainAdmins(t *testing.T) {
	c := validConfig()
	c.Pipeline.MainAdminIDs = nil
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing MAIN_ADMIN_IDS")
	}
}

func TestLoad_DurationWithoutUnitIsAnError(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RECORDING_INITIAL_DELAY", "120")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RECORDING_INITIAL_DELAY") {
		t.Fatalf("expected a duration parse error, got %v", err)
	}
}

func TestLoad_DurationKeysParse(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RECORDING_INITIAL_DELAY", "90s")
	t.Setenv("RECORDING_FETCH_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.RecordingInitialDelay != 90*time.Second {
		t.Fatalf("expected 90s initial delay, got %v", cfg.Pipeline.RecordingInitialDelay)
	}
	if cfg.Pipeline.RecordingFetchTimeout != 45*time.Second {
		t.Fatalf("expected 45s fetch timeout, got %v", cfg.Pipeline.RecordingFetchTimeout)
	}
}

func TestParseInt64List(t *testing.T) {
	ids, err := parseInt64List(" 1, 2 ,3 ")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if _, err := parseInt64List("1,x"); err == nil {
		t.Fatalf("expected error for non-integer")
	}
}
