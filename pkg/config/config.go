package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so event_schemas can contain both "2.0" and 2.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.1f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Lark     LarkConfig     `json:"lark"`
	Provider ProviderConfig `json:"provider"`
	Relay    RelayConfig    `json:"relay"`
	Gateway  GatewayConfig  `json:"gateway"`
	Logging  LoggingConfig  `json:"logging"`
}

type LarkConfig struct {
	AppID             string              `json:"app_id" env:"APP_ID"`
	AppSecret         string              `json:"app_secret" env:"APP_SECRET"`
	BaseURL           string              `json:"base_url" env:"LARK_BASE_URL"`
	EncryptKey        string              `json:"encrypt_key" env:"LARK_ENCRYPT_KEY"`
	VerificationToken string              `json:"verification_token" env:"LARK_VERIFICATION_TOKEN"`
	EventSchemas      FlexibleStringSlice `json:"event_schemas" env:"LARK_EVENT_SCHEMAS"`
	CacheToken        bool                `json:"cache_token" env:"LARK_CACHE_TOKEN"`
	RequestTimeout    int                 `json:"request_timeout" env:"LARK_REQUEST_TIMEOUT"` // seconds
}

type ProviderConfig struct {
	APIKey         string `json:"api_key" env:"COMPLETION_API_KEY"`
	APIBase        string `json:"api_base" env:"COMPLETION_API_BASE"`
	Model          string `json:"model" env:"COMPLETION_MODEL"`
	Referer        string `json:"referer" env:"COMPLETION_REFERER"`
	Title          string `json:"title" env:"COMPLETION_TITLE"`
	FallbackText   string `json:"fallback_text" env:"COMPLETION_FALLBACK_TEXT"`
	MissingKeyText string `json:"missing_key_text" env:"COMPLETION_MISSING_KEY_TEXT"`
	RequestTimeout int    `json:"request_timeout" env:"COMPLETION_REQUEST_TIMEOUT"` // seconds
}

type RelayConfig struct {
	DefaultPrompt       string `json:"default_prompt" env:"RELAY_DEFAULT_PROMPT"`
	ApologyText         string `json:"apology_text" env:"RELAY_APOLOGY_TEXT"`
	StageTimeoutSeconds int    `json:"stage_timeout_seconds" env:"RELAY_STAGE_TIMEOUT_SECONDS"`
}

type GatewayConfig struct {
	Host           string `json:"host" env:"HOST"`
	Port           int    `json:"port" env:"PORT"`
	WebhookPath    string `json:"webhook_path" env:"LARK_WEBHOOK_PATH"`
	HealthText     string `json:"health_text" env:"HEALTH_TEXT"`
	MetricsEnabled bool   `json:"metrics_enabled" env:"METRICS_ENABLED"`
	MaxBodyBytes   int64  `json:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

type LoggingConfig struct {
	Level           string `json:"level" env:"LOG_LEVEL"`
	Format          string `json:"format" env:"LOG_FORMAT"` // json|console
	FileEnabled     bool   `json:"file_enabled" env:"LOG_FILE_ENABLED"`
	FilePath        string `json:"file_path" env:"LOG_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" env:"LOG_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" env:"LOG_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
}

// ConfigError reports a setting that an operation needs but that was never
// configured.
type ConfigError struct {
	Key string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing required setting %s", e.Key)
}

func DefaultConfig() *Config {
	return &Config{
		Lark: LarkConfig{
			BaseURL:        "https://open.larksuite.com",
			EventSchemas:   FlexibleStringSlice{"2.0", "1.0"},
			CacheToken:     false,
			RequestTimeout: 10,
		},
		Provider: ProviderConfig{
			APIBase:        "https://openrouter.ai/api/v1",
			Model:          "allenai/molmo-2-8b:free",
			Referer:        "https://railway.app",
			Title:          "Lark Bot AI",
			FallbackText:   "AI không trả lời 😢",
			MissingKeyText: "❌ Server missing OpenRouter API key",
			RequestTimeout: 60,
		},
		Relay: RelayConfig{
			DefaultPrompt:       "Xin chào",
			ApologyText:         "❌ AI đang lỗi, thử lại sau.",
			StageTimeoutSeconds: 90,
		},
		Gateway: GatewayConfig{
			Host:           "0.0.0.0",
			Port:           3000,
			WebhookPath:    "/lark/webhook",
			HealthText:     "Lark relay is running",
			MetricsEnabled: true,
			MaxBodyBytes:   1 << 20,
		},
		Logging: LoggingConfig{
			Level:           "info",
			Format:          "json",
			FileEnabled:     false,
			FilePath:        "~/.larkrelay/larkrelay.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       50,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional JSON file at
// path and the process environment, in that order of precedence.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(expandHome(path))
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	applyEnvAliases(cfg)
	resolveEnvRefs(cfg)

	return cfg, nil
}

// applyEnvAliases honours the variable names used by earlier deployments of
// the relay. The canonical names parsed by env tags win when both are set.
func applyEnvAliases(cfg *Config) {
	type aliasBinding struct {
		target    *string
		canonical string
		alias     string
	}
	bindings := []aliasBinding{
		{target: &cfg.Lark.AppID, canonical: "APP_ID", alias: "LARK_APP_ID"},
		{target: &cfg.Lark.AppSecret, canonical: "APP_SECRET", alias: "LARK_APP_SECRET"},
		{target: &cfg.Provider.APIKey, canonical: "COMPLETION_API_KEY", alias: "OPENROUTER_API_KEY"},
	}

	for _, b := range bindings {
		if strings.TrimSpace(os.Getenv(b.canonical)) != "" {
			continue
		}
		if v := strings.TrimSpace(os.Getenv(b.alias)); v != "" {
			*b.target = v
		}
	}
}

func resolveEnvRefs(cfg *Config) {
	secrets := []*string{
		&cfg.Lark.AppID,
		&cfg.Lark.AppSecret,
		&cfg.Lark.EncryptKey,
		&cfg.Lark.VerificationToken,
		&cfg.Provider.APIKey,
		&cfg.Provider.APIBase,
	}
	for _, s := range secrets {
		*s = resolveEnvRef(*s)
	}
}

func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		key := strings.TrimSpace(s[2 : len(s)-1])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return v
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		key := strings.TrimSpace(s[1:])
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
	}
	return v
}

// Addr is the listen address of the gateway.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

func (l LarkConfig) Timeout() time.Duration {
	return seconds(l.RequestTimeout)
}

func (p ProviderConfig) Timeout() time.Duration {
	return seconds(p.RequestTimeout)
}

func (r RelayConfig) StageTimeout() time.Duration {
	return seconds(r.StageTimeoutSeconds)
}

// MissingCredentials lists the Lark settings required for replies that are
// not configured.
func (l LarkConfig) MissingCredentials() []string {
	var missing []string
	if strings.TrimSpace(l.AppID) == "" {
		missing = append(missing, "APP_ID")
	}
	if strings.TrimSpace(l.AppSecret) == "" {
		missing = append(missing, "APP_SECRET")
	}
	return missing
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}

// ExpandHome resolves a leading ~ in path to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}
