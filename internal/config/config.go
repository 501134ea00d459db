// Package config provides the configuration schema and loader for the steno
// service.
package config

import "log/slog"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the slog level scale. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure, loaded from YAML via [Load].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Database    DatabaseConfig    `yaml:"database"`
	Queue       QueueConfig       `yaml:"queue"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Limits      LimitsConfig      `yaml:"limits"`
}

// ServerConfig holds network, logging, and identity settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ComponentID and Region identify this deployment in the status
	// endpoint payload.
	ComponentID string `yaml:"component_id"`
	Region      string `yaml:"region"`
}

// TelegramConfig holds the bot identity.
type TelegramConfig struct {
	// Token is the bot API token. Also the key material for web-app
	// init-data verification.
	Token string `yaml:"token"`

	// AdminIDs lists user ids with admin commands, rate-limit bypass, and
	// out-of-band alerts.
	AdminIDs []int64 `yaml:"admin_ids"`

	// PaymentToken enables the /buy invoice flow when set.
	PaymentToken string `yaml:"payment_token"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// QueueConfig holds the job queue settings.
type QueueConfig struct {
	// URL is the SQS queue URL.
	URL string `yaml:"url"`

	// Region is the AWS region of the queue and bucket.
	Region string `yaml:"region"`

	// WorkerURL, when set, is tried for direct HTTP worker invocation
	// before falling back to queue publication.
	WorkerURL string `yaml:"worker_url"`
}

// ObjectStoreConfig holds the upload bucket settings.
type ObjectStoreConfig struct {
	Bucket string `yaml:"bucket"`
}

// ProviderEntry is the common configuration block shared by all providers.
type ProviderEntry struct {
	// Name selects the implementation (e.g., "dashscope", "qwen", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// ProvidersConfig declares the external engines.
type ProvidersConfig struct {
	// ASR is the speech recognition provider (both the synchronous and the
	// asynchronous surface).
	ASR ProviderEntry `yaml:"asr"`

	// SpeakerModel and TextModel select the two async models of two-pass
	// diarization.
	SpeakerModel string `yaml:"speaker_model"`
	TextModel    string `yaml:"text_model"`

	// Language is the recognition language hint.
	Language string `yaml:"language"`

	// LLM is the primary formatter provider; LLMFallback is chained after
	// it and preferred for dialogues.
	LLM         ProviderEntry `yaml:"llm"`
	LLMFallback ProviderEntry `yaml:"llm_fallback"`

	// Diarizers lists optional synchronous one-call diarization providers,
	// tried before the two-pass default.
	Diarizers []ProviderEntry `yaml:"diarizers"`
}

// LimitsConfig carries the tunable thresholds. Zero values take the service
// defaults.
type LimitsConfig struct {
	// SyncThresholdSec is the duration under which a job runs inline in
	// the webhook handler. Default 15.
	SyncThresholdSec float64 `yaml:"sync_threshold_sec"`

	// DiarizationThresholdSec is the duration from which speaker
	// separation is attempted. Default 60.
	DiarizationThresholdSec float64 `yaml:"diarization_threshold_sec"`

	// RatePerSec is the per-user sliding-window request limit. Default 10.
	RatePerSec int `yaml:"rate_per_sec"`

	// TrialMinutes is the first-contact balance grant. Default 30.
	TrialMinutes int `yaml:"trial_minutes"`

	// VisibilitySec is the queue visibility timeout. Default 600.
	VisibilitySec int `yaml:"visibility_sec"`

	// OrphanAgeMin is the age in minutes after which a stuck job is swept.
	// Default 60.
	OrphanAgeMin int `yaml:"orphan_age_min"`
}

// applyDefaults fills zero values with service defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ComponentID == "" {
		c.Server.ComponentID = "steno"
	}
	if c.Providers.Language == "" {
		c.Providers.Language = "ru"
	}
	if c.Providers.SpeakerModel == "" {
		c.Providers.SpeakerModel = "paraformer-8k-v2"
	}
	if c.Providers.TextModel == "" {
		c.Providers.TextModel = "paraformer-v2"
	}
	if c.Limits.SyncThresholdSec == 0 {
		c.Limits.SyncThresholdSec = 15
	}
	if c.Limits.DiarizationThresholdSec == 0 {
		c.Limits.DiarizationThresholdSec = 60
	}
	if c.Limits.RatePerSec == 0 {
		c.Limits.RatePerSec = 10
	}
	if c.Limits.TrialMinutes == 0 {
		c.Limits.TrialMinutes = 30
	}
	if c.Limits.VisibilitySec == 0 {
		c.Limits.VisibilitySec = 600
	}
	if c.Limits.OrphanAgeMin == 0 {
		c.Limits.OrphanAgeMin = 60
	}
}
