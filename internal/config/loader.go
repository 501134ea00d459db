package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// validLLMNames lists known formatter provider names. Unknown names only
// warn; third-party backends may be valid.
var validLLMNames = []string{
	"qwen", "openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests with string-literal configs.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if cfg.Providers.ASR.APIKey == "" {
		errs = append(errs, errors.New("providers.asr.api_key is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no formatter LLM configured; transcripts will be delivered raw")
	}
	validateLLMName("providers.llm", cfg.Providers.LLM.Name)
	validateLLMName("providers.llm_fallback", cfg.Providers.LLMFallback.Name)

	if cfg.Queue.URL == "" && cfg.Queue.WorkerURL == "" {
		slog.Warn("no queue url or worker url configured; every job will run synchronously")
	}
	if cfg.ObjectStore.Bucket == "" {
		slog.Warn("object_store.bucket is empty; direct uploads and diarization of large files are disabled")
	}

	if cfg.Limits.SyncThresholdSec < 0 {
		errs = append(errs, fmt.Errorf("limits.sync_threshold_sec %v must not be negative", cfg.Limits.SyncThresholdSec))
	}
	if cfg.Limits.DiarizationThresholdSec < cfg.Limits.SyncThresholdSec {
		errs = append(errs, fmt.Errorf("limits.diarization_threshold_sec %v must not be below sync_threshold_sec %v",
			cfg.Limits.DiarizationThresholdSec, cfg.Limits.SyncThresholdSec))
	}

	return errors.Join(errs...)
}

// validateLLMName logs a warning for unrecognised provider names.
func validateLLMName(field, name string) {
	if name == "" || slices.Contains(validLLMNames, name) {
		return
	}
	slog.Warn("unknown LLM provider name, may be a typo or third-party backend",
		"field", field, "name", name, "known", validLLMNames)
}
