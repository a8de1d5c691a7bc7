package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and validates the result.
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

// LoadFromReader decodes a YAML config from r, applies env overrides and
// defaults, and validates. Useful in tests where configs are string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyEnv()
	cfg.Defaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secret and connection fields from environment variables.
// Env values win over file values so deployments never need keys on disk.
func (c *Config) ApplyEnv() {
	setIfEnv(&c.Telnyx.APIKey, "TELNYX_API_KEY")
	setIfEnv(&c.Telnyx.ConnectionID, "TELNYX_CONNECTION_ID")
	setIfEnv(&c.STT.APIKey, "DEEPGRAM_API_KEY")
	setIfEnv(&c.TTS.APIKey, "ELEVENLABS_API_KEY")
	setIfEnv(&c.LLM.APIKey, "OPENAI_API_KEY")
	setIfEnv(&c.Database.DSN, "DATABASE_URL")
	setIfEnv(&c.Server.PublicBaseURL, "PUBLIC_BASE_URL")
	setIfEnv(&c.Agent.TransferNumber, "AGENT_TRANSFER_NUMBER")
	setIfEnv(&c.Agent.VerifiedTransferNumber, "VERIFIED_TRANSFER_NUMBER")
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Telnyx.APIKey == "" {
		errs = append(errs, errors.New("telnyx.api_key is required (or set TELNYX_API_KEY)"))
	}
	if cfg.Telnyx.ConnectionID == "" {
		errs = append(errs, errors.New("telnyx.connection_id is required (or set TELNYX_CONNECTION_ID)"))
	}
	if cfg.STT.APIKey == "" {
		errs = append(errs, errors.New("stt.api_key is required (or set DEEPGRAM_API_KEY)"))
	}
	if cfg.TTS.APIKey == "" {
		errs = append(errs, errors.New("tts.api_key is required (or set ELEVENLABS_API_KEY)"))
	}
	if cfg.LLM.APIKey == "" {
		errs = append(errs, errors.New("llm.api_key is required (or set OPENAI_API_KEY)"))
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required (or set DATABASE_URL)"))
	}
	if cfg.Server.PublicBaseURL == "" {
		errs = append(errs, errors.New("server.public_base_url is required (or set PUBLIC_BASE_URL)"))
	} else if !strings.HasPrefix(cfg.Server.PublicBaseURL, "http://") && !strings.HasPrefix(cfg.Server.PublicBaseURL, "https://") {
		errs = append(errs, fmt.Errorf("server.public_base_url %q must start with http:// or https://", cfg.Server.PublicBaseURL))
	}

	if n := cfg.Agent.MaxConcurrentCalls; n < MinConcurrentCalls || n > MaxConcurrentCalls {
		errs = append(errs, fmt.Errorf("agent.max_concurrent_calls %d is out of range [%d, %d]", n, MinConcurrentCalls, MaxConcurrentCalls))
	}
	if cfg.TTS.OptimizeStreamingLatency < 0 || cfg.TTS.OptimizeStreamingLatency > 4 {
		errs = append(errs, fmt.Errorf("tts.optimize_streaming_latency %d is out of range [0, 4]", cfg.TTS.OptimizeStreamingLatency))
	}
	if cfg.Agent.TransferNumber == "" {
		slog.Warn("agent.transfer_number is empty; qualified leads cannot be transferred")
	}
	if len(cfg.Agent.Numbers) == 0 {
		slog.Warn("agent.numbers is empty; the DID pool will be loaded from the carrier inventory at startup")
	}

	return errors.Join(errs...)
}
