// Package config provides the configuration schema and loader for the
// outcall dialler.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "10s". Bare numbers are read as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(dur)
		return nil
	}
	var n float64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %v", value.Value)
	}
	*d = Duration(time.Duration(n * float64(time.Second)))
	return nil
}

// LogLevel controls log verbosity for the server.
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

// Limits on the dispatcher's concurrency setting.
const (
	MinConcurrentCalls = 1
	MaxConcurrentCalls = 50
)

// Config is the root configuration structure, typically loaded from a YAML
// file via [Load]. Secrets may be left empty in the file and supplied through
// environment variables instead (see [ApplyEnv]).
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Telnyx   TelnyxConfig   `yaml:"telnyx"`
	STT      STTConfig      `yaml:"stt"`
	TTS      TTSConfig      `yaml:"tts"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	Database DatabaseConfig `yaml:"database"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// PublicBaseURL is the externally reachable base URL the carrier uses for
	// webhooks and the media WebSocket (e.g., "https://dial.example.com").
	PublicBaseURL string `yaml:"public_base_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TelnyxConfig holds carrier credentials.
type TelnyxConfig struct {
	// APIKey authenticates against the Telnyx REST API.
	APIKey string `yaml:"api_key"`

	// ConnectionID is the Call Control application id used for origination.
	ConnectionID string `yaml:"connection_id"`
}

// STTConfig selects the speech-to-text provider settings.
type STTConfig struct {
	// APIKey authenticates against the Deepgram streaming API.
	APIKey string `yaml:"api_key"`

	// Model is the Deepgram model (e.g., "nova-2").
	Model string `yaml:"model"`
}

// TTSConfig selects the text-to-speech provider settings.
type TTSConfig struct {
	// APIKey authenticates against the ElevenLabs API.
	APIKey string `yaml:"api_key"`

	// VoiceID is the ElevenLabs voice used for all calls.
	VoiceID string `yaml:"voice_id"`

	// Model is the ElevenLabs model id (e.g., "eleven_turbo_v2_5").
	Model string `yaml:"model"`

	// OptimizeStreamingLatency is the ElevenLabs latency optimisation level
	// (0-4; higher trades quality for time-to-first-byte).
	OptimizeStreamingLatency int `yaml:"optimize_streaming_latency"`
}

// LLMConfig selects the dialogue model settings.
type LLMConfig struct {
	// APIKey authenticates against the OpenAI API.
	APIKey string `yaml:"api_key"`

	// Model is the chat model driving the qualification dialogue.
	Model string `yaml:"model"`

	// Timeout bounds each completion round trip. On timeout the engine
	// returns its fallback reply and the call continues.
	Timeout Duration `yaml:"timeout"`
}

// AgentConfig holds dialling policy.
type AgentConfig struct {
	// TransferNumber is the human agent qualified leads are transferred to.
	TransferNumber string `yaml:"transfer_number"`

	// VerifiedTransferNumber, when set, overrides TransferNumber as the
	// transfer destination for accounts with carrier-verified targets.
	VerifiedTransferNumber string `yaml:"verified_transfer_number"`

	// MaxConcurrentCalls bounds in-flight calls (1-50).
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`

	// DelayBetweenCalls is the courtesy pause between originations.
	DelayBetweenCalls Duration `yaml:"delay_between_calls"`

	// CallTimeout is the wall-clock bound a dispatcher worker waits for a
	// terminal webhook before releasing its slot.
	CallTimeout Duration `yaml:"call_timeout"`

	// Numbers is the outbound DID set. When empty the pool is loaded from
	// the carrier's purchased-number inventory at startup.
	Numbers []string `yaml:"numbers"`

	// MaxRetries is the total origination attempts per lead for retriable
	// failures.
	MaxRetries int `yaml:"max_retries"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// MaxConns bounds the pgx pool. Zero derives a size from
	// Agent.MaxConcurrentCalls.
	MaxConns int `yaml:"max_conns"`
}

// Defaults fills unset fields with their standard values.
func (c *Config) Defaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.STT.Model == "" {
		c.STT.Model = "nova-2"
	}
	if c.TTS.Model == "" {
		c.TTS.Model = "eleven_turbo_v2_5"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = Duration(10 * time.Second)
	}
	if c.Agent.MaxConcurrentCalls == 0 {
		c.Agent.MaxConcurrentCalls = 5
	}
	if c.Agent.DelayBetweenCalls == 0 {
		c.Agent.DelayBetweenCalls = Duration(500 * time.Millisecond)
	}
	if c.Agent.CallTimeout == 0 {
		c.Agent.CallTimeout = Duration(300 * time.Second)
	}
	if c.Agent.MaxRetries == 0 {
		c.Agent.MaxRetries = 3
	}
	if c.Database.MaxConns == 0 {
		// Pool comfortably above the typical concurrent query load, which is
		// roughly a third of the in-flight call count.
		c.Database.MaxConns = c.Agent.MaxConcurrentCalls/2 + 4
	}
}
