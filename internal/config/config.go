// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the nell listening service.
package config

import (
	"log/slog"
	"time"
)

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

// SlogLevel maps l to the slog level. Unknown values map to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ListenMode selects which listening session a new client connection starts.
type ListenMode string

const (
	// ModeContinuous keeps recognition alive and swaps callbacks on restart.
	ModeContinuous ListenMode = "continuous"

	// ModeAlways keeps recognition alive and restarts it on every start.
	ModeAlways ListenMode = "always"

	// ModeSimple runs one attempt with interim results.
	ModeSimple ListenMode = "simple"
)

// IsValid reports whether m is a recognised mode.
func (m ListenMode) IsValid() bool {
	switch m {
	case ModeContinuous, ModeAlways, ModeSimple:
		return true
	}
	return false
}

// Config is the root configuration. It is loaded from YAML or TOML with [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Providers ProvidersConfig `yaml:"providers" toml:"providers"`
	Listening ListeningConfig `yaml:"listening" toml:"listening"`
	Companion CompanionConfig `yaml:"companion" toml:"companion"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	MQTT      MQTTConfig      `yaml:"mqtt" toml:"mqtt"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on.
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level" toml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls" toml:"tls"`

	// AllowedOrigins are host patterns of cross-origin WebSocket clients,
	// e.g. "app.example.com" or "*.example.com".
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
}

// ProvidersConfig selects the backend for each stage. Fallback entries are
// tried in order when the primary fails.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt" toml:"stt"`
	LLM ProviderEntry `yaml:"llm" toml:"llm"`
	TTS ProviderEntry `yaml:"tts" toml:"tts"`

	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks" toml:"stt_fallbacks"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks" toml:"llm_fallbacks"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks" toml:"tts_fallbacks"`
}

// ProviderEntry is the configuration block shared by all provider kinds. Name
// selects the factory in the [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name" toml:"name"`
	APIKey  string `yaml:"api_key" toml:"api_key"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Model   string `yaml:"model" toml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options" toml:"options"`
}

// ListeningConfig tunes the listening sessions. Changes apply to sessions
// started after a reload.
type ListeningConfig struct {
	Mode     ListenMode `yaml:"mode" toml:"mode"`
	Language string     `yaml:"language" toml:"language"`

	// Backoff delays the restart after an engine error or failed start.
	Backoff time.Duration `yaml:"backoff" toml:"backoff"`

	// InterruptMinLength is the utterance length in characters that counts
	// as an interruption while the companion speaks.
	InterruptMinLength int `yaml:"interrupt_min_length" toml:"interrupt_min_length"`

	// NoSpeechTimeout ends an attempt that heard nothing.
	NoSpeechTimeout time.Duration `yaml:"no_speech_timeout" toml:"no_speech_timeout"`

	// StopKeywords replaces the built-in stop keyword set when non-empty.
	StopKeywords []string `yaml:"stop_keywords" toml:"stop_keywords"`

	// Keywords are boosted by recognizers that support it.
	Keywords []string `yaml:"keywords" toml:"keywords"`

	// InterimResults forwards running transcripts of simple sessions to the
	// client.
	InterimResults bool `yaml:"interim_results" toml:"interim_results"`
}

// CompanionConfig configures the reply pipeline.
type CompanionConfig struct {
	// Persona replaces the built-in system prompt.
	Persona string `yaml:"persona" toml:"persona"`

	VoiceID string `yaml:"voice_id" toml:"voice_id"`

	// SpeedFactor scales the speaking rate in [0.5, 2.0]; 0 keeps the default.
	SpeedFactor float64 `yaml:"speed_factor" toml:"speed_factor"`

	MaxHistory  int     `yaml:"max_history" toml:"max_history"`
	Temperature float64 `yaml:"temperature" toml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" toml:"max_tokens"`

	// ReplySampleRate is the sample rate of reply audio sent to clients. It
	// must match the TTS output format.
	ReplySampleRate int `yaml:"reply_sample_rate" toml:"reply_sample_rate"`
}

// StorageConfig selects the journal store.
type StorageConfig struct {
	// PostgresDSN enables the PostgreSQL journal. Empty keeps it in memory.
	PostgresDSN string `yaml:"postgres_dsn" toml:"postgres_dsn"`

	// JournalSize is the per-session capacity of the in-memory journal.
	JournalSize int `yaml:"journal_size" toml:"journal_size"`
}

// MQTTConfig enables publishing journal entries to a broker.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url" toml:"broker_url"`
	ClientID    string `yaml:"client_id" toml:"client_id"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	QoS         int    `yaml:"qos" toml:"qos"`
}
