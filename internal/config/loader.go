package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per kind. [Validate] warns
// about names outside these lists, which may be third-party registrations.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper", "whisper-native", "openai"},
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs"},
}

// Format is a config file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the format from a file extension. Anything other than
// .toml is read as YAML.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Load reads, defaults and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := Parse(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format, applies defaults and validates.
func Parse(data []byte, format Format) (*Config, error) {
	switch format {
	case FormatTOML:
		return LoadTOML(bytes.NewReader(data))
	default:
		return LoadFromReader(bytes.NewReader(data))
	}
}

// LoadFromReader decodes a YAML config from r. Unknown keys are errors.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return finish(cfg)
}

// LoadTOML decodes a TOML config from r. Unknown keys are errors.
func LoadTOML(r io.Reader) (*Config, error) {
	cfg := &Config{}
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			// Provider options are free-form.
			if len(k) > 2 && k[0] == "providers" && slices.Contains(k, "options") {
				continue
			}
			keys = append(keys, k.String())
		}
		if len(keys) > 0 {
			return nil, fmt.Errorf("config: decode toml: unknown keys: %s", strings.Join(keys, ", "))
		}
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg for coherent values and returns every problem joined
// into one error. Problems that do not stop the service are logged instead.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, e := range cfg.Providers.STTFallbacks {
		errs = append(errs, requireName(fmt.Sprintf("providers.stt_fallbacks[%d]", i), e))
		validateProviderName("stt", e.Name)
	}
	for i, e := range cfg.Providers.LLMFallbacks {
		errs = append(errs, requireName(fmt.Sprintf("providers.llm_fallbacks[%d]", i), e))
		validateProviderName("llm", e.Name)
	}
	for i, e := range cfg.Providers.TTSFallbacks {
		errs = append(errs, requireName(fmt.Sprintf("providers.tts_fallbacks[%d]", i), e))
		validateProviderName("tts", e.Name)
	}

	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; clients cannot use voice input")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; the companion will not reply")
	} else if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; replies are text only")
	}

	l := cfg.Listening
	if l.Mode != "" && !l.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("listening.mode %q is invalid; valid values: continuous, always, simple", l.Mode))
	}
	if l.Backoff < 0 {
		errs = append(errs, fmt.Errorf("listening.backoff %s must not be negative", l.Backoff))
	}
	if l.InterruptMinLength < 0 {
		errs = append(errs, fmt.Errorf("listening.interrupt_min_length %d must not be negative", l.InterruptMinLength))
	}
	if l.NoSpeechTimeout < 0 {
		errs = append(errs, fmt.Errorf("listening.no_speech_timeout %s must not be negative", l.NoSpeechTimeout))
	}
	for i, k := range l.StopKeywords {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, fmt.Errorf("listening.stop_keywords[%d] is empty", i))
		}
	}

	c := cfg.Companion
	if c.SpeedFactor != 0 && (c.SpeedFactor < 0.5 || c.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("companion.speed_factor %.2f is out of range [0.5, 2.0]", c.SpeedFactor))
	}
	if c.MaxHistory < 0 {
		errs = append(errs, fmt.Errorf("companion.max_history %d must not be negative", c.MaxHistory))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("companion.temperature %.2f is out of range [0, 2]", c.Temperature))
	}
	if c.ReplySampleRate < 0 {
		errs = append(errs, fmt.Errorf("companion.reply_sample_rate %d must not be negative", c.ReplySampleRate))
	}
	if cfg.Providers.TTS.Name != "" && c.VoiceID == "" {
		errs = append(errs, errors.New("companion.voice_id is required when providers.tts is configured"))
	}

	if cfg.Storage.JournalSize < 0 {
		errs = append(errs, fmt.Errorf("storage.journal_size %d must not be negative", cfg.Storage.JournalSize))
	}

	if m := cfg.MQTT; m.BrokerURL != "" {
		if u, err := url.Parse(m.BrokerURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker_url %q is not a broker URL such as tcp://host:1883", m.BrokerURL))
		}
		if m.QoS < 0 || m.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.qos %d is out of range [0, 2]", m.QoS))
		}
	}

	return errors.Join(errs...)
}

func requireName(prefix string, e ProviderEntry) error {
	if e.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	return nil
}

// validateProviderName logs a warning if name is set but unknown for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
