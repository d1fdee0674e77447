package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/nell/internal/config"
	"github.com/MrWong99/nell/internal/health"
	"github.com/MrWong99/nell/internal/observe"
	"github.com/MrWong99/nell/internal/resilience"
	"github.com/MrWong99/nell/pkg/provider/llm"
	"github.com/MrWong99/nell/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/nell/pkg/provider/llm/openai"
	"github.com/MrWong99/nell/pkg/provider/stt"
	"github.com/MrWong99/nell/pkg/provider/stt/deepgram"
	oastt "github.com/MrWong99/nell/pkg/provider/stt/openai"
	"github.com/MrWong99/nell/pkg/provider/stt/whisper"
	"github.com/MrWong99/nell/pkg/provider/tts"
	"github.com/MrWong99/nell/pkg/provider/tts/elevenlabs"
)

// anyLLMBackends share the any-llm construction path: optional API key and
// optional base URL.
var anyLLMBackends = []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// RegisterBuiltins wires every provider implementation that ships with nell
// into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms := optInt(e.Options, "endpointing_ms"); ms > 0 {
			opts = append(opts, deepgram.WithEndpointing(ms))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		return whisper.New(e.BaseURL, whisperOptions(e)...)
	})

	reg.RegisterSTT("whisper-native", func(e config.ProviderEntry) (stt.Provider, error) {
		modelPath := optString(e.Options, "model_path")
		if modelPath == "" {
			modelPath = e.Model
		}
		return whisper.NewNative(modelPath, whisperOptions(e)...)
	})

	reg.RegisterSTT("openai", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if e.Model != "" {
			opts = append(opts, oastt.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(e.BaseURL))
		}
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		if prompt := optString(e.Options, "prompt"); prompt != "" {
			opts = append(opts, oastt.WithPrompt(prompt))
		}
		if d := optDuration(e.Options, "silence_threshold"); d > 0 {
			opts = append(opts, oastt.WithSilenceThreshold(d))
		}
		return oastt.New(e.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if e.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(e.BaseURL))
		}
		if org := optString(e.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if d := optDuration(e.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		return oallm.New(e.APIKey, e.Model, opts...)
	})

	for _, backend := range anyLLMBackends {
		reg.RegisterLLM(backend, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(backend, e.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		if f := optString(e.Options, "output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})
}

func whisperOptions(e config.ProviderEntry) []whisper.Option {
	var opts []whisper.Option
	if e.Model != "" {
		opts = append(opts, whisper.WithModel(e.Model))
	}
	if lang := optString(e.Options, "language"); lang != "" {
		opts = append(opts, whisper.WithLanguage(lang))
	}
	if d := optDuration(e.Options, "silence_threshold"); d > 0 {
		opts = append(opts, whisper.WithSilenceThreshold(d))
	}
	if d := optDuration(e.Options, "max_utterance"); d > 0 {
		opts = append(opts, whisper.WithMaxUtterance(d))
	}
	return opts
}

// Providers holds the fallback group of each provider kind. A nil group means
// the kind is not configured.
type Providers struct {
	STT *resilience.STTFallback
	LLM *resilience.LLMFallback
	TTS *resilience.TTSFallback

	closers []io.Closer
}

// BuildProviders instantiates every provider named in cfg through reg and
// puts each kind behind a fallback group. Entries whose name is not
// registered are skipped with a warning.
func BuildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*Providers, error) {
	ps := &Providers{}
	fc := resilience.FallbackConfig{Metrics: metrics}
	pc := cfg.Providers

	sttBackends, err := create(ps, "stt", pc.STT, pc.STTFallbacks, reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	if len(sttBackends) > 0 {
		ps.STT = resilience.NewSTTFallback(sttBackends[0].value, sttBackends[0].name, fc)
		for _, b := range sttBackends[1:] {
			ps.STT.AddFallback(b.name, b.value)
		}
	}

	llmBackends, err := create(ps, "llm", pc.LLM, pc.LLMFallbacks, reg.CreateLLM)
	if err != nil {
		return nil, errors.Join(err, ps.Close())
	}
	if len(llmBackends) > 0 {
		ps.LLM = resilience.NewLLMFallback(llmBackends[0].value, llmBackends[0].name, fc)
		for _, b := range llmBackends[1:] {
			ps.LLM.AddFallback(b.name, b.value)
		}
	}

	ttsBackends, err := create(ps, "tts", pc.TTS, pc.TTSFallbacks, reg.CreateTTS)
	if err != nil {
		return nil, errors.Join(err, ps.Close())
	}
	if len(ttsBackends) > 0 {
		ps.TTS = resilience.NewTTSFallback(ttsBackends[0].value, ttsBackends[0].name, fc)
		for _, b := range ttsBackends[1:] {
			ps.TTS.AddFallback(b.name, b.value)
		}
	}

	return ps, nil
}

type namedBackend[T any] struct {
	name  string
	value T
}

// create builds the primary and fallback entries of one kind, in order.
// Backends that hold resources are remembered so that Close releases them.
func create[T any](ps *Providers, kind string, primary config.ProviderEntry, fallbacks []config.ProviderEntry, factory func(config.ProviderEntry) (T, error)) ([]namedBackend[T], error) {
	var out []namedBackend[T]
	for _, e := range append([]config.ProviderEntry{primary}, fallbacks...) {
		if e.Name == "" {
			continue
		}
		p, err := factory(e)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("app: provider not available, skipping", "kind", kind, "name", e.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		if c, ok := any(p).(io.Closer); ok {
			ps.closers = append(ps.closers, c)
		}
		out = append(out, namedBackend[T]{name: e.Name, value: p})
		slog.Info("app: provider created", "kind", kind, "name", e.Name, "fallback", len(out) > 1)
	}
	return out, nil
}

// Checkers returns a readiness check per configured kind.
func (p *Providers) Checkers() []health.Checker {
	var out []health.Checker
	if p.STT != nil {
		out = append(out, health.ProviderCheck("stt", p.STT.Healthy))
	}
	if p.LLM != nil {
		out = append(out, health.ProviderCheck("llm", p.LLM.Healthy))
	}
	if p.TTS != nil {
		out = append(out, health.ProviderCheck("tts", p.TTS.Healthy))
	}
	return out
}

// Close releases backends that hold resources, such as loaded models.
func (p *Providers) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	p.closers = nil
	return errors.Join(errs...)
}

// optString extracts a string from a provider Options map. It returns "" if
// the key is absent or not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from a provider Options map. YAML decodes
// integers as int and TOML as int64.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// optDuration extracts a duration written as a Go duration string ("800ms").
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
