package gateway

import (
	"time"

	"github.com/MrWong99/nell/internal/companion"
	"github.com/MrWong99/nell/internal/config"
	"github.com/MrWong99/nell/internal/listen"
	"github.com/MrWong99/nell/internal/observe"
	"github.com/MrWong99/nell/pkg/provider/stt"
	"github.com/MrWong99/nell/pkg/provider/tts"
	"github.com/MrWong99/nell/pkg/speech"
)

// Settings are the per-connection tunables. A connection takes a snapshot when
// it is accepted, so updates only affect later connections.
type Settings struct {
	Mode            config.ListenMode
	Language        string
	Backoff         time.Duration
	StopKeywords    []string
	InterruptMinLen int
	NoSpeechTimeout time.Duration
	Keywords        []string
	InterimResults  bool

	Persona         string
	Voice           tts.Voice
	MaxHistory      int
	Temperature     float64
	MaxTokens       int
	ReplySampleRate int

	LLMName string
	TTSName string
}

// SettingsFromConfig maps the listening and companion sections of cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	l, c := cfg.Listening, cfg.Companion
	return Settings{
		Mode:            l.Mode,
		Language:        l.Language,
		Backoff:         l.Backoff,
		StopKeywords:    l.StopKeywords,
		InterruptMinLen: l.InterruptMinLength,
		NoSpeechTimeout: l.NoSpeechTimeout,
		Keywords:        l.Keywords,
		InterimResults:  l.InterimResults,

		Persona: c.Persona,
		Voice: tts.Voice{
			ID:          c.VoiceID,
			Provider:    cfg.Providers.TTS.Name,
			SpeedFactor: c.SpeedFactor,
		},
		MaxHistory:      c.MaxHistory,
		Temperature:     c.Temperature,
		MaxTokens:       c.MaxTokens,
		ReplySampleRate: c.ReplySampleRate,

		LLMName: cfg.Providers.LLM.Name,
		TTSName: cfg.Providers.TTS.Name,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Mode == "" {
		s.Mode = config.ModeContinuous
	}
	if s.Language == "" {
		s.Language = config.DefaultLanguage
	}
	if s.ReplySampleRate <= 0 {
		s.ReplySampleRate = config.DefaultReplySampleRate
	}
	return s
}

func (s Settings) classifier() *listen.Classifier {
	kw := s.StopKeywords
	if len(kw) == 0 {
		kw = nil
	}
	return listen.NewClassifier(kw, s.InterruptMinLen)
}

func (s Settings) speechSettings() speech.Settings {
	ss := speech.DefaultSettings()
	ss.Language = s.Language
	return ss
}

func (s Settings) streamOptions() []speech.StreamOption {
	opts := []speech.StreamOption{}
	if s.NoSpeechTimeout > 0 {
		opts = append(opts, speech.WithNoSpeechTimeout(s.NoSpeechTimeout))
	}
	if len(s.Keywords) > 0 {
		kw := make([]stt.KeywordBoost, 0, len(s.Keywords))
		for _, k := range s.Keywords {
			kw = append(kw, stt.KeywordBoost{Keyword: k, Boost: 1})
		}
		opts = append(opts, speech.WithKeywords(kw))
	}
	return opts
}

func (s Settings) listenOptions(name string, m *observe.Metrics, onError func(error)) []listen.Option {
	return []listen.Option{
		listen.WithName(name),
		listen.WithBackoff(s.Backoff),
		listen.WithClassifier(s.classifier()),
		listen.WithSettings(s.speechSettings()),
		listen.WithMetrics(m),
		listen.WithErrorHandler(onError),
	}
}

func (s Settings) responderOptions(m *observe.Metrics) []companion.ResponderOption {
	return []companion.ResponderOption{
		companion.WithPersona(s.Persona),
		companion.WithVoice(s.Voice),
		companion.WithMaxHistory(s.MaxHistory),
		companion.WithSampling(s.Temperature, s.MaxTokens),
		companion.WithResponderMetrics(m),
		companion.WithProviderNames(s.LLMName, s.TTSName),
	}
}
