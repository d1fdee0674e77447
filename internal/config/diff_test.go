package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/nell/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
		},
		Listening: config.ListeningConfig{
			Mode:         config.ModeContinuous,
			Backoff:      time.Second,
			StopKeywords: []string{"まって"},
		},
		Companion: config.CompanionConfig{VoiceID: "v1", MaxHistory: 20},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mutate     func(*config.Config)
		logLevel   bool
		listening  bool
		companion  bool
		restartFor []string
	}{
		{
			name:     "log level",
			mutate:   func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			logLevel: true,
		},
		{
			name:      "listening mode",
			mutate:    func(c *config.Config) { c.Listening.Mode = config.ModeSimple },
			listening: true,
		},
		{
			name:      "stop keywords",
			mutate:    func(c *config.Config) { c.Listening.StopKeywords = []string{"まって", "やめて"} },
			listening: true,
		},
		{
			name:      "voice",
			mutate:    func(c *config.Config) { c.Companion.VoiceID = "v2" },
			companion: true,
		},
		{
			name:       "listen addr",
			mutate:     func(c *config.Config) { c.Server.ListenAddr = ":9090" },
			restartFor: []string{"server"},
		},
		{
			name:       "allowed origins",
			mutate:     func(c *config.Config) { c.Server.AllowedOrigins = []string{"*.example.com"} },
			restartFor: []string{"server"},
		},
		{
			name:       "llm model",
			mutate:     func(c *config.Config) { c.Providers.LLM.Model = "gpt-4o" },
			restartFor: []string{"providers"},
		},
		{
			name: "storage and mqtt",
			mutate: func(c *config.Config) {
				c.Storage.PostgresDSN = "postgres://localhost/nell"
				c.MQTT.BrokerURL = "tcp://localhost:1883"
			},
			restartFor: []string{"storage", "mqtt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			new := baseConfig()
			tt.mutate(new)
			d := config.Diff(baseConfig(), new)

			if d.LogLevelChanged != tt.logLevel {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.logLevel)
			}
			if d.ListeningChanged != tt.listening {
				t.Errorf("ListeningChanged = %v, want %v", d.ListeningChanged, tt.listening)
			}
			if d.CompanionChanged != tt.companion {
				t.Errorf("CompanionChanged = %v, want %v", d.CompanionChanged, tt.companion)
			}
			if d.RestartRequired != (len(tt.restartFor) > 0) {
				t.Errorf("RestartRequired = %v", d.RestartRequired)
			}
			if !slices.Equal(d.RestartSections, tt.restartFor) {
				t.Errorf("RestartSections = %v, want %v", d.RestartSections, tt.restartFor)
			}
		})
	}
}

func TestDiff_NewLogLevel(t *testing.T) {
	t.Parallel()
	new := baseConfig()
	new.Server.LogLevel = config.LogError

	d := config.Diff(baseConfig(), new)
	if d.NewLogLevel != config.LogError {
		t.Errorf("NewLogLevel = %q, want error", d.NewLogLevel)
	}
}
