package config

import (
	"time"

	"github.com/MrWong99/nell/internal/companion"
	"github.com/MrWong99/nell/internal/journal"
	"github.com/MrWong99/nell/internal/listen"
	"github.com/MrWong99/nell/pkg/speech"
)

// Default values filled in by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultLanguage        = "ja-JP"
	DefaultReplySampleRate = 16000
	DefaultTopicPrefix     = "nell"
)

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	l := &cfg.Listening
	if l.Mode == "" {
		l.Mode = ModeContinuous
	}
	if l.Language == "" {
		l.Language = DefaultLanguage
	}
	if l.Backoff == 0 {
		l.Backoff = listen.DefaultBackoff
	}
	if l.InterruptMinLength == 0 {
		l.InterruptMinLength = listen.DefaultInterruptMinLength
	}
	if l.NoSpeechTimeout == 0 {
		l.NoSpeechTimeout = speech.DefaultNoSpeechTimeout
	}

	c := &cfg.Companion
	if c.MaxHistory == 0 {
		c.MaxHistory = companion.DefaultMaxHistory
	}
	if c.ReplySampleRate == 0 {
		c.ReplySampleRate = DefaultReplySampleRate
	}

	if cfg.Storage.JournalSize == 0 {
		cfg.Storage.JournalSize = journal.DefaultMemorySize
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = DefaultTopicPrefix
	}
}
