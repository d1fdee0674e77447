package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ListeningChanged is set when any listening tunable changed. New
	// sessions pick the values up; running sessions keep theirs.
	ListeningChanged bool

	// CompanionChanged covers persona, voice and sampling settings.
	CompanionChanged bool

	// RestartRequired is set when a section changed that only takes effect
	// after a restart: server address, providers, storage or MQTT.
	RestartRequired bool
	RestartSections []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ListeningChanged && !d.CompanionChanged && !d.RestartRequired
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.ListeningChanged = !listeningEqual(old.Listening, new.Listening)
	d.CompanionChanged = old.Companion != new.Companion

	restart := func(section string, changed bool) {
		if changed {
			d.RestartRequired = true
			d.RestartSections = append(d.RestartSections, section)
		}
	}
	restart("server", old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.ShutdownTimeout != new.Server.ShutdownTimeout ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins))
	restart("providers", !reflect.DeepEqual(old.Providers, new.Providers))
	restart("storage", old.Storage != new.Storage)
	restart("mqtt", old.MQTT != new.MQTT)

	return d
}

func listeningEqual(a, b ListeningConfig) bool {
	return a.Mode == b.Mode &&
		a.Language == b.Language &&
		a.Backoff == b.Backoff &&
		a.InterruptMinLength == b.InterruptMinLength &&
		a.NoSpeechTimeout == b.NoSpeechTimeout &&
		a.InterimResults == b.InterimResults &&
		slices.Equal(a.StopKeywords, b.StopKeywords) &&
		slices.Equal(a.Keywords, b.Keywords)
}
