package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/nell/internal/config"
	"github.com/MrWong99/nell/internal/listen"
)

var (
	colorPrimary = lipgloss.Color("#F472B6")
	colorMuted   = lipgloss.Color("#94A3B8")
	colorOK      = lipgloss.Color("#22C55E")
	colorWarn    = lipgloss.Color("#F59E0B")

	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	styleLabel = lipgloss.NewStyle().Foreground(colorMuted).Width(14)
	styleOK    = lipgloss.NewStyle().Foreground(colorOK)
	styleWarn  = lipgloss.NewStyle().Foreground(colorWarn)
	styleBox   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

const notConfigured = "(not configured)"

// renderSummary draws the startup box listing what cfg enables.
func renderSummary(cfg *config.Config, path string) string {
	rows := []string{styleTitle.Render("Nell " + version)}
	add := func(label, value string) {
		rows = append(rows, styleLabel.Render(label)+value)
	}

	add("config", path)
	add("listen", cfg.Server.ListenAddr)
	add("stt", providerLine(cfg.Providers.STT, cfg.Providers.STTFallbacks))
	add("llm", providerLine(cfg.Providers.LLM, cfg.Providers.LLMFallbacks))
	add("tts", providerLine(cfg.Providers.TTS, cfg.Providers.TTSFallbacks))
	add("mode", fmt.Sprintf("%s (%s)", cfg.Listening.Mode, cfg.Listening.Language))
	add("backoff", cfg.Listening.Backoff.String())

	journal := "memory"
	if cfg.Storage.PostgresDSN != "" {
		journal = "postgres"
	}
	if cfg.MQTT.BrokerURL != "" {
		journal += " + mqtt " + cfg.MQTT.BrokerURL
	}
	add("journal", journal)

	return styleBox.Render(strings.Join(rows, "\n"))
}

func providerLine(primary config.ProviderEntry, fallbacks []config.ProviderEntry) string {
	if primary.Name == "" {
		return styleWarn.Render(notConfigured)
	}
	s := primary.Name
	if primary.Model != "" {
		s += " / " + primary.Model
	}
	for _, f := range fallbacks {
		s += " → " + f.Name
	}
	return s
}

// renderDecision formats the classification of text.
func renderDecision(text string, d listen.InterruptDecision) string {
	verdict := styleOK.Render("ignored while speaking")
	if d.Interrupts() {
		verdict = styleWarn.Render("interrupts")
	}
	return strings.Join([]string{
		styleLabel.Render("text") + text,
		styleLabel.Render("stop command") + fmt.Sprint(d.IsStopCommand),
		styleLabel.Render("long enough") + fmt.Sprint(d.IsLongEnough),
		styleLabel.Render("verdict") + verdict,
	}, "\n")
}
