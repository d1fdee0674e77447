package tts

// Voice selects and tunes a synthesis voice.
type Voice struct {
	// ID is the backend-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the backend the voice belongs to.
	Provider string

	// SpeedFactor scales the speaking rate; 0 keeps the backend default.
	// Slower speech (around 0.9) suits younger listeners.
	SpeedFactor float64

	// Labels holds backend-specific attributes such as gender or accent.
	Labels map[string]string
}
