package audio

// Drain reads ch until it is closed, discarding every value. Use it when a
// producer must be allowed to finish but its output is no longer wanted, such
// as the audio stream of a cancelled reply.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
