// Package listen keeps speech recognition running for as long as the user
// wants to talk to the companion.
//
// A [ContinuousSession] restarts the recognition engine after every utterance
// and every failure, and tells plain dictation apart from interruptions
// spoken while the companion is talking. A [SimpleSession] runs a single
// attempt with interim results for screens that show live captions.
//
// Both session types own at most one engine attempt at a time. Callbacks are
// always invoked without internal locks held, so they may call back into the
// session (for example Stop from an interrupt handler).
package listen

import (
	"strings"
	"unicode/utf8"
)

// DefaultInterruptMinLength is the rune count from which an utterance spoken
// over the companion counts as an interruption even without a stop keyword.
const DefaultInterruptMinLength = 10

// StopKeywords are the phrases that mark an utterance as a request to stop
// talking. Matching is by exact substring.
var StopKeywords = []string{
	// negation, refusal
	"ちがう", "違う", "いや", "だめ", "ダメ",
	// wait
	"まって", "待って", "ちょっと",
	// stop
	"ストップ", "やめて", "止めて", "とめて",
	// quiet
	"しずかに", "静かに", "だまって", "黙って", "うるさい",
}

// InterruptDecision is the classification of one transcript.
type InterruptDecision struct {
	// IsStopCommand is set when the text contains a stop keyword.
	IsStopCommand bool

	// IsLongEnough is set when the text reaches the minimum length.
	IsLongEnough bool
}

// Interrupts reports whether the utterance should cut the companion off.
func (d InterruptDecision) Interrupts() bool {
	return d.IsStopCommand || d.IsLongEnough
}

// Classifier decides whether a transcript is an interruption. It is
// immutable and safe for concurrent use.
type Classifier struct {
	keywords  []string
	minLength int
}

// NewClassifier returns a Classifier for the given keywords and minimum
// length. A nil keyword list selects [StopKeywords]; empty keywords are
// ignored. A non-positive minLength selects [DefaultInterruptMinLength].
func NewClassifier(keywords []string, minLength int) *Classifier {
	if keywords == nil {
		keywords = StopKeywords
	}
	if minLength <= 0 {
		minLength = DefaultInterruptMinLength
	}
	kw := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k != "" {
			kw = append(kw, k)
		}
	}
	return &Classifier{keywords: kw, minLength: minLength}
}

// Classify inspects text. Length is counted in characters, not bytes, so
// "ちがう" has length 3. Empty text sets neither flag.
func (c *Classifier) Classify(text string) InterruptDecision {
	if text == "" {
		return InterruptDecision{}
	}
	var d InterruptDecision
	for _, k := range c.keywords {
		if strings.Contains(text, k) {
			d.IsStopCommand = true
			break
		}
	}
	d.IsLongEnough = utf8.RuneCountInString(text) >= c.minLength
	return d
}

// Keywords returns a copy of the classifier's stop keywords.
func (c *Classifier) Keywords() []string {
	return append([]string(nil), c.keywords...)
}

// MinLength returns the interruption length threshold in characters.
func (c *Classifier) MinLength() int { return c.minLength }

var defaultClassifier = NewClassifier(nil, 0)

// Classify classifies text with the default keywords and threshold.
func Classify(text string) InterruptDecision {
	return defaultClassifier.Classify(text)
}
