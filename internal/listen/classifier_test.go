package listen

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want InterruptDecision
	}{
		{"empty", "", InterruptDecision{}},
		{"short keyword", "ちがう", InterruptDecision{IsStopCommand: true}},
		{"keyword inside sentence", "ねえ、ちょっとまってよ", InterruptDecision{IsStopCommand: true, IsLongEnough: true}},
		{"kanji variant", "静かに", InterruptDecision{IsStopCommand: true}},
		{"katakana stop", "ストップ!", InterruptDecision{IsStopCommand: true}},
		{"short plain", "うん", InterruptDecision{}},
		{"nine runes", "あいうえおかきくけ", InterruptDecision{}},
		{"ten runes", "あいうえおかきくけこ", InterruptDecision{IsLongEnough: true}},
		{"twelve ascii", "hello world!", InterruptDecision{IsLongEnough: true}},
		{"case sensitive", "STOP", InterruptDecision{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestClassify_EveryKeywordIsStopCommand(t *testing.T) {
	t.Parallel()

	for _, k := range StopKeywords {
		for _, text := range []string{k, "あの" + k, k + "ね", "えっと" + k + "ください"} {
			if d := Classify(text); !d.IsStopCommand || !d.Interrupts() {
				t.Errorf("Classify(%q) = %+v, want stop command", text, d)
			}
		}
	}
}

func TestClassify_LengthCountsCharacters(t *testing.T) {
	t.Parallel()

	for n := 1; n <= 20; n++ {
		text := strings.Repeat("あ", n)
		d := Classify(text)
		if want := n >= DefaultInterruptMinLength; d.IsLongEnough != want {
			t.Errorf("len %d: IsLongEnough = %v, want %v", n, d.IsLongEnough, want)
		}
		if d.IsStopCommand {
			t.Errorf("len %d: unexpected stop command", n)
		}
	}
}

func TestNewClassifier(t *testing.T) {
	t.Parallel()

	c := NewClassifier([]string{"", "halt"}, 4)
	if got := c.Keywords(); len(got) != 1 || got[0] != "halt" {
		t.Errorf("Keywords() = %q, want [halt]", got)
	}
	if c.MinLength() != 4 {
		t.Errorf("MinLength() = %d, want 4", c.MinLength())
	}
	if d := c.Classify("please halt"); !d.IsStopCommand || !d.IsLongEnough {
		t.Errorf("Classify = %+v", d)
	}
	if d := c.Classify("ちがう"); d.IsStopCommand {
		t.Error("custom keywords should replace the defaults")
	}

	def := NewClassifier(nil, 0)
	if def.MinLength() != DefaultInterruptMinLength {
		t.Errorf("default MinLength() = %d", def.MinLength())
	}
	if len(def.Keywords()) != len(StopKeywords) {
		t.Errorf("default keywords = %d, want %d", len(def.Keywords()), len(StopKeywords))
	}

	none := NewClassifier([]string{}, 0)
	if d := none.Classify("ちがう"); d.IsStopCommand {
		t.Error("an empty keyword list should match nothing")
	}
}

func TestState_IsActive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  bool
	}{
		{StateIdle, false},
		{StateStarting, true},
		{StateListening, true},
		{StateBackoff, false},
	}
	for _, tt := range tests {
		if got := tt.state.IsActive(); got != tt.want {
			t.Errorf("%s.IsActive() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
