package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/nell/internal/observe"
	"github.com/MrWong99/nell/pkg/audio"
	"github.com/MrWong99/nell/pkg/provider/llm"
	"github.com/MrWong99/nell/pkg/provider/tts"
)

// DefaultMaxHistory is the number of messages kept as conversation context.
const DefaultMaxHistory = 20

// DefaultPersona is the system prompt used when none is configured.
const DefaultPersona = `あなたは「ネル」です。小学生の子どもといっしょに勉強する、やさしくて元気な先生です。
- 子どもがわかる、かんたんな日本語で話してください。
- 1回の返事は短く、3文までにしてください。
- 答えをすぐに教えずに、ヒントを出して子どもに考えさせてください。
- 絵文字や記号は使わないでください。声に出して読まれます。`

// ErrEmptyUtterance is returned by Reply for blank input.
var ErrEmptyUtterance = errors.New("companion: empty utterance")

// ReplyHandlers receive the output of one reply. Any of them may be nil. They
// run on the reply's goroutines and must not block for long.
type ReplyHandlers struct {
	// OnText receives each sentence as it is cut from the model output.
	OnText func(replyID, sentence string)

	// OnAudio receives synthesized PCM in order.
	OnAudio func(replyID string, pcm []byte)

	// OnError receives a failure of the model or synthesis stream.
	OnError func(replyID string, err error)

	// OnEnd is called last. interrupted is set when the reply was cancelled.
	OnEnd func(replyID string, interrupted bool)
}

// ResponderOption configures a [Responder].
type ResponderOption func(*Responder)

// WithPersona sets the system prompt.
func WithPersona(p string) ResponderOption {
	return func(r *Responder) {
		if strings.TrimSpace(p) != "" {
			r.persona = p
		}
	}
}

// WithVoice sets the synthesis voice.
func WithVoice(v tts.Voice) ResponderOption {
	return func(r *Responder) { r.voice = v }
}

// WithMaxHistory bounds the conversation context. Values below 2 select
// [DefaultMaxHistory].
func WithMaxHistory(n int) ResponderOption {
	return func(r *Responder) {
		if n >= 2 {
			r.maxHistory = n
		}
	}
}

// WithSampling sets the model temperature and completion cap.
func WithSampling(temperature float64, maxTokens int) ResponderOption {
	return func(r *Responder) {
		r.temperature = temperature
		r.maxTokens = maxTokens
	}
}

// WithResponderMetrics records provider and reply metrics on m.
func WithResponderMetrics(m *observe.Metrics) ResponderOption {
	return func(r *Responder) { r.metrics = m }
}

// WithProviderNames labels provider metrics. Empty names keep "llm" and "tts".
func WithProviderNames(llmName, ttsName string) ResponderOption {
	return func(r *Responder) {
		if llmName != "" {
			r.llmName = llmName
		}
		if ttsName != "" {
			r.ttsName = ttsName
		}
	}
}

type reply struct {
	id     string
	cancel context.CancelFunc
}

// Responder turns final utterances into spoken replies. At most one reply is
// in flight: a new Reply cancels the previous one. While a reply runs it holds
// a claim on the [Speaker].
//
// All methods are safe for concurrent use.
type Responder struct {
	llm     llm.Provider
	tts     tts.Provider
	speaker *Speaker

	persona     string
	voice       tts.Voice
	maxHistory  int
	temperature float64
	maxTokens   int
	metrics     *observe.Metrics
	llmName     string
	ttsName     string

	mu      sync.Mutex
	history []llm.Message
	current *reply

	wg sync.WaitGroup
}

// NewResponder creates a Responder. A nil tts produces text-only replies.
func NewResponder(l llm.Provider, t tts.Provider, speaker *Speaker, opts ...ResponderOption) *Responder {
	r := &Responder{
		llm:        l,
		tts:        t,
		speaker:    speaker,
		persona:    DefaultPersona,
		maxHistory: DefaultMaxHistory,
		llmName:    "llm",
		ttsName:    "tts",
	}
	for _, o := range opts {
		o(r)
	}
	if r.speaker == nil {
		r.speaker = NewSpeaker()
	}
	return r
}

// Speaker returns the speaking-state oracle the responder claims.
func (r *Responder) Speaker() *Speaker { return r.speaker }

// Reply starts answering text and returns the reply id. Output arrives through
// h. The returned error only covers failures to start the model stream.
func (r *Responder) Reply(ctx context.Context, text string, h ReplyHandlers) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyUtterance
	}

	id := uuid.NewString()
	rctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	prev := r.current
	r.current = &reply{id: id, cancel: cancel}
	r.history = appendBounded(r.history, llm.Message{Role: llm.RoleUser, Content: text}, r.maxHistory)
	msgs := slices.Clone(r.history)
	r.mu.Unlock()

	// Claim before releasing the previous reply so the speaker never goes quiet
	// in between.
	r.speaker.Begin(id)
	if prev != nil {
		prev.cancel()
		r.speaker.End(prev.id)
	}

	rctx, span := observe.StartSpan(rctx, "companion.reply")
	start := time.Now()

	chunks, err := r.llm.StreamCompletion(rctx, llm.CompletionRequest{
		SystemPrompt: r.persona,
		Messages:     msgs,
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens,
	})
	if err != nil {
		span.End()
		r.providerResult(ctx, r.llmName, "llm", err)
		r.finish(id, cancel)
		return "", fmt.Errorf("companion: start reply: %w", err)
	}
	r.providerResult(ctx, r.llmName, "llm", nil)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer span.End()

		full, err := r.stream(rctx, id, chunks, h)
		interrupted := rctx.Err() != nil
		if err != nil && !interrupted {
			slog.Warn("companion: reply failed", "reply_id", id, "error", err)
			if h.OnError != nil {
				h.OnError(id, err)
			}
		}
		if !interrupted && err == nil && full != "" {
			r.mu.Lock()
			r.history = appendBounded(r.history, llm.Message{Role: llm.RoleAssistant, Content: full}, r.maxHistory)
			r.mu.Unlock()
		}
		r.finish(id, cancel)

		if r.metrics != nil {
			r.metrics.ReplyDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.Bool("interrupted", interrupted)))
		}
		if h.OnEnd != nil {
			h.OnEnd(id, interrupted)
		}
	}()
	return id, nil
}

// stream pipes model output through the sentence splitter into synthesis and
// returns the complete reply text.
func (r *Responder) stream(ctx context.Context, id string, chunks <-chan llm.Chunk, h ReplyHandlers) (string, error) {
	defer func() { go audio.Drain(chunks) }()

	var (
		textCh  chan string
		audioCh <-chan []byte
	)
	if r.tts != nil {
		textCh = make(chan string, 16)
		a, err := r.tts.SynthesizeStream(ctx, textCh, r.voice)
		r.providerResult(ctx, r.ttsName, "tts", err)
		if err != nil {
			slog.Warn("companion: synthesis unavailable, replying with text only", "reply_id", id, "error", err)
			textCh = nil
		} else {
			audioCh = a
		}
	}

	audioDone := make(chan struct{})
	go func() {
		defer close(audioDone)
		if audioCh == nil {
			return
		}
		for pcm := range audioCh {
			if ctx.Err() == nil && h.OnAudio != nil {
				h.OnAudio(id, pcm)
			}
		}
	}()

	emit := func(s string) bool {
		if h.OnText != nil {
			h.OnText(id, s)
		}
		if textCh == nil {
			return true
		}
		select {
		case textCh <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		sp     splitter
		full   strings.Builder
		result error
	)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case c, ok := <-chunks:
			if !ok {
				break loop
			}
			if c.FinishReason == llm.FinishReasonError {
				result = fmt.Errorf("companion: model stream: %s", c.Text)
				if r.metrics != nil {
					r.metrics.RecordProviderError(ctx, r.llmName, "llm")
				}
				break loop
			}
			full.WriteString(c.Text)
			for _, s := range sp.push(c.Text) {
				if !emit(s) {
					break loop
				}
			}
			if c.FinishReason != "" {
				break loop
			}
		}
	}
	if ctx.Err() == nil && result == nil {
		if rest := sp.flush(); rest != "" {
			emit(rest)
		}
	}
	if textCh != nil {
		close(textCh)
	}
	<-audioDone
	return strings.TrimSpace(full.String()), result
}

// Interrupt cancels the reply in flight and releases its speaking claim. A
// stop command also releases every other claim, such as the client's playback.
func (r *Responder) Interrupt(stop bool) {
	r.mu.Lock()
	cur := r.current
	r.current = nil
	r.mu.Unlock()

	if cur != nil {
		cur.cancel()
		r.speaker.End(cur.id)
	}
	if stop {
		r.speaker.Reset()
	}
}

// Current returns the id of the reply in flight, or "".
func (r *Responder) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.id
}

// History returns a copy of the conversation context.
func (r *Responder) History() []llm.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.history)
}

// Forget clears the conversation context.
func (r *Responder) Forget() {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
}

// Close cancels the reply in flight and waits for its goroutines.
func (r *Responder) Close() {
	r.Interrupt(false)
	r.wg.Wait()
}

// Wait blocks until every started reply has finished.
func (r *Responder) Wait() {
	r.wg.Wait()
}

func (r *Responder) finish(id string, cancel context.CancelFunc) {
	r.mu.Lock()
	if r.current != nil && r.current.id == id {
		r.current = nil
	}
	r.mu.Unlock()
	cancel()
	r.speaker.End(id)
}

func (r *Responder) providerResult(ctx context.Context, name, kind string, err error) {
	if r.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		r.metrics.RecordProviderError(ctx, name, kind)
	}
	r.metrics.RecordProviderRequest(ctx, name, kind, status)
}

// appendBounded appends m and drops the oldest messages beyond limit. The
// history never starts with an assistant message.
func appendBounded(history []llm.Message, m llm.Message, limit int) []llm.Message {
	history = append(history, m)
	if len(history) <= limit {
		return history
	}
	drop := len(history) - limit
	for drop < len(history)-1 && history[drop].Role == llm.RoleAssistant {
		drop++
	}
	return slices.Clone(history[drop:])
}
