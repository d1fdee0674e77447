package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/nell/pkg/audio"
	"github.com/MrWong99/nell/pkg/provider/stt"
)

const defaultFlushTimeout = 15 * time.Second

// Transcriber transcribes one complete utterance.
type Transcriber func(ctx context.Context, pcm []byte, f audio.Format, language string) (string, error)

// Config configures a batch-backed session.
type Config struct {
	// Name prefixes log lines and errors, e.g. "whisper".
	Name      string
	Segmenter SegmenterConfig
	Language  string
	Interim   bool

	// FlushTimeout bounds the transcription of buffered speech on Close.
	FlushTimeout time.Duration
}

// ConfigFor builds a Config from a stream config, keeping the provider's
// defaults for fields the stream leaves empty.
func ConfigFor(name string, cfg stt.StreamConfig, defaults SegmenterConfig, defaultLanguage string) Config {
	seg := defaults
	if cfg.SampleRate > 0 {
		seg.Format.SampleRate = cfg.SampleRate
	}
	if cfg.Channels > 0 {
		seg.Format.Channels = cfg.Channels
	}
	lang := cfg.Language
	if lang == "" {
		lang = defaultLanguage
	}
	return Config{Name: name, Segmenter: seg, Language: lang, Interim: cfg.Interim}
}

var errClosed = errors.New("session is closed")

// Open starts a session that segments audio and transcribes each utterance
// with t. Transcription failures end the stream; Err then returns the cause.
func Open(ctx context.Context, cfg Config, t Transcriber) stt.SessionHandle {
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "batch"
	}
	seg := NewSegmenter(cfg.Segmenter)
	s := &session{
		cfg:        cfg,
		format:     seg.cfg.Format,
		seg:        seg,
		transcribe: t,
		audioCh:    make(chan []byte, 256),
		partials:   make(chan stt.Transcript, 64),
		finals:     make(chan stt.Transcript, 64),
		done:       make(chan struct{}),
		ended:      make(chan struct{}),
	}
	go s.processLoop(ctx)
	return s
}

type session struct {
	cfg        Config
	format     audio.Format
	seg        *Segmenter
	transcribe Transcriber

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done  chan struct{}
	ended chan struct{}
	once  sync.Once

	mu  sync.Mutex
	err error
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("%s: %w", s.cfg.Name, errClosed)
	case <-s.ended:
		return fmt.Errorf("%s: %w", s.cfg.Name, errClosed)
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return fmt.Errorf("%s: %w", s.cfg.Name, errClosed)
	case <-s.ended:
		return fmt.Errorf("%s: %w", s.cfg.Name, errClosed)
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

func (s *session) SetKeywords([]stt.KeywordBoost) error {
	return fmt.Errorf("%s: keyword boosting: %w", s.cfg.Name, stt.ErrNotSupported)
}

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close flushes buffered speech, waits for its transcription and ends the
// stream.
func (s *session) Close() error {
	s.once.Do(func() { close(s.done) })
	<-s.ended
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer close(s.ended)
	defer close(s.partials)
	defer close(s.finals)

	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case <-s.done:
			s.flush()
			return
		case chunk := <-s.audioCh:
			pcm, ok := s.seg.Push(chunk)
			if !ok {
				continue
			}
			if err := s.emit(ctx, pcm, false); err != nil {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
				slog.Warn(s.cfg.Name+": transcription failed, ending stream", "error", err)
				return
			}
		}
	}
}

// flush transcribes the remaining speech on a fresh context, since the stream
// context may already be cancelled.
func (s *session) flush() {
	pcm, ok := s.seg.Flush()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()
	if err := s.emit(ctx, pcm, true); err != nil {
		slog.Debug(s.cfg.Name+": final flush failed", "error", err)
	}
}

func (s *session) emit(ctx context.Context, pcm []byte, closing bool) error {
	text, err := s.transcribe(ctx, pcm, s.format, s.cfg.Language)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	dur := s.format.Duration(len(pcm))
	if s.cfg.Interim {
		s.send(s.partials, stt.Transcript{Text: text, Duration: dur}, closing)
	}
	s.send(s.finals, stt.Transcript{Text: text, IsFinal: true, Duration: dur}, closing)
	return nil
}

// send blocks until the consumer takes t, unless the stream is closing, in
// which case only the channel buffer is used.
func (s *session) send(ch chan stt.Transcript, t stt.Transcript, closing bool) {
	if closing {
		select {
		case ch <- t:
		default:
		}
		return
	}
	select {
	case ch <- t:
	case <-s.done:
		select {
		case ch <- t:
		default:
		}
	}
}

var _ stt.SessionHandle = (*session)(nil)
