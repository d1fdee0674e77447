package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/nell/internal/companion"
	"github.com/MrWong99/nell/internal/config"
	"github.com/MrWong99/nell/internal/journal"
	"github.com/MrWong99/nell/internal/listen"
	"github.com/MrWong99/nell/pkg/audio"
	"github.com/MrWong99/nell/pkg/speech"
)

const (
	outboundBuffer = 64
	writeTimeout   = 5 * time.Second
	journalTimeout = 2 * time.Second

	// clientClaim is the speaking claim held while the client plays audio.
	clientClaim = "client-playback"

	modeText = "text"
)

// conn is one client connection.
type conn struct {
	h        *Handler
	ws       *websocket.Conn
	id       string
	settings Settings
	log      *slog.Logger

	ctx context.Context
	out chan Event

	hub     *audio.Hub
	conv    audio.Converter
	speaker *companion.Speaker
	reply   *companion.Responder

	// Owned by the read loop.
	inFormat    audio.Format
	started     bool
	cont        *listen.ContinuousSession
	simple      *listen.SimpleSession
	removeQuiet func()
}

func newConn(h *Handler, ws *websocket.Conn, id string, s Settings, log *slog.Logger) *conn {
	c := &conn{
		h:        h,
		ws:       ws,
		id:       id,
		settings: s,
		log:      log,
		out:      make(chan Event, outboundBuffer),
		hub:      audio.NewHub(audio.SpeechFormat),
		conv:     audio.Converter{Target: audio.SpeechFormat},
		speaker:  companion.NewSpeaker(),
		inFormat: audio.SpeechFormat,
	}
	if h.llm != nil {
		c.reply = companion.NewResponder(h.llm, h.tts, c.speaker, s.responderOptions(h.metrics)...)
	}
	return c
}

// run serves the connection until the client leaves or ctx ends. A clean
// close by either side returns nil.
func (c *conn) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	c.ctx = gctx
	defer c.teardown()

	c.send(Event{Type: EventReady, SessionID: c.id})

	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.readLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, errClientClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *conn) teardown() {
	if c.cont != nil {
		c.cont.Stop()
	}
	if c.simple != nil {
		c.simple.Stop()
	}
	if c.removeQuiet != nil {
		c.removeQuiet()
	}
	if c.reply != nil {
		c.reply.Close()
	}
	c.hub.Close()
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return errClientClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gateway: read: %w", err)
		}
		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(data)
		case websocket.MessageText:
			c.handleControl(data)
		}
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, ev)
			cancel()
			if err != nil {
				return fmt.Errorf("gateway: write %s: %w", ev.Type, err)
			}
		}
	}
}

// send queues ev for the client. It drops the event once the connection is
// shutting down.
func (c *conn) send(ev Event) {
	select {
	case c.out <- ev:
	case <-c.ctx.Done():
	}
}

func (c *conn) handleAudio(pcm []byte) {
	f := c.conv.Convert(audio.Frame{Data: pcm, Format: c.inFormat})
	c.hub.Publish(f.Data)
}

func (c *conn) handleControl(data []byte) {
	var m clientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		c.send(errorEvent(CodeBadMessage, "control messages must be JSON objects"))
		return
	}

	switch m.Type {
	case msgHello:
		c.hello(m)
	case msgStart:
		c.start(config.ListenMode(m.Mode))
	case msgStop:
		c.stop()
	case msgSpeaking:
		if m.Active {
			c.speaker.Begin(clientClaim)
		} else {
			c.speaker.End(clientClaim)
		}
	case msgText:
		c.typed(m.Text)
	default:
		c.send(errorEvent(CodeBadMessage, fmt.Sprintf("unknown message type %q", m.Type)))
	}
}

func (c *conn) hello(m clientMessage) {
	if c.started {
		c.send(errorEvent(CodeBadSequence, "hello must precede the first start"))
		return
	}
	if m.SampleRate > 0 || m.Channels > 0 {
		f := audio.Format{SampleRate: m.SampleRate, Channels: m.Channels}
		if f.SampleRate == 0 {
			f.SampleRate = audio.SpeechFormat.SampleRate
		}
		if f.Channels == 0 {
			f.Channels = audio.SpeechFormat.Channels
		}
		c.inFormat = f
	}
	if lang := strings.TrimSpace(m.Language); lang != "" {
		c.settings.Language = lang
	}
	c.log.Debug("gateway: hello", "format", c.inFormat.String(), "language", c.settings.Language)
}

// ensureSessions builds the engine and both sessions on the first start.
func (c *conn) ensureSessions() {
	if c.started {
		return
	}
	c.started = true

	// A nil provider must stay a nil Engine so the sessions report unsupported.
	var engine speech.Engine
	if c.h.stt != nil {
		engine = speech.NewStreamEngine(c.h.stt, c.hub, c.settings.streamOptions()...)
	}

	contOpts := append(c.settings.listenOptions(c.id, c.h.metrics, c.sessionError),
		listen.WithStateListener(func(st listen.State) {
			c.send(Event{Type: EventState, State: st.String()})
		}))
	c.cont = listen.NewContinuous(engine, contOpts...)
	c.simple = listen.NewSimple(engine, c.settings.listenOptions(c.id, c.h.metrics, c.simpleError)...)

	// Listening parks while the companion talks; pick it up again once quiet.
	c.removeQuiet = c.speaker.OnQuiet(func() { c.cont.Resume() })
}

func (c *conn) start(mode config.ListenMode) {
	if mode == "" {
		mode = c.settings.Mode
	}
	if !mode.IsValid() {
		c.send(errorEvent(CodeBadMessage, fmt.Sprintf("unknown mode %q", mode)))
		return
	}
	c.ensureSessions()

	var ok bool
	switch mode {
	case config.ModeContinuous:
		c.simple.Stop()
		ok = c.cont.Start(c.ctx, c.continuousHandlers(mode))
	case config.ModeAlways:
		c.simple.Stop()
		ok = c.cont.StartAlways(c.ctx, c.continuousHandlers(mode))
	case config.ModeSimple:
		c.cont.Stop()
		ok = c.simple.Start(c.ctx, c.simpleHandlers())
		if ok {
			c.send(Event{Type: EventState, State: listen.StateListening.String()})
		}
	}
	if !ok {
		c.send(errorEvent(CodeUnsupported, "speech recognition is not available"))
		return
	}
	c.log.Debug("gateway: listening started", "mode", mode)
}

func (c *conn) stop() {
	if !c.started {
		return
	}
	c.cont.Stop()
	if c.simple.Active() {
		c.simple.Stop()
		c.send(Event{Type: EventState, State: listen.StateIdle.String()})
	}
}

func (c *conn) continuousHandlers(mode config.ListenMode) listen.Handlers {
	return listen.Handlers{
		OnResult:    func(text string) { c.onResult(string(mode), text) },
		OnInterrupt: func(stop bool) { c.onInterrupt(string(mode), stop) },
		IsSpeaking:  c.speaker.IsSpeaking,
	}
}

func (c *conn) simpleHandlers() listen.SimpleHandlers {
	h := listen.SimpleHandlers{
		OnResult:    func(text string) { c.onResult(string(config.ModeSimple), text) },
		OnInterrupt: func() { c.onInterrupt(string(config.ModeSimple), false) },
		IsSpeaking:  c.speaker.IsSpeaking,
		OnEnd: func() {
			c.send(Event{Type: EventState, State: listen.StateIdle.String()})
		},
	}
	if c.settings.InterimResults {
		h.OnPartial = func(text string) { c.send(Event{Type: EventPartial, Text: text}) }
	}
	return h
}

func (c *conn) onResult(mode, text string) {
	c.send(Event{Type: EventResult, Text: text})
	c.record(journal.Entry{Kind: journal.KindResult, Text: text, Mode: mode})
	c.respond(text)
}

func (c *conn) onInterrupt(mode string, stop bool) {
	c.send(Event{Type: EventInterrupt, Stop: &stop})
	c.record(journal.Entry{Kind: journal.KindInterrupt, IsStop: stop, Mode: mode})
	if c.reply != nil {
		c.reply.Interrupt(stop)
	} else if stop {
		c.speaker.Reset()
	}
}

// typed handles chat input that bypasses recognition.
func (c *conn) typed(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.record(journal.Entry{Kind: journal.KindResult, Text: text, Mode: modeText})
	if c.reply == nil {
		c.send(errorEvent(CodeNoReply, "no language model is configured"))
		return
	}
	c.respond(text)
}

// respond starts a reply to text. Output events carry the reply id so the
// client can drop audio of a reply that was replaced.
func (c *conn) respond(text string) {
	if c.reply == nil {
		return
	}
	var spoken strings.Builder
	_, err := c.reply.Reply(c.ctx, text, companion.ReplyHandlers{
		OnText: func(id, sentence string) {
			spoken.WriteString(sentence)
			c.send(Event{Type: EventReplyText, ReplyID: id, Text: sentence})
		},
		OnAudio: func(id string, pcm []byte) {
			c.send(Event{
				Type:       EventReplyAudio,
				ReplyID:    id,
				Data:       base64.StdEncoding.EncodeToString(pcm),
				SampleRate: c.settings.ReplySampleRate,
			})
		},
		OnError: func(id string, err error) {
			c.send(errorEvent(CodeReplyFailed, err.Error()))
		},
		OnEnd: func(id string, interrupted bool) {
			c.send(Event{Type: EventReplyEnd, ReplyID: id, Interrupted: interrupted})
			if spoken.Len() > 0 {
				c.record(journal.Entry{Kind: journal.KindReply, Text: spoken.String()})
			}
		},
	})
	if err != nil {
		c.log.Warn("gateway: reply failed", "error", err)
		c.send(errorEvent(CodeReplyFailed, err.Error()))
	}
}

// record appends e to the journal. It outlives the connection context so the
// last entries of a closing connection are still written.
func (c *conn) record(e journal.Entry) {
	if c.h.journal == nil {
		return
	}
	e.SessionID = c.id
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), journalTimeout)
	defer cancel()
	if err := c.h.journal.Append(ctx, e); err != nil {
		c.log.Warn("gateway: journal append failed", "kind", e.Kind, "error", err)
	}
}

func (c *conn) sessionError(err error) {
	c.send(errorEvent(errorCode(err), err.Error()))
}

func (c *conn) simpleError(err error) {
	c.sessionError(err)
	if !c.simple.Active() {
		c.send(Event{Type: EventState, State: listen.StateIdle.String()})
	}
}

func errorCode(err error) string {
	var ee *speech.EngineError
	switch {
	case errors.As(err, &ee):
		return string(ee.Code)
	case listen.IsUnsupported(err):
		return CodeUnsupported
	default:
		return CodeStartFailed
	}
}
