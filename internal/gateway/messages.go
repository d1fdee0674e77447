package gateway

// Client message types, sent as JSON text frames.
const (
	msgHello    = "hello"
	msgStart    = "start"
	msgStop     = "stop"
	msgSpeaking = "speaking"
	msgText     = "text"
)

// Server event types.
const (
	EventReady      = "ready"
	EventState      = "state"
	EventPartial    = "partial"
	EventResult     = "result"
	EventInterrupt  = "interrupt"
	EventReplyText  = "reply_text"
	EventReplyAudio = "reply_audio"
	EventReplyEnd   = "reply_end"
	EventError      = "error"
)

// Error codes carried by error events. Recognition failures use the engine's
// own code (network, audio-capture, ...).
const (
	CodeBadMessage  = "bad-message"
	CodeUnsupported = "unsupported"
	CodeStartFailed = "start-failed"
	CodeReplyFailed = "reply-failed"
	CodeNoReply     = "no-reply"
	CodeBadSequence = "bad-sequence"
)

// clientMessage is the union of all control messages a client sends.
type clientMessage struct {
	Type string `json:"type"`

	// hello
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Language   string `json:"language,omitempty"`

	// start
	Mode string `json:"mode,omitempty"`

	// speaking
	Active bool `json:"active,omitempty"`

	// text
	Text string `json:"text,omitempty"`
}

// Event is one server-to-client message.
type Event struct {
	Type string `json:"type"`

	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	Text      string `json:"text,omitempty"`
	Stop      *bool  `json:"stop,omitempty"`

	ReplyID     string `json:"reply_id,omitempty"`
	Data        string `json:"data,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func errorEvent(code, msg string) Event {
	return Event{Type: EventError, Code: code, Message: msg}
}
