package deepgram

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/nell/pkg/provider/stt"
)

func TestBuildURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []Option
		cfg  stt.StreamConfig
		want map[string]string
	}{
		{
			name: "defaults",
			cfg:  stt.StreamConfig{},
			want: map[string]string{
				"model":           "nova-2",
				"language":        "ja",
				"sample_rate":     "16000",
				"interim_results": "false",
				"encoding":        "linear16",
				"endpointing":     "300",
			},
		},
		{
			name: "stream config wins",
			opts: []Option{WithLanguage("en"), WithSampleRate(48000)},
			cfg:  stt.StreamConfig{Language: "ja-JP", SampleRate: 16000, Channels: 1, Interim: true},
			want: map[string]string{
				"language":        "ja-JP",
				"sample_rate":     "16000",
				"channels":        "1",
				"interim_results": "true",
			},
		},
		{
			name: "custom model",
			opts: []Option{WithModel("nova-3"), WithEndpointing(0)},
			want: map[string]string{"model": "nova-3", "endpointing": ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New("key", tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			raw, err := p.buildURL(tt.cfg)
			if err != nil {
				t.Fatalf("buildURL: %v", err)
			}
			u, _ := url.Parse(raw)
			q := u.Query()
			for k, want := range tt.want {
				if got := q.Get(k); got != want {
					t.Errorf("%s = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestBuildURL_Keywords(t *testing.T) {
	t.Parallel()

	p, _ := New("key")
	raw, err := p.buildURL(stt.StreamConfig{Keywords: []stt.KeywordBoost{{Keyword: "ネル", Boost: 2}, {Keyword: "Nell", Boost: 1.5}}})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	got := u.Query()["keywords"]
	if len(got) != 2 || got[0] != "ネル:2" || got[1] != "Nell:1.5" {
		t.Errorf("keywords = %v", got)
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        string
		wantOK    bool
		wantErr   bool
		wantText  string
		wantFinal bool
	}{
		{
			name:      "final",
			in:        `{"type":"Results","is_final":true,"start":1.5,"duration":0.5,"channel":{"alternatives":[{"transcript":"まって","confidence":0.9,"words":[{"word":"まって","start":1.5,"end":2.0,"confidence":0.9}]}]}}`,
			wantOK:    true,
			wantText:  "まって",
			wantFinal: true,
		},
		{
			name:     "partial",
			in:       `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"ま"}]}}`,
			wantOK:   true,
			wantText: "ま",
		},
		{name: "empty transcript", in: `{"type":"Results","channel":{"alternatives":[{"transcript":""}]}}`},
		{name: "metadata", in: `{"type":"Metadata"}`},
		{name: "no alternatives", in: `{"type":"Results","channel":{"alternatives":[]}}`},
		{name: "invalid json", in: `{nope`},
		{name: "error frame", in: `{"type":"Error","description":"bad audio"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, ok, err := parseResponse([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if tr.Text != tt.wantText || tr.IsFinal != tt.wantFinal {
				t.Errorf("transcript = %+v", tr)
			}
		})
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// fakeDeepgram accepts one connection, checks the auth header, waits for an
// audio frame and answers with a final result.
func fakeDeepgram(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		if typ, _, err := conn.Read(ctx); err != nil || typ != websocket.MessageBinary {
			return
		}
		msg := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"こんにちは"}]}}`
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			return
		}
		// Wait for CloseStream, then close normally.
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if strings.Contains(string(data), "CloseStream") {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_RoundTrip(t *testing.T) {
	t.Parallel()

	srv := fakeDeepgram(t)
	p, _ := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	h, err := p.StartStream(t.Context(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := h.SendAudio([]byte{0, 0}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case f := <-h.Finals():
		if f.Text != "こんにちは" {
			t.Errorf("final = %q", f.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final")
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() after clean close = %v", err)
	}
	if err := h.SendAudio([]byte{0, 0}); err == nil {
		t.Error("SendAudio after Close should fail")
	}
}

func TestStartStream_Unauthorized(t *testing.T) {
	t.Parallel()

	srv := fakeDeepgram(t)
	p, _ := New("wrong", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if _, err := p.StartStream(t.Context(), stt.StreamConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}
