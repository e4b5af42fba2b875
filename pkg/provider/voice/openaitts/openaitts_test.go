package openaitts_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Telegamez/voicecast/pkg/provider/voice"
	"github.com/Telegamez/voicecast/pkg/provider/voice/openaitts"
)

// startSpeechServer launches a test HTTP server that answers the speech
// endpoint with the given PCM payload. The request body is forwarded on
// reqBody if non-nil.
func startSpeechServer(t *testing.T, pcm []byte, reqBody chan<- []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqBody != nil {
			body, _ := io.ReadAll(r.Body)
			select {
			case reqBody <- body:
			default:
			}
		}
		w.Header().Set("Content-Type", "audio/pcm")
		w.Write(pcm)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collectChunks(t *testing.T, handle voice.SessionHandle, want int) []voice.Chunk {
	t.Helper()
	var got []voice.Chunk
	deadline := time.After(5 * time.Second)
	for len(got) < want {
		select {
		case c, ok := <-handle.Chunks():
			if !ok {
				t.Fatalf("Chunks closed after %d chunks; want %d", len(got), want)
			}
			got = append(got, c)
		case <-deadline:
			t.Fatalf("timeout after %d chunks; want %d", len(got), want)
		}
	}
	return got
}

func TestNew_DefaultValues(t *testing.T) {
	t.Parallel()
	p := openaitts.New("key")
	if p == nil {
		t.Fatal("New returned nil")
	}
	if p.Name() != "openai-tts" {
		t.Errorf("Name() = %q; want openai-tts", p.Name())
	}
}

func TestCapabilities_NonEmpty(t *testing.T) {
	t.Parallel()
	p := openaitts.New("key")
	caps := p.Capabilities()
	if caps.SampleRate != 24000 {
		t.Errorf("SampleRate = %d; want 24000", caps.SampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

func TestSpeak_SlicesBodyIntoFrames(t *testing.T) {
	t.Parallel()

	// 2400 bytes is two full 20ms frames plus one 10ms remainder.
	pcm := make([]byte, 2400)
	for i := range pcm {
		pcm[i] = byte(i)
	}

	srv := startSpeechServer(t, pcm, nil)
	p := openaitts.New("key", openaitts.WithBaseURL(srv.URL))
	handle, err := p.Open(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	if err := handle.Speak(context.Background(), "hello"); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	got := collectChunks(t, handle, 4)

	wantDur := []time.Duration{20 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond}
	var total []byte
	for i, want := range wantDur {
		if got[i].Final {
			t.Fatalf("chunk %d is Final; want audio", i)
		}
		if got[i].Duration != want {
			t.Errorf("chunk %d duration = %v; want %v", i, got[i].Duration, want)
		}
		total = append(total, got[i].Data...)
	}
	if string(total) != string(pcm) {
		t.Error("reassembled audio does not match server payload")
	}
	if !got[3].Final {
		t.Error("last chunk should be Final")
	}
}

func TestSpeak_SendsTextInRequest(t *testing.T) {
	t.Parallel()

	reqBody := make(chan []byte, 1)
	srv := startSpeechServer(t, make([]byte, 960), reqBody)
	p := openaitts.New("key", openaitts.WithBaseURL(srv.URL))
	handle, err := p.Open(context.Background(), voice.SessionConfig{Voice: "nova"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	if err := handle.Speak(context.Background(), "The gates swing open."); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	select {
	case body := <-reqBody:
		s := string(body)
		for _, want := range []string{"The gates swing open.", "nova", "pcm"} {
			if !strings.Contains(s, want) {
				t.Errorf("request body missing %q: %s", want, s)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for request")
	}
}

func TestSpeak_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startSpeechServer(t, nil, nil)
	p := openaitts.New("key", openaitts.WithBaseURL(srv.URL))
	handle, err := p.Open(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = handle.Close()

	if err := handle.Speak(context.Background(), "hi"); err == nil {
		t.Fatal("Speak after Close should return an error")
	}
}

func TestSpeak_ConcurrentWithClose(t *testing.T) {
	t.Parallel()

	srv := startSpeechServer(t, make([]byte, 960), nil)
	p := openaitts.New("key", openaitts.WithBaseURL(srv.URL))

	for i := 0; i < 50; i++ {
		handle, err := p.Open(context.Background(), voice.SessionConfig{})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = handle.Speak(context.Background(), "hi")
		}()
		_ = handle.Close()
		<-done
	}
}

func TestErr_SurfacesRequestFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"unknown voice"}}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	p := openaitts.New("key", openaitts.WithBaseURL(srv.URL))
	handle, err := p.Open(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	if err := handle.Speak(context.Background(), "hi"); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	got := collectChunks(t, handle, 1)
	if !got[0].Final {
		t.Fatalf("expected Final chunk, got %+v", got[0])
	}
	if err := handle.Err(); err == nil || !strings.Contains(err.Error(), "speech request") {
		t.Errorf("Err() = %v; want a speech request error", err)
	}
}

func TestCancel_EmitsFinal(t *testing.T) {
	t.Parallel()

	// A server that never finishes its response keeps the synthesis goroutine
	// busy until cancelled.
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/pcm")
		w.Write(make([]byte, 960))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-blocked
	}))
	t.Cleanup(func() {
		close(blocked)
		srv.Close()
	})

	p := openaitts.New("key", openaitts.WithBaseURL(srv.URL))
	handle, err := p.Open(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	if err := handle.Speak(context.Background(), "long story"); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	// First frame arrives, then we cancel mid-stream.
	select {
	case c := <-handle.Chunks():
		if c.Final {
			t.Fatal("first chunk should be audio")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for first chunk")
	}

	if err := handle.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-handle.Chunks():
			if !ok {
				t.Fatal("Chunks closed before Final marker")
			}
			if c.Final {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for Final after Cancel")
		}
	}
}

func TestCancel_NoResponseInFlight_IsNoOp(t *testing.T) {
	t.Parallel()

	srv := startSpeechServer(t, nil, nil)
	p := openaitts.New("key", openaitts.WithBaseURL(srv.URL))
	handle, err := p.Open(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer handle.Close()

	if err := handle.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel with nothing in flight: %v", err)
	}
	select {
	case c := <-handle.Chunks():
		t.Fatalf("unexpected chunk %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startSpeechServer(t, nil, nil)
	p := openaitts.New("key", openaitts.WithBaseURL(srv.URL))
	handle, err := p.Open(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestClose_ClosesChunksChannel(t *testing.T) {
	t.Parallel()

	srv := startSpeechServer(t, nil, nil)
	p := openaitts.New("key", openaitts.WithBaseURL(srv.URL))
	handle, err := p.Open(context.Background(), voice.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	_ = handle.Close()

	select {
	case _, open := <-handle.Chunks():
		if open {
			t.Error("Chunks channel should be closed after Close()")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Chunks channel to close")
	}
}
