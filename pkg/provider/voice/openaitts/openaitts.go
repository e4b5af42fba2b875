// Package openaitts implements the voice.Provider interface for OpenAI's
// text-to-speech REST API.
//
// Unlike the Realtime provider there is no persistent connection: each Speak
// call issues one streaming HTTP request via the OpenAI SDK and slices the
// returned raw PCM16 body into fixed 20ms frames so the downstream buffer
// sees a steady chunk cadence instead of one giant payload.
package openaitts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Telegamez/voicecast/pkg/provider/voice"
)

// Compile-time assertions that Provider and session satisfy the voice interfaces.
var _ voice.Provider = (*Provider)(nil)
var _ voice.SessionHandle = (*session)(nil)

const (
	defaultModel = "tts-1"
	defaultVoice = "alloy"

	// The speech endpoint's pcm response format is 24 kHz mono PCM16.
	sampleRate = 24000
	channels   = 1

	// frameBytes is 20ms of audio: 24000 Hz * 0.020 s * 2 bytes.
	frameBytes = 960
	frameDur   = 20 * time.Millisecond
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the TTS model used for synthesis.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL. Primarily used in tests to point at
// a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements voice.Provider using OpenAI's speech endpoint.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// New creates a new OpenAI TTS Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		model:  defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the registry name of this provider.
func (p *Provider) Name() string { return "openai-tts" }

// Capabilities returns static metadata about the OpenAI TTS provider.
func (p *Provider) Capabilities() voice.Capabilities {
	return voice.Capabilities{
		SampleRate: sampleRate,
		Channels:   channels,
		Voices: []string{
			"alloy", "ash", "coral", "echo",
			"fable", "onyx", "nova", "sage", "shimmer",
		},
	}
}

// Open creates a new synthesis session. No network traffic happens until the
// first Speak call.
func (p *Provider) Open(ctx context.Context, cfg voice.SessionConfig) (voice.SessionHandle, error) {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
	}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(p.httpClient))
	}

	v := cfg.Voice
	if v == "" {
		v = defaultVoice
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	return &session{
		client: oai.NewClient(reqOpts...),
		model:  p.model,
		voice:  v,
		chunks: make(chan voice.Chunk, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}, nil
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	client oai.Client
	model  string
	voice  string
	chunks chan voice.Chunk

	mu         sync.Mutex
	respCancel context.CancelFunc
	closed     bool
	errVal     error

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Speak synthesizes text and streams the resulting PCM16 audio onto the
// Chunks channel in 20ms frames. A Speak call while a previous response is
// still streaming cancels the previous response first.
func (s *session) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openaitts: session closed")
	}
	if s.respCancel != nil {
		s.respCancel()
	}
	respCtx, respCancel := context.WithCancel(s.ctx)
	s.respCancel = respCancel
	// Add must happen under the lock, before Close can observe the session
	// as closed and start waiting.
	s.wg.Add(1)
	s.mu.Unlock()

	go s.synthesize(respCtx, text)
	return nil
}

// synthesize performs one streaming speech request and slices the body into
// frames. It always closes out the response with a Final chunk unless the
// session itself is shutting down.
func (s *session) synthesize(ctx context.Context, text string) {
	defer s.wg.Done()

	resp, err := s.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(s.model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		if ctx.Err() == nil {
			s.setErr(fmt.Errorf("openaitts: speech request: %w", err))
			s.emit(ctx, voice.Chunk{Final: true})
		}
		return
	}
	defer resp.Body.Close()

	buf := make([]byte, frameBytes)
	for {
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			s.emit(ctx, voice.Chunk{
				Data:     frame,
				Duration: voice.PCM16Duration(n, sampleRate, channels),
			})
		}
		if err != nil {
			if ctx.Err() == nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					s.setErr(fmt.Errorf("openaitts: read stream: %w", err))
				}
				s.emit(ctx, voice.Chunk{Final: true})
			}
			return
		}
	}
}

func (s *session) emit(ctx context.Context, c voice.Chunk) {
	select {
	case s.chunks <- c:
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
}

// Cancel interrupts the in-flight response, if any, and emits a Final chunk
// so consumers see the stream close out.
func (s *session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.respCancel
	s.respCancel = nil
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return fmt.Errorf("openaitts: session closed")
	}
	if cancel != nil {
		cancel()
		s.emit(ctx, voice.Chunk{Final: true})
	}
	return nil
}

// Chunks returns the channel on which synthesized audio arrives.
func (s *session) Chunks() <-chan voice.Chunk { return s.chunks }

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Err returns the first synthesis error, or nil.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close aborts any in-flight synthesis and closes the Chunks channel.
// Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	close(s.chunks)
	return nil
}
