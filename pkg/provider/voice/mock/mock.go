// Package mock provides a test double for the voice.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify the
// session configuration and text fragments passed to the backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SpeakChunks: []voice.Chunk{
//	        {Data: []byte("audio"), Duration: 20 * time.Millisecond},
//	        {Final: true},
//	    },
//	}
//	handle, _ := p.Open(ctx, voice.SessionConfig{})
//	_ = handle.Speak(ctx, "hello")
package mock

import (
	"context"
	"sync"

	"github.com/Telegamez/voicecast/pkg/provider/voice"
)

// Compile-time assertions that Provider and Session satisfy the voice interfaces.
var _ voice.Provider = (*Provider)(nil)
var _ voice.SessionHandle = (*Session)(nil)

// OpenCall records a single invocation of Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Config is the session configuration passed to Open.
	Config voice.SessionConfig
}

// Provider is a mock implementation of voice.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// NameResult is returned by Name. Defaults to "mock".
	NameResult string

	// CapabilitiesResult is returned by Capabilities.
	CapabilitiesResult voice.Capabilities

	// SpeakChunks is the sequence of chunks emitted on the session's Chunks
	// channel after each Speak call.
	SpeakChunks []voice.Chunk

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// SpeakErr, if non-nil, is returned as the error from Speak.
	SpeakErr error

	// SessionErr, if non-nil, is returned by the session's Err.
	SessionErr error

	// --- Call records ---

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Name returns NameResult, or "mock" if unset.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NameResult == "" {
		return "mock"
	}
	return p.NameResult
}

// Capabilities returns CapabilitiesResult.
func (p *Provider) Capabilities() voice.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CapabilitiesResult
}

// Open records the call and, if OpenErr is nil, returns a new Session that
// replays SpeakChunks on every Speak.
func (p *Provider) Open(ctx context.Context, cfg voice.SessionConfig) (voice.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Config: cfg})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	chunks := make([]voice.Chunk, len(p.SpeakChunks))
	copy(chunks, p.SpeakChunks)
	return &Session{
		speakChunks: chunks,
		speakErr:    p.SpeakErr,
		sessionErr:  p.SessionErr,
		ch:          make(chan voice.Chunk, 64),
		done:        make(chan struct{}),
	}, nil
}

// Session is the SessionHandle returned by Provider.Open.
type Session struct {
	speakChunks []voice.Chunk
	speakErr    error
	sessionErr  error
	ch          chan voice.Chunk
	done        chan struct{}

	mu sync.Mutex
	wg sync.WaitGroup

	// SpeakTexts records the text of every Speak call in order.
	SpeakTexts []string

	// CancelCalls counts Cancel invocations.
	CancelCalls int

	closed bool
}

// Speak records the text and emits the configured chunks on the Chunks
// channel.
func (s *Session) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return context.Canceled
	}
	if s.speakErr != nil {
		err := s.speakErr
		s.mu.Unlock()
		return err
	}
	s.SpeakTexts = append(s.SpeakTexts, text)
	chunks := s.speakChunks
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for _, c := range chunks {
			select {
			case s.ch <- c:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Cancel records the call and emits a Final chunk.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	s.CancelCalls++
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	select {
	case s.ch <- voice.Chunk{Final: true}:
	case <-ctx.Done():
	case <-s.done:
	}
	return nil
}

// Chunks returns the session's chunk channel.
func (s *Session) Chunks() <-chan voice.Chunk { return s.ch }

// Err returns the configured SessionErr.
func (s *Session) Err() error { return s.sessionErr }

// Close stops any in-flight replay and closes the Chunks channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	close(s.ch)
	return nil
}
