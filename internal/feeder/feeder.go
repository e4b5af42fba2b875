// Package feeder bridges voice provider sessions to the broadcast engine.
//
// A Feeder owns one provider session per room. When a peer triggers a
// response the Feeder starts a response on the engine, asks the provider to
// synthesize, and pumps the resulting chunk stream into the engine until the
// provider marks the response final.
package feeder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Telegamez/voicecast/internal/broadcast"
	"github.com/Telegamez/voicecast/internal/observe"
	"github.com/Telegamez/voicecast/pkg/provider/voice"
)

// Option configures a Feeder.
type Option func(*Feeder)

// WithMetrics attaches a metrics instance. When unset, DefaultMetrics is used.
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Feeder) { f.met = m }
}

// WithSessionConfig sets the provider session configuration used when a room
// session is opened.
func WithSessionConfig(cfg voice.SessionConfig) Option {
	return func(f *Feeder) { f.sessCfg = cfg }
}

// Feeder routes synthesized audio from a voice provider into the broadcast
// engine. It is safe for concurrent use.
type Feeder struct {
	eng     *broadcast.Engine
	prov    voice.Provider
	sessCfg voice.SessionConfig
	met     *observe.Metrics

	mu     sync.Mutex
	rooms  map[string]*roomSession
	closed bool
}

// roomSession is one live provider session plus its pump goroutine.
type roomSession struct {
	handle voice.SessionHandle
	done   chan struct{}
}

// New creates a Feeder on top of the given engine and provider.
func New(eng *broadcast.Engine, prov voice.Provider, opts ...Option) *Feeder {
	f := &Feeder{
		eng:   eng,
		prov:  prov,
		rooms: make(map[string]*roomSession),
	}
	for _, o := range opts {
		o(f)
	}
	if f.met == nil {
		f.met = observe.DefaultMetrics()
	}
	return f
}

// Say starts a new AI response for roomID triggered by peerID. The provider
// session for the room is opened lazily on first use. The returned Response
// reflects the engine state right after the transition to buffering.
func (f *Feeder) Say(ctx context.Context, roomID, peerID, text string) (broadcast.Response, error) {
	ctx, span := observe.StartSpan(ctx, "feeder.Say",
		trace.WithAttributes(attribute.String("room_id", roomID)))
	defer span.End()

	rs, err := f.session(ctx, roomID)
	if err != nil {
		return broadcast.Response{}, err
	}

	resp, ok := f.eng.StartResponse(roomID, peerID)
	if !ok {
		return broadcast.Response{}, fmt.Errorf("feeder: room %q does not exist", roomID)
	}

	if err := rs.handle.Speak(ctx, text); err != nil {
		f.eng.CancelResponse(roomID)
		f.met.RecordProviderError(ctx, f.prov.Name())
		observe.Logger(ctx).Warn("speak failed",
			"room", roomID, "provider", f.prov.Name(), "err", err)
		return broadcast.Response{}, fmt.Errorf("feeder: speak: %w", err)
	}
	return resp, nil
}

// Interrupt cancels the in-flight response for roomID, both at the provider
// and in the engine. It reports whether a response was actually cancelled.
func (f *Feeder) Interrupt(ctx context.Context, roomID string) bool {
	f.mu.Lock()
	rs := f.rooms[roomID]
	f.mu.Unlock()

	// Engine first: a Final chunk emitted by the provider's cancel must land
	// after the response is already terminal, where it is a no-op.
	cancelled := f.eng.CancelResponse(roomID)

	if rs != nil {
		if err := rs.handle.Cancel(ctx); err != nil {
			slog.Warn("provider cancel failed", "room", roomID, "err", err)
		}
	}
	return cancelled
}

// CloseRoom tears down the provider session for roomID, if any. Responses
// still in flight are cancelled by the pump when the chunk stream closes.
func (f *Feeder) CloseRoom(roomID string) {
	f.mu.Lock()
	rs := f.rooms[roomID]
	delete(f.rooms, roomID)
	f.mu.Unlock()

	if rs != nil {
		rs.handle.Close()
		<-rs.done
	}
}

// Close tears down all provider sessions. Idempotent.
func (f *Feeder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	rooms := f.rooms
	f.rooms = make(map[string]*roomSession)
	f.mu.Unlock()

	for _, rs := range rooms {
		rs.handle.Close()
		<-rs.done
	}
	return nil
}

// session returns the live session for roomID, opening one if needed.
func (f *Feeder) session(ctx context.Context, roomID string) (*roomSession, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, fmt.Errorf("feeder: closed")
	}
	if rs, ok := f.rooms[roomID]; ok {
		f.mu.Unlock()
		return rs, nil
	}
	f.mu.Unlock()

	// Open outside the lock: provider dials can be slow.
	handle, err := f.prov.Open(ctx, f.sessCfg)
	if err != nil {
		f.met.RecordProviderError(ctx, f.prov.Name())
		return nil, fmt.Errorf("feeder: open session: %w", err)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		handle.Close()
		return nil, fmt.Errorf("feeder: closed")
	}
	if rs, ok := f.rooms[roomID]; ok {
		// Lost the race to another Say for the same room.
		f.mu.Unlock()
		handle.Close()
		return rs, nil
	}
	rs := &roomSession{handle: handle, done: make(chan struct{})}
	f.rooms[roomID] = rs
	f.mu.Unlock()

	go f.pump(roomID, rs)
	return rs, nil
}

// pump moves chunks from the provider session into the engine until the
// session's chunk stream closes. A closed stream with a response still in
// flight means the provider died mid-response, so the response is cancelled.
func (f *Feeder) pump(roomID string, rs *roomSession) {
	defer close(rs.done)

	for c := range rs.handle.Chunks() {
		if len(c.Data) > 0 {
			f.eng.AddChunk(roomID, c.Data, c.Duration, c.Final)
		} else if c.Final {
			f.eng.EndResponse(roomID)
		}
	}

	if !f.eng.StateOf(roomID).Terminal() {
		if f.eng.CancelResponse(roomID) {
			if err := rs.handle.Err(); err != nil {
				slog.Warn("provider stream closed mid-response",
					"room", roomID, "provider", f.prov.Name(), "err", err)
			} else {
				slog.Warn("provider stream closed mid-response",
					"room", roomID, "provider", f.prov.Name())
			}
			f.met.RecordProviderError(context.Background(), f.prov.Name())
		}
	}
}
