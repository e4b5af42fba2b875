// Package broadcast implements the response broadcast engine: it accepts a
// live stream of audio chunks produced by an AI voice provider, buffers them
// long enough to absorb provider jitter and peer-readiness variance, and fans
// them out to every peer currently in the room so all participants hear the
// response at approximately the same instant.
//
// The engine owns per-room state only. It never decodes or inspects audio —
// chunks are opaque byte buffers tagged with a playback duration. Delivery to
// actual peer sockets, room membership authority, and the provider that
// produces the chunk stream all live outside this package and interact with
// the engine through its methods and the [Callbacks] struct.
package broadcast

import "time"

// State describes the lifecycle phase of a room's current response.
type State string

const (
	// StateIdle means the room has no response object at all.
	StateIdle State = "idle"

	// StateBuffering means chunks are accumulating before any peer has
	// received audio.
	StateBuffering State = "buffering"

	// StateBroadcasting means every new chunk is forwarded to peers as it
	// arrives.
	StateBroadcasting State = "broadcasting"

	// StateCompleted means the response finished normally.
	StateCompleted State = "completed"

	// StateCancelled means the response was interrupted or replaced.
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a finished state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Chunk is a single opaque audio frame flowing through the engine.
// Chunks are immutable once created; the engine never modifies Data.
type Chunk struct {
	// Data is the encoded audio payload. The engine treats it as opaque.
	Data []byte

	// Duration is the playback duration of this chunk.
	Duration time.Duration

	// First marks the first chunk of a response.
	First bool

	// Last marks the final chunk of a response; receiving it completes
	// the response.
	Last bool
}

// Response is an immutable snapshot of one AI turn. Copies are handed to
// callbacks and returned from queries; mutating a snapshot has no effect on
// engine state.
type Response struct {
	// ID uniquely identifies this response.
	ID string

	// RoomID is the room this response belongs to.
	RoomID string

	// TriggerPeerID is the peer whose utterance elicited the response.
	TriggerPeerID string

	// State is the lifecycle phase at snapshot time.
	State State

	// StartedAt is when the response was created. Synchronized playback
	// start times are derived from it.
	StartedAt time.Time

	// TotalChunks and TotalDuration count every chunk ever added,
	// regardless of whether it was buffered, sent, or dropped.
	TotalChunks   int
	TotalDuration time.Duration

	// SentChunks and SentDuration count chunks actually delivered to
	// peers. They never exceed their Total counterparts.
	SentChunks   int
	SentDuration time.Duration
}

// BufferStatus describes the pending (not yet sent) chunk queue of a room's
// current response.
type BufferStatus struct {
	// ChunksBuffered is the number of chunks waiting in the queue.
	ChunksBuffered int

	// Duration is the summed playback duration of the queued chunks.
	Duration time.Duration

	// Full reports whether the queued duration has reached the configured
	// buffer size, i.e. the duration gate for starting a broadcast holds.
	Full bool
}

// Callbacks are the side effects the engine produces. Each field may be nil,
// in which case that event is silently dropped.
//
// Callbacks are invoked synchronously on the goroutine that triggered them,
// with the engine lock held — this is what preserves the per-room ordering
// guarantees. A callback must not block and must not call back into the
// engine.
type Callbacks struct {
	// SendToPeer delivers one chunk to one peer. It is invoked once per
	// (chunk, peer) pair, including late-joiner catch-up replays.
	SendToPeer func(peerID string, chunk Chunk, resp Response)

	// BroadcastStart fires when a response leaves buffering and its queued
	// chunks have been flushed to peers.
	BroadcastStart func(roomID string, resp Response)

	// BroadcastComplete fires when a response finishes normally.
	BroadcastComplete func(roomID string, resp Response)

	// BroadcastCancelled fires when a response is cancelled, including the
	// implicit cancellation of a stale response by a new one.
	BroadcastCancelled func(roomID string, resp Response)

	// StateChange fires on every lifecycle transition.
	StateChange func(roomID string, state State, resp Response)

	// PeerCatchUp fires after a late joiner has been replayed the sent
	// history, with the number of chunks replayed.
	PeerCatchUp func(roomID, peerID string, chunkCount int)

	// Error fires on caller errors that are worth surfacing to
	// observability (unknown room, no active response, and so on).
	Error func(context string)
}

// Config holds the engine's tuning knobs. It is resolved once at construction
// and applies to every room the engine manages.
type Config struct {
	// BufferSize is the queued playback duration required before a
	// broadcast may start.
	BufferSize time.Duration

	// MinPeersReady is the number of peers that must have signalled
	// readiness before a broadcast may start. Zero disables the gate.
	MinPeersReady int

	// MaxWaitForPeers bounds how long a buffering response waits for the
	// readiness gate. When it elapses with chunks queued, broadcasting
	// starts regardless of peer readiness. Zero disables the fallback.
	MaxWaitForPeers time.Duration

	// MaxBufferedChunks caps the pending queue length. Chunks past the cap
	// are counted but never enqueued.
	MaxBufferedChunks int

	// LateJoinerCatchUp enables replaying already-sent chunks to peers
	// that join mid-broadcast.
	LateJoinerCatchUp bool

	// SyncOffset is the advisory lead time added to the current wall clock
	// by [Engine.SyncedStartTime], giving clients a common playback start
	// instant.
	SyncOffset time.Duration
}

// DefaultConfig returns the engine defaults used when a field is unset.
func DefaultConfig() Config {
	return Config{
		BufferSize:        200 * time.Millisecond,
		MinPeersReady:     0,
		MaxWaitForPeers:   3 * time.Second,
		MaxBufferedChunks: 50,
		LateJoinerCatchUp: true,
		SyncOffset:        150 * time.Millisecond,
	}
}

// withDefaults fills zero-valued fields that have no meaningful zero
// semantics. MinPeersReady, MaxWaitForPeers, and SyncOffset keep their zero
// values because zero legitimately disables them.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.MaxBufferedChunks <= 0 {
		c.MaxBufferedChunks = def.MaxBufferedChunks
	}
	return c
}
