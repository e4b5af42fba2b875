// Package voice defines the interface for AI voice providers: services that
// turn a text reply into a live stream of duration-tagged audio chunks. The
// broadcast engine consumes these streams without ever inspecting the audio
// payload, so providers are free to emit any encoding their clients can play.
package voice

import (
	"context"
	"time"
)

// Chunk is one audio frame emitted by a provider session.
type Chunk struct {
	// Data is the encoded audio payload. Empty for a bare end-of-response
	// marker.
	Data []byte

	// Duration is the playback duration of Data.
	Duration time.Duration

	// Final marks the end of the current response. A Final chunk may or
	// may not carry audio.
	Final bool
}

// SessionConfig holds the per-session parameters passed to [Provider.Open].
type SessionConfig struct {
	// Voice is the provider-specific voice identifier. Empty selects the
	// provider default.
	Voice string

	// Instructions is an optional system prompt for providers that
	// generate their own phrasing.
	Instructions string
}

// Capabilities describes static provider metadata.
type Capabilities struct {
	// SampleRate is the output sample rate in Hz.
	SampleRate int

	// Channels is the output channel count.
	Channels int

	// Voices lists the voice identifiers the provider accepts.
	Voices []string
}

// Provider is implemented by each AI voice vendor integration.
type Provider interface {
	// Name returns the provider's registry name (e.g. "openai-realtime").
	Name() string

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities

	// Open establishes a new synthesis session. The ctx governs session
	// setup only; the returned handle lives until Close.
	Open(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}

// SessionHandle is a live connection to a voice provider. Implementations
// must support one concurrent response at a time; calling Speak while a
// response is streaming cancels the previous one.
type SessionHandle interface {
	// Speak requests synthesis of text. Audio arrives asynchronously on
	// the Chunks channel.
	Speak(ctx context.Context, text string) error

	// Cancel interrupts the in-flight response, if any. The provider
	// emits a Final chunk to close out the stream.
	Cancel(ctx context.Context) error

	// Chunks returns the stream of audio chunks. The channel is closed
	// when the session ends.
	Chunks() <-chan Chunk

	// Err returns the first provider error that terminated the stream,
	// or nil after a clean shutdown. Meaningful once Chunks is closed.
	Err() error

	// Close tears the session down and closes the Chunks channel.
	Close() error
}

// PCM16Duration returns the playback duration of a PCM16 payload at the
// given sample rate and channel count.
func PCM16Duration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
