package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Telegamez/voicecast/internal/observe"
)

// Engine is the response broadcast engine. One instance per process manages
// every room; state is partitioned by room identifier, and an operation on
// one room is never ordered relative to an operation on another.
//
// All exported methods are safe for concurrent use. Within one room,
// operations run to completion in call order under a single lock — the
// fallback timer callback takes the same lock, so it behaves as one more
// atomic step in the sequence.
type Engine struct {
	mu     sync.Mutex
	cfg    Config
	cb     Callbacks
	rooms  map[string]*room
	closed bool

	now func() time.Time // injectable clock for tests

	met *observe.Metrics // optional, nil disables instrumentation
}

// room is the per-room state owned exclusively by the engine.
type room struct {
	id    string
	peers map[string]struct{}
	ready map[string]struct{} // readiness flags for the current response
	resp  *response           // in-flight or most recently finished, nil if none yet
	timer *time.Timer         // pending fallback timer, nil when disarmed
}

// response is the mutable engine-internal record of one AI turn.
// Snapshots of it are exposed as [Response].
type response struct {
	id            string
	roomID        string
	triggerPeerID string
	state         State
	startedAt     time.Time

	totalChunks   int
	totalDuration time.Duration
	sentChunks    int
	sentDuration  time.Duration

	pending []Chunk // not yet sent, capped at Config.MaxBufferedChunks
	history []Chunk // sent during the current broadcast, kept for catch-up
}

// snapshot returns an immutable copy of the response counters and identity.
func (r *response) snapshot() Response {
	return Response{
		ID:            r.id,
		RoomID:        r.roomID,
		TriggerPeerID: r.triggerPeerID,
		State:         r.state,
		StartedAt:     r.startedAt,
		TotalChunks:   r.totalChunks,
		TotalDuration: r.totalDuration,
		SentChunks:    r.sentChunks,
		SentDuration:  r.sentDuration,
	}
}

// pendingDuration sums the playback duration of the queued chunks.
func (r *response) pendingDuration() time.Duration {
	var d time.Duration
	for _, c := range r.pending {
		d += c.Duration
	}
	return d
}

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithMetrics attaches an [observe.Metrics] instance. Without it the engine
// records nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.met = m }
}

// New creates an Engine with the given configuration and callbacks.
// Zero-valued cfg fields without meaningful zero semantics are replaced by
// the [DefaultConfig] values.
func New(cfg Config, cb Callbacks, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg.withDefaults(),
		cb:    cb,
		rooms: make(map[string]*room),
		now:   time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Close cancels every in-flight response, stops every outstanding fallback
// timer, and drops all room state. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	for _, r := range e.rooms {
		e.stopTimerLocked(r)
		if r.resp != nil && !r.resp.state.Terminal() {
			e.finishLocked(r, StateCancelled)
		}
	}
	e.rooms = make(map[string]*room)
	return nil
}

// ── Room & peer membership ───────────────────────────────────────────────────

// InitRoom creates an empty room entry if absent. Re-initialising an existing
// room is a no-op: its peers and response are left untouched.
func (e *Engine) InitRoom(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	if _, ok := e.rooms[roomID]; ok {
		return
	}
	e.rooms[roomID] = &room{
		id:    roomID,
		peers: make(map[string]struct{}),
		ready: make(map[string]struct{}),
	}
	if e.met != nil {
		e.met.ActiveRooms.Add(context.Background(), 1)
	}
	slog.Debug("broadcast: room initialised", "room_id", roomID)
}

// RemoveRoom cancels any active response, stops the fallback timer, and
// deletes the room entry. It reports whether the room existed.
func (e *Engine) RemoveRoom(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok {
		return false
	}
	e.stopTimerLocked(r)
	if r.resp != nil && !r.resp.state.Terminal() {
		e.finishLocked(r, StateCancelled)
	}
	delete(e.rooms, roomID)
	if e.met != nil {
		e.met.ActiveRooms.Add(context.Background(), -1)
		e.met.ActivePeers.Add(context.Background(), -int64(len(r.peers)))
	}
	slog.Debug("broadcast: room removed", "room_id", roomID)
	return true
}

// AddPeer adds peerID to the room's delivery membership. Adding an already
// present peer is a no-op. If the room is currently broadcasting and
// late-joiner catch-up is enabled, the already-sent history is replayed to
// this one peer immediately.
func (e *Engine) AddPeer(roomID, peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok {
		e.errorLocked(fmt.Sprintf("add peer %q: unknown room %q", peerID, roomID))
		return false
	}
	if _, dup := r.peers[peerID]; dup {
		return true
	}
	r.peers[peerID] = struct{}{}
	if e.met != nil {
		e.met.ActivePeers.Add(context.Background(), 1)
	}

	if e.cfg.LateJoinerCatchUp && r.resp != nil && r.resp.state == StateBroadcasting {
		e.catchUpLocked(r, peerID)
	}
	return true
}

// RemovePeer removes membership and the readiness flag for peerID. An
// in-flight broadcast continues unchanged for the remaining peers.
func (e *Engine) RemovePeer(roomID, peerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok {
		return false
	}
	if _, present := r.peers[peerID]; !present {
		return false
	}
	delete(r.peers, peerID)
	delete(r.ready, peerID)
	if e.met != nil {
		e.met.ActivePeers.Add(context.Background(), -1)
	}
	return true
}

// SetPeerReady marks peerID's playback pipeline as warmed up for the current
// response. Unknown rooms degrade to a no-op. If the readiness gate now
// holds while buffering, the broadcast starts.
func (e *Engine) SetPeerReady(roomID, peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok {
		return
	}
	r.ready[peerID] = struct{}{}
	e.maybeStartLocked(r)
}

// ── Response lifecycle ───────────────────────────────────────────────────────

// StartResponse creates a fresh buffering response for the room, cancelling
// any non-terminal response that is still in flight. It returns the new
// response snapshot, or ok=false when the room is unknown.
func (e *Engine) StartResponse(roomID, triggerPeerID string) (Response, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok {
		e.errorLocked(fmt.Sprintf("start response: unknown room %q", roomID))
		return Response{}, false
	}

	if r.resp != nil && !r.resp.state.Terminal() {
		slog.Debug("broadcast: superseding in-flight response",
			"room_id", roomID, "response_id", r.resp.id, "state", r.resp.state)
		e.stopTimerLocked(r)
		e.finishLocked(r, StateCancelled)
	}

	r.resp = &response{
		id:            uuid.NewString(),
		roomID:        roomID,
		triggerPeerID: triggerPeerID,
		state:         StateBuffering,
		startedAt:     e.now(),
	}
	r.ready = make(map[string]struct{})
	e.armTimerLocked(r)

	if e.met != nil {
		e.met.ResponsesStarted.Add(context.Background(), 1)
	}
	e.stateChangeLocked(r)
	return r.resp.snapshot(), true
}

// AddChunk feeds one provider chunk into the room's current response. The
// chunk always counts toward the total counters; whether it is queued or sent
// immediately depends on the current state. It reports false when the room
// has no response accepting chunks.
func (e *Engine) AddChunk(roomID string, data []byte, duration time.Duration, last bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok || r.resp == nil || r.resp.state.Terminal() {
		return false
	}

	resp := r.resp
	chunk := Chunk{
		Data:     data,
		Duration: duration,
		First:    resp.totalChunks == 0,
		Last:     last,
	}
	resp.totalChunks++
	resp.totalDuration += duration

	switch resp.state {
	case StateBuffering:
		if len(resp.pending) < e.cfg.MaxBufferedChunks {
			resp.pending = append(resp.pending, chunk)
		}
		if last {
			// The whole response fit inside the buffering window;
			// nothing was ever sent.
			resp.pending = nil
			e.finishLocked(r, StateCompleted)
			return true
		}
		e.maybeStartLocked(r)

	case StateBroadcasting:
		e.sendLocked(r, chunk)
		if last {
			e.finishLocked(r, StateCompleted)
		}
	}
	return true
}

// EndResponse completes the current response regardless of phase. It reports
// false when the room has no response.
func (e *Engine) EndResponse(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok || r.resp == nil {
		e.errorLocked(fmt.Sprintf("end response: no response for room %q", roomID))
		return false
	}
	if r.resp.state.Terminal() {
		return false
	}
	e.finishLocked(r, StateCompleted)
	return true
}

// CancelResponse cancels the current response, e.g. on provider interruption
// or barge-in. It reports false when the room has no response.
func (e *Engine) CancelResponse(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok || r.resp == nil {
		e.errorLocked(fmt.Sprintf("cancel response: no response for room %q", roomID))
		return false
	}
	if r.resp.state.Terminal() {
		return false
	}
	e.finishLocked(r, StateCancelled)
	return true
}

// ── Queries ──────────────────────────────────────────────────────────────────

// StateOf returns the room's current lifecycle state. Rooms without a
// response object (including unknown rooms) report [StateIdle].
func (e *Engine) StateOf(roomID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok || r.resp == nil {
		return StateIdle
	}
	return r.resp.state
}

// IsBroadcasting reports whether the room's current response is in the
// broadcasting phase.
func (e *Engine) IsBroadcasting(roomID string) bool {
	return e.StateOf(roomID) == StateBroadcasting
}

// CurrentResponse returns a snapshot of the room's in-flight or most recently
// finished response. A finished response stays queryable until replaced.
func (e *Engine) CurrentResponse(roomID string) (Response, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok || r.resp == nil {
		return Response{}, false
	}
	return r.resp.snapshot(), true
}

// BufferStatus reports the pending queue of the room's current response.
// Unknown rooms and rooms without a response return the zero status.
func (e *Engine) BufferStatus(roomID string) BufferStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok || r.resp == nil {
		return BufferStatus{}
	}
	d := r.resp.pendingDuration()
	return BufferStatus{
		ChunksBuffered: len(r.resp.pending),
		Duration:       d,
		Full:           d >= e.cfg.BufferSize,
	}
}

// SyncedStartTime returns the advisory wall-clock instant at which clients of
// the room should begin rendering audio. Unknown rooms return the zero time.
func (e *Engine) SyncedStartTime(roomID string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.rooms[roomID]; !ok {
		return time.Time{}
	}
	return e.now().Add(e.cfg.SyncOffset)
}

// ── Internal transitions (all require e.mu held) ─────────────────────────────

// maybeStartLocked starts broadcasting when both the buffered-duration and
// peer-readiness gates hold for a buffering response.
func (e *Engine) maybeStartLocked(r *room) {
	resp := r.resp
	if resp == nil || resp.state != StateBuffering {
		return
	}
	if resp.pendingDuration() < e.cfg.BufferSize {
		return
	}
	if len(r.ready) < e.cfg.MinPeersReady {
		return
	}
	e.beginBroadcastLocked(r)
}

// beginBroadcastLocked transitions a buffering response to broadcasting and
// flushes the pending queue, oldest first, to every current peer.
func (e *Engine) beginBroadcastLocked(r *room) {
	resp := r.resp
	e.stopTimerLocked(r)
	resp.state = StateBroadcasting
	e.stateChangeLocked(r)

	flushed := len(resp.pending)
	pending := resp.pending
	resp.pending = nil
	for _, c := range pending {
		e.sendLocked(r, c)
	}

	if e.met != nil {
		e.met.FlushSize.Record(context.Background(), int64(flushed))
		e.met.BufferWait.Record(context.Background(), e.now().Sub(resp.startedAt).Seconds())
	}
	slog.Debug("broadcast: started",
		"room_id", r.id, "response_id", resp.id,
		"flushed_chunks", flushed, "peers", len(r.peers))
	if e.cb.BroadcastStart != nil {
		e.cb.BroadcastStart(r.id, resp.snapshot())
	}
}

// sendLocked delivers one chunk to every current peer (in stable peer-ID
// order), appends it to the sent history, and updates the sent counters.
func (e *Engine) sendLocked(r *room, c Chunk) {
	resp := r.resp
	snap := resp.snapshot()
	if e.cb.SendToPeer != nil {
		for _, peerID := range slices.Sorted(maps.Keys(r.peers)) {
			e.cb.SendToPeer(peerID, c, snap)
		}
	}
	resp.history = append(resp.history, c)
	resp.sentChunks++
	resp.sentDuration += c.Duration
	if e.met != nil {
		e.met.ChunksBroadcast.Add(context.Background(), int64(len(r.peers)))
	}
}

// catchUpLocked replays the sent history of the in-flight broadcast to a
// single late joiner, in original order.
func (e *Engine) catchUpLocked(r *room, peerID string) {
	resp := r.resp
	if len(resp.history) == 0 {
		return
	}
	snap := resp.snapshot()
	if e.cb.SendToPeer != nil {
		for _, c := range resp.history {
			e.cb.SendToPeer(peerID, c, snap)
		}
	}
	if e.met != nil {
		e.met.CatchUps.Add(context.Background(), 1)
	}
	slog.Debug("broadcast: late joiner caught up",
		"room_id", r.id, "peer_id", peerID, "chunks", len(resp.history))
	if e.cb.PeerCatchUp != nil {
		e.cb.PeerCatchUp(r.id, peerID, len(resp.history))
	}
}

// finishLocked moves the current response into a terminal state, drops the
// pending queue and sent history, stops the fallback timer, and fires the
// matching lifecycle callback.
func (e *Engine) finishLocked(r *room, terminal State) {
	resp := r.resp
	e.stopTimerLocked(r)
	resp.state = terminal
	resp.pending = nil
	resp.history = nil

	e.stateChangeLocked(r)
	snap := resp.snapshot()
	switch terminal {
	case StateCompleted:
		if e.met != nil {
			e.met.ResponsesCompleted.Add(context.Background(), 1)
		}
		if e.cb.BroadcastComplete != nil {
			e.cb.BroadcastComplete(r.id, snap)
		}
	case StateCancelled:
		if e.met != nil {
			e.met.ResponsesCancelled.Add(context.Background(), 1)
		}
		if e.cb.BroadcastCancelled != nil {
			e.cb.BroadcastCancelled(r.id, snap)
		}
	}
	slog.Debug("broadcast: response finished",
		"room_id", r.id, "response_id", resp.id, "state", terminal,
		"total_chunks", resp.totalChunks, "sent_chunks", resp.sentChunks)
}

// armTimerLocked schedules the fallback timer for the just-created response.
// The callback captures the response identity so a stale fire (one that lost
// the race with Stop) is discarded instead of acting on a newer response.
func (e *Engine) armTimerLocked(r *room) {
	if e.cfg.MaxWaitForPeers <= 0 {
		return
	}
	roomID, respID := r.id, r.resp.id
	r.timer = time.AfterFunc(e.cfg.MaxWaitForPeers, func() {
		e.fallbackFired(roomID, respID)
	})
}

// stopTimerLocked cancels the room's pending fallback timer, if any.
func (e *Engine) stopTimerLocked(r *room) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// fallbackFired runs when a response has waited MaxWaitForPeers without
// meeting the readiness gate. If the armed response is still current, still
// buffering, and has chunks queued, the readiness requirement is waived and
// broadcasting starts.
func (e *Engine) fallbackFired(roomID, respID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok || r.resp == nil || r.resp.id != respID {
		return
	}
	r.timer = nil
	if r.resp.state != StateBuffering || len(r.resp.pending) == 0 {
		return
	}
	slog.Debug("broadcast: peer wait elapsed, starting without readiness gate",
		"room_id", roomID, "response_id", respID,
		"ready_peers", len(r.ready), "min_peers_ready", e.cfg.MinPeersReady)
	e.beginBroadcastLocked(r)
}

// stateChangeLocked fires the StateChange callback for the room's current
// response.
func (e *Engine) stateChangeLocked(r *room) {
	if e.cb.StateChange != nil {
		e.cb.StateChange(r.id, r.resp.state, r.resp.snapshot())
	}
}

// errorLocked surfaces a caller error to the Error callback and the log.
func (e *Engine) errorLocked(msg string) {
	slog.Debug("broadcast: " + msg)
	if e.cb.Error != nil {
		e.cb.Error(msg)
	}
}
