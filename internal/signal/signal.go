// Package signal is the realtime edge of the Voicecast server. It terminates
// peer WebSocket connections, translates client messages into engine and
// feeder calls, and fans engine callbacks back out as JSON frames.
//
// Lock order: the server registers and unregisters connections under its own
// mutex, and engine callbacks take that same mutex, so no code path may call
// into the engine while holding it.
package signal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/Telegamez/voicecast/internal/broadcast"
	"github.com/Telegamez/voicecast/internal/feeder"
	"github.com/Telegamez/voicecast/internal/history"
	"github.com/Telegamez/voicecast/internal/observe"
)

// outboundQueueSize is the per-peer buffered frame queue. A peer that cannot
// drain this many frames is dropping audio anyway; further frames are shed
// rather than stalling the room.
const outboundQueueSize = 256

// HistoryStore archives finished responses. *history.Store satisfies it; the
// server runs without archiving when none is configured.
type HistoryStore interface {
	Record(ctx context.Context, rec history.Record) error
	Recent(ctx context.Context, roomID string, limit int) ([]history.Record, error)
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics attaches a metrics instance. When unset, DefaultMetrics is used.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.met = m }
}

// WithHistory attaches a response archive.
func WithHistory(h HistoryStore) Option {
	return func(s *Server) { s.hist = h }
}

// WithSyncOffset sets the lead time added to the server clock when announcing
// the synchronized playback start to peers.
func WithSyncOffset(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.syncOffset = d
		}
	}
}

// WithRecentLimit caps how many archived responses the status endpoint
// returns.
func WithRecentLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.recentLimit = n
		}
	}
}

// Server terminates peer WebSocket connections for broadcast rooms.
type Server struct {
	syncOffset  time.Duration
	recentLimit int
	met         *observe.Metrics
	hist        HistoryStore

	eng *broadcast.Engine
	fdr *feeder.Feeder

	mu    sync.Mutex
	rooms map[string]map[string]*peerConn
}

// NewServer creates a Server. Bind must be called with the engine and feeder
// before the server accepts connections.
func NewServer(opts ...Option) *Server {
	s := &Server{
		syncOffset:  broadcast.DefaultConfig().SyncOffset,
		recentLimit: 20,
		rooms:       make(map[string]map[string]*peerConn),
	}
	for _, o := range opts {
		o(s)
	}
	if s.met == nil {
		s.met = observe.DefaultMetrics()
	}
	return s
}

// Bind attaches the engine and feeder. The engine must have been constructed
// with this server's [Server.Callbacks].
func (s *Server) Bind(eng *broadcast.Engine, fdr *feeder.Feeder) {
	s.eng = eng
	s.fdr = fdr
}

// Register installs the server's routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /rooms/{room}/status", s.handleStatus)
}

// ── Wire messages ─────────────────────────────────────────────────────────────

// clientMessage is a frame sent by a peer.
type clientMessage struct {
	Type string `json:"type"`

	// Text carries the utterance for "say" messages.
	Text string `json:"text,omitempty"`
}

// serverMessage is a frame sent to a peer. Fields are populated per Type.
type serverMessage struct {
	Type       string   `json:"type"`
	RoomID     string   `json:"room_id,omitempty"`
	PeerID     string   `json:"peer_id,omitempty"`
	Peers      []string `json:"peers,omitempty"`
	ResponseID string   `json:"response_id,omitempty"`

	// StartAt is the RFC 3339 instant at which playback should begin,
	// set on response_started frames.
	StartAt string `json:"start_at,omitempty"`

	// Audio is the base64-encoded chunk payload on chunk frames.
	Audio      string `json:"audio,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	First      bool   `json:"first,omitempty"`
	Last       bool   `json:"last,omitempty"`

	// Final counters on response_completed / response_cancelled frames.
	SentChunks     int   `json:"sent_chunks,omitempty"`
	SentDurationMs int64 `json:"sent_duration_ms,omitempty"`

	// ChunkCount is the replay length on catch_up frames.
	ChunkCount int `json:"chunk_count,omitempty"`

	Error string `json:"error,omitempty"`
}

// ── Peer connections ──────────────────────────────────────────────────────────

// peerConn is one connected peer. Outbound frames go through a buffered queue
// drained by writeLoop; a full queue sheds frames instead of blocking the
// engine.
type peerConn struct {
	roomID string
	peerID string
	conn   *websocket.Conn

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// enqueue hands a frame to the write loop. It reports false when the queue is
// full or the connection is closing.
func (p *peerConn) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- frame:
		return true
	default:
		return false
	}
}

// shutdown stops the write loop and closes the socket. Idempotent.
func (p *peerConn) shutdown(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close(code, reason)
	})
}

// writeLoop drains the outbound queue onto the socket.
func (p *peerConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case frame := <-p.out:
			if err := p.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}

// ── WebSocket handling ────────────────────────────────────────────────────────

// handleWS upgrades GET /ws?room=<id>&peer=<id> to a WebSocket and joins the
// peer to the room for the lifetime of the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	peerID := r.URL.Query().Get("peer")
	if roomID == "" || peerID == "" {
		http.Error(w, "room and peer query parameters are required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "room", roomID, "peer", peerID, "err", err)
		return
	}

	pc := &peerConn{
		roomID: roomID,
		peerID: peerID,
		conn:   conn,
		out:    make(chan []byte, outboundQueueSize),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	peers, ok := s.rooms[roomID]
	if !ok {
		peers = make(map[string]*peerConn)
		s.rooms[roomID] = peers
	}
	old := peers[peerID]
	peers[peerID] = pc
	names := make([]string, 0, len(peers))
	for id := range peers {
		names = append(names, id)
	}
	s.mu.Unlock()

	if old != nil {
		old.shutdown(websocket.StatusPolicyViolation, "replaced by new connection")
	}

	// The joined frame must be queued before AddPeer so any catch-up replay
	// lands after it.
	pc.enqueue(mustMarshal(serverMessage{
		Type:   "joined",
		RoomID: roomID,
		PeerID: peerID,
		Peers:  names,
	}))

	ctx := r.Context()
	go pc.writeLoop(ctx)

	s.eng.InitRoom(roomID)
	s.eng.AddPeer(roomID, peerID)
	slog.Info("peer joined", "room", roomID, "peer", peerID)

	s.readLoop(ctx, pc)

	s.eng.RemovePeer(roomID, peerID)
	s.unregister(pc)
	pc.shutdown(websocket.StatusNormalClosure, "bye")
	slog.Info("peer left", "room", roomID, "peer", peerID)
}

// readLoop processes inbound frames until the peer disconnects.
func (s *Server) readLoop(ctx context.Context, pc *peerConn) {
	for {
		_, data, err := pc.conn.Read(ctx)
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			pc.enqueue(mustMarshal(serverMessage{Type: "error", Error: "malformed message"}))
			continue
		}

		switch msg.Type {
		case "ready":
			s.eng.SetPeerReady(pc.roomID, pc.peerID)

		case "say":
			if msg.Text == "" {
				pc.enqueue(mustMarshal(serverMessage{Type: "error", Error: "say requires text"}))
				continue
			}
			if _, err := s.fdr.Say(ctx, pc.roomID, pc.peerID, msg.Text); err != nil {
				slog.Warn("say failed", "room", pc.roomID, "peer", pc.peerID, "err", err)
				pc.enqueue(mustMarshal(serverMessage{Type: "error", Error: "response could not be started"}))
			}

		case "interrupt":
			s.fdr.Interrupt(ctx, pc.roomID)

		default:
			pc.enqueue(mustMarshal(serverMessage{Type: "error", Error: "unknown message type"}))
		}
	}
}

// unregister removes pc from the room map, pruning the room entry when it was
// the last connection. A newer connection under the same peer ID is left
// alone.
func (s *Server) unregister(pc *peerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers, ok := s.rooms[pc.roomID]
	if !ok {
		return
	}
	if peers[pc.peerID] == pc {
		delete(peers, pc.peerID)
	}
	if len(peers) == 0 {
		delete(s.rooms, pc.roomID)
	}
}

// ── Engine callbacks ──────────────────────────────────────────────────────────

// Callbacks returns the broadcast.Callbacks wiring engine events to connected
// peers. The returned callbacks only marshal and enqueue; they never block.
func (s *Server) Callbacks() broadcast.Callbacks {
	return broadcast.Callbacks{
		SendToPeer:         s.sendToPeer,
		BroadcastStart:     s.broadcastStart,
		BroadcastComplete:  s.broadcastComplete,
		BroadcastCancelled: s.broadcastCancelled,
		StateChange: func(roomID string, state broadcast.State, resp broadcast.Response) {
			slog.Debug("response state change",
				"room", roomID, "response_id", resp.ID, "state", state)
		},
		PeerCatchUp: s.peerCatchUp,
		Error: func(msg string) {
			slog.Warn("broadcast engine error", "detail", msg)
		},
	}
}

func (s *Server) sendToPeer(peerID string, chunk broadcast.Chunk, resp broadcast.Response) {
	frame := mustMarshal(serverMessage{
		Type:       "chunk",
		ResponseID: resp.ID,
		Audio:      base64.StdEncoding.EncodeToString(chunk.Data),
		DurationMs: chunk.Duration.Milliseconds(),
		First:      chunk.First,
		Last:       chunk.Last,
	})

	s.mu.Lock()
	pc := s.rooms[resp.RoomID][peerID]
	s.mu.Unlock()

	if pc == nil {
		return
	}
	if !pc.enqueue(frame) {
		s.met.SendDrops.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("room", resp.RoomID)))
	}
}

func (s *Server) broadcastStart(roomID string, resp broadcast.Response) {
	startAt := time.Now().Add(s.syncOffset)
	s.fanOut(roomID, serverMessage{
		Type:       "response_started",
		RoomID:     roomID,
		ResponseID: resp.ID,
		StartAt:    startAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) broadcastComplete(roomID string, resp broadcast.Response) {
	s.fanOut(roomID, serverMessage{
		Type:           "response_completed",
		RoomID:         roomID,
		ResponseID:     resp.ID,
		SentChunks:     resp.SentChunks,
		SentDurationMs: resp.SentDuration.Milliseconds(),
	})
	s.archive(resp)
}

func (s *Server) broadcastCancelled(roomID string, resp broadcast.Response) {
	s.fanOut(roomID, serverMessage{
		Type:           "response_cancelled",
		RoomID:         roomID,
		ResponseID:     resp.ID,
		SentChunks:     resp.SentChunks,
		SentDurationMs: resp.SentDuration.Milliseconds(),
	})
	s.archive(resp)
}

func (s *Server) peerCatchUp(roomID, peerID string, chunkCount int) {
	s.mu.Lock()
	pc := s.rooms[roomID][peerID]
	s.mu.Unlock()

	if pc == nil {
		return
	}
	pc.enqueue(mustMarshal(serverMessage{
		Type:       "catch_up",
		RoomID:     roomID,
		ChunkCount: chunkCount,
	}))
}

// fanOut enqueues msg to every peer in the room.
func (s *Server) fanOut(roomID string, msg serverMessage) {
	frame := mustMarshal(msg)

	s.mu.Lock()
	conns := make([]*peerConn, 0, len(s.rooms[roomID]))
	for _, pc := range s.rooms[roomID] {
		conns = append(conns, pc)
	}
	s.mu.Unlock()

	for _, pc := range conns {
		if !pc.enqueue(frame) {
			s.met.SendDrops.Add(context.Background(), 1,
				metric.WithAttributes(observe.Attr("room", roomID)))
		}
	}
}

// archive writes the finished response to the history store, off the engine's
// callback goroutine.
func (s *Server) archive(resp broadcast.Response) {
	if s.hist == nil {
		return
	}
	rec := history.FromResponse(resp, time.Now())
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.hist.Record(ctx, rec); err != nil {
			slog.Warn("history record failed", "response_id", rec.ID, "err", err)
		}
	}()
}

// ── Status endpoint ───────────────────────────────────────────────────────────

// statusResponse is the JSON body of GET /rooms/{room}/status.
type statusResponse struct {
	RoomID string           `json:"room_id"`
	State  broadcast.State  `json:"state"`
	Peers  []string         `json:"peers"`
	Buffer bufferStatusJSON `json:"buffer"`

	Response *responseJSON `json:"response,omitempty"`
	Recent   []historyJSON `json:"recent,omitempty"`
}

type bufferStatusJSON struct {
	ChunksBuffered int   `json:"chunks_buffered"`
	DurationMs     int64 `json:"duration_ms"`
	Full           bool  `json:"full"`
}

type responseJSON struct {
	ID              string          `json:"id"`
	TriggerPeerID   string          `json:"trigger_peer_id"`
	State           broadcast.State `json:"state"`
	StartedAt       time.Time       `json:"started_at"`
	TotalChunks     int             `json:"total_chunks"`
	TotalDurationMs int64           `json:"total_duration_ms"`
	SentChunks      int             `json:"sent_chunks"`
	SentDurationMs  int64           `json:"sent_duration_ms"`
}

type historyJSON struct {
	ID             string          `json:"id"`
	TriggerPeerID  string          `json:"trigger_peer_id"`
	State          broadcast.State `json:"state"`
	FinishedAt     time.Time       `json:"finished_at"`
	SentChunks     int             `json:"sent_chunks"`
	SentDurationMs int64           `json:"sent_duration_ms"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")

	s.mu.Lock()
	peers := make([]string, 0, len(s.rooms[roomID]))
	for id := range s.rooms[roomID] {
		peers = append(peers, id)
	}
	s.mu.Unlock()

	buf := s.eng.BufferStatus(roomID)
	body := statusResponse{
		RoomID: roomID,
		State:  s.eng.StateOf(roomID),
		Peers:  peers,
		Buffer: bufferStatusJSON{
			ChunksBuffered: buf.ChunksBuffered,
			DurationMs:     buf.Duration.Milliseconds(),
			Full:           buf.Full,
		},
	}

	if resp, ok := s.eng.CurrentResponse(roomID); ok {
		body.Response = &responseJSON{
			ID:              resp.ID,
			TriggerPeerID:   resp.TriggerPeerID,
			State:           resp.State,
			StartedAt:       resp.StartedAt,
			TotalChunks:     resp.TotalChunks,
			TotalDurationMs: resp.TotalDuration.Milliseconds(),
			SentChunks:      resp.SentChunks,
			SentDurationMs:  resp.SentDuration.Milliseconds(),
		}
	}

	if s.hist != nil {
		recent, err := s.hist.Recent(r.Context(), roomID, s.recentLimit)
		if err != nil {
			slog.Warn("history query failed", "room", roomID, "err", err)
		}
		for _, rec := range recent {
			body.Recent = append(body.Recent, historyJSON{
				ID:             rec.ID,
				TriggerPeerID:  rec.TriggerPeerID,
				State:          rec.State,
				FinishedAt:     rec.FinishedAt,
				SentChunks:     rec.SentChunks,
				SentDurationMs: rec.SentDuration.Milliseconds(),
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("status encode failed", "room", roomID, "err", err)
	}
}

// mustMarshal serializes msg. serverMessage contains nothing json.Marshal can
// reject.
func mustMarshal(msg serverMessage) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	return data
}
