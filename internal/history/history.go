// Package history provides a PostgreSQL-backed archive of finished broadcast
// responses. Every completed or cancelled response is recorded with its final
// counters so operators can audit what each room actually heard.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Telegamez/voicecast/internal/broadcast"
)

const ddlResponses = `
CREATE TABLE IF NOT EXISTS responses (
    id                TEXT         PRIMARY KEY,
    room_id           TEXT         NOT NULL,
    trigger_peer_id   TEXT         NOT NULL DEFAULT '',
    state             TEXT         NOT NULL,
    started_at        TIMESTAMPTZ  NOT NULL,
    finished_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    total_chunks      INTEGER      NOT NULL DEFAULT 0,
    total_duration_ns BIGINT       NOT NULL DEFAULT 0,
    sent_chunks       INTEGER      NOT NULL DEFAULT 0,
    sent_duration_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_responses_room_id
    ON responses (room_id);

CREATE INDEX IF NOT EXISTS idx_responses_room_finished
    ON responses (room_id, finished_at DESC);
`

// Record is one archived response row.
type Record struct {
	ID            string
	RoomID        string
	TriggerPeerID string
	State         broadcast.State
	StartedAt     time.Time
	FinishedAt    time.Time
	TotalChunks   int
	TotalDuration time.Duration
	SentChunks    int
	SentDuration  time.Duration
}

// Store archives finished responses in PostgreSQL.
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn and
// ensures the responses table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlResponses); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Record inserts one finished response. Re-recording an ID overwrites the
// previous row, so retried writes stay idempotent.
func (s *Store) Record(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO responses
		    (id, room_id, trigger_peer_id, state, started_at, finished_at,
		     total_chunks, total_duration_ns, sent_chunks, sent_duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		    state             = EXCLUDED.state,
		    finished_at       = EXCLUDED.finished_at,
		    total_chunks      = EXCLUDED.total_chunks,
		    total_duration_ns = EXCLUDED.total_duration_ns,
		    sent_chunks       = EXCLUDED.sent_chunks,
		    sent_duration_ns  = EXCLUDED.sent_duration_ns`

	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.RoomID,
		rec.TriggerPeerID,
		string(rec.State),
		rec.StartedAt,
		finished,
		rec.TotalChunks,
		rec.TotalDuration.Nanoseconds(),
		rec.SentChunks,
		rec.SentDuration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("history: record response: %w", err)
	}
	return nil
}

// Recent returns the most recently finished responses for roomID, newest
// first, up to limit rows.
func (s *Store) Recent(ctx context.Context, roomID string, limit int) ([]Record, error) {
	const q = `
		SELECT id, room_id, trigger_peer_id, state, started_at, finished_at,
		       total_chunks, total_duration_ns, sent_chunks, sent_duration_ns
		FROM   responses
		WHERE  room_id = $1
		ORDER  BY finished_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec                  Record
			state                string
			totalNs, sentNs      int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.RoomID, &rec.TriggerPeerID, &state,
			&rec.StartedAt, &rec.FinishedAt,
			&rec.TotalChunks, &totalNs, &rec.SentChunks, &sentNs,
		); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		rec.State = broadcast.State(state)
		rec.TotalDuration = time.Duration(totalNs)
		rec.SentDuration = time.Duration(sentNs)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate rows: %w", err)
	}
	return out, nil
}

// FromResponse converts an engine snapshot into a Record ready for insertion.
func FromResponse(resp broadcast.Response, finishedAt time.Time) Record {
	return Record{
		ID:            resp.ID,
		RoomID:        resp.RoomID,
		TriggerPeerID: resp.TriggerPeerID,
		State:         resp.State,
		StartedAt:     resp.StartedAt,
		FinishedAt:    finishedAt,
		TotalChunks:   resp.TotalChunks,
		TotalDuration: resp.TotalDuration,
		SentChunks:    resp.SentChunks,
		SentDuration:  resp.SentDuration,
	}
}

// Ping probes the database connection. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
