// Package capture records raw stream frames to a SQLite journal so a live
// kitchen session can be replayed later through the simulator, with the
// original payloads and timing intact.
package capture

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/platevision/monitor-cli/internal/model"
)

// Journal is a frame recorder backed by modernc.org/sqlite.
type Journal struct {
	db *sql.DB
}

// NewJournal opens the journal database at the given path and configures
// WAL mode.
func NewJournal(dsn string) (*Journal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "capture: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "capture: exec %s", pragma)
		}
	}
	return &Journal{db: db}, nil
}

const journalMigration = `
CREATE TABLE IF NOT EXISTS capture_sessions (
	id         TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at   DATETIME
);

CREATE TABLE IF NOT EXISTS frames (
	session_id  TEXT NOT NULL REFERENCES capture_sessions(id),
	seq         INTEGER NOT NULL,
	type        TEXT NOT NULL,
	data        TEXT NOT NULL,
	captured_at DATETIME NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_capture_sessions_started_at ON capture_sessions(started_at);
`

func (j *Journal) Migrate(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, journalMigration)
	return eris.Wrap(err, "capture: migrate")
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Session is one live recording. Frames are appended in arrival order; the
// sequence counter lives here, so a session has exactly one writer.
type Session struct {
	ID        string
	StartedAt time.Time

	journal *Journal
	seq     atomic.Int64
}

// Begin opens a new capture session against the given stream source.
func (j *Journal) Begin(ctx context.Context, sourceURL string) (*Session, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO capture_sessions (id, source_url, started_at) VALUES (?, ?, ?)`,
		id, sourceURL, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "capture: insert session")
	}
	return &Session{ID: id, StartedAt: now, journal: j}, nil
}

// Append records one frame.
func (s *Session) Append(ctx context.Context, env model.Envelope) error {
	seq := s.seq.Add(1)
	_, err := s.journal.db.ExecContext(ctx,
		`INSERT INTO frames (session_id, seq, type, data, captured_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, seq, string(env.Type), string(env.Data), time.Now().UTC(),
	)
	return eris.Wrapf(err, "capture: append frame %d", seq)
}

// End stamps the session as finished.
func (s *Session) End(ctx context.Context) error {
	res, err := s.journal.db.ExecContext(ctx,
		`UPDATE capture_sessions SET ended_at = ? WHERE id = ?`,
		time.Now().UTC(), s.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "capture: end session %s", s.ID)
	}
	return checkRowsAffected(res, "session", s.ID)
}

// SessionInfo describes one recorded session.
type SessionInfo struct {
	ID        string     `json:"id"`
	SourceURL string     `json:"source_url"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Frames    int        `json:"frames"`
}

// Sessions lists recorded sessions, most recent first.
func (j *Journal) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT s.id, s.source_url, s.started_at, s.ended_at, COUNT(f.seq)
		 FROM capture_sessions s LEFT JOIN frames f ON f.session_id = s.id
		 GROUP BY s.id ORDER BY s.started_at DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "capture: list sessions")
	}
	defer rows.Close()

	var sessions []SessionInfo
	for rows.Next() {
		var si SessionInfo
		var ended sql.NullTime
		if err := rows.Scan(&si.ID, &si.SourceURL, &si.StartedAt, &ended, &si.Frames); err != nil {
			return nil, eris.Wrap(err, "capture: scan session")
		}
		if ended.Valid {
			si.EndedAt = &ended.Time
		}
		sessions = append(sessions, si)
	}
	return sessions, eris.Wrap(rows.Err(), "capture: list sessions iterate")
}

// LatestSessionID returns the most recently started session.
func (j *Journal) LatestSessionID(ctx context.Context) (string, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT id FROM capture_sessions ORDER BY started_at DESC LIMIT 1`,
	)
	var id string
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return "", eris.New("capture: no sessions recorded")
	}
	if err != nil {
		return "", eris.Wrap(err, "capture: latest session")
	}
	return id, nil
}

// Frame is one recorded stream frame.
type Frame struct {
	Seq        int64
	CapturedAt time.Time
	Env        model.Envelope
}

// Replay walks a session's frames in sequence order. The callback's error
// stops the walk and is returned as-is.
func (j *Journal) Replay(ctx context.Context, sessionID string, fn func(Frame) error) error {
	var exists int
	err := j.db.QueryRowContext(ctx,
		`SELECT 1 FROM capture_sessions WHERE id = ?`, sessionID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return eris.Errorf("capture: session not found: %s", sessionID)
	}
	if err != nil {
		return eris.Wrap(err, "capture: lookup session")
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, type, data, captured_at FROM frames WHERE session_id = ? ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "capture: replay session %s", sessionID)
	}
	defer rows.Close()

	for rows.Next() {
		var f Frame
		var typ, data string
		if err := rows.Scan(&f.Seq, &typ, &data, &f.CapturedAt); err != nil {
			return eris.Wrap(err, "capture: scan frame")
		}
		f.Env = model.Envelope{Type: model.EventType(typ), Data: json.RawMessage(data)}
		if err := fn(f); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "capture: replay iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
