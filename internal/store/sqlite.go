package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourorg/selfopt/pkg/types"
)

// ErrNotFound is returned when a lookup has no rows.
var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exports (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			exported_at DATETIME NOT NULL,
			interaction_count INTEGER NOT NULL,
			queue_size INTEGER NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_exports_at ON exports(exported_at);`,
		`CREATE TABLE IF NOT EXISTS evolutions (
			version INTEGER NOT NULL,
			kinds TEXT NOT NULL,
			at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			satisfied INTEGER NOT NULL,
			details TEXT,
			timestamp DATETIME NOT NULL,
			delivered INTEGER NOT NULL,
			error_msg TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) SaveExport(snap *types.ExportSnapshot) (int64, error) {
	if snap == nil {
		return 0, errors.New("snapshot is nil")
	}
	if snap.ExportedAt.IsZero() {
		snap.ExportedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("encode export: %w", err)
	}
	res, err := s.db.Exec(`INSERT INTO exports(exported_at,interaction_count,queue_size,payload) VALUES(?,?,?,?)`,
		snap.ExportedAt.UTC(), snap.InteractionCount, snap.LearningQueueSize, string(payload))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) LatestExport() (*types.ExportSnapshot, error) {
	row := s.db.QueryRow(`SELECT payload FROM exports ORDER BY id DESC LIMIT 1`)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var snap types.ExportSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	return &snap, nil
}

// ListExports returns the newest exports first.
func (s *SQLiteStore) ListExports(limit int) ([]types.ExportRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id,payload FROM exports ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.ExportRecord, 0)
	for rows.Next() {
		var rec types.ExportRecord
		var payload string
		if err := rows.Scan(&rec.ID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("decode export %d: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveEvolution(ev types.EvolutionEvent) error {
	kinds, _ := json.Marshal(ev.Kinds)
	_, err := s.db.Exec(`INSERT INTO evolutions(version,kinds,at) VALUES(?,?,?)`, ev.Version, string(kinds), ev.At.UTC())
	return err
}

func (s *SQLiteStore) ListEvolutions() ([]types.EvolutionEvent, error) {
	rows, err := s.db.Query(`SELECT version,kinds,at FROM evolutions ORDER BY at ASC, version ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.EvolutionEvent, 0)
	for rows.Next() {
		var ev types.EvolutionEvent
		var kinds string
		if err := rows.Scan(&ev.Version, &kinds, &ev.At); err != nil {
			return nil, err
		}
		if kinds != "" {
			_ = json.Unmarshal([]byte(kinds), &ev.Kinds)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveFeedback(fb types.Feedback, delivered bool, errMsg string) error {
	details, _ := json.Marshal(fb.Details)
	_, err := s.db.Exec(`INSERT INTO feedback(action,satisfied,details,timestamp,delivered,error_msg) VALUES(?,?,?,?,?,?)`,
		fb.Action, fb.Satisfied, string(details), fb.Timestamp.UTC(), delivered, errMsg)
	return err
}

// ListFeedback returns the newest feedback first.
func (s *SQLiteStore) ListFeedback(limit int) ([]types.FeedbackRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id,action,satisfied,details,timestamp,delivered,error_msg FROM feedback ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.FeedbackRecord, 0)
	for rows.Next() {
		var rec types.FeedbackRecord
		var details string
		if err := rows.Scan(&rec.ID, &rec.Feedback.Action, &rec.Feedback.Satisfied, &details, &rec.Feedback.Timestamp, &rec.Delivered, &rec.ErrorMsg); err != nil {
			return nil, err
		}
		if details != "" && details != "null" {
			_ = json.Unmarshal([]byte(details), &rec.Feedback.Details)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes exports and feedback recorded before the cutoff.
func (s *SQLiteStore) Prune(before time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var total int64
	for _, q := range []string{
		`DELETE FROM exports WHERE exported_at < ?`,
		`DELETE FROM feedback WHERE timestamp < ?`,
	} {
		res, err := tx.Exec(q, before.UTC())
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	return s.db.Close()
}
