// Package store persists ECG sessions in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"pulselink/internal/domain"
)

// timeFormat is fixed-width so lexicographic comparison in SQL matches
// chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements domain.SessionStore using SQLite. Samples are stored
// as a little-endian float32 blob; the derived heart-rate series as JSON.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at dbPath and runs the schema
// migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			device_id    TEXT NOT NULL,
			started_at   TEXT NOT NULL,
			duration_ms  INTEGER NOT NULL,
			sample_rate  INTEGER NOT NULL,
			sample_count INTEGER NOT NULL,
			avg_bpm      INTEGER NOT NULL DEFAULT 0,
			status       TEXT NOT NULL,
			heart_rates  TEXT NOT NULL DEFAULT '[]',
			samples      BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id, started_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSession inserts a sealed session. Saving the same id twice fails.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	if !sess.Sealed() {
		return domain.NewSubSystemError("session", "SQLiteStore.SaveSession", domain.ErrInvalidInput,
			"session must be sealed before saving")
	}
	ratesJSON, err := json.Marshal(sess.HeartRates)
	if err != nil {
		return fmt.Errorf("marshal heart rates: %w", err)
	}
	stats := sess.Statistics()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, device_id, started_at, duration_ms, sample_rate,
			sample_count, avg_bpm, status, heart_rates, samples)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.DeviceID, sess.StartedAt.UTC().Format(timeFormat),
		sess.Duration.Milliseconds(), sess.SampleRate, sess.SampleCount(),
		stats.AvgBPM, string(sess.Status), string(ratesJSON), encodeSamples(sess.Samples),
	)
	if err != nil {
		return domain.NewSubSystemError("session", "SQLiteStore.SaveSession", domain.ErrPersistence, err.Error())
	}
	return nil
}

// GetSession loads one session with its full sample record.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, started_at, duration_ms, sample_rate, status, heart_rates, samples
		FROM sessions WHERE id = ?`, id)

	var (
		sess       domain.Session
		startedAt  string
		durationMS int64
		status     string
		ratesJSON  string
		blob       []byte
	)
	err := row.Scan(&sess.ID, &sess.DeviceID, &startedAt, &durationMS, &sess.SampleRate,
		&status, &ratesJSON, &blob)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("session", "SQLiteStore.GetSession", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, domain.NewSubSystemError("session", "SQLiteStore.GetSession", domain.ErrPersistence, err.Error())
	}

	sess.StartedAt, err = time.Parse(timeFormat, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	sess.Duration = time.Duration(durationMS) * time.Millisecond
	sess.Status = domain.SessionStatus(status)
	if err := json.Unmarshal([]byte(ratesJSON), &sess.HeartRates); err != nil {
		return nil, fmt.Errorf("unmarshal heart rates: %w", err)
	}
	sess.Samples = decodeSamples(blob)
	return domain.RestoreSession(sess), nil
}

// ListSessions returns newest-first summaries, optionally filtered by device.
func (s *SQLiteStore) ListSessions(ctx context.Context, deviceID string, limit int) ([]domain.SessionSummary, error) {
	query := `
		SELECT id, device_id, started_at, duration_ms, sample_count, avg_bpm, status
		FROM sessions`
	args := []any{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewSubSystemError("session", "SQLiteStore.ListSessions", domain.ErrPersistence, err.Error())
	}
	defer rows.Close()

	var summaries []domain.SessionSummary
	for rows.Next() {
		var (
			sum        domain.SessionSummary
			startedAt  string
			durationMS int64
			status     string
		)
		if err := rows.Scan(&sum.ID, &sum.DeviceID, &startedAt, &durationMS,
			&sum.SampleCount, &sum.AvgBPM, &status); err != nil {
			return nil, err
		}
		sum.StartedAt, err = time.Parse(timeFormat, startedAt)
		if err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		sum.Duration = time.Duration(durationMS) * time.Millisecond
		sum.Status = domain.SessionStatus(status)
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// DeleteOlderThan removes sessions started before cutoff and reports how many
// were removed.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE started_at < ?", cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, domain.NewSubSystemError("session", "SQLiteStore.DeleteOlderThan", domain.ErrPersistence, err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// encodeSamples packs samples into a little-endian float32 blob.
func encodeSamples(samples []float32) []byte {
	if len(samples) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// decodeSamples unpacks a little-endian float32 blob. A trailing partial
// value is dropped.
func decodeSamples(blob []byte) []float32 {
	if len(blob) < 4 {
		return nil
	}
	samples := make([]float32, len(blob)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return samples
}
