// Package store persists training session records in Postgres.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS train_records (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	student_id TEXT NOT NULL,
	diploma    TEXT,
	date       DATE NOT NULL,
	scenario   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// TrainRecord is one completed training session.
type TrainRecord struct {
	ID        int64
	Name      string
	StudentID string
	Diploma   string
	Date      time.Time
	Scenario  string
	CreatedAt time.Time
}

// Store wraps the training record database.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Open connects to the database and ensures the schema exists.
func Open(ctx context.Context, url string, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	s := &Store{
		pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	s.logger.Info().Msg("Training record store ready")
	return s, nil
}

// InsertTrainRecord records a completed training session.
func (s *Store) InsertTrainRecord(ctx context.Context, r TrainRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO train_records (name, student_id, diploma, date, scenario)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.Name, r.StudentID, r.Diploma, r.Date, r.Scenario)
	if err != nil {
		return fmt.Errorf("insert train record: %w", err)
	}
	return nil
}

// ListTrainRecords returns the most recent records for a student, or
// for all students when studentID is empty.
func (s *Store) ListTrainRecords(ctx context.Context, studentID string, limit int) ([]TrainRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, student_id, COALESCE(diploma, ''), date, scenario, created_at
		 FROM train_records
		 WHERE $1 = '' OR student_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list train records: %w", err)
	}
	defer rows.Close()

	var records []TrainRecord
	for rows.Next() {
		var r TrainRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.StudentID, &r.Diploma, &r.Date, &r.Scenario, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan train record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
