package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/fraudlens/internal/fraud"
	"github.com/mbd888/fraudlens/internal/retry"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 50 * time.Millisecond
)

// PostgresStore persists score records in PostgreSQL. The schema lives in
// migrations/; input and result are stored as JSONB next to a few indexed
// columns used for ordering and filtering.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Record(ctx context.Context, rec *fraud.ScoreRecord) error {
	if rec.Result == nil {
		return fmt.Errorf("resultstore: record %s has no result", rec.ID)
	}
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	return retry.Do(ctx, writeAttempts, writeBaseDelay, func() error {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO score_records (
				id, tx_type, amount, probability, risk_level,
				flagged, degraded, model_version, input, result, scored_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rec.ID, string(rec.Input.Type), rec.Input.Amount, rec.Result.FraudProbability, string(rec.Result.RiskLevel),
			rec.Result.Flagged, rec.Degraded, rec.Result.ModelVersion, input, result, rec.ScoredAt.UTC(),
		)
		if err == nil {
			return nil
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			if pqErr.Code == "23505" {
				return retry.Permanent(ErrDuplicate)
			}
			// Constraint and syntax classes will not succeed on retry.
			if cls := pqErr.Code.Class(); cls == "22" || cls == "23" || cls == "42" {
				return retry.Permanent(err)
			}
		}
		return err
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*fraud.ScoreRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, degraded, input, result, scored_at
		FROM score_records WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) List(ctx context.Context, limit int, opts ...ListOption) ([]*fraud.ScoreRecord, error) {
	o := applyListOpts(opts)

	var (
		rows *sql.Rows
		err  error
	)
	if o.before != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, degraded, input, result, scored_at
			FROM score_records
			WHERE (scored_at, id) < ($2, $3)
			ORDER BY scored_at DESC, id DESC
			LIMIT $1`, ClampLimit(limit), o.before.At, o.before.ID)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, degraded, input, result, scored_at
			FROM score_records
			ORDER BY scored_at DESC, id DESC
			LIMIT $1`, ClampLimit(limit))
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := []*fraud.ScoreRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM score_records`).Scan(&n)
	return n, err
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*fraud.ScoreRecord, error) {
	var (
		rec           fraud.ScoreRecord
		input, result []byte
	)
	if err := s.Scan(&rec.ID, &rec.Degraded, &input, &result, &rec.ScoredAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(input, &rec.Input); err != nil {
		return nil, fmt.Errorf("decode input of %s: %w", rec.ID, err)
	}
	rec.Result = &fraud.ScoringResult{}
	if err := json.Unmarshal(result, rec.Result); err != nil {
		return nil, fmt.Errorf("decode result of %s: %w", rec.ID, err)
	}
	rec.ScoredAt = rec.ScoredAt.UTC()
	return &rec, nil
}
