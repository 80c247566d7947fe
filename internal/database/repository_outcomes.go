package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// SaveSignal stores an emitted signal. Re-saving the same id is a no-op.
func (r *Repository) SaveSignal(ctx context.Context, s *SignalRecord) error {
	query := `
		INSERT INTO signals (
			id, instrument, direction, grade, raw_confidence, confidence,
			entry_price, stop_loss, take_profit, phase, signal_time, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		s.ID, s.Instrument, s.Direction, s.Grade, s.RawConfidence, s.Confidence,
		s.EntryPrice, s.StopLoss, s.TakeProfit, s.Phase, s.SignalTime, s.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

// GetSignals lists the newest signals, optionally for one instrument
func (r *Repository) GetSignals(ctx context.Context, instrument string, limit int) ([]SignalRecord, error) {
	query := `
		SELECT id, instrument, direction, grade, raw_confidence, confidence,
			   entry_price, stop_loss, take_profit, phase, signal_time, payload, created_at
		FROM signals
		WHERE ($1 = '' OR instrument = $1)
		ORDER BY signal_time DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, instrument, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	out := []SignalRecord{}
	for rows.Next() {
		var s SignalRecord
		if err := rows.Scan(
			&s.ID, &s.Instrument, &s.Direction, &s.Grade, &s.RawConfidence, &s.Confidence,
			&s.EntryPrice, &s.StopLoss, &s.TakeProfit, &s.Phase, &s.SignalTime, &s.Payload, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}
	return out, nil
}

// SaveOutcome records how a signal resolved. The first outcome per signal wins.
func (r *Repository) SaveOutcome(ctx context.Context, o *SignalOutcome) error {
	query := `
		INSERT INTO signal_outcomes (signal_id, instrument, raw_confidence, win, pnl, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (signal_id) DO NOTHING
		RETURNING id, created_at
	`
	err := r.db.Pool.QueryRow(ctx, query,
		o.SignalID, o.Instrument, o.RawConfidence, o.Win, o.PnL, o.RecordedAt,
	).Scan(&o.ID, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("signal %s: %w", o.SignalID, ErrDuplicateOutcome)
	}
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	return nil
}

// GetOutcomes returns outcomes recorded at or after since, oldest first
func (r *Repository) GetOutcomes(ctx context.Context, since time.Time, limit int) ([]SignalOutcome, error) {
	query := `
		SELECT id, signal_id, instrument, raw_confidence, win, pnl, recorded_at, created_at
		FROM (
			SELECT * FROM signal_outcomes
			WHERE recorded_at >= $1
			ORDER BY recorded_at DESC
			LIMIT $2
		) recent
		ORDER BY recorded_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, since, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	out := []SignalOutcome{}
	for rows.Next() {
		var o SignalOutcome
		if err := rows.Scan(&o.ID, &o.SignalID, &o.Instrument, &o.RawConfidence, &o.Win, &o.PnL, &o.RecordedAt, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}
	return out, nil
}

// ConfidenceBuckets groups outcomes since a time into raw-confidence bands
// of width step, for checking calibration against realised win rates
func (r *Repository) ConfidenceBuckets(ctx context.Context, since time.Time, step float64) ([]ConfidenceBucket, error) {
	if step <= 0 {
		step = 10
	}
	query := `
		SELECT FLOOR(raw_confidence / $2) * $2 AS lo,
			   COUNT(*),
			   COUNT(*) FILTER (WHERE win),
			   COALESCE(SUM(pnl), 0)
		FROM signal_outcomes
		WHERE recorded_at >= $1
		GROUP BY lo
		ORDER BY lo
	`
	rows, err := r.db.Pool.Query(ctx, query, since, step)
	if err != nil {
		return nil, fmt.Errorf("failed to query confidence buckets: %w", err)
	}
	defer rows.Close()

	out := []ConfidenceBucket{}
	for rows.Next() {
		var b ConfidenceBucket
		if err := rows.Scan(&b.MinConf, &b.Total, &b.Wins, &b.TotalPnL); err != nil {
			return nil, fmt.Errorf("failed to scan confidence bucket: %w", err)
		}
		b.MaxConf = b.MinConf + step
		if b.Total > 0 {
			b.WinRate = float64(b.Wins) / float64(b.Total) * 100
			b.AvgPnL = b.TotalPnL / float64(b.Total)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating confidence buckets: %w", err)
	}
	return out, nil
}
