// Package store persists ExecutionRecord rows in SQLite: the durable
// ledger the two-phase executor reads and writes on every state transition,
// surviving process restart.
//
// Schema changes go through a user_version-pragma migration runner rather
// than best-effort ALTER TABLE, so drift between code and schema fails
// loudly instead of being silently papered over.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"

	"bracketarb/pkg/types"
)

// Store is the sole writer of execution records; reads are live SELECTs,
// never a cached copy, so risk counters can never drift from disk.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers from one *sql.DB

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var userVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&userVersion); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= userVersion {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump user_version to %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// nullableString converts an empty Go string to a SQL NULL so queries like
// "leg_b_external_id IS NULL" behave as the exit-manager discovery query
// expects, rather than matching against the empty string.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Get fetches one execution record by ID. Returns (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, executionID string) (*types.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, slug, up_token, down_token, target_shares, state,
		       created_at, updated_at, leg_a_external_id, leg_b_external_id,
		       leg_a_raw_blob, leg_b_raw_blob, estimated_total_notional, backend_tag
		FROM executions WHERE execution_id = ?`, executionID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", executionID, err)
	}
	return rec, nil
}

// Upsert persists rec, setting CreatedAt on first insert and always
// refreshing UpdatedAt to now. Called on every state transition: the
// executor flushes to durable storage before issuing the next exchange
// call.
func (s *Store) Upsert(ctx context.Context, rec *types.ExecutionRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (
			execution_id, slug, up_token, down_token, target_shares, state,
			created_at, updated_at, leg_a_external_id, leg_b_external_id,
			leg_a_raw_blob, leg_b_raw_blob, estimated_total_notional, backend_tag
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at,
			leg_a_external_id = excluded.leg_a_external_id,
			leg_b_external_id = excluded.leg_b_external_id,
			leg_a_raw_blob = excluded.leg_a_raw_blob,
			leg_b_raw_blob = excluded.leg_b_raw_blob,
			estimated_total_notional = excluded.estimated_total_notional,
			backend_tag = excluded.backend_tag
		`,
		rec.ExecutionID, rec.Slug, rec.UpToken, rec.DownToken, rec.TargetShares.String(), string(rec.State),
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
		nullableString(rec.LegAExternalID), nullableString(rec.LegBExternalID),
		nullableString(rec.LegARawBlob), nullableString(rec.LegBRawBlob),
		rec.EstimatedTotalNotional.String(), nullableString(rec.BackendTag),
	)
	if err != nil {
		return fmt.Errorf("upsert execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// CountOpenNonTerminal implements the Risk Register's open-bracket cap
// check: executions not yet DONE or ABORTED.
func (s *Store) CountOpenNonTerminal(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions WHERE state NOT IN (?, ?)`,
		string(types.StateDone), string(types.StateAborted),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open executions: %w", err)
	}
	return count, nil
}

// SumEstimatedNotionalForUTCDay implements the Risk Register's daily cap
// check: the sum of estimated_total_notional across every execution (open
// or terminal) created on the given UTC calendar day.
func (s *Store) SumEstimatedNotionalForUTCDay(ctx context.Context, day time.Time) (decimal.Decimal, error) {
	dayPrefix := day.UTC().Format("2006-01-02")

	rows, err := s.db.QueryContext(ctx, `
		SELECT estimated_total_notional FROM executions
		WHERE substr(created_at, 1, 10) = ?`, dayPrefix)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum estimated notional for %s: %w", dayPrefix, err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("scan estimated notional: %w", err)
		}
		val, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse estimated notional %q: %w", raw, err)
		}
		sum = sum.Add(val)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("iterate estimated notional rows: %w", err)
	}
	return sum, nil
}

// HasOpenBySlug reports whether slug already has a non-terminal execution,
// backing the scanner's per-tick "skip brackets with an open position"
// filter.
func (s *Store) HasOpenBySlug(ctx context.Context, slug string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions WHERE slug = ? AND state NOT IN (?, ?)`,
		slug, string(types.StateDone), string(types.StateAborted),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check open execution for slug %s: %w", slug, err)
	}
	return count > 0, nil
}

// ListAbortedWithOpenLegA resolves Open Question 3: the minimal read-only
// surface an external exit manager needs to discover unhedged leg-A
// exposure, without this module depending on any exit-manager
// implementation.
func (s *Store) ListAbortedWithOpenLegA(ctx context.Context) ([]types.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, slug, up_token, down_token, target_shares, state,
		       created_at, updated_at, leg_a_external_id, leg_b_external_id,
		       leg_a_raw_blob, leg_b_raw_blob, estimated_total_notional, backend_tag
		FROM executions
		WHERE state = ? AND leg_a_external_id IS NOT NULL AND leg_b_external_id IS NULL`,
		string(types.StateAborted))
	if err != nil {
		return nil, fmt.Errorf("list aborted with open leg a: %w", err)
	}
	defer rows.Close()

	var out []types.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan aborted execution: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aborted executions: %w", err)
	}
	return out, nil
}

// ListResumable returns every record sitting in LEG_A_PLACED or
// LEG_B_PLACED: the set the executor must re-drive (via GetOrder, never a
// second PlaceLimit) on process start.
func (s *Store) ListResumable(ctx context.Context) ([]types.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, slug, up_token, down_token, target_shares, state,
		       created_at, updated_at, leg_a_external_id, leg_b_external_id,
		       leg_a_raw_blob, leg_b_raw_blob, estimated_total_notional, backend_tag
		FROM executions WHERE state IN (?, ?)`,
		string(types.StateLegAPlaced), string(types.StateLegBPlaced))
	if err != nil {
		return nil, fmt.Errorf("list resumable executions: %w", err)
	}
	defer rows.Close()

	var out []types.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resumable execution: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resumable executions: %w", err)
	}
	return out, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*types.ExecutionRecord, error) {
	var rec types.ExecutionRecord
	var targetShares, estimatedNotional string
	var createdAt, updatedAt string
	var legAExt, legBExt, legARaw, legBRaw, backendTag sql.NullString

	if err := row.Scan(
		&rec.ExecutionID, &rec.Slug, &rec.UpToken, &rec.DownToken, &targetShares, &rec.State,
		&createdAt, &updatedAt, &legAExt, &legBExt, &legARaw, &legBRaw, &estimatedNotional, &backendTag,
	); err != nil {
		return nil, err
	}

	shares, err := decimal.NewFromString(targetShares)
	if err != nil {
		return nil, fmt.Errorf("parse target_shares %q: %w", targetShares, err)
	}
	notional, err := decimal.NewFromString(estimatedNotional)
	if err != nil {
		return nil, fmt.Errorf("parse estimated_total_notional %q: %w", estimatedNotional, err)
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
	}

	rec.TargetShares = shares
	rec.EstimatedTotalNotional = notional
	rec.CreatedAt = created
	rec.UpdatedAt = updated
	rec.LegAExternalID = legAExt.String
	rec.LegBExternalID = legBExt.String
	rec.LegARawBlob = legARaw.String
	rec.LegBRawBlob = legBRaw.String
	rec.BackendTag = backendTag.String
	return &rec, nil
}
