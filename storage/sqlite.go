package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"payout-sync/domain"
)

// Schema creates the payout table. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS payout_records (
	subject_id        TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	previous_status   TEXT NOT NULL DEFAULT '',
	charges_enabled   INTEGER NOT NULL DEFAULT 0,
	payouts_enabled   INTEGER NOT NULL DEFAULT 0,
	details_submitted INTEGER NOT NULL DEFAULT 0,
	restricted        INTEGER NOT NULL DEFAULT 0,
	last_event_seq    INTEGER NOT NULL DEFAULT 0,
	version           INTEGER NOT NULL,
	status_version    INTEGER NOT NULL DEFAULT 0,
	published_version INTEGER NOT NULL DEFAULT 0,
	updated_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS payout_records_pending
	ON payout_records (subject_id) WHERE published_version < status_version;
`

const recordColumns = `subject_id, account_id, status, previous_status, charges_enabled, payouts_enabled,
	details_submitted, restricted, last_event_seq, version, status_version, published_version, updated_at`

// SQLStore keeps payout records in SQLite. The version column is the
// concurrency marker; updates only apply while it still matches.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens path (":memory:" for a private in-memory database) and
// applies the schema.
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; one connection also keeps :memory: shared
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.PayoutRecord, error) {
	var (
		rec              domain.PayoutRecord
		status, previous string
		updatedAt        string
	)
	err := row.Scan(&rec.SubjectID, &rec.AccountID, &status, &previous,
		&rec.ChargesEnabled, &rec.PayoutsEnabled, &rec.DetailsSubmitted, &rec.Restricted,
		&rec.LastEventSeq, &rec.Version, &rec.StatusVersion, &rec.PublishedVersion, &updatedAt)
	if err != nil {
		return rec, err
	}
	rec.Status = domain.PayoutStatus(status)
	rec.PreviousStatus = domain.PayoutStatus(previous)
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return rec, fmt.Errorf("updated_at of %s: %w", rec.SubjectID, err)
	}
	return rec, nil
}

func (s *SQLStore) Load(ctx context.Context, subjectID string) (domain.PayoutRecord, int64, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM payout_records WHERE subject_id = ?", subjectID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PayoutRecord{}, 0, fmt.Errorf("%w: %s", domain.ErrEntityNotFound, subjectID)
	}
	if err != nil {
		return domain.PayoutRecord{}, 0, sqlError(err)
	}
	return rec, rec.Version, nil
}

func (s *SQLStore) Commit(ctx context.Context, rec domain.PayoutRecord, expectedVersion int64) error {
	args := []any{
		rec.AccountID, string(rec.Status), string(rec.PreviousStatus),
		rec.ChargesEnabled, rec.PayoutsEnabled, rec.DetailsSubmitted, rec.Restricted,
		rec.LastEventSeq, rec.Version, rec.StatusVersion, rec.PublishedVersion,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	var (
		res sql.Result
		err error
	)
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `INSERT INTO payout_records (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (subject_id) DO NOTHING`, append([]any{rec.SubjectID}, args...)...)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE payout_records SET
			account_id = ?, status = ?, previous_status = ?, charges_enabled = ?, payouts_enabled = ?,
			details_submitted = ?, restricted = ?, last_event_seq = ?, version = ?, status_version = ?,
			published_version = ?, updated_at = ?
			WHERE subject_id = ? AND version = ?`, append(args, rec.SubjectID, expectedVersion)...)
	}
	if err != nil {
		return sqlError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sqlError(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s expected version %d", domain.ErrVersionConflict, rec.SubjectID, expectedVersion)
	}
	return nil
}

func (s *SQLStore) ListPendingPublish(ctx context.Context, limit int) ([]domain.PayoutRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+` FROM payout_records
		WHERE published_version < status_version ORDER BY updated_at LIMIT ?`, limit)
	if err != nil {
		return nil, sqlError(err)
	}
	defer rows.Close()
	var out []domain.PayoutRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, sqlError(err)
		}
		out = append(out, rec)
	}
	return out, sqlError(rows.Err())
}

func sqlError(err error) error {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
