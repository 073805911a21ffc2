package anchor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/tx"
)

// PostgresStore persists anchor receipts. The primary key on version_id
// enforces the one-receipt-per-version rule.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const receiptColumns = `version_id, user_id, plan_hash, anchor_id, status,
external_url, attempt_count, submitted_at, confirmed_at`

func (s *PostgresStore) Insert(ctx context.Context, r *Receipt) error {
	q := tx.Resolve(ctx, s.db)
	_, err := q.ExecContext(ctx, `
INSERT INTO anchor_receipts
    (version_id, user_id, plan_hash, anchor_id, status,
     external_url, attempt_count, submitted_at, confirmed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.VersionID.String(), r.UserID.String(), r.PlanHash, r.AnchorID, string(r.Status),
		r.ExternalURL, r.AttemptCount, r.SubmittedAt, nullableTime(r.ConfirmedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert anchor receipt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByVersion(ctx context.Context, versionID id.VersionID) (*Receipt, error) {
	return s.queryOne(ctx,
		fmt.Sprintf(`SELECT %s FROM anchor_receipts WHERE version_id = $1`, receiptColumns),
		versionID.String())
}

func (s *PostgresStore) Update(ctx context.Context, r *Receipt) error {
	q := tx.Resolve(ctx, s.db)
	_, err := q.ExecContext(ctx, `
UPDATE anchor_receipts SET
    anchor_id = $1, status = $2, external_url = $3,
    attempt_count = $4, confirmed_at = $5
WHERE version_id = $6`,
		r.AnchorID, string(r.Status), r.ExternalURL,
		r.AttemptCount, nullableTime(r.ConfirmedAt), r.VersionID.String())
	if err != nil {
		return fmt.Errorf("update anchor receipt: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]Receipt, error) {
	q := tx.Resolve(ctx, s.db)
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM anchor_receipts WHERE status = 'pending' ORDER BY submitted_at`, receiptColumns))
	if err != nil {
		return nil, fmt.Errorf("list pending receipts: %w", err)
	}
	defer rows.Close()

	var out []Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*Receipt, error) {
	q := tx.Resolve(ctx, s.db)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query anchor receipt: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	r, err := scanReceipt(rows)
	if err != nil {
		return nil, err
	}
	return r, rows.Err()
}

func scanReceipt(rows *sql.Rows) (*Receipt, error) {
	var (
		r                 Receipt
		versionID, userID string
		status            string
		confirmedAt       sql.NullTime
	)
	err := rows.Scan(&versionID, &userID, &r.PlanHash, &r.AnchorID, &status,
		&r.ExternalURL, &r.AttemptCount, &r.SubmittedAt, &confirmedAt)
	if err != nil {
		return nil, fmt.Errorf("scan anchor receipt: %w", err)
	}

	if r.VersionID, err = id.ParseVersionID(versionID); err != nil {
		return nil, err
	}
	r.UserID = id.UserID(userID)
	r.Status = Status(status)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		r.ConfirmedAt = &t
	}
	return &r, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
