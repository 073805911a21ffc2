package trigger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/tx"
)

// PostgresStore persists triggers. A unique index on (user_id, dedup_key)
// enforces idempotent ingestion at the engine level.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (s *PostgresStore) Insert(ctx context.Context, t *Trigger) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}

	q := tx.Resolve(ctx, s.db)
	_, err = q.ExecContext(ctx, `
INSERT INTO triggers (trigger_id, user_id, kind, subkind, payload, observed_at, dedup_key, impact)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID.String(), t.UserID.String(), string(t.Kind), t.Subkind,
		payload, t.ObservedAt, t.DedupKey, string(t.Impact),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("insert trigger: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, triggerID id.TriggerID) (*Trigger, error) {
	q := tx.Resolve(ctx, s.db)
	return scanTrigger(q.QueryRowContext(ctx, `
SELECT trigger_id, user_id, kind, subkind, payload, observed_at, dedup_key, impact
FROM triggers WHERE trigger_id = $1`, triggerID.String()))
}

func (s *PostgresStore) GetByDedupKey(ctx context.Context, userID id.UserID, dedupKey string) (*Trigger, error) {
	q := tx.Resolve(ctx, s.db)
	return scanTrigger(q.QueryRowContext(ctx, `
SELECT trigger_id, user_id, kind, subkind, payload, observed_at, dedup_key, impact
FROM triggers WHERE user_id = $1 AND dedup_key = $2`, userID.String(), dedupKey))
}

func scanTrigger(row *sql.Row) (*Trigger, error) {
	var (
		t                    Trigger
		triggerID, userID    string
		kind, impact         string
		payload              []byte
	)
	err := row.Scan(&triggerID, &userID, &kind, &t.Subkind, &payload, &t.ObservedAt, &t.DedupKey, &impact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan trigger: %w", err)
	}

	parsed, err := id.ParseTriggerID(triggerID)
	if err != nil {
		return nil, err
	}
	t.ID = parsed
	t.UserID = id.UserID(userID)
	t.Kind = Kind(kind)
	t.Impact = Impact(impact)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal trigger payload: %w", err)
		}
	}
	return &t, nil
}
