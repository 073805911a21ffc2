package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/tx"
)

// PostgresStore persists audit entries in PostgreSQL. Entry IDs are assigned
// per user from the existing maximum; the engine's per-user locking keeps
// that race-free.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const appendEntrySQL = `
INSERT INTO audit_entries
    (user_id, entry_id, occurred_at, actor, action, subject_kind, subject_id, before_state, after_state, notes)
VALUES
    ($1, (SELECT COALESCE(MAX(entry_id), 0) + 1 FROM audit_entries WHERE user_id = $1),
     $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING entry_id`

func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	before, err := marshalState(entry.Before)
	if err != nil {
		return fmt.Errorf("marshal before state: %w", err)
	}
	after, err := marshalState(entry.After)
	if err != nil {
		return fmt.Errorf("marshal after state: %w", err)
	}

	q := tx.Resolve(ctx, s.db)
	err = q.QueryRowContext(ctx, appendEntrySQL,
		entry.UserID.String(), entry.OccurredAt, string(entry.Actor), string(entry.Action),
		string(entry.Subject.Kind), entry.Subject.ID, before, after, entry.Notes,
	).Scan(&entry.EntryID)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, userID id.UserID, query Query) ([]Entry, error) {
	sb := strings.Builder{}
	sb.WriteString(`
SELECT entry_id, occurred_at, actor, action, subject_kind, subject_id, before_state, after_state, notes
FROM audit_entries
WHERE user_id = $1 AND entry_id > $2`)
	args := []any{userID.String(), query.SinceEntryID}
	if len(query.Actions) > 0 {
		sb.WriteString(" AND action = ANY($3)")
		actions := make([]string, len(query.Actions))
		for i, a := range query.Actions {
			actions[i] = string(a)
		}
		args = append(args, pq.Array(actions))
	}
	sb.WriteString(" ORDER BY entry_id")

	q := tx.Resolve(ctx, s.db)
	rows, err := q.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows, userID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

const lastBySubjectSQL = `
SELECT entry_id, occurred_at, actor, action, subject_kind, subject_id, before_state, after_state, notes
FROM audit_entries
WHERE user_id = $1 AND action = $2 AND subject_kind = $3 AND subject_id = $4
ORDER BY entry_id DESC
LIMIT 1`

func (s *PostgresStore) LastBySubject(ctx context.Context, userID id.UserID, action Action, subject SubjectRef) (*Entry, error) {
	q := tx.Resolve(ctx, s.db)
	rows, err := q.QueryContext(ctx, lastBySubjectSQL,
		userID.String(), string(action), string(subject.Kind), subject.ID)
	if err != nil {
		return nil, fmt.Errorf("query last audit entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	entry, err := scanEntry(rows, userID)
	if err != nil {
		return nil, err
	}
	return &entry, rows.Err()
}

func scanEntry(rows *sql.Rows, userID id.UserID) (Entry, error) {
	var (
		entry         Entry
		actor, action string
		kind          string
		before, after []byte
	)
	entry.UserID = userID
	err := rows.Scan(&entry.EntryID, &entry.OccurredAt, &actor, &action,
		&kind, &entry.Subject.ID, &before, &after, &entry.Notes)
	if err != nil {
		return Entry{}, fmt.Errorf("scan audit entry: %w", err)
	}
	entry.Actor = Actor(actor)
	entry.Action = Action(action)
	entry.Subject.Kind = SubjectKind(kind)
	if entry.Before, err = unmarshalState(before); err != nil {
		return Entry{}, err
	}
	if entry.After, err = unmarshalState(after); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func marshalState(state map[string]any) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	return json.Marshal(state)
}

func unmarshalState(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var state map[string]any
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal audit state: %w", err)
	}
	return state, nil
}
