package proposal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/tx"
)

// PostgresStore persists proposals. State updates are guarded by the
// expected current state, giving optimistic concurrency without a separate
// version column.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const proposalColumns = `proposal_id, user_id, trigger_id, trigger_subkind, state, severity,
title, description, affected_doc_types, required_changes, legal_basis,
created_at, deadline, resolved_at, resolution_note`

func (s *PostgresStore) Insert(ctx context.Context, p *Proposal) error {
	changes, err := json.Marshal(p.RequiredChanges)
	if err != nil {
		return fmt.Errorf("marshal required changes: %w", err)
	}
	q := tx.Resolve(ctx, s.db)
	_, err = q.ExecContext(ctx, `
INSERT INTO proposals
    (proposal_id, user_id, trigger_id, trigger_subkind, state, severity,
     title, description, affected_doc_types, required_changes, legal_basis,
     created_at, deadline, resolved_at, resolution_note)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID.String(), p.UserID.String(), p.TriggerID.String(), p.TriggerSubkind,
		string(p.State), string(p.Severity), p.Title, p.Description,
		pq.Array(docTypeStrings(p.AffectedDocTypes)), changes, pq.Array(p.LegalBasis),
		p.CreatedAt, nullableTime(p.Deadline), nullableTime(p.ResolvedAt), p.ResolutionNote,
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, proposalID id.ProposalID) (*Proposal, error) {
	q := tx.Resolve(ctx, s.db)
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM proposals WHERE proposal_id = $1`, proposalColumns), proposalID.String())
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	defer rows.Close()
	return scanOne(rows)
}

func (s *PostgresStore) Update(ctx context.Context, p *Proposal, expectedState State) error {
	changes, err := json.Marshal(p.RequiredChanges)
	if err != nil {
		return fmt.Errorf("marshal required changes: %w", err)
	}
	q := tx.Resolve(ctx, s.db)
	res, err := q.ExecContext(ctx, `
UPDATE proposals SET
    state = $1, severity = $2, title = $3, description = $4,
    affected_doc_types = $5, required_changes = $6, legal_basis = $7,
    deadline = $8, resolved_at = $9, resolution_note = $10
WHERE proposal_id = $11 AND state = $12`,
		string(p.State), string(p.Severity), p.Title, p.Description,
		pq.Array(docTypeStrings(p.AffectedDocTypes)), changes, pq.Array(p.LegalBasis),
		nullableTime(p.Deadline), nullableTime(p.ResolvedAt), p.ResolutionNote,
		p.ID.String(), string(expectedState),
	)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	if affected == 0 {
		return ErrStale
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID id.UserID, states []State) ([]Proposal, error) {
	query := fmt.Sprintf(`SELECT %s FROM proposals WHERE user_id = $1`, proposalColumns)
	args := []any{userID.String()}
	if len(states) > 0 {
		query += ` AND state = ANY($2)`
		stateStrings := make([]string, len(states))
		for i, st := range states {
			stateStrings[i] = string(st)
		}
		args = append(args, pq.Array(stateStrings))
	}
	query += ` ORDER BY created_at DESC`

	q := tx.Resolve(ctx, s.db)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *PostgresStore) FindPendingMatch(ctx context.Context, userID id.UserID, subkind string, docTypes []id.DocType) (*Proposal, error) {
	normalized := NormalizeDocTypes(docTypes)
	q := tx.Resolve(ctx, s.db)
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
SELECT %s FROM proposals
WHERE user_id = $1 AND state = 'pending' AND trigger_subkind = $2 AND affected_doc_types = $3`,
		proposalColumns),
		userID.String(), subkind, pq.Array(docTypeStrings(normalized)))
	if err != nil {
		return nil, fmt.Errorf("find pending match: %w", err)
	}
	defer rows.Close()
	return scanOne(rows)
}

func (s *PostgresStore) LastCreatedAt(ctx context.Context, userID id.UserID) (*time.Time, error) {
	q := tx.Resolve(ctx, s.db)
	var created time.Time
	err := q.QueryRowContext(ctx,
		`SELECT created_at FROM proposals WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`,
		userID.String()).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last proposal created_at: %w", err)
	}
	return &created, nil
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time) ([]Proposal, error) {
	q := tx.Resolve(ctx, s.db)
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
SELECT %s FROM proposals
WHERE state = 'pending' AND deadline IS NOT NULL AND deadline < $1
ORDER BY created_at`, proposalColumns), now)
	if err != nil {
		return nil, fmt.Errorf("list expired proposals: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanOne(rows *sql.Rows) (*Proposal, error) {
	if !rows.Next() {
		return nil, rows.Err()
	}
	p, err := scanProposal(rows)
	if err != nil {
		return nil, err
	}
	return p, rows.Err()
}

func scanAll(rows *sql.Rows) ([]Proposal, error) {
	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanProposal(rows *sql.Rows) (*Proposal, error) {
	var (
		p                              Proposal
		proposalID, userID, triggerID  string
		state, severity                string
		docTypes                       pq.StringArray
		changes                        []byte
		legalBasis                     pq.StringArray
		deadline, resolvedAt           sql.NullTime
	)
	err := rows.Scan(&proposalID, &userID, &triggerID, &p.TriggerSubkind, &state, &severity,
		&p.Title, &p.Description, &docTypes, &changes, &legalBasis,
		&p.CreatedAt, &deadline, &resolvedAt, &p.ResolutionNote)
	if err != nil {
		return nil, fmt.Errorf("scan proposal: %w", err)
	}

	if p.ID, err = id.ParseProposalID(proposalID); err != nil {
		return nil, err
	}
	if p.TriggerID, err = id.ParseTriggerID(triggerID); err != nil {
		return nil, err
	}
	p.UserID = id.UserID(userID)
	p.State = State(state)
	p.Severity = Severity(severity)
	p.AffectedDocTypes = make([]id.DocType, len(docTypes))
	for i, d := range docTypes {
		p.AffectedDocTypes[i] = id.DocType(d)
	}
	p.LegalBasis = []string(legalBasis)
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &p.RequiredChanges); err != nil {
			return nil, fmt.Errorf("unmarshal required changes: %w", err)
		}
	}
	if deadline.Valid {
		t := deadline.Time
		p.Deadline = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	return &p, nil
}

func docTypeStrings(docTypes []id.DocType) []string {
	out := make([]string, len(docTypes))
	for i, d := range docTypes {
		out[i] = d.String()
	}
	return out
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
