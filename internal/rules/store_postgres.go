package rules

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/tx"
)

// PostgresStore keeps rule revisions in an append-only table. The current
// revision of a key is its maximum revision_id.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const ruleColumns = `state, doc_type, notarisation_required, witnesses_required,
remote_notary_allowed, esign_allowed, recording_supported, pet_trust_allowed,
citations, effective_at, revision_id, updated_at`

func (s *PostgresStore) GetCurrent(ctx context.Context, key Key) (*Rule, error) {
	q := tx.Resolve(ctx, s.db)
	row := q.QueryRowContext(ctx, fmt.Sprintf(`
SELECT %s FROM rule_revisions
WHERE state = $1 AND doc_type = $2
ORDER BY revision_id DESC
LIMIT 1`, ruleColumns), key.State.String(), key.DocType.String())
	return scanRule(row)
}

func (s *PostgresStore) GetRevision(ctx context.Context, key Key, revisionID int64) (*Rule, error) {
	q := tx.Resolve(ctx, s.db)
	row := q.QueryRowContext(ctx, fmt.Sprintf(`
SELECT %s FROM rule_revisions
WHERE state = $1 AND doc_type = $2 AND revision_id = $3`, ruleColumns),
		key.State.String(), key.DocType.String(), revisionID)
	return scanRule(row)
}

func (s *PostgresStore) Insert(ctx context.Context, rule *Rule) error {
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now()
	}
	q := tx.Resolve(ctx, s.db)
	_, err := q.ExecContext(ctx, `
INSERT INTO rule_revisions
    (state, doc_type, notarisation_required, witnesses_required,
     remote_notary_allowed, esign_allowed, recording_supported, pet_trust_allowed,
     citations, effective_at, revision_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rule.Key.State.String(), rule.Key.DocType.String(),
		rule.NotarisationRequired, rule.WitnessesRequired,
		rule.RemoteNotaryAllowed, rule.EsignAllowed,
		rule.RecordingSupported, rule.PetTrustAllowed,
		pq.Array(rule.Citations), nullableTime(rule.EffectiveAt),
		rule.RevisionID, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rule revision: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCurrentByState(ctx context.Context, state id.StateCode) ([]Rule, error) {
	q := tx.Resolve(ctx, s.db)
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
SELECT DISTINCT ON (doc_type) %s
FROM rule_revisions
WHERE state = $1
ORDER BY doc_type, revision_id DESC`, ruleColumns), state.String())
	if err != nil {
		return nil, fmt.Errorf("list rules by state: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		rule, err := scanRuleRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row *sql.Row) (*Rule, error) {
	rule, err := scanRuleRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rule, err
}

func scanRuleRow(row rowScanner) (*Rule, error) {
	var (
		rule        Rule
		state, doc  string
		citations   pq.StringArray
		effectiveAt sql.NullTime
	)
	err := row.Scan(&state, &doc,
		&rule.NotarisationRequired, &rule.WitnessesRequired,
		&rule.RemoteNotaryAllowed, &rule.EsignAllowed,
		&rule.RecordingSupported, &rule.PetTrustAllowed,
		&citations, &effectiveAt, &rule.RevisionID, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.Key = Key{State: id.StateCode(state), DocType: id.DocType(doc)}
	rule.Citations = []string(citations)
	if effectiveAt.Valid {
		t := effectiveAt.Time
		rule.EffectiveAt = &t
	}
	return &rule, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
