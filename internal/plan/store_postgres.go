package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	id "heirloom/pkg/domain"
	"heirloom/pkg/platform/tx"
)

// PostgresStore persists plan versions. Versions are immutable apart from
// the status column, which only ever moves forward.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const versionColumns = `version_id, user_id, version_number, source_proposal_id,
answers_snapshot, artifacts, plan_hash, status, created_at, activated_at`

func (s *PostgresStore) Insert(ctx context.Context, v *Version) error {
	answers, err := json.Marshal(v.AnswersSnapshot)
	if err != nil {
		return fmt.Errorf("marshal answers snapshot: %w", err)
	}
	artifacts, err := json.Marshal(v.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}

	var proposalID sql.NullString
	if v.SourceProposalID != nil {
		proposalID = sql.NullString{String: v.SourceProposalID.String(), Valid: true}
	}

	q := tx.Resolve(ctx, s.db)
	_, err = q.ExecContext(ctx, `
INSERT INTO plan_versions
    (version_id, user_id, version_number, source_proposal_id,
     answers_snapshot, artifacts, plan_hash, status, created_at, activated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID.String(), v.UserID.String(), v.VersionNumber, proposalID,
		answers, artifacts, v.PlanHash, string(v.Status), v.CreatedAt, nullableTime(v.ActivatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert plan version: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, versionID id.VersionID) (*Version, error) {
	return s.queryOne(ctx,
		fmt.Sprintf(`SELECT %s FROM plan_versions WHERE version_id = $1`, versionColumns),
		versionID.String())
}

func (s *PostgresStore) GetByProposal(ctx context.Context, proposalID id.ProposalID) (*Version, error) {
	return s.queryOne(ctx,
		fmt.Sprintf(`SELECT %s FROM plan_versions WHERE source_proposal_id = $1`, versionColumns),
		proposalID.String())
}

func (s *PostgresStore) CurrentByUser(ctx context.Context, userID id.UserID) (*Version, error) {
	return s.queryOne(ctx,
		fmt.Sprintf(`SELECT %s FROM plan_versions WHERE user_id = $1 AND status = 'current'`, versionColumns),
		userID.String())
}

func (s *PostgresStore) MaxVersionNumber(ctx context.Context, userID id.UserID) (int, error) {
	q := tx.Resolve(ctx, s.db)
	var max int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM plan_versions WHERE user_id = $1`,
		userID.String()).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max version number: %w", err)
	}
	return max, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, versionID id.VersionID, from, to Status, activatedAt *time.Time) error {
	q := tx.Resolve(ctx, s.db)
	res, err := q.ExecContext(ctx, `
UPDATE plan_versions SET status = $1, activated_at = COALESCE($2, activated_at)
WHERE version_id = $3 AND status = $4`,
		string(to), nullableTime(activatedAt), versionID.String(), string(from))
	if err != nil {
		return fmt.Errorf("update version status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update version status: %w", err)
	}
	if affected == 0 {
		return ErrStale
	}
	return nil
}

func (s *PostgresStore) ListDrafts(ctx context.Context) ([]Version, error) {
	q := tx.Resolve(ctx, s.db)
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM plan_versions WHERE status = 'draft' ORDER BY created_at`, versionColumns))
	if err != nil {
		return nil, fmt.Errorf("list draft versions: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteDraft(ctx context.Context, versionID id.VersionID) error {
	q := tx.Resolve(ctx, s.db)
	_, err := q.ExecContext(ctx,
		`DELETE FROM plan_versions WHERE version_id = $1 AND status = 'draft'`,
		versionID.String())
	if err != nil {
		return fmt.Errorf("delete draft version: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (*Version, error) {
	q := tx.Resolve(ctx, s.db)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query plan version: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	v, err := scanVersion(rows)
	if err != nil {
		return nil, err
	}
	return v, rows.Err()
}

func scanVersion(rows *sql.Rows) (*Version, error) {
	var (
		v                  Version
		versionID, userID  string
		proposalID         sql.NullString
		answers, artifacts []byte
		status             string
		activatedAt        sql.NullTime
	)
	err := rows.Scan(&versionID, &userID, &v.VersionNumber, &proposalID,
		&answers, &artifacts, &v.PlanHash, &status, &v.CreatedAt, &activatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan plan version: %w", err)
	}

	if v.ID, err = id.ParseVersionID(versionID); err != nil {
		return nil, err
	}
	v.UserID = id.UserID(userID)
	v.Status = Status(status)
	if proposalID.Valid {
		pid, err := id.ParseProposalID(proposalID.String)
		if err != nil {
			return nil, err
		}
		v.SourceProposalID = &pid
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &v.AnswersSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal answers snapshot: %w", err)
		}
	}
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &v.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal artifacts: %w", err)
		}
	}
	if activatedAt.Valid {
		t := activatedAt.Time
		v.ActivatedAt = &t
	}
	return &v, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
