package gamification

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists rewards in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed reward store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the xp_awards and provider_scores tables
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS xp_awards (
			escrow_id     VARCHAR(36) PRIMARY KEY,
			provider_id   VARCHAR(36) NOT NULL,
			xp            BIGINT NOT NULL,
			amount        BIGINT NOT NULL,
			rating        SMALLINT NOT NULL DEFAULT 0,
			repeat_client BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_xp_awards_provider
			ON xp_awards(provider_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS provider_scores (
			provider_id    VARCHAR(36) PRIMARY KEY,
			xp             BIGINT NOT NULL DEFAULT 0,
			total_earnings BIGINT NOT NULL DEFAULT 0,
			lifetime_jobs  BIGINT NOT NULL DEFAULT 0,
			rating_sum     BIGINT NOT NULL DEFAULT 0,
			rating_count   BIGINT NOT NULL DEFAULT 0,
			updated_at     TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_provider_scores_xp ON provider_scores(xp DESC);
	`)
	return err
}

// RecordAward appends the award and bumps the score rollup in one
// transaction. The award's primary key makes replays no-ops.
func (p *PostgresStore) RecordAward(ctx context.Context, award *Award) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO xp_awards (escrow_id, provider_id, xp, amount, rating, repeat_client, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (escrow_id) DO NOTHING`,
		award.EscrowID, award.ProviderID, award.XP, award.Amount,
		award.Rating, award.RepeatClient, award.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	var ratingSum, ratingCount int64
	if award.Rating > 0 {
		ratingSum = int64(award.Rating)
		ratingCount = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO provider_scores (provider_id, xp, total_earnings, lifetime_jobs, rating_sum, rating_count, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, $6)
		ON CONFLICT (provider_id) DO UPDATE SET
			xp = provider_scores.xp + EXCLUDED.xp,
			total_earnings = provider_scores.total_earnings + EXCLUDED.total_earnings,
			lifetime_jobs = provider_scores.lifetime_jobs + 1,
			rating_sum = provider_scores.rating_sum + EXCLUDED.rating_sum,
			rating_count = provider_scores.rating_count + EXCLUDED.rating_count,
			updated_at = EXCLUDED.updated_at`,
		award.ProviderID, award.XP, award.Amount, ratingSum, ratingCount, award.CreatedAt,
	); err != nil {
		return false, fmt.Errorf("failed to update score rollup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

const scoreColumns = `provider_id, xp, total_earnings, lifetime_jobs, rating_sum, rating_count, updated_at`

func (p *PostgresStore) GetScore(ctx context.Context, providerID string) (*Score, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+scoreColumns+` FROM provider_scores WHERE provider_id = $1`, providerID)
	score, err := scanScore(row)
	if err == sql.ErrNoRows {
		return nil, ErrScoreNotFound
	}
	return score, err
}

func (p *PostgresStore) TopScores(ctx context.Context, limit int) ([]*Score, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+scoreColumns+` FROM provider_scores
		ORDER BY xp DESC, provider_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Score
	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, score)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListAwards(ctx context.Context, providerID string, limit int) ([]*Award, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT escrow_id, provider_id, xp, amount, rating, repeat_client, created_at
		FROM xp_awards
		WHERE provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, providerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Award
	for rows.Next() {
		a := &Award{}
		if err := rows.Scan(&a.EscrowID, &a.ProviderID, &a.XP, &a.Amount,
			&a.Rating, &a.RepeatClient, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScore(row scanner) (*Score, error) {
	s := &Score{}
	err := row.Scan(&s.ProviderID, &s.XP, &s.TotalEarnings, &s.LifetimeJobs,
		&s.RatingSum, &s.RatingCount, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}
