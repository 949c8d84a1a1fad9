package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists dispute data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the disputes table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS disputes (
			id                VARCHAR(36) PRIMARY KEY,
			escrow_id         VARCHAR(36) NOT NULL,
			booking_id        VARCHAR(36) NOT NULL,
			payer_id          VARCHAR(36) NOT NULL,
			provider_id       VARCHAR(36) NOT NULL,
			opened_by         VARCHAR(36) NOT NULL,
			reason            TEXT NOT NULL,
			evidence          JSONB NOT NULL DEFAULT '[]',
			status            VARCHAR(16) NOT NULL,
			outcome           VARCHAR(16),
			provider_share    DOUBLE PRECISION,
			resolved_by       VARCHAR(36),
			resolution_note   TEXT,
			suggested_outcome VARCHAR(16),
			created_at        TIMESTAMPTZ NOT NULL,
			resolved_at       TIMESTAMPTZ
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_open_escrow
			ON disputes(escrow_id) WHERE status = 'open';
		CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status, created_at);
	`)
	return err
}

const disputeColumns = `id, escrow_id, booking_id, payer_id, provider_id, opened_by, reason,
		       evidence, status, COALESCE(outcome, ''), COALESCE(provider_share, 0),
		       COALESCE(resolved_by, ''), COALESCE(resolution_note, ''),
		       COALESCE(suggested_outcome, ''), created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	evidenceJSON, _ := json.Marshal(d.Evidence)
	if d.Evidence == nil {
		evidenceJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, booking_id, payer_id, provider_id, opened_by, reason,
			evidence, status, outcome, provider_share, resolved_by, resolution_note,
			suggested_outcome, created_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, NULLIF($10, ''), $11, NULLIF($12, ''), NULLIF($13, ''),
			NULLIF($14, ''), $15, $16
		)`,
		d.ID, d.EscrowID, d.BookingID, d.PayerID, d.ProviderID, d.OpenedBy, d.Reason,
		evidenceJSON, d.Status, d.Outcome, d.ProviderShare, d.ResolvedBy, d.ResolutionNote,
		d.SuggestedOutcome, d.CreatedAt, nullTime(d.ResolvedAt),
	)
	if isUniqueViolation(err) {
		// Partial unique index: at most one open dispute per escrow.
		return ErrAlreadyOpen
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 AND status = 'open'`, escrowID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	evidenceJSON, _ := json.Marshal(d.Evidence)
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			evidence = $1, status = $2, outcome = NULLIF($3, ''),
			provider_share = $4, resolved_by = NULLIF($5, ''),
			resolution_note = NULLIF($6, ''), resolved_at = $7
		WHERE id = $8`,
		evidenceJSON, d.Status, d.Outcome, d.ProviderShare, d.ResolvedBy,
		d.ResolutionNote, nullTime(d.ResolvedAt), d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'open'
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(row scanner) (*Dispute, error) {
	d := &Dispute{}
	var evidenceJSON []byte
	var resolvedAt sql.NullTime

	err := row.Scan(&d.ID, &d.EscrowID, &d.BookingID, &d.PayerID, &d.ProviderID, &d.OpenedBy,
		&d.Reason, &evidenceJSON, &d.Status, &d.Outcome, &d.ProviderShare,
		&d.ResolvedBy, &d.ResolutionNote, &d.SuggestedOutcome, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &d.Evidence)
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
