package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrows table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrows (
			id               VARCHAR(36) PRIMARY KEY,
			booking_id       VARCHAR(36) NOT NULL,
			payer_id         VARCHAR(36) NOT NULL,
			provider_id      VARCHAR(36) NOT NULL,
			amount           BIGINT NOT NULL,
			state            VARCHAR(16) NOT NULL,
			history          JSONB NOT NULL DEFAULT '[]',
			auto_release_at  TIMESTAMPTZ,
			delivered_at     TIMESTAMPTZ,
			resolved_at      TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			CONSTRAINT chk_escrow_amount_positive CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_escrows_booking ON escrows(booking_id);
		CREATE INDEX IF NOT EXISTS idx_escrows_payer ON escrows(payer_id);
		CREATE INDEX IF NOT EXISTS idx_escrows_provider ON escrows(provider_id);
		CREATE INDEX IF NOT EXISTS idx_escrows_expiry
			ON escrows(auto_release_at) WHERE state = 'delivered';
	`)
	return err
}

const escrowColumns = `id, booking_id, payer_id, provider_id, amount, state, history,
		       auto_release_at, delivered_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	historyJSON, _ := json.Marshal(e.History)
	if e.History == nil {
		historyJSON = []byte("[]")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.BookingID, e.PayerID, e.ProviderID, e.Amount, string(e.State), historyJSON,
		nullTime(e.AutoReleaseAt), nullTime(e.DeliveredAt), nullTime(e.ResolvedAt),
		e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	historyJSON, _ := json.Marshal(e.History)
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, history = $2, auto_release_at = $3,
			delivered_at = $4, resolved_at = $5, updated_at = $6
		WHERE id = $7`,
		string(e.State), historyJSON, nullTime(e.AutoReleaseAt),
		nullTime(e.DeliveredAt), nullTime(e.ResolvedAt), e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE payer_id = $1 OR provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE state = 'delivered' AND auto_release_at <= $1
		ORDER BY auto_release_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEscrows(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(row scanner) (*Escrow, error) {
	e := &Escrow{}
	var state string
	var historyJSON []byte
	var autoReleaseAt, deliveredAt, resolvedAt sql.NullTime

	err := row.Scan(&e.ID, &e.BookingID, &e.PayerID, &e.ProviderID, &e.Amount, &state, &historyJSON,
		&autoReleaseAt, &deliveredAt, &resolvedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.State = State(state)
	if len(historyJSON) > 0 {
		_ = json.Unmarshal(historyJSON, &e.History)
	}
	if autoReleaseAt.Valid {
		e.AutoReleaseAt = &autoReleaseAt.Time
	}
	if deliveredAt.Valid {
		e.DeliveredAt = &deliveredAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
