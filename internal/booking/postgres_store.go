package booking

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists booking data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the bookings table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bookings (
			id           VARCHAR(36) PRIMARY KEY,
			customer_id  VARCHAR(36) NOT NULL,
			provider_id  VARCHAR(36) NOT NULL,
			service      TEXT NOT NULL,
			amount       BIGINT NOT NULL CHECK (amount > 0),
			scheduled_at TIMESTAMPTZ,
			status       VARCHAR(16) NOT NULL,
			escrow_id    VARCHAR(36),
			rating       SMALLINT NOT NULL DEFAULT 0,
			cancel_note  TEXT,
			completed_at TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_escrow
			ON bookings(escrow_id) WHERE escrow_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_bookings_customer ON bookings(customer_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_bookings_provider ON bookings(provider_id, created_at DESC);
	`)
	return err
}

const bookingColumns = `id, customer_id, provider_id, service, amount, scheduled_at, status,
		       COALESCE(escrow_id, ''), rating, COALESCE(cancel_note, ''),
		       completed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings (
			id, customer_id, provider_id, service, amount, scheduled_at, status,
			escrow_id, rating, cancel_note, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			NULLIF($8, ''), $9, NULLIF($10, ''), $11, $12, $13
		)`,
		b.ID, b.CustomerID, b.ProviderID, b.Service, b.Amount, nullTime(b.ScheduledAt), b.Status,
		b.EscrowID, b.Rating, b.CancelNote, nullTime(b.CompletedAt), b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, ErrBookingNotFound
	}
	return b, err
}

func (p *PostgresStore) GetByEscrow(ctx context.Context, escrowID string) (*Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE escrow_id = $1`, escrowID)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, ErrBookingNotFound
	}
	return b, err
}

func (p *PostgresStore) Update(ctx context.Context, b *Booking) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET
			status = $1, escrow_id = NULLIF($2, ''), rating = $3,
			cancel_note = NULLIF($4, ''), completed_at = $5, updated_at = $6
		WHERE id = $7`,
		b.Status, b.EscrowID, b.Rating, b.CancelNote, nullTime(b.CompletedAt), b.UpdatedAt, b.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBookingNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE customer_id = $1 OR provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountCompleted(ctx context.Context, customerID, providerID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bookings
		WHERE customer_id = $1 AND provider_id = $2 AND status = 'completed'`,
		customerID, providerID).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(row scanner) (*Booking, error) {
	b := &Booking{}
	var scheduledAt, completedAt sql.NullTime

	err := row.Scan(&b.ID, &b.CustomerID, &b.ProviderID, &b.Service, &b.Amount, &scheduledAt,
		&b.Status, &b.EscrowID, &b.Rating, &b.CancelNote, &completedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if scheduledAt.Valid {
		b.ScheduledAt = &scheduledAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	return b, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
