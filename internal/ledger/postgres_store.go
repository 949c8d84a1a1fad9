package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"

	"github.com/lib/pq"

	"github.com/nexusmarket/nexus/internal/idgen"
	"github.com/nexusmarket/nexus/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id            VARCHAR(36) PRIMARY KEY,
			display_name  VARCHAR(255) NOT NULL,
			role          VARCHAR(16) NOT NULL,
			archived      BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS balances (
			account_id  VARCHAR(36) PRIMARY KEY REFERENCES accounts(id),
			available   BIGINT NOT NULL DEFAULT 0,
			held        BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_available_nonneg CHECK (available >= 0),
			CONSTRAINT chk_held_nonneg      CHECK (held >= 0)
		);

		CREATE TABLE IF NOT EXISTS postings (
			id               VARCHAR(36) PRIMARY KEY,
			txn_id           VARCHAR(36) NOT NULL,
			account_id       VARCHAR(36) NOT NULL REFERENCES accounts(id),
			amount           BIGINT NOT NULL,
			held_delta       BIGINT NOT NULL DEFAULT 0,
			reason           VARCHAR(32) NOT NULL,
			escrow_id        VARCHAR(36),
			idempotency_key  VARCHAR(128),
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_postings_idem
			ON postings(account_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_postings_account ON postings(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_postings_txn ON postings(txn_id);
		CREATE INDEX IF NOT EXISTS idx_postings_escrow ON postings(escrow_id);
	`)
	return err
}

func (p *PostgresStore) CreateAccount(ctx context.Context, account *Account) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (id, display_name, role, archived, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, account.ID, account.DisplayName, account.Role, account.Archived, account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (account_id, available, held, updated_at)
		VALUES ($1, 0, 0, $2)
	`, account.ID, account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert balance: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	account := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, display_name, role, archived, created_at
		FROM accounts WHERE id = $1
	`, id).Scan(&account.ID, &account.DisplayName, &account.Role, &account.Archived, &account.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (p *PostgresStore) ArchiveAccount(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE accounts SET archived = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	bal := &Balance{AccountID: accountID}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, held, updated_at FROM balances WHERE account_id = $1
	`, accountID).Scan(&bal.Available, &bal.Held, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, accountID string, limit int, cursor *pagination.Cursor) ([]*Posting, error) {
	if _, err := p.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, txn_id, account_id, amount, held_delta, reason,
		       COALESCE(escrow_id, ''), COALESCE(idempotency_key, ''), created_at
		FROM postings
		WHERE account_id = $1`
	args := []interface{}{accountID}

	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPostings(rows)
}

// ApplyTransaction runs all legs in one serializable transaction. Balance
// rows are locked in account-ID order to avoid deadlocks between concurrent
// multi-leg transactions, and the CHECK constraints back up the in-tx
// validation against overdraft.
func (p *PostgresStore) ApplyTransaction(ctx context.Context, txnID string, legs []Leg) ([]*Posting, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Idempotent replay check inside the transaction.
	for _, leg := range legs {
		if leg.IdempotencyKey == "" {
			continue
		}
		var priorTxn string
		err := tx.QueryRowContext(ctx, `
			SELECT txn_id FROM postings WHERE account_id = $1 AND idempotency_key = $2
		`, leg.AccountID, leg.IdempotencyKey).Scan(&priorTxn)
		if err == nil {
			postings, err := p.postingsForTxn(ctx, tx, priorTxn)
			if err != nil {
				return nil, err
			}
			return postings, tx.Commit()
		}
		if err != sql.ErrNoRows {
			return nil, err
		}
	}

	// Lock and validate in deterministic order.
	for _, accountID := range sortedAccountIDs(legs) {
		var archived bool
		err := tx.QueryRowContext(ctx, `
			SELECT a.archived FROM accounts a
			JOIN balances b ON b.account_id = a.id
			WHERE a.id = $1
			FOR UPDATE OF b
		`, accountID).Scan(&archived)
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		if err != nil {
			return nil, err
		}
		if archived && hasDebit(legs, accountID) {
			return nil, ErrAccountArchived
		}
	}

	out := make([]*Posting, 0, len(legs))
	for _, leg := range legs {
		res, err := tx.ExecContext(ctx, `
			UPDATE balances
			SET available = available + $2,
			    held      = held + $3,
			    updated_at = NOW()
			WHERE account_id = $1
			  AND available + $2 >= 0
			  AND held + $3 >= 0
		`, leg.AccountID, leg.Amount, leg.HeldDelta)
		if err != nil {
			return nil, fmt.Errorf("failed to update balance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrInsufficientFunds
		}

		posting := &Posting{
			ID:             idgen.WithPrefix("post_"),
			TxnID:          txnID,
			AccountID:      leg.AccountID,
			Amount:         leg.Amount,
			HeldDelta:      leg.HeldDelta,
			Reason:         leg.Reason,
			EscrowID:       leg.EscrowID,
			IdempotencyKey: leg.IdempotencyKey,
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO postings (id, txn_id, account_id, amount, held_delta, reason, escrow_id, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NOW())
			RETURNING created_at
		`, posting.ID, posting.TxnID, posting.AccountID, posting.Amount, posting.HeldDelta,
			posting.Reason, posting.EscrowID, posting.IdempotencyKey).Scan(&posting.CreatedAt)
		if err != nil {
			// A concurrent duplicate can commit between the replay
			// pre-check and this insert, landing on the postings
			// unique index. Surface the original transaction the way
			// the pre-check does instead of a constraint error.
			if isUniqueViolation(err) && leg.IdempotencyKey != "" {
				_ = tx.Rollback()
				return p.replayForKey(ctx, leg.AccountID, leg.IdempotencyKey)
			}
			return nil, fmt.Errorf("failed to record posting: %w", err)
		}
		out = append(out, posting)
	}

	return out, tx.Commit()
}

// replayForKey returns the postings of the transaction that originally
// consumed an idempotency key.
func (p *PostgresStore) replayForKey(ctx context.Context, accountID, key string) ([]*Posting, error) {
	prior, err := p.FindByIdempotencyKey(ctx, accountID, key)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, txn_id, account_id, amount, held_delta, reason,
		       COALESCE(escrow_id, ''), COALESCE(idempotency_key, ''), created_at
		FROM postings WHERE txn_id = $1 ORDER BY created_at, id
	`, prior.TxnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPostings(rows)
}

func (p *PostgresStore) FindByIdempotencyKey(ctx context.Context, accountID, key string) (*Posting, error) {
	posting := &Posting{}
	var escrowID, idemKey sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, txn_id, account_id, amount, held_delta, reason, escrow_id, idempotency_key, created_at
		FROM postings WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key).Scan(&posting.ID, &posting.TxnID, &posting.AccountID, &posting.Amount,
		&posting.HeldDelta, &posting.Reason, &escrowID, &idemKey, &posting.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrPostingNotFound
	}
	if err != nil {
		return nil, err
	}
	posting.EscrowID = escrowID.String
	posting.IdempotencyKey = idemKey.String
	return posting, nil
}

func (p *PostgresStore) SumPostings(ctx context.Context) (map[string]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, COALESCE(SUM(amount), 0), COALESCE(SUM(held_delta), 0)
		FROM postings GROUP BY account_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sums := make(map[string]*Balance)
	for rows.Next() {
		bal := &Balance{}
		if err := rows.Scan(&bal.AccountID, &bal.Available, &bal.Held); err != nil {
			return nil, err
		}
		sums[bal.AccountID] = bal
	}
	return sums, rows.Err()
}

func (p *PostgresStore) ListBalances(ctx context.Context) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT account_id, available, held, updated_at FROM balances ORDER BY account_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Balance
	for rows.Next() {
		bal := &Balance{}
		if err := rows.Scan(&bal.AccountID, &bal.Available, &bal.Held, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, bal)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPostings(rows rowScanner) ([]*Posting, error) {
	var out []*Posting
	for rows.Next() {
		posting := &Posting{}
		if err := rows.Scan(&posting.ID, &posting.TxnID, &posting.AccountID, &posting.Amount,
			&posting.HeldDelta, &posting.Reason, &posting.EscrowID, &posting.IdempotencyKey,
			&posting.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, posting)
	}
	return out, rows.Err()
}

func (p *PostgresStore) postingsForTxn(ctx context.Context, tx *sql.Tx, txnID string) ([]*Posting, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, txn_id, account_id, amount, held_delta, reason,
		       COALESCE(escrow_id, ''), COALESCE(idempotency_key, ''), created_at
		FROM postings WHERE txn_id = $1 ORDER BY created_at, id
	`, txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPostings(rows)
}

func sortedAccountIDs(legs []Leg) []string {
	seen := make(map[string]bool, len(legs))
	var ids []string
	for _, leg := range legs {
		if !seen[leg.AccountID] {
			seen[leg.AccountID] = true
			ids = append(ids, leg.AccountID)
		}
	}
	sort.Strings(ids)
	return ids
}

func hasDebit(legs []Leg, accountID string) bool {
	for _, leg := range legs {
		if leg.AccountID == accountID && (leg.Amount < 0 || leg.HeldDelta > 0) {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
