package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jensholdgaard/chess-knockout/internal/clock"
	"github.com/jensholdgaard/chess-knockout/internal/store"
)

const uniqueViolation = "23505"

// AccountRepo implements store.AccountRepository with sqlx.
type AccountRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAccountRepo returns a new AccountRepo.
func NewAccountRepo(db *sqlx.DB, clk clock.Clock) *AccountRepo {
	return &AccountRepo{db: db, clock: clk}
}

func (r *AccountRepo) Create(ctx context.Context, a *store.Account) error {
	now := r.clock.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO accounts (lichess_id, balance, created_at, updated_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		a.LichessID, a.Balance, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("account %s: %w", a.LichessID, store.ErrConflict)
		}
		return fmt.Errorf("creating account: %w", err)
	}
	return nil
}

func (r *AccountRepo) GetByLichessID(ctx context.Context, lichessID string) (*store.Account, error) {
	var a store.Account
	err := r.db.GetContext(ctx, &a,
		`SELECT id, lichess_id, balance, created_at, updated_at FROM accounts WHERE lichess_id = $1`, lichessID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", lichessID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting account: %w", err)
	}
	return &a, nil
}

func (r *AccountRepo) List(ctx context.Context) ([]store.Account, error) {
	var accounts []store.Account
	err := r.db.SelectContext(ctx, &accounts,
		`SELECT id, lichess_id, balance, created_at, updated_at FROM accounts ORDER BY balance DESC, lichess_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return accounts, nil
}

func (r *AccountRepo) Credit(ctx context.Context, lichessID string, amount int) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET balance = balance + $1, updated_at = $2 WHERE lichess_id = $3`,
		amount, r.clock.Now().UTC(), lichessID,
	)
	if err != nil {
		return fmt.Errorf("crediting account: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("account %s: %w", lichessID, store.ErrNotFound)
	}
	return nil
}

func (r *AccountRepo) Debit(ctx context.Context, lichessID string, amount int) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - $1, updated_at = $2
		 WHERE lichess_id = $3 AND balance >= $1`,
		amount, r.clock.Now().UTC(), lichessID,
	)
	if err != nil {
		return fmt.Errorf("debiting account: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE lichess_id = $1)`, lichessID); err != nil {
		return fmt.Errorf("checking account: %w", err)
	}
	if !exists {
		return fmt.Errorf("account %s: %w", lichessID, store.ErrNotFound)
	}
	return fmt.Errorf("account %s: %w", lichessID, store.ErrInsufficientFunds)
}
