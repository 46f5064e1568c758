// Package ledger keeps player balances and settles tournament money:
// entry fee checks before a start and the prize payout to the winner.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/chess-knockout/internal/clock"
	"github.com/jensholdgaard/chess-knockout/internal/event"
	"github.com/jensholdgaard/chess-knockout/internal/store"
)

var (
	// ErrInvalidAmount is returned for non-positive credits and debits.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientBalance is returned when a balance does not cover a
	// debit or an entry fee.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrPayoutTargetUnresolved is returned when the prize cannot be
	// credited because the winner has no account.
	ErrPayoutTargetUnresolved = errors.New("payout target unresolved")
)

// Manager handles balance operations.
type Manager struct {
	accounts store.AccountRepository
	events   event.Store
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewManager returns a new ledger Manager.
func NewManager(accounts store.AccountRepository, events event.Store, clk clock.Clock, logger *slog.Logger, tp trace.TracerProvider) *Manager {
	return &Manager{
		accounts: accounts,
		events:   events,
		clock:    clk,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/chess-knockout/internal/ledger"),
	}
}

// RegisterAccount opens a zero-balance account for a Lichess user.
func (m *Manager) RegisterAccount(ctx context.Context, lichessID string) (*store.Account, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.RegisterAccount",
		trace.WithAttributes(attribute.String("lichess_id", lichessID)),
	)
	defer span.End()

	if lichessID == "" {
		return nil, errors.New("lichess id is required")
	}

	a := &store.Account{LichessID: lichessID}
	if err := m.accounts.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}

	m.record(ctx, event.New(a.ID, event.AccountRegistered, event.AccountRegisteredData{LichessID: lichessID}, m.clock.Now()))

	m.logger.InfoContext(ctx, "account registered",
		slog.String("account_id", a.ID),
		slog.String("player_id", lichessID),
	)
	return a, nil
}

// GetAccount returns an account by Lichess user id.
func (m *Manager) GetAccount(ctx context.Context, lichessID string) (*store.Account, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetAccount")
	defer span.End()

	return m.accounts.GetByLichessID(ctx, lichessID)
}

// ListAccounts returns all accounts ordered by balance.
func (m *Manager) ListAccounts(ctx context.Context) ([]store.Account, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ListAccounts")
	defer span.End()

	return m.accounts.List(ctx)
}

// Credit adds amount to a balance.
func (m *Manager) Credit(ctx context.Context, lichessID string, amount int, reason string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Credit",
		trace.WithAttributes(
			attribute.String("lichess_id", lichessID),
			attribute.Int("amount", amount),
		),
	)
	defer span.End()

	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := m.accounts.Credit(ctx, lichessID, amount); err != nil {
		return fmt.Errorf("crediting account: %w", err)
	}

	m.record(ctx, event.New(lichessID, event.AccountCredited, event.BalanceChangeData{
		LichessID: lichessID,
		Amount:    amount,
		Reason:    reason,
	}, m.clock.Now()))

	m.logger.InfoContext(ctx, "account credited",
		slog.String("player_id", lichessID),
		slog.Int("amount", amount),
		slog.String("reason", reason),
	)
	return nil
}

// Debit subtracts amount from a balance. The balance never goes negative.
func (m *Manager) Debit(ctx context.Context, lichessID string, amount int, reason string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Debit",
		trace.WithAttributes(
			attribute.String("lichess_id", lichessID),
			attribute.Int("amount", amount),
		),
	)
	defer span.End()

	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := m.accounts.Debit(ctx, lichessID, amount); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, lichessID)
		}
		return fmt.Errorf("debiting account: %w", err)
	}

	m.record(ctx, event.New(lichessID, event.AccountDebited, event.BalanceChangeData{
		LichessID: lichessID,
		Amount:    -amount,
		Reason:    reason,
	}, m.clock.Now()))

	m.logger.InfoContext(ctx, "account debited",
		slog.String("player_id", lichessID),
		slog.Int("amount", amount),
		slog.String("reason", reason),
	)
	return nil
}

// CheckEntryFees verifies that every player has an account whose balance
// covers fee. It changes nothing; the debit itself happens atomically when
// the tournament is activated.
func (m *Manager) CheckEntryFees(ctx context.Context, playerIDs []string, fee int) error {
	ctx, span := m.tracer.Start(ctx, "Manager.CheckEntryFees",
		trace.WithAttributes(
			attribute.Int("players", len(playerIDs)),
			attribute.Int("fee", fee),
		),
	)
	defer span.End()

	if fee <= 0 {
		return nil
	}
	for _, id := range playerIDs {
		a, err := m.accounts.GetByLichessID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s has no account", ErrInsufficientBalance, id)
		}
		if err != nil {
			return fmt.Errorf("loading account %s: %w", id, err)
		}
		if a.Balance < fee {
			return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, id, a.Balance, fee)
		}
	}
	return nil
}

// Payout credits the prize pool of a completed tournament to its winner.
// A failure is not retried; callers record it for manual settlement.
func (m *Manager) Payout(ctx context.Context, t *store.Tournament) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Payout",
		trace.WithAttributes(
			attribute.String("tournament_id", t.ID),
			attribute.Int("amount", t.PrizePool),
		),
	)
	defer span.End()

	if t.Winner == nil || *t.Winner == "" || *t.Winner == store.DrawWinner {
		return fmt.Errorf("%w: tournament %s has no winner", ErrPayoutTargetUnresolved, t.ID)
	}
	winner := *t.Winner

	if t.PrizePool > 0 {
		err := m.accounts.Credit(ctx, winner, t.PrizePool)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no account for %s", ErrPayoutTargetUnresolved, winner)
		}
		if err != nil {
			return fmt.Errorf("crediting prize: %w", err)
		}
	}

	m.record(ctx, event.New(t.ID, event.PrizePaid, event.PrizeData{
		TournamentID: t.ID,
		WinnerID:     winner,
		Amount:       t.PrizePool,
	}, m.clock.Now()))

	m.logger.InfoContext(ctx, "prize paid",
		slog.String("tournament_id", t.ID),
		slog.String("winner", winner),
		slog.Int("amount", t.PrizePool),
	)
	return nil
}

func (m *Manager) record(ctx context.Context, evt event.Event) {
	if err := m.events.Append(ctx, evt); err != nil {
		m.logger.ErrorContext(ctx, "failed to append event",
			slog.String("type", string(evt.Type)),
			slog.Any("error", err),
		)
	}
}
