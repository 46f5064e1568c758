package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/jensholdgaard/chess-knockout/internal/store"
)

// AccountRepo implements store.AccountRepository in memory.
type AccountRepo struct {
	s *Store
}

func (r *AccountRepo) Create(_ context.Context, a *store.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.accounts[a.LichessID]; ok {
		return fmt.Errorf("account %s: %w", a.LichessID, store.ErrConflict)
	}
	r.s.seq++
	now := r.s.clock.Now().UTC()
	a.ID = "acc-" + strconv.Itoa(r.s.seq)
	a.CreatedAt = now
	a.UpdatedAt = now
	c := *a
	r.s.accounts[a.LichessID] = &c
	return nil
}

func (r *AccountRepo) GetByLichessID(_ context.Context, lichessID string) (*store.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.accounts[lichessID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", lichessID, store.ErrNotFound)
	}
	c := *a
	return &c, nil
}

func (r *AccountRepo) List(_ context.Context) ([]store.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]store.Account, 0, len(r.s.accounts))
	for _, a := range r.s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Balance != out[j].Balance {
			return out[i].Balance > out[j].Balance
		}
		return out[i].LichessID < out[j].LichessID
	})
	return out, nil
}

func (r *AccountRepo) Credit(_ context.Context, lichessID string, amount int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.accounts[lichessID]
	if !ok {
		return fmt.Errorf("account %s: %w", lichessID, store.ErrNotFound)
	}
	a.Balance += amount
	a.UpdatedAt = r.s.clock.Now().UTC()
	return nil
}

func (r *AccountRepo) Debit(_ context.Context, lichessID string, amount int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.debitLocked(lichessID, amount)
}

func (s *Store) debitLocked(lichessID string, amount int) error {
	a, ok := s.accounts[lichessID]
	if !ok {
		return fmt.Errorf("account %s: %w", lichessID, store.ErrNotFound)
	}
	if a.Balance < amount {
		return fmt.Errorf("account %s: %w", lichessID, store.ErrInsufficientFunds)
	}
	a.Balance -= amount
	a.UpdatedAt = s.clock.Now().UTC()
	return nil
}
