package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jensholdgaard/chess-knockout/internal/store"
)

// TournamentRepo implements store.TournamentRepository in memory. Each
// method checks its preconditions and applies its changes under the store
// mutex, mirroring the conditional UPDATEs of the Postgres driver.
type TournamentRepo struct {
	s *Store
}

func (r *TournamentRepo) Create(_ context.Context, t *store.Tournament) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.tournaments[t.ID]; ok {
		return fmt.Errorf("tournament %s: %w", t.ID, store.ErrConflict)
	}
	now := r.s.clock.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	r.s.tournaments[t.ID] = t.Clone()
	r.s.order = append(r.s.order, t.ID)
	return nil
}

func (r *TournamentRepo) GetByID(_ context.Context, id string) (*store.Tournament, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tournaments[id]
	if !ok {
		return nil, fmt.Errorf("tournament %s: %w", id, store.ErrNotFound)
	}
	return t.Clone(), nil
}

func (r *TournamentRepo) ListByStatus(_ context.Context, status store.TournamentStatus) ([]store.Tournament, error) {
	return r.list(func(t *store.Tournament) bool { return t.Status == status }), nil
}

func (r *TournamentRepo) ListByGameID(_ context.Context, gameID string) ([]store.Tournament, error) {
	return r.list(func(t *store.Tournament) bool {
		if t.Status == store.StatusOpen {
			return false
		}
		for _, s := range t.Stages {
			for _, m := range s.Matches {
				if m.GameRef != "" && strings.Contains(m.GameRef, gameID) {
					return true
				}
			}
		}
		return false
	}), nil
}

func (r *TournamentRepo) list(keep func(*store.Tournament) bool) []store.Tournament {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []store.Tournament
	for _, id := range r.s.order {
		t := r.s.tournaments[id]
		if keep(t) {
			out = append(out, *t.Clone())
		}
	}
	return out
}

func (r *TournamentRepo) AddPlayer(_ context.Context, id, playerID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tournaments[id]
	if !ok || t.Status != store.StatusOpen || t.Full() || t.HasPlayer(playerID) {
		return fmt.Errorf("tournament %s: add player %s: %w", id, playerID, store.ErrConflict)
	}
	t.PlayerIDs = append(t.PlayerIDs, playerID)
	t.UpdatedAt = r.s.clock.Now().UTC()
	return nil
}

func (r *TournamentRepo) Activate(_ context.Context, p store.ActivateParams) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tournaments[p.TournamentID]
	if !ok || t.Status != store.StatusOpen || len(t.PlayerIDs) != t.MaxPlayers {
		return fmt.Errorf("tournament %s: activate: %w", p.TournamentID, store.ErrConflict)
	}

	if t.EntryFee > 0 {
		for _, player := range t.PlayerIDs {
			a, ok := r.s.accounts[player]
			if !ok || a.Balance < t.EntryFee {
				return fmt.Errorf("debiting entry fee from %s: %w", player, store.ErrInsufficientFunds)
			}
		}
		for _, player := range t.PlayerIDs {
			if err := r.s.debitLocked(player, t.EntryFee); err != nil {
				return fmt.Errorf("debiting entry fee from %s: %w", player, err)
			}
		}
	}

	t.Status = store.StatusActive
	t.Stages = []store.Stage{p.FirstStage.Clone()}
	t.CurrentStageIndex = 0
	t.AdvancingPlayers = append([]string{}, p.AdvancingPlayers...)
	t.UpdatedAt = r.s.clock.Now().UTC()
	return nil
}

func (r *TournamentRepo) FinishMatch(_ context.Context, p store.FinishMatchParams) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tournaments[p.TournamentID]
	if !ok || t.Status != store.StatusActive {
		return false, nil
	}
	if p.StageIndex < 0 || p.StageIndex >= len(t.Stages) {
		return false, nil
	}
	matches := t.Stages[p.StageIndex].Matches
	if p.MatchIndex < 0 || p.MatchIndex >= len(matches) {
		return false, nil
	}
	m := &matches[p.MatchIndex]
	if m.Result != store.ResultPending {
		return false, nil
	}

	winner := p.WinnerID
	finishedAt := p.FinishedAt.UTC()
	m.Result = store.ResultFinished
	m.WinnerID = &winner
	m.StatusLabel = p.StatusLabel
	m.FinishedAt = &finishedAt

	if winner != store.DrawWinner && p.StageIndex == t.CurrentStageIndex && !contains(t.AdvancingPlayers, winner) {
		t.AdvancingPlayers = append(t.AdvancingPlayers, winner)
	}
	t.UpdatedAt = r.s.clock.Now().UTC()
	return true, nil
}

func (r *TournamentRepo) AppendStage(_ context.Context, p store.AppendStageParams) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tournaments[p.TournamentID]
	if !ok || t.Status != store.StatusActive || t.CurrentStageIndex != p.ExpectedStageIndex {
		return fmt.Errorf("tournament %s: append stage after %d: %w", p.TournamentID, p.ExpectedStageIndex, store.ErrConflict)
	}
	t.Stages = append(t.Stages, p.Stage.Clone())
	t.CurrentStageIndex++
	t.AdvancingPlayers = append([]string{}, p.AdvancingPlayers...)
	t.UpdatedAt = r.s.clock.Now().UTC()
	return nil
}

func (r *TournamentRepo) Complete(_ context.Context, id string, expectedStageIndex int, winnerID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.tournaments[id]
	if !ok || t.Status != store.StatusActive || t.CurrentStageIndex != expectedStageIndex {
		return fmt.Errorf("tournament %s: complete at stage %d: %w", id, expectedStageIndex, store.ErrConflict)
	}
	now := r.s.clock.Now().UTC()
	w := winnerID
	t.Status = store.StatusCompleted
	t.Winner = &w
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
