// Package storetest holds behavioural tests shared by every store driver.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jensholdgaard/chess-knockout/internal/store"
)

// Factory returns fresh, empty repositories for one test.
type Factory func(t *testing.T) *store.Repositories

// RunTournamentRepository exercises the conditional-update contract of a
// store.TournamentRepository together with its AccountRepository.
func RunTournamentRepository(t *testing.T, newRepos Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newRepos(t)) })
	t.Run("AddPlayer", func(t *testing.T) { testAddPlayer(t, newRepos(t)) })
	t.Run("ActivateDebitsFees", func(t *testing.T) { testActivateDebitsFees(t, newRepos(t)) })
	t.Run("ActivateRollsBack", func(t *testing.T) { testActivateRollsBack(t, newRepos(t)) })
	t.Run("ActivateOnce", func(t *testing.T) { testActivateOnce(t, newRepos(t)) })
	t.Run("FinishMatchFirstWriteWins", func(t *testing.T) { testFinishMatchFirstWriteWins(t, newRepos(t)) })
	t.Run("FinishMatchDraw", func(t *testing.T) { testFinishMatchDraw(t, newRepos(t)) })
	t.Run("FinishMatchConcurrent", func(t *testing.T) { testFinishMatchConcurrent(t, newRepos(t)) })
	t.Run("AppendStageAndComplete", func(t *testing.T) { testAppendStageAndComplete(t, newRepos(t)) })
	t.Run("ListByGameID", func(t *testing.T) { testListByGameID(t, newRepos(t)) })
}

func newTournament(id string, players ...string) *store.Tournament {
	max := len(players)
	if max < 2 {
		max = 2
	}
	return &store.Tournament{
		ID:                id,
		Name:              "Cup " + id,
		CreatedBy:         "organizer",
		MaxPlayers:        max,
		PlayerIDs:         players,
		EntryFee:          10,
		PrizePool:         10 * max,
		Rated:             true,
		CurrentStageIndex: -1,
		Status:            store.StatusOpen,
	}
}

func pendingMatch(p1, p2, ref string) store.Match {
	return store.Match{Player1ID: p1, Player2ID: p2, GameRef: ref, Result: store.ResultPending}
}

func fund(t *testing.T, repos *store.Repositories, balance int, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := repos.Accounts.Create(context.Background(), &store.Account{LichessID: id, Balance: balance}); err != nil {
			t.Fatalf("creating account %s: %v", id, err)
		}
	}
}

// activeTournament creates and activates a four player tournament with two
// pending first-stage matches.
func activeTournament(t *testing.T, repos *store.Repositories, id string) *store.Tournament {
	t.Helper()
	ctx := context.Background()
	players := []string{id + "-a", id + "-b", id + "-c", id + "-d"}
	fund(t, repos, 100, players...)

	tr := newTournament(id, players...)
	if err := repos.Tournaments.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}
	stage := store.Stage{
		Name: "Semifinals",
		Matches: []store.Match{
			pendingMatch(players[0], players[1], "https://lichess.org/"+id+"g1"),
			pendingMatch(players[2], players[3], "https://lichess.org/"+id+"g2"),
		},
		StartTime: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
	if err := repos.Tournaments.Activate(ctx, store.ActivateParams{TournamentID: id, FirstStage: stage}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	got, err := repos.Tournaments.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return got
}

func testCreateAndGet(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	tr := newTournament("t-create", "alice")
	if err := repos.Tournaments.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repos.Tournaments.GetByID(ctx, "t-create")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Name != tr.Name || got.MaxPlayers != 2 || got.PrizePool != 20 {
		t.Errorf("GetByID = %+v", got)
	}
	if got.Status != store.StatusOpen || got.CurrentStageIndex != -1 {
		t.Errorf("status = %s index = %d, want open -1", got.Status, got.CurrentStageIndex)
	}
	if len(got.PlayerIDs) != 1 || got.PlayerIDs[0] != "alice" {
		t.Errorf("PlayerIDs = %v, want [alice]", got.PlayerIDs)
	}

	if _, err := repos.Tournaments.GetByID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrNotFound", err)
	}

	open, err := repos.Tournaments.ListByStatus(ctx, store.StatusOpen)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("ListByStatus(open) returned %d, want 1", len(open))
	}
}

func testAddPlayer(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	tr := newTournament("t-join")
	if err := repos.Tournaments.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repos.Tournaments.AddPlayer(ctx, "t-join", "alice"); err != nil {
		t.Fatalf("AddPlayer(alice): %v", err)
	}
	if err := repos.Tournaments.AddPlayer(ctx, "t-join", "alice"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate AddPlayer error = %v, want ErrConflict", err)
	}
	if err := repos.Tournaments.AddPlayer(ctx, "t-join", "bob"); err != nil {
		t.Fatalf("AddPlayer(bob): %v", err)
	}
	if err := repos.Tournaments.AddPlayer(ctx, "t-join", "carol"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("AddPlayer on full lobby error = %v, want ErrConflict", err)
	}

	got, _ := repos.Tournaments.GetByID(ctx, "t-join")
	if len(got.PlayerIDs) != 2 {
		t.Errorf("PlayerIDs = %v, want 2 players", got.PlayerIDs)
	}
}

func testActivateDebitsFees(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	tr := activeTournament(t, repos, "t-act")

	if tr.Status != store.StatusActive || tr.CurrentStageIndex != 0 || len(tr.Stages) != 1 {
		t.Fatalf("after Activate: status=%s index=%d stages=%d", tr.Status, tr.CurrentStageIndex, len(tr.Stages))
	}
	if tr.Stages[0].Name != "Semifinals" || len(tr.Stages[0].Matches) != 2 {
		t.Errorf("stage = %+v", tr.Stages[0])
	}
	for _, id := range tr.PlayerIDs {
		a, err := repos.Accounts.GetByLichessID(ctx, id)
		if err != nil {
			t.Fatalf("GetByLichessID(%s): %v", id, err)
		}
		if a.Balance != 90 {
			t.Errorf("balance of %s = %d, want 90", id, a.Balance)
		}
	}
}

func testActivateRollsBack(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	fund(t, repos, 100, "rich")
	fund(t, repos, 5, "poor")

	tr := newTournament("t-poor", "rich", "poor")
	if err := repos.Tournaments.Create(ctx, tr); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := repos.Tournaments.Activate(ctx, store.ActivateParams{
		TournamentID: "t-poor",
		FirstStage:   store.Stage{Name: "Final", Matches: []store.Match{pendingMatch("rich", "poor", "https://lichess.org/poor0001")}},
	})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("Activate error = %v, want ErrInsufficientFunds", err)
	}

	got, _ := repos.Tournaments.GetByID(ctx, "t-poor")
	if got.Status != store.StatusOpen || len(got.Stages) != 0 {
		t.Errorf("tournament mutated: status=%s stages=%d", got.Status, len(got.Stages))
	}
	rich, _ := repos.Accounts.GetByLichessID(ctx, "rich")
	if rich.Balance != 100 {
		t.Errorf("rich balance = %d, want 100 after rollback", rich.Balance)
	}
}

func testActivateOnce(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	activeTournament(t, repos, "t-once")

	err := repos.Tournaments.Activate(ctx, store.ActivateParams{TournamentID: "t-once", FirstStage: store.Stage{Name: "Semifinals"}})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second Activate error = %v, want ErrConflict", err)
	}
	a, _ := repos.Accounts.GetByLichessID(ctx, "t-once-a")
	if a.Balance != 90 {
		t.Errorf("balance = %d, want 90 (debited once)", a.Balance)
	}

	notFull := newTournament("t-notfull", "x")
	if err := repos.Tournaments.Create(ctx, notFull); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = repos.Tournaments.Activate(ctx, store.ActivateParams{TournamentID: "t-notfull", FirstStage: store.Stage{Name: "Final"}})
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("Activate on partial lobby error = %v, want ErrConflict", err)
	}
}

func testFinishMatchFirstWriteWins(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	tr := activeTournament(t, repos, "t-fin")
	at := time.Date(2025, 6, 15, 12, 30, 0, 0, time.UTC)

	applied, err := repos.Tournaments.FinishMatch(ctx, store.FinishMatchParams{
		TournamentID: tr.ID, StageIndex: 0, MatchIndex: 1, WinnerID: "t-fin-c", StatusLabel: "mate", FinishedAt: at,
	})
	if err != nil || !applied {
		t.Fatalf("FinishMatch = %v, %v; want applied", applied, err)
	}

	applied, err = repos.Tournaments.FinishMatch(ctx, store.FinishMatchParams{
		TournamentID: tr.ID, StageIndex: 0, MatchIndex: 1, WinnerID: "t-fin-d", StatusLabel: "resign", FinishedAt: at,
	})
	if err != nil || applied {
		t.Fatalf("second FinishMatch = %v, %v; want not applied", applied, err)
	}

	got, _ := repos.Tournaments.GetByID(ctx, tr.ID)
	m := got.Stages[0].Matches[1]
	if m.Result != store.ResultFinished || m.WinnerID == nil || *m.WinnerID != "t-fin-c" {
		t.Errorf("match = %+v, want finished won by t-fin-c", m)
	}
	if m.StatusLabel != "mate" {
		t.Errorf("StatusLabel = %q, want mate", m.StatusLabel)
	}
	if m.FinishedAt == nil || !m.FinishedAt.Equal(at) {
		t.Errorf("FinishedAt = %v, want %v", m.FinishedAt, at)
	}
	if len(got.AdvancingPlayers) != 1 || got.AdvancingPlayers[0] != "t-fin-c" {
		t.Errorf("AdvancingPlayers = %v, want [t-fin-c]", got.AdvancingPlayers)
	}
	if got.Stages[0].Matches[0].Result != store.ResultPending {
		t.Error("sibling match was modified")
	}

	applied, err = repos.Tournaments.FinishMatch(ctx, store.FinishMatchParams{
		TournamentID: tr.ID, StageIndex: 3, MatchIndex: 0, WinnerID: "x", FinishedAt: at,
	})
	if err != nil || applied {
		t.Errorf("FinishMatch(out of range) = %v, %v; want not applied", applied, err)
	}
}

func testFinishMatchDraw(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	tr := activeTournament(t, repos, "t-draw")

	applied, err := repos.Tournaments.FinishMatch(ctx, store.FinishMatchParams{
		TournamentID: tr.ID, StageIndex: 0, MatchIndex: 0, WinnerID: store.DrawWinner, StatusLabel: "draw", FinishedAt: time.Now(),
	})
	if err != nil || !applied {
		t.Fatalf("FinishMatch(draw) = %v, %v; want applied", applied, err)
	}
	got, _ := repos.Tournaments.GetByID(ctx, tr.ID)
	if len(got.AdvancingPlayers) != 0 {
		t.Errorf("AdvancingPlayers = %v, want empty after a draw", got.AdvancingPlayers)
	}
	if w := got.Stages[0].Matches[0].WinnerID; w == nil || *w != store.DrawWinner {
		t.Errorf("WinnerID = %v, want draw", w)
	}
}

func testFinishMatchConcurrent(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	tr := activeTournament(t, repos, "t-race")

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan bool, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			applied, err := repos.Tournaments.FinishMatch(ctx, store.FinishMatchParams{
				TournamentID: tr.ID, StageIndex: 0, MatchIndex: 0, WinnerID: "t-race-a", FinishedAt: time.Now(),
			})
			if err != nil {
				t.Errorf("FinishMatch: %v", err)
			}
			results <- applied
		}()
	}
	wg.Wait()
	close(results)

	applied := 0
	for ok := range results {
		if ok {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("%d writers applied the result, want exactly 1", applied)
	}
	got, _ := repos.Tournaments.GetByID(ctx, tr.ID)
	if len(got.AdvancingPlayers) != 1 {
		t.Errorf("AdvancingPlayers = %v, want a single entry", got.AdvancingPlayers)
	}
}

func testAppendStageAndComplete(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	tr := activeTournament(t, repos, "t-adv")

	final := store.Stage{Name: "Final", Matches: []store.Match{pendingMatch("t-adv-a", "t-adv-c", "https://lichess.org/tadvfin1")}}
	if err := repos.Tournaments.AppendStage(ctx, store.AppendStageParams{
		TournamentID: tr.ID, ExpectedStageIndex: 0, Stage: final,
	}); err != nil {
		t.Fatalf("AppendStage: %v", err)
	}
	if err := repos.Tournaments.AppendStage(ctx, store.AppendStageParams{
		TournamentID: tr.ID, ExpectedStageIndex: 0, Stage: final,
	}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale AppendStage error = %v, want ErrConflict", err)
	}

	got, _ := repos.Tournaments.GetByID(ctx, tr.ID)
	if got.CurrentStageIndex != 1 || len(got.Stages) != 2 || got.Stages[1].Name != "Final" {
		t.Fatalf("after AppendStage: index=%d stages=%d", got.CurrentStageIndex, len(got.Stages))
	}
	if len(got.AdvancingPlayers) != 0 {
		t.Errorf("AdvancingPlayers = %v, want reset", got.AdvancingPlayers)
	}

	if err := repos.Tournaments.Complete(ctx, tr.ID, 0, "t-adv-a"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale Complete error = %v, want ErrConflict", err)
	}
	if err := repos.Tournaments.Complete(ctx, tr.ID, 1, "t-adv-a"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := repos.Tournaments.Complete(ctx, tr.ID, 1, "t-adv-c"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second Complete error = %v, want ErrConflict", err)
	}

	got, _ = repos.Tournaments.GetByID(ctx, tr.ID)
	if got.Status != store.StatusCompleted || got.Winner == nil || *got.Winner != "t-adv-a" {
		t.Errorf("after Complete: status=%s winner=%v", got.Status, got.Winner)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	applied, err := repos.Tournaments.FinishMatch(ctx, store.FinishMatchParams{
		TournamentID: tr.ID, StageIndex: 1, MatchIndex: 0, WinnerID: "t-adv-c", FinishedAt: time.Now(),
	})
	if err != nil || applied {
		t.Errorf("FinishMatch on completed tournament = %v, %v; want not applied", applied, err)
	}
}

func testListByGameID(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	activeTournament(t, repos, "t-one")
	activeTournament(t, repos, "t-two")

	got, err := repos.Tournaments.ListByGameID(ctx, "t-twog2")
	if err != nil {
		t.Fatalf("ListByGameID: %v", err)
	}
	if len(got) != 1 || got[0].ID != "t-two" {
		t.Errorf("ListByGameID = %d tournaments, want t-two only", len(got))
	}

	none, err := repos.Tournaments.ListByGameID(ctx, "zzzzzzzz")
	if err != nil {
		t.Fatalf("ListByGameID: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListByGameID(unknown) = %d tournaments, want 0", len(none))
	}
}
