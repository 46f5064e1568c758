package tournament_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/chess-knockout/internal/bracket"
	"github.com/jensholdgaard/chess-knockout/internal/clock"
	"github.com/jensholdgaard/chess-knockout/internal/event"
	"github.com/jensholdgaard/chess-knockout/internal/ledger"
	"github.com/jensholdgaard/chess-knockout/internal/lichess"
	"github.com/jensholdgaard/chess-knockout/internal/notify"
	"github.com/jensholdgaard/chess-knockout/internal/store"
	"github.com/jensholdgaard/chess-knockout/internal/store/memory"
	"github.com/jensholdgaard/chess-knockout/internal/tournament"
)

var testTP = noop.NewTracerProvider()

var testClock = clock.Mock{T: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}

// fakeCreator hands out sequential eight character game ids.
type fakeCreator struct {
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (f *fakeCreator) CreateOpenChallenge(_ context.Context, _ bool) (lichess.Challenge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn[f.calls] {
		return lichess.Challenge{}, errors.New("lichess unavailable")
	}
	id := fmt.Sprintf("g%07d", f.calls)
	url := "https://lichess.org/" + id
	return lichess.Challenge{GameID: id, URL: url, WhiteURL: url + "?color=white", BlackURL: url + "?color=black"}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) kinds() map[notify.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[notify.Kind]int{}
	for _, n := range r.notes {
		out[n.Kind]++
	}
	return out
}

// failingPayout is a ledger whose payouts always fail.
type failingPayout struct {
	*ledger.Manager
}

func (failingPayout) Payout(context.Context, *store.Tournament) error {
	return ledger.ErrPayoutTargetUnresolved
}

type env struct {
	mgr      *tournament.Manager
	repos    *store.Repositories
	ledger   *ledger.Manager
	creator  *fakeCreator
	notifier *recordingNotifier
}

func newEnv(t *testing.T, opts ...func(*envOptions)) *env {
	t.Helper()
	o := envOptions{creator: &fakeCreator{}}
	for _, opt := range opts {
		opt(&o)
	}

	repos := memory.New(testClock).Repositories()
	led := ledger.NewManager(repos.Accounts, repos.Events, testClock, slog.Default(), testTP)
	builder := bracket.NewBuilder(o.creator, 0, slog.Default(), testTP, testClock,
		bracket.WithRand(rand.New(rand.NewPCG(1, 2))))

	var l tournament.Ledger = led
	if o.failPayout {
		l = failingPayout{led}
	}

	var n int
	var idMu sync.Mutex
	notifier := &recordingNotifier{}
	mgr := tournament.NewManager(repos.Tournaments, repos.Events, l, builder, slog.Default(), testTP, testClock,
		tournament.WithNotifier(notifier),
		tournament.WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("t-%d", n)
		}),
	)
	return &env{mgr: mgr, repos: repos, ledger: led, creator: o.creator, notifier: notifier}
}

type envOptions struct {
	creator    *fakeCreator
	failPayout bool
}

func withCreator(c *fakeCreator) func(*envOptions) {
	return func(o *envOptions) { o.creator = c }
}

func withFailingPayout() func(*envOptions) {
	return func(o *envOptions) { o.failPayout = true }
}

func (e *env) fund(t *testing.T, balance int, players ...string) {
	t.Helper()
	ctx := context.Background()
	for _, p := range players {
		if _, err := e.ledger.RegisterAccount(ctx, p); err != nil {
			t.Fatalf("RegisterAccount(%s) error = %v", p, err)
		}
		if balance > 0 {
			if err := e.ledger.Credit(ctx, p, balance, "seed"); err != nil {
				t.Fatalf("Credit(%s) error = %v", p, err)
			}
		}
	}
}

func playerIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("p%d", i+1)
	}
	return out
}

// started creates, fills and starts an n-player tournament with a fee of 10
// and balances of 100.
func (e *env) started(t *testing.T, n int) *store.Tournament {
	t.Helper()
	ctx := context.Background()
	players := playerIDs(n)
	e.fund(t, 100, players...)

	tour, err := e.mgr.Create(ctx, tournament.CreateParams{Name: "Blitz Cup", CreatedBy: "p1", MaxPlayers: n, EntryFee: 10, Rated: true})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, p := range players {
		if _, err := e.mgr.Join(ctx, tour.ID, p); err != nil {
			t.Fatalf("Join(%s) error = %v", p, err)
		}
	}
	tour, err = e.mgr.Start(ctx, tour.ID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return tour
}

func (e *env) balance(t *testing.T, player string) int {
	t.Helper()
	a, err := e.ledger.GetAccount(context.Background(), player)
	if err != nil {
		t.Fatalf("GetAccount(%s) error = %v", player, err)
	}
	return a.Balance
}

func (e *env) eventCount(t *testing.T, id string, typ event.Type) int {
	t.Helper()
	evts, err := e.mgr.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	n := 0
	for _, evt := range evts {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

// finishCurrent lets white win every pending match of the current stage.
func (e *env) finishCurrent(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	tour, err := e.mgr.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	si := tour.CurrentStageIndex
	for mi, mt := range tour.Stages[si].Matches {
		if mt.Result != store.ResultPending {
			continue
		}
		if _, err := e.mgr.ApplyResult(ctx, id, si, mi, lichess.OutcomeWhiteWon, "mate"); err != nil {
			t.Fatalf("ApplyResult(%d, %d) error = %v", si, mi, err)
		}
	}
}

func TestManager_Create(t *testing.T) {
	tests := []struct {
		name    string
		params  tournament.CreateParams
		wantErr error
	}{
		{name: "valid", params: tournament.CreateParams{Name: "Arena", MaxPlayers: 8, EntryFee: 5}},
		{name: "free", params: tournament.CreateParams{Name: "Arena", MaxPlayers: 2}},
		{name: "blank name", params: tournament.CreateParams{Name: "  ", MaxPlayers: 8}, wantErr: tournament.ErrInvalidConfig},
		{name: "one player", params: tournament.CreateParams{Name: "Solo", MaxPlayers: 1}, wantErr: tournament.ErrInvalidConfig},
		{name: "too many players", params: tournament.CreateParams{Name: "Huge", MaxPlayers: tournament.MaxPlayersLimit + 1}, wantErr: tournament.ErrInvalidConfig},
		{name: "negative fee", params: tournament.CreateParams{Name: "Arena", MaxPlayers: 4, EntryFee: -1}, wantErr: tournament.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			tour, err := e.mgr.Create(context.Background(), tt.params)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Create() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if tour.Status != store.StatusOpen || tour.CurrentStageIndex != -1 {
				t.Errorf("tournament = %+v, want open with no stage", tour)
			}
			if tour.PrizePool != tt.params.EntryFee*tt.params.MaxPlayers {
				t.Errorf("PrizePool = %d, want %d", tour.PrizePool, tt.params.EntryFee*tt.params.MaxPlayers)
			}
		})
	}
}

func TestManager_Join(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, 100, "alice", "bob", "carol")
	e.fund(t, 5, "poor")

	tour, err := e.mgr.Create(ctx, tournament.CreateParams{Name: "Duel", MaxPlayers: 2, EntryFee: 10})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := e.mgr.Join(ctx, tour.ID, "alice"); err != nil {
		t.Fatalf("Join(alice) error = %v", err)
	}

	tests := []struct {
		name    string
		id      string
		player  string
		wantErr error
	}{
		{name: "unknown tournament", id: "nope", player: "bob", wantErr: tournament.ErrNotFound},
		{name: "already joined", id: tour.ID, player: "alice", wantErr: tournament.ErrAlreadyJoined},
		{name: "no account", id: tour.ID, player: "ghost", wantErr: tournament.ErrNoAccount},
		{name: "balance below fee", id: tour.ID, player: "poor", wantErr: ledger.ErrInsufficientBalance},
		{name: "empty player", id: tour.ID, player: "", wantErr: tournament.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.mgr.Join(ctx, tt.id, tt.player); !errors.Is(err, tt.wantErr) {
				t.Errorf("Join() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	got, err := e.mgr.Join(ctx, tour.ID, "bob")
	if err != nil {
		t.Fatalf("Join(bob) error = %v", err)
	}
	if len(got.PlayerIDs) != 2 || !got.Full() {
		t.Errorf("PlayerIDs = %v, want a full lobby of 2", got.PlayerIDs)
	}
	if _, err := e.mgr.Join(ctx, tour.ID, "carol"); !errors.Is(err, tournament.ErrTournamentFull) {
		t.Errorf("Join(carol) error = %v, want %v", err, tournament.ErrTournamentFull)
	}

	if _, err := e.mgr.Start(ctx, tour.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := e.mgr.Join(ctx, tour.ID, "carol"); !errors.Is(err, tournament.ErrNotOpen) {
		t.Errorf("Join() after start error = %v, want %v", err, tournament.ErrNotOpen)
	}
}

func TestManager_Start(t *testing.T) {
	e := newEnv(t)
	tour := e.started(t, 4)

	if tour.Status != store.StatusActive {
		t.Fatalf("Status = %s, want active", tour.Status)
	}
	if tour.CurrentStageIndex != 0 || len(tour.Stages) != 1 {
		t.Fatalf("stages = %d at index %d, want 1 at 0", len(tour.Stages), tour.CurrentStageIndex)
	}
	stage := tour.Stages[0]
	if stage.Name != "Semifinals" || len(stage.Matches) != 2 {
		t.Errorf("stage = %s with %d matches, want Semifinals with 2", stage.Name, len(stage.Matches))
	}
	if len(tour.AdvancingPlayers) != 0 {
		t.Errorf("AdvancingPlayers = %v, want empty", tour.AdvancingPlayers)
	}
	for _, p := range playerIDs(4) {
		if got := e.balance(t, p); got != 90 {
			t.Errorf("balance(%s) = %d, want 90", p, got)
		}
	}
	if got := e.eventCount(t, tour.ID, event.TournamentStarted); got != 1 {
		t.Errorf("started events = %d, want 1", got)
	}
	if got := e.notifier.kinds()[notify.KindStarted]; got != 1 {
		t.Errorf("started notifications = %d, want 1", got)
	}

	if _, err := e.mgr.Start(context.Background(), tour.ID); !errors.Is(err, tournament.ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want %v", err, tournament.ErrAlreadyStarted)
	}
	for _, p := range playerIDs(4) {
		if got := e.balance(t, p); got != 90 {
			t.Errorf("balance(%s) after second start = %d, want 90", p, got)
		}
	}
}

func TestManager_Start_LobbyNotFull(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, 100, "alice")
	tour, _ := e.mgr.Create(ctx, tournament.CreateParams{Name: "Cup", MaxPlayers: 4, EntryFee: 10})
	_, _ = e.mgr.Join(ctx, tour.ID, "alice")

	if _, err := e.mgr.Start(ctx, tour.ID); !errors.Is(err, tournament.ErrLobbyNotFull) {
		t.Fatalf("Start() error = %v, want %v", err, tournament.ErrLobbyNotFull)
	}
	if e.creator.calls != 0 {
		t.Errorf("challenges created = %d, want 0", e.creator.calls)
	}
}

func TestManager_Start_FeeNoLongerCovered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.fund(t, 100, "alice", "bob")
	tour, _ := e.mgr.Create(ctx, tournament.CreateParams{Name: "Duel", MaxPlayers: 2, EntryFee: 10})
	_, _ = e.mgr.Join(ctx, tour.ID, "alice")
	_, _ = e.mgr.Join(ctx, tour.ID, "bob")

	if err := e.ledger.Debit(ctx, "bob", 95, "withdrawal"); err != nil {
		t.Fatalf("Debit() error = %v", err)
	}

	if _, err := e.mgr.Start(ctx, tour.ID); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("Start() error = %v, want %v", err, ledger.ErrInsufficientBalance)
	}
	got, _ := e.mgr.Get(ctx, tour.ID)
	if got.Status != store.StatusOpen {
		t.Errorf("Status = %s, want open", got.Status)
	}
	if b := e.balance(t, "alice"); b != 100 {
		t.Errorf("balance(alice) = %d, want 100 (no partial debit)", b)
	}
}

func TestManager_ApplyResult(t *testing.T) {
	tests := []struct {
		name       string
		outcome    lichess.Outcome
		wantApply  bool
		wantWinner func(store.Match) string
	}{
		{name: "white wins", outcome: lichess.OutcomeWhiteWon, wantApply: true, wantWinner: func(m store.Match) string { return m.Player1ID }},
		{name: "black wins", outcome: lichess.OutcomeBlackWon, wantApply: true, wantWinner: func(m store.Match) string { return m.Player2ID }},
		{name: "draw", outcome: lichess.OutcomeDraw, wantApply: true, wantWinner: func(store.Match) string { return store.DrawWinner }},
		{name: "in progress", outcome: lichess.OutcomeInProgress},
		{name: "unknown", outcome: lichess.OutcomeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			tour := e.started(t, 2)
			match := tour.Stages[0].Matches[0]

			res, err := e.mgr.ApplyResult(context.Background(), tour.ID, 0, 0, tt.outcome, "mate")
			if err != nil {
				t.Fatalf("ApplyResult() error = %v", err)
			}
			if res.Applied != tt.wantApply {
				t.Fatalf("Applied = %v, want %v", res.Applied, tt.wantApply)
			}

			got, _ := e.mgr.Get(context.Background(), tour.ID)
			stored := got.Stages[0].Matches[0]
			if !tt.wantApply {
				if stored.Result != store.ResultPending || stored.WinnerID != nil {
					t.Errorf("match = %+v, want untouched", stored)
				}
				return
			}
			want := tt.wantWinner(match)
			if res.WinnerID != want || stored.WinnerID == nil || *stored.WinnerID != want {
				t.Errorf("winner = %q (stored %v), want %q", res.WinnerID, stored.WinnerID, want)
			}
			if stored.Result != store.ResultFinished || stored.StatusLabel != "mate" || stored.FinishedAt == nil {
				t.Errorf("match = %+v, want finished with status mate", stored)
			}
		})
	}
}

func TestManager_ApplyResult_FirstWriteWins(t *testing.T) {
	e := newEnv(t)
	tour := e.started(t, 2)
	ctx := context.Background()

	first, err := e.mgr.ApplyResult(ctx, tour.ID, 0, 0, lichess.OutcomeWhiteWon, "resign")
	if err != nil || !first.Applied {
		t.Fatalf("first ApplyResult() = %+v, %v; want applied", first, err)
	}
	second, err := e.mgr.ApplyResult(ctx, tour.ID, 0, 0, lichess.OutcomeBlackWon, "mate")
	if err != nil {
		t.Fatalf("second ApplyResult() error = %v", err)
	}
	if second.Applied {
		t.Error("second ApplyResult() applied over a terminal result")
	}

	got, _ := e.mgr.Get(ctx, tour.ID)
	m := got.Stages[0].Matches[0]
	if *m.WinnerID != m.Player1ID || m.StatusLabel != "resign" {
		t.Errorf("match = %+v, want first result kept", m)
	}
	if n := e.eventCount(t, tour.ID, event.MatchFinished); n != 1 {
		t.Errorf("match finished events = %d, want 1", n)
	}
}

func TestManager_ApplyResult_OutOfRange(t *testing.T) {
	e := newEnv(t)
	tour := e.started(t, 2)
	ctx := context.Background()

	if _, err := e.mgr.ApplyResult(ctx, tour.ID, 3, 0, lichess.OutcomeWhiteWon, ""); !errors.Is(err, tournament.ErrStageOutOfRange) {
		t.Errorf("ApplyResult() error = %v, want %v", err, tournament.ErrStageOutOfRange)
	}
	if _, err := e.mgr.ApplyResult(ctx, tour.ID, 0, 5, lichess.OutcomeWhiteWon, ""); !errors.Is(err, tournament.ErrMatchNotFound) {
		t.Errorf("ApplyResult() error = %v, want %v", err, tournament.ErrMatchNotFound)
	}
	if _, err := e.mgr.ApplyResult(ctx, "missing", 0, 0, lichess.OutcomeWhiteWon, ""); !errors.Is(err, tournament.ErrNotFound) {
		t.Errorf("ApplyResult() error = %v, want %v", err, tournament.ErrNotFound)
	}
}

func TestManager_FullTournament(t *testing.T) {
	e := newEnv(t)
	tour := e.started(t, 4)
	ctx := context.Background()

	res, err := e.mgr.TryAdvance(ctx, tour.ID)
	if err != nil {
		t.Fatalf("TryAdvance() error = %v", err)
	}
	if res.Status != tournament.NotReady || res.Pending != 2 {
		t.Fatalf("TryAdvance() = %+v, want NotReady with 2 pending", res)
	}

	e.finishCurrent(t, tour.ID)
	res, err = e.mgr.TryAdvance(ctx, tour.ID)
	if err != nil {
		t.Fatalf("TryAdvance() error = %v", err)
	}
	if res.Status != tournament.Advanced || res.StageName != "Final" {
		t.Fatalf("TryAdvance() = %+v, want Advanced to Final", res)
	}

	got, _ := e.mgr.Get(ctx, tour.ID)
	if got.CurrentStageIndex != 1 || len(got.Stages) != 2 {
		t.Fatalf("stages = %d at index %d, want 2 at 1", len(got.Stages), got.CurrentStageIndex)
	}
	if len(got.AdvancingPlayers) != 0 {
		t.Errorf("AdvancingPlayers = %v, want reset", got.AdvancingPlayers)
	}
	final := got.Stages[1].Matches[0]
	winner := final.Player1ID

	e.finishCurrent(t, tour.ID)
	res, err = e.mgr.TryAdvance(ctx, tour.ID)
	if err != nil {
		t.Fatalf("TryAdvance() error = %v", err)
	}
	if res.Status != tournament.Finalized || res.Winner != winner || res.PayoutErr != nil {
		t.Fatalf("TryAdvance() = %+v, want Finalized for %s", res, winner)
	}

	got, _ = e.mgr.Get(ctx, tour.ID)
	if got.Status != store.StatusCompleted || got.Winner == nil || *got.Winner != winner || got.CompletedAt == nil {
		t.Errorf("tournament = %+v, want completed with winner %s", got, winner)
	}
	if b := e.balance(t, winner); b != 90+40 {
		t.Errorf("winner balance = %d, want 130", b)
	}

	again, err := e.mgr.TryAdvance(ctx, tour.ID)
	if err != nil {
		t.Fatalf("TryAdvance() error = %v", err)
	}
	if again.Status != tournament.Finalized || again.Winner != winner {
		t.Errorf("TryAdvance() after completion = %+v", again)
	}
	if b := e.balance(t, winner); b != 130 {
		t.Errorf("winner balance after repeat = %d, want 130 (paid once)", b)
	}
	if n := e.eventCount(t, tour.ID, event.PrizePaid); n != 1 {
		t.Errorf("prize paid events = %d, want 1", n)
	}
	kinds := e.notifier.kinds()
	if kinds[notify.KindCompleted] != 1 || kinds[notify.KindStageAdvanced] != 1 || kinds[notify.KindMatchFinished] != 3 {
		t.Errorf("notifications = %v", kinds)
	}
}

func TestManager_OddPlayersGetBye(t *testing.T) {
	e := newEnv(t)
	tour := e.started(t, 3)
	ctx := context.Background()

	stage := tour.Stages[0]
	if stage.ByePlayerID == nil || len(stage.Matches) != 1 {
		t.Fatalf("stage = %+v, want one match and a bye", stage)
	}
	bye := *stage.ByePlayerID
	if len(tour.AdvancingPlayers) != 1 || tour.AdvancingPlayers[0] != bye {
		t.Fatalf("AdvancingPlayers = %v, want [%s]", tour.AdvancingPlayers, bye)
	}

	e.finishCurrent(t, tour.ID)
	res, err := e.mgr.TryAdvance(ctx, tour.ID)
	if err != nil {
		t.Fatalf("TryAdvance() error = %v", err)
	}
	if res.Status != tournament.Advanced || res.StageName != "Final" {
		t.Fatalf("TryAdvance() = %+v, want Advanced to Final", res)
	}

	got, _ := e.mgr.Get(ctx, tour.ID)
	final := got.Stages[1].Matches[0]
	players := map[string]bool{final.Player1ID: true, final.Player2ID: true}
	if !players[bye] || !players[stage.Matches[0].Player1ID] {
		t.Errorf("final = %s vs %s, want bye %s against the semifinal winner", final.Player1ID, final.Player2ID, bye)
	}
}

func TestManager_DrawAndErrorEliminateBoth(t *testing.T) {
	t.Run("draw", func(t *testing.T) {
		e := newEnv(t)
		tour := e.started(t, 4)
		ctx := context.Background()

		m1 := tour.Stages[0].Matches[1]
		_, _ = e.mgr.ApplyResult(ctx, tour.ID, 0, 0, lichess.OutcomeDraw, "stalemate")
		_, _ = e.mgr.ApplyResult(ctx, tour.ID, 0, 1, lichess.OutcomeBlackWon, "mate")

		res, err := e.mgr.TryAdvance(ctx, tour.ID)
		if err != nil {
			t.Fatalf("TryAdvance() error = %v", err)
		}
		if res.Status != tournament.Finalized || res.Winner != m1.Player2ID {
			t.Errorf("TryAdvance() = %+v, want Finalized for %s", res, m1.Player2ID)
		}
	})

	t.Run("failed pairing", func(t *testing.T) {
		e := newEnv(t, withCreator(&fakeCreator{failOn: map[int]bool{1: true}}))
		tour := e.started(t, 4)
		ctx := context.Background()

		if tour.Stages[0].Matches[0].Result != store.ResultError {
			t.Fatalf("first match = %+v, want error", tour.Stages[0].Matches[0])
		}
		winner := tour.Stages[0].Matches[1].Player1ID
		e.finishCurrent(t, tour.ID)

		res, err := e.mgr.TryAdvance(ctx, tour.ID)
		if err != nil {
			t.Fatalf("TryAdvance() error = %v", err)
		}
		if res.Status != tournament.Finalized || res.Winner != winner {
			t.Errorf("TryAdvance() = %+v, want Finalized for %s", res, winner)
		}
	})

	t.Run("nobody advances", func(t *testing.T) {
		e := newEnv(t)
		tour := e.started(t, 2)
		ctx := context.Background()

		_, _ = e.mgr.ApplyResult(ctx, tour.ID, 0, 0, lichess.OutcomeDraw, "draw")
		res, err := e.mgr.TryAdvance(ctx, tour.ID)
		if err != nil {
			t.Fatalf("TryAdvance() error = %v", err)
		}
		if res.Status != tournament.NotReady {
			t.Errorf("TryAdvance() = %+v, want NotReady", res)
		}
		got, _ := e.mgr.Get(ctx, tour.ID)
		if got.Status != store.StatusActive {
			t.Errorf("Status = %s, want active", got.Status)
		}
	})
}

func TestManager_TryAdvance_NotStarted(t *testing.T) {
	e := newEnv(t)
	tour, _ := e.mgr.Create(context.Background(), tournament.CreateParams{Name: "Cup", MaxPlayers: 2})

	res, err := e.mgr.TryAdvance(context.Background(), tour.ID)
	if err != nil {
		t.Fatalf("TryAdvance() error = %v", err)
	}
	if res.Status != tournament.NotReady {
		t.Errorf("TryAdvance() = %+v, want NotReady", res)
	}
	if _, err := e.mgr.TryAdvance(context.Background(), "missing"); !errors.Is(err, tournament.ErrNotFound) {
		t.Errorf("TryAdvance() error = %v, want %v", err, tournament.ErrNotFound)
	}
}

func TestManager_PayoutFailure(t *testing.T) {
	e := newEnv(t, withFailingPayout())
	tour := e.started(t, 2)
	ctx := context.Background()

	e.finishCurrent(t, tour.ID)
	res, err := e.mgr.TryAdvance(ctx, tour.ID)
	if err != nil {
		t.Fatalf("TryAdvance() error = %v", err)
	}
	if res.Status != tournament.Finalized {
		t.Fatalf("Status = %s, want finalized", res.Status)
	}
	if !errors.Is(res.PayoutErr, ledger.ErrPayoutTargetUnresolved) {
		t.Errorf("PayoutErr = %v, want %v", res.PayoutErr, ledger.ErrPayoutTargetUnresolved)
	}
	got, _ := e.mgr.Get(ctx, tour.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("Status = %s, want completed despite payout failure", got.Status)
	}
	if n := e.eventCount(t, tour.ID, event.PrizePayoutFailed); n != 1 {
		t.Errorf("payout failed events = %d, want 1", n)
	}
	if e.notifier.kinds()[notify.KindPayoutFailed] != 1 {
		t.Errorf("payout failed notifications = %v", e.notifier.kinds())
	}
}

func TestManager_IngestResult(t *testing.T) {
	e := newEnv(t)
	tour := e.started(t, 4)
	ctx := context.Background()
	m0 := tour.Stages[0].Matches[0]
	m1 := tour.Stages[0].Matches[1]

	t.Run("exact reference", func(t *testing.T) {
		out, err := e.mgr.IngestResult(ctx, tournament.Report{GameRef: m0.GameRef, Winner: "black", Status: "mate"})
		if err != nil {
			t.Fatalf("IngestResult() error = %v", err)
		}
		if out.TournamentID != tour.ID || out.StageIndex != 0 || out.MatchIndex != 0 {
			t.Errorf("located %s/%d/%d, want %s/0/0", out.TournamentID, out.StageIndex, out.MatchIndex, tour.ID)
		}
		if !out.Reconcile.Applied || out.Reconcile.WinnerID != m0.Player2ID {
			t.Errorf("Reconcile = %+v, want %s applied", out.Reconcile, m0.Player2ID)
		}
		if out.Advance.Status != tournament.NotReady {
			t.Errorf("Advance = %+v, want NotReady", out.Advance)
		}
	})

	t.Run("player link", func(t *testing.T) {
		out, err := e.mgr.IngestResult(ctx, tournament.Report{GameRef: m1.GameRef + "abcd", Winner: "white", Status: "resign"})
		if err != nil {
			t.Fatalf("IngestResult() error = %v", err)
		}
		if out.MatchIndex != 1 || !out.Reconcile.Applied {
			t.Errorf("IngestResult() = %+v, want match 1 applied", out)
		}
		if out.Advance.Status != tournament.Advanced || out.Advance.StageName != "Final" {
			t.Errorf("Advance = %+v, want Advanced to Final", out.Advance)
		}
	})

	t.Run("duplicate push", func(t *testing.T) {
		out, err := e.mgr.IngestResult(ctx, tournament.Report{GameRef: m0.GameRef, Winner: "white", Status: "mate"})
		if err != nil {
			t.Fatalf("IngestResult() error = %v", err)
		}
		if out.Reconcile.Applied {
			t.Error("duplicate push applied again")
		}
	})

	t.Run("unknown game", func(t *testing.T) {
		_, err := e.mgr.IngestResult(ctx, tournament.Report{GameRef: "https://lichess.org/zzzzzzzz", Winner: "white"})
		if !errors.Is(err, tournament.ErrMatchNotFound) {
			t.Errorf("IngestResult() error = %v, want %v", err, tournament.ErrMatchNotFound)
		}
	})

	t.Run("empty reference", func(t *testing.T) {
		_, err := e.mgr.IngestResult(ctx, tournament.Report{GameRef: "  "})
		if !errors.Is(err, tournament.ErrInvalidReport) {
			t.Errorf("IngestResult() error = %v, want %v", err, tournament.ErrInvalidReport)
		}
	})
}

// TestManager_ConcurrentPushAndPoll drives every transition from many
// goroutines at once, mixing the push path with direct reconciliation and
// advancement, and checks each one happened exactly once.
func TestManager_ConcurrentPushAndPoll(t *testing.T) {
	e := newEnv(t)
	tour := e.started(t, 4)
	ctx := context.Background()

	const workers = 10
	run := func(stageIndex, matchIndex int, ref string) int {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				var ok bool
				switch i % 3 {
				case 0:
					res, err := e.mgr.ApplyResult(ctx, tour.ID, stageIndex, matchIndex, lichess.OutcomeWhiteWon, "mate")
					if err != nil {
						t.Errorf("ApplyResult() error = %v", err)
					}
					ok = res.Applied
				case 1:
					out, err := e.mgr.IngestResult(ctx, tournament.Report{GameRef: ref, Winner: "white", Status: "mate"})
					if err != nil {
						t.Errorf("IngestResult() error = %v", err)
					}
					ok = out.Reconcile.Applied
				default:
					if _, err := e.mgr.TryAdvance(ctx, tour.ID); err != nil {
						t.Errorf("TryAdvance() error = %v", err)
					}
				}
				if ok {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		return applied
	}

	for mi, m := range tour.Stages[0].Matches {
		if n := run(0, mi, m.GameRef); n != 1 {
			t.Errorf("semifinal %d applied %d times, want 1", mi, n)
		}
	}
	if _, err := e.mgr.TryAdvance(ctx, tour.ID); err != nil {
		t.Fatalf("TryAdvance() error = %v", err)
	}

	got, _ := e.mgr.Get(ctx, tour.ID)
	if len(got.Stages) != 2 || got.CurrentStageIndex != 1 {
		t.Fatalf("stages = %d at index %d, want 2 at 1", len(got.Stages), got.CurrentStageIndex)
	}
	final := got.Stages[1].Matches[0]
	if n := run(1, 0, final.GameRef); n != 1 {
		t.Errorf("final applied %d times, want 1", n)
	}
	if _, err := e.mgr.TryAdvance(ctx, tour.ID); err != nil {
		t.Fatalf("TryAdvance() error = %v", err)
	}

	got, _ = e.mgr.Get(ctx, tour.ID)
	if got.Status != store.StatusCompleted || *got.Winner != final.Player1ID {
		t.Fatalf("tournament = %s winner %v, want completed for %s", got.Status, got.Winner, final.Player1ID)
	}
	if b := e.balance(t, final.Player1ID); b != 130 {
		t.Errorf("winner balance = %d, want 130 (paid exactly once)", b)
	}

	wantEvents := map[event.Type]int{
		event.MatchFinished:       3,
		event.StageCreated:        2,
		event.TournamentCompleted: 1,
		event.PrizePaid:           1,
	}
	for typ, want := range wantEvents {
		if n := e.eventCount(t, tour.ID, typ); n != want {
			t.Errorf("%s events = %d, want %d", typ, n, want)
		}
	}
}

func TestManager_ListAndHistory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	active := e.started(t, 2)
	if _, err := e.mgr.Create(ctx, tournament.CreateParams{Name: "Later", MaxPlayers: 4}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	all, err := e.mgr.List(ctx, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List(all) = %d, want 2", len(all))
	}
	open, _ := e.mgr.List(ctx, store.StatusOpen)
	if len(open) != 1 || open[0].Name != "Later" {
		t.Errorf("List(open) = %+v, want Later", open)
	}
	if _, err := e.mgr.List(ctx, "bogus"); !errors.Is(err, tournament.ErrInvalidConfig) {
		t.Errorf("List(bogus) error = %v, want %v", err, tournament.ErrInvalidConfig)
	}

	evts, err := e.mgr.History(ctx, active.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	wantOrder := []event.Type{event.TournamentCreated, event.TournamentJoined, event.TournamentJoined, event.TournamentStarted, event.StageCreated}
	if len(evts) != len(wantOrder) {
		t.Fatalf("History() = %d events, want %d", len(evts), len(wantOrder))
	}
	for i, typ := range wantOrder {
		if evts[i].Type != typ {
			t.Errorf("event %d = %s, want %s", i, evts[i].Type, typ)
		}
	}
	if _, err := e.mgr.History(ctx, "missing"); !errors.Is(err, tournament.ErrNotFound) {
		t.Errorf("History() error = %v, want %v", err, tournament.ErrNotFound)
	}
}
