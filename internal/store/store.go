package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update matched no row
	// because another writer changed the record first.
	ErrConflict = errors.New("conditional update matched no record")
	// ErrInsufficientFunds is returned when a debit would make a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// TournamentStatus is the lifecycle state of a tournament.
type TournamentStatus string

const (
	StatusOpen      TournamentStatus = "open"
	StatusActive    TournamentStatus = "active"
	StatusCompleted TournamentStatus = "completed"
)

// MatchResult is the lifecycle state of a single match.
type MatchResult string

const (
	ResultPending  MatchResult = "pending"
	ResultFinished MatchResult = "finished"
	ResultError    MatchResult = "error"
)

// Terminal reports whether the result can no longer change.
func (r MatchResult) Terminal() bool { return r == ResultFinished || r == ResultError }

// DrawWinner is the winner marker recorded for drawn matches.
const DrawWinner = "draw"

// Match pairs two players in one game on the chess server. Player1 plays white.
type Match struct {
	Player1ID   string      `json:"player1_id"`
	Player2ID   string      `json:"player2_id"`
	GameRef     string      `json:"game_ref"`
	WhiteURL    string      `json:"white_url,omitempty"`
	BlackURL    string      `json:"black_url,omitempty"`
	Result      MatchResult `json:"result"`
	WinnerID    *string     `json:"winner_id"`
	StatusLabel string      `json:"status_label,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// Stage is one elimination round.
type Stage struct {
	Name        string    `json:"name"`
	Matches     []Match   `json:"matches"`
	ByePlayerID *string   `json:"bye_player_id,omitempty"`
	StartTime   time.Time `json:"start_time"`
}

// Pending returns the number of matches still awaiting a result.
func (s Stage) Pending() int {
	n := 0
	for _, m := range s.Matches {
		if m.Result == ResultPending {
			n++
		}
	}
	return n
}

// Tournament is the single-elimination tournament aggregate.
type Tournament struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	CreatedBy         string           `json:"created_by"`
	MaxPlayers        int              `json:"max_players"`
	PlayerIDs         []string         `json:"player_ids"`
	EntryFee          int              `json:"entry_fee"`
	PrizePool         int              `json:"prize_pool"`
	Rated             bool             `json:"rated"`
	Stages            []Stage          `json:"stages"`
	CurrentStageIndex int              `json:"current_stage_index"`
	AdvancingPlayers  []string         `json:"advancing_players"`
	Winner            *string          `json:"winner"`
	Status            TournamentStatus `json:"status"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
}

// Full reports whether the lobby has reached its capacity.
func (t *Tournament) Full() bool { return len(t.PlayerIDs) >= t.MaxPlayers }

// HasPlayer reports whether the player has joined.
func (t *Tournament) HasPlayer(id string) bool {
	for _, p := range t.PlayerIDs {
		if p == id {
			return true
		}
	}
	return false
}

// CurrentStage returns the stage at CurrentStageIndex, or false when the
// index does not address a stage.
func (t *Tournament) CurrentStage() (Stage, bool) {
	if t.CurrentStageIndex < 0 || t.CurrentStageIndex >= len(t.Stages) {
		return Stage{}, false
	}
	return t.Stages[t.CurrentStageIndex], true
}

// Clone returns a deep copy.
func (t *Tournament) Clone() *Tournament {
	c := *t
	c.PlayerIDs = append([]string(nil), t.PlayerIDs...)
	c.AdvancingPlayers = append([]string(nil), t.AdvancingPlayers...)
	c.Winner = clonePtr(t.Winner)
	c.CompletedAt = clonePtr(t.CompletedAt)
	if t.Stages != nil {
		c.Stages = make([]Stage, len(t.Stages))
		for i, s := range t.Stages {
			c.Stages[i] = s.Clone()
		}
	}
	return &c
}

// Clone returns a deep copy.
func (s Stage) Clone() Stage {
	c := s
	c.ByePlayerID = clonePtr(s.ByePlayerID)
	if s.Matches != nil {
		c.Matches = make([]Match, len(s.Matches))
		for i, m := range s.Matches {
			m.WinnerID = clonePtr(m.WinnerID)
			m.FinishedAt = clonePtr(m.FinishedAt)
			c.Matches[i] = m
		}
	}
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Account holds a player's balance, keyed by the chess server user id.
type Account struct {
	ID        string    `json:"id" db:"id"`
	LichessID string    `json:"lichess_id" db:"lichess_id"`
	Balance   int       `json:"balance" db:"balance"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ActivateParams describes the Open to Active transition.
type ActivateParams struct {
	TournamentID     string
	FirstStage       Stage
	AdvancingPlayers []string
}

// FinishMatchParams describes a terminal result for one match.
type FinishMatchParams struct {
	TournamentID string
	StageIndex   int
	MatchIndex   int
	WinnerID     string
	StatusLabel  string
	FinishedAt   time.Time
}

// AppendStageParams describes a new stage appended after the expected one.
type AppendStageParams struct {
	TournamentID       string
	ExpectedStageIndex int
	Stage              Stage
	AdvancingPlayers   []string
}

// TournamentRepository defines tournament persistence operations. Every
// mutating method is a single conditional update so that concurrent
// writers cannot double-apply a transition.
type TournamentRepository interface {
	Create(ctx context.Context, t *Tournament) error
	GetByID(ctx context.Context, id string) (*Tournament, error)
	ListByStatus(ctx context.Context, status TournamentStatus) ([]Tournament, error)
	// ListByGameID returns tournaments whose stages mention the game id.
	ListByGameID(ctx context.Context, gameID string) ([]Tournament, error)
	// AddPlayer appends a player to an open, non-full lobby they have not
	// joined yet. ErrConflict when any condition fails.
	AddPlayer(ctx context.Context, id, playerID string) error
	// Activate debits the entry fee from every player and moves a full,
	// open tournament to active with its first stage, all in one
	// transaction. ErrConflict when the tournament is no longer open and
	// ErrInsufficientFunds when any debit fails.
	Activate(ctx context.Context, p ActivateParams) error
	// FinishMatch records a terminal result if the match is still pending.
	// A non-draw winner of the current stage joins the advancing set in
	// the same write. Reports whether this call applied the result.
	FinishMatch(ctx context.Context, p FinishMatchParams) (bool, error)
	// AppendStage appends a stage if the current stage index still equals
	// the expected one. ErrConflict otherwise.
	AppendStage(ctx context.Context, p AppendStageParams) error
	// Complete marks the tournament completed with a winner if it is still
	// active at the expected stage index. ErrConflict otherwise.
	Complete(ctx context.Context, id string, expectedStageIndex int, winnerID string) error
}

// AccountRepository defines balance persistence operations. Balance
// changes are atomic increments, never read-modify-write.
type AccountRepository interface {
	Create(ctx context.Context, a *Account) error
	GetByLichessID(ctx context.Context, lichessID string) (*Account, error)
	List(ctx context.Context) ([]Account, error)
	Credit(ctx context.Context, lichessID string, amount int) error
	// Debit subtracts amount if the balance covers it, otherwise
	// ErrInsufficientFunds.
	Debit(ctx context.Context, lichessID string, amount int) error
}
