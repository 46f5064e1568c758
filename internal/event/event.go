package event

import (
	"encoding/json"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	TournamentCreated   Type = "tournament.created"
	TournamentJoined    Type = "tournament.player_joined"
	TournamentStarted   Type = "tournament.started"
	TournamentCompleted Type = "tournament.completed"

	StageCreated  Type = "stage.created"
	MatchFinished Type = "match.finished"

	AccountRegistered Type = "account.registered"
	AccountCredited   Type = "account.credited"
	AccountDebited    Type = "account.debited"

	PrizePaid         Type = "prize.paid"
	PrizePayoutFailed Type = "prize.payout_failed"
)

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// New builds an event with a JSON-encoded payload. Payloads are plain
// structs so encoding never fails in practice; a failure yields an empty
// object rather than losing the event.
func New(aggregateID string, typ Type, payload any, at time.Time) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return Event{
		AggregateID: aggregateID,
		Type:        typ,
		Data:        data,
		CreatedAt:   at,
	}
}

// TournamentCreatedData is the payload for TournamentCreated events.
type TournamentCreatedData struct {
	Name       string `json:"name"`
	CreatedBy  string `json:"created_by"`
	MaxPlayers int    `json:"max_players"`
	EntryFee   int    `json:"entry_fee"`
	PrizePool  int    `json:"prize_pool"`
	Rated      bool   `json:"rated"`
}

// PlayerJoinedData is the payload for TournamentJoined events.
type PlayerJoinedData struct {
	PlayerID string `json:"player_id"`
}

// TournamentStartedData is the payload for TournamentStarted events.
type TournamentStartedData struct {
	PlayerIDs      []string `json:"player_ids"`
	EntryFee       int      `json:"entry_fee"`
	FeesCollected  int      `json:"fees_collected"`
	FirstStageName string   `json:"first_stage_name"`
}

// StageCreatedData is the payload for StageCreated events.
type StageCreatedData struct {
	StageIndex  int    `json:"stage_index"`
	Name        string `json:"name"`
	Matches     int    `json:"matches"`
	Errored     int    `json:"errored"`
	ByePlayerID string `json:"bye_player_id,omitempty"`
}

// MatchFinishedData is the payload for MatchFinished events.
type MatchFinishedData struct {
	StageIndex  int    `json:"stage_index"`
	MatchIndex  int    `json:"match_index"`
	GameRef     string `json:"game_ref"`
	WinnerID    string `json:"winner_id"`
	StatusLabel string `json:"status_label,omitempty"`
}

// TournamentCompletedData is the payload for TournamentCompleted events.
type TournamentCompletedData struct {
	WinnerID  string `json:"winner_id"`
	PrizePool int    `json:"prize_pool"`
}

// BalanceChangeData is the payload for account credit and debit events.
type BalanceChangeData struct {
	LichessID string `json:"lichess_id"`
	Amount    int    `json:"amount"`
	Reason    string `json:"reason"`
}

// AccountRegisteredData is the payload for AccountRegistered events.
type AccountRegisteredData struct {
	LichessID string `json:"lichess_id"`
}

// PrizeData is the payload for PrizePaid and PrizePayoutFailed events.
type PrizeData struct {
	TournamentID string `json:"tournament_id"`
	WinnerID     string `json:"winner_id"`
	Amount       int    `json:"amount"`
	Error        string `json:"error,omitempty"`
}
