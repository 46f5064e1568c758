package lichess

import (
	"net/url"
	"strings"
)

// Outcome is the normalized state of a game on the chess server.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeInProgress
	OutcomeWhiteWon
	OutcomeBlackWon
	OutcomeDraw
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeWhiteWon:
		return "white_won"
	case OutcomeBlackWon:
		return "black_won"
	case OutcomeDraw:
		return "draw"
	default:
		return "unknown"
	}
}

// Terminal reports whether the outcome decides the match.
func (o Outcome) Terminal() bool {
	return o == OutcomeWhiteWon || o == OutcomeBlackWon || o == OutcomeDraw
}

// GameResult is a classified game state plus the raw status label.
type GameResult struct {
	Outcome Outcome `json:"outcome"`
	Status  string  `json:"status"`
}

// Classify maps a Lichess game status and winner color to an Outcome.
// Games that ended without a decisive or drawn result (aborted, never
// started) are Unknown.
func Classify(status, winner string) Outcome {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "created", "started":
		return OutcomeInProgress
	}

	switch strings.ToLower(strings.TrimSpace(winner)) {
	case "white":
		return OutcomeWhiteWon
	case "black":
		return OutcomeBlackWon
	}

	switch status {
	case "draw", "stalemate", "outoftime", "timeout", "insufficientmaterialclaim":
		return OutcomeDraw
	}
	return OutcomeUnknown
}

// GameID extracts the game id from a game URL or bare id: the first path
// segment without query or fragment, trimmed to the eight character game
// id since player-specific links append four characters.
func GameID(ref string) string {
	ref = strings.TrimSpace(ref)
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		ref = u.Path
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	id := ""
	for _, seg := range strings.Split(ref, "/") {
		// Skip a host (or host:port) left in the path of a scheme-less URL.
		if seg != "" && !strings.ContainsAny(seg, ".:") {
			id = seg
			break
		}
	}
	if len(id) > gameIDLength {
		id = id[:gameIDLength]
	}
	return id
}

const gameIDLength = 8
