package store_test

import (
	"testing"
	"time"

	"github.com/jensholdgaard/chess-knockout/internal/store"
)

func TestTournament_Clone(t *testing.T) {
	winner := "alice"
	bye := "carol"
	now := time.Now()
	orig := &store.Tournament{
		ID:               "t-1",
		PlayerIDs:        []string{"alice", "bob", "carol"},
		AdvancingPlayers: []string{"carol"},
		Stages: []store.Stage{{
			Name:        "Round of 3",
			ByePlayerID: &bye,
			Matches: []store.Match{{
				Player1ID:  "alice",
				Player2ID:  "bob",
				Result:     store.ResultFinished,
				WinnerID:   &winner,
				FinishedAt: &now,
			}},
		}},
	}

	c := orig.Clone()
	c.PlayerIDs[0] = "mallory"
	c.AdvancingPlayers[0] = "mallory"
	*c.Stages[0].ByePlayerID = "mallory"
	*c.Stages[0].Matches[0].WinnerID = "mallory"
	c.Stages[0].Matches[0].Result = store.ResultError

	if orig.PlayerIDs[0] != "alice" {
		t.Error("PlayerIDs shared with clone")
	}
	if orig.AdvancingPlayers[0] != "carol" {
		t.Error("AdvancingPlayers shared with clone")
	}
	if *orig.Stages[0].ByePlayerID != "carol" {
		t.Error("ByePlayerID shared with clone")
	}
	if *orig.Stages[0].Matches[0].WinnerID != "alice" {
		t.Error("WinnerID shared with clone")
	}
	if orig.Stages[0].Matches[0].Result != store.ResultFinished {
		t.Error("Matches shared with clone")
	}
}

func TestTournament_CurrentStage(t *testing.T) {
	tests := []struct {
		name  string
		index int
		n     int
		want  bool
	}{
		{name: "no stages", index: -1, n: 0, want: false},
		{name: "first stage", index: 0, n: 1, want: true},
		{name: "index past end", index: 2, n: 2, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &store.Tournament{CurrentStageIndex: tt.index, Stages: make([]store.Stage, tt.n)}
			if _, ok := tr.CurrentStage(); ok != tt.want {
				t.Errorf("CurrentStage() ok = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestStage_Pending(t *testing.T) {
	s := store.Stage{Matches: []store.Match{
		{Result: store.ResultPending},
		{Result: store.ResultFinished},
		{Result: store.ResultError},
		{Result: store.ResultPending},
	}}
	if got := s.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
}
