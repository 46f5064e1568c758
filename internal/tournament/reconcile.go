package tournament

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/chess-knockout/internal/event"
	"github.com/jensholdgaard/chess-knockout/internal/lichess"
	"github.com/jensholdgaard/chess-knockout/internal/notify"
	"github.com/jensholdgaard/chess-knockout/internal/store"
)

// ReconcileResult reports what ApplyResult did.
type ReconcileResult struct {
	// Applied is true only for the caller whose write recorded the result.
	Applied  bool
	WinnerID string
}

// ApplyResult records a terminal outcome for one match. Non-terminal
// outcomes and matches that already hold a result are left alone, so
// repeated or concurrent calls for the same match record it once.
func (m *Manager) ApplyResult(ctx context.Context, tournamentID string, stageIndex, matchIndex int, outcome lichess.Outcome, statusLabel string) (ReconcileResult, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ApplyResult",
		trace.WithAttributes(
			attribute.String("tournament_id", tournamentID),
			attribute.Int("stage", stageIndex),
			attribute.Int("match", matchIndex),
			attribute.String("outcome", outcome.String()),
		),
	)
	defer span.End()

	t, err := m.get(ctx, tournamentID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if stageIndex < 0 || stageIndex >= len(t.Stages) {
		return ReconcileResult{}, fmt.Errorf("%w: %d", ErrStageOutOfRange, stageIndex)
	}
	matches := t.Stages[stageIndex].Matches
	if matchIndex < 0 || matchIndex >= len(matches) {
		return ReconcileResult{}, fmt.Errorf("%w: stage %d match %d", ErrMatchNotFound, stageIndex, matchIndex)
	}
	match := matches[matchIndex]

	if t.Status != store.StatusActive || match.Result.Terminal() || !outcome.Terminal() {
		return ReconcileResult{}, nil
	}

	var winner string
	switch outcome {
	case lichess.OutcomeWhiteWon:
		winner = match.Player1ID
	case lichess.OutcomeBlackWon:
		winner = match.Player2ID
	default:
		winner = store.DrawWinner
	}

	applied, err := m.tournaments.FinishMatch(ctx, store.FinishMatchParams{
		TournamentID: tournamentID,
		StageIndex:   stageIndex,
		MatchIndex:   matchIndex,
		WinnerID:     winner,
		StatusLabel:  statusLabel,
		FinishedAt:   m.clock.Now(),
	})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("finishing match: %w", err)
	}
	if !applied {
		return ReconcileResult{}, nil
	}

	m.metrics.MatchReconciled(ctx, outcome.String())
	m.record(ctx, event.New(tournamentID, event.MatchFinished, event.MatchFinishedData{
		StageIndex:  stageIndex,
		MatchIndex:  matchIndex,
		GameRef:     match.GameRef,
		WinnerID:    winner,
		StatusLabel: statusLabel,
	}, m.clock.Now()))

	m.logger.InfoContext(ctx, "match finished",
		slog.String("tournament_id", tournamentID),
		slog.Int("stage", stageIndex),
		slog.Int("match", matchIndex),
		slog.String("winner", winner),
		slog.String("status", statusLabel),
	)

	msg := fmt.Sprintf("%s vs %s: %s wins", match.Player1ID, match.Player2ID, winner)
	if winner == store.DrawWinner {
		msg = fmt.Sprintf("%s vs %s: draw, both eliminated", match.Player1ID, match.Player2ID)
	}
	m.notify(ctx, notify.Notification{
		TournamentID: tournamentID,
		Kind:         notify.KindMatchFinished,
		Title:        t.Stages[stageIndex].Name + " result",
		Message:      msg,
	})

	return ReconcileResult{Applied: true, WinnerID: winner}, nil
}

// Report is a pushed game result.
type Report struct {
	GameRef string
	// Winner is the winning color ("white" or "black"); empty for draws.
	Winner string
	Status string
}

// IngestOutcome reports what IngestResult did.
type IngestOutcome struct {
	TournamentID string
	StageIndex   int
	MatchIndex   int
	Reconcile    ReconcileResult
	Advance      AdvanceResult
}

// IngestResult locates the match a pushed report refers to, applies the
// result and then tries to advance the tournament.
func (m *Manager) IngestResult(ctx context.Context, r Report) (IngestOutcome, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.IngestResult",
		trace.WithAttributes(attribute.String("game_ref", r.GameRef)),
	)
	defer span.End()

	ref := strings.TrimSpace(r.GameRef)
	gameID := lichess.GameID(ref)
	if gameID == "" {
		return IngestOutcome{}, fmt.Errorf("%w: empty game reference", ErrInvalidReport)
	}
	outcome := lichess.Classify(r.Status, r.Winner)

	t, stageIndex, matchIndex, err := m.locate(ctx, ref, gameID)
	if err != nil {
		return IngestOutcome{}, err
	}

	res := IngestOutcome{TournamentID: t.ID, StageIndex: stageIndex, MatchIndex: matchIndex}
	res.Reconcile, err = m.ApplyResult(ctx, t.ID, stageIndex, matchIndex, outcome, r.Status)
	if err != nil {
		return res, err
	}
	res.Advance, err = m.TryAdvance(ctx, t.ID)
	if err != nil {
		return res, fmt.Errorf("advancing tournament: %w", err)
	}
	return res, nil
}

// locate finds the match for a game: an exact game reference match wins
// over one that merely contains the game id.
func (m *Manager) locate(ctx context.Context, ref, gameID string) (*store.Tournament, int, int, error) {
	candidates, err := m.tournaments.ListByGameID(ctx, gameID)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("finding tournaments for game %s: %w", gameID, err)
	}

	matchers := []func(store.Match) bool{
		func(mt store.Match) bool { return mt.GameRef == ref },
		func(mt store.Match) bool { return mt.GameRef != "" && lichess.GameID(mt.GameRef) == gameID },
	}
	for _, matches := range matchers {
		for i := range candidates {
			t := &candidates[i]
			for si := len(t.Stages) - 1; si >= 0; si-- {
				for mi, mt := range t.Stages[si].Matches {
					if matches(mt) {
						return t, si, mi, nil
					}
				}
			}
		}
	}
	return nil, 0, 0, fmt.Errorf("%w: game %s", ErrMatchNotFound, gameID)
}
