package tournament

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/chess-knockout/internal/event"
	"github.com/jensholdgaard/chess-knockout/internal/notify"
	"github.com/jensholdgaard/chess-knockout/internal/store"
)

// AdvanceStatus is the outcome of TryAdvance.
type AdvanceStatus string

const (
	NotReady  AdvanceStatus = "not_ready"
	Advanced  AdvanceStatus = "advanced"
	Finalized AdvanceStatus = "finalized"
)

// AdvanceResult reports what TryAdvance decided.
type AdvanceResult struct {
	Status AdvanceStatus `json:"status"`
	Detail string        `json:"detail"`
	// StageName and ByePlayerID describe the stage appended on Advanced.
	StageName   string  `json:"stage_name,omitempty"`
	ByePlayerID *string `json:"bye_player_id,omitempty"`
	// Winner is set on Finalized.
	Winner string `json:"winner,omitempty"`
	// Pending counts unresolved matches on NotReady.
	Pending int `json:"pending,omitempty"`
	// PayoutErr is set when this call finalized the tournament but the
	// prize could not be credited.
	PayoutErr error `json:"-"`
}

// TryAdvance looks at the last stage and, once every match is resolved,
// either appends the next stage or completes the tournament. Only the
// caller whose conditional write succeeds acts; a caller that loses the
// race returns the state the winner produced.
func (m *Manager) TryAdvance(ctx context.Context, id string) (AdvanceResult, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.TryAdvance",
		trace.WithAttributes(attribute.String("tournament_id", id)),
	)
	defer span.End()

	t, err := m.get(ctx, id)
	if err != nil {
		return AdvanceResult{}, err
	}
	if t.Status == store.StatusCompleted {
		return completedResult(t, "already completed"), nil
	}
	if t.Status != store.StatusActive || len(t.Stages) == 0 {
		return AdvanceResult{Status: NotReady, Detail: "not started"}, nil
	}

	expected := t.CurrentStageIndex
	stage := t.Stages[len(t.Stages)-1]
	if pending := stage.Pending(); pending > 0 {
		return AdvanceResult{
			Status:  NotReady,
			Detail:  fmt.Sprintf("%d matches pending in %s", pending, stage.Name),
			Pending: pending,
		}, nil
	}

	candidates := advancing(stage, t.AdvancingPlayers)
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	switch len(candidates) {
	case 0:
		return AdvanceResult{Status: NotReady, Detail: "no players advance from " + stage.Name}, nil
	case 1:
		return m.finalize(ctx, t, expected, candidates[0])
	default:
		return m.advance(ctx, t, expected, candidates)
	}
}

// advancing returns the unique non-draw winners of the stage followed by
// the players already recorded as advancing (byes included).
func advancing(s store.Stage, recorded []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if p == "" || p == store.DrawWinner {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, mt := range s.Matches {
		if mt.WinnerID != nil {
			add(*mt.WinnerID)
		}
	}
	for _, p := range recorded {
		add(p)
	}
	return out
}

func (m *Manager) finalize(ctx context.Context, t *store.Tournament, expected int, winner string) (AdvanceResult, error) {
	err := m.tournaments.Complete(ctx, t.ID, expected, winner)
	if errors.Is(err, store.ErrConflict) {
		return m.raceLost(ctx, t.ID)
	}
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("completing tournament: %w", err)
	}

	m.metrics.TournamentCompleted(ctx)
	m.record(ctx, event.New(t.ID, event.TournamentCompleted, event.TournamentCompletedData{
		WinnerID:  winner,
		PrizePool: t.PrizePool,
	}, m.clock.Now()))
	m.logger.InfoContext(ctx, "tournament completed",
		slog.String("tournament_id", t.ID),
		slog.String("winner", winner),
		slog.Int("amount", t.PrizePool),
	)

	res := AdvanceResult{Status: Finalized, Detail: "completed", Winner: winner}

	done := t.Clone()
	done.Status = store.StatusCompleted
	done.Winner = &winner
	if perr := m.ledger.Payout(ctx, done); perr != nil {
		res.PayoutErr = perr
		m.metrics.PayoutFailure(ctx)
		m.record(ctx, event.New(t.ID, event.PrizePayoutFailed, event.PrizeData{
			TournamentID: t.ID,
			WinnerID:     winner,
			Amount:       t.PrizePool,
			Error:        perr.Error(),
		}, m.clock.Now()))
		m.logger.ErrorContext(ctx, "prize payout failed, settle manually",
			slog.String("tournament_id", t.ID),
			slog.String("winner", winner),
			slog.Int("amount", t.PrizePool),
			slog.Any("error", perr),
		)
		m.notify(ctx, notify.Notification{
			TournamentID: t.ID,
			Kind:         notify.KindPayoutFailed,
			Title:        t.Name + ": payout failed",
			Message:      fmt.Sprintf("%d could not be credited to %s: %v", t.PrizePool, winner, perr),
		})
	}

	m.notify(ctx, notify.Notification{
		TournamentID: t.ID,
		Kind:         notify.KindCompleted,
		Title:        t.Name + " is over",
		Message:      fmt.Sprintf("%s wins the prize pool of %d", winner, t.PrizePool),
	})
	return res, nil
}

func (m *Manager) advance(ctx context.Context, t *store.Tournament, expected int, candidates []string) (AdvanceResult, error) {
	next, err := m.builder.Build(ctx, candidates, t.Rated)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("building next stage: %w", err)
	}

	err = m.tournaments.AppendStage(ctx, store.AppendStageParams{
		TournamentID:       t.ID,
		ExpectedStageIndex: expected,
		Stage:              next,
		AdvancingPlayers:   byeSet(next),
	})
	if errors.Is(err, store.ErrConflict) {
		// The challenges opened for next are abandoned on the chess server.
		m.logger.WarnContext(ctx, "stage advanced concurrently, discarding built stage",
			slog.String("tournament_id", t.ID),
			slog.String("stage", next.Name),
		)
		return m.raceLost(ctx, t.ID)
	}
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("appending stage: %w", err)
	}

	m.metrics.StageAdvanced(ctx)
	m.record(ctx, stageCreatedEvent(t.ID, expected+1, next, m.clock))
	m.logger.InfoContext(ctx, "stage advanced",
		slog.String("tournament_id", t.ID),
		slog.String("stage", next.Name),
		slog.Int("players", len(candidates)),
	)
	m.notify(ctx, notify.Notification{
		TournamentID: t.ID,
		Kind:         notify.KindStageAdvanced,
		Title:        t.Name + ": " + next.Name,
		Message:      describeStage(next),
	})

	return AdvanceResult{
		Status:      Advanced,
		Detail:      fmt.Sprintf("%d players advance", len(candidates)),
		StageName:   next.Name,
		ByePlayerID: next.ByePlayerID,
	}, nil
}

// raceLost reports the state left by the concurrent caller that won.
func (m *Manager) raceLost(ctx context.Context, id string) (AdvanceResult, error) {
	t, err := m.get(ctx, id)
	if err != nil {
		return AdvanceResult{}, err
	}
	if t.Status == store.StatusCompleted {
		return completedResult(t, "completed concurrently"), nil
	}
	cur, ok := t.CurrentStage()
	if !ok {
		return AdvanceResult{Status: NotReady, Detail: "advanced concurrently"}, nil
	}
	return AdvanceResult{
		Status:      Advanced,
		Detail:      "advanced concurrently",
		StageName:   cur.Name,
		ByePlayerID: cur.ByePlayerID,
	}, nil
}

func completedResult(t *store.Tournament, detail string) AdvanceResult {
	res := AdvanceResult{Status: Finalized, Detail: detail}
	if t.Winner != nil {
		res.Winner = *t.Winner
	}
	return res
}
