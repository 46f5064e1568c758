// Package poller reconciles active tournaments against the chess server on
// a fixed interval. It is the fallback for results that were never pushed.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/chess-knockout/internal/clock"
	"github.com/jensholdgaard/chess-knockout/internal/lichess"
	"github.com/jensholdgaard/chess-knockout/internal/store"
	"github.com/jensholdgaard/chess-knockout/internal/telemetry"
	"github.com/jensholdgaard/chess-knockout/internal/tournament"
)

// Engine is the tournament side of a polling cycle.
type Engine interface {
	List(ctx context.Context, status store.TournamentStatus) ([]store.Tournament, error)
	ApplyResult(ctx context.Context, tournamentID string, stageIndex, matchIndex int, outcome lichess.Outcome, statusLabel string) (tournament.ReconcileResult, error)
	TryAdvance(ctx context.Context, id string) (tournament.AdvanceResult, error)
}

// OutcomeFetcher looks up the state of one game.
type OutcomeFetcher interface {
	FetchOutcome(ctx context.Context, gameID string) (lichess.GameResult, error)
}

// Stats summarizes one cycle.
type Stats struct {
	Tournaments int
	Applied     int
	Advanced    int
	Finalized   int
	Incomplete  int
	Failed      int
}

// Poller runs polling cycles.
type Poller struct {
	engine   Engine
	fetcher  OutcomeFetcher
	interval time.Duration
	clock    clock.Clock
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer

	mu   sync.RWMutex
	last time.Time
}

// New returns a Poller that waits interval between cycles.
func New(engine Engine, fetcher OutcomeFetcher, interval time.Duration, clk clock.Clock, metrics *telemetry.Metrics, logger *slog.Logger, tp trace.TracerProvider) *Poller {
	return &Poller{
		engine:   engine,
		fetcher:  fetcher,
		interval: interval,
		clock:    clk,
		metrics:  metrics,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/chess-knockout/internal/poller"),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "poller started", slog.Duration("interval", p.interval))
	for ctx.Err() == nil {
		p.RunCycle(ctx)
		select {
		case <-ctx.Done():
		case <-p.clock.After(p.interval):
		}
	}
	p.logger.InfoContext(ctx, "poller stopped")
	return nil
}

// LastCycle returns when the last cycle finished, or the zero time.
func (p *Poller) LastCycle() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// RunCycle reconciles every active tournament once. A failing tournament
// is logged and skipped; it never stops the others.
func (p *Poller) RunCycle(ctx context.Context) Stats {
	ctx, span := p.tracer.Start(ctx, "Poller.RunCycle")
	defer span.End()

	var stats Stats
	defer func() {
		p.metrics.PollCycle(ctx)
		p.mu.Lock()
		p.last = p.clock.Now()
		p.mu.Unlock()
		span.SetAttributes(
			attribute.Int("tournaments", stats.Tournaments),
			attribute.Int("applied", stats.Applied),
			attribute.Int("failed", stats.Failed),
		)
	}()

	active, err := p.engine.List(ctx, store.StatusActive)
	if err != nil {
		p.logger.ErrorContext(ctx, "listing active tournaments failed", slog.Any("error", err))
		stats.Failed++
		return stats
	}

	for i := range active {
		stats.Tournaments++
		if err := p.reconcile(ctx, &active[i], &stats); err != nil {
			stats.Failed++
			p.logger.ErrorContext(ctx, "reconciling tournament failed",
				slog.String("tournament_id", active[i].ID),
				slog.Any("error", err),
			)
		}
	}

	if stats.Applied > 0 || stats.Advanced > 0 || stats.Finalized > 0 {
		p.logger.InfoContext(ctx, "poll cycle finished",
			slog.Int("tournaments", stats.Tournaments),
			slog.Int("applied", stats.Applied),
			slog.Int("advanced", stats.Advanced),
			slog.Int("finalized", stats.Finalized),
		)
	}
	return stats
}

func (p *Poller) reconcile(ctx context.Context, t *store.Tournament, stats *Stats) error {
	if len(t.Stages) == 0 {
		return nil
	}
	stage, ok := t.CurrentStage()
	if !ok {
		p.logger.WarnContext(ctx, "current stage index out of range, skipping",
			slog.String("tournament_id", t.ID),
			slog.Int("stage", t.CurrentStageIndex),
			slog.Int("stages", len(t.Stages)),
		)
		return nil
	}

	complete := true
	for mi, m := range stage.Matches {
		if m.Result != store.ResultPending {
			continue
		}
		gameID := lichess.GameID(m.GameRef)
		if gameID == "" {
			complete = false
			continue
		}

		res, err := p.fetcher.FetchOutcome(ctx, gameID)
		if err != nil {
			complete = false
			p.metrics.ProviderFailure(ctx, "fetch_outcome")
			p.logger.WarnContext(ctx, "fetching game outcome failed",
				slog.String("tournament_id", t.ID),
				slog.Int("match", mi),
				slog.String("game_id", gameID),
				slog.Any("error", err),
			)
			continue
		}
		if !res.Outcome.Terminal() {
			complete = false
			continue
		}

		rr, err := p.engine.ApplyResult(ctx, t.ID, t.CurrentStageIndex, mi, res.Outcome, res.Status)
		if err != nil {
			return fmt.Errorf("applying result of match %d: %w", mi, err)
		}
		if rr.Applied {
			stats.Applied++
		}
	}

	if !complete {
		stats.Incomplete++
		return nil
	}

	adv, err := p.engine.TryAdvance(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("advancing: %w", err)
	}
	switch adv.Status {
	case tournament.Advanced:
		stats.Advanced++
	case tournament.Finalized:
		stats.Finalized++
	}
	return nil
}
