// Package bracket builds single-elimination stages: it pairs players at
// random, hands out a bye on odd counts and opens one challenge per pair.
package bracket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/chess-knockout/internal/clock"
	"github.com/jensholdgaard/chess-knockout/internal/lichess"
	"github.com/jensholdgaard/chess-knockout/internal/store"
)

var (
	// ErrTooFewPlayers is returned when fewer than two players are given.
	ErrTooFewPlayers = errors.New("a stage needs at least two players")
	// ErrDuplicatePlayer is returned when a player appears twice.
	ErrDuplicatePlayer = errors.New("duplicate player")
)

// ChallengeCreator opens a game on the chess server for one pairing.
type ChallengeCreator interface {
	CreateOpenChallenge(ctx context.Context, rated bool) (lichess.Challenge, error)
}

// Builder creates stages.
type Builder struct {
	creator ChallengeCreator
	clock   clock.Clock
	delay   time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer

	mu   sync.Mutex
	rand *rand.Rand
}

// Option configures a Builder.
type Option func(*Builder)

// WithRand makes pairing and bye selection use r instead of the global
// source.
func WithRand(r *rand.Rand) Option {
	return func(b *Builder) { b.rand = r }
}

// NewBuilder returns a Builder that waits delay between successive
// challenge creations.
func NewBuilder(creator ChallengeCreator, delay time.Duration, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock, opts ...Option) *Builder {
	b := &Builder{
		creator: creator,
		clock:   clk,
		delay:   delay,
		logger:  logger,
		tracer:  tp.Tracer("github.com/jensholdgaard/chess-knockout/internal/bracket"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StageName names a stage by the number of players entering it.
func StageName(players int) string {
	switch players {
	case 2:
		return "Final"
	case 4:
		return "Semifinals"
	case 8:
		return "Quarterfinals"
	default:
		return fmt.Sprintf("Round of %d", players)
	}
}

// Build pairs the players into a new stage. With an odd count one player
// drawn uniformly at random gets a bye. A pairing whose challenge cannot be
// created becomes an error match so the stage still accounts for both
// players.
func (b *Builder) Build(ctx context.Context, players []string, rated bool) (store.Stage, error) {
	ctx, span := b.tracer.Start(ctx, "Builder.Build",
		trace.WithAttributes(attribute.Int("players", len(players))),
	)
	defer span.End()

	if len(players) < 2 {
		return store.Stage{}, ErrTooFewPlayers
	}
	seen := make(map[string]struct{}, len(players))
	for _, p := range players {
		if _, ok := seen[p]; ok {
			return store.Stage{}, fmt.Errorf("%w: %s", ErrDuplicatePlayer, p)
		}
		seen[p] = struct{}{}
	}

	pool := append([]string(nil), players...)
	stage := store.Stage{
		Name:      StageName(len(players)),
		StartTime: b.clock.Now().UTC(),
	}

	if len(pool)%2 == 1 {
		i := b.intN(len(pool))
		bye := pool[i]
		stage.ByePlayerID = &bye
		pool = append(pool[:i], pool[i+1:]...)
	}
	b.shuffle(pool)

	stage.Matches = make([]store.Match, 0, len(pool)/2)
	for i := 0; i+1 < len(pool); i += 2 {
		if i > 0 && b.delay > 0 {
			select {
			case <-b.clock.After(b.delay):
			case <-ctx.Done():
				return store.Stage{}, ctx.Err()
			}
		}
		stage.Matches = append(stage.Matches, b.pair(ctx, pool[i], pool[i+1], rated))
	}

	span.SetAttributes(attribute.String("stage", stage.Name), attribute.Int("matches", len(stage.Matches)))
	return stage, nil
}

func (b *Builder) pair(ctx context.Context, white, black string, rated bool) store.Match {
	m := store.Match{Player1ID: white, Player2ID: black}

	ch, err := b.creator.CreateOpenChallenge(ctx, rated)
	if err != nil {
		b.logger.ErrorContext(ctx, "creating match failed, marking pairing as error",
			slog.String("white", white),
			slog.String("black", black),
			slog.Any("error", err),
		)
		m.Result = store.ResultError
		return m
	}

	m.GameRef = ch.URL
	m.WhiteURL = ch.WhiteURL
	m.BlackURL = ch.BlackURL
	m.Result = store.ResultPending
	b.logger.InfoContext(ctx, "match created",
		slog.String("white", white),
		slog.String("black", black),
		slog.String("game_id", ch.GameID),
	)
	return m
}

func (b *Builder) intN(n int) int {
	if b.rand == nil {
		return rand.IntN(n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rand.IntN(n)
}

func (b *Builder) shuffle(s []string) {
	swap := func(i, j int) { s[i], s[j] = s[j], s[i] }
	if b.rand == nil {
		rand.Shuffle(len(s), swap)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rand.Shuffle(len(s), swap)
}
