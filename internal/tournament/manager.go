// Package tournament runs the single-elimination lifecycle: lobbies,
// activation with entry fees, match reconciliation and stage advancement.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/chess-knockout/internal/clock"
	"github.com/jensholdgaard/chess-knockout/internal/event"
	"github.com/jensholdgaard/chess-knockout/internal/ledger"
	"github.com/jensholdgaard/chess-knockout/internal/notify"
	"github.com/jensholdgaard/chess-knockout/internal/store"
	"github.com/jensholdgaard/chess-knockout/internal/telemetry"
)

// MaxPlayersLimit caps the lobby size.
const MaxPlayersLimit = 256

// StageBuilder pairs players into a new stage.
type StageBuilder interface {
	Build(ctx context.Context, players []string, rated bool) (store.Stage, error)
}

// Ledger is the subset of balance operations the lifecycle needs.
type Ledger interface {
	GetAccount(ctx context.Context, lichessID string) (*store.Account, error)
	CheckEntryFees(ctx context.Context, playerIDs []string, fee int) error
	Payout(ctx context.Context, t *store.Tournament) error
}

// Manager coordinates tournament lifecycle. It holds no per-tournament
// state; every transition is a conditional write in the repository, so
// any number of callers (HTTP pushes, pollers on other replicas) may act
// on the same tournament at once.
type Manager struct {
	tournaments store.TournamentRepository
	events      event.Store
	ledger      Ledger
	builder     StageBuilder
	notifier    notify.Notifier
	metrics     *telemetry.Metrics
	clock       clock.Clock
	logger      *slog.Logger
	tracer      trace.Tracer
	newID       func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets the downstream notifier. Defaults to notify.Nop.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithMetrics sets the domain counters. Defaults to no-op counters.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithIDGenerator overrides tournament id generation.
func WithIDGenerator(f func() string) Option {
	return func(m *Manager) { m.newID = f }
}

// NewManager creates a new tournament Manager.
func NewManager(tournaments store.TournamentRepository, events event.Store, l Ledger, builder StageBuilder, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock, opts ...Option) *Manager {
	m := &Manager{
		tournaments: tournaments,
		events:      events,
		ledger:      l,
		builder:     builder,
		notifier:    notify.Nop{},
		metrics:     telemetry.NewNopMetrics(),
		clock:       clk,
		logger:      logger,
		tracer:      tp.Tracer("github.com/jensholdgaard/chess-knockout/internal/tournament"),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateParams describes a new tournament.
type CreateParams struct {
	Name       string
	CreatedBy  string
	MaxPlayers int
	EntryFee   int
	Rated      bool
}

// Create opens a new tournament lobby. The prize pool is the entry fee
// times the lobby size.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*store.Tournament, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Create",
		trace.WithAttributes(
			attribute.String("name", p.Name),
			attribute.Int("max_players", p.MaxPlayers),
			attribute.Int("entry_fee", p.EntryFee),
		),
	)
	defer span.End()

	name := strings.TrimSpace(p.Name)
	switch {
	case name == "":
		return nil, fmt.Errorf("%w: name is required", ErrInvalidConfig)
	case p.MaxPlayers < 2 || p.MaxPlayers > MaxPlayersLimit:
		return nil, fmt.Errorf("%w: max players must be between 2 and %d", ErrInvalidConfig, MaxPlayersLimit)
	case p.EntryFee < 0:
		return nil, fmt.Errorf("%w: entry fee must not be negative", ErrInvalidConfig)
	}

	t := &store.Tournament{
		ID:                m.newID(),
		Name:              name,
		CreatedBy:         p.CreatedBy,
		MaxPlayers:        p.MaxPlayers,
		PlayerIDs:         []string{},
		EntryFee:          p.EntryFee,
		PrizePool:         p.EntryFee * p.MaxPlayers,
		Rated:             p.Rated,
		CurrentStageIndex: -1,
		AdvancingPlayers:  []string{},
		Status:            store.StatusOpen,
	}
	if err := m.tournaments.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("creating tournament: %w", err)
	}

	m.record(ctx, event.New(t.ID, event.TournamentCreated, event.TournamentCreatedData{
		Name:       t.Name,
		CreatedBy:  t.CreatedBy,
		MaxPlayers: t.MaxPlayers,
		EntryFee:   t.EntryFee,
		PrizePool:  t.PrizePool,
		Rated:      t.Rated,
	}, m.clock.Now()))

	m.logger.InfoContext(ctx, "tournament created",
		slog.String("tournament_id", t.ID),
		slog.String("name", t.Name),
		slog.Int("max_players", t.MaxPlayers),
	)
	return t, nil
}

// Join adds a player to an open lobby. The player needs an account that
// covers the entry fee.
func (m *Manager) Join(ctx context.Context, id, playerID string) (*store.Tournament, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Join",
		trace.WithAttributes(
			attribute.String("tournament_id", id),
			attribute.String("player_id", playerID),
		),
	)
	defer span.End()

	if strings.TrimSpace(playerID) == "" {
		return nil, fmt.Errorf("%w: player id is required", ErrInvalidConfig)
	}

	t, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := joinable(t, playerID); err != nil {
		return nil, err
	}

	a, err := m.ledger.GetAccount(ctx, playerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoAccount, playerID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}
	if a.Balance < t.EntryFee {
		return nil, fmt.Errorf("%w: %s has %d, entry fee is %d", ledger.ErrInsufficientBalance, playerID, a.Balance, t.EntryFee)
	}

	if err := m.tournaments.AddPlayer(ctx, id, playerID); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("adding player: %w", err)
		}
		// Another join or the start won the race; explain which.
		if cur, gerr := m.get(ctx, id); gerr == nil {
			if jerr := joinable(cur, playerID); jerr != nil {
				return nil, jerr
			}
		}
		return nil, fmt.Errorf("adding player: %w", err)
	}

	m.record(ctx, event.New(id, event.TournamentJoined, event.PlayerJoinedData{PlayerID: playerID}, m.clock.Now()))

	m.logger.InfoContext(ctx, "player joined",
		slog.String("tournament_id", id),
		slog.String("player_id", playerID),
	)
	return m.get(ctx, id)
}

func joinable(t *store.Tournament, playerID string) error {
	switch {
	case t.Status != store.StatusOpen:
		return ErrNotOpen
	case t.HasPlayer(playerID):
		return ErrAlreadyJoined
	case t.Full():
		return ErrTournamentFull
	}
	return nil
}

// Start collects entry fees, builds the first stage and activates a full
// lobby. Fee debits and activation commit together or not at all.
func (m *Manager) Start(ctx context.Context, id string) (*store.Tournament, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Start",
		trace.WithAttributes(attribute.String("tournament_id", id)),
	)
	defer span.End()

	t, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Status == store.StatusCompleted:
		return nil, ErrCompleted
	case t.Status == store.StatusActive:
		return nil, ErrAlreadyStarted
	case !t.Full():
		return nil, fmt.Errorf("%w: %d of %d players", ErrLobbyNotFull, len(t.PlayerIDs), t.MaxPlayers)
	}

	if err := m.ledger.CheckEntryFees(ctx, t.PlayerIDs, t.EntryFee); err != nil {
		return nil, fmt.Errorf("checking entry fees: %w", err)
	}

	stage, err := m.builder.Build(ctx, t.PlayerIDs, t.Rated)
	if err != nil {
		return nil, fmt.Errorf("building first stage: %w", err)
	}

	err = m.tournaments.Activate(ctx, store.ActivateParams{
		TournamentID:     id,
		FirstStage:       stage,
		AdvancingPlayers: byeSet(stage),
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, ErrAlreadyStarted
	case errors.Is(err, store.ErrInsufficientFunds):
		return nil, fmt.Errorf("%w: %w", ledger.ErrInsufficientBalance, err)
	case err != nil:
		return nil, fmt.Errorf("activating tournament: %w", err)
	}

	m.record(ctx,
		event.New(id, event.TournamentStarted, event.TournamentStartedData{
			PlayerIDs:      t.PlayerIDs,
			EntryFee:       t.EntryFee,
			FeesCollected:  t.EntryFee * len(t.PlayerIDs),
			FirstStageName: stage.Name,
		}, m.clock.Now()),
		stageCreatedEvent(id, 0, stage, m.clock),
	)

	m.logger.InfoContext(ctx, "tournament started",
		slog.String("tournament_id", id),
		slog.String("stage", stage.Name),
		slog.Int("matches", len(stage.Matches)),
	)
	m.notify(ctx, notify.Notification{
		TournamentID: id,
		Kind:         notify.KindStarted,
		Title:        t.Name + " has started",
		Message:      describeStage(stage),
	})
	return m.get(ctx, id)
}

// Get returns a tournament by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Tournament, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Get")
	defer span.End()

	return m.get(ctx, id)
}

// List returns tournaments with the given status, or all tournaments when
// status is empty.
func (m *Manager) List(ctx context.Context, status store.TournamentStatus) ([]store.Tournament, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.List",
		trace.WithAttributes(attribute.String("status", string(status))),
	)
	defer span.End()

	statuses := []store.TournamentStatus{status}
	if status == "" {
		statuses = []store.TournamentStatus{store.StatusOpen, store.StatusActive, store.StatusCompleted}
	}

	out := []store.Tournament{}
	for _, s := range statuses {
		switch s {
		case store.StatusOpen, store.StatusActive, store.StatusCompleted:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidConfig, s)
		}
		ts, err := m.tournaments.ListByStatus(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("listing %s tournaments: %w", s, err)
		}
		out = append(out, ts...)
	}
	return out, nil
}

// History returns the audit events recorded for a tournament.
func (m *Manager) History(ctx context.Context, id string) ([]event.Event, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.History")
	defer span.End()

	if _, err := m.get(ctx, id); err != nil {
		return nil, err
	}
	evts, err := m.events.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return evts, nil
}

// EventsByType returns every recorded event of one type, such as the prize
// payouts that failed and need manual settlement.
func (m *Manager) EventsByType(ctx context.Context, typ event.Type) ([]event.Event, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.EventsByType",
		trace.WithAttributes(attribute.String("type", string(typ))),
	)
	defer span.End()

	if typ == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidConfig)
	}
	evts, err := m.events.LoadByType(ctx, typ)
	if err != nil {
		return nil, fmt.Errorf("loading %s events: %w", typ, err)
	}
	return evts, nil
}

func (m *Manager) get(ctx context.Context, id string) (*store.Tournament, error) {
	t, err := m.tournaments.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading tournament: %w", err)
	}
	return t, nil
}

func (m *Manager) record(ctx context.Context, evts ...event.Event) {
	if err := m.events.Append(ctx, evts...); err != nil {
		m.logger.ErrorContext(ctx, "failed to append events",
			slog.Int("count", len(evts)),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) notify(ctx context.Context, n notify.Notification) {
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.WarnContext(ctx, "notification failed",
			slog.String("tournament_id", n.TournamentID),
			slog.String("kind", string(n.Kind)),
			slog.Any("error", err),
		)
	}
}

func stageCreatedEvent(id string, index int, s store.Stage, clk clock.Clock) event.Event {
	data := event.StageCreatedData{
		StageIndex: index,
		Name:       s.Name,
		Matches:    len(s.Matches),
	}
	for _, mt := range s.Matches {
		if mt.Result == store.ResultError {
			data.Errored++
		}
	}
	if s.ByePlayerID != nil {
		data.ByePlayerID = *s.ByePlayerID
	}
	return event.New(id, event.StageCreated, data, clk.Now())
}

func byeSet(s store.Stage) []string {
	if s.ByePlayerID == nil {
		return []string{}
	}
	return []string{*s.ByePlayerID}
}

func describeStage(s store.Stage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d matches", s.Name, len(s.Matches))
	for _, mt := range s.Matches {
		if mt.Result == store.ResultError {
			fmt.Fprintf(&b, "\n%s vs %s: could not be created", mt.Player1ID, mt.Player2ID)
			continue
		}
		fmt.Fprintf(&b, "\n%s vs %s: %s", mt.Player1ID, mt.Player2ID, mt.GameRef)
	}
	if s.ByePlayerID != nil {
		fmt.Fprintf(&b, "\nbye: %s", *s.ByePlayerID)
	}
	return b.String()
}
