package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the domain counters.
type Metrics struct {
	matchesReconciled    metric.Int64Counter
	stagesAdvanced       metric.Int64Counter
	tournamentsCompleted metric.Int64Counter
	pollCycles           metric.Int64Counter
	providerFailures     metric.Int64Counter
	payoutFailures       metric.Int64Counter
}

// NewMetrics registers the domain counters on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("github.com/jensholdgaard/chess-knockout")

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.matchesReconciled, "knockout.matches.reconciled", "Match results applied."},
		{&m.stagesAdvanced, "knockout.stages.advanced", "Stages appended after a completed stage."},
		{&m.tournamentsCompleted, "knockout.tournaments.completed", "Tournaments finalized with a winner."},
		{&m.pollCycles, "knockout.poll.cycles", "Polling cycles run."},
		{&m.providerFailures, "knockout.provider.failures", "Failed calls to the chess server."},
		{&m.payoutFailures, "knockout.payout.failures", "Prize payouts that could not be credited."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("creating counter %s: %w", c.name, err)
		}
	}
	return &m, nil
}

// NewNopMetrics returns Metrics that record nothing.
func NewNopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

// MatchReconciled counts an applied match result by outcome.
func (m *Metrics) MatchReconciled(ctx context.Context, outcome string) {
	m.matchesReconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// StageAdvanced counts an appended stage.
func (m *Metrics) StageAdvanced(ctx context.Context) {
	m.stagesAdvanced.Add(ctx, 1)
}

// TournamentCompleted counts a finalized tournament.
func (m *Metrics) TournamentCompleted(ctx context.Context) {
	m.tournamentsCompleted.Add(ctx, 1)
}

// PollCycle counts one polling cycle.
func (m *Metrics) PollCycle(ctx context.Context) {
	m.pollCycles.Add(ctx, 1)
}

// ProviderFailure counts a failed chess server call by operation.
func (m *Metrics) ProviderFailure(ctx context.Context, op string) {
	m.providerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// PayoutFailure counts a prize that could not be paid.
func (m *Metrics) PayoutFailure(ctx context.Context) {
	m.payoutFailures.Add(ctx, 1)
}
