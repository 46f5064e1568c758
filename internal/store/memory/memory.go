// Package memory provides the "memory" store driver: an in-process store
// with the same conditional-update semantics as the Postgres driver. It is
// used for local runs and engine tests; nothing survives a restart.
package memory

import (
	"context"
	"sync"

	"github.com/jensholdgaard/chess-knockout/internal/clock"
	"github.com/jensholdgaard/chess-knockout/internal/config"
	"github.com/jensholdgaard/chess-knockout/internal/event"
	"github.com/jensholdgaard/chess-knockout/internal/store"
)

func init() {
	store.Register("memory", open)
}

func open(_ context.Context, _ config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	return New(clk).Repositories(), nil
}

// Store holds every record behind one mutex so multi-record transitions
// (activation with fee debits) are atomic.
type Store struct {
	mu          sync.Mutex
	clock       clock.Clock
	tournaments map[string]*store.Tournament
	order       []string
	accounts    map[string]*store.Account
	events      []event.Event
	seq         int
}

// New returns an empty Store.
func New(clk clock.Clock) *Store {
	return &Store{
		clock:       clk,
		tournaments: make(map[string]*store.Tournament),
		accounts:    make(map[string]*store.Account),
	}
}

// Repositories exposes the store through the repository interfaces.
func (s *Store) Repositories() *store.Repositories {
	return &store.Repositories{
		Tournaments: &TournamentRepo{s: s},
		Accounts:    &AccountRepo{s: s},
		Events:      &EventStore{s: s},
		Closer:      nopCloser{},
		Ping:        func(context.Context) error { return nil },
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
