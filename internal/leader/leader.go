// Package leader provides Kubernetes Lease-based leader election so that
// only one replica polls the chess server and advances tournaments.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/jensholdgaard/chess-knockout/internal/config"
)

// identity returns a unique identity for this instance.
// It uses the POD_NAME env var if set, otherwise the hostname.
func identity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// ClientFactory creates a Kubernetes clientset.
// Extracted as a variable for testing.
var ClientFactory = func() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("building in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

// Run campaigns for the lease once. onStartedLeading is invoked when this
// instance becomes the leader and should block until its ctx is done;
// onStoppedLeading runs when leadership ends. Run blocks until the term is
// over or ctx is cancelled.
func Run(ctx context.Context, cfg config.LeaderElectionConfig, logger *slog.Logger, onStartedLeading func(ctx context.Context), onStoppedLeading func()) error {
	id := identity()
	logger.Info("starting leader election",
		slog.String("identity", id),
		slog.String("lease", cfg.LeaseName),
		slog.String("namespace", cfg.LeaseNamespace),
	)

	client, err := ClientFactory()
	if err != nil {
		return fmt.Errorf("leader election client: %w", err)
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaseName,
			Namespace: cfg.LeaseNamespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: id,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				logger.Info("acquired leadership", slog.String("identity", id))
				onStartedLeading(ctx)
			},
			OnStoppedLeading: func() {
				logger.Info("lost leadership", slog.String("identity", id))
				onStoppedLeading()
			},
			OnNewLeader: func(newID string) {
				if newID == id {
					return
				}
				logger.Info("new leader elected", slog.String("leader", newID))
			},
		},
	})
	if err != nil {
		return fmt.Errorf("configuring leader election: %w", err)
	}

	elector.Run(ctx)
	return nil
}

// Gate runs work only while this replica holds the lease. Lost leadership
// cancels work's context and the replica campaigns again, until ctx is
// done. With election disabled work simply runs under ctx.
type Gate struct {
	cfg     config.LeaderElectionConfig
	logger  *slog.Logger
	leading atomic.Bool
	// working is held while work runs so a new term never overlaps the
	// previous one.
	working sync.Mutex
}

// NewGate returns a Gate for the given election settings.
func NewGate(cfg config.LeaderElectionConfig, logger *slog.Logger) *Gate {
	return &Gate{cfg: cfg, logger: logger}
}

// Leading reports whether work is currently running on this replica.
func (g *Gate) Leading() bool { return g.leading.Load() }

// Run blocks until ctx is done.
func (g *Gate) Run(ctx context.Context, work func(ctx context.Context)) error {
	if !g.cfg.Enabled {
		g.leading.Store(true)
		defer g.leading.Store(false)
		work(ctx)
		return nil
	}

	for ctx.Err() == nil {
		err := Run(ctx, g.cfg, g.logger,
			func(ctx context.Context) {
				g.working.Lock()
				defer g.working.Unlock()
				g.leading.Store(true)
				defer g.leading.Store(false)
				work(ctx)
			},
			func() { g.leading.Store(false) },
		)
		if err != nil {
			return err
		}
		// The elector starts work on its own goroutine; wait for it.
		g.working.Lock()
		g.working.Unlock()
	}
	return nil
}
