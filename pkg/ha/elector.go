package ha

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// Elector runs work only while this replica holds the lease.
type Elector struct {
	cfg     *Config
	client  kubernetes.Interface
	logger  *slog.Logger
	leading atomic.Bool
}

// NewElector returns an elector for cfg. client may be nil when election
// is disabled.
func NewElector(cfg *Config, client kubernetes.Interface, logger *slog.Logger) (*Elector, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Enabled && client == nil {
		return nil, fmt.Errorf("leader election needs a kubernetes client")
	}
	return &Elector{cfg: cfg, client: client, logger: logger}, nil
}

// InClusterClient builds a clientset from the pod's service account.
func InClusterClient() (kubernetes.Interface, error) {
	rc, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	return kubernetes.NewForConfig(rc)
}

// IsLeader reports whether work is currently running on this replica.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Run blocks until ctx is done. With election disabled work runs at once.
// Otherwise work runs each time the lease is acquired and its context is
// cancelled when the lease is lost; the replica then campaigns again.
func (e *Elector) Run(ctx context.Context, work func(ctx context.Context)) error {
	if !e.cfg.Enabled {
		e.leading.Store(true)
		defer e.leading.Store(false)
		work(ctx)
		return nil
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      e.cfg.LeaseName,
			Namespace: e.cfg.LeaseNamespace,
		},
		Client:     e.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{Identity: e.cfg.Identity},
	}
	le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		Name:            e.cfg.LeaseName,
		LeaseDuration:   e.cfg.LeaseDuration,
		RenewDeadline:   e.cfg.RenewDeadline,
		RetryPeriod:     e.cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				e.leading.Store(true)
				e.logger.Info("acquired leadership", "identity", e.cfg.Identity, "lease", e.cfg.LeaseName)
				work(ctx)
			},
			OnStoppedLeading: func() {
				e.leading.Store(false)
				e.logger.Info("released leadership", "identity", e.cfg.Identity)
			},
			OnNewLeader: func(identity string) {
				if identity != e.cfg.Identity {
					e.logger.Info("observed new leader", "leader", identity)
				}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("leader election: %w", err)
	}

	e.logger.Info("starting leader election",
		"identity", e.cfg.Identity,
		"lease", e.cfg.LeaseName,
		"namespace", e.cfg.LeaseNamespace)
	for ctx.Err() == nil {
		le.Run(ctx)
	}
	return nil
}
