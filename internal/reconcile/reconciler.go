// Package reconcile drives the periodic sweeps that keep persisted
// state converging with observed agent state: the heartbeat timeout
// monitor and the stuck-entity resolution pass.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/service"
)

// Reconciler owns the sweep tickers.
type Reconciler struct {
	svc *service.Services

	// SweepInterval is how often stuck rows are resolved.
	SweepInterval time.Duration

	// HeartbeatInterval is how often node staleness is checked.
	HeartbeatInterval time.Duration

	// OfflineAfter is the heartbeat age that flips a node offline.
	OfflineAfter time.Duration
}

// New creates a Reconciler with the given intervals.
func New(svc *service.Services, sweepInterval, offlineAfter time.Duration) *Reconciler {
	return &Reconciler{
		svc:               svc,
		SweepInterval:     sweepInterval,
		HeartbeatInterval: offlineAfter / 6,
		OfflineAfter:      offlineAfter,
	}
}

// Run blocks until ctx is cancelled, firing both sweeps on their
// tickers.
func (r *Reconciler) Run(ctx context.Context) {
	sweep := time.NewTicker(r.SweepInterval)
	defer sweep.Stop()
	heartbeat := time.NewTicker(r.HeartbeatInterval)
	defer heartbeat.Stop()

	logger.Info("Reconciler started",
		zap.Duration("sweep_interval", r.SweepInterval),
		zap.Duration("offline_after", r.OfflineAfter))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Reconciler stopped")
			return
		case <-heartbeat.C:
			ids, err := r.svc.MarkStaleNodesOffline(ctx, r.OfflineAfter)
			if err != nil {
				logger.Error("Heartbeat monitor failed", zap.Error(err))
				continue
			}
			if len(ids) > 0 {
				logger.Warn("Nodes marked offline on heartbeat timeout",
					zap.Strings("node_ids", ids))
			}
		case <-sweep.C:
			r.svc.ReconcileOnce(ctx)
		}
	}
}
