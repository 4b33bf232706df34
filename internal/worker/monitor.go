package worker

import (
	"context"

	"go.uber.org/zap"
)

// Monitor periodically moves overdue processing transactions to stuck
type Monitor struct {
	manager *WorkerManager
	logger  *zap.Logger
}

// NewMonitor creates a new stuck transaction monitor
func NewMonitor(manager *WorkerManager) *Monitor {
	return &Monitor{
		manager: manager,
		logger:  manager.logger.Named("monitor"),
	}
}

// Run starts the sweep loop
func (m *Monitor) Run(ctx context.Context) {
	interval := m.manager.cfg.Bridge.StuckSweep
	if interval <= 0 {
		m.logger.Info("Stuck sweeper disabled")
		return
	}

	m.logger.Info("Monitor started", zap.Duration("sweep_interval", interval))

	ticker := m.manager.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Monitor stopping")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep executes one sweep cycle
func (m *Monitor) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, SweepTimeout)
	defer cancel()

	moved, err := m.manager.bridge.SweepStuck(sweepCtx)
	if err != nil {
		m.logger.Error("Stuck sweep failed", zap.Error(err))
		return
	}

	m.logger.Debug("Stuck sweep complete", zap.Int("moved", moved))
}
