package worker

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"ckbridge/settlement/internal/config"
	"ckbridge/settlement/internal/ledger"
	"ckbridge/settlement/internal/models"
)

// Constants for worker configuration
const (
	ResumeTimeout  = 30 * time.Second
	SweepTimeout   = 30 * time.Second
	SettleTimeout  = 15 * time.Second
	MaxConcurrency = 256
)

// Bridge is the state machine the workers drive. *service.BridgeService
// implements it.
type Bridge interface {
	ExpectedPayment(tx *models.BridgeTransaction) (ledger.Expectation, error)
	Complete(ctx context.Context, requestID string, match models.LedgerBlockMatch, destTxHash string) (*models.BridgeTransaction, error)
	Fail(ctx context.Context, requestID, reason string) (*models.BridgeTransaction, error)
	HandleVerificationTimeout(ctx context.Context, requestID string, attempt int, match models.LedgerBlockMatch) (*models.BridgeTransaction, error)
	SweepStuck(ctx context.Context) (int, error)
	ProcessingTransactions(ctx context.Context) ([]models.BridgeTransaction, error)
}

// PaymentPoller waits for a ledger payment. *ledger.Verifier implements it.
type PaymentPoller interface {
	PollForPayment(ctx context.Context, exp ledger.Expectation, timeout time.Duration) (models.LedgerBlockMatch, error)
}

// WorkerManager orchestrates background verification tasks and the stuck
// transaction sweeper
type WorkerManager struct {
	bridge Bridge
	poller PaymentPoller
	clock  clock.Clock
	cfg    *config.Config
	logger *zap.Logger

	// Worker components
	monitor  *Monitor
	executor *Executor

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	tasks   map[string]*task // bridge request id -> running verification
	slots   chan struct{}
}

type task struct {
	cancel context.CancelFunc
}

// NewWorkerManager creates a new worker manager
func NewWorkerManager(
	bridge Bridge,
	poller PaymentPoller,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *WorkerManager {
	ctx, cancel := context.WithCancel(context.Background())

	wm := &WorkerManager{
		bridge: bridge,
		poller: poller,
		clock:  clk,
		cfg:    cfg,
		logger: logger.Named("worker"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*task),
		slots:  make(chan struct{}, MaxConcurrency),
	}

	wm.monitor = NewMonitor(wm)
	wm.executor = NewExecutor(wm)

	return wm
}

// Start resumes verification for every processing transaction and starts the
// stuck sweeper
func (wm *WorkerManager) Start() {
	wm.logger.Info("Starting worker manager",
		zap.Duration("stuck_sweep", wm.cfg.Bridge.StuckSweep),
		zap.Duration("verification_timeout", wm.cfg.Ledger.VerificationTimeout))

	wm.resume()

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		wm.monitor.Run(wm.ctx)
	}()

	wm.logger.Info("Worker manager started")
}

func (wm *WorkerManager) resume() {
	ctx, cancel := context.WithTimeout(wm.ctx, ResumeTimeout)
	defer cancel()

	txs, err := wm.bridge.ProcessingTransactions(ctx)
	if err != nil {
		wm.logger.Error("Failed to load processing transactions", zap.Error(err))
		return
	}

	for i := range txs {
		wm.Watch(&txs[i])
	}

	if len(txs) > 0 {
		wm.logger.Info("Resumed ledger verification", zap.Int("count", len(txs)))
	}
}

// Watch starts ledger verification for tx, replacing any verification
// already running for the same bridge request
func (wm *WorkerManager) Watch(tx *models.BridgeTransaction) {
	wm.mu.Lock()
	if wm.stopped {
		wm.mu.Unlock()
		wm.logger.Warn("Worker manager stopped, not watching transaction",
			zap.String("bridge_request_id", tx.BridgeRequestID))
		return
	}

	ctx, cancel := context.WithCancel(wm.ctx)
	t := &task{cancel: cancel}
	if prev, ok := wm.tasks[tx.BridgeRequestID]; ok {
		prev.cancel()
	}
	wm.tasks[tx.BridgeRequestID] = t
	wm.wg.Add(1)
	wm.mu.Unlock()

	go func() {
		defer wm.wg.Done()
		defer wm.release(tx.BridgeRequestID, t)

		select {
		case wm.slots <- struct{}{}:
			defer func() { <-wm.slots }()
		case <-ctx.Done():
			return
		}

		wm.executor.Verify(ctx, tx)
	}()
}

// Stop cancels the verification running for requestID, if any
func (wm *WorkerManager) Stop(requestID string) {
	wm.mu.Lock()
	t, ok := wm.tasks[requestID]
	delete(wm.tasks, requestID)
	wm.mu.Unlock()

	if ok {
		t.cancel()
		wm.logger.Debug("Stopped ledger verification", zap.String("bridge_request_id", requestID))
	}
}

// Watching reports the bridge requests with a running verification
func (wm *WorkerManager) Watching() []string {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	ids := make([]string, 0, len(wm.tasks))
	for id := range wm.tasks {
		ids = append(ids, id)
	}
	return ids
}

func (wm *WorkerManager) release(requestID string, t *task) {
	t.cancel()

	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.tasks[requestID] == t {
		delete(wm.tasks, requestID)
	}
}

// Shutdown gracefully stops all workers
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager")

	// Signal workers to stop
	wm.mu.Lock()
	wm.stopped = true
	wm.mu.Unlock()
	wm.cancel()

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		wm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wm.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		wm.logger.Warn("Worker shutdown timed out")
	}

	wm.logger.Info("Worker manager shutdown complete")
	return nil
}
