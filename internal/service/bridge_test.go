package service

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ckbridge/settlement/internal/audit"
	"ckbridge/settlement/internal/config"
	"ckbridge/settlement/internal/database"
	"ckbridge/settlement/internal/models"
)

var (
	ledgerAccount = strings.Repeat("ab", 32)
	custody       = strings.Repeat("cd", 32)
	evmAddress    = "0x8ba1f109551bd432803012645ac136ddd64dba72"
	sourceTx      = "0x" + strings.Repeat("1f", 32)
)

// memStore is an in-memory Store with the same version semantics as the database
type memStore struct {
	mu  sync.Mutex
	txs map[string]*models.BridgeTransaction
}

func newMemStore() *memStore {
	return &memStore{txs: make(map[string]*models.BridgeTransaction)}
}

func (m *memStore) CreateBridgeTransaction(_ context.Context, tx *models.BridgeTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[tx.BridgeRequestID]; ok {
		return errors.New("duplicate bridge request id")
	}
	m.txs[tx.BridgeRequestID] = tx.Clone()
	return nil
}

func (m *memStore) GetBridgeTransactionByRequestID(_ context.Context, requestID string) (*models.BridgeTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[requestID]
	if !ok {
		return nil, nil
	}
	return tx.Clone(), nil
}

func (m *memStore) ListBridgeTransactionsByUser(_ context.Context, userID string, limit, offset int) ([]models.BridgeTransaction, error) {
	var out []models.BridgeTransaction
	for _, tx := range m.all() {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListBridgeTransactionsByStatus(_ context.Context, status models.BridgeStatus) ([]models.BridgeTransaction, error) {
	var out []models.BridgeTransaction
	for _, tx := range m.all() {
		if tx.Status == status {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memStore) ListBridgeTransactions(context.Context) ([]models.BridgeTransaction, error) {
	return m.all(), nil
}

func (m *memStore) UpdateBridgeTransaction(_ context.Context, tx *models.BridgeTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.txs[tx.BridgeRequestID]
	if !ok || stored.Version != tx.Version {
		return database.ErrVersionConflict
	}
	tx.Version++
	m.txs[tx.BridgeRequestID] = tx.Clone()
	return nil
}

func (m *memStore) all() []models.BridgeTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.BridgeTransaction, 0, len(m.txs))
	for _, tx := range m.txs {
		out = append(out, *tx.Clone())
	}
	return out
}

// put stores tx directly, bypassing the state machine
func (m *memStore) put(tx *models.BridgeTransaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.BridgeRequestID] = tx.Clone()
}

type recordingWatcher struct {
	mu      sync.Mutex
	watched []string
	stopped []string
}

func (w *recordingWatcher) Watch(tx *models.BridgeTransaction) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched = append(w.watched, tx.BridgeRequestID)
}

func (w *recordingWatcher) Stop(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = append(w.stopped, requestID)
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *recordingAuditor) Emit(_ context.Context, event audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAuditor) transitions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.events {
		out = append(out, e.Transition)
	}
	return out
}

type bridgeHarness struct {
	svc     *BridgeService
	store   *memStore
	watcher *recordingWatcher
	auditor *recordingAuditor
	clock   *clock.Mock
	cfg     *config.Config
}

var (
	alice   = Caller{UserID: "alice"}
	mallory = Caller{UserID: "mallory"}
	admin   = Caller{UserID: "ops", Admin: true}
)

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()
	cfg := config.Default()
	cfg.Ledger.CustodyAccount = custody

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	h := &bridgeHarness{
		store:   newMemStore(),
		watcher: &recordingWatcher{},
		auditor: &recordingAuditor{},
		clock:   mock,
		cfg:     cfg,
	}
	fees := NewFeeService(newFixedCosts(), cfg, zap.NewNop())
	h.svc = NewBridgeService(h.store, fees, h.auditor, mock, cfg, zap.NewNop())
	h.svc.SetWatcher(h.watcher)
	return h
}

func (h *bridgeHarness) initiate(t *testing.T) *models.BridgeTransaction {
	t.Helper()
	tx, _, err := h.svc.Initiate(context.Background(), alice, InitiateRequest{
		Route:       testRoute("ETH", "ckETH"),
		Amount:      "1.0",
		DestAddress: ledgerAccount,
	})
	require.NoError(t, err)
	return tx
}

func (h *bridgeHarness) processing(t *testing.T) *models.BridgeTransaction {
	t.Helper()
	tx := h.initiate(t)
	tx, err := h.svc.MarkProcessing(context.Background(), alice, tx.BridgeRequestID, sourceTx)
	require.NoError(t, err)
	return tx
}

func (h *bridgeHarness) status(t *testing.T, requestID string) models.BridgeStatus {
	t.Helper()
	tx, err := h.svc.GetStatus(context.Background(), admin, requestID)
	require.NoError(t, err)
	return tx.Status
}

func verifiedMatch(tx *models.BridgeTransaction) models.LedgerBlockMatch {
	return models.LedgerBlockMatch{
		Found:       true,
		Verified:    true,
		BlockHeight: 4242,
		Timestamp:   time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC),
		ActualMemo:  tx.Memo,
	}
}

func TestBridgeService_Initiate(t *testing.T) {
	h := newBridgeHarness(t)

	tx, quote, err := h.svc.Initiate(context.Background(), alice, InitiateRequest{
		Route:       testRoute("ETH", "ckETH"),
		Amount:      "1.0",
		DestAddress: ledgerAccount,
	})
	require.NoError(t, err)

	assert.Equal(t, models.BridgeStatusPending, tx.Status)
	assert.Equal(t, "alice", tx.UserID)
	assert.NotZero(t, tx.Memo)
	assert.Less(t, tx.Memo, uint64(1)<<63)
	assert.Equal(t, strconv.FormatUint(tx.Memo, 10), tx.BridgeRequestID)
	assert.NotEqual(t, tx.ID, tx.BridgeRequestID)
	assert.Equal(t, models.ChainEthereum, tx.SourceChain)
	assert.Equal(t, models.ChainICP, tx.DestChain)
	assert.Equal(t, "1000000000000000000", tx.Amount)
	assert.Equal(t, quote.ProtocolFee.String(), tx.ProtocolFee)
	assert.Equal(t, quote.NetworkFee.String(), tx.NetworkFee)
	assert.Equal(t, quote.TotalFee.String(), tx.TotalFee)
	assert.Equal(t, "994538000000000000", tx.ReceiveAmount)
	assert.Equal(t, 18, tx.Decimals)
	assert.Equal(t, 0, tx.RetryCount)

	stored, err := h.svc.GetStatus(context.Background(), alice, tx.BridgeRequestID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, stored.ID)

	assert.Equal(t, []string{audit.TransitionInitiate}, h.auditor.transitions())
	assert.Empty(t, h.watcher.watched, "pending transactions are not watched")
}

func TestBridgeService_InitiateRejects(t *testing.T) {
	tests := []struct {
		name string
		req  InitiateRequest
		err  error
	}{
		{
			name: "cross category pair",
			req:  InitiateRequest{Route: testRoute("ETH", "ckUSDC"), Amount: "1", DestAddress: ledgerAccount},
			err:  ErrUnsupportedTokenPair,
		},
		{
			name: "chains declared in reverse",
			req: InitiateRequest{
				Route:       models.Route{SourceChain: models.ChainICP, DestChain: models.ChainEthereum, SourceToken: "ETH", DestToken: "ckETH"},
				Amount:      "1",
				DestAddress: ledgerAccount,
			},
			err: ErrUnsupportedTokenPair,
		},
		{
			name: "amount below fees",
			req:  InitiateRequest{Route: testRoute("USDC", "ckUSDC"), Amount: "1", DestAddress: ledgerAccount},
			err:  ErrAmountBelowFees,
		},
		{
			name: "evm address for ledger destination",
			req:  InitiateRequest{Route: testRoute("ETH", "ckETH"), Amount: "1", DestAddress: evmAddress},
		},
		{
			name: "ledger account for evm destination",
			req:  InitiateRequest{Route: testRoute("ckETH", "ETH"), Amount: "1", DestAddress: ledgerAccount},
		},
		{
			name: "malformed amount",
			req:  InitiateRequest{Route: testRoute("ETH", "ckETH"), Amount: "1.2.3", DestAddress: ledgerAccount},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newBridgeHarness(t)
			_, _, err := h.svc.Initiate(context.Background(), alice, tt.req)
			require.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
			assert.Empty(t, h.store.all(), "nothing persisted")
		})
	}
}

func TestBridgeService_MarkProcessing(t *testing.T) {
	h := newBridgeHarness(t)
	tx := h.initiate(t)

	_, err := h.svc.MarkProcessing(context.Background(), alice, tx.BridgeRequestID, "0x1234")
	assert.Error(t, err, "short hash rejected")

	_, err = h.svc.MarkProcessing(context.Background(), mallory, tx.BridgeRequestID, sourceTx)
	assert.ErrorIs(t, err, ErrNotOwner)

	tx, err = h.svc.MarkProcessing(context.Background(), alice, tx.BridgeRequestID, sourceTx)
	require.NoError(t, err)
	assert.Equal(t, models.BridgeStatusProcessing, tx.Status)
	require.NotNil(t, tx.SourceTxHash)
	assert.Equal(t, sourceTx, *tx.SourceTxHash)
	require.NotNil(t, tx.EstimatedAt)
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), *tx.EstimatedAt)
	assert.Equal(t, []string{tx.BridgeRequestID}, h.watcher.watched)

	_, err = h.svc.MarkProcessing(context.Background(), alice, tx.BridgeRequestID, sourceTx)
	assert.ErrorIs(t, err, ErrIllegalStateTransition)
}

func TestBridgeService_TransitionLegality(t *testing.T) {
	for _, status := range models.AllStatuses {
		t.Run(string(status), func(t *testing.T) {
			h := newBridgeHarness(t)
			tx := h.initiate(t)
			tx.Status = status
			h.store.put(tx)

			_, err := h.svc.Retry(context.Background(), alice, tx.BridgeRequestID)
			if status == models.BridgeStatusFailed || status == models.BridgeStatusStuck {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrIllegalStateTransition)
			}

			tx.Status = status
			tx.Version = h.storedVersion(t, tx.BridgeRequestID)
			h.store.put(tx)

			_, err = h.svc.Cancel(context.Background(), alice, tx.BridgeRequestID)
			if status == models.BridgeStatusPending || status == models.BridgeStatusProcessing {
				assert.NoError(t, err)
				assert.Equal(t, models.BridgeStatusCancelled, h.status(t, tx.BridgeRequestID))
			} else {
				assert.ErrorIs(t, err, ErrIllegalStateTransition)
				assert.Equal(t, status, h.status(t, tx.BridgeRequestID))
			}
		})
	}
}

func (h *bridgeHarness) storedVersion(t *testing.T, requestID string) int64 {
	t.Helper()
	tx, err := h.store.GetBridgeTransactionByRequestID(context.Background(), requestID)
	require.NoError(t, err)
	return tx.Version
}

func TestBridgeService_RetryAccounting(t *testing.T) {
	h := newBridgeHarness(t)
	tx := h.processing(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := h.svc.Fail(ctx, tx.BridgeRequestID, "ledger payment not verified in time")
		require.NoError(t, err)

		h.clock.Add(10 * time.Minute)
		got, err := h.svc.Retry(ctx, alice, tx.BridgeRequestID)
		require.NoError(t, err)
		assert.Equal(t, i, got.RetryCount)
		assert.Equal(t, models.BridgeStatusProcessing, got.Status)
		assert.Nil(t, got.ErrorMessage, "retry clears the previous error")
		require.NotNil(t, got.LastRetryAt)
		assert.Equal(t, h.clock.Now().UTC(), *got.LastRetryAt)
	}

	final, err := h.svc.GetStatus(ctx, alice, tx.BridgeRequestID)
	require.NoError(t, err)
	assert.Equal(t, 3, final.RetryCount)
	assert.Equal(t, models.BridgeStatusProcessing, final.Status)

	// one watch from MarkProcessing plus one per retry
	assert.Len(t, h.watcher.watched, 4)
}

func TestBridgeService_RetryPolicy(t *testing.T) {
	h := newBridgeHarness(t)
	tx := h.processing(t)
	ctx := context.Background()

	_, err := h.svc.Fail(ctx, tx.BridgeRequestID, "boom")
	require.NoError(t, err)
	_, err = h.svc.Retry(ctx, alice, tx.BridgeRequestID)
	require.NoError(t, err, "first retry is immediate")

	_, err = h.svc.Fail(ctx, tx.BridgeRequestID, "boom")
	require.NoError(t, err)

	// second retry must wait base << 1
	h.clock.Add(119 * time.Second)
	_, err = h.svc.Retry(ctx, alice, tx.BridgeRequestID)
	assert.ErrorIs(t, err, ErrRetryTooSoon)
	h.clock.Add(time.Second)
	_, err = h.svc.Retry(ctx, alice, tx.BridgeRequestID)
	require.NoError(t, err)

	// exhaust the cap
	for i := 2; i < h.cfg.Bridge.MaxRetries; i++ {
		_, err = h.svc.Fail(ctx, tx.BridgeRequestID, "boom")
		require.NoError(t, err)
		h.clock.Add(time.Hour)
		_, err = h.svc.Retry(ctx, alice, tx.BridgeRequestID)
		require.NoError(t, err)
	}

	_, err = h.svc.Fail(ctx, tx.BridgeRequestID, "boom")
	require.NoError(t, err)
	h.clock.Add(24 * time.Hour)
	_, err = h.svc.Retry(ctx, alice, tx.BridgeRequestID)
	assert.ErrorIs(t, err, ErrRetryLimitExceeded)
	assert.Equal(t, models.BridgeStatusFailed, h.status(t, tx.BridgeRequestID))

	// an operator can still move it on
	_, err = h.svc.AdminForceTransition(ctx, admin, tx.BridgeRequestID, models.BridgeStatusProcessing, "manual replay")
	require.NoError(t, err)
}

func TestBridgeService_FailIsIdempotent(t *testing.T) {
	h := newBridgeHarness(t)
	tx := h.processing(t)
	ctx := context.Background()

	first, err := h.svc.Fail(ctx, tx.BridgeRequestID, "timeout")
	require.NoError(t, err)
	second, err := h.svc.Fail(ctx, tx.BridgeRequestID, "another reason")
	require.NoError(t, err)

	assert.Equal(t, models.BridgeStatusFailed, second.Status)
	require.NotNil(t, second.ErrorMessage)
	assert.Equal(t, "timeout", *second.ErrorMessage, "second fail changes nothing")
	assert.Equal(t, first.Version, second.Version)

	fails := 0
	for _, tr := range h.auditor.transitions() {
		if tr == audit.TransitionFail {
			fails++
		}
	}
	assert.Equal(t, 1, fails)

	pending := h.initiate(t)
	_, err = h.svc.Fail(ctx, pending.BridgeRequestID, "nope")
	assert.ErrorIs(t, err, ErrIllegalStateTransition)
}

func TestBridgeService_Complete(t *testing.T) {
	h := newBridgeHarness(t)
	tx := h.processing(t)
	ctx := context.Background()

	_, err := h.svc.Complete(ctx, tx.BridgeRequestID, models.LedgerBlockMatch{Found: true}, "")
	assert.ErrorIs(t, err, ErrNotVerified)

	wrong := verifiedMatch(tx)
	wrong.ActualMemo = tx.Memo + 1
	_, err = h.svc.Complete(ctx, tx.BridgeRequestID, wrong, "")
	assert.ErrorIs(t, err, ErrNotVerified)

	h.clock.Add(7 * time.Minute)
	done, err := h.svc.Complete(ctx, tx.BridgeRequestID, verifiedMatch(tx), "4242")
	require.NoError(t, err)
	assert.Equal(t, models.BridgeStatusCompleted, done.Status)
	require.NotNil(t, done.LedgerBlock)
	assert.Equal(t, uint64(4242), *done.LedgerBlock)
	require.NotNil(t, done.DestTxHash)
	assert.Equal(t, "4242", *done.DestTxHash)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, h.clock.Now().UTC(), *done.CompletedAt)

	_, err = h.svc.Cancel(ctx, alice, tx.BridgeRequestID)
	assert.ErrorIs(t, err, ErrIllegalStateTransition, "completed is terminal")
}

func TestBridgeService_CompleteRecordsLedgerBlock(t *testing.T) {
	h := newBridgeHarness(t)
	tx := h.processing(t)

	done, err := h.svc.Complete(context.Background(), tx.BridgeRequestID, verifiedMatch(tx), "")
	require.NoError(t, err)
	require.NotNil(t, done.DestTxHash, "transfers into the ledger reference the verified block")
	assert.Equal(t, "4242", *done.DestTxHash)
}

func TestBridgeService_RecordPayout(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()
	payout := "0x" + strings.Repeat("2e", 32)

	out, _, err := h.svc.Initiate(ctx, alice, InitiateRequest{
		Route:       testRoute("ckETH", "ETH"),
		Amount:      "2",
		DestAddress: evmAddress,
	})
	require.NoError(t, err)
	_, err = h.svc.MarkProcessing(ctx, alice, out.BridgeRequestID, sourceTx)
	require.NoError(t, err)

	_, err = h.svc.RecordPayout(ctx, admin, out.BridgeRequestID, payout)
	assert.ErrorIs(t, err, ErrIllegalStateTransition, "payout before completion")

	done, err := h.svc.Complete(ctx, out.BridgeRequestID, verifiedMatch(out), "")
	require.NoError(t, err)
	assert.Nil(t, done.DestTxHash, "payout hash is unknown at verification")

	_, err = h.svc.RecordPayout(ctx, alice, out.BridgeRequestID, payout)
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = h.svc.RecordPayout(ctx, admin, out.BridgeRequestID, "4242")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	got, err := h.svc.RecordPayout(ctx, admin, out.BridgeRequestID, payout)
	require.NoError(t, err)
	require.NotNil(t, got.DestTxHash)
	assert.Equal(t, payout, *got.DestTxHash)
	assert.Equal(t, models.BridgeStatusCompleted, got.Status)

	_, err = h.svc.RecordPayout(ctx, admin, out.BridgeRequestID, payout)
	assert.NoError(t, err, "recording the same payout again is a no-op")
	_, err = h.svc.RecordPayout(ctx, admin, out.BridgeRequestID, sourceTx)
	assert.ErrorIs(t, err, ErrIllegalStateTransition, "a recorded payout is never replaced")

	in := h.processing(t)
	_, err = h.svc.Complete(ctx, in.BridgeRequestID, verifiedMatch(in), "")
	require.NoError(t, err)
	_, err = h.svc.RecordPayout(ctx, admin, in.BridgeRequestID, payout)
	assert.ErrorIs(t, err, ErrInvalidRequest, "transfers into the ledger have no EVM payout")

	assert.Contains(t, h.auditor.transitions(), audit.TransitionRecordPayout)
}

func TestBridgeService_CancelStopsVerification(t *testing.T) {
	h := newBridgeHarness(t)
	tx := h.processing(t)
	ctx := context.Background()

	_, err := h.svc.Cancel(ctx, alice, tx.BridgeRequestID)
	require.NoError(t, err)
	assert.Equal(t, []string{tx.BridgeRequestID}, h.watcher.stopped)

	// a match verified after cancellation is rejected
	_, err = h.svc.Complete(ctx, tx.BridgeRequestID, verifiedMatch(tx), "")
	assert.ErrorIs(t, err, ErrIllegalStateTransition)
	assert.Equal(t, models.BridgeStatusCancelled, h.status(t, tx.BridgeRequestID))
}

func TestBridgeService_Ownership(t *testing.T) {
	h := newBridgeHarness(t)
	tx := h.processing(t)
	ctx := context.Background()

	_, err := h.svc.GetStatus(ctx, mallory, tx.BridgeRequestID)
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = h.svc.Cancel(ctx, mallory, tx.BridgeRequestID)
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = h.svc.AdminForceTransition(ctx, mallory, tx.BridgeRequestID, models.BridgeStatusFailed, "")
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = h.svc.Stats(ctx, mallory)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = h.svc.Fail(ctx, tx.BridgeRequestID, "x")
	require.NoError(t, err)
	_, err = h.svc.Retry(ctx, mallory, tx.BridgeRequestID)
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.Equal(t, models.BridgeStatusFailed, h.status(t, tx.BridgeRequestID))

	_, err = h.svc.Retry(ctx, admin, tx.BridgeRequestID)
	assert.NoError(t, err, "admins act on any transaction")

	_, err = h.svc.GetStatus(ctx, alice, "404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBridgeService_SweepStuck(t *testing.T) {
	h := newBridgeHarness(t)
	tx := h.processing(t)
	other := h.initiate(t)
	ctx := context.Background()

	// estimated at +15m, grace 30m
	h.clock.Add(45 * time.Minute)
	moved, err := h.svc.SweepStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	assert.Equal(t, models.BridgeStatusProcessing, h.status(t, tx.BridgeRequestID))

	h.clock.Add(time.Second)
	moved, err = h.svc.SweepStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	stuck, err := h.svc.GetStatus(ctx, alice, tx.BridgeRequestID)
	require.NoError(t, err)
	assert.Equal(t, models.BridgeStatusStuck, stuck.Status)
	require.NotNil(t, stuck.ErrorMessage)
	assert.Contains(t, h.watcher.stopped, tx.BridgeRequestID)
	assert.Equal(t, models.BridgeStatusPending, h.status(t, other.BridgeRequestID))
}

func TestBridgeService_HandleVerificationTimeout(t *testing.T) {
	ctx := context.Background()
	timeout := models.LedgerBlockMatch{Error: "no verified payment within 30m0s"}

	t.Run("first attempt becomes stuck", func(t *testing.T) {
		h := newBridgeHarness(t)
		tx := h.processing(t)
		got, err := h.svc.HandleVerificationTimeout(ctx, tx.BridgeRequestID, 0, timeout)
		require.NoError(t, err)
		assert.Equal(t, models.BridgeStatusStuck, got.Status)
		assert.Equal(t, timeout.Error, *got.ErrorMessage)
	})

	t.Run("retried attempt fails", func(t *testing.T) {
		h := newBridgeHarness(t)
		tx := h.processing(t)
		_, err := h.svc.MarkStuck(ctx, tx.BridgeRequestID, "overdue")
		require.NoError(t, err)
		_, err = h.svc.Retry(ctx, alice, tx.BridgeRequestID)
		require.NoError(t, err)

		got, err := h.svc.HandleVerificationTimeout(ctx, tx.BridgeRequestID, 1, timeout)
		require.NoError(t, err)
		assert.Equal(t, models.BridgeStatusFailed, got.Status)
	})

	t.Run("timeout from an earlier attempt is ignored", func(t *testing.T) {
		h := newBridgeHarness(t)
		tx := h.processing(t)
		_, err := h.svc.MarkStuck(ctx, tx.BridgeRequestID, "overdue")
		require.NoError(t, err)
		retried, err := h.svc.Retry(ctx, alice, tx.BridgeRequestID)
		require.NoError(t, err)
		require.Equal(t, 1, retried.RetryCount)

		got, err := h.svc.HandleVerificationTimeout(ctx, tx.BridgeRequestID, 0, timeout)
		require.NoError(t, err)
		assert.Equal(t, models.BridgeStatusProcessing, got.Status)
		assert.Equal(t, models.BridgeStatusProcessing, h.status(t, tx.BridgeRequestID))
	})

	t.Run("cancelled transaction is left alone", func(t *testing.T) {
		h := newBridgeHarness(t)
		tx := h.processing(t)
		_, err := h.svc.Cancel(ctx, alice, tx.BridgeRequestID)
		require.NoError(t, err)

		got, err := h.svc.HandleVerificationTimeout(ctx, tx.BridgeRequestID, 0, timeout)
		require.NoError(t, err)
		assert.Equal(t, models.BridgeStatusCancelled, got.Status)
	})
}

func TestBridgeService_AdminForceTransition(t *testing.T) {
	h := newBridgeHarness(t)
	tx := h.processing(t)
	ctx := context.Background()

	got, err := h.svc.AdminForceTransition(ctx, admin, tx.BridgeRequestID, models.BridgeStatusCompleted, "confirmed by hand")
	require.NoError(t, err)
	assert.Equal(t, models.BridgeStatusCompleted, got.Status)
	require.NotNil(t, got.AdminNote)
	assert.Equal(t, "confirmed by hand", *got.AdminNote)

	_, err = h.svc.AdminForceTransition(ctx, admin, tx.BridgeRequestID, models.BridgeStatusFailed, "")
	assert.ErrorIs(t, err, ErrIllegalStateTransition, "completed only accepts notes")

	got, err = h.svc.AdminForceTransition(ctx, admin, tx.BridgeRequestID, models.BridgeStatusCompleted, "ticket 1182")
	require.NoError(t, err)
	assert.Equal(t, "ticket 1182", *got.AdminNote)

	_, err = h.svc.AdminForceTransition(ctx, admin, tx.BridgeRequestID, models.BridgeStatus("lost"), "")
	assert.ErrorIs(t, err, ErrIllegalStateTransition)

	last := h.auditor.events[len(h.auditor.events)-1]
	assert.Equal(t, audit.TransitionAdminForce, last.Transition)
	assert.Equal(t, "ops", last.Actor)
}

func TestBridgeService_ConcurrentTransitionsAreSerialized(t *testing.T) {
	h := newBridgeHarness(t)
	tx := h.processing(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Cancel(context.Background(), alice, tx.BridgeRequestID); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrIllegalStateTransition)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
}

func TestBridgeService_ExpectedPayment(t *testing.T) {
	h := newBridgeHarness(t)

	in := h.initiate(t)
	exp, err := h.svc.ExpectedPayment(in)
	require.NoError(t, err)
	assert.Equal(t, ledgerAccount, exp.Recipient)
	assert.Equal(t, in.ReceiveAmount, exp.Amount.String())
	assert.Equal(t, in.Memo, exp.Memo)

	out, _, err := h.svc.Initiate(context.Background(), alice, InitiateRequest{
		Route:       testRoute("ckETH", "ETH"),
		Amount:      "2",
		DestAddress: evmAddress,
	})
	require.NoError(t, err)
	exp, err = h.svc.ExpectedPayment(out)
	require.NoError(t, err)
	assert.Equal(t, custody, exp.Recipient)
	assert.Equal(t, "2000000000000000000", exp.Amount.String())
}

func TestBridgeService_ListUserBridges(t *testing.T) {
	h := newBridgeHarness(t)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.initiate(t).BridgeRequestID)
		h.clock.Add(time.Minute)
	}

	txs, err := h.svc.ListUserBridges(context.Background(), alice, 2, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ids[2], txs[0].BridgeRequestID, "newest first")

	txs, err = h.svc.ListUserBridges(context.Background(), mallory, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestBridgeService_Stats(t *testing.T) {
	h := newBridgeHarness(t)
	ctx := context.Background()

	done := h.processing(t)
	h.clock.Add(20 * time.Minute)
	_, err := h.svc.Complete(ctx, done.BridgeRequestID, verifiedMatch(done), "")
	require.NoError(t, err)

	failed := h.processing(t)
	_, err = h.svc.Fail(ctx, failed.BridgeRequestID, "x")
	require.NoError(t, err)

	h.initiate(t)

	stats, err := h.svc.Stats(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[models.BridgeStatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[models.BridgeStatusFailed])
	assert.Equal(t, 1, stats.ByStatus[models.BridgeStatusPending])
	assert.Equal(t, 3, stats.ByDirection[models.DirectionToLedger])
	assert.Equal(t, 3, stats.ByToken["ETH"])
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
	assert.InDelta(t, 20.0, stats.AverageCompletionMins, 1e-9)
}
