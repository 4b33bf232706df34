package service

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ckbridge/settlement/internal/audit"
	"ckbridge/settlement/internal/config"
	"ckbridge/settlement/internal/ledger"
	"ckbridge/settlement/internal/models"
)

// Store persists bridge transactions. *database.DB implements it.
// Getters return nil, nil when nothing matches.
type Store interface {
	CreateBridgeTransaction(ctx context.Context, tx *models.BridgeTransaction) error
	GetBridgeTransactionByRequestID(ctx context.Context, requestID string) (*models.BridgeTransaction, error)
	ListBridgeTransactionsByUser(ctx context.Context, userID string, limit, offset int) ([]models.BridgeTransaction, error)
	ListBridgeTransactionsByStatus(ctx context.Context, status models.BridgeStatus) ([]models.BridgeTransaction, error)
	ListBridgeTransactions(ctx context.Context) ([]models.BridgeTransaction, error)
	UpdateBridgeTransaction(ctx context.Context, tx *models.BridgeTransaction) error
}

// Auditor receives one event per state transition. *audit.Emitter implements it.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event)
}

// Watcher runs ledger verification for processing transactions
type Watcher interface {
	Watch(tx *models.BridgeTransaction)
	Stop(requestID string)
}

// Caller identifies who is acting on a transaction
type Caller struct {
	UserID string
	Admin  bool
}

const systemActor = "system"

// errNoChange lets a mutation declare an idempotent no-op
var errNoChange = errors.New("no change")

// InitiateRequest is a user's bridge request
type InitiateRequest struct {
	models.Route
	Amount      string // decimal string in whole units of SourceToken
	DestAddress string // ledger account id (hex) or EVM address, by direction
}

// BridgeService drives the bridge transaction state machine
type BridgeService struct {
	store   Store
	fees    *FeeService
	auditor Auditor
	watcher Watcher
	clock   clock.Clock
	cfg     *config.Config
	logger  *zap.Logger
	locks   *keyedMutex
}

// NewBridgeService creates a new bridge service
func NewBridgeService(store Store, fees *FeeService, auditor Auditor, clk clock.Clock, cfg *config.Config, logger *zap.Logger) *BridgeService {
	return &BridgeService{
		store:   store,
		fees:    fees,
		auditor: auditor,
		clock:   clk,
		cfg:     cfg,
		logger:  logger.Named("bridge"),
		locks:   newKeyedMutex(),
	}
}

// SetWatcher attaches the verification watcher. It must be called before the
// service handles requests.
func (s *BridgeService) SetWatcher(w Watcher) {
	s.watcher = w
}

// Quote prices a transfer without persisting anything
func (s *BridgeService) Quote(ctx context.Context, route models.Route, amount string) (*models.FeeQuote, error) {
	return s.fees.Quote(ctx, route, amount)
}

// Initiate validates and prices the request, then persists a new pending
// transaction. The returned transaction's BridgeRequestID is the memo the
// user presents with the ledger payment.
func (s *BridgeService) Initiate(ctx context.Context, caller Caller, req InitiateRequest) (*models.BridgeTransaction, *models.FeeQuote, error) {
	src, dst, err := ResolvePair(req.Route)
	if err != nil {
		return nil, nil, err
	}

	if err := validateDestAddress(dst, req.DestAddress); err != nil {
		return nil, nil, err
	}

	quote, err := s.fees.Quote(ctx, req.Route, req.Amount)
	if err != nil {
		return nil, nil, err
	}

	memo := newMemo()
	now := s.clock.Now().UTC()
	tx := &models.BridgeTransaction{
		ID:              uuid.NewString(),
		BridgeRequestID: strconv.FormatUint(memo, 10),
		Memo:            memo,
		UserID:          caller.UserID,
		SourceChain:     src.Chain,
		DestChain:       dst.Chain,
		SourceToken:     src.Symbol,
		DestToken:       dst.Symbol,
		DestAddress:     req.DestAddress,
		Amount:          quote.Amount.String(),
		ProtocolFee:     quote.ProtocolFee.String(),
		NetworkFee:      quote.NetworkFee.String(),
		TotalFee:        quote.TotalFee.String(),
		ReceiveAmount:   quote.ReceiveAmount.String(),
		Decimals:        quote.Decimals,
		Status:          models.BridgeStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}

	if err := s.store.CreateBridgeTransaction(ctx, tx); err != nil {
		return nil, nil, fmt.Errorf("failed to create bridge transaction: %w", err)
	}

	s.logger.Info("Bridge transaction created",
		zap.String("bridge_request_id", tx.BridgeRequestID),
		zap.String("user_id", tx.UserID),
		zap.String("source_token", tx.SourceToken),
		zap.String("dest_token", tx.DestToken),
		zap.String("amount", tx.Amount))

	s.auditor.Emit(ctx, audit.Event{
		Transition:      audit.TransitionInitiate,
		TransactionID:   tx.ID,
		BridgeRequestID: tx.BridgeRequestID,
		To:              tx.Status,
		Actor:           caller.UserID,
		At:              now,
	})

	return tx.Clone(), quote, nil
}

// GetStatus returns a snapshot of the transaction
func (s *BridgeService) GetStatus(ctx context.Context, caller Caller, requestID string) (*models.BridgeTransaction, error) {
	tx, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !caller.Admin && tx.UserID != caller.UserID {
		return nil, ErrNotOwner
	}
	return tx, nil
}

// ListUserBridges returns the caller's transactions, newest first
func (s *BridgeService) ListUserBridges(ctx context.Context, caller Caller, limit, offset int) ([]models.BridgeTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	txs, err := s.store.ListBridgeTransactionsByUser(ctx, caller.UserID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list bridge transactions: %w", err)
	}
	return txs, nil
}

// MarkProcessing moves a pending transaction to processing once its source
// payment is submitted, and starts ledger verification
func (s *BridgeService) MarkProcessing(ctx context.Context, caller Caller, requestID, sourceTxHash string) (*models.BridgeTransaction, error) {
	if !isTxHash(sourceTxHash) {
		return nil, fmt.Errorf("%w: invalid source transaction hash %q", ErrInvalidRequest, sourceTxHash)
	}

	tx, err := s.transition(ctx, requestID, &caller, audit.TransitionMarkProcessing, "", func(tx *models.BridgeTransaction, now time.Time) error {
		if tx.Status != models.BridgeStatusPending {
			return illegal(tx.Status, models.BridgeStatusProcessing)
		}
		tx.Status = models.BridgeStatusProcessing
		tx.SourceTxHash = &sourceTxHash
		est := now.Add(s.estimate(tx))
		tx.EstimatedAt = &est
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.watch(tx)
	return tx, nil
}

// Complete marks a processing transaction completed. match must be a
// verified ledger match for this transaction's expected payment. When
// destTxHash is empty, a transfer into the ledger records the verified block
// height as its destination reference; a transfer out of it gets its EVM
// payout hash later through RecordPayout.
func (s *BridgeService) Complete(ctx context.Context, requestID string, match models.LedgerBlockMatch, destTxHash string) (*models.BridgeTransaction, error) {
	if !match.Found || !match.Verified {
		return nil, ErrNotVerified
	}

	return s.transition(ctx, requestID, nil, audit.TransitionComplete, "", func(tx *models.BridgeTransaction, now time.Time) error {
		if tx.Status != models.BridgeStatusProcessing {
			return illegal(tx.Status, models.BridgeStatusCompleted)
		}
		if match.ActualMemo != tx.Memo {
			return fmt.Errorf("%w: match memo %d does not belong to %s", ErrNotVerified, match.ActualMemo, tx.BridgeRequestID)
		}
		tx.Status = models.BridgeStatusCompleted
		ref := destTxHash
		if ref == "" && tx.Direction() == models.DirectionToLedger {
			ref = strconv.FormatUint(match.BlockHeight, 10)
		}
		if ref != "" {
			tx.DestTxHash = &ref
		}
		block := match.BlockHeight
		tx.LedgerBlock = &block
		ts := match.Timestamp.UTC()
		tx.LedgerTimestamp = &ts
		tx.CompletedAt = &now
		tx.ErrorMessage = nil
		return nil
	})
}

// Fail marks a processing transaction failed. Failing an already failed
// transaction is a no-op.
func (s *BridgeService) Fail(ctx context.Context, requestID, reason string) (*models.BridgeTransaction, error) {
	tx, err := s.transition(ctx, requestID, nil, audit.TransitionFail, reason, func(tx *models.BridgeTransaction, _ time.Time) error {
		switch tx.Status {
		case models.BridgeStatusFailed:
			return errNoChange
		case models.BridgeStatusProcessing:
		default:
			return illegal(tx.Status, models.BridgeStatusFailed)
		}
		tx.Status = models.BridgeStatusFailed
		tx.ErrorMessage = &reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.stopWatch(requestID)
	return tx, nil
}

// MarkStuck marks a processing transaction stuck
func (s *BridgeService) MarkStuck(ctx context.Context, requestID, reason string) (*models.BridgeTransaction, error) {
	tx, err := s.transition(ctx, requestID, nil, audit.TransitionMarkStuck, reason, func(tx *models.BridgeTransaction, _ time.Time) error {
		if tx.Status != models.BridgeStatusProcessing {
			return illegal(tx.Status, models.BridgeStatusStuck)
		}
		tx.Status = models.BridgeStatusStuck
		tx.ErrorMessage = &reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.stopWatch(requestID)
	return tx, nil
}

// Retry moves a failed or stuck transaction back to processing and restarts
// verification. Retries are capped and spaced exponentially.
func (s *BridgeService) Retry(ctx context.Context, caller Caller, requestID string) (*models.BridgeTransaction, error) {
	tx, err := s.transition(ctx, requestID, &caller, audit.TransitionRetry, "", func(tx *models.BridgeTransaction, now time.Time) error {
		if tx.Status != models.BridgeStatusFailed && tx.Status != models.BridgeStatusStuck {
			return illegal(tx.Status, models.BridgeStatusProcessing)
		}
		if limit := s.cfg.Bridge.MaxRetries; limit > 0 && tx.RetryCount >= limit {
			return fmt.Errorf("%w: %d of %d retries used", ErrRetryLimitExceeded, tx.RetryCount, limit)
		}
		if tx.LastRetryAt != nil {
			next := tx.LastRetryAt.Add(s.retrySpacing(tx.RetryCount))
			if now.Before(next) {
				return fmt.Errorf("%w: next retry allowed at %s", ErrRetryTooSoon, next.Format(time.RFC3339))
			}
		}

		tx.RetryCount++
		tx.LastRetryAt = &now
		tx.Status = models.BridgeStatusProcessing
		tx.ErrorMessage = nil
		est := now.Add(s.estimate(tx))
		tx.EstimatedAt = &est
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Bridge transaction retried",
		zap.String("bridge_request_id", requestID),
		zap.Int("retry_count", tx.RetryCount))

	s.watch(tx)
	return tx, nil
}

// Cancel cancels a pending or processing transaction and stops any
// verification in flight
func (s *BridgeService) Cancel(ctx context.Context, caller Caller, requestID string) (*models.BridgeTransaction, error) {
	tx, err := s.transition(ctx, requestID, &caller, audit.TransitionCancel, "", func(tx *models.BridgeTransaction, _ time.Time) error {
		if tx.Status != models.BridgeStatusPending && tx.Status != models.BridgeStatusProcessing {
			return illegal(tx.Status, models.BridgeStatusCancelled)
		}
		tx.Status = models.BridgeStatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.stopWatch(requestID)
	return tx, nil
}

// AdminForceTransition sets any status on a non-terminal transaction,
// bypassing ownership and the normal transition rules. On a terminal
// transaction only the note can change.
func (s *BridgeService) AdminForceTransition(ctx context.Context, caller Caller, requestID string, to models.BridgeStatus, note string) (*models.BridgeTransaction, error) {
	if !caller.Admin {
		return nil, ErrNotOwner
	}
	if !to.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrIllegalStateTransition, to)
	}

	tx, err := s.transition(ctx, requestID, &caller, audit.TransitionAdminForce, note, func(tx *models.BridgeTransaction, now time.Time) error {
		if tx.Status.IsTerminal() && to != tx.Status {
			return illegal(tx.Status, to)
		}
		if note != "" {
			tx.AdminNote = &note
		}
		if to == tx.Status {
			return nil
		}

		tx.Status = to
		switch to {
		case models.BridgeStatusCompleted:
			tx.CompletedAt = &now
		case models.BridgeStatusProcessing:
			est := now.Add(s.estimate(tx))
			tx.EstimatedAt = &est
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn("Bridge transaction force-transitioned",
		zap.String("bridge_request_id", requestID),
		zap.String("status", string(to)),
		zap.String("admin", caller.UserID))

	if to == models.BridgeStatusProcessing {
		s.watch(tx)
	} else {
		s.stopWatch(requestID)
	}
	return tx, nil
}

// RecordPayout records the EVM transaction that paid out a completed transfer
// leaving the ledger. Only admins may record it, and a recorded payout is
// never replaced.
func (s *BridgeService) RecordPayout(ctx context.Context, caller Caller, requestID, destTxHash string) (*models.BridgeTransaction, error) {
	if !caller.Admin {
		return nil, ErrNotOwner
	}
	if !isTxHash(destTxHash) {
		return nil, fmt.Errorf("%w: invalid payout transaction hash %q", ErrInvalidRequest, destTxHash)
	}

	return s.transition(ctx, requestID, &caller, audit.TransitionRecordPayout, destTxHash, func(tx *models.BridgeTransaction, _ time.Time) error {
		if tx.Direction() != models.DirectionFromLedger {
			return fmt.Errorf("%w: %s pays out on the ledger", ErrInvalidRequest, tx.BridgeRequestID)
		}
		if tx.Status != models.BridgeStatusCompleted {
			return fmt.Errorf("%w: payout recorded while %s", ErrIllegalStateTransition, tx.Status)
		}
		if tx.DestTxHash != nil {
			if *tx.DestTxHash == destTxHash {
				return errNoChange
			}
			return fmt.Errorf("%w: payout already recorded as %s", ErrIllegalStateTransition, *tx.DestTxHash)
		}
		tx.DestTxHash = &destTxHash
		return nil
	})
}

// HandleVerificationTimeout applies the timeout policy to a transaction whose
// ledger verification window elapsed: a first attempt with a known source
// transaction becomes stuck, anything else fails. attempt is the retry count
// the verification started under; a timeout from an earlier attempt, or for a
// transaction that already left processing, is ignored.
func (s *BridgeService) HandleVerificationTimeout(ctx context.Context, requestID string, attempt int, match models.LedgerBlockMatch) (*models.BridgeTransaction, error) {
	tx, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.BridgeStatusProcessing || tx.RetryCount != attempt {
		s.logger.Info("Ignoring stale verification timeout",
			zap.String("bridge_request_id", requestID),
			zap.String("status", string(tx.Status)),
			zap.Int("attempt", attempt),
			zap.Int("retry_count", tx.RetryCount))
		return tx, nil
	}

	reason := "ledger payment not verified in time"
	if match.Error != "" {
		reason = match.Error
	}

	if tx.SourceTxHash != nil && tx.RetryCount == 0 {
		return s.MarkStuck(ctx, requestID, reason)
	}
	return s.Fail(ctx, requestID, reason)
}

// SweepStuck marks every processing transaction whose estimated completion
// passed more than the grace window ago as stuck, and returns how many moved
func (s *BridgeService) SweepStuck(ctx context.Context) (int, error) {
	txs, err := s.store.ListBridgeTransactionsByStatus(ctx, models.BridgeStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to list processing transactions: %w", err)
	}

	now := s.clock.Now()
	moved := 0
	for i := range txs {
		tx := &txs[i]
		if tx.EstimatedAt == nil || !now.After(tx.EstimatedAt.Add(s.cfg.Bridge.StuckGrace)) {
			continue
		}

		reason := fmt.Sprintf("not completed within %s of estimated completion", s.cfg.Bridge.StuckGrace)
		if _, err := s.MarkStuck(ctx, tx.BridgeRequestID, reason); err != nil {
			if errors.Is(err, ErrIllegalStateTransition) {
				continue
			}
			s.logger.Error("Failed to mark transaction stuck",
				zap.String("bridge_request_id", tx.BridgeRequestID),
				zap.Error(err))
			continue
		}
		moved++
	}

	if moved > 0 {
		s.logger.Warn("Marked overdue transactions stuck", zap.Int("count", moved))
	}
	return moved, nil
}

// ProcessingTransactions returns every transaction currently processing
func (s *BridgeService) ProcessingTransactions(ctx context.Context) ([]models.BridgeTransaction, error) {
	return s.store.ListBridgeTransactionsByStatus(ctx, models.BridgeStatusProcessing)
}

// ExpectedPayment returns the ledger transfer that proves tx settled. Value
// entering the ledger is paid by the bridge to the user's account; value
// leaving it is paid by the user into the custody account.
func (s *BridgeService) ExpectedPayment(tx *models.BridgeTransaction) (ledger.Expectation, error) {
	exp := ledger.Expectation{Memo: tx.Memo}

	var amount string
	if tx.Direction() == models.DirectionToLedger {
		exp.Recipient = tx.DestAddress
		amount = tx.ReceiveAmount
	} else {
		exp.Recipient = s.cfg.Ledger.CustodyAccount
		amount = tx.Amount
	}

	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return ledger.Expectation{}, fmt.Errorf("invalid stored amount %q", amount)
	}
	exp.Amount = v
	return exp, nil
}

// transition loads the transaction under its lock, checks ownership when
// caller is set, applies mutate and persists the result with an audit event
func (s *BridgeService) transition(
	ctx context.Context,
	requestID string,
	caller *Caller,
	name string,
	note string,
	mutate func(tx *models.BridgeTransaction, now time.Time) error,
) (*models.BridgeTransaction, error) {
	unlock := s.locks.Lock(requestID)
	defer unlock()

	tx, err := s.load(ctx, requestID)
	if err != nil {
		return nil, err
	}

	actor := systemActor
	if caller != nil {
		actor = caller.UserID
		if !caller.Admin && tx.UserID != caller.UserID {
			return nil, ErrNotOwner
		}
	}

	from := tx.Status
	now := s.clock.Now().UTC()
	if err := mutate(tx, now); err != nil {
		if errors.Is(err, errNoChange) {
			return tx, nil
		}
		return nil, err
	}
	tx.UpdatedAt = now

	if err := s.store.UpdateBridgeTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to update bridge transaction: %w", err)
	}

	s.logger.Info("Bridge transaction status updated",
		zap.String("bridge_request_id", requestID),
		zap.String("transition", name),
		zap.String("from", string(from)),
		zap.String("to", string(tx.Status)),
		zap.String("actor", actor))

	s.auditor.Emit(ctx, audit.Event{
		Transition:      name,
		TransactionID:   tx.ID,
		BridgeRequestID: requestID,
		From:            from,
		To:              tx.Status,
		Actor:           actor,
		Note:            note,
		At:              now,
	})

	return tx.Clone(), nil
}

func (s *BridgeService) load(ctx context.Context, requestID string) (*models.BridgeTransaction, error) {
	tx, err := s.store.GetBridgeTransactionByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get bridge transaction: %w", err)
	}
	if tx == nil {
		return nil, ErrNotFound
	}
	return tx, nil
}

func (s *BridgeService) estimate(tx *models.BridgeTransaction) time.Duration {
	if tx.Direction() == models.DirectionFromLedger {
		return time.Duration(s.cfg.Bridge.FromLedgerMinutes) * time.Minute
	}
	return time.Duration(s.cfg.Bridge.ToLedgerMinutes) * time.Minute
}

// retrySpacing is the minimum wait after the previous retry
func (s *BridgeService) retrySpacing(retryCount int) time.Duration {
	if retryCount > 20 {
		retryCount = 20
	}
	return s.cfg.Bridge.RetryBaseDelay * time.Duration(1<<uint(retryCount))
}

func (s *BridgeService) watch(tx *models.BridgeTransaction) {
	if s.watcher != nil {
		s.watcher.Watch(tx.Clone())
	}
}

func (s *BridgeService) stopWatch(requestID string) {
	if s.watcher != nil {
		s.watcher.Stop(requestID)
	}
}

func illegal(from, to models.BridgeStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalStateTransition, from, to)
}

// newMemo returns a random non-zero memo below 2^63 so it fits signed 64-bit
// columns
func newMemo() uint64 {
	for {
		u := uuid.New()
		memo := binary.BigEndian.Uint64(u[:8]) &^ (1 << 63)
		if memo != 0 {
			return memo
		}
	}
}

func validateDestAddress(dst models.Token, addr string) error {
	if dst.Chain == models.ChainICP {
		if _, err := models.ParseAccountID(addr); err != nil {
			return fmt.Errorf("%w: destination ledger account: %v", ErrInvalidRequest, err)
		}
		return nil
	}
	if err := ethav.Validate(addr); err != nil {
		return fmt.Errorf("%w: destination address %q: %v", ErrInvalidRequest, addr, err)
	}
	return nil
}

func isTxHash(h string) bool {
	b, err := hexutil.Decode(h)
	return err == nil && len(b) == common.HashLength
}
