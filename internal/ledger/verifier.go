// Package ledger verifies that an expected payment landed on the destination
// ledger.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"cosmossdk.io/math"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"ckbridge/settlement/internal/config"
	"ckbridge/settlement/internal/models"
)

// ErrVerificationTimeout is returned when polling exhausts its window
var ErrVerificationTimeout = errors.New("ledger verification timed out")

// Expectation is the exact payment being searched for
type Expectation struct {
	Recipient string   // hex account identifier
	Amount    *big.Int // minor units
	Memo      uint64
}

func (e Expectation) validate() error {
	if _, err := models.ParseAccountID(e.Recipient); err != nil {
		return err
	}
	if e.Amount == nil || e.Amount.Sign() < 0 {
		return fmt.Errorf("invalid expected amount")
	}
	return nil
}

// Verifier searches ledger blocks for expected payments
type Verifier struct {
	client Client
	cursor CursorStore
	clock  clock.Clock
	logger *zap.Logger

	lookback       uint64
	maxBlocks      uint64
	pollInterval   time.Duration
	errorBackoff   time.Duration
	defaultTimeout time.Duration
}

// NewVerifier creates a verifier
func NewVerifier(client Client, cursor CursorStore, clk clock.Clock, cfg config.LedgerConfig, logger *zap.Logger) *Verifier {
	maxBlocks := cfg.MaxBlocksPerQuery
	if maxBlocks == 0 {
		maxBlocks = cfg.LookbackBlocks
	}
	return &Verifier{
		client:         client,
		cursor:         cursor,
		clock:          clk,
		logger:         logger.Named("ledger"),
		lookback:       cfg.LookbackBlocks,
		maxBlocks:      maxBlocks,
		pollInterval:   cfg.PollInterval,
		errorBackoff:   cfg.ErrorBackoff,
		defaultTimeout: cfg.VerificationTimeout,
	}
}

// VerifyPayment scans blocks from searchFrom (default: tip minus the lookback
// window) up to the current tip and returns the first block whose transfer
// matches the expected recipient, amount and memo exactly.
//
// A block with the expected memo but a different recipient or amount is never
// a match; it is reported through the Actual* fields and Error for
// diagnostics.
func (v *Verifier) VerifyPayment(ctx context.Context, exp Expectation, searchFrom *uint64) (models.LedgerBlockMatch, error) {
	if err := exp.validate(); err != nil {
		return models.LedgerBlockMatch{}, err
	}
	recipient, _ := models.ParseAccountID(exp.Recipient)
	amount := math.NewUintFromBigInt(exp.Amount)

	length, err := v.client.ChainLength(ctx)
	if err != nil {
		return models.LedgerBlockMatch{}, err
	}

	start := uint64(0)
	if length > v.lookback {
		start = length - v.lookback
	}
	if searchFrom != nil {
		start = *searchFrom
	}

	result := models.LedgerBlockMatch{SearchedFrom: start, SearchedTo: start}

	for next := start; next < length; {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		n := length - next
		if n > v.maxBlocks {
			n = v.maxBlocks
		}

		blocks, err := v.client.QueryBlocks(ctx, next, n)
		if err != nil {
			return result, err
		}
		if len(blocks) == 0 {
			break
		}
		if blocks[0].Height != next {
			return result, fmt.Errorf("ledger returned block %d for a query starting at %d", blocks[0].Height, next)
		}
		if last := blocks[len(blocks)-1].Height; last < next {
			return result, fmt.Errorf("ledger returned blocks out of order ending at %d", last)
		}

		for _, b := range blocks {
			if b.Transfer == nil || b.Memo != exp.Memo {
				continue
			}

			to, err := models.ParseAccountID(b.Transfer.To)
			recipientOK := err == nil && bytes.Equal(to, recipient)
			amountOK := b.Transfer.Amount.Equal(amount)

			if recipientOK && amountOK {
				return models.LedgerBlockMatch{
					Found:           true,
					Verified:        true,
					BlockHeight:     b.Height,
					Timestamp:       b.Timestamp,
					ActualAmount:    b.Transfer.Amount.String(),
					ActualMemo:      b.Memo,
					ActualRecipient: b.Transfer.To,
					SearchedFrom:    start,
					SearchedTo:      b.Height + 1,
				}, nil
			}

			result.BlockHeight = b.Height
			result.Timestamp = b.Timestamp
			result.ActualAmount = b.Transfer.Amount.String()
			result.ActualMemo = b.Memo
			result.ActualRecipient = b.Transfer.To
			switch {
			case !recipientOK:
				result.Error = fmt.Sprintf("memo %d at block %d paid a different recipient", b.Memo, b.Height)
			default:
				result.Error = fmt.Sprintf("memo %d at block %d paid %s, expected %s", b.Memo, b.Height, b.Transfer.Amount, amount)
			}
		}

		next = blocks[len(blocks)-1].Height + 1
		result.SearchedTo = next
	}

	if result.Error == "" {
		result.Error = fmt.Sprintf("no matching transfer in blocks [%d, %d)", result.SearchedFrom, result.SearchedTo)
	}
	return result, nil
}

// PollForPayment calls VerifyPayment until it verifies, ctx is cancelled or
// timeout elapses (zero means the configured verification timeout). Each
// attempt resumes after the last scanned block and runs under the same
// deadline, so a slow or misbehaving gateway cannot hold the poll past it. On
// timeout it returns the last attempt's result together with
// ErrVerificationTimeout.
func (v *Verifier) PollForPayment(ctx context.Context, exp Expectation, timeout time.Duration) (models.LedgerBlockMatch, error) {
	if timeout <= 0 {
		timeout = v.defaultTimeout
	}
	if err := exp.validate(); err != nil {
		return models.LedgerBlockMatch{}, err
	}

	pollCtx, cancel := v.clock.WithTimeout(ctx, timeout)
	defer cancel()

	key := strconv.FormatUint(exp.Memo, 10)
	var from *uint64
	if next, ok, err := v.cursor.Load(ctx, key); err != nil {
		v.logger.Warn("Failed to load scan cursor", zap.Uint64("memo", exp.Memo), zap.Error(err))
	} else if ok {
		from = &next
	}

	var last models.LedgerBlockMatch
	for {
		match, err := v.VerifyPayment(pollCtx, exp, from)
		wait := v.pollInterval

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if pollCtx.Err() != nil {
				return v.timedOut(ctx, key, last, timeout)
			}
			v.logger.Warn("Ledger query failed, backing off",
				zap.Uint64("memo", exp.Memo),
				zap.Duration("backoff", v.errorBackoff),
				zap.Error(err))
			wait = v.errorBackoff
		case match.Verified:
			if err := v.cursor.Clear(ctx, key); err != nil {
				v.logger.Warn("Failed to clear scan cursor", zap.Uint64("memo", exp.Memo), zap.Error(err))
			}
			v.logger.Info("Ledger payment verified",
				zap.Uint64("memo", exp.Memo),
				zap.Uint64("block_height", match.BlockHeight))
			return match, nil
		default:
			last = match
			next := match.SearchedTo
			from = &next
			if err := v.cursor.Save(ctx, key, next); err != nil {
				v.logger.Warn("Failed to save scan cursor", zap.Uint64("memo", exp.Memo), zap.Error(err))
			}
			v.logger.Debug("Payment not found yet",
				zap.Uint64("memo", exp.Memo),
				zap.Uint64("searched_from", match.SearchedFrom),
				zap.Uint64("searched_to", match.SearchedTo))
		}

		timer := v.clock.Timer(wait)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return v.timedOut(ctx, key, last, timeout)
		case <-timer.C:
		}
	}
}

func (v *Verifier) timedOut(ctx context.Context, key string, last models.LedgerBlockMatch, timeout time.Duration) (models.LedgerBlockMatch, error) {
	if err := v.cursor.Clear(ctx, key); err != nil {
		v.logger.Warn("Failed to clear scan cursor", zap.String("memo", key), zap.Error(err))
	}
	last.Error = fmt.Sprintf("no verified payment within %s: %s", timeout, last.Error)
	return last, ErrVerificationTimeout
}
