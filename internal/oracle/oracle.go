// Package oracle supplies USD token prices and network cost estimates to the
// fee calculator. Price lookups degrade to cached or fallback values instead
// of failing the caller.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ckbridge/settlement/internal/cache"
	"ckbridge/settlement/internal/config"
	"ckbridge/settlement/internal/models"
)

// ErrPriceUnavailable is returned when a token has no usable USD price
var ErrPriceUnavailable = errors.New("price unavailable")

const (
	pricesCacheKey = "oracle:prices:usd"
	gasCacheKey    = "oracle:gas:evm"
	gasCacheTTL    = 15 * time.Second
	weiDecimals    = 18
)

// fallbackPrices is used when the feed has never answered. Keyed by price id.
var fallbackPrices = map[string]decimal.Decimal{
	"ethereum":          decimal.NewFromInt(3000),
	"usd-coin":          decimal.NewFromInt(1),
	"internet-computer": decimal.NewFromInt(10),
}

// GasEstimate is the cost of the EVM leg of a transfer
type GasEstimate struct {
	GasUnits           uint64
	BaseFeePerUnit     *big.Int // wei
	PriorityFeePerUnit *big.Int // wei
	TotalCostNative    *big.Int // wei
	TotalCostUSD       decimal.Decimal
	Fallback           bool
}

// LedgerCost is the cost of the ledger leg of a transfer
type LedgerCost struct {
	CostNative *big.Int // e8s of ICP
	CostUSD    decimal.Decimal
}

// Oracle is the price and gas oracle. It is safe for concurrent use.
type Oracle struct {
	prices PriceFeed
	gas    GasFeed

	priceCache *cache.Loader[map[string]decimal.Decimal]
	gasCache   *cache.Loader[gasPrice]

	nativeTransferGas uint64
	tokenTransferGas  uint64
	fallbackGasUSD    decimal.Decimal
	ledgerFeeE8s      uint64
	requestTimeout    time.Duration
	gasTimeout        time.Duration

	logger *zap.Logger
}

// New creates an oracle. gas may be nil, in which case every gas estimate uses
// the configured fallback cost.
func New(cfg *config.Config, prices PriceFeed, gas GasFeed, store cache.Store, clk clock.Clock, logger *zap.Logger) (*Oracle, error) {
	fallbackGasUSD, err := decimal.NewFromString(cfg.SourceChain.FallbackGasUSD)
	if err != nil {
		return nil, fmt.Errorf("invalid fallback gas cost %q: %w", cfg.SourceChain.FallbackGasUSD, err)
	}

	return &Oracle{
		prices:            prices,
		gas:               gas,
		priceCache:        cache.NewLoader[map[string]decimal.Decimal](store, clk, cfg.Oracle.CacheTTL),
		gasCache:          cache.NewLoader[gasPrice](store, clk, gasCacheTTL),
		nativeTransferGas: cfg.SourceChain.NativeTransferGas,
		tokenTransferGas:  cfg.SourceChain.TokenTransferGas,
		fallbackGasUSD:    fallbackGasUSD,
		ledgerFeeE8s:      cfg.Ledger.TransferFeeE8s,
		requestTimeout:    cfg.Oracle.RequestTimeout,
		gasTimeout:        cfg.SourceChain.RequestTimeout,
		logger:            logger.Named("oracle"),
	}, nil
}

func priceIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, t := range models.Tokens {
		if !seen[t.PriceID] {
			seen[t.PriceID] = true
			ids = append(ids, t.PriceID)
		}
	}
	sort.Strings(ids)
	return ids
}

// GetTokenPrices returns the USD price of every supported token, keyed by
// symbol. It never fails: on upstream failure it serves the last good value
// and, failing that, the fallback table.
func (o *Oracle) GetTokenPrices(ctx context.Context) map[string]decimal.Decimal {
	byID := o.pricesByID(ctx)

	out := make(map[string]decimal.Decimal, len(models.Tokens))
	for symbol, t := range models.Tokens {
		out[symbol] = byID[t.PriceID]
	}
	return out
}

func (o *Oracle) pricesByID(ctx context.Context) map[string]decimal.Decimal {
	ids := priceIDs()

	byID, res, err := o.priceCache.GetOrCompute(ctx, pricesCacheKey, func(ctx context.Context) (map[string]decimal.Decimal, error) {
		ctx, cancel := context.WithTimeout(ctx, o.requestTimeout)
		defer cancel()
		return o.prices.FetchUSDPrices(ctx, ids)
	})
	if err != nil {
		o.logger.Warn("Price feed unavailable, using fallback prices", zap.Error(err))
		byID = nil
	} else if res.Stale {
		o.logger.Warn("Price feed unavailable, serving cached prices",
			zap.Duration("age", res.Age))
	}

	merged := make(map[string]decimal.Decimal, len(ids))
	for _, id := range ids {
		if p, ok := byID[id]; ok && p.IsPositive() {
			merged[id] = p
			continue
		}
		if byID != nil {
			o.logger.Warn("Price missing from feed, using fallback", zap.String("price_id", id))
		}
		merged[id] = fallbackPrices[id]
	}
	return merged
}

// PriceOf returns the USD price of token, or ErrPriceUnavailable if it is zero
func (o *Oracle) PriceOf(ctx context.Context, token models.Token) (decimal.Decimal, error) {
	p := o.pricesByID(ctx)[token.PriceID]
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceUnavailable, token.Symbol)
	}
	return p, nil
}

// EstimateSourceChainGasCost estimates the EVM gas cost of moving token. When
// the gas feed fails the configured fallback USD cost is converted to wei at
// the current ETH price.
func (o *Oracle) EstimateSourceChainGasCost(ctx context.Context, token models.Token) GasEstimate {
	units := o.nativeTransferGas
	if token.ERC20 {
		units = o.tokenTransferGas
	}

	ethPrice := o.pricesByID(ctx)[models.TokenETH.PriceID]

	if o.gas != nil {
		gp, _, err := o.gasCache.GetOrCompute(ctx, gasCacheKey, func(ctx context.Context) (gasPrice, error) {
			ctx, cancel := context.WithTimeout(ctx, o.gasTimeout)
			defer cancel()
			return fetchGasPrice(ctx, o.gas)
		})
		if err == nil {
			perUnit := new(big.Int).Add(gp.BaseFee, gp.PriorityFee)
			total := new(big.Int).Mul(perUnit, new(big.Int).SetUint64(units))
			return GasEstimate{
				GasUnits:           units,
				BaseFeePerUnit:     gp.BaseFee,
				PriorityFeePerUnit: gp.PriorityFee,
				TotalCostNative:    total,
				TotalCostUSD:       decimal.NewFromBigInt(total, -weiDecimals).Mul(ethPrice),
			}
		}
		o.logger.Warn("Gas feed unavailable, using fallback estimate", zap.Error(err))
	}

	wei := new(big.Int)
	if ethPrice.IsPositive() {
		wei = o.fallbackGasUSD.Shift(weiDecimals).Div(ethPrice).Ceil().BigInt()
	}
	return GasEstimate{
		GasUnits:           units,
		BaseFeePerUnit:     new(big.Int),
		PriorityFeePerUnit: new(big.Int),
		TotalCostNative:    wei,
		TotalCostUSD:       o.fallbackGasUSD,
		Fallback:           true,
	}
}

// EstimateDestinationLedgerCost returns the fixed ledger transfer fee and its
// USD value
func (o *Oracle) EstimateDestinationLedgerCost(ctx context.Context) LedgerCost {
	fee := new(big.Int).SetUint64(o.ledgerFeeE8s)
	icpPrice := o.pricesByID(ctx)[models.TokenICP.PriceID]

	return LedgerCost{
		CostNative: fee,
		CostUSD:    decimal.NewFromBigInt(fee, -int32(models.TokenICP.Decimals)).Mul(icpPrice),
	}
}

// USDToMinorUnits converts a USD amount to minor units of token, rounding up
func (o *Oracle) USDToMinorUnits(ctx context.Context, usd decimal.Decimal, token models.Token) (*big.Int, error) {
	price, err := o.PriceOf(ctx, token)
	if err != nil {
		return nil, err
	}
	return usd.Shift(int32(token.Decimals)).Div(price).Ceil().BigInt(), nil
}

// Convert converts amount minor units of from into minor units of to via USD,
// truncating toward zero
func (o *Oracle) Convert(ctx context.Context, amount *big.Int, from, to models.Token) (*big.Int, error) {
	pf, err := o.PriceOf(ctx, from)
	if err != nil {
		return nil, err
	}
	pt, err := o.PriceOf(ctx, to)
	if err != nil {
		return nil, err
	}

	usd := decimal.NewFromBigInt(amount, -int32(from.Decimals)).Mul(pf)
	return usd.Shift(int32(to.Decimals)).Div(pt).Truncate(0).BigInt(), nil
}
