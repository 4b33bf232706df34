package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ckbridge/settlement/internal/config"
	"ckbridge/settlement/internal/models"
	"ckbridge/settlement/internal/oracle"
	"ckbridge/settlement/internal/units"
)

// CostEstimator supplies network cost estimates and USD conversion.
// *oracle.Oracle implements it.
type CostEstimator interface {
	EstimateSourceChainGasCost(ctx context.Context, token models.Token) oracle.GasEstimate
	EstimateDestinationLedgerCost(ctx context.Context) oracle.LedgerCost
	USDToMinorUnits(ctx context.Context, usd decimal.Decimal, token models.Token) (*big.Int, error)
}

// FeeService handles fee calculations
type FeeService struct {
	costs  CostEstimator
	cfg    *config.Config
	logger *zap.Logger
}

// NewFeeService creates a new fee service
func NewFeeService(costs CostEstimator, cfg *config.Config, logger *zap.Logger) *FeeService {
	return &FeeService{
		costs:  costs,
		cfg:    cfg,
		logger: logger,
	}
}

// ResolvePair validates a route and returns both tokens. The pair must be
// registered, each token must live on the opposite chain, and the declared
// chains must be the ones the tokens live on.
func ResolvePair(route models.Route) (models.Token, models.Token, error) {
	src, ok := models.LookupToken(route.SourceToken)
	if !ok {
		return models.Token{}, models.Token{}, fmt.Errorf("%w: unknown token %q", ErrUnsupportedTokenPair, route.SourceToken)
	}
	dst, ok := models.LookupToken(route.DestToken)
	if !ok {
		return models.Token{}, models.Token{}, fmt.Errorf("%w: unknown token %q", ErrUnsupportedTokenPair, route.DestToken)
	}

	if !models.ValidPairs[models.TokenPair{From: route.SourceToken, To: route.DestToken}] || src.Chain == dst.Chain {
		return models.Token{}, models.Token{}, fmt.Errorf("%w: %s -> %s", ErrUnsupportedTokenPair, route.SourceToken, route.DestToken)
	}

	if src.Chain != route.SourceChain || dst.Chain != route.DestChain {
		return models.Token{}, models.Token{}, fmt.Errorf("%w: %s on %q -> %s on %q",
			ErrUnsupportedTokenPair, route.SourceToken, route.SourceChain, route.DestToken, route.DestChain)
	}

	return src, dst, nil
}

// Quote computes the fees for bridging amount (a decimal string in whole
// units of the source token). All returned amounts are minor units of the
// source token.
//
// The network fee covers the EVM gas of the transfer, plus the ledger
// transfer cost when the value leaves the ledger.
func (s *FeeService) Quote(ctx context.Context, route models.Route, amount string) (*models.FeeQuote, error) {
	src, dst, err := ResolvePair(route)
	if err != nil {
		return nil, err
	}

	amt, err := units.ParseToBigInt(amount, src.Decimals)
	if err != nil {
		return nil, err
	}
	if amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrAmountBelowFees)
	}

	return s.quote(ctx, src, dst, amt)
}

func (s *FeeService) quote(ctx context.Context, src, dst models.Token, amount *big.Int) (*models.FeeQuote, error) {
	protocolFee := units.CalculatePercentage(amount, s.cfg.Fees.ProtocolFeePPM)

	networkFee, err := s.networkFee(ctx, src)
	if err != nil {
		return nil, err
	}

	totalFee := new(big.Int).Add(protocolFee, networkFee)
	receive := new(big.Int).Sub(amount, totalFee)
	if receive.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount %s does not cover fees %s",
			ErrAmountBelowFees,
			units.FormatBigIntToDecimal(amount, src.Decimals, -1),
			units.FormatBigIntToDecimal(totalFee, src.Decimals, -1))
	}

	minutes := s.cfg.Bridge.ToLedgerMinutes
	if src.Chain == models.ChainICP {
		minutes = s.cfg.Bridge.FromLedgerMinutes
	}

	s.logger.Debug("Calculated bridge fee",
		zap.String("source_token", src.Symbol),
		zap.String("dest_token", dst.Symbol),
		zap.String("amount", amount.String()),
		zap.String("protocol_fee", protocolFee.String()),
		zap.String("network_fee", networkFee.String()),
		zap.String("receive_amount", receive.String()))

	return &models.FeeQuote{
		SourceToken:      src.Symbol,
		DestToken:        dst.Symbol,
		Decimals:         src.Decimals,
		Amount:           new(big.Int).Set(amount),
		ProtocolFee:      protocolFee,
		NetworkFee:       networkFee,
		TotalFee:         totalFee,
		ReceiveAmount:    receive,
		EstimatedMinutes: minutes,
	}, nil
}

// networkFee returns the network cost in minor units of src
func (s *FeeService) networkFee(ctx context.Context, src models.Token) (*big.Int, error) {
	gas := s.costs.EstimateSourceChainGasCost(ctx, src)
	costUSD := gas.TotalCostUSD

	if src.Chain == models.ChainICP {
		ledger := s.costs.EstimateDestinationLedgerCost(ctx)
		costUSD = costUSD.Add(ledger.CostUSD)
	}

	fee, err := s.costs.USDToMinorUnits(ctx, costUSD, src)
	if err != nil {
		return nil, fmt.Errorf("failed to convert network fee: %w", err)
	}
	return fee, nil
}
