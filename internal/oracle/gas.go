package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// GasFeed is the subset of ethclient.Client used for EIP-1559 fee data
type GasFeed interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// gasPrice is the cached per-unit fee pair, in wei
type gasPrice struct {
	BaseFee     *big.Int `json:"base_fee"`
	PriorityFee *big.Int `json:"priority_fee"`
}

func fetchGasPrice(ctx context.Context, feed GasFeed) (gasPrice, error) {
	head, err := feed.HeaderByNumber(ctx, nil)
	if err != nil {
		return gasPrice{}, fmt.Errorf("failed to get latest header: %w", err)
	}
	if head.BaseFee == nil {
		return gasPrice{}, fmt.Errorf("latest header has no base fee")
	}

	tip, err := feed.SuggestGasTipCap(ctx)
	if err != nil {
		return gasPrice{}, fmt.Errorf("failed to suggest gas tip cap: %w", err)
	}

	return gasPrice{
		BaseFee:     new(big.Int).Set(head.BaseFee),
		PriorityFee: new(big.Int).Set(tip),
	}, nil
}
