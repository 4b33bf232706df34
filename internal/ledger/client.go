package ledger

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cosmossdk.io/math"
	"github.com/ybbus/jsonrpc"
)

// Transfer is a single ledger transfer operation
type Transfer struct {
	From   string // hex account identifier
	To     string // hex account identifier
	Amount math.Uint
	Fee    math.Uint
}

// Block is one ledger block. A block carries at most one transfer; blocks
// holding mints, burns or approvals have a nil Transfer.
type Block struct {
	Height    uint64
	Timestamp time.Time
	Memo      uint64
	Transfer  *Transfer
}

// Client queries the destination ledger
type Client interface {
	// ChainLength returns the number of blocks; the tip is ChainLength-1
	ChainLength(ctx context.Context) (uint64, error)
	// QueryBlocks returns up to length blocks starting at start. It may
	// return fewer when the range crosses the tip.
	QueryBlocks(ctx context.Context, start, length uint64) ([]Block, error)
}

// GatewayClient talks JSON-RPC to the ledger gateway
type GatewayClient struct {
	rpc jsonrpc.RPCClient
}

// NewGatewayClient creates a client for endpoint. Every call is bounded by
// timeout.
func NewGatewayClient(endpoint string, timeout time.Duration) *GatewayClient {
	return &GatewayClient{
		rpc: jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{
			HTTPClient: &http.Client{Timeout: timeout},
		}),
	}
}

type chainLengthResult struct {
	ChainLength uint64 `json:"chain_length"`
}

type queryBlocksParams struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
}

type wireTransfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
	Fee    string `json:"fee"`
}

type wireBlock struct {
	TimestampNanos int64         `json:"timestamp_nanos"`
	Memo           uint64        `json:"memo"`
	Transfer       *wireTransfer `json:"transfer"`
}

type queryBlocksResult struct {
	ChainLength     uint64      `json:"chain_length"`
	FirstBlockIndex uint64      `json:"first_block_index"`
	Blocks          []wireBlock `json:"blocks"`
}

// call runs fn on its own goroutine so ctx cancellation is honoured even
// though the transport only supports an HTTP timeout
func (c *GatewayClient) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// ChainLength returns the number of blocks on the ledger
func (c *GatewayClient) ChainLength(ctx context.Context) (uint64, error) {
	var out chainLengthResult
	err := c.call(ctx, func() error {
		return c.rpc.CallFor(&out, "ledger_chainLength")
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get ledger chain length: %w", err)
	}
	return out.ChainLength, nil
}

// QueryBlocks returns blocks [start, start+length)
func (c *GatewayClient) QueryBlocks(ctx context.Context, start, length uint64) ([]Block, error) {
	var out queryBlocksResult
	err := c.call(ctx, func() error {
		return c.rpc.CallFor(&out, "ledger_queryBlocks", &queryBlocksParams{Start: start, Length: length})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger blocks [%d, %d): %w", start, start+length, err)
	}

	blocks := make([]Block, 0, len(out.Blocks))
	for i, wb := range out.Blocks {
		b := Block{
			Height:    out.FirstBlockIndex + uint64(i),
			Timestamp: time.Unix(0, wb.TimestampNanos).UTC(),
			Memo:      wb.Memo,
		}

		if wb.Transfer != nil {
			amount, err := math.ParseUint(wb.Transfer.Amount)
			if err != nil {
				return nil, fmt.Errorf("invalid amount in block %d: %w", b.Height, err)
			}
			fee := math.ZeroUint()
			if wb.Transfer.Fee != "" {
				fee, err = math.ParseUint(wb.Transfer.Fee)
				if err != nil {
					return nil, fmt.Errorf("invalid fee in block %d: %w", b.Height, err)
				}
			}
			b.Transfer = &Transfer{
				From:   wb.Transfer.From,
				To:     wb.Transfer.To,
				Amount: amount,
				Fee:    fee,
			}
		}

		blocks = append(blocks, b)
	}
	return blocks, nil
}
