package models

import (
	"math/big"
	"time"
)

// Token describes a supported asset and the chain it lives on
type Token struct {
	Symbol   string
	Chain    Chain
	Decimals int
	// PriceID is the upstream price-feed identifier. Wrapped tokens share it
	// with the asset they wrap.
	PriceID string
	// ERC20 is set when the EVM leg of the token moves through a token
	// contract rather than as native value
	ERC20 bool
}

// Supported tokens
var (
	TokenETH    = Token{Symbol: "ETH", Chain: ChainEthereum, Decimals: 18, PriceID: "ethereum"}
	TokenUSDC   = Token{Symbol: "USDC", Chain: ChainEthereum, Decimals: 6, PriceID: "usd-coin", ERC20: true}
	TokenCkETH  = Token{Symbol: "ckETH", Chain: ChainICP, Decimals: 18, PriceID: "ethereum"}
	TokenCkUSDC = Token{Symbol: "ckUSDC", Chain: ChainICP, Decimals: 6, PriceID: "usd-coin", ERC20: true}
	TokenICP    = Token{Symbol: "ICP", Chain: ChainICP, Decimals: 8, PriceID: "internet-computer"}
)

// Tokens indexes every known token by symbol
var Tokens = map[string]Token{
	TokenETH.Symbol:    TokenETH,
	TokenUSDC.Symbol:   TokenUSDC,
	TokenCkETH.Symbol:  TokenCkETH,
	TokenCkUSDC.Symbol: TokenCkUSDC,
	TokenICP.Symbol:    TokenICP,
}

// TokenPair is an ordered (from, to) route
type TokenPair struct {
	From string
	To   string
}

// Route is a requested transfer of SourceToken on SourceChain into DestToken
// on DestChain
type Route struct {
	SourceChain Chain
	DestChain   Chain
	SourceToken string
	DestToken   string
}

// ValidPairs is the registered set of bridgeable routes
var ValidPairs = map[TokenPair]bool{
	{From: "ETH", To: "ckETH"}:   true,
	{From: "ckETH", To: "ETH"}:   true,
	{From: "USDC", To: "ckUSDC"}: true,
	{From: "ckUSDC", To: "USDC"}: true,
}

// LookupToken returns the token registered under symbol
func LookupToken(symbol string) (Token, bool) {
	t, ok := Tokens[symbol]
	return t, ok
}

// FeeQuote is the computed output of the fee calculator. All amounts are in
// minor units of the source token.
type FeeQuote struct {
	SourceToken      string
	DestToken        string
	Decimals         int
	Amount           *big.Int
	ProtocolFee      *big.Int
	NetworkFee       *big.Int
	TotalFee         *big.Int
	ReceiveAmount    *big.Int
	EstimatedMinutes int
}

// LedgerBlockMatch is the result of a single ledger verification attempt
type LedgerBlockMatch struct {
	Found           bool
	Verified        bool
	BlockHeight     uint64
	Timestamp       time.Time
	ActualAmount    string
	ActualMemo      uint64
	ActualRecipient string
	// SearchedFrom and SearchedTo describe the scanned range [from, to)
	SearchedFrom uint64
	SearchedTo   uint64
	Error        string
}
