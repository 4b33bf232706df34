package api

import (
	"time"

	"ckbridge/settlement/internal/models"
	"ckbridge/settlement/internal/units"
)

// ==================== Quote ====================

// QuoteRequest represents a request to price a transfer
type QuoteRequest struct {
	SourceChain models.Chain `json:"source_chain" validate:"required"`
	DestChain   models.Chain `json:"dest_chain" validate:"required"`
	SourceToken string       `json:"source_token" validate:"required"`
	DestToken   string       `json:"dest_token" validate:"required"`
	Amount      string       `json:"amount" validate:"required"` // decimal string in whole units
}

func (r QuoteRequest) route() models.Route {
	return models.Route{
		SourceChain: r.SourceChain,
		DestChain:   r.DestChain,
		SourceToken: r.SourceToken,
		DestToken:   r.DestToken,
	}
}

// QuoteResponse represents a fee quote. Amounts are decimal strings in whole
// units of the source token.
type QuoteResponse struct {
	SourceToken      string `json:"source_token"`
	DestToken        string `json:"dest_token"`
	Amount           string `json:"amount"`
	ProtocolFee      string `json:"protocol_fee"`
	NetworkFee       string `json:"network_fee"`
	TotalFee         string `json:"total_fee"`
	ReceiveAmount    string `json:"receive_amount"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

func newQuoteResponse(q *models.FeeQuote) QuoteResponse {
	return QuoteResponse{
		SourceToken:      q.SourceToken,
		DestToken:        q.DestToken,
		Amount:           units.FormatBigIntToDecimal(q.Amount, q.Decimals, -1),
		ProtocolFee:      units.FormatBigIntToDecimal(q.ProtocolFee, q.Decimals, -1),
		NetworkFee:       units.FormatBigIntToDecimal(q.NetworkFee, q.Decimals, -1),
		TotalFee:         units.FormatBigIntToDecimal(q.TotalFee, q.Decimals, -1),
		ReceiveAmount:    units.FormatBigIntToDecimal(q.ReceiveAmount, q.Decimals, -1),
		EstimatedMinutes: q.EstimatedMinutes,
	}
}

// ==================== Bridge Transactions ====================

// InitiateRequest represents a new bridge request
type InitiateRequest struct {
	QuoteRequest
	DestAddress string `json:"dest_address" validate:"required"`
}

// InitiateResponse carries the memo the user attaches to the payment
type InitiateResponse struct {
	BridgeRequestID string        `json:"bridge_request_id"`
	Memo            uint64        `json:"memo"`
	Quote           QuoteResponse `json:"quote"`
}

// SourceTxRequest reports the submitted source chain payment
type SourceTxRequest struct {
	TxHash string `json:"tx_hash" validate:"required"`
}

// TxHashes holds transaction hashes for a bridge transaction
type TxHashes struct {
	Source *string `json:"source"`
	Dest   *string `json:"dest"`
}

// TransactionResponse is a read-only snapshot of a bridge transaction
type TransactionResponse struct {
	BridgeRequestID     string              `json:"bridge_request_id"`
	Memo                uint64              `json:"memo"`
	Status              models.BridgeStatus `json:"status"`
	SourceChain         models.Chain        `json:"source_chain"`
	DestChain           models.Chain        `json:"dest_chain"`
	SourceToken         string              `json:"source_token"`
	DestToken           string              `json:"dest_token"`
	DestAddress         string              `json:"dest_address"`
	Amount              string              `json:"amount"`
	ProtocolFee         string              `json:"protocol_fee"`
	NetworkFee          string              `json:"network_fee"`
	TotalFee            string              `json:"total_fee"`
	ReceiveAmount       string              `json:"receive_amount"`
	TxHashes            TxHashes            `json:"tx_hashes"`
	RetryCount          int                 `json:"retry_count"`
	LastRetryAt         *time.Time          `json:"last_retry_at,omitempty"`
	LedgerBlock         *uint64             `json:"ledger_block,omitempty"`
	EstimatedCompletion *time.Time          `json:"estimated_completion_at,omitempty"`
	CompletedAt         *time.Time          `json:"completed_at,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	Error               *string             `json:"error,omitempty"`
	AdminNote           *string             `json:"admin_note,omitempty"`
}

func newTransactionResponse(tx *models.BridgeTransaction) TransactionResponse {
	return TransactionResponse{
		BridgeRequestID: tx.BridgeRequestID,
		Memo:            tx.Memo,
		Status:          tx.Status,
		SourceChain:     tx.SourceChain,
		DestChain:       tx.DestChain,
		SourceToken:     tx.SourceToken,
		DestToken:       tx.DestToken,
		DestAddress:     tx.DestAddress,
		Amount:          formatStored(tx.Amount, tx.Decimals),
		ProtocolFee:     formatStored(tx.ProtocolFee, tx.Decimals),
		NetworkFee:      formatStored(tx.NetworkFee, tx.Decimals),
		TotalFee:        formatStored(tx.TotalFee, tx.Decimals),
		ReceiveAmount:   formatStored(tx.ReceiveAmount, tx.Decimals),
		TxHashes: TxHashes{
			Source: tx.SourceTxHash,
			Dest:   tx.DestTxHash,
		},
		RetryCount:          tx.RetryCount,
		LastRetryAt:         tx.LastRetryAt,
		LedgerBlock:         tx.LedgerBlock,
		EstimatedCompletion: tx.EstimatedAt,
		CompletedAt:         tx.CompletedAt,
		CreatedAt:           tx.CreatedAt,
		UpdatedAt:           tx.UpdatedAt,
		Error:               tx.ErrorMessage,
		AdminNote:           tx.AdminNote,
	}
}

// formatStored renders a stored minor-unit amount in whole units
func formatStored(minor string, decimals int) string {
	v, err := units.ParseToBigInt(minor, 0)
	if err != nil {
		return minor
	}
	return units.FormatBigIntToDecimal(v, decimals, -1)
}

// ListTransactionsResponse represents the caller's transactions
type ListTransactionsResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
}

// ==================== Admin ====================

// TransitionRequest represents an administrative force-transition
type TransitionRequest struct {
	Status models.BridgeStatus `json:"status" validate:"required"`
	Note   string              `json:"note" validate:"max=1024"`
}

// PayoutRequest records the EVM transaction that paid out a transfer
// leaving the ledger
type PayoutRequest struct {
	TxHash string `json:"tx_hash" validate:"required"`
}

// ==================== Error Response ====================

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// ==================== Health Check ====================

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
