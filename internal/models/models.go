package models

import (
	"time"
)

// BridgeStatus represents the state of a bridge transaction
type BridgeStatus string

const (
	BridgeStatusPending    BridgeStatus = "pending"
	BridgeStatusProcessing BridgeStatus = "processing"
	BridgeStatusCompleted  BridgeStatus = "completed"
	BridgeStatusFailed     BridgeStatus = "failed"
	BridgeStatusStuck      BridgeStatus = "stuck"
	BridgeStatusCancelled  BridgeStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []BridgeStatus{
	BridgeStatusPending,
	BridgeStatusProcessing,
	BridgeStatusCompleted,
	BridgeStatusFailed,
	BridgeStatusStuck,
	BridgeStatusCancelled,
}

// IsTerminal reports whether no further user transition is possible
func (s BridgeStatus) IsTerminal() bool {
	return s == BridgeStatusCompleted || s == BridgeStatusCancelled
}

// IsValid reports whether s is a known status
func (s BridgeStatus) IsValid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

// Chain identifies one of the two modeled chains
type Chain string

const (
	ChainEthereum Chain = "ethereum" // source EVM chain
	ChainICP      Chain = "icp"      // destination ledger chain
)

// Direction of a bridge transfer relative to the source EVM chain
type Direction string

const (
	DirectionToLedger   Direction = "evm_to_ledger"
	DirectionFromLedger Direction = "ledger_to_evm"
)

// BridgeTransaction represents one cross-chain transfer request.
// Amount fields hold integer minor units as decimal strings; Decimals is the
// precision of the source token.
type BridgeTransaction struct {
	ID              string       `db:"id" json:"id"`
	BridgeRequestID string       `db:"bridge_request_id" json:"bridge_request_id"`
	Memo            uint64       `db:"memo" json:"memo"`
	UserID          string       `db:"user_id" json:"user_id"`
	SourceChain     Chain        `db:"source_chain" json:"source_chain"`
	DestChain       Chain        `db:"dest_chain" json:"dest_chain"`
	SourceToken     string       `db:"source_token" json:"source_token"`
	DestToken       string       `db:"dest_token" json:"dest_token"`
	DestAddress     string       `db:"dest_address" json:"dest_address"`
	Amount          string       `db:"amount" json:"amount"`
	ProtocolFee     string       `db:"protocol_fee" json:"protocol_fee"`
	NetworkFee      string       `db:"network_fee" json:"network_fee"`
	TotalFee        string       `db:"total_fee" json:"total_fee"`
	ReceiveAmount   string       `db:"receive_amount" json:"receive_amount"`
	Decimals        int          `db:"decimals" json:"decimals"`
	SourceTxHash    *string      `db:"source_tx_hash" json:"source_tx_hash,omitempty"`
	DestTxHash      *string      `db:"dest_tx_hash" json:"dest_tx_hash,omitempty"`
	Status          BridgeStatus `db:"status" json:"status"`
	RetryCount      int          `db:"retry_count" json:"retry_count"`
	LastRetryAt     *time.Time   `db:"last_retry_at" json:"last_retry_at,omitempty"`
	ErrorMessage    *string      `db:"error_message" json:"error_message,omitempty"`
	AdminNote       *string      `db:"admin_note" json:"admin_note,omitempty"`
	LedgerBlock     *uint64      `db:"ledger_block" json:"ledger_block,omitempty"`
	LedgerTimestamp *time.Time   `db:"ledger_timestamp" json:"ledger_timestamp,omitempty"`
	EstimatedAt     *time.Time   `db:"estimated_completion_at" json:"estimated_completion_at,omitempty"`
	CompletedAt     *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
	Version         int64        `db:"version" json:"-"`
}

// Direction returns the transfer direction
func (t *BridgeTransaction) Direction() Direction {
	if t.SourceChain == ChainICP {
		return DirectionFromLedger
	}
	return DirectionToLedger
}

// Clone returns a deep copy so callers can mutate without aliasing stored state
func (t *BridgeTransaction) Clone() *BridgeTransaction {
	c := *t
	c.SourceTxHash = cloneString(t.SourceTxHash)
	c.DestTxHash = cloneString(t.DestTxHash)
	c.ErrorMessage = cloneString(t.ErrorMessage)
	c.AdminNote = cloneString(t.AdminNote)
	c.LastRetryAt = cloneTime(t.LastRetryAt)
	c.LedgerTimestamp = cloneTime(t.LedgerTimestamp)
	c.EstimatedAt = cloneTime(t.EstimatedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.LedgerBlock != nil {
		h := *t.LedgerBlock
		c.LedgerBlock = &h
	}
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
