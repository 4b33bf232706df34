package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ckbridge/settlement/internal/models"
)

const bridgeColumns = `
	id, bridge_request_id, memo, user_id, source_chain, dest_chain,
	source_token, dest_token, dest_address,
	amount, protocol_fee, network_fee, total_fee, receive_amount, decimals,
	source_tx_hash, dest_tx_hash, status, retry_count, last_retry_at,
	error_message, admin_note, ledger_block, ledger_timestamp,
	estimated_completion_at, completed_at, created_at, updated_at, version
`

// ==================== Bridge Transaction Queries ====================

// CreateBridgeTransaction inserts a new bridge transaction
func (db *DB) CreateBridgeTransaction(ctx context.Context, tx *models.BridgeTransaction) error {
	query := db.Rebind(`
		INSERT INTO bridge_transactions (` + bridgeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := db.ExecContext(
		ctx, query,
		tx.ID,
		tx.BridgeRequestID,
		tx.Memo,
		tx.UserID,
		tx.SourceChain,
		tx.DestChain,
		tx.SourceToken,
		tx.DestToken,
		tx.DestAddress,
		tx.Amount,
		tx.ProtocolFee,
		tx.NetworkFee,
		tx.TotalFee,
		tx.ReceiveAmount,
		tx.Decimals,
		tx.SourceTxHash,
		tx.DestTxHash,
		tx.Status,
		tx.RetryCount,
		tx.LastRetryAt,
		tx.ErrorMessage,
		tx.AdminNote,
		tx.LedgerBlock,
		tx.LedgerTimestamp,
		tx.EstimatedAt,
		tx.CompletedAt,
		tx.CreatedAt,
		tx.UpdatedAt,
		tx.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bridge transaction: %w", err)
	}
	return nil
}

// GetBridgeTransactionByRequestID retrieves a bridge transaction by its user-visible request id
func (db *DB) GetBridgeTransactionByRequestID(ctx context.Context, requestID string) (*models.BridgeTransaction, error) {
	var tx models.BridgeTransaction
	query := db.Rebind(`SELECT ` + bridgeColumns + ` FROM bridge_transactions WHERE bridge_request_id = ?`)
	err := db.GetContext(ctx, &tx, query, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListBridgeTransactionsByUser retrieves a user's bridge transactions, newest first
func (db *DB) ListBridgeTransactionsByUser(ctx context.Context, userID string, limit, offset int) ([]models.BridgeTransaction, error) {
	var txs []models.BridgeTransaction
	query := db.Rebind(`
		SELECT ` + bridgeColumns + `
		FROM bridge_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`)
	err := db.SelectContext(ctx, &txs, query, userID, limit, offset)
	return txs, err
}

// ListBridgeTransactionsByStatus retrieves every bridge transaction in status, oldest first
func (db *DB) ListBridgeTransactionsByStatus(ctx context.Context, status models.BridgeStatus) ([]models.BridgeTransaction, error) {
	var txs []models.BridgeTransaction
	query := db.Rebind(`
		SELECT ` + bridgeColumns + `
		FROM bridge_transactions
		WHERE status = ?
		ORDER BY created_at ASC, id
	`)
	err := db.SelectContext(ctx, &txs, query, status)
	return txs, err
}

// ListBridgeTransactions retrieves every bridge transaction
func (db *DB) ListBridgeTransactions(ctx context.Context) ([]models.BridgeTransaction, error) {
	var txs []models.BridgeTransaction
	query := `SELECT ` + bridgeColumns + ` FROM bridge_transactions ORDER BY created_at ASC, id`
	err := db.SelectContext(ctx, &txs, query)
	return txs, err
}

// UpdateBridgeTransaction writes every mutable field of tx if the stored
// version still equals tx.Version, then bumps tx.Version. It returns
// ErrVersionConflict when another writer got there first.
func (db *DB) UpdateBridgeTransaction(ctx context.Context, tx *models.BridgeTransaction) error {
	query := db.Rebind(`
		UPDATE bridge_transactions
		SET source_tx_hash = ?, dest_tx_hash = ?, status = ?, retry_count = ?,
		    last_retry_at = ?, error_message = ?, admin_note = ?,
		    ledger_block = ?, ledger_timestamp = ?, estimated_completion_at = ?,
		    completed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`)
	res, err := db.ExecContext(
		ctx, query,
		tx.SourceTxHash,
		tx.DestTxHash,
		tx.Status,
		tx.RetryCount,
		tx.LastRetryAt,
		tx.ErrorMessage,
		tx.AdminNote,
		tx.LedgerBlock,
		tx.LedgerTimestamp,
		tx.EstimatedAt,
		tx.CompletedAt,
		tx.UpdatedAt,
		tx.ID,
		tx.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update bridge transaction: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}

	tx.Version++
	return nil
}
