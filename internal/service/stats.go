package service

import (
	"context"
	"fmt"

	"ckbridge/settlement/internal/models"
)

// Stats is a read-only projection over all bridge transactions
type Stats struct {
	Total                 int                         `json:"total"`
	ByStatus              map[models.BridgeStatus]int `json:"by_status"`
	ByDirection           map[models.Direction]int    `json:"by_direction"`
	ByToken               map[string]int              `json:"by_token"`
	SuccessRate           float64                     `json:"success_rate"`
	AverageCompletionMins float64                     `json:"average_completion_minutes"`
	RetriedTransactions   int                         `json:"retried_transactions"`
}

// Stats computes monitoring counts on demand. Admin only.
func (s *BridgeService) Stats(ctx context.Context, caller Caller) (*Stats, error) {
	if !caller.Admin {
		return nil, ErrNotOwner
	}

	txs, err := s.store.ListBridgeTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list bridge transactions: %w", err)
	}

	return computeStats(txs), nil
}

func computeStats(txs []models.BridgeTransaction) *Stats {
	stats := &Stats{
		Total:       len(txs),
		ByStatus:    make(map[models.BridgeStatus]int),
		ByDirection: make(map[models.Direction]int),
		ByToken:     make(map[string]int),
	}

	var completedMins float64
	for i := range txs {
		tx := &txs[i]
		stats.ByStatus[tx.Status]++
		stats.ByDirection[tx.Direction()]++
		stats.ByToken[tx.SourceToken]++
		if tx.RetryCount > 0 {
			stats.RetriedTransactions++
		}
		if tx.Status == models.BridgeStatusCompleted && tx.CompletedAt != nil {
			completedMins += tx.CompletedAt.Sub(tx.CreatedAt).Minutes()
		}
	}

	completed := stats.ByStatus[models.BridgeStatusCompleted]
	failed := stats.ByStatus[models.BridgeStatusFailed]
	if completed+failed > 0 {
		stats.SuccessRate = float64(completed) / float64(completed+failed)
	}
	if completed > 0 {
		stats.AverageCompletionMins = completedMins / float64(completed)
	}

	return stats
}
