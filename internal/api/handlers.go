package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"ckbridge/settlement/internal/oracle"
	"ckbridge/settlement/internal/service"
	"ckbridge/settlement/internal/units"
)

const healthTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	bridge   *service.BridgeService
	db       Pinger
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(bridge *service.BridgeService, db Pinger, logger *zap.Logger) *Handler {
	return &Handler{
		bridge:   bridge,
		db:       db,
		validate: validator.New(),
		logger:   logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			h.logger.Error("Health check failed", zap.Error(err))
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
			return
		}
	}

	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Quote ====================

// HandleQuote handles POST /api/v1/bridge/quote
// Prices a transfer without creating anything
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	quote, err := h.bridge.Quote(r.Context(), req.route(), req.Amount)
	if err != nil {
		h.respondServiceError(w, "Failed to calculate quote", err)
		return
	}

	respondJSON(w, http.StatusOK, newQuoteResponse(quote))
}

// ==================== Bridge Transactions ====================

// HandleInitiate handles POST /api/v1/bridge
// Creates a pending bridge transaction and returns the payment memo
func (h *Handler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())

	var req InitiateRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, quote, err := h.bridge.Initiate(r.Context(), caller, service.InitiateRequest{
		Route:       req.route(),
		Amount:      req.Amount,
		DestAddress: req.DestAddress,
	})
	if err != nil {
		h.respondServiceError(w, "Failed to initiate bridge", err)
		return
	}

	response := InitiateResponse{
		BridgeRequestID: tx.BridgeRequestID,
		Memo:            tx.Memo,
		Quote:           newQuoteResponse(quote),
	}

	respondJSON(w, http.StatusCreated, response)
}

// HandleGetStatus handles GET /api/v1/bridge/{requestId}
func (h *Handler) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]

	tx, err := h.bridge.GetStatus(r.Context(), callerFrom(r.Context()), requestID)
	if err != nil {
		h.respondServiceError(w, "Failed to get bridge transaction", err)
		return
	}

	respondJSON(w, http.StatusOK, newTransactionResponse(tx))
}

// HandleListUserBridges handles GET /api/v1/bridge
// Lists the caller's transactions, newest first
func (h *Handler) HandleListUserBridges(w http.ResponseWriter, r *http.Request) {
	// Parse pagination parameters (optional)
	limit := 50 // default
	offset := 0 // default

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			offset = parsedOffset
		}
	}

	txs, err := h.bridge.ListUserBridges(r.Context(), callerFrom(r.Context()), limit, offset)
	if err != nil {
		h.respondServiceError(w, "Failed to list bridge transactions", err)
		return
	}

	response := ListTransactionsResponse{
		Transactions: make([]TransactionResponse, 0, len(txs)),
	}
	for i := range txs {
		response.Transactions = append(response.Transactions, newTransactionResponse(&txs[i]))
	}

	respondJSON(w, http.StatusOK, response)
}

// HandleSubmitSourceTx handles POST /api/v1/bridge/{requestId}/source-tx
// Moves the transaction to processing and starts ledger verification
func (h *Handler) HandleSubmitSourceTx(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]

	var req SourceTxRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.bridge.MarkProcessing(r.Context(), callerFrom(r.Context()), requestID, req.TxHash)
	if err != nil {
		h.respondServiceError(w, "Failed to record source transaction", err)
		return
	}

	respondJSON(w, http.StatusOK, newTransactionResponse(tx))
}

// HandleRetry handles POST /api/v1/bridge/{requestId}/retry
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]

	tx, err := h.bridge.Retry(r.Context(), callerFrom(r.Context()), requestID)
	if err != nil {
		h.respondServiceError(w, "Failed to retry bridge transaction", err)
		return
	}

	respondJSON(w, http.StatusOK, newTransactionResponse(tx))
}

// HandleCancel handles POST /api/v1/bridge/{requestId}/cancel
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]

	tx, err := h.bridge.Cancel(r.Context(), callerFrom(r.Context()), requestID)
	if err != nil {
		h.respondServiceError(w, "Failed to cancel bridge transaction", err)
		return
	}

	respondJSON(w, http.StatusOK, newTransactionResponse(tx))
}

// ==================== Admin ====================

// HandleForceTransition handles POST /api/v1/admin/bridge/{requestId}/transition
func (h *Handler) HandleForceTransition(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]

	var req TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.bridge.AdminForceTransition(r.Context(), callerFrom(r.Context()), requestID, req.Status, req.Note)
	if err != nil {
		h.respondServiceError(w, "Failed to transition bridge transaction", err)
		return
	}

	respondJSON(w, http.StatusOK, newTransactionResponse(tx))
}

// HandleRecordPayout handles POST /api/v1/admin/bridge/{requestId}/payout
func (h *Handler) HandleRecordPayout(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]

	var req PayoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.bridge.RecordPayout(r.Context(), callerFrom(r.Context()), requestID, req.TxHash)
	if err != nil {
		h.respondServiceError(w, "Failed to record payout", err)
		return
	}

	respondJSON(w, http.StatusOK, newTransactionResponse(tx))
}

// HandleStats handles GET /api/v1/admin/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.bridge.Stats(r.Context(), callerFrom(r.Context()))
	if err != nil {
		h.respondServiceError(w, "Failed to compute stats", err)
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// ==================== Helper Functions ====================

// decode reads and validates a JSON body, responding on failure
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Debug("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", reasonInvalidRequest, err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request", reasonInvalidRequest, err)
		return false
	}
	return true
}

// Reason codes
const (
	reasonInvalidRequest         = "INVALID_REQUEST"
	reasonUnauthenticated        = "UNAUTHENTICATED"
	reasonInvalidDecimalFormat   = "INVALID_DECIMAL_FORMAT"
	reasonUnsupportedTokenPair   = "UNSUPPORTED_TOKEN_PAIR"
	reasonAmountBelowFees        = "AMOUNT_BELOW_FEES"
	reasonIllegalStateTransition = "ILLEGAL_STATE_TRANSITION"
	reasonNotOwner               = "NOT_OWNER"
	reasonNotFound               = "NOT_FOUND"
	reasonRetryLimitExceeded     = "RETRY_LIMIT_EXCEEDED"
	reasonRetryTooSoon           = "RETRY_TOO_SOON"
	reasonPriceUnavailable       = "PRICE_UNAVAILABLE"
	reasonInternal               = "INTERNAL"
)

var errorStatuses = []struct {
	err    error
	status int
	reason string
}{
	{units.ErrInvalidDecimalFormat, http.StatusBadRequest, reasonInvalidDecimalFormat},
	{service.ErrInvalidRequest, http.StatusBadRequest, reasonInvalidRequest},
	{service.ErrUnsupportedTokenPair, http.StatusBadRequest, reasonUnsupportedTokenPair},
	{service.ErrAmountBelowFees, http.StatusUnprocessableEntity, reasonAmountBelowFees},
	{service.ErrIllegalStateTransition, http.StatusConflict, reasonIllegalStateTransition},
	{service.ErrNotOwner, http.StatusForbidden, reasonNotOwner},
	{service.ErrNotFound, http.StatusNotFound, reasonNotFound},
	{service.ErrRetryLimitExceeded, http.StatusConflict, reasonRetryLimitExceeded},
	{service.ErrRetryTooSoon, http.StatusTooManyRequests, reasonRetryTooSoon},
	{oracle.ErrPriceUnavailable, http.StatusServiceUnavailable, reasonPriceUnavailable},
}

// respondServiceError maps a service error to a status code and reason
func (h *Handler) respondServiceError(w http.ResponseWriter, message string, err error) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			respondError(w, e.status, message, e.reason, err)
			return
		}
	}

	h.logger.Error(message, zap.Error(err))
	respondError(w, http.StatusInternalServerError, message, reasonInternal, nil)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// headers are already written
		zap.L().Error("Failed to encode JSON response", zap.Int("status", statusCode), zap.Error(err))
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message, reason string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Reason:  reason,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}
