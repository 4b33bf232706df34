package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"ckbridge/settlement/internal/service"
)

// Identity headers set by the upstream auth gateway
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	RoleAdmin      = "admin"
)

// SetupRouter creates and configures the HTTP router
func SetupRouter(handler *Handler, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(loggingMiddleware(logger))
	router.Use(corsMiddleware())
	router.Use(recoveryMiddleware(logger))

	// Health check endpoint
	router.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(identityMiddleware())

	// Quotes
	api.HandleFunc("/bridge/quote", handler.HandleQuote).Methods(http.MethodPost)

	// Bridge transactions
	api.HandleFunc("/bridge", handler.HandleInitiate).Methods(http.MethodPost)
	api.HandleFunc("/bridge", handler.HandleListUserBridges).Methods(http.MethodGet)
	api.HandleFunc("/bridge/{requestId}", handler.HandleGetStatus).Methods(http.MethodGet)
	api.HandleFunc("/bridge/{requestId}/source-tx", handler.HandleSubmitSourceTx).Methods(http.MethodPost)
	api.HandleFunc("/bridge/{requestId}/retry", handler.HandleRetry).Methods(http.MethodPost)
	api.HandleFunc("/bridge/{requestId}/cancel", handler.HandleCancel).Methods(http.MethodPost)

	// Administration
	api.HandleFunc("/admin/bridge/{requestId}/transition", handler.HandleForceTransition).Methods(http.MethodPost)
	api.HandleFunc("/admin/bridge/{requestId}/payout", handler.HandleRecordPayout).Methods(http.MethodPost)
	api.HandleFunc("/admin/stats", handler.HandleStats).Methods(http.MethodGet)

	return router
}

// ==================== Middleware ====================

type callerKey struct{}

// identityMiddleware reads the caller identity forwarded by the auth gateway
func identityMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if userID == "" {
				respondError(w, http.StatusUnauthorized, "Missing caller identity", reasonUnauthenticated, nil)
				return
			}

			caller := service.Caller{
				UserID: userID,
				Admin:  strings.EqualFold(r.Header.Get(HeaderUserRole), RoleAdmin),
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
		})
	}
}

func callerFrom(ctx context.Context) service.Caller {
	caller, _ := ctx.Value(callerKey{}).(service.Caller)
	return caller
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// corsMiddleware adds CORS headers
func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+HeaderUserID+", "+HeaderUserRole)

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware recovers from panics and logs them
func recoveryMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.String("request_id", middleware.GetReqID(r.Context())),
					)

					// Send error response
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error":"Internal server error","reason":"INTERNAL"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
