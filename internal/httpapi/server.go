// Package httpapi exposes the balance engine over HTTP: the gateway webhook,
// checkout, session accounting, refunds and reporting.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbalance/internal/metrics"
	"github.com/MarkoPoloResearchLab/tutorbalance/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// SignatureHeader carries the gateway's webhook signature.
	SignatureHeader = "Gateway-Signature"
	// RoleAdmin unlocks the back-office endpoints.
	RoleAdmin = "admin"

	defaultRequestTimeout = 10 * time.Second
	defaultRetryBatch     = 50
	defaultReportWindow   = 30 * 24 * time.Hour
	defaultListLimit      = 50
	maxListLimit          = 500
	shutdownTimeout       = 5 * time.Second
	maxWebhookBodyBytes   = 1 << 20
)

// Config controls the HTTP façade.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	JWTSigningKey  string
	JWTIssuer      string
	RequestTimeout time.Duration
	RetryBatch     int
	// ReportWindow is the analytics lookback used when no since is given.
	ReportWindow time.Duration
}

// Services are the domain components the handlers drive. Metrics and
// Gatherer are optional.
type Services struct {
	Ledger       *ledger.Ledger
	Transactions *ledger.Transactions
	Webhooks     *ledger.WebhookEngine
	Tracker      *ledger.ConsumptionTracker
	Analytics    *ledger.Analytics
	Metrics      *metrics.Recorder
	Gatherer     prometheus.Gatherer
}

func (services Services) validate() error {
	if services.Ledger == nil || services.Transactions == nil || services.Webhooks == nil || services.Tracker == nil || services.Analytics == nil {
		return fmt.Errorf("%w: httpapi requires ledger, transactions, webhooks, tracker and analytics", ledger.ErrInvalidServiceConfig)
	}
	return nil
}

// Run serves the router on cfg.ListenAddr until ctx is cancelled.
func Run(ctx context.Context, cfg Config, services Services, logger *zap.Logger) error {
	router, err := NewRouter(cfg, services, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: defaultRequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("http server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(cfg Config, services Services, logger *zap.Logger) (*gin.Engine, error) {
	if err := services.validate(); err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(cfg.JWTSigningKey)) == 0 {
		return nil, fmt.Errorf("%w: jwt signing key is required", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RetryBatch <= 0 {
		cfg.RetryBatch = defaultRetryBatch
	}
	if cfg.ReportWindow <= 0 {
		cfg.ReportWindow = defaultReportWindow
	}
	gatherer := services.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	handler := &httpHandler{logger: logger, services: services, cfg: cfg, now: time.Now}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	router.POST("/webhooks/gateway", handler.handleWebhook)
	router.POST("/checkout/guest", handler.handleGuestCheckout)

	api := router.Group("/api")
	api.Use(bearerAuth([]byte(cfg.JWTSigningKey), cfg.JWTIssuer))
	api.GET("/balance", handler.handleOwnBalance)
	api.GET("/transactions", handler.handleOwnTransactions)
	api.GET("/consumptions", handler.handleOwnConsumptions)
	api.POST("/purchases", handler.handlePurchase)
	api.POST("/transactions/:transaction_id/attach", handler.handleAttach)
	api.POST("/refunds/quote", handler.handleRefundQuote)

	admin := api.Group("/admin")
	admin.Use(requireRole(RoleAdmin))
	admin.GET("/students/:student_id/balance", handler.handleStudentBalance)
	admin.GET("/students/:student_id/consumptions", handler.handleStudentConsumptions)
	admin.POST("/consumptions", handler.handleRecordConsumption)
	admin.POST("/consumptions/:consumption_id/refund", handler.handleProcessRefund)
	admin.POST("/transactions/:transaction_id/notes", handler.handleAnnotate)
	admin.GET("/analytics", handler.handleAnalytics)
	admin.POST("/webhooks/retry", handler.handleRetryWebhooks)

	return router, nil
}

type httpHandler struct {
	logger   *zap.Logger
	services Services
	cfg      Config
	now      func() time.Time
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: ledger.ErrInvalidSignature, status: http.StatusBadRequest, code: "invalid_signature"},
	{target: ledger.ErrInvalidPayload, status: http.StatusBadRequest, code: "invalid_payload"},
	{target: ledger.ErrInvalidStudentID, status: http.StatusBadRequest, code: "invalid_student_id"},
	{target: ledger.ErrInvalidTransactionID, status: http.StatusBadRequest, code: "invalid_transaction_id"},
	{target: ledger.ErrInvalidConsumptionID, status: http.StatusBadRequest, code: "invalid_consumption_id"},
	{target: ledger.ErrInvalidSessionRef, status: http.StatusBadRequest, code: "invalid_session_ref"},
	{target: ledger.ErrInvalidOperand, status: http.StatusBadRequest, code: "invalid_operand"},
	{target: ledger.ErrInvalidPlan, status: http.StatusBadRequest, code: "invalid_plan"},
	{target: ledger.ErrInvalidMetadata, status: http.StatusBadRequest, code: "invalid_metadata"},
	{target: ledger.ErrPaymentMethodNotFound, status: http.StatusBadRequest, code: "payment_method_not_found"},
	{target: ledger.ErrTransactionNotFound, status: http.StatusNotFound, code: "transaction_not_found"},
	{target: ledger.ErrConsumptionNotFound, status: http.StatusNotFound, code: "consumption_not_found"},
	{target: ledger.ErrWebhookEventNotFound, status: http.StatusNotFound, code: "webhook_event_not_found"},
	{target: ledger.ErrDuplicateConsumption, status: http.StatusConflict, code: "duplicate_consumption"},
	{target: ledger.ErrAlreadyRefunded, status: http.StatusConflict, code: "already_refunded"},
	{target: ledger.ErrStudentImmutable, status: http.StatusConflict, code: "student_immutable"},
	{target: ledger.ErrInvalidTransition, status: http.StatusConflict, code: "invalid_transition"},
	{target: ledger.ErrLockUnavailable, status: http.StatusServiceUnavailable, code: "lock_unavailable"},
	{target: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "timeout"},
}

func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			if ledger.IsInvariantViolation(err) {
				handler.logger.Warn("request refused", zap.String("operation", operation), zap.Error(err))
			}
			ctx.JSON(mapping.status, errorResponse(mapping.code, err.Error()))
			return
		}
	}
	handler.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "request failed"))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
