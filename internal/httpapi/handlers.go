package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbalance/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var defaultRefundPercentage = decimal.NewFromInt(100)

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.services.Webhooks.HandleEvent(requestCtx, payload, ctx.GetHeader(SignatureHeader))
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidSignature) || errors.Is(err, ledger.ErrInvalidPayload) {
			handler.respondError(ctx, ledger.OperationWebhook, err)
			return
		}
		// Any other failure leaves the event failed; a non-2xx asks the gateway to redeliver.
		handler.logger.Warn("webhook event failed", zap.String("event_id", result.EventID.String()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("event_failed", "event recorded for retry"))
		return
	}
	ctx.JSON(http.StatusOK, webhookPayload{
		EventID:   result.EventID.String(),
		EventType: result.EventType,
		Success:   result.Success,
		Duplicate: result.Duplicate,
		Conflict:  result.Conflict,
		Ignored:   result.Ignored,
	})
}

func (handler *httpHandler) handleGuestCheckout(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if strings.TrimSpace(request.GuestEmail) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "guest_email is required"))
		return
	}
	handler.initiatePurchase(ctx, request, ledger.StudentID{})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	studentID, ok := handler.callerStudentID(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	request.GuestEmail = ""
	handler.initiatePurchase(ctx, request, studentID)
}

func (handler *httpHandler) initiatePurchase(ctx *gin.Context, request purchaseRequest, studentID ledger.StudentID) {
	planID, err := ledger.NewPlanID(request.PlanID)
	if err != nil {
		handler.respondError(ctx, ledger.OperationCreateTransaction, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	intent, err := handler.services.Transactions.InitiatePurchase(requestCtx, ledger.PurchaseRequest{
		PlanID:          planID,
		StudentID:       studentID,
		GuestEmail:      request.GuestEmail,
		PaymentMethodID: request.PaymentMethodID,
	})
	if err != nil {
		handler.respondError(ctx, ledger.OperationCreateTransaction, err)
		return
	}
	ctx.JSON(http.StatusCreated, purchasePayload{
		TransactionID: intent.TransactionID.String(),
		ClientSecret:  intent.ClientSecret,
		Amount:        intent.Amount,
	})
}

func (handler *httpHandler) handleAttach(ctx *gin.Context) {
	studentID, ok := handler.callerStudentID(ctx)
	if !ok {
		return
	}
	transactionID, err := ledger.NewTransactionID(ctx.Param("transaction_id"))
	if err != nil {
		handler.respondError(ctx, ledger.OperationAttachStudent, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	transaction, err := handler.services.Transactions.AttachStudent(requestCtx, transactionID, studentID)
	if err != nil {
		handler.respondError(ctx, ledger.OperationAttachStudent, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": newTransactionPayload(transaction)})
}

func (handler *httpHandler) handleAnnotate(ctx *gin.Context) {
	transactionID, err := ledger.NewTransactionID(ctx.Param("transaction_id"))
	if err != nil {
		handler.respondError(ctx, ledger.OperationAnnotate, err)
		return
	}
	var request noteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Note) == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "note is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	transaction, err := handler.services.Transactions.Annotate(requestCtx, transactionID, strings.TrimSpace(request.Note))
	if err != nil {
		handler.respondError(ctx, ledger.OperationAnnotate, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": newTransactionPayload(transaction)})
}

func (handler *httpHandler) handleOwnBalance(ctx *gin.Context) {
	studentID, ok := handler.callerStudentID(ctx)
	if !ok {
		return
	}
	handler.respondWithBalance(ctx, studentID)
}

func (handler *httpHandler) handleStudentBalance(ctx *gin.Context) {
	studentID, err := ledger.NewStudentID(ctx.Param("student_id"))
	if err != nil {
		handler.respondError(ctx, "snapshot", err)
		return
	}
	handler.respondWithBalance(ctx, studentID)
}

func (handler *httpHandler) respondWithBalance(ctx *gin.Context, studentID ledger.StudentID) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	entry, err := handler.services.Ledger.Snapshot(requestCtx, studentID)
	if err != nil {
		handler.respondError(ctx, "snapshot", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalancePayload(entry)})
}

func (handler *httpHandler) handleOwnTransactions(ctx *gin.Context) {
	studentID, ok := handler.callerStudentID(ctx)
	if !ok {
		return
	}
	limit, err := listLimit(ctx)
	if err != nil {
		handler.respondError(ctx, "list_transactions", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	transactions, err := handler.services.Transactions.List(requestCtx, ledger.TransactionFilter{StudentID: studentID, Limit: limit})
	if err != nil {
		handler.respondError(ctx, "list_transactions", err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payloads})
}

func (handler *httpHandler) handleOwnConsumptions(ctx *gin.Context) {
	studentID, ok := handler.callerStudentID(ctx)
	if !ok {
		return
	}
	handler.respondWithConsumptions(ctx, studentID)
}

func (handler *httpHandler) handleStudentConsumptions(ctx *gin.Context) {
	studentID, err := ledger.NewStudentID(ctx.Param("student_id"))
	if err != nil {
		handler.respondError(ctx, "consumption_history", err)
		return
	}
	handler.respondWithConsumptions(ctx, studentID)
}

func (handler *httpHandler) respondWithConsumptions(ctx *gin.Context, studentID ledger.StudentID) {
	limit, err := listLimit(ctx)
	if err != nil {
		handler.respondError(ctx, "consumption_history", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	consumptions, err := handler.services.Tracker.History(requestCtx, ledger.ConsumptionFilter{StudentID: studentID, Limit: limit})
	if err != nil {
		handler.respondError(ctx, "consumption_history", err)
		return
	}
	payloads := make([]consumptionPayload, 0, len(consumptions))
	for _, consumption := range consumptions {
		payloads = append(payloads, newConsumptionPayload(consumption))
	}
	ctx.JSON(http.StatusOK, gin.H{"consumptions": payloads})
}

func (handler *httpHandler) handleRecordConsumption(ctx *gin.Context) {
	var request consumptionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	input, err := request.input()
	if err != nil {
		handler.respondError(ctx, ledger.OperationConsume, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	outcome, err := handler.services.Tracker.RecordConsumption(requestCtx, input)
	if err != nil {
		handler.respondError(ctx, ledger.OperationConsume, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"consumption": newConsumptionPayload(outcome.Consumption),
		"balance":     newBalancePayload(outcome.Debit.Balance),
		"deficit":     outcome.Debit.Deficit,
		"shortfall":   outcome.Debit.Shortfall,
	})
}

func (handler *httpHandler) handleProcessRefund(ctx *gin.Context) {
	consumptionID, err := ledger.NewConsumptionID(ctx.Param("consumption_id"))
	if err != nil {
		handler.respondError(ctx, ledger.OperationRefund, err)
		return
	}
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	outcome, err := handler.services.Tracker.ProcessRefund(requestCtx, consumptionID, request.Reason)
	if err != nil {
		handler.respondError(ctx, ledger.OperationRefund, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"consumption":    newConsumptionPayload(outcome.Consumption),
		"refunded_hours": outcome.RefundedHours,
		"is_refunded":    outcome.IsRefunded,
		"balance":        newBalancePayload(outcome.Balance),
	})
}

func (handler *httpHandler) handleRefundQuote(ctx *gin.Context) {
	var request quoteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.OriginalAmount == nil {
		handler.respondError(ctx, "quote_refund", fmt.Errorf("%w: original_amount is required", ledger.ErrInvalidOperand))
		return
	}
	percentage := defaultRefundPercentage
	if request.RefundPercentage != nil {
		percentage = *request.RefundPercentage
	}
	quote, err := ledger.QuoteRefund(*request.OriginalAmount, percentage, request.schedule())
	if err != nil {
		handler.respondError(ctx, "quote_refund", err)
		return
	}
	response := quotePayload{
		Original:        quote.Original,
		Percentage:      quote.Percentage.String(),
		AfterPercentage: quote.AfterPercentage,
		Steps:           make([]cascadeStepPayload, 0, len(quote.Cascade.Steps)),
		Refund:          quote.Refund,
	}
	for _, step := range quote.Cascade.Steps {
		response.Steps = append(response.Steps, cascadeStepPayload{Name: step.Name, Deduction: step.Deduction, Remaining: step.Remaining})
	}
	if request.TotalUnits > 0 {
		proration, err := ledger.ProrateRefund(*request.OriginalAmount, request.TotalUnits, request.UnitsUsed)
		if err != nil {
			handler.respondError(ctx, "quote_refund", err)
			return
		}
		response.Proration = &prorationPayload{PerUnitRate: proration.PerUnitRate, Used: proration.Used, Refund: proration.Refund}
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleAnalytics(ctx *gin.Context) {
	until, err := timeQuery(ctx, "until")
	if err != nil {
		handler.respondError(ctx, "analytics", err)
		return
	}
	since, err := timeQuery(ctx, "since")
	if err != nil {
		handler.respondError(ctx, "analytics", err)
		return
	}
	if since.IsZero() {
		since = handler.now().UTC().Add(-handler.cfg.ReportWindow)
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	report, err := handler.services.Analytics.Report(requestCtx, since, until)
	if err != nil {
		handler.respondError(ctx, "analytics", err)
		return
	}
	if handler.services.Metrics != nil {
		handler.services.Metrics.ObserveReport(report)
	}
	ctx.JSON(http.StatusOK, gin.H{"report": report})
}

func (handler *httpHandler) handleRetryWebhooks(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	succeeded, err := handler.services.Webhooks.RetryFailedEvents(requestCtx, handler.cfg.RetryBatch)
	response := gin.H{"succeeded": succeeded}
	if err != nil {
		handler.logger.Warn("webhook retry incomplete", zap.Int("succeeded", succeeded), zap.Error(err))
		response["error"] = err.Error()
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) callerStudentID(ctx *gin.Context) (ledger.StudentID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.StudentID{}, false
	}
	studentID, err := ledger.NewStudentID(claims.Subject)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid subject"))
		return ledger.StudentID{}, false
	}
	return studentID, true
}

func listLimit(ctx *gin.Context) (int, error) {
	raw := strings.TrimSpace(ctx.Query("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxListLimit {
		return 0, fmt.Errorf("%w: limit must be in [1, %d]", ledger.ErrInvalidOperand, maxListLimit)
	}
	return limit, nil
}

func timeQuery(ctx *gin.Context, name string) (time.Time, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC3339", ledger.ErrInvalidOperand, name)
	}
	return parsed.UTC(), nil
}
