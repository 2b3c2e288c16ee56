package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// WebhookResult reports how one delivery was handled.
type WebhookResult struct {
	EventID   GatewayEventID
	EventType string
	Success   bool
	// Duplicate is set when the event id was already processed.
	Duplicate bool
	// Conflict is set when the event asked for a transition the transaction
	// could no longer take; the event is acknowledged and dropped.
	Conflict bool
	// Ignored is set for event types the engine does not act on.
	Ignored bool
}

type gatewayEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID               string `json:"id"`
			LastPaymentError *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

func (event gatewayEvent) isPaymentEvent() bool {
	return event.Type == EventPaymentSucceeded || event.Type == EventPaymentFailed
}

func (event gatewayEvent) failure() FailureDetail {
	paymentError := event.Data.Object.LastPaymentError
	if paymentError == nil {
		return FailureDetail{}
	}
	return FailureDetail{Reason: paymentError.Message, Code: paymentError.Code}
}

// WebhookEngine turns authenticated gateway events into exactly-once
// transaction transitions and ledger credits.
type WebhookEngine struct {
	transactions *Transactions
	ledger       *Ledger
	verifier     SignatureVerifier
}

// NewWebhookEngine wires the webhook engine.
func NewWebhookEngine(transactions *Transactions, verifier SignatureVerifier) (*WebhookEngine, error) {
	if transactions == nil {
		return nil, fmt.Errorf("%w: transactions dependency is nil", ErrInvalidServiceConfig)
	}
	if verifier == nil {
		return nil, fmt.Errorf("%w: signature verifier is nil", ErrInvalidServiceConfig)
	}
	return &WebhookEngine{transactions: transactions, ledger: transactions.ledger, verifier: verifier}, nil
}

// HandleEvent verifies, records and applies one gateway delivery. Requests
// with a bad signature or a malformed body leave no trace in the event log.
// Redelivery of a processed event id is acknowledged without side effects.
func (engine *WebhookEngine) HandleEvent(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	if err := engine.verifier.Verify(payload, signature); err != nil {
		engine.ledger.options.logOperation(ctx, OperationLog{Operation: OperationWebhook, Error: err})
		return WebhookResult{}, err
	}
	parsed, err := parseGatewayEvent(payload)
	if err != nil {
		engine.ledger.options.logOperation(ctx, OperationLog{Operation: OperationWebhook, Error: err})
		return WebhookResult{}, err
	}
	eventID, _ := NewGatewayEventID(parsed.ID)

	_, stored, err := engine.ledger.store.InsertWebhookEventIfAbsent(ctx, WebhookEvent{
		GatewayEventID: eventID,
		EventType:      parsed.Type,
		Status:         WebhookStatusReceived,
		Payload:        payload,
		ReceivedAt:     engine.ledger.nowTime(),
	})
	if err != nil {
		engine.ledger.options.logOperation(ctx, OperationLog{Operation: OperationWebhook, GatewayEventID: eventID, EventType: parsed.Type, Error: err})
		return WebhookResult{EventID: eventID, EventType: parsed.Type}, err
	}
	if stored.Status == WebhookStatusProcessed {
		return engine.duplicate(ctx, stored), nil
	}
	return engine.process(ctx, stored, parsed)
}

// RetryFailedEvents reprocesses up to limit failed events from their stored
// payloads. It returns how many succeeded; failures are joined into err.
func (engine *WebhookEngine) RetryFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := engine.ledger.store.ListWebhookEvents(ctx, WebhookEventFilter{Status: WebhookStatusFailed, Limit: limit})
	if err != nil {
		return 0, err
	}
	succeeded := 0
	var failures []error
	for _, event := range events {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		parsed, err := parseGatewayEvent(event.Payload)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", event.GatewayEventID.String(), err))
			continue
		}
		if _, err := engine.process(ctx, event, parsed); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", event.GatewayEventID.String(), err))
			continue
		}
		succeeded++
	}
	return succeeded, errors.Join(failures...)
}

// process owns the event from its first attempt to a terminal log status.
func (engine *WebhookEngine) process(ctx context.Context, stored WebhookEvent, parsed gatewayEvent) (WebhookResult, error) {
	result := WebhookResult{EventID: stored.GatewayEventID, EventType: stored.EventType}
	unlockEvent, err := engine.ledger.options.locker.Lock(ctx, eventLockKey(stored.GatewayEventID))
	if err != nil {
		return result, err
	}
	defer unlockEvent()

	if stored.Status == WebhookStatusFailed {
		if err := engine.markRetrying(ctx, stored.GatewayEventID); err != nil {
			return result, err
		}
	}

	var studentID StudentID
	var transactionID TransactionID
	var applyError error
	for attempt := 0; attempt < maxLockScopeAttempts; attempt++ {
		result.Duplicate, result.Conflict, result.Ignored = false, false, false
		var keys []string
		var intentID IntentID
		if parsed.isPaymentEvent() {
			intentID, _ = NewIntentID(parsed.Data.Object.ID)
			current, err := engine.ledger.store.GetTransactionByIntent(ctx, intentID)
			if err != nil {
				applyError = err
				break
			}
			studentID = current.StudentID
			transactionID = current.ID
			keys = transactionLockKeys(intentID, studentID)
		}
		applyError = engine.ledger.withLocks(ctx, keys, func(ctx context.Context, txStore Store) error {
			return engine.applyInTx(ctx, txStore, parsed, intentID, studentID, &result)
		})
		if !errors.Is(applyError, errLockScopeChanged) {
			break
		}
	}

	if applyError != nil {
		if markError := engine.markFailed(ctx, stored.GatewayEventID, applyError); markError != nil {
			applyError = errors.Join(applyError, markError)
		}
		engine.ledger.options.logOperation(ctx, OperationLog{
			Operation:      OperationWebhook,
			GatewayEventID: stored.GatewayEventID,
			TransactionID:  transactionID,
			StudentID:      studentID,
			EventType:      stored.EventType,
			Error:          applyError,
		})
		return result, applyError
	}
	if result.Duplicate {
		return engine.duplicate(ctx, stored), nil
	}
	result.Success = true
	operation := OperationWebhook
	detail := ""
	switch {
	case result.Conflict:
		operation = OperationWebhookConflict
		detail = "transaction already terminal"
	case result.Ignored:
		detail = "unhandled event type"
	}
	engine.ledger.options.logOperation(ctx, OperationLog{
		Operation:      operation,
		GatewayEventID: stored.GatewayEventID,
		TransactionID:  transactionID,
		StudentID:      studentID,
		EventType:      stored.EventType,
		Detail:         detail,
	})
	return result, nil
}

func (engine *WebhookEngine) applyInTx(ctx context.Context, txStore Store, parsed gatewayEvent, intentID IntentID, studentID StudentID, result *WebhookResult) error {
	event, err := txStore.GetWebhookEvent(ctx, result.EventID)
	if err != nil {
		return err
	}
	if event.Status == WebhookStatusProcessed {
		result.Duplicate = true
		return nil
	}
	expected := event.Status
	if err := advanceWebhook(&event, WebhookStatusProcessing); err != nil {
		return err
	}

	if parsed.isPaymentEvent() {
		transaction, err := txStore.GetTransactionByIntent(ctx, intentID)
		if err != nil {
			return err
		}
		if transaction.StudentID != studentID {
			return errLockScopeChanged
		}
		target := TransactionStatusCompleted
		if parsed.Type == EventPaymentFailed {
			target = TransactionStatusFailed
		}
		if transaction.Status.IsTerminal() {
			result.Conflict = transaction.Status != target
		} else if _, err := engine.transactions.transitionInTx(ctx, txStore, transaction, target, parsed.failure()); err != nil {
			return err
		}
	} else {
		result.Ignored = true
	}

	if err := advanceWebhook(&event, WebhookStatusProcessed); err != nil {
		return err
	}
	processedAt := engine.ledger.nowTime()
	event.ProcessedAt = &processedAt
	event.Attempts++
	event.LastError = ""
	return txStore.UpdateWebhookEvent(ctx, event, expected)
}

func (engine *WebhookEngine) markRetrying(ctx context.Context, eventID GatewayEventID) error {
	return engine.ledger.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		event, err := txStore.GetWebhookEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if event.Status != WebhookStatusFailed {
			return nil
		}
		event.Status = WebhookStatusRetrying
		return txStore.UpdateWebhookEvent(ctx, event, WebhookStatusFailed)
	})
}

func (engine *WebhookEngine) markFailed(ctx context.Context, eventID GatewayEventID, cause error) error {
	return engine.ledger.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		event, err := txStore.GetWebhookEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if event.Status == WebhookStatusProcessed {
			return nil
		}
		expected := event.Status
		if err := advanceWebhook(&event, WebhookStatusProcessing); err != nil {
			return err
		}
		if err := advanceWebhook(&event, WebhookStatusFailed); err != nil {
			return err
		}
		event.Attempts++
		event.LastError = cause.Error()
		return txStore.UpdateWebhookEvent(ctx, event, expected)
	})
}

func (engine *WebhookEngine) duplicate(ctx context.Context, event WebhookEvent) WebhookResult {
	engine.ledger.options.logOperation(ctx, OperationLog{
		Operation:      OperationWebhookDuplicate,
		GatewayEventID: event.GatewayEventID,
		EventType:      event.EventType,
	})
	return WebhookResult{EventID: event.GatewayEventID, EventType: event.EventType, Success: true, Duplicate: true}
}

// advanceWebhook walks event forward to target along the legal lifecycle,
// passing through retrying when the event had failed before.
func advanceWebhook(event *WebhookEvent, target WebhookStatus) error {
	if event.Status == target {
		return nil
	}
	if event.Status == WebhookStatusFailed && target == WebhookStatusProcessing {
		event.Status = WebhookStatusRetrying
	}
	if !event.Status.CanAdvanceTo(target) {
		return fmt.Errorf("%w: webhook %s %s -> %s", ErrInvalidWebhookStatus, event.GatewayEventID.String(), event.Status, target)
	}
	event.Status = target
	return nil
}

func parseGatewayEvent(payload []byte) (gatewayEvent, error) {
	var parsed gatewayEvent
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return gatewayEvent{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	parsed.ID = strings.TrimSpace(parsed.ID)
	parsed.Type = strings.TrimSpace(parsed.Type)
	parsed.Data.Object.ID = strings.TrimSpace(parsed.Data.Object.ID)
	if parsed.ID == "" {
		return gatewayEvent{}, fmt.Errorf("%w: missing event id", ErrInvalidPayload)
	}
	if parsed.Type == "" {
		return gatewayEvent{}, fmt.Errorf("%w: missing event type", ErrInvalidPayload)
	}
	if parsed.isPaymentEvent() && parsed.Data.Object.ID == "" {
		return gatewayEvent{}, fmt.Errorf("%w: missing payment intent id", ErrInvalidPayload)
	}
	return parsed, nil
}
