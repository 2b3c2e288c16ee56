// Package gateway provides payment gateway clients for the balance service.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/MarkoPoloResearchLab/tutorbalance/pkg/ledger"
	"github.com/google/uuid"
)

const (
	intentIDPrefix       = "pi_"
	clientSecretInfix    = "_secret_"
	defaultPaymentMethod = "pm_card_visa"
)

// Sandbox is an in-process gateway that mints intents without a network
// round trip. Saved payment methods must be registered up front.
type Sandbox struct {
	mu             sync.Mutex
	paymentMethods map[string]struct{}
	intents        map[string]ledger.IntentRequest
}

// NewSandbox returns a Sandbox that knows pm_card_visa plus paymentMethods.
func NewSandbox(paymentMethods ...string) *Sandbox {
	sandbox := &Sandbox{
		paymentMethods: map[string]struct{}{defaultPaymentMethod: {}},
		intents:        make(map[string]ledger.IntentRequest),
	}
	for _, method := range paymentMethods {
		if trimmed := strings.TrimSpace(method); trimmed != "" {
			sandbox.paymentMethods[trimmed] = struct{}{}
		}
	}
	return sandbox
}

// CreateIntent opens a payment intent. An empty payment method means the
// checkout page collects a new card.
func (sandbox *Sandbox) CreateIntent(ctx context.Context, request ledger.IntentRequest) (ledger.GatewayIntent, error) {
	if err := ctx.Err(); err != nil {
		return ledger.GatewayIntent{}, err
	}
	if !request.Amount.IsPositive() {
		return ledger.GatewayIntent{}, fmt.Errorf("%w: intent amount must be positive", ledger.ErrInvalidOperand)
	}
	sandbox.mu.Lock()
	defer sandbox.mu.Unlock()
	if request.PaymentMethodID != "" {
		if _, ok := sandbox.paymentMethods[request.PaymentMethodID]; !ok {
			return ledger.GatewayIntent{}, fmt.Errorf("%w: %s", ledger.ErrPaymentMethodNotFound, request.PaymentMethodID)
		}
	}
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	intentID, err := ledger.NewIntentID(intentIDPrefix + token[:24])
	if err != nil {
		return ledger.GatewayIntent{}, err
	}
	sandbox.intents[intentID.String()] = request
	return ledger.GatewayIntent{
		IntentID:     intentID,
		ClientSecret: intentID.String() + clientSecretInfix + token[24:],
	}, nil
}

// Intent returns the request an intent was opened with.
func (sandbox *Sandbox) Intent(intentID ledger.IntentID) (ledger.IntentRequest, bool) {
	sandbox.mu.Lock()
	defer sandbox.mu.Unlock()
	request, ok := sandbox.intents[intentID.String()]
	return request, ok
}

// PaymentError is the gateway's explanation of a declined payment.
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type eventEnvelope struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data eventData `json:"data"`
}

type eventData struct {
	Object intentObject `json:"object"`
}

type intentObject struct {
	ID               string        `json:"id"`
	LastPaymentError *PaymentError `json:"last_payment_error,omitempty"`
}

// EventPayload renders a webhook body in the gateway's wire format.
func EventPayload(eventID string, eventType string, intentID string, paymentError *PaymentError) ([]byte, error) {
	return json.Marshal(eventEnvelope{
		ID:   eventID,
		Type: eventType,
		Data: eventData{Object: intentObject{ID: intentID, LastPaymentError: paymentError}},
	})
}
