package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxLockScopeAttempts = 3

var errLockScopeChanged = errors.New("transaction student changed while waiting for lock")

// GatewayClient creates payment intents with the external gateway. The ledger
// never talks to the gateway network itself; implementations do.
type GatewayClient interface {
	CreateIntent(ctx context.Context, request IntentRequest) (GatewayIntent, error)
}

// IntentRequest is what the gateway needs to open an intent.
type IntentRequest struct {
	TransactionID   TransactionID
	Amount          Quantity
	Description     string
	PaymentMethodID string
	GuestEmail      string
}

// GatewayIntent is the gateway's answer to IntentRequest.
type GatewayIntent struct {
	IntentID     IntentID
	ClientSecret string
}

// PurchaseRequest starts a purchase for a plan. Either StudentID or
// GuestEmail identifies the buyer.
type PurchaseRequest struct {
	PlanID          PlanID
	StudentID       StudentID
	GuestEmail      string
	PaymentMethodID string
}

// PurchaseIntent is returned to the checkout page.
type PurchaseIntent struct {
	TransactionID TransactionID
	ClientSecret  string
	Amount        Quantity
}

// TransactionInput records an intent created outside InitiatePurchase.
type TransactionInput struct {
	StudentID       StudentID
	Type            TransactionType
	Amount          Quantity
	Status          TransactionStatus
	GatewayIntentID IntentID
	Metadata        TransactionMetadata
}

// FailureDetail explains a failed payment.
type FailureDetail struct {
	Reason string
	Code   string
}

// Transactions drives the transaction record state machine
// pending → processing → {completed | failed}. Completion credits the ledger.
type Transactions struct {
	ledger  *Ledger
	gateway GatewayClient
}

// NewTransactions wires the transaction processor. gateway may be nil when
// purchases are initiated elsewhere.
func NewTransactions(ledger *Ledger, gateway GatewayClient) (*Transactions, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	return &Transactions{ledger: ledger, gateway: gateway}, nil
}

// InitiatePurchase validates the plan, opens a gateway intent and records a
// processing transaction.
func (transactions *Transactions) InitiatePurchase(ctx context.Context, request PurchaseRequest) (PurchaseIntent, error) {
	if transactions.gateway == nil {
		return PurchaseIntent{}, fmt.Errorf("%w: gateway client is nil", ErrInvalidServiceConfig)
	}
	guestEmail := strings.TrimSpace(request.GuestEmail)
	if request.StudentID.IsZero() && guestEmail == "" {
		return PurchaseIntent{}, fmt.Errorf("%w: student or guest email required", ErrInvalidStudentID)
	}
	plan, err := transactions.activePlan(ctx, request.PlanID)
	if err != nil {
		return PurchaseIntent{}, err
	}
	transactionID, err := NewTransactionID(uuid.NewString())
	if err != nil {
		return PurchaseIntent{}, err
	}
	intent, err := transactions.gateway.CreateIntent(ctx, IntentRequest{
		TransactionID:   transactionID,
		Amount:          plan.Amount,
		Description:     plan.Name,
		PaymentMethodID: strings.TrimSpace(request.PaymentMethodID),
		GuestEmail:      guestEmail,
	})
	if err != nil {
		return PurchaseIntent{}, err
	}
	metadata := NewPlanMetadata(plan)
	metadata.GuestEmail = guestEmail
	metadata.PaymentMethod = strings.TrimSpace(request.PaymentMethodID)

	transaction, err := transactions.create(ctx, transactionID, TransactionInput{
		StudentID:       request.StudentID,
		Type:            plan.Type,
		Amount:          plan.Amount,
		Status:          TransactionStatusProcessing,
		GatewayIntentID: intent.IntentID,
		Metadata:        metadata,
	})
	if err != nil {
		return PurchaseIntent{}, err
	}
	return PurchaseIntent{
		TransactionID: transaction.ID,
		ClientSecret:  intent.ClientSecret,
		Amount:        transaction.Amount,
	}, nil
}

// Create records a transaction in pending or processing state.
func (transactions *Transactions) Create(ctx context.Context, input TransactionInput) (Transaction, error) {
	transactionID, err := NewTransactionID(uuid.NewString())
	if err != nil {
		return Transaction{}, err
	}
	return transactions.create(ctx, transactionID, input)
}

func (transactions *Transactions) create(ctx context.Context, transactionID TransactionID, input TransactionInput) (Transaction, error) {
	transaction, err := transactions.buildTransaction(transactionID, input)
	if err == nil {
		err = transactions.ledger.store.CreateTransaction(ctx, transaction)
	}
	transactions.ledger.options.logOperation(ctx, OperationLog{
		Operation:     OperationCreateTransaction,
		StudentID:     input.StudentID,
		TransactionID: transactionID,
		Amount:        input.Amount,
		Hours:         input.Metadata.HoursIncluded,
		Detail:        input.Type.String(),
		Error:         err,
	})
	if err != nil {
		return Transaction{}, err
	}
	return transaction, nil
}

func (transactions *Transactions) buildTransaction(transactionID TransactionID, input TransactionInput) (Transaction, error) {
	if _, err := ParseTransactionType(input.Type.String()); err != nil {
		return Transaction{}, err
	}
	if !input.Amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: transaction amount must be positive", ErrInvalidOperand)
	}
	if input.Metadata.HoursIncluded.IsNegative() {
		return Transaction{}, fmt.Errorf("%w: hours included must not be negative", ErrInvalidOperand)
	}
	if input.GatewayIntentID.String() == "" {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidIntentID)
	}
	status := input.Status
	if status == "" {
		status = TransactionStatusPending
	}
	if status != TransactionStatusPending && status != TransactionStatusProcessing {
		return Transaction{}, &TransitionError{TransactionID: transactionID, From: "", To: status}
	}
	metadata := input.Metadata
	if metadata.Version == 0 {
		metadata.Version = MetadataVersion
	}
	now := transactions.ledger.nowTime()
	return Transaction{
		ID:              transactionID,
		StudentID:       input.StudentID,
		Type:            input.Type,
		Amount:          input.Amount,
		Status:          status,
		GatewayIntentID: input.GatewayIntentID,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Get returns a transaction by id.
func (transactions *Transactions) Get(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	return transactions.ledger.store.GetTransaction(ctx, transactionID)
}

// GetByIntent returns a transaction by gateway intent id.
func (transactions *Transactions) GetByIntent(ctx context.Context, intentID IntentID) (Transaction, error) {
	return transactions.ledger.store.GetTransactionByIntent(ctx, intentID)
}

// List returns transactions matching filter.
func (transactions *Transactions) List(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	return transactions.ledger.store.ListTransactions(ctx, filter)
}

// AttachStudent binds a guest transaction to a student. The binding is
// immutable; a completed transaction that was never credited is credited now.
func (transactions *Transactions) AttachStudent(ctx context.Context, transactionID TransactionID, studentID StudentID) (Transaction, error) {
	var updated Transaction
	operationError := func() error {
		if studentID.IsZero() {
			return fmt.Errorf("%w: empty value", ErrInvalidStudentID)
		}
		current, err := transactions.ledger.store.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		return transactions.withTransactionLocks(ctx, current.GatewayIntentID, studentID, func(ctx context.Context, txStore Store) error {
			transaction, err := txStore.GetTransaction(ctx, transactionID)
			if err != nil {
				return err
			}
			if !transaction.IsGuest() {
				if transaction.StudentID == studentID {
					updated = transaction
					return nil
				}
				return fmt.Errorf("%w: transaction %s belongs to %s", ErrStudentImmutable, transactionID.String(), transaction.StudentID.String())
			}
			transaction.StudentID = studentID
			transaction.UpdatedAt = transactions.ledger.nowTime()
			if transaction.Status == TransactionStatusCompleted && transaction.CreditedAt == nil {
				if err := transactions.creditForTransaction(ctx, txStore, &transaction); err != nil {
					return err
				}
			}
			if err := txStore.UpdateTransaction(ctx, transaction, transaction.Status); err != nil {
				return err
			}
			updated = transaction
			return nil
		})
	}()
	transactions.ledger.options.logOperation(ctx, OperationLog{
		Operation:     OperationAttachStudent,
		StudentID:     studentID,
		TransactionID: transactionID,
		Amount:        updated.Amount,
		Error:         operationError,
	})
	return updated, operationError
}

// Transition moves a transaction to a new status. Completed and failed are
// terminal; illegal moves fail with ErrInvalidTransition and are logged.
func (transactions *Transactions) Transition(ctx context.Context, transactionID TransactionID, to TransactionStatus, failure FailureDetail) (Transaction, error) {
	var updated Transaction
	var from TransactionStatus
	operationError := func() error {
		for attempt := 0; attempt < maxLockScopeAttempts; attempt++ {
			current, err := transactions.ledger.store.GetTransaction(ctx, transactionID)
			if err != nil {
				return err
			}
			err = transactions.withTransactionLocks(ctx, current.GatewayIntentID, current.StudentID, func(ctx context.Context, txStore Store) error {
				transaction, err := txStore.GetTransaction(ctx, transactionID)
				if err != nil {
					return err
				}
				if transaction.StudentID != current.StudentID {
					return errLockScopeChanged
				}
				from = transaction.Status
				updated, err = transactions.transitionInTx(ctx, txStore, transaction, to, failure)
				return err
			})
			if !errors.Is(err, errLockScopeChanged) {
				return err
			}
		}
		return fmt.Errorf("%w: %s", ErrLockUnavailable, transactionID.String())
	}()
	transactions.ledger.options.logOperation(ctx, OperationLog{
		Operation:     OperationTransition,
		StudentID:     updated.StudentID,
		TransactionID: transactionID,
		Amount:        updated.Amount,
		Detail:        fmt.Sprintf("%s->%s", from, to),
		Error:         operationError,
	})
	return updated, operationError
}

// Annotate appends a note to a transaction's metadata. Allowed in every
// state, including terminal ones.
func (transactions *Transactions) Annotate(ctx context.Context, transactionID TransactionID, note string) (Transaction, error) {
	var updated Transaction
	operationError := func() error {
		current, err := transactions.ledger.store.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		return transactions.withTransactionLocks(ctx, current.GatewayIntentID, StudentID{}, func(ctx context.Context, txStore Store) error {
			transaction, err := txStore.GetTransaction(ctx, transactionID)
			if err != nil {
				return err
			}
			transaction.Metadata = transaction.Metadata.WithNote(note)
			transaction.UpdatedAt = transactions.ledger.nowTime()
			if err := txStore.UpdateTransaction(ctx, transaction, transaction.Status); err != nil {
				return err
			}
			updated = transaction
			return nil
		})
	}()
	transactions.ledger.options.logOperation(ctx, OperationLog{
		Operation:     OperationAnnotate,
		StudentID:     updated.StudentID,
		TransactionID: transactionID,
		Detail:        note,
		Error:         operationError,
	})
	return updated, operationError
}

// transitionInTx applies to → the transaction inside an open store
// transaction. A pending transaction passes through processing on its way
// to completed.
func (transactions *Transactions) transitionInTx(ctx context.Context, txStore Store, transaction Transaction, to TransactionStatus, failure FailureDetail) (Transaction, error) {
	if transaction.Status == TransactionStatusPending && to == TransactionStatusCompleted {
		processing, err := transactions.transitionInTx(ctx, txStore, transaction, TransactionStatusProcessing, FailureDetail{})
		if err != nil {
			return transaction, err
		}
		transaction = processing
	}
	from := transaction.Status
	if !from.CanTransitionTo(to) {
		return transaction, &TransitionError{TransactionID: transaction.ID, From: from, To: to}
	}
	now := transactions.ledger.nowTime()
	transaction.Status = to
	transaction.UpdatedAt = now
	switch to {
	case TransactionStatusCompleted:
		completedAt := now
		transaction.CompletedAt = &completedAt
		if transaction.Type == TransactionTypeSubscription && transaction.Metadata.PeriodDays > 0 {
			expiresAt := now.AddDate(0, 0, transaction.Metadata.PeriodDays)
			transaction.ExpiresAt = &expiresAt
		}
		if !transaction.IsGuest() {
			if err := transactions.creditForTransaction(ctx, txStore, &transaction); err != nil {
				return transaction, err
			}
		}
	case TransactionStatusFailed:
		reason := strings.TrimSpace(failure.Reason)
		if reason == "" {
			reason = defaultFailureReason
		}
		transaction.Metadata.FailureReason = reason
		transaction.Metadata.FailureCode = strings.TrimSpace(failure.Code)
	}
	if err := txStore.UpdateTransaction(ctx, transaction, from); err != nil {
		return transaction, err
	}
	return transaction, nil
}

func (transactions *Transactions) creditForTransaction(ctx context.Context, txStore Store, transaction *Transaction) error {
	if transaction.CreditedAt != nil {
		return nil
	}
	input := CreditInput{Hours: transaction.Metadata.HoursIncluded, Amount: transaction.Amount}
	if _, err := transactions.ledger.creditInTx(ctx, txStore, transaction.StudentID, input); err != nil {
		return err
	}
	creditedAt := transactions.ledger.nowTime()
	transaction.CreditedAt = &creditedAt
	transactions.ledger.options.logOperation(ctx, OperationLog{
		Operation:     OperationCredit,
		StudentID:     transaction.StudentID,
		TransactionID: transaction.ID,
		Amount:        input.Amount,
		Hours:         input.Hours,
	})
	return nil
}

// withTransactionLocks takes the intent lock and, when known, the student
// lock (always in that order) around one store transaction.
func (transactions *Transactions) withTransactionLocks(ctx context.Context, intentID IntentID, studentID StudentID, fn func(ctx context.Context, txStore Store) error) error {
	return transactions.ledger.withLocks(ctx, transactionLockKeys(intentID, studentID), fn)
}

func transactionLockKeys(intentID IntentID, studentID StudentID) []string {
	keys := []string{intentLockKey(intentID)}
	if !studentID.IsZero() {
		keys = append(keys, studentLockKey(studentID))
	}
	return keys
}

func (transactions *Transactions) activePlan(ctx context.Context, planID PlanID) (Plan, error) {
	if planID.String() == "" {
		return Plan{}, fmt.Errorf("%w: empty plan id", ErrInvalidPlan)
	}
	plan, err := transactions.ledger.store.GetPlan(ctx, planID)
	if err != nil {
		return Plan{}, err
	}
	if !plan.Active {
		return Plan{}, fmt.Errorf("%w: plan %s is inactive", ErrInvalidPlan, planID.String())
	}
	if !plan.Amount.IsPositive() {
		return Plan{}, fmt.Errorf("%w: plan %s has no price", ErrInvalidPlan, planID.String())
	}
	return plan, nil
}
