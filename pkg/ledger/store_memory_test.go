package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
)

const (
	testNowUnix       = int64(1700000000)
	failGetBalance    = "GetOrCreateBalance"
	failSaveBalance   = "SaveBalance"
	failCreateTx      = "CreateTransaction"
	failUpdateTx      = "UpdateTransaction"
	failInsertEvent   = "InsertWebhookEventIfAbsent"
	failCreateConsume = "CreateConsumption"
	failMarkRefunded  = "MarkConsumptionRefunded"
)

var errStoreFailure = errors.New("store error")

// memoryStore is an in-memory Store. Transactions are serialized and
// rolled back on error, which mirrors the guarantees of the SQL stores.
type memoryStore struct {
	mu       sync.Mutex
	state    *memoryState
	failures map[string]error
	txCount  int
}

type memoryState struct {
	balances     map[string]BalanceEntry
	transactions map[string]Transaction
	intents      map[string]string
	events       map[string]WebhookEvent
	consumptions map[string]Consumption
	sessions     map[string]string
	plans        map[string]Plan
}

type memoryTx struct {
	store *memoryStore
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		state: &memoryState{
			balances:     make(map[string]BalanceEntry),
			transactions: make(map[string]Transaction),
			intents:      make(map[string]string),
			events:       make(map[string]WebhookEvent),
			consumptions: make(map[string]Consumption),
			sessions:     make(map[string]string),
			plans:        make(map[string]Plan),
		},
		failures: make(map[string]error),
	}
}

func (state *memoryState) clone() *memoryState {
	cloned := &memoryState{
		balances:     make(map[string]BalanceEntry, len(state.balances)),
		transactions: make(map[string]Transaction, len(state.transactions)),
		intents:      make(map[string]string, len(state.intents)),
		events:       make(map[string]WebhookEvent, len(state.events)),
		consumptions: make(map[string]Consumption, len(state.consumptions)),
		sessions:     make(map[string]string, len(state.sessions)),
		plans:        make(map[string]Plan, len(state.plans)),
	}
	for key, value := range state.balances {
		cloned.balances[key] = value
	}
	for key, value := range state.transactions {
		cloned.transactions[key] = value
	}
	for key, value := range state.intents {
		cloned.intents[key] = value
	}
	for key, value := range state.events {
		cloned.events[key] = value
	}
	for key, value := range state.consumptions {
		cloned.consumptions[key] = value
	}
	for key, value := range state.sessions {
		cloned.sessions[key] = value
	}
	for key, value := range state.plans {
		cloned.plans[key] = value
	}
	return cloned
}

func (store *memoryStore) failOn(method string, err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.failures[method] = err
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.txCount++
	snapshot := store.state.clone()
	if err := fn(ctx, memoryTx{store: store}); err != nil {
		store.state = snapshot
		return err
	}
	return nil
}

func (store *memoryStore) run(fn func(tx memoryTx) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(memoryTx{store: store})
}

func (store *memoryStore) GetOrCreateBalance(ctx context.Context, studentID StudentID) (BalanceEntry, error) {
	var entry BalanceEntry
	err := store.run(func(tx memoryTx) error {
		var err error
		entry, err = tx.GetOrCreateBalance(ctx, studentID)
		return err
	})
	return entry, err
}

func (store *memoryStore) SaveBalance(ctx context.Context, entry BalanceEntry) error {
	return store.run(func(tx memoryTx) error { return tx.SaveBalance(ctx, entry) })
}

func (store *memoryStore) CreateTransaction(ctx context.Context, transaction Transaction) error {
	return store.run(func(tx memoryTx) error { return tx.CreateTransaction(ctx, transaction) })
}

func (store *memoryStore) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	var transaction Transaction
	err := store.run(func(tx memoryTx) error {
		var err error
		transaction, err = tx.GetTransaction(ctx, transactionID)
		return err
	})
	return transaction, err
}

func (store *memoryStore) GetTransactionByIntent(ctx context.Context, intentID IntentID) (Transaction, error) {
	var transaction Transaction
	err := store.run(func(tx memoryTx) error {
		var err error
		transaction, err = tx.GetTransactionByIntent(ctx, intentID)
		return err
	})
	return transaction, err
}

func (store *memoryStore) UpdateTransaction(ctx context.Context, transaction Transaction, expected TransactionStatus) error {
	return store.run(func(tx memoryTx) error { return tx.UpdateTransaction(ctx, transaction, expected) })
}

func (store *memoryStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	var transactions []Transaction
	err := store.run(func(tx memoryTx) error {
		var err error
		transactions, err = tx.ListTransactions(ctx, filter)
		return err
	})
	return transactions, err
}

func (store *memoryStore) InsertWebhookEventIfAbsent(ctx context.Context, event WebhookEvent) (bool, WebhookEvent, error) {
	var created bool
	var stored WebhookEvent
	err := store.run(func(tx memoryTx) error {
		var err error
		created, stored, err = tx.InsertWebhookEventIfAbsent(ctx, event)
		return err
	})
	return created, stored, err
}

func (store *memoryStore) GetWebhookEvent(ctx context.Context, eventID GatewayEventID) (WebhookEvent, error) {
	var event WebhookEvent
	err := store.run(func(tx memoryTx) error {
		var err error
		event, err = tx.GetWebhookEvent(ctx, eventID)
		return err
	})
	return event, err
}

func (store *memoryStore) UpdateWebhookEvent(ctx context.Context, event WebhookEvent, expected WebhookStatus) error {
	return store.run(func(tx memoryTx) error { return tx.UpdateWebhookEvent(ctx, event, expected) })
}

func (store *memoryStore) ListWebhookEvents(ctx context.Context, filter WebhookEventFilter) ([]WebhookEvent, error) {
	var events []WebhookEvent
	err := store.run(func(tx memoryTx) error {
		var err error
		events, err = tx.ListWebhookEvents(ctx, filter)
		return err
	})
	return events, err
}

func (store *memoryStore) CreateConsumption(ctx context.Context, consumption Consumption) error {
	return store.run(func(tx memoryTx) error { return tx.CreateConsumption(ctx, consumption) })
}

func (store *memoryStore) GetConsumption(ctx context.Context, consumptionID ConsumptionID) (Consumption, error) {
	var consumption Consumption
	err := store.run(func(tx memoryTx) error {
		var err error
		consumption, err = tx.GetConsumption(ctx, consumptionID)
		return err
	})
	return consumption, err
}

func (store *memoryStore) MarkConsumptionRefunded(ctx context.Context, consumption Consumption) error {
	return store.run(func(tx memoryTx) error { return tx.MarkConsumptionRefunded(ctx, consumption) })
}

func (store *memoryStore) ListConsumptions(ctx context.Context, filter ConsumptionFilter) ([]Consumption, error) {
	var consumptions []Consumption
	err := store.run(func(tx memoryTx) error {
		var err error
		consumptions, err = tx.ListConsumptions(ctx, filter)
		return err
	})
	return consumptions, err
}

func (store *memoryStore) GetPlan(ctx context.Context, planID PlanID) (Plan, error) {
	var plan Plan
	err := store.run(func(tx memoryTx) error {
		var err error
		plan, err = tx.GetPlan(ctx, planID)
		return err
	})
	return plan, err
}

func (store *memoryStore) SavePlan(ctx context.Context, plan Plan) error {
	return store.run(func(tx memoryTx) error { return tx.SavePlan(ctx, plan) })
}

func (store *memoryStore) balance(test *testing.T, studentID StudentID) BalanceEntry {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.balances[studentID.String()]
}

func (store *memoryStore) event(test *testing.T, eventID string) WebhookEvent {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	event, ok := store.state.events[eventID]
	if !ok {
		test.Fatalf("webhook event %s not stored", eventID)
	}
	return event
}

func (store *memoryStore) eventCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.state.events)
}

// memoryTx methods run with store.mu held.

func (tx memoryTx) fail(method string) error {
	return tx.store.failures[method]
}

func (tx memoryTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx memoryTx) GetOrCreateBalance(_ context.Context, studentID StudentID) (BalanceEntry, error) {
	if err := tx.fail(failGetBalance); err != nil {
		return BalanceEntry{}, err
	}
	entry, ok := tx.store.state.balances[studentID.String()]
	if !ok {
		entry = BalanceEntry{
			StudentID:      studentID,
			HoursPurchased: ZeroQuantity,
			HoursConsumed:  ZeroQuantity,
			BalanceAmount:  ZeroQuantity,
		}
		tx.store.state.balances[studentID.String()] = entry
	}
	return entry, nil
}

func (tx memoryTx) SaveBalance(_ context.Context, entry BalanceEntry) error {
	if err := tx.fail(failSaveBalance); err != nil {
		return err
	}
	tx.store.state.balances[entry.StudentID.String()] = entry
	return nil
}

func (tx memoryTx) CreateTransaction(_ context.Context, transaction Transaction) error {
	if err := tx.fail(failCreateTx); err != nil {
		return err
	}
	if _, exists := tx.store.state.intents[transaction.GatewayIntentID.String()]; exists {
		return ErrDuplicateIntent
	}
	tx.store.state.transactions[transaction.ID.String()] = transaction
	tx.store.state.intents[transaction.GatewayIntentID.String()] = transaction.ID.String()
	return nil
}

func (tx memoryTx) GetTransaction(_ context.Context, transactionID TransactionID) (Transaction, error) {
	transaction, ok := tx.store.state.transactions[transactionID.String()]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

func (tx memoryTx) GetTransactionByIntent(ctx context.Context, intentID IntentID) (Transaction, error) {
	transactionID, ok := tx.store.state.intents[intentID.String()]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx.store.state.transactions[transactionID], nil
}

func (tx memoryTx) UpdateTransaction(_ context.Context, transaction Transaction, expected TransactionStatus) error {
	if err := tx.fail(failUpdateTx); err != nil {
		return err
	}
	current, ok := tx.store.state.transactions[transaction.ID.String()]
	if !ok {
		return ErrTransactionNotFound
	}
	if current.Status != expected {
		return &TransitionError{TransactionID: transaction.ID, From: current.Status, To: transaction.Status}
	}
	tx.store.state.transactions[transaction.ID.String()] = transaction
	return nil
}

func (tx memoryTx) ListTransactions(_ context.Context, filter TransactionFilter) ([]Transaction, error) {
	var transactions []Transaction
	for _, transaction := range tx.store.state.transactions {
		if !filter.StudentID.IsZero() && transaction.StudentID != filter.StudentID {
			continue
		}
		if filter.Status != "" && transaction.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && transaction.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !transaction.CreatedAt.Before(filter.Until) {
			continue
		}
		transactions = append(transactions, transaction)
	}
	sort.Slice(transactions, func(left, right int) bool {
		return transactions[left].ID.String() < transactions[right].ID.String()
	})
	if filter.Limit > 0 && len(transactions) > filter.Limit {
		transactions = transactions[:filter.Limit]
	}
	return transactions, nil
}

func (tx memoryTx) InsertWebhookEventIfAbsent(_ context.Context, event WebhookEvent) (bool, WebhookEvent, error) {
	if err := tx.fail(failInsertEvent); err != nil {
		return false, WebhookEvent{}, err
	}
	if existing, ok := tx.store.state.events[event.GatewayEventID.String()]; ok {
		return false, existing, nil
	}
	tx.store.state.events[event.GatewayEventID.String()] = event
	return true, event, nil
}

func (tx memoryTx) GetWebhookEvent(_ context.Context, eventID GatewayEventID) (WebhookEvent, error) {
	event, ok := tx.store.state.events[eventID.String()]
	if !ok {
		return WebhookEvent{}, ErrWebhookEventNotFound
	}
	return event, nil
}

func (tx memoryTx) UpdateWebhookEvent(_ context.Context, event WebhookEvent, expected WebhookStatus) error {
	current, ok := tx.store.state.events[event.GatewayEventID.String()]
	if !ok {
		return ErrWebhookEventNotFound
	}
	if current.Status != expected {
		return ErrInvalidWebhookStatus
	}
	tx.store.state.events[event.GatewayEventID.String()] = event
	return nil
}

func (tx memoryTx) ListWebhookEvents(_ context.Context, filter WebhookEventFilter) ([]WebhookEvent, error) {
	var events []WebhookEvent
	for _, event := range tx.store.state.events {
		if filter.Status != "" && event.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && event.ReceivedAt.Before(filter.Since) {
			continue
		}
		events = append(events, event)
	}
	sort.Slice(events, func(left, right int) bool {
		return events[left].GatewayEventID.String() < events[right].GatewayEventID.String()
	})
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events, nil
}

func (tx memoryTx) CreateConsumption(_ context.Context, consumption Consumption) error {
	if err := tx.fail(failCreateConsume); err != nil {
		return err
	}
	if _, exists := tx.store.state.sessions[consumption.SessionRef.String()]; exists {
		return ErrDuplicateConsumption
	}
	tx.store.state.consumptions[consumption.ID.String()] = consumption
	tx.store.state.sessions[consumption.SessionRef.String()] = consumption.ID.String()
	return nil
}

func (tx memoryTx) GetConsumption(_ context.Context, consumptionID ConsumptionID) (Consumption, error) {
	consumption, ok := tx.store.state.consumptions[consumptionID.String()]
	if !ok {
		return Consumption{}, ErrConsumptionNotFound
	}
	return consumption, nil
}

func (tx memoryTx) MarkConsumptionRefunded(_ context.Context, consumption Consumption) error {
	if err := tx.fail(failMarkRefunded); err != nil {
		return err
	}
	current, ok := tx.store.state.consumptions[consumption.ID.String()]
	if !ok {
		return ErrConsumptionNotFound
	}
	if current.IsRefunded {
		return ErrAlreadyRefunded
	}
	tx.store.state.consumptions[consumption.ID.String()] = consumption
	return nil
}

func (tx memoryTx) ListConsumptions(_ context.Context, filter ConsumptionFilter) ([]Consumption, error) {
	var consumptions []Consumption
	for _, consumption := range tx.store.state.consumptions {
		if !filter.StudentID.IsZero() && consumption.StudentID != filter.StudentID {
			continue
		}
		if !filter.Since.IsZero() && consumption.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && !consumption.CreatedAt.Before(filter.Until) {
			continue
		}
		consumptions = append(consumptions, consumption)
	}
	sort.Slice(consumptions, func(left, right int) bool {
		return consumptions[left].SessionRef.String() < consumptions[right].SessionRef.String()
	})
	if filter.Limit > 0 && len(consumptions) > filter.Limit {
		consumptions = consumptions[:filter.Limit]
	}
	return consumptions, nil
}

func (tx memoryTx) GetPlan(_ context.Context, planID PlanID) (Plan, error) {
	plan, ok := tx.store.state.plans[planID.String()]
	if !ok {
		return Plan{}, ErrInvalidPlan
	}
	return plan, nil
}

func (tx memoryTx) SavePlan(_ context.Context, plan Plan) error {
	tx.store.state.plans[plan.ID.String()] = plan
	return nil
}

type stubGateway struct {
	mu       sync.Mutex
	requests []IntentRequest
	err      error
	counter  int
}

func (gateway *stubGateway) CreateIntent(_ context.Context, request IntentRequest) (GatewayIntent, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if gateway.err != nil {
		return GatewayIntent{}, gateway.err
	}
	gateway.counter++
	gateway.requests = append(gateway.requests, request)
	intentID, err := NewIntentID("pi_" + request.TransactionID.String())
	if err != nil {
		return GatewayIntent{}, err
	}
	return GatewayIntent{IntentID: intentID, ClientSecret: "secret_" + request.TransactionID.String()}, nil
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) operations(name string) []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	var matched []OperationLog
	for _, entry := range logger.entries {
		if entry.Operation == name {
			matched = append(matched, entry)
		}
	}
	return matched
}

type testComponents struct {
	store        *memoryStore
	ledger       *Ledger
	transactions *Transactions
	webhooks     *WebhookEngine
	tracker      *ConsumptionTracker
	gateway      *stubGateway
	logger       *recorderLogger
}

const testWebhookSecret = "whsec_test"

func newTestComponents(test *testing.T, configured ...Option) testComponents {
	test.Helper()
	store := newMemoryStore()
	logger := &recorderLogger{}
	configured = append([]Option{WithOperationLogger(logger)}, configured...)
	ledger, err := NewLedger(store, func() int64 { return testNowUnix }, configured...)
	if err != nil {
		test.Fatalf("ledger init failed: %v", err)
	}
	gateway := &stubGateway{}
	transactions, err := NewTransactions(ledger, gateway)
	if err != nil {
		test.Fatalf("transactions init failed: %v", err)
	}
	verifier, err := NewHMACVerifier(testWebhookSecret, 0, func() int64 { return testNowUnix })
	if err != nil {
		test.Fatalf("verifier init failed: %v", err)
	}
	webhooks, err := NewWebhookEngine(transactions, verifier)
	if err != nil {
		test.Fatalf("webhook engine init failed: %v", err)
	}
	tracker, err := NewConsumptionTracker(ledger)
	if err != nil {
		test.Fatalf("tracker init failed: %v", err)
	}
	return testComponents{
		store:        store,
		ledger:       ledger,
		transactions: transactions,
		webhooks:     webhooks,
		tracker:      tracker,
		gateway:      gateway,
		logger:       logger,
	}
}

func mustStudentID(test *testing.T, raw string) StudentID {
	test.Helper()
	studentID, err := NewStudentID(raw)
	if err != nil {
		test.Fatalf("student id: %v", err)
	}
	return studentID
}

func mustIntentID(test *testing.T, raw string) IntentID {
	test.Helper()
	intentID, err := NewIntentID(raw)
	if err != nil {
		test.Fatalf("intent id: %v", err)
	}
	return intentID
}

func mustSessionRef(test *testing.T, raw string) SessionRef {
	test.Helper()
	sessionRef, err := NewSessionRef(raw)
	if err != nil {
		test.Fatalf("session ref: %v", err)
	}
	return sessionRef
}

func mustPlanID(test *testing.T, raw string) PlanID {
	test.Helper()
	planID, err := NewPlanID(raw)
	if err != nil {
		test.Fatalf("plan id: %v", err)
	}
	return planID
}

func mustQuantity(test *testing.T, raw string) Quantity {
	test.Helper()
	quantity, err := ParseQuantity(raw)
	if err != nil {
		test.Fatalf("quantity %q: %v", raw, err)
	}
	return quantity
}

func assertQuantity(test *testing.T, label string, got Quantity, want string) {
	test.Helper()
	if got.String() != want {
		test.Fatalf("expected %s %s, got %s", label, want, got.String())
	}
}

// mustPackageTransaction records a processing package purchase.
func mustPackageTransaction(test *testing.T, components testComponents, studentID StudentID, intent string, amount string, hours string) Transaction {
	test.Helper()
	transaction, err := components.transactions.Create(context.Background(), TransactionInput{
		StudentID:       studentID,
		Type:            TransactionTypePackage,
		Amount:          mustQuantity(test, amount),
		Status:          TransactionStatusProcessing,
		GatewayIntentID: mustIntentID(test, intent),
		Metadata:        TransactionMetadata{HoursIncluded: mustQuantity(test, hours)},
	})
	if err != nil {
		test.Fatalf("create transaction: %v", err)
	}
	return transaction
}
