package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbalance/pkg/ledger"
	"github.com/google/uuid"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionIntent  = "uniq_transactions_intent"
	constraintConsumptionSession = "uniq_consumptions_session"
	pgUniqueViolationCode        = "23505"
	sqliteConstraintCode         = 19
	errorOperationStore          = "store"
	errorSubjectBalance          = "balance"
	errorSubjectTransaction      = "transaction"
	errorSubjectWebhookEvent     = "webhook_event"
	errorSubjectConsumption      = "consumption"
	errorSubjectPlan             = "plan"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
	errorCodeSave                = "save"
	errorCodeUpdate              = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateBalance(ctx context.Context, studentID ledger.StudentID) (ledger.BalanceEntry, error) {
	seed := StudentBalance{StudentID: studentID.String(), UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "student_id"}}, DoNothing: true}).
		Create(&seed).Error
	if err != nil {
		return ledger.BalanceEntry{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	var row StudentBalance
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("student_id = ?", studentID.String()).
		Take(&row).Error
	if err != nil {
		return ledger.BalanceEntry{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return mapBalance(row)
}

func (store *Store) SaveBalance(ctx context.Context, entry ledger.BalanceEntry) error {
	row := StudentBalance{
		StudentID:           entry.StudentID.String(),
		HoursPurchasedCents: entry.HoursPurchased.Cents(),
		HoursConsumedCents:  entry.HoursConsumed.Cents(),
		BalanceAmountCents:  entry.BalanceAmount.Cents(),
		UpdatedAt:           entry.UpdatedAt.UTC(),
	}
	if err := store.db.WithContext(ctx).Save(&row).Error; err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, err)
	}
	return nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction ledger.Transaction) error {
	row, err := transactionRow(transaction)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintTransactionIntent) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIntent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

// GetTransaction reports ErrTransactionNotFound for ids that are not UUIDs;
// PostgreSQL would otherwise reject the comparison against the uuid column.
func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	if !isUUID(transactionID.String()) {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
	}
	return store.takeTransaction(ctx, "transaction_id = ?", transactionID.String())
}

func (store *Store) GetTransactionByIntent(ctx context.Context, intentID ledger.IntentID) (ledger.Transaction, error) {
	return store.takeTransaction(ctx, "gateway_intent_id = ?", intentID.String())
}

func (store *Store) takeTransaction(ctx context.Context, condition string, value string) (ledger.Transaction, error) {
	var row Transaction
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(condition, value).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
		}
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) UpdateTransaction(ctx context.Context, transaction ledger.Transaction, expected ledger.TransactionStatus) error {
	row, err := transactionRow(transaction)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ? AND status = ?", row.TransactionID, expected.String()).
		Updates(map[string]interface{}{
			"student_id":   row.StudentID,
			"status":       row.Status,
			"expires_at":   row.ExpiresAt,
			"completed_at": row.CompletedAt,
			"credited_at":  row.CreditedAt,
			"metadata":     row.Metadata,
			"updated_at":   row.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		current, err := store.GetTransaction(ctx, transaction.ID)
		if err != nil {
			return err
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, &ledger.TransitionError{
			TransactionID: transaction.ID,
			From:          current.Status,
			To:            transaction.Status,
		})
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter) ([]ledger.Transaction, error) {
	query := store.db.WithContext(ctx).Model(&Transaction{})
	if !filter.StudentID.IsZero() {
		query = query.Where("student_id = ?", filter.StudentID.String())
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status.String())
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query = query.Where("created_at < ?", filter.Until.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []Transaction
	if err := query.Order("created_at DESC").Order("transaction_id").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) InsertWebhookEventIfAbsent(ctx context.Context, event ledger.WebhookEvent) (bool, ledger.WebhookEvent, error) {
	row := webhookEventRow(event)
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "gateway_event_id"}}, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, ledger.WebhookEvent{}, wrapStoreError(errorSubjectWebhookEvent, errorCodeInsert, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, event, nil
	}
	stored, err := store.GetWebhookEvent(ctx, event.GatewayEventID)
	if err != nil {
		return false, ledger.WebhookEvent{}, err
	}
	return false, stored, nil
}

func (store *Store) GetWebhookEvent(ctx context.Context, eventID ledger.GatewayEventID) (ledger.WebhookEvent, error) {
	var row WebhookEvent
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("gateway_event_id = ?", eventID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.WebhookEvent{}, wrapStoreError(errorSubjectWebhookEvent, errorCodeGet, ledger.ErrWebhookEventNotFound)
		}
		return ledger.WebhookEvent{}, wrapStoreError(errorSubjectWebhookEvent, errorCodeGet, err)
	}
	event, err := mapWebhookEvent(row)
	if err != nil {
		return ledger.WebhookEvent{}, wrapStoreError(errorSubjectWebhookEvent, errorCodeInvalid, err)
	}
	return event, nil
}

func (store *Store) UpdateWebhookEvent(ctx context.Context, event ledger.WebhookEvent, expected ledger.WebhookStatus) error {
	result := store.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("gateway_event_id = ? AND status = ?", event.GatewayEventID.String(), expected.String()).
		Updates(map[string]interface{}{
			"status":       event.Status.String(),
			"attempts":     event.Attempts,
			"last_error":   event.LastError,
			"processed_at": utcPointer(event.ProcessedAt),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectWebhookEvent, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetWebhookEvent(ctx, event.GatewayEventID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectWebhookEvent, errorCodeUpdate, ledger.ErrInvalidWebhookStatus)
	}
	return nil
}

func (store *Store) ListWebhookEvents(ctx context.Context, filter ledger.WebhookEventFilter) ([]ledger.WebhookEvent, error) {
	query := store.db.WithContext(ctx).Model(&WebhookEvent{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status.String())
	}
	if !filter.Since.IsZero() {
		query = query.Where("received_at >= ?", filter.Since.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []WebhookEvent
	if err := query.Order("received_at").Order("gateway_event_id").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectWebhookEvent, errorCodeList, err)
	}
	events := make([]ledger.WebhookEvent, 0, len(rows))
	for _, row := range rows {
		event, err := mapWebhookEvent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWebhookEvent, errorCodeInvalid, err)
		}
		events = append(events, event)
	}
	return events, nil
}

func (store *Store) CreateConsumption(ctx context.Context, consumption ledger.Consumption) error {
	row := consumptionRow(consumption)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintConsumptionSession) {
		return wrapStoreError(errorSubjectConsumption, errorCodeDuplicate, ledger.ErrDuplicateConsumption)
	}
	if err != nil {
		return wrapStoreError(errorSubjectConsumption, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetConsumption(ctx context.Context, consumptionID ledger.ConsumptionID) (ledger.Consumption, error) {
	if !isUUID(consumptionID.String()) {
		return ledger.Consumption{}, wrapStoreError(errorSubjectConsumption, errorCodeGet, ledger.ErrConsumptionNotFound)
	}
	var row HourConsumption
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("consumption_id = ?", consumptionID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Consumption{}, wrapStoreError(errorSubjectConsumption, errorCodeGet, ledger.ErrConsumptionNotFound)
		}
		return ledger.Consumption{}, wrapStoreError(errorSubjectConsumption, errorCodeGet, err)
	}
	consumption, err := mapConsumption(row)
	if err != nil {
		return ledger.Consumption{}, wrapStoreError(errorSubjectConsumption, errorCodeInvalid, err)
	}
	return consumption, nil
}

func (store *Store) MarkConsumptionRefunded(ctx context.Context, consumption ledger.Consumption) error {
	result := store.db.WithContext(ctx).
		Model(&HourConsumption{}).
		Where("consumption_id = ? AND is_refunded = ?", consumption.ID.String(), false).
		Updates(map[string]interface{}{
			"is_refunded":          true,
			"hours_refunded_cents": consumption.HoursRefunded.Cents(),
			"refund_reason":        consumption.RefundReason,
			"refunded_at":          utcPointer(consumption.RefundedAt),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectConsumption, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetConsumption(ctx, consumption.ID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectConsumption, errorCodeUpdate, ledger.ErrAlreadyRefunded)
	}
	return nil
}

func (store *Store) ListConsumptions(ctx context.Context, filter ledger.ConsumptionFilter) ([]ledger.Consumption, error) {
	query := store.db.WithContext(ctx).Model(&HourConsumption{})
	if !filter.StudentID.IsZero() {
		query = query.Where("student_id = ?", filter.StudentID.String())
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query = query.Where("created_at < ?", filter.Until.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []HourConsumption
	if err := query.Order("created_at DESC").Order("consumption_id").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectConsumption, errorCodeList, err)
	}
	consumptions := make([]ledger.Consumption, 0, len(rows))
	for _, row := range rows {
		consumption, err := mapConsumption(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectConsumption, errorCodeInvalid, err)
		}
		consumptions = append(consumptions, consumption)
	}
	return consumptions, nil
}

func (store *Store) GetPlan(ctx context.Context, planID ledger.PlanID) (ledger.Plan, error) {
	var row Plan
	err := store.db.WithContext(ctx).Where("plan_id = ?", planID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, ledger.ErrInvalidPlan)
		}
		return ledger.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, err)
	}
	plan, err := mapPlan(row)
	if err != nil {
		return ledger.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeInvalid, err)
	}
	return plan, nil
}

func (store *Store) SavePlan(ctx context.Context, plan ledger.Plan) error {
	row := Plan{
		PlanID:             plan.ID.String(),
		Name:               plan.Name,
		Type:               plan.Type.String(),
		AmountCents:        plan.Amount.Cents(),
		HoursIncludedCents: plan.HoursIncluded.Cents(),
		PeriodDays:         plan.PeriodDays,
		Active:             plan.Active,
	}
	if err := store.db.WithContext(ctx).Save(&row).Error; err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeSave, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func transactionRow(transaction ledger.Transaction) (Transaction, error) {
	metadata, err := ledger.MarshalMetadata(transaction.Metadata)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{
		TransactionID:   transaction.ID.String(),
		StudentID:       optionalString(transaction.StudentID.String()),
		Type:            transaction.Type.String(),
		AmountCents:     transaction.Amount.Cents(),
		Status:          transaction.Status.String(),
		GatewayIntentID: transaction.GatewayIntentID.String(),
		ExpiresAt:       utcPointer(transaction.ExpiresAt),
		CompletedAt:     utcPointer(transaction.CompletedAt),
		CreditedAt:      utcPointer(transaction.CreditedAt),
		Metadata:        datatypes.JSON(metadata),
		CreatedAt:       transaction.CreatedAt.UTC(),
		UpdatedAt:       transaction.UpdatedAt.UTC(),
	}, nil
}

func webhookEventRow(event ledger.WebhookEvent) WebhookEvent {
	return WebhookEvent{
		GatewayEventID: event.GatewayEventID.String(),
		EventType:      event.EventType,
		Status:         event.Status.String(),
		Payload:        event.Payload,
		Attempts:       event.Attempts,
		LastError:      event.LastError,
		ReceivedAt:     event.ReceivedAt.UTC(),
		ProcessedAt:    utcPointer(event.ProcessedAt),
	}
}

func consumptionRow(consumption ledger.Consumption) HourConsumption {
	return HourConsumption{
		ConsumptionID:      consumption.ID.String(),
		StudentID:          consumption.StudentID.String(),
		SessionRef:         consumption.SessionRef.String(),
		TransactionID:      optionalString(consumption.TransactionID.String()),
		HoursReservedCents: consumption.HoursOriginallyReserved.Cents(),
		HoursConsumedCents: consumption.HoursConsumed.Cents(),
		HoursRefundedCents: consumption.HoursRefunded.Cents(),
		IsRefunded:         consumption.IsRefunded,
		RefundReason:       consumption.RefundReason,
		RefundedAt:         utcPointer(consumption.RefundedAt),
		CreatedAt:          consumption.CreatedAt.UTC(),
	}
}

func mapBalance(row StudentBalance) (ledger.BalanceEntry, error) {
	studentID, err := ledger.NewStudentID(row.StudentID)
	if err != nil {
		return ledger.BalanceEntry{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.BalanceEntry{
		StudentID:      studentID,
		HoursPurchased: ledger.QuantityFromCents(row.HoursPurchasedCents),
		HoursConsumed:  ledger.QuantityFromCents(row.HoursConsumedCents),
		BalanceAmount:  ledger.QuantityFromCents(row.BalanceAmountCents),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}, nil
}

func mapTransaction(row Transaction) (ledger.Transaction, error) {
	transactionID, err := ledger.NewTransactionID(row.TransactionID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	var studentID ledger.StudentID
	if row.StudentID != nil {
		studentID, err = ledger.NewStudentID(*row.StudentID)
		if err != nil {
			return ledger.Transaction{}, err
		}
	}
	transactionType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Transaction{}, err
	}
	status, err := ledger.ParseTransactionStatus(row.Status)
	if err != nil {
		return ledger.Transaction{}, err
	}
	intentID, err := ledger.NewIntentID(row.GatewayIntentID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	metadata, err := ledger.UnmarshalMetadata(row.Metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return ledger.Transaction{
		ID:              transactionID,
		StudentID:       studentID,
		Type:            transactionType,
		Amount:          ledger.QuantityFromCents(row.AmountCents),
		Status:          status,
		GatewayIntentID: intentID,
		ExpiresAt:       utcPointer(row.ExpiresAt),
		CompletedAt:     utcPointer(row.CompletedAt),
		CreditedAt:      utcPointer(row.CreditedAt),
		Metadata:        metadata,
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}, nil
}

func mapWebhookEvent(row WebhookEvent) (ledger.WebhookEvent, error) {
	eventID, err := ledger.NewGatewayEventID(row.GatewayEventID)
	if err != nil {
		return ledger.WebhookEvent{}, err
	}
	status, err := ledger.ParseWebhookStatus(row.Status)
	if err != nil {
		return ledger.WebhookEvent{}, err
	}
	return ledger.WebhookEvent{
		GatewayEventID: eventID,
		EventType:      row.EventType,
		Status:         status,
		Payload:        row.Payload,
		Attempts:       row.Attempts,
		LastError:      row.LastError,
		ReceivedAt:     row.ReceivedAt.UTC(),
		ProcessedAt:    utcPointer(row.ProcessedAt),
	}, nil
}

func mapConsumption(row HourConsumption) (ledger.Consumption, error) {
	consumptionID, err := ledger.NewConsumptionID(row.ConsumptionID)
	if err != nil {
		return ledger.Consumption{}, err
	}
	studentID, err := ledger.NewStudentID(row.StudentID)
	if err != nil {
		return ledger.Consumption{}, err
	}
	sessionRef, err := ledger.NewSessionRef(row.SessionRef)
	if err != nil {
		return ledger.Consumption{}, err
	}
	var transactionID ledger.TransactionID
	if row.TransactionID != nil {
		transactionID, err = ledger.NewTransactionID(*row.TransactionID)
		if err != nil {
			return ledger.Consumption{}, err
		}
	}
	return ledger.Consumption{
		ID:                      consumptionID,
		StudentID:               studentID,
		SessionRef:              sessionRef,
		TransactionID:           transactionID,
		HoursOriginallyReserved: ledger.QuantityFromCents(row.HoursReservedCents),
		HoursConsumed:           ledger.QuantityFromCents(row.HoursConsumedCents),
		HoursRefunded:           ledger.QuantityFromCents(row.HoursRefundedCents),
		IsRefunded:              row.IsRefunded,
		RefundReason:            row.RefundReason,
		RefundedAt:              utcPointer(row.RefundedAt),
		CreatedAt:               row.CreatedAt.UTC(),
	}, nil
}

func mapPlan(row Plan) (ledger.Plan, error) {
	planID, err := ledger.NewPlanID(row.PlanID)
	if err != nil {
		return ledger.Plan{}, err
	}
	planType, err := ledger.ParseTransactionType(row.Type)
	if err != nil {
		return ledger.Plan{}, err
	}
	return ledger.Plan{
		ID:            planID,
		Name:          row.Name,
		Type:          planType,
		Amount:        ledger.QuantityFromCents(row.AmountCents),
		HoursIncluded: ledger.QuantityFromCents(row.HoursIncludedCents),
		PeriodDays:    row.PeriodDays,
		Active:        row.Active,
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
