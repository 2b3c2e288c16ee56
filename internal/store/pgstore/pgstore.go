package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbalance/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	constraintTransactionIntent  = "uniq_transactions_intent"
	constraintConsumptionSession = "uniq_consumptions_session"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectBalance          = "balance"
	errorSubjectConsumption      = "consumption"
	errorSubjectPlan             = "plan"
	errorSubjectSchema           = "schema"
	errorSubjectTransaction      = "transaction"
	errorSubjectWebhookEvent     = "webhook_event"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInsert              = "insert"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeLookup              = "lookup"
	errorCodeMigrate             = "migrate"
	errorCodeSave                = "save"
	errorCodeUpdate              = "update"

	sqlInsertBalanceIfAbsent = `
		insert into student_balances(student_id, updated_at) values($1, now())
		on conflict (student_id) do nothing
	`

	sqlSelectBalance = `
		select student_id, hours_purchased_cents, hours_consumed_cents, balance_amount_cents, updated_at
		from student_balances
		where student_id = $1
		for update
	`

	sqlUpsertBalance = `
		insert into student_balances(student_id, hours_purchased_cents, hours_consumed_cents, balance_amount_cents, updated_at)
		values($1, $2, $3, $4, $5)
		on conflict (student_id) do update set
			hours_purchased_cents = excluded.hours_purchased_cents,
			hours_consumed_cents = excluded.hours_consumed_cents,
			balance_amount_cents = excluded.balance_amount_cents,
			updated_at = excluded.updated_at
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, student_id, type, amount_cents, status, gateway_intent_id,
			expires_at, completed_at, credited_at, metadata, created_at, updated_at
		)
		values($1, nullif($2,''), $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12)
	`

	sqlTransactionColumns = `
		select transaction_id::text, coalesce(student_id,''), type, amount_cents, status, gateway_intent_id,
			expires_at, completed_at, credited_at, metadata::text, created_at, updated_at
		from transactions
	`

	sqlUpdateTransaction = `
		update transactions
		set student_id = nullif($3,''), status = $4, expires_at = $5, completed_at = $6,
			credited_at = $7, metadata = $8::jsonb, updated_at = $9
		where transaction_id = $1 and status = $2
	`

	sqlInsertWebhookEventIfAbsent = `
		insert into webhook_events(gateway_event_id, event_type, status, payload, attempts, last_error, received_at, processed_at)
		values($1, $2, $3, $4, $5, $6, $7, $8)
		on conflict (gateway_event_id) do nothing
	`

	sqlSelectWebhookEvent = `
		select gateway_event_id, event_type, status, payload, attempts, last_error, received_at, processed_at
		from webhook_events
	`

	sqlUpdateWebhookEvent = `
		update webhook_events
		set status = $3, attempts = $4, last_error = $5, processed_at = $6
		where gateway_event_id = $1 and status = $2
	`

	sqlInsertConsumption = `
		insert into hour_consumptions(
			consumption_id, student_id, session_ref, transaction_id, hours_reserved_cents,
			hours_consumed_cents, hours_refunded_cents, is_refunded, refund_reason, refunded_at, created_at
		)
		values($1, $2, $3, nullif($4,''), $5, $6, $7, $8, $9, $10, $11)
	`

	sqlSelectConsumption = `
		select consumption_id::text, student_id, session_ref, coalesce(transaction_id,''), hours_reserved_cents,
			hours_consumed_cents, hours_refunded_cents, is_refunded, refund_reason, refunded_at, created_at
		from hour_consumptions
	`

	sqlMarkConsumptionRefunded = `
		update hour_consumptions
		set is_refunded = true, hours_refunded_cents = $2, refund_reason = $3, refunded_at = $4
		where consumption_id = $1 and is_refunded = false
	`

	sqlSelectPlan = `
		select plan_id, name, type, amount_cents, hours_included_cents, period_days, active
		from plans
		where plan_id = $1
	`

	sqlUpsertPlan = `
		insert into plans(plan_id, name, type, amount_cents, hours_included_cents, period_days, active)
		values($1, $2, $3, $4, $5, $6, $7)
		on conflict (plan_id) do update set
			name = excluded.name,
			type = excluded.type,
			amount_cents = excluded.amount_cents,
			hours_included_cents = excluded.hours_included_cents,
			period_days = excluded.period_days,
			active = excluded.active
	`
)

// queryer is the subset shared by *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool. Outside WithTx
// every statement autocommits.
type Store struct {
	pool *pgxpool.Pool
	db   queryer
	inTx bool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{pool: store.pool, db: tx, inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateBalance(ctx context.Context, studentID ledger.StudentID) (ledger.BalanceEntry, error) {
	if _, err := store.db.Exec(ctx, sqlInsertBalanceIfAbsent, studentID.String()); err != nil {
		return ledger.BalanceEntry{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	var (
		studentValue   string
		purchasedCents int64
		consumedCents  int64
		amountCents    int64
		updatedAt      time.Time
	)
	err := store.db.QueryRow(ctx, sqlSelectBalance, studentID.String()).Scan(&studentValue, &purchasedCents, &consumedCents, &amountCents, &updatedAt)
	if err != nil {
		return ledger.BalanceEntry{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	parsedStudentID, err := ledger.NewStudentID(studentValue)
	if err != nil {
		return ledger.BalanceEntry{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return ledger.BalanceEntry{
		StudentID:      parsedStudentID,
		HoursPurchased: ledger.QuantityFromCents(purchasedCents),
		HoursConsumed:  ledger.QuantityFromCents(consumedCents),
		BalanceAmount:  ledger.QuantityFromCents(amountCents),
		UpdatedAt:      updatedAt.UTC(),
	}, nil
}

func (store *Store) SaveBalance(ctx context.Context, entry ledger.BalanceEntry) error {
	_, err := store.db.Exec(ctx, sqlUpsertBalance,
		entry.StudentID.String(),
		entry.HoursPurchased.Cents(),
		entry.HoursConsumed.Cents(),
		entry.BalanceAmount.Cents(),
		entry.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, err)
	}
	return nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction ledger.Transaction) error {
	metadata, err := ledger.MarshalMetadata(transaction.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	_, err = store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID.String(),
		transaction.StudentID.String(),
		transaction.Type.String(),
		transaction.Amount.Cents(),
		transaction.Status.String(),
		transaction.GatewayIntentID.String(),
		transaction.ExpiresAt,
		transaction.CompletedAt,
		transaction.CreditedAt,
		string(metadata),
		transaction.CreatedAt.UTC(),
		transaction.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err, constraintTransactionIntent) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, ledger.ErrDuplicateIntent)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID ledger.TransactionID) (ledger.Transaction, error) {
	return store.selectTransaction(ctx, "transaction_id::text = $1", transactionID.String())
}

func (store *Store) GetTransactionByIntent(ctx context.Context, intentID ledger.IntentID) (ledger.Transaction, error) {
	return store.selectTransaction(ctx, "gateway_intent_id = $1", intentID.String())
}

func (store *Store) selectTransaction(ctx context.Context, condition string, value string) (ledger.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlTransactionColumns+" where "+condition+" for update", value)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transactions, err := scanTransactions(rows)
	if err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	if len(transactions) == 0 {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeGet, ledger.ErrTransactionNotFound)
	}
	return transactions[0], nil
}

func (store *Store) UpdateTransaction(ctx context.Context, transaction ledger.Transaction, expected ledger.TransactionStatus) error {
	metadata, err := ledger.MarshalMetadata(transaction.Metadata)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	tag, err := store.db.Exec(ctx, sqlUpdateTransaction,
		transaction.ID.String(),
		expected.String(),
		transaction.StudentID.String(),
		transaction.Status.String(),
		transaction.ExpiresAt,
		transaction.CompletedAt,
		transaction.CreditedAt,
		string(metadata),
		transaction.UpdatedAt.UTC(),
	)
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
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
	var builder filterBuilder
	if !filter.StudentID.IsZero() {
		builder.add("student_id = ?", filter.StudentID.String())
	}
	if filter.Status != "" {
		builder.add("status = ?", filter.Status.String())
	}
	if !filter.Since.IsZero() {
		builder.add("created_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		builder.add("created_at < ?", filter.Until.UTC())
	}
	query := sqlTransactionColumns + builder.where() + " order by created_at desc, transaction_id" + builder.limit(filter.Limit)
	rows, err := store.db.Query(ctx, query, builder.args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store *Store) InsertWebhookEventIfAbsent(ctx context.Context, event ledger.WebhookEvent) (bool, ledger.WebhookEvent, error) {
	tag, err := store.db.Exec(ctx, sqlInsertWebhookEventIfAbsent,
		event.GatewayEventID.String(),
		event.EventType,
		event.Status.String(),
		event.Payload,
		event.Attempts,
		event.LastError,
		event.ReceivedAt.UTC(),
		event.ProcessedAt,
	)
	if err != nil {
		return false, ledger.WebhookEvent{}, wrapStoreError(errorSubjectWebhookEvent, errorCodeInsert, err)
	}
	if tag.RowsAffected() > 0 {
		return true, event, nil
	}
	stored, err := store.GetWebhookEvent(ctx, event.GatewayEventID)
	if err != nil {
		return false, ledger.WebhookEvent{}, err
	}
	return false, stored, nil
}

func (store *Store) GetWebhookEvent(ctx context.Context, eventID ledger.GatewayEventID) (ledger.WebhookEvent, error) {
	rows, err := store.db.Query(ctx, sqlSelectWebhookEvent+" where gateway_event_id = $1 for update", eventID.String())
	if err != nil {
		return ledger.WebhookEvent{}, wrapStoreError(errorSubjectWebhookEvent, errorCodeGet, err)
	}
	events, err := scanWebhookEvents(rows)
	if err != nil {
		return ledger.WebhookEvent{}, wrapStoreError(errorSubjectWebhookEvent, errorCodeInvalid, err)
	}
	if len(events) == 0 {
		return ledger.WebhookEvent{}, wrapStoreError(errorSubjectWebhookEvent, errorCodeGet, ledger.ErrWebhookEventNotFound)
	}
	return events[0], nil
}

func (store *Store) UpdateWebhookEvent(ctx context.Context, event ledger.WebhookEvent, expected ledger.WebhookStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateWebhookEvent,
		event.GatewayEventID.String(),
		expected.String(),
		event.Status.String(),
		event.Attempts,
		event.LastError,
		event.ProcessedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectWebhookEvent, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetWebhookEvent(ctx, event.GatewayEventID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectWebhookEvent, errorCodeUpdate, ledger.ErrInvalidWebhookStatus)
	}
	return nil
}

func (store *Store) ListWebhookEvents(ctx context.Context, filter ledger.WebhookEventFilter) ([]ledger.WebhookEvent, error) {
	var builder filterBuilder
	if filter.Status != "" {
		builder.add("status = ?", filter.Status.String())
	}
	if !filter.Since.IsZero() {
		builder.add("received_at >= ?", filter.Since.UTC())
	}
	query := sqlSelectWebhookEvent + builder.where() + " order by received_at, gateway_event_id" + builder.limit(filter.Limit)
	rows, err := store.db.Query(ctx, query, builder.args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWebhookEvent, errorCodeList, err)
	}
	events, err := scanWebhookEvents(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectWebhookEvent, errorCodeInvalid, err)
	}
	return events, nil
}

func (store *Store) CreateConsumption(ctx context.Context, consumption ledger.Consumption) error {
	_, err := store.db.Exec(ctx, sqlInsertConsumption,
		consumption.ID.String(),
		consumption.StudentID.String(),
		consumption.SessionRef.String(),
		consumption.TransactionID.String(),
		consumption.HoursOriginallyReserved.Cents(),
		consumption.HoursConsumed.Cents(),
		consumption.HoursRefunded.Cents(),
		consumption.IsRefunded,
		consumption.RefundReason,
		consumption.RefundedAt,
		consumption.CreatedAt.UTC(),
	)
	if isUniqueViolation(err, constraintConsumptionSession) {
		return wrapStoreError(errorSubjectConsumption, errorCodeDuplicate, ledger.ErrDuplicateConsumption)
	}
	if err != nil {
		return wrapStoreError(errorSubjectConsumption, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetConsumption(ctx context.Context, consumptionID ledger.ConsumptionID) (ledger.Consumption, error) {
	rows, err := store.db.Query(ctx, sqlSelectConsumption+" where consumption_id::text = $1 for update", consumptionID.String())
	if err != nil {
		return ledger.Consumption{}, wrapStoreError(errorSubjectConsumption, errorCodeGet, err)
	}
	consumptions, err := scanConsumptions(rows)
	if err != nil {
		return ledger.Consumption{}, wrapStoreError(errorSubjectConsumption, errorCodeInvalid, err)
	}
	if len(consumptions) == 0 {
		return ledger.Consumption{}, wrapStoreError(errorSubjectConsumption, errorCodeGet, ledger.ErrConsumptionNotFound)
	}
	return consumptions[0], nil
}

func (store *Store) MarkConsumptionRefunded(ctx context.Context, consumption ledger.Consumption) error {
	tag, err := store.db.Exec(ctx, sqlMarkConsumptionRefunded,
		consumption.ID.String(),
		consumption.HoursRefunded.Cents(),
		consumption.RefundReason,
		consumption.RefundedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectConsumption, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetConsumption(ctx, consumption.ID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectConsumption, errorCodeUpdate, ledger.ErrAlreadyRefunded)
	}
	return nil
}

func (store *Store) ListConsumptions(ctx context.Context, filter ledger.ConsumptionFilter) ([]ledger.Consumption, error) {
	var builder filterBuilder
	if !filter.StudentID.IsZero() {
		builder.add("student_id = ?", filter.StudentID.String())
	}
	if !filter.Since.IsZero() {
		builder.add("created_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		builder.add("created_at < ?", filter.Until.UTC())
	}
	query := sqlSelectConsumption + builder.where() + " order by created_at desc, consumption_id" + builder.limit(filter.Limit)
	rows, err := store.db.Query(ctx, query, builder.args...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectConsumption, errorCodeList, err)
	}
	consumptions, err := scanConsumptions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectConsumption, errorCodeInvalid, err)
	}
	return consumptions, nil
}

func (store *Store) GetPlan(ctx context.Context, planID ledger.PlanID) (ledger.Plan, error) {
	var (
		planValue     string
		name          string
		typeValue     string
		amountCents   int64
		includedCents int64
		periodDays    int
		active        bool
	)
	err := store.db.QueryRow(ctx, sqlSelectPlan, planID.String()).Scan(&planValue, &name, &typeValue, &amountCents, &includedCents, &periodDays, &active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, ledger.ErrInvalidPlan)
		}
		return ledger.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, err)
	}
	parsedPlanID, err := ledger.NewPlanID(planValue)
	if err != nil {
		return ledger.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeInvalid, err)
	}
	planType, err := ledger.ParseTransactionType(typeValue)
	if err != nil {
		return ledger.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeInvalid, err)
	}
	return ledger.Plan{
		ID:            parsedPlanID,
		Name:          name,
		Type:          planType,
		Amount:        ledger.QuantityFromCents(amountCents),
		HoursIncluded: ledger.QuantityFromCents(includedCents),
		PeriodDays:    periodDays,
		Active:        active,
	}, nil
}

func (store *Store) SavePlan(ctx context.Context, plan ledger.Plan) error {
	_, err := store.db.Exec(ctx, sqlUpsertPlan,
		plan.ID.String(),
		plan.Name,
		plan.Type.String(),
		plan.Amount.Cents(),
		plan.HoursIncluded.Cents(),
		plan.PeriodDays,
		plan.Active,
	)
	if err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeSave, err)
	}
	return nil
}

func scanTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	defer rows.Close()
	transactions := make([]ledger.Transaction, 0, 8)
	for rows.Next() {
		var (
			idValue       string
			studentValue  string
			typeValue     string
			amountCents   int64
			statusValue   string
			intentValue   string
			expiresAt     *time.Time
			completedAt   *time.Time
			creditedAt    *time.Time
			metadataValue string
			createdAt     time.Time
			updatedAt     time.Time
		)
		if err := rows.Scan(
			&idValue,
			&studentValue,
			&typeValue,
			&amountCents,
			&statusValue,
			&intentValue,
			&expiresAt,
			&completedAt,
			&creditedAt,
			&metadataValue,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, err
		}
		transactionID, err := ledger.NewTransactionID(idValue)
		if err != nil {
			return nil, err
		}
		var studentID ledger.StudentID
		if studentValue != "" {
			if studentID, err = ledger.NewStudentID(studentValue); err != nil {
				return nil, err
			}
		}
		transactionType, err := ledger.ParseTransactionType(typeValue)
		if err != nil {
			return nil, err
		}
		status, err := ledger.ParseTransactionStatus(statusValue)
		if err != nil {
			return nil, err
		}
		intentID, err := ledger.NewIntentID(intentValue)
		if err != nil {
			return nil, err
		}
		metadata, err := ledger.UnmarshalMetadata([]byte(metadataValue))
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, ledger.Transaction{
			ID:              transactionID,
			StudentID:       studentID,
			Type:            transactionType,
			Amount:          ledger.QuantityFromCents(amountCents),
			Status:          status,
			GatewayIntentID: intentID,
			ExpiresAt:       utcPointer(expiresAt),
			CompletedAt:     utcPointer(completedAt),
			CreditedAt:      utcPointer(creditedAt),
			Metadata:        metadata,
			CreatedAt:       createdAt.UTC(),
			UpdatedAt:       updatedAt.UTC(),
		})
	}
	return transactions, rows.Err()
}

func scanWebhookEvents(rows pgx.Rows) ([]ledger.WebhookEvent, error) {
	defer rows.Close()
	events := make([]ledger.WebhookEvent, 0, 8)
	for rows.Next() {
		var (
			eventValue  string
			eventType   string
			statusValue string
			payload     []byte
			attempts    int
			lastError   string
			receivedAt  time.Time
			processedAt *time.Time
		)
		if err := rows.Scan(&eventValue, &eventType, &statusValue, &payload, &attempts, &lastError, &receivedAt, &processedAt); err != nil {
			return nil, err
		}
		eventID, err := ledger.NewGatewayEventID(eventValue)
		if err != nil {
			return nil, err
		}
		status, err := ledger.ParseWebhookStatus(statusValue)
		if err != nil {
			return nil, err
		}
		events = append(events, ledger.WebhookEvent{
			GatewayEventID: eventID,
			EventType:      eventType,
			Status:         status,
			Payload:        payload,
			Attempts:       attempts,
			LastError:      lastError,
			ReceivedAt:     receivedAt.UTC(),
			ProcessedAt:    utcPointer(processedAt),
		})
	}
	return events, rows.Err()
}

func scanConsumptions(rows pgx.Rows) ([]ledger.Consumption, error) {
	defer rows.Close()
	consumptions := make([]ledger.Consumption, 0, 8)
	for rows.Next() {
		var (
			idValue          string
			studentValue     string
			sessionValue     string
			transactionValue string
			reservedCents    int64
			consumedCents    int64
			refundedCents    int64
			isRefunded       bool
			refundReason     string
			refundedAt       *time.Time
			createdAt        time.Time
		)
		if err := rows.Scan(
			&idValue,
			&studentValue,
			&sessionValue,
			&transactionValue,
			&reservedCents,
			&consumedCents,
			&refundedCents,
			&isRefunded,
			&refundReason,
			&refundedAt,
			&createdAt,
		); err != nil {
			return nil, err
		}
		consumptionID, err := ledger.NewConsumptionID(idValue)
		if err != nil {
			return nil, err
		}
		studentID, err := ledger.NewStudentID(studentValue)
		if err != nil {
			return nil, err
		}
		sessionRef, err := ledger.NewSessionRef(sessionValue)
		if err != nil {
			return nil, err
		}
		var transactionID ledger.TransactionID
		if transactionValue != "" {
			if transactionID, err = ledger.NewTransactionID(transactionValue); err != nil {
				return nil, err
			}
		}
		consumptions = append(consumptions, ledger.Consumption{
			ID:                      consumptionID,
			StudentID:               studentID,
			SessionRef:              sessionRef,
			TransactionID:           transactionID,
			HoursOriginallyReserved: ledger.QuantityFromCents(reservedCents),
			HoursConsumed:           ledger.QuantityFromCents(consumedCents),
			HoursRefunded:           ledger.QuantityFromCents(refundedCents),
			IsRefunded:              isRefunded,
			RefundReason:            refundReason,
			RefundedAt:              utcPointer(refundedAt),
			CreatedAt:               createdAt.UTC(),
		})
	}
	return consumptions, rows.Err()
}

// filterBuilder renders optional "?" conditions into numbered placeholders.
type filterBuilder struct {
	conditions []string
	args       []any
}

func (builder *filterBuilder) add(condition string, value any) {
	builder.args = append(builder.args, value)
	builder.conditions = append(builder.conditions, strings.Replace(condition, "?", fmt.Sprintf("$%d", len(builder.args)), 1))
}

func (builder *filterBuilder) where() string {
	if len(builder.conditions) == 0 {
		return ""
	}
	return " where " + strings.Join(builder.conditions, " and ")
}

func (builder *filterBuilder) limit(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" limit %d", limit)
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
