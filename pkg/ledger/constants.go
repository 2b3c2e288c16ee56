package ledger

// Operation names reported through OperationLogger.
const (
	OperationCredit            = "credit"
	OperationDebitHours        = "debit_hours"
	OperationCreditBackHours   = "credit_back_hours"
	OperationCreateTransaction = "create_transaction"
	OperationAttachStudent     = "attach_student"
	OperationTransition        = "transition"
	OperationAnnotate          = "annotate_transaction"
	OperationWebhook           = "webhook"
	OperationWebhookConflict   = "webhook_conflict"
	OperationWebhookDuplicate  = "webhook_duplicate"
	OperationConsume           = "record_consumption"
	OperationRefund            = "process_refund"
	OperationDeficit           = "deficit"

	OperationStatusOK    = "ok"
	OperationStatusError = "error"
)

// Gateway event types understood by the reconciliation engine.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

const (
	lockKeyStudentPrefix = "student:"
	lockKeyIntentPrefix  = "intent:"
	lockKeyEventPrefix   = "event:"

	defaultFailureReason = "payment failed"
)
