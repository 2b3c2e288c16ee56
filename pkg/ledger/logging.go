package ledger

import "context"

// OperationLogger records domain-level events emitted by ledger operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	StudentID      StudentID
	TransactionID  TransactionID
	GatewayEventID GatewayEventID
	ConsumptionID  ConsumptionID
	EventType      string
	Amount         Quantity
	Hours          Quantity
	Deficit        bool
	Detail         string
	Status         string
	Error          error
}

// Option configures the ledger components.
type Option func(*options)

type options struct {
	logger        OperationLogger
	locker        Locker
	deficitPolicy DeficitPolicy
	now           func() int64
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) Option {
	return func(target *options) {
		target.logger = logger
	}
}

// WithLocker replaces the in-process per-student lock, e.g. with a
// distributed lock shared by several workers.
func WithLocker(locker Locker) Option {
	return func(target *options) {
		target.locker = locker
	}
}

// WithDeficitPolicy installs the hook invoked after an over-consuming debit.
func WithDeficitPolicy(policy DeficitPolicy) Option {
	return func(target *options) {
		target.deficitPolicy = policy
	}
}

func buildOptions(now func() int64, configured []Option) options {
	resolved := options{now: now}
	for _, option := range configured {
		if option != nil {
			option(&resolved)
		}
	}
	if resolved.locker == nil {
		resolved.locker = NewKeyedMutex()
	}
	if resolved.deficitPolicy == nil {
		resolved.deficitPolicy = RecordOnlyDeficitPolicy{}
	}
	return resolved
}

func (resolved options) logOperation(ctx context.Context, entry OperationLog) {
	if resolved.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	resolved.logger.LogOperation(ctx, entry)
}

// MultiLogger fans a log entry out to several loggers.
type MultiLogger []OperationLogger

// LogOperation forwards entry to every non-nil logger.
func (loggers MultiLogger) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
