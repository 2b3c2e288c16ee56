// Package oplog renders ledger operation logs as zap structured entries.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/tutorbalance/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const messageOperation = "ledger operation"

// ZapLogger implements ledger.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New returns a ZapLogger; a nil logger is replaced with a no-op one.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation writes entry. Invariant violations and store failures go to
// Warn and Error; lookup failures and successes stay at Info.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	level := levelFor(entry)
	checked := zapLogger.logger.Check(level, messageOperation)
	if checked == nil {
		return
	}
	checked.Write(fields(entry)...)
}

func levelFor(entry ledger.OperationLog) zapcore.Level {
	switch {
	case entry.Error == nil:
		if entry.Operation == ledger.OperationWebhookConflict || entry.Operation == ledger.OperationDeficit {
			return zapcore.WarnLevel
		}
		return zapcore.InfoLevel
	case ledger.IsInvariantViolation(entry.Error):
		return zapcore.WarnLevel
	case ledger.IsLookupFailure(entry.Error):
		return zapcore.InfoLevel
	default:
		return zapcore.ErrorLevel
	}
}

func fields(entry ledger.OperationLog) []zap.Field {
	result := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.StudentID.IsZero() {
		result = append(result, zap.String("student_id", entry.StudentID.String()))
	}
	if !entry.TransactionID.IsZero() {
		result = append(result, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if value := entry.GatewayEventID.String(); value != "" {
		result = append(result, zap.String("gateway_event_id", value))
	}
	if value := entry.ConsumptionID.String(); value != "" {
		result = append(result, zap.String("consumption_id", value))
	}
	if entry.EventType != "" {
		result = append(result, zap.String("event_type", entry.EventType))
	}
	if !entry.Amount.IsZero() {
		result = append(result, zap.String("amount", entry.Amount.String()))
	}
	if !entry.Hours.IsZero() {
		result = append(result, zap.String("hours", entry.Hours.String()))
	}
	if entry.Deficit {
		result = append(result, zap.Bool("deficit", true))
	}
	if entry.Detail != "" {
		result = append(result, zap.String("detail", entry.Detail))
	}
	if entry.Error != nil {
		result = append(result, zap.Error(entry.Error))
	}
	return result
}
