package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/tutorbalance/pkg/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "balanced.v1.BalanceService"

	methodGetBalance        = "GetBalance"
	methodRecordConsumption = "RecordConsumption"
	methodProcessRefund     = "ProcessRefund"
	methodQuoteRefund       = "QuoteRefund"

	errorInvalidStudentID       = "invalid_student_id"
	errorInvalidSessionRef      = "invalid_session_ref"
	errorInvalidConsumptionID   = "invalid_consumption_id"
	errorInvalidTransactionID   = "invalid_transaction_id"
	errorInvalidOperand         = "invalid_operand"
	errorInvalidPlan            = "invalid_plan"
	errorTransactionNotFound    = "transaction_not_found"
	errorConsumptionNotFound    = "consumption_not_found"
	errorDuplicateConsumption   = "duplicate_consumption"
	errorAlreadyRefunded        = "already_refunded"
	errorInvalidTransition      = "invalid_transition"
	errorLockUnavailable        = "lock_unavailable"
	errorInternal               = "internal"
	fieldStudentID              = "student_id"
	fieldSessionRef             = "session_ref"
	fieldTransactionID          = "transaction_id"
	fieldConsumptionID          = "consumption_id"
	fieldReservedHours          = "reserved_hours"
	fieldActualHours            = "actual_hours"
	fieldReason                 = "reason"
	fieldOriginalAmount         = "original_amount"
	fieldRefundPercentage       = "refund_percentage"
	fieldAdminFeePercent        = "admin_fee_percent"
	fieldProcessingFee          = "processing_fee"
	fieldServiceFeePercent      = "service_fee_percent"
	fieldFinalFee               = "final_fee"
	defaultQuoteRefundPercent   = "100"
	quantityFieldFormatFloatBit = 64
)

// BalanceService is the gRPC surface of the balance engine. Messages are
// google.protobuf.Struct so clients need no generated stubs.
type BalanceService interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	RecordConsumption(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ProcessRefund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	QuoteRefund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// BalanceServiceServer implements BalanceService over the ledger components.
type BalanceServiceServer struct {
	ledger  *ledger.Ledger
	tracker *ledger.ConsumptionTracker
	logger  *zap.Logger
}

// NewBalanceServiceServer constructs the gRPC server.
func NewBalanceServiceServer(balances *ledger.Ledger, tracker *ledger.ConsumptionTracker, logger *zap.Logger) *BalanceServiceServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceServiceServer{ledger: balances, tracker: tracker, logger: logger}
}

// Register attaches server to registrar.
func Register(registrar grpc.ServiceRegistrar, server BalanceService) {
	registrar.RegisterService(&ServiceDesc, server)
}

// ServiceDesc describes BalanceService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BalanceService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodGetBalance, BalanceService.GetBalance),
		unaryMethod(methodRecordConsumption, BalanceService.RecordConsumption),
		unaryMethod(methodProcessRefund, BalanceService.ProcessRefund),
		unaryMethod(methodQuoteRefund, BalanceService.QuoteRefund),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "balanced/v1/balance.proto",
}

type unaryCall func(BalanceService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(structpb.Struct)
			if err := dec(request); err != nil {
				return nil, err
			}
			service := srv.(BalanceService)
			if interceptor == nil {
				return call(service, ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
				return call(service, ctx, request.(*structpb.Struct))
			})
		},
	}
}

func (server *BalanceServiceServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	studentID, err := ledger.NewStudentID(stringField(request, fieldStudentID))
	if err != nil {
		return nil, server.mapToGRPCError(methodGetBalance, err)
	}
	entry, err := server.ledger.Snapshot(ctx, studentID)
	if err != nil {
		return nil, server.mapToGRPCError(methodGetBalance, err)
	}
	return newStruct(balanceFields(entry))
}

func (server *BalanceServiceServer) RecordConsumption(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	input, err := consumptionInput(request)
	if err != nil {
		return nil, server.mapToGRPCError(methodRecordConsumption, err)
	}
	outcome, err := server.tracker.RecordConsumption(ctx, input)
	if err != nil {
		return nil, server.mapToGRPCError(methodRecordConsumption, err)
	}
	fields := consumptionFields(outcome.Consumption)
	fields["deficit"] = outcome.Debit.Deficit
	fields["shortfall"] = outcome.Debit.Shortfall.String()
	fields["balance"] = balanceFields(outcome.Debit.Balance)
	return newStruct(fields)
}

func (server *BalanceServiceServer) ProcessRefund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	consumptionID, err := ledger.NewConsumptionID(stringField(request, fieldConsumptionID))
	if err != nil {
		return nil, server.mapToGRPCError(methodProcessRefund, err)
	}
	outcome, err := server.tracker.ProcessRefund(ctx, consumptionID, stringField(request, fieldReason))
	if err != nil {
		return nil, server.mapToGRPCError(methodProcessRefund, err)
	}
	fields := consumptionFields(outcome.Consumption)
	fields["refunded_hours"] = outcome.RefundedHours.String()
	fields["balance"] = balanceFields(outcome.Balance)
	return newStruct(fields)
}

func (server *BalanceServiceServer) QuoteRefund(_ context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	original, err := quantityField(request, fieldOriginalAmount, "")
	if err != nil {
		return nil, server.mapToGRPCError(methodQuoteRefund, err)
	}
	percentage, err := decimalField(request, fieldRefundPercentage, defaultQuoteRefundPercent)
	if err != nil {
		return nil, server.mapToGRPCError(methodQuoteRefund, err)
	}
	schedule, err := feeSchedule(request)
	if err != nil {
		return nil, server.mapToGRPCError(methodQuoteRefund, err)
	}
	quote, err := ledger.QuoteRefund(original, percentage, schedule)
	if err != nil {
		return nil, server.mapToGRPCError(methodQuoteRefund, err)
	}
	steps := make([]any, 0, len(quote.Cascade.Steps))
	for _, step := range quote.Cascade.Steps {
		steps = append(steps, map[string]any{
			"name":      step.Name,
			"deduction": step.Deduction.String(),
			"remaining": step.Remaining.String(),
		})
	}
	return newStruct(map[string]any{
		"original":         quote.Original.String(),
		"percentage":       quote.Percentage.String(),
		"after_percentage": quote.AfterPercentage.String(),
		"steps":            steps,
		"refund":           quote.Refund.String(),
	})
}

func consumptionInput(request *structpb.Struct) (ledger.ConsumptionInput, error) {
	studentID, err := ledger.NewStudentID(stringField(request, fieldStudentID))
	if err != nil {
		return ledger.ConsumptionInput{}, err
	}
	sessionRef, err := ledger.NewSessionRef(stringField(request, fieldSessionRef))
	if err != nil {
		return ledger.ConsumptionInput{}, err
	}
	var transactionID ledger.TransactionID
	if raw := stringField(request, fieldTransactionID); raw != "" {
		if transactionID, err = ledger.NewTransactionID(raw); err != nil {
			return ledger.ConsumptionInput{}, err
		}
	}
	reserved, err := quantityField(request, fieldReservedHours, "")
	if err != nil {
		return ledger.ConsumptionInput{}, err
	}
	actual, err := quantityField(request, fieldActualHours, "")
	if err != nil {
		return ledger.ConsumptionInput{}, err
	}
	return ledger.ConsumptionInput{
		StudentID:     studentID,
		SessionRef:    sessionRef,
		TransactionID: transactionID,
		Reserved:      reserved,
		Actual:        actual,
	}, nil
}

func feeSchedule(request *structpb.Struct) (ledger.FeeSchedule, error) {
	adminPercent, err := decimalField(request, fieldAdminFeePercent, "0")
	if err != nil {
		return ledger.FeeSchedule{}, err
	}
	processingFee, err := quantityField(request, fieldProcessingFee, "0")
	if err != nil {
		return ledger.FeeSchedule{}, err
	}
	servicePercent, err := decimalField(request, fieldServiceFeePercent, "0")
	if err != nil {
		return ledger.FeeSchedule{}, err
	}
	finalFee, err := quantityField(request, fieldFinalFee, "0")
	if err != nil {
		return ledger.FeeSchedule{}, err
	}
	return ledger.FeeSchedule{
		AdminFeePercent:   adminPercent,
		ProcessingFee:     processingFee,
		ServiceFeePercent: servicePercent,
		FinalFee:          finalFee,
	}, nil
}

func balanceFields(entry ledger.BalanceEntry) map[string]any {
	return map[string]any{
		"student_id":      entry.StudentID.String(),
		"hours_purchased": entry.HoursPurchased.String(),
		"hours_consumed":  entry.HoursConsumed.String(),
		"hours_remaining": entry.HoursRemaining().String(),
		"balance_amount":  entry.BalanceAmount.String(),
		"in_deficit":      entry.InDeficit(),
	}
}

func consumptionFields(consumption ledger.Consumption) map[string]any {
	return map[string]any{
		"consumption_id": consumption.ID.String(),
		"student_id":     consumption.StudentID.String(),
		"session_ref":    consumption.SessionRef.String(),
		"transaction_id": consumption.TransactionID.String(),
		"reserved_hours": consumption.HoursOriginallyReserved.String(),
		"consumed_hours": consumption.HoursConsumed.String(),
		"hours_refunded": consumption.HoursRefunded.String(),
		"is_refunded":    consumption.IsRefunded,
		"refund_reason":  consumption.RefundReason,
	}
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, errorInternal)
	}
	return response, nil
}

func stringField(request *structpb.Struct, name string) string {
	value, ok := request.GetFields()[name]
	if !ok {
		return ""
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_StringValue:
		return strings.TrimSpace(kind.StringValue)
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(kind.NumberValue, 'f', -1, quantityFieldFormatFloatBit)
	default:
		return ""
	}
}

func quantityField(request *structpb.Struct, name string, fallback string) (ledger.Quantity, error) {
	raw := stringField(request, name)
	if raw == "" {
		raw = fallback
	}
	if raw == "" {
		return ledger.Quantity{}, fmt.Errorf("%w: %s is required", ledger.ErrInvalidOperand, name)
	}
	return ledger.ParseQuantity(raw)
}

func decimalField(request *structpb.Struct, name string, fallback string) (decimal.Decimal, error) {
	raw := stringField(request, name)
	if raw == "" {
		raw = fallback
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s is not a decimal", ledger.ErrInvalidOperand, name)
	}
	return value, nil
}

func (server *BalanceServiceServer) mapToGRPCError(method string, source error) error {
	mapped := mapToGRPCError(source)
	if status.Code(mapped) == codes.Internal {
		server.logger.Error("grpc request failed", zap.String("method", method), zap.Error(source))
	} else if ledger.IsInvariantViolation(source) {
		server.logger.Warn("grpc request refused", zap.String("method", method), zap.Error(source))
	}
	return mapped
}

func mapToGRPCError(source error) error {
	if errors.Is(source, ledger.ErrInvalidStudentID) {
		return status.Error(codes.InvalidArgument, errorInvalidStudentID)
	}
	if errors.Is(source, ledger.ErrInvalidSessionRef) {
		return status.Error(codes.InvalidArgument, errorInvalidSessionRef)
	}
	if errors.Is(source, ledger.ErrInvalidConsumptionID) {
		return status.Error(codes.InvalidArgument, errorInvalidConsumptionID)
	}
	if errors.Is(source, ledger.ErrInvalidTransactionID) {
		return status.Error(codes.InvalidArgument, errorInvalidTransactionID)
	}
	if errors.Is(source, ledger.ErrInvalidOperand) {
		return status.Error(codes.InvalidArgument, errorInvalidOperand)
	}
	if errors.Is(source, ledger.ErrInvalidPlan) {
		return status.Error(codes.InvalidArgument, errorInvalidPlan)
	}
	if errors.Is(source, ledger.ErrTransactionNotFound) {
		return status.Error(codes.NotFound, errorTransactionNotFound)
	}
	if errors.Is(source, ledger.ErrConsumptionNotFound) {
		return status.Error(codes.NotFound, errorConsumptionNotFound)
	}
	if errors.Is(source, ledger.ErrDuplicateConsumption) {
		return status.Error(codes.AlreadyExists, errorDuplicateConsumption)
	}
	if errors.Is(source, ledger.ErrAlreadyRefunded) {
		return status.Error(codes.FailedPrecondition, errorAlreadyRefunded)
	}
	if errors.Is(source, ledger.ErrInvalidTransition) {
		return status.Error(codes.FailedPrecondition, errorInvalidTransition)
	}
	if errors.Is(source, ledger.ErrLockUnavailable) {
		return status.Error(codes.Unavailable, errorLockUnavailable)
	}
	if errors.Is(source, context.Canceled) || errors.Is(source, context.DeadlineExceeded) {
		return status.FromContextError(source).Err()
	}
	return status.Error(codes.Internal, errorInternal)
}
