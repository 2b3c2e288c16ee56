package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client invokes BalanceService methods over an existing connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) GetBalance(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetBalance, request, options)
}

func (client *Client) RecordConsumption(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodRecordConsumption, request, options)
}

func (client *Client) ProcessRefund(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodProcessRefund, request, options)
}

func (client *Client) QuoteRefund(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodQuoteRefund, request, options)
}

func (client *Client) invoke(ctx context.Context, method string, request *structpb.Struct, options []grpc.CallOption) (*structpb.Struct, error) {
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, "/"+serviceName+"/"+method, request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}
