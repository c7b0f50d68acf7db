package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls fuelvoucher.v1.PurchaseService. The chat transport embeds it.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Converse forwards one buyer action and returns the wizard reply.
func (client *Client) Converse(ctx context.Context, buyerID string, kind string, value string) (*structpb.Struct, error) {
	return client.invoke(ctx, methodConverse, map[string]any{"buyer_id": buyerID, "kind": kind, "value": value})
}

func (client *Client) GetTransaction(ctx context.Context, transactionID string) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetTransaction, map[string]any{"transaction_id": transactionID})
}

func (client *Client) RedeemVoucher(ctx context.Context, buyerID string, voucherID string) (*structpb.Struct, error) {
	return client.invoke(ctx, methodRedeemVoucher, map[string]any{"buyer_id": buyerID, "voucher_id": voucherID})
}

func (client *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	request, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, fullMethod(method), request, response); err != nil {
		return nil, err
	}
	return response, nil
}
