// Package grpcserver exposes the purchase conversation to the chat transport over gRPC.
// Messages are google.protobuf.Struct values so the transport needs no generated stubs.
package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/wizard"
	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "fuelvoucher.v1.PurchaseService"

	methodConverse       = "Converse"
	methodGetTransaction = "GetTransaction"
	methodRedeemVoucher  = "RedeemVoucher"

	errorInvalidBuyerID         = "invalid_buyer_id"
	errorInvalidTransactionID   = "invalid_transaction_id"
	errorInvalidVoucherID       = "invalid_voucher_id"
	errorInvalidInputKind       = "invalid_input_kind"
	errorUnknownTransaction     = "unknown_transaction"
	errorUnknownVoucher         = "unknown_voucher"
	errorVoucherNotOwned        = "voucher_not_owned"
	errorVoucherAlreadyUsed     = "voucher_already_used"
	errorGatewayUnavailable     = "gateway_unavailable"
	errorInvalidTransition      = "invalid_transition"
	errorInsufficientInventory  = "insufficient_inventory"
	errorInvalidProviderSession = "invalid_provider_session"
)

// Conversation is the wizard entry point.
type Conversation interface {
	Handle(ctx context.Context, buyerID voucher.BuyerID, input wizard.Input) (wizard.Reply, error)
}

// Ledger is the slice of voucher.Service reachable outside the conversation.
type Ledger interface {
	GetTransaction(ctx context.Context, transactionID voucher.TransactionID) (voucher.Transaction, error)
	Redeem(ctx context.Context, buyerID voucher.BuyerID, voucherID voucher.VoucherID) (voucher.Voucher, error)
}

// PurchaseServiceServer is the server side of fuelvoucher.v1.PurchaseService.
type PurchaseServiceServer interface {
	Converse(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetTransaction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	RedeemVoucher(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// PurchaseServiceDesc describes the service for grpc.Server.RegisterService.
var PurchaseServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PurchaseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodConverse, Handler: unaryHandler(methodConverse, PurchaseServiceServer.Converse)},
		{MethodName: methodGetTransaction, Handler: unaryHandler(methodGetTransaction, PurchaseServiceServer.GetTransaction)},
		{MethodName: methodRedeemVoucher, Handler: unaryHandler(methodRedeemVoucher, PurchaseServiceServer.RedeemVoucher)},
	},
	Metadata: "fuelvoucher/v1/purchase.proto",
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unaryHandler(method string, call func(PurchaseServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(server.(PurchaseServiceServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(server.(PurchaseServiceServer), ctx, request.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// PurchaseServer implements PurchaseServiceServer over the wizard and the ledger.
type PurchaseServer struct {
	conversation Conversation
	ledger       Ledger
}

// NewPurchaseServer builds the service implementation registered by NewServer.
func NewPurchaseServer(conversation Conversation, ledger Ledger) *PurchaseServer {
	return &PurchaseServer{conversation: conversation, ledger: ledger}
}

// NewServer builds a grpc.Server carrying the purchase service and the standard health service.
func NewServer(purchases PurchaseServiceServer, logger *zap.Logger, options ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	options = append(options, grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	server := grpc.NewServer(options...)
	server.RegisterService(&PurchaseServiceDesc, purchases)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	return server
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("elapsed", time.Since(started)),
		}
		if code == codes.Internal || code == codes.Unavailable {
			logger.Error("grpc call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("grpc call", fields...)
		}
		return response, err
	}
}

func (server *PurchaseServer) Converse(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	buyerID, err := voucher.NewBuyerID(stringField(request, "buyer_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	kind := wizard.InputKind(strings.TrimSpace(stringField(request, "kind")))
	if !knownInputKind(kind) {
		return nil, status.Error(codes.InvalidArgument, errorInvalidInputKind)
	}
	reply, err := server.conversation.Handle(ctx, buyerID, wizard.Input{Kind: kind, Value: stringField(request, "value")})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return encodeReply(reply)
}

func (server *PurchaseServer) GetTransaction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	transactionID, err := voucher.NewTransactionID(stringField(request, "transaction_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	transaction, err := server.ledger.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return encodeTransaction(transaction)
}

func (server *PurchaseServer) RedeemVoucher(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	buyerID, err := voucher.NewBuyerID(stringField(request, "buyer_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	voucherID, err := voucher.NewVoucherID(stringField(request, "voucher_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	redeemed, err := server.ledger.Redeem(ctx, buyerID, voucherID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{"voucher": voucherFields(redeemed)})
}

func knownInputKind(kind wizard.InputKind) bool {
	switch kind {
	case wizard.InputStart, wizard.InputSelect, wizard.InputText, wizard.InputBack,
		wizard.InputCancel, wizard.InputConfirm, wizard.InputStatus, wizard.InputContact:
		return true
	}
	return false
}

func mapToGRPCError(source error) error {
	if errors.Is(source, voucher.ErrInvalidBuyerID) {
		return status.Error(codes.InvalidArgument, errorInvalidBuyerID)
	}
	if errors.Is(source, voucher.ErrInvalidTransactionID) {
		return status.Error(codes.InvalidArgument, errorInvalidTransactionID)
	}
	if errors.Is(source, voucher.ErrInvalidVoucherID) {
		return status.Error(codes.InvalidArgument, errorInvalidVoucherID)
	}
	if errors.Is(source, voucher.ErrUnknownTransaction) {
		return status.Error(codes.NotFound, errorUnknownTransaction)
	}
	if errors.Is(source, voucher.ErrUnknownVoucher) {
		return status.Error(codes.NotFound, errorUnknownVoucher)
	}
	if errors.Is(source, voucher.ErrVoucherNotOwned) {
		return status.Error(codes.PermissionDenied, errorVoucherNotOwned)
	}
	if errors.Is(source, voucher.ErrVoucherAlreadyUsed) {
		return status.Error(codes.FailedPrecondition, errorVoucherAlreadyUsed)
	}
	if errors.Is(source, voucher.ErrInvalidTransition) {
		return status.Error(codes.FailedPrecondition, errorInvalidTransition)
	}
	if errors.Is(source, voucher.ErrInsufficientInventory) {
		return status.Error(codes.FailedPrecondition, errorInsufficientInventory)
	}
	if errors.Is(source, voucher.ErrInvalidProviderSession) {
		return status.Error(codes.FailedPrecondition, errorInvalidProviderSession)
	}
	if errors.Is(source, voucher.ErrGatewayUnavailable) {
		return status.Error(codes.Unavailable, errorGatewayUnavailable)
	}
	if errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	if errors.Is(source, context.Canceled) {
		return status.Error(codes.Canceled, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}
