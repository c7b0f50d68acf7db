package grpcserver

import (
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/wizard"
	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"google.golang.org/protobuf/types/known/structpb"
)

func stringField(request *structpb.Struct, name string) string {
	return request.GetFields()[name].GetStringValue()
}

func encodeReply(reply wizard.Reply) (*structpb.Struct, error) {
	options := make([]any, 0, len(reply.Options))
	for _, option := range reply.Options {
		options = append(options, map[string]any{"id": option.ID, "label": option.Label})
	}
	vouchers := make([]any, 0, len(reply.Vouchers))
	for _, item := range reply.Vouchers {
		vouchers = append(vouchers, voucherFields(item))
	}
	return structpb.NewStruct(map[string]any{
		"step":           string(reply.Step),
		"notice":         reply.Notice,
		"options":        options,
		"network_name":   reply.NetworkName,
		"fuel_type_name": reply.FuelTypeName,
		"volume":         reply.Volume,
		"available":      reply.Available,
		"max_quantity":   reply.MaxQuantity,
		"quantity":       reply.Quantity,
		"unit_price":     reply.UnitPrice.Int64(),
		"total":          reply.Total.Int64(),
		"transaction_id": reply.TransactionID,
		"redirect_url":   reply.RedirectURL,
		"outcome":        string(reply.Outcome),
		"vouchers":       vouchers,
	})
}

func encodeTransaction(transaction voucher.Transaction) (*structpb.Struct, error) {
	candidates := make([]any, 0, len(transaction.CandidateVoucherIDs))
	for _, candidate := range transaction.CandidateVoucherIDs {
		candidates = append(candidates, candidate.String())
	}
	return structpb.NewStruct(map[string]any{
		"transaction_id":        transaction.ID.String(),
		"buyer_id":              transaction.BuyerID.String(),
		"status":                transaction.Status.String(),
		"unit_price":            transaction.UnitPrice.Int64(),
		"total_amount":          transaction.TotalAmount.Int64(),
		"candidate_voucher_ids": candidates,
		"provider_session_id":   transaction.ProviderSessionID,
		"redirect_url":          transaction.ProviderRedirectURL,
		"failure_reason":        transaction.FailureReason,
		"created_unix_utc":      unixOrZero(transaction.CreatedAt),
		"decided_unix_utc":      unixOrZero(transaction.DecidedAt),
	})
}

func voucherFields(item voucher.Voucher) map[string]any {
	return map[string]any{
		"voucher_id":       item.ID.String(),
		"code":             item.Code,
		"network_id":       item.NetworkID.String(),
		"fuel_type_id":     item.FuelTypeID.String(),
		"volume":           item.Volume.Int64(),
		"is_used":          item.IsUsed,
		"expires_unix_utc": unixOrZero(item.ExpiresAt),
		"used_unix_utc":    unixOrZero(item.UsedAt),
	}
}

func unixOrZero(moment time.Time) int64 {
	if moment.IsZero() {
		return 0
	}
	return moment.UTC().Unix()
}
