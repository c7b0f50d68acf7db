package novapay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
)

var (
	// ErrMalformedNotification marks a webhook body that is not a valid notification.
	ErrMalformedNotification = errors.New("malformed novapay notification")
	// ErrMerchantMismatch marks a notification addressed to another merchant.
	ErrMerchantMismatch = errors.New("novapay merchant mismatch")
)

// Notification is the status callback NovaPay posts to the webhook.
type Notification struct {
	MerchantID string `json:"merchant_id"`
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
}

// ParseNotification decodes and validates a webhook body.
func ParseNotification(body []byte) (Notification, error) {
	var notification Notification
	if err := json.Unmarshal(body, &notification); err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrMalformedNotification, err)
	}
	notification.MerchantID = strings.TrimSpace(notification.MerchantID)
	notification.SessionID = strings.TrimSpace(notification.SessionID)
	notification.Status = strings.TrimSpace(notification.Status)
	if notification.SessionID == "" {
		return Notification{}, fmt.Errorf("%w: session_id is required", ErrMalformedNotification)
	}
	return notification, nil
}

// Authenticate requires an exact merchant id match.
func (notification Notification) Authenticate(merchantID string) error {
	if notification.MerchantID == "" || notification.MerchantID != merchantID {
		return ErrMerchantMismatch
	}
	return nil
}

// ProviderStatus returns the status as the domain type.
func (notification Notification) ProviderStatus() voucher.ProviderStatus {
	return voucher.ProviderStatus(notification.Status)
}
