// Package notify tells voucher owners about vouchers that are about to expire.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
)

const expiryDateLayout = "02.01.2006"

// ErrNoRecipient is returned by a channel that has no address for the owner.
var ErrNoRecipient = errors.New("owner has no address for this channel")

// Notifier delivers one consolidated notice per owner.
type Notifier interface {
	NotifyExpiring(ctx context.Context, owner voucher.Buyer, vouchers []voucher.Voucher) error
}

// Message is a rendered notice.
type Message struct {
	Subject string
	Body    string
}

// ExpiryMessage renders the notice listing every expiring voucher of one owner.
func ExpiryMessage(owner voucher.Buyer, vouchers []voucher.Voucher, location *time.Location) Message {
	if location == nil {
		location = time.UTC
	}
	var body strings.Builder
	greeting := strings.TrimSpace(owner.DisplayName)
	if greeting == "" {
		greeting = "Hello"
	} else {
		greeting = "Hello, " + greeting
	}
	fmt.Fprintf(&body, "%s!\n\nThe following fuel vouchers expire soon:\n\n", greeting)
	for _, item := range vouchers {
		fmt.Fprintf(&body, "- %s: %s %s, %d L, valid until %s\n",
			item.Code,
			item.NetworkID.String(),
			item.FuelTypeID.String(),
			item.Volume.Int64(),
			item.ExpiresAt.In(location).Format(expiryDateLayout),
		)
	}
	body.WriteString("\nUse them before they expire.\n")
	return Message{
		Subject: fmt.Sprintf("%d fuel voucher(s) expire soon", len(vouchers)),
		Body:    body.String(),
	}
}

// Fanout delivers through every channel. A channel without an address for the owner
// is not a failure as long as another channel delivered.
type Fanout []Notifier

func (fanout Fanout) NotifyExpiring(ctx context.Context, owner voucher.Buyer, vouchers []voucher.Voucher) error {
	var failures []error
	delivered := false
	missing := false
	for _, notifier := range fanout {
		err := notifier.NotifyExpiring(ctx, owner, vouchers)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, ErrNoRecipient):
			missing = true
		default:
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	if !delivered && missing {
		return ErrNoRecipient
	}
	return nil
}
