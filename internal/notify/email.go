package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"github.com/jordan-wright/email"
)

var errInvalidSMTPConfig = errors.New("invalid smtp config")

// SMTPConfig holds the outbound mail server settings.
type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
}

type sendFunc func(message *email.Email, addr string, auth smtp.Auth) error

// EmailNotifier mails the notice to owners with an e-mail address.
type EmailNotifier struct {
	config   SMTPConfig
	location *time.Location
	send     sendFunc
}

// NewEmailNotifier validates the SMTP settings.
func NewEmailNotifier(config SMTPConfig, location *time.Location) (*EmailNotifier, error) {
	if strings.TrimSpace(config.Host) == "" || strings.TrimSpace(config.Port) == "" {
		return nil, fmt.Errorf("%w: host and port are required", errInvalidSMTPConfig)
	}
	if strings.TrimSpace(config.From) == "" {
		return nil, fmt.Errorf("%w: from address is required", errInvalidSMTPConfig)
	}
	return &EmailNotifier{config: config, location: location, send: (*email.Email).Send}, nil
}

func (notifier *EmailNotifier) NotifyExpiring(ctx context.Context, owner voucher.Buyer, vouchers []voucher.Voucher) error {
	recipient := strings.TrimSpace(owner.Email)
	if recipient == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rendered := ExpiryMessage(owner, vouchers, notifier.location)
	message := email.NewEmail()
	message.From = notifier.config.From
	message.To = []string{recipient}
	message.Subject = rendered.Subject
	message.Text = []byte(rendered.Body)

	var auth smtp.Auth
	if notifier.config.User != "" {
		auth = smtp.PlainAuth("", notifier.config.User, notifier.config.Password, notifier.config.Host)
	}
	addr := notifier.config.Host + ":" + notifier.config.Port
	if err := notifier.send(message, addr, auth); err != nil {
		return fmt.Errorf("send expiry mail to %s: %w", owner.ID, err)
	}
	return nil
}
