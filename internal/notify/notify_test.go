package notify

import (
	"context"
	"errors"
	"net/smtp"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var kyiv = time.FixedZone("EET", 2*60*60)

func sampleOwner(t *testing.T, mail string) voucher.Buyer {
	t.Helper()
	buyerID, err := voucher.NewBuyerID("buyer-1")
	require.NoError(t, err)
	return voucher.Buyer{ID: buyerID, Email: mail, DisplayName: "Olena"}
}

func sampleVouchers(t *testing.T) []voucher.Voucher {
	t.Helper()
	networkID, err := voucher.NewNetworkID("okko")
	require.NoError(t, err)
	fuelTypeID, err := voucher.NewFuelTypeID("a95")
	require.NoError(t, err)
	return []voucher.Voucher{
		{Code: "A95-001", NetworkID: networkID, FuelTypeID: fuelTypeID, Volume: 20, ExpiresAt: time.Date(2025, time.March, 16, 23, 30, 0, 0, time.UTC)},
		{Code: "A95-002", NetworkID: networkID, FuelTypeID: fuelTypeID, Volume: 10, ExpiresAt: time.Date(2025, time.March, 20, 8, 0, 0, 0, time.UTC)},
	}
}

type recordingNotifier struct {
	err   error
	calls int
}

func (notifier *recordingNotifier) NotifyExpiring(ctx context.Context, owner voucher.Buyer, vouchers []voucher.Voucher) error {
	notifier.calls++
	return notifier.err
}

func TestExpiryMessageListsVouchersInLocalTime(t *testing.T) {
	t.Parallel()
	message := ExpiryMessage(sampleOwner(t, ""), sampleVouchers(t), kyiv)
	require.Equal(t, "2 fuel voucher(s) expire soon", message.Subject)
	require.Contains(t, message.Body, "Hello, Olena!")
	require.Contains(t, message.Body, "- A95-001: okko a95, 20 L, valid until 17.03.2025")
	require.Contains(t, message.Body, "- A95-002: okko a95, 10 L, valid until 20.03.2025")
}

func TestEmailNotifierSendsOneMessage(t *testing.T) {
	t.Parallel()
	notifier, err := NewEmailNotifier(SMTPConfig{Host: "smtp.example.test", Port: "587", User: "mailer", Password: "secret", From: "vouchers@example.test"}, kyiv)
	require.NoError(t, err)
	var sent []*email.Email
	var sentAddr string
	var sentAuth smtp.Auth
	notifier.send = func(message *email.Email, addr string, auth smtp.Auth) error {
		sent = append(sent, message)
		sentAddr = addr
		sentAuth = auth
		return nil
	}

	require.NoError(t, notifier.NotifyExpiring(context.Background(), sampleOwner(t, "olena@example.test"), sampleVouchers(t)))
	require.Len(t, sent, 1)
	require.Equal(t, []string{"olena@example.test"}, sent[0].To)
	require.Equal(t, "vouchers@example.test", sent[0].From)
	require.Contains(t, string(sent[0].Text), "A95-002")
	require.Equal(t, "smtp.example.test:587", sentAddr)
	require.NotNil(t, sentAuth)
}

func TestEmailNotifierSkipsOwnersWithoutAddress(t *testing.T) {
	t.Parallel()
	notifier, err := NewEmailNotifier(SMTPConfig{Host: "smtp.example.test", Port: "25", From: "vouchers@example.test"}, nil)
	require.NoError(t, err)
	notifier.send = func(message *email.Email, addr string, auth smtp.Auth) error {
		t.Fatal("send must not be called")
		return nil
	}
	err = notifier.NotifyExpiring(context.Background(), sampleOwner(t, " "), sampleVouchers(t))
	require.ErrorIs(t, err, ErrNoRecipient)
}

func TestEmailNotifierWrapsSendFailure(t *testing.T) {
	t.Parallel()
	notifier, err := NewEmailNotifier(SMTPConfig{Host: "smtp.example.test", Port: "25", From: "vouchers@example.test"}, nil)
	require.NoError(t, err)
	smtpDown := errors.New("connection refused")
	notifier.send = func(message *email.Email, addr string, auth smtp.Auth) error {
		require.Nil(t, auth)
		return smtpDown
	}
	err = notifier.NotifyExpiring(context.Background(), sampleOwner(t, "olena@example.test"), sampleVouchers(t))
	require.ErrorIs(t, err, smtpDown)
}

func TestNewEmailNotifierValidates(t *testing.T) {
	t.Parallel()
	_, err := NewEmailNotifier(SMTPConfig{Port: "25", From: "a@example.test"}, nil)
	require.ErrorIs(t, err, errInvalidSMTPConfig)
	_, err = NewEmailNotifier(SMTPConfig{Host: "smtp.example.test", Port: "25"}, nil)
	require.ErrorIs(t, err, errInvalidSMTPConfig)
}

func TestLogNotifierRecordsCodes(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.InfoLevel)
	notifier := NewLogNotifier(zap.New(core))

	require.NoError(t, notifier.NotifyExpiring(context.Background(), sampleOwner(t, ""), sampleVouchers(t)))
	entries := logs.FilterMessage("expiring vouchers").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "buyer-1", fields["buyer_id"])
	require.Equal(t, int64(2), fields["count"])
}

func TestFanout(t *testing.T) {
	t.Parallel()
	failure := errors.New("smtp down")
	testCases := []struct {
		name     string
		channels []error
		expected error
	}{
		{name: "all delivered", channels: []error{nil, nil}},
		{name: "one missing address", channels: []error{ErrNoRecipient, nil}},
		{name: "all missing address", channels: []error{ErrNoRecipient, ErrNoRecipient}, expected: ErrNoRecipient},
		{name: "one failure", channels: []error{failure, nil}, expected: failure},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			fanout := Fanout{}
			recorders := []*recordingNotifier{}
			for _, channelErr := range testCase.channels {
				recorder := &recordingNotifier{err: channelErr}
				recorders = append(recorders, recorder)
				fanout = append(fanout, recorder)
			}
			err := fanout.NotifyExpiring(context.Background(), sampleOwner(t, ""), sampleVouchers(t))
			if testCase.expected == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, testCase.expected)
			}
			for _, recorder := range recorders {
				require.Equal(t, 1, recorder.calls)
			}
		})
	}
}
