// Package novapay is the outbound NovaPay checkout client. Every request is a signed
// JSON POST; the adapter never retries.
package novapay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api-qecom.novapay.ua/v1"
	DefaultTimeout = 15 * time.Second

	headerSignature   = "x-sign"
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"

	pathCreateSession = "session"
	pathAddPayment    = "payment"
	pathVoidSession   = "void"
	pathCompleteHold  = "complete-hold"
	pathGetStatus     = "get-status"
	pathExpireSession = "expire"

	errorOperation        = "novapay"
	errorCodeEncode       = "encode"
	errorCodeSign         = "sign"
	errorCodeTransport    = "transport"
	errorCodeRejected     = "rejected"
	errorCodeDecode       = "decode"
	errorCodeMissingField = "missing_field"

	maxErrorBodyBytes = 64 << 10
)

var errInvalidClientConfig = errors.New("invalid novapay client config")

var _ voucher.PaymentGateway = (*Client)(nil)

// RejectedError is a non-2xx provider response. It unwraps to voucher.ErrGatewayRejected.
type RejectedError struct {
	StatusCode int
	Detail     string
}

func (rejected RejectedError) Error() string {
	if rejected.Detail == "" {
		return fmt.Sprintf("%v: status %d", voucher.ErrGatewayRejected, rejected.StatusCode)
	}
	return fmt.Sprintf("%v: status %d: %s", voucher.ErrGatewayRejected, rejected.StatusCode, rejected.Detail)
}

func (rejected RejectedError) Unwrap() error {
	return voucher.ErrGatewayRejected
}

// Config holds the merchant identity and transport settings.
type Config struct {
	BaseURL    string
	MerchantID string
	Timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		client.http = httpClient
	}
}

// WithLogger wires a zap logger for request tracing.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// Client implements voucher.PaymentGateway against the NovaPay API.
type Client struct {
	baseURL    string
	merchantID string
	signer     *Signer
	http       *http.Client
	logger     *zap.Logger
}

// NewClient validates the config and builds a client.
func NewClient(config Config, signer *Signer, options ...Option) (*Client, error) {
	merchantID := strings.TrimSpace(config.MerchantID)
	if merchantID == "" {
		return nil, fmt.Errorf("%w: merchant id is required", errInvalidClientConfig)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: signer is required", errInvalidClientConfig)
	}
	baseURL := strings.TrimSpace(config.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		merchantID: merchantID,
		signer:     signer,
		http:       &http.Client{Timeout: timeout},
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	if client.logger == nil {
		client.logger = zap.NewNop()
	}
	return client, nil
}

// MerchantID is the identity webhooks are authenticated against.
func (client *Client) MerchantID() string {
	return client.merchantID
}

type sessionRequest struct {
	MerchantID  string `json:"merchant_id"`
	ClientPhone string `json:"client_phone"`
}

type sessionReference struct {
	MerchantID string `json:"merchant_id"`
	SessionID  string `json:"session_id"`
}

type paymentRequest struct {
	MerchantID string           `json:"merchant_id"`
	SessionID  string           `json:"session_id"`
	Amount     json.Number      `json:"amount"`
	Products   []paymentProduct `json:"products,omitempty"`
}

type paymentProduct struct {
	Description string      `json:"description"`
	Price       json.Number `json:"price"`
	Count       int         `json:"count"`
}

type sessionResponse struct {
	ID string `json:"id"`
}

type paymentResponse struct {
	URL string `json:"url"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// OpenSession creates a checkout session for the buyer's phone.
func (client *Client) OpenSession(ctx context.Context, buyerPhone string) (string, error) {
	var response sessionResponse
	if err := client.post(ctx, pathCreateSession, sessionRequest{MerchantID: client.merchantID, ClientPhone: buyerPhone}, &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.ID) == "" {
		return "", voucher.WrapError(errorOperation, pathCreateSession, errorCodeMissingField, fmt.Errorf("%w: session id missing", voucher.ErrGatewayRejected))
	}
	return response.ID, nil
}

// AttachCharge adds the payment with one product row per line item and returns the
// redirect URL of the payment page.
func (client *Client) AttachCharge(ctx context.Context, sessionID string, amount voucher.AmountCents, items []voucher.LineItem) (string, error) {
	request := paymentRequest{
		MerchantID: client.merchantID,
		SessionID:  sessionID,
		Amount:     formatAmount(amount),
		Products:   make([]paymentProduct, 0, len(items)),
	}
	for _, item := range items {
		request.Products = append(request.Products, paymentProduct{
			Description: item.Description,
			Price:       formatAmount(item.Price),
			Count:       item.Count,
		})
	}
	var response paymentResponse
	if err := client.post(ctx, pathAddPayment, request, &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.URL) == "" {
		return "", voucher.WrapError(errorOperation, pathAddPayment, errorCodeMissingField, fmt.Errorf("%w: payment url missing", voucher.ErrGatewayRejected))
	}
	return response.URL, nil
}

// Void cancels the session.
func (client *Client) Void(ctx context.Context, sessionID string) error {
	return client.post(ctx, pathVoidSession, client.reference(sessionID), nil)
}

// CompleteHold captures a held payment.
func (client *Client) CompleteHold(ctx context.Context, sessionID string) error {
	return client.post(ctx, pathCompleteHold, client.reference(sessionID), nil)
}

// ExpireSession forces the session to expire on the provider side.
func (client *Client) ExpireSession(ctx context.Context, sessionID string) error {
	return client.post(ctx, pathExpireSession, client.reference(sessionID), nil)
}

// GetStatus returns the provider's raw status string for the session.
func (client *Client) GetStatus(ctx context.Context, sessionID string) (voucher.ProviderStatus, error) {
	var response statusResponse
	if err := client.post(ctx, pathGetStatus, client.reference(sessionID), &response); err != nil {
		return "", err
	}
	if strings.TrimSpace(response.Status) == "" {
		return "", voucher.WrapError(errorOperation, pathGetStatus, errorCodeMissingField, fmt.Errorf("%w: status missing", voucher.ErrGatewayRejected))
	}
	return voucher.ProviderStatus(response.Status), nil
}

func (client *Client) reference(sessionID string) sessionReference {
	return sessionReference{MerchantID: client.merchantID, SessionID: sessionID}
}

func (client *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return voucher.WrapError(errorOperation, path, errorCodeEncode, err)
	}
	signature, err := client.signer.Sign(body)
	if err != nil {
		return voucher.WrapError(errorOperation, path, errorCodeSign, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+"/"+path, bytes.NewReader(body))
	if err != nil {
		return voucher.WrapError(errorOperation, path, errorCodeEncode, err)
	}
	request.Header.Set(headerContentType, contentTypeJSON)
	request.Header.Set(headerSignature, signature)

	started := time.Now()
	response, err := client.http.Do(request)
	if err != nil {
		client.logger.Warn("novapay request failed", zap.String("path", path), zap.Error(err))
		return voucher.WrapError(errorOperation, path, errorCodeTransport, fmt.Errorf("%w: %w", voucher.ErrGatewayUnavailable, err))
	}
	defer response.Body.Close()
	client.logger.Debug("novapay request",
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return voucher.WrapError(errorOperation, path, errorCodeRejected, RejectedError{
			StatusCode: response.StatusCode,
			Detail:     strings.TrimSpace(string(detail)),
		})
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return voucher.WrapError(errorOperation, path, errorCodeDecode, fmt.Errorf("%w: malformed response: %w", voucher.ErrGatewayRejected, err))
	}
	return nil
}

// formatAmount renders minor units as a major-unit decimal with two places.
func formatAmount(amount voucher.AmountCents) json.Number {
	return json.Number(decimal.New(amount.Int64(), -2).StringFixed(2))
}
