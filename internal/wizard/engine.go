// Package wizard drives the purchase conversation: network, fuel type, volume,
// quantity, confirmation, payment. It keeps no state of its own; every input loads
// and saves the buyer's session.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/session"
	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"go.uber.org/zap"
)

// InputKind names what the buyer did.
type InputKind string

const (
	InputStart   InputKind = "start"
	InputSelect  InputKind = "select"
	InputText    InputKind = "text"
	InputBack    InputKind = "back"
	InputCancel  InputKind = "cancel"
	InputConfirm InputKind = "confirm"
	InputStatus  InputKind = "status"
	InputContact InputKind = "contact"
)

// Notices are stable codes the chat transport renders into buyer-facing text.
const (
	NoticeNone               = ""
	NoticePhoneRequired      = "phone_required"
	NoticeContactSaved       = "contact_saved"
	NoticeNoNetworks         = "no_networks"
	NoticeSoldOut            = "sold_out"
	NoticeUnknownOption      = "unknown_option"
	NoticeUnexpectedInput    = "unexpected_input"
	NoticeInvalidQuantity    = "invalid_quantity"
	NoticeInsufficientStock  = "insufficient_inventory"
	NoticePaymentUnavailable = "payment_unavailable"
	NoticePaymentPending     = "payment_pending"
	NoticePaymentPaid        = "payment_paid"
	NoticePaymentFailed      = "payment_failed"
	NoticePaymentCanceled    = "payment_canceled"
	NoticeInventoryConflict  = "inventory_conflict"
	NoticeNoActiveOrder      = "no_active_order"
	NoticeSessionExpired     = "session_expired"
	NoticeCanceled           = "canceled"
	NoticeBackToMenu         = "back_to_menu"
	NoticeCheckoutOpened     = "checkout_opened"
	NoticeQuantityPrompt     = "quantity_prompt"
	NoticeConfirmationPrompt = "confirmation_prompt"
)

var errInvalidEngineConfig = errors.New("invalid wizard config")

// Input is one buyer action.
type Input struct {
	Kind  InputKind
	Value string
}

// Option is one selectable choice.
type Option struct {
	ID    string
	Label string
}

// Reply is what the buyer should see after an input.
type Reply struct {
	Step          session.Step
	Notice        string
	Options       []Option
	NetworkName   string
	FuelTypeName  string
	Volume        int64
	Available     int
	MaxQuantity   int
	Quantity      int
	UnitPrice     voucher.AmountCents
	Total         voucher.AmountCents
	TransactionID string
	RedirectURL   string
	Outcome       voucher.ApplyOutcome
	Vouchers      []voucher.Voucher
}

// Purchases is the slice of voucher.Service the wizard drives.
type Purchases interface {
	ListNetworks(ctx context.Context) ([]voucher.Network, error)
	ListFuelTypes(ctx context.Context, networkID voucher.NetworkID) ([]voucher.FuelType, error)
	ListVolumes(ctx context.Context, networkID voucher.NetworkID, fuelTypeID voucher.FuelTypeID) ([]voucher.Liters, error)
	CountAvailable(ctx context.Context, filter voucher.VoucherFilter) (int, error)
	ResolvePrice(ctx context.Context, filter voucher.VoucherFilter) (voucher.PriceQuote, error)
	Reserve(ctx context.Context, filter voucher.VoucherFilter, quantity int) (voucher.Reservation, error)
	Checkout(ctx context.Context, buyerID voucher.BuyerID, reservation voucher.Reservation) (voucher.Transaction, error)
	AbandonCheckout(ctx context.Context, transactionID voucher.TransactionID) (voucher.Transaction, error)
	RefreshStatus(ctx context.Context, transactionID voucher.TransactionID) (voucher.ApplyResult, error)
	GetBuyer(ctx context.Context, buyerID voucher.BuyerID) (voucher.Buyer, error)
	RegisterBuyer(ctx context.Context, buyer voucher.Buyer) (voucher.Buyer, error)
	ListOwnedVouchers(ctx context.Context, buyerID voucher.BuyerID) ([]voucher.Voucher, error)
	MaxQuantity() int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger wires a zap logger for step transitions.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// WithClock overrides the session timestamp source.
func WithClock(now func() time.Time) EngineOption {
	return func(engine *Engine) {
		engine.now = now
	}
}

// Engine is the conversation state machine.
type Engine struct {
	purchases Purchases
	sessions  session.Store
	now       func() time.Time
	logger    *zap.Logger
}

// NewEngine builds an engine over the purchase service and a session store.
func NewEngine(purchases Purchases, sessions session.Store, options ...EngineOption) (*Engine, error) {
	if purchases == nil {
		return nil, fmt.Errorf("%w: purchases are required", errInvalidEngineConfig)
	}
	if sessions == nil {
		return nil, fmt.Errorf("%w: session store is required", errInvalidEngineConfig)
	}
	engine := &Engine{purchases: purchases, sessions: sessions, now: time.Now, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	if engine.logger == nil {
		engine.logger = zap.NewNop()
	}
	if engine.now == nil {
		engine.now = time.Now
	}
	return engine, nil
}

// Handle applies one input to the buyer's conversation. Buyer mistakes come back as
// notices; returned errors are infrastructure failures.
func (engine *Engine) Handle(ctx context.Context, buyerID voucher.BuyerID, input Input) (Reply, error) {
	if buyerID.IsZero() {
		return Reply{}, fmt.Errorf("%w: empty value", voucher.ErrInvalidBuyerID)
	}
	switch input.Kind {
	case InputStart:
		return engine.start(ctx, buyerID)
	case InputContact:
		return engine.saveContact(ctx, buyerID, input.Value)
	case InputStatus:
		return engine.status(ctx, buyerID)
	case InputCancel:
		return engine.cancel(ctx, buyerID)
	}

	current, err := engine.sessions.Load(ctx, buyerID)
	if errors.Is(err, session.ErrNotFound) {
		return Reply{Step: session.StepTerminal, Notice: NoticeSessionExpired}, nil
	}
	if err != nil {
		return Reply{}, err
	}

	var reply Reply
	switch input.Kind {
	case InputSelect, InputText:
		reply, err = engine.advance(ctx, current, input.Value)
	case InputBack:
		reply, err = engine.back(ctx, buyerID, current)
	case InputConfirm:
		reply, err = engine.confirm(ctx, buyerID, current)
	default:
		reply, err = engine.render(ctx, current, NoticeUnexpectedInput)
	}
	if err == nil {
		engine.logger.Debug("wizard input",
			zap.String("buyer_id", buyerID.String()),
			zap.String("input", string(input.Kind)),
			zap.String("from", string(current.Step)),
			zap.String("to", string(reply.Step)),
			zap.String("notice", reply.Notice),
		)
	}
	return reply, err
}

func (engine *Engine) start(ctx context.Context, buyerID voucher.BuyerID) (Reply, error) {
	buyer, err := engine.purchases.GetBuyer(ctx, buyerID)
	if err != nil && !errors.Is(err, voucher.ErrUnknownBuyer) {
		return Reply{}, err
	}
	if buyer.Phone == "" {
		return Reply{Step: session.StepTerminal, Notice: NoticePhoneRequired}, nil
	}
	fresh := session.Session{
		BuyerID:   buyerID.String(),
		Step:      session.StepSelectingNetwork,
		CreatedAt: engine.now().UTC(),
	}
	options, err := engine.networkOptions(ctx)
	if err != nil {
		return Reply{}, err
	}
	if len(options) == 0 {
		if err := engine.sessions.Delete(ctx, buyerID); err != nil {
			return Reply{}, err
		}
		return Reply{Step: session.StepTerminal, Notice: NoticeNoNetworks}, nil
	}
	if err := engine.sessions.Save(ctx, fresh); err != nil {
		return Reply{}, err
	}
	return Reply{Step: fresh.Step, Options: options}, nil
}

func (engine *Engine) saveContact(ctx context.Context, buyerID voucher.BuyerID, phone string) (Reply, error) {
	if _, err := engine.purchases.RegisterBuyer(ctx, voucher.Buyer{ID: buyerID, Phone: phone}); err != nil {
		return Reply{}, err
	}
	current, err := engine.sessions.Load(ctx, buyerID)
	if errors.Is(err, session.ErrNotFound) {
		return Reply{Step: session.StepTerminal, Notice: NoticeContactSaved}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	return engine.render(ctx, current, NoticeContactSaved)
}

func (engine *Engine) cancel(ctx context.Context, buyerID voucher.BuyerID) (Reply, error) {
	current, err := engine.sessions.Load(ctx, buyerID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return Reply{}, err
	}
	if err == nil && current.Step == session.StepAwaitingPayment && current.TransactionID != "" {
		err := engine.abandon(ctx, current)
		if errors.Is(err, voucher.ErrInvalidTransition) {
			return engine.status(ctx, buyerID)
		}
		if err != nil {
			return Reply{}, err
		}
	}
	if err := engine.sessions.Delete(ctx, buyerID); err != nil {
		return Reply{}, err
	}
	return Reply{Step: session.StepTerminal, Notice: NoticeCanceled}, nil
}

func (engine *Engine) abandon(ctx context.Context, current session.Session) error {
	transactionID, err := voucher.NewTransactionID(current.TransactionID)
	if err != nil {
		return err
	}
	_, err = engine.purchases.AbandonCheckout(ctx, transactionID)
	if errors.Is(err, voucher.ErrGatewayUnavailable) || errors.Is(err, voucher.ErrGatewayRejected) {
		// The stale-pending reclaim decides it once the provider answers again.
		engine.logger.Warn("checkout left pending",
			zap.String("transaction_id", current.TransactionID),
			zap.Error(err),
		)
		return nil
	}
	return err
}
