package wizard

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/fuelvoucher/internal/session"
	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
)

var predecessors = map[session.Step]session.Step{
	session.StepSelectingFuelType:  session.StepSelectingNetwork,
	session.StepSelectingVolume:    session.StepSelectingFuelType,
	session.StepEnteringQuantity:   session.StepSelectingVolume,
	session.StepConfirmingPurchase: session.StepEnteringQuantity,
	session.StepAwaitingPayment:    session.StepConfirmingPurchase,
}

// clearFrom drops everything the buyer entered at step and at every later step.
func clearFrom(current session.Session, step session.Step) session.Session {
	cleared := current
	switch step {
	case session.StepSelectingNetwork:
		cleared.NetworkID, cleared.NetworkName = "", ""
		fallthrough
	case session.StepSelectingFuelType:
		cleared.FuelTypeID, cleared.FuelTypeName = "", ""
		fallthrough
	case session.StepSelectingVolume:
		cleared.Volume = 0
		fallthrough
	case session.StepEnteringQuantity:
		cleared.Available, cleared.Quantity = 0, 0
		fallthrough
	case session.StepConfirmingPurchase:
		cleared.Candidates = nil
		cleared.UnitPrice, cleared.Total, cleared.PriceTier = 0, 0, ""
		fallthrough
	case session.StepAwaitingPayment:
		cleared.TransactionID, cleared.RedirectURL = "", ""
	}
	return cleared
}

func (engine *Engine) advance(ctx context.Context, current session.Session, value string) (Reply, error) {
	switch current.Step {
	case session.StepSelectingNetwork:
		options, err := engine.networkOptions(ctx)
		if err != nil {
			return Reply{}, err
		}
		chosen, ok := matchOption(options, value)
		if !ok {
			return engine.render(ctx, current, NoticeUnknownOption)
		}
		next := clearFrom(current, session.StepSelectingNetwork)
		next.NetworkID, next.NetworkName = chosen.ID, chosen.Label
		next.Step = session.StepSelectingFuelType
		return engine.enter(ctx, current, next)
	case session.StepSelectingFuelType:
		options, err := engine.fuelTypeOptions(ctx, current)
		if err != nil {
			return Reply{}, err
		}
		chosen, ok := matchOption(options, value)
		if !ok {
			return engine.render(ctx, current, NoticeUnknownOption)
		}
		next := clearFrom(current, session.StepSelectingFuelType)
		next.FuelTypeID, next.FuelTypeName = chosen.ID, chosen.Label
		next.Step = session.StepSelectingVolume
		return engine.enter(ctx, current, next)
	case session.StepSelectingVolume:
		options, err := engine.volumeOptions(ctx, current)
		if err != nil {
			return Reply{}, err
		}
		chosen, ok := matchOption(options, value)
		if !ok {
			return engine.render(ctx, current, NoticeUnknownOption)
		}
		volume, err := strconv.ParseInt(chosen.ID, 10, 64)
		if err != nil {
			return engine.render(ctx, current, NoticeUnknownOption)
		}
		next := clearFrom(current, session.StepSelectingVolume)
		next.Volume = volume
		next.Step = session.StepEnteringQuantity
		return engine.enter(ctx, current, next)
	case session.StepEnteringQuantity:
		return engine.chooseQuantity(ctx, current, value)
	default:
		return engine.render(ctx, current, NoticeUnexpectedInput)
	}
}

// enter moves to next unless next offers nothing to choose from, in which case the
// buyer stays where they are.
func (engine *Engine) enter(ctx context.Context, current session.Session, next session.Session) (Reply, error) {
	reply, err := engine.render(ctx, next, NoticeNone)
	if err != nil {
		return Reply{}, err
	}
	if deadEnd(reply) {
		return engine.render(ctx, current, NoticeSoldOut)
	}
	if next.Step == session.StepEnteringQuantity {
		next.Available = reply.Available
		reply.Notice = NoticeQuantityPrompt
	}
	if err := engine.sessions.Save(ctx, next); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func deadEnd(reply Reply) bool {
	switch reply.Step {
	case session.StepSelectingNetwork, session.StepSelectingFuelType, session.StepSelectingVolume:
		return len(reply.Options) == 0
	case session.StepEnteringQuantity:
		return reply.MaxQuantity == 0
	default:
		return false
	}
}

func (engine *Engine) chooseQuantity(ctx context.Context, current session.Session, value string) (Reply, error) {
	prompt, err := engine.render(ctx, current, NoticeInvalidQuantity)
	if err != nil {
		return Reply{}, err
	}
	if prompt.MaxQuantity == 0 {
		prompt.Notice = NoticeSoldOut
		return prompt, nil
	}
	quantity, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || quantity < 1 || quantity > prompt.MaxQuantity {
		return prompt, nil
	}
	filter, err := sessionFilter(current)
	if err != nil {
		return Reply{}, err
	}
	reservation, err := engine.purchases.Reserve(ctx, filter, quantity)
	if errors.Is(err, voucher.ErrInsufficientInventory) {
		return engine.render(ctx, current, NoticeInsufficientStock)
	}
	if err != nil {
		return Reply{}, err
	}
	next := clearFrom(current, session.StepConfirmingPurchase)
	next.Step = session.StepConfirmingPurchase
	next.Available = prompt.Available
	next.Quantity = quantity
	next.Candidates = make([]string, 0, len(reservation.Candidates))
	for _, candidate := range reservation.Candidates {
		next.Candidates = append(next.Candidates, candidate.String())
	}
	next.UnitPrice = reservation.UnitPrice.Int64()
	next.Total = reservation.Total.Int64()
	next.PriceTier = string(reservation.PriceTier)
	if err := engine.sessions.Save(ctx, next); err != nil {
		return Reply{}, err
	}
	return engine.render(ctx, next, NoticeConfirmationPrompt)
}

func (engine *Engine) confirm(ctx context.Context, buyerID voucher.BuyerID, current session.Session) (Reply, error) {
	if current.Step != session.StepConfirmingPurchase {
		return engine.render(ctx, current, NoticeUnexpectedInput)
	}
	reservation, err := sessionReservation(current)
	if err != nil {
		return Reply{}, err
	}
	transaction, err := engine.purchases.Checkout(ctx, buyerID, reservation)
	switch {
	case errors.Is(err, voucher.ErrBuyerPhoneRequired):
		return engine.render(ctx, current, NoticePhoneRequired)
	case errors.Is(err, voucher.ErrGatewayUnavailable), errors.Is(err, voucher.ErrGatewayRejected):
		return engine.render(ctx, current, NoticePaymentUnavailable)
	case err != nil:
		return Reply{}, err
	}
	next := current
	next.Step = session.StepAwaitingPayment
	next.TransactionID = transaction.ID.String()
	next.RedirectURL = transaction.ProviderRedirectURL
	if err := engine.sessions.Save(ctx, next); err != nil {
		return Reply{}, err
	}
	return engine.render(ctx, next, NoticeCheckoutOpened)
}

func (engine *Engine) back(ctx context.Context, buyerID voucher.BuyerID, current session.Session) (Reply, error) {
	previous, ok := predecessors[current.Step]
	if !ok {
		if err := engine.sessions.Delete(ctx, buyerID); err != nil {
			return Reply{}, err
		}
		return Reply{Step: session.StepTerminal, Notice: NoticeBackToMenu}, nil
	}
	if current.Step == session.StepAwaitingPayment && current.TransactionID != "" {
		err := engine.abandon(ctx, current)
		if errors.Is(err, voucher.ErrInvalidTransition) {
			return engine.status(ctx, buyerID)
		}
		if err != nil {
			return Reply{}, err
		}
	}
	next := clearFrom(current, current.Step)
	next.Step = previous
	if err := engine.sessions.Save(ctx, next); err != nil {
		return Reply{}, err
	}
	return engine.render(ctx, next, NoticeNone)
}

func (engine *Engine) status(ctx context.Context, buyerID voucher.BuyerID) (Reply, error) {
	current, err := engine.sessions.Load(ctx, buyerID)
	if errors.Is(err, session.ErrNotFound) {
		return Reply{Step: session.StepTerminal, Notice: NoticeNoActiveOrder}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	if current.TransactionID == "" {
		return engine.render(ctx, current, NoticeNoActiveOrder)
	}
	transactionID, err := voucher.NewTransactionID(current.TransactionID)
	if err != nil {
		return Reply{}, err
	}
	result, err := engine.purchases.RefreshStatus(ctx, transactionID)
	switch {
	case errors.Is(err, voucher.ErrGatewayUnavailable), errors.Is(err, voucher.ErrGatewayRejected):
		return engine.render(ctx, current, NoticePaymentUnavailable)
	case err != nil:
		return Reply{}, err
	}

	reply := Reply{
		Step:          session.StepTerminal,
		Outcome:       result.Outcome,
		TransactionID: current.TransactionID,
		Quantity:      current.Quantity,
		Total:         result.Transaction.TotalAmount,
	}
	switch result.Transaction.Status {
	case voucher.TransactionStatusPending:
		pending, err := engine.render(ctx, current, NoticePaymentPending)
		if err != nil {
			return Reply{}, err
		}
		pending.Outcome = result.Outcome
		return pending, nil
	case voucher.TransactionStatusPaid:
		owned, err := engine.purchases.ListOwnedVouchers(ctx, buyerID)
		if err != nil {
			return Reply{}, err
		}
		reply.Notice = NoticePaymentPaid
		reply.Vouchers = owned
	case voucher.TransactionStatusFailed:
		reply.Notice = NoticePaymentFailed
		if result.Transaction.FailureReason == voucher.ReasonInventoryConflict {
			reply.Notice = NoticeInventoryConflict
		}
	default:
		reply.Notice = NoticePaymentCanceled
	}
	if err := engine.sessions.Delete(ctx, buyerID); err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// render describes the session's current step with fresh catalog data.
func (engine *Engine) render(ctx context.Context, current session.Session, notice string) (Reply, error) {
	reply := Reply{
		Step:          current.Step,
		Notice:        notice,
		NetworkName:   current.NetworkName,
		FuelTypeName:  current.FuelTypeName,
		Volume:        current.Volume,
		Available:     current.Available,
		Quantity:      current.Quantity,
		UnitPrice:     voucher.AmountCents(current.UnitPrice),
		Total:         voucher.AmountCents(current.Total),
		TransactionID: current.TransactionID,
		RedirectURL:   current.RedirectURL,
	}
	var err error
	switch current.Step {
	case session.StepSelectingNetwork:
		reply.Options, err = engine.networkOptions(ctx)
	case session.StepSelectingFuelType:
		reply.Options, err = engine.fuelTypeOptions(ctx, current)
	case session.StepSelectingVolume:
		reply.Options, err = engine.volumeOptions(ctx, current)
	case session.StepEnteringQuantity:
		err = engine.describeStock(ctx, current, &reply)
	}
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func (engine *Engine) describeStock(ctx context.Context, current session.Session, reply *Reply) error {
	filter, err := sessionFilter(current)
	if err != nil {
		return err
	}
	available, err := engine.purchases.CountAvailable(ctx, filter)
	if err != nil {
		return err
	}
	reply.Available = available
	reply.MaxQuantity = min(available, engine.purchases.MaxQuantity())
	if available == 0 {
		return nil
	}
	quote, err := engine.purchases.ResolvePrice(ctx, filter)
	if err != nil {
		return err
	}
	reply.UnitPrice = quote.UnitPrice
	return nil
}

func (engine *Engine) networkOptions(ctx context.Context) ([]Option, error) {
	networks, err := engine.purchases.ListNetworks(ctx)
	if err != nil {
		return nil, err
	}
	options := make([]Option, 0, len(networks))
	for _, network := range networks {
		options = append(options, Option{ID: network.ID.String(), Label: network.Name})
	}
	return options, nil
}

func (engine *Engine) fuelTypeOptions(ctx context.Context, current session.Session) ([]Option, error) {
	networkID, err := voucher.NewNetworkID(current.NetworkID)
	if err != nil {
		return nil, err
	}
	fuelTypes, err := engine.purchases.ListFuelTypes(ctx, networkID)
	if err != nil {
		return nil, err
	}
	options := make([]Option, 0, len(fuelTypes))
	for _, fuelType := range fuelTypes {
		options = append(options, Option{ID: fuelType.ID.String(), Label: fuelType.Name})
	}
	return options, nil
}

func (engine *Engine) volumeOptions(ctx context.Context, current session.Session) ([]Option, error) {
	networkID, err := voucher.NewNetworkID(current.NetworkID)
	if err != nil {
		return nil, err
	}
	fuelTypeID, err := voucher.NewFuelTypeID(current.FuelTypeID)
	if err != nil {
		return nil, err
	}
	volumes, err := engine.purchases.ListVolumes(ctx, networkID, fuelTypeID)
	if err != nil {
		return nil, err
	}
	options := make([]Option, 0, len(volumes))
	for _, volume := range volumes {
		id := strconv.FormatInt(volume.Int64(), 10)
		options = append(options, Option{ID: id, Label: id + " L"})
	}
	return options, nil
}

// matchOption accepts an option id or, for free-text input, its label.
func matchOption(options []Option, value string) (Option, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Option{}, false
	}
	for _, option := range options {
		if option.ID == trimmed {
			return option, true
		}
	}
	for _, option := range options {
		if strings.EqualFold(option.Label, trimmed) {
			return option, true
		}
	}
	return Option{}, false
}

func sessionFilter(current session.Session) (voucher.VoucherFilter, error) {
	networkID, err := voucher.NewNetworkID(current.NetworkID)
	if err != nil {
		return voucher.VoucherFilter{}, err
	}
	fuelTypeID, err := voucher.NewFuelTypeID(current.FuelTypeID)
	if err != nil {
		return voucher.VoucherFilter{}, err
	}
	volume, err := voucher.NewLiters(current.Volume)
	if err != nil {
		return voucher.VoucherFilter{}, err
	}
	return voucher.VoucherFilter{NetworkID: networkID, FuelTypeID: fuelTypeID, Volume: volume}, nil
}

func sessionReservation(current session.Session) (voucher.Reservation, error) {
	filter, err := sessionFilter(current)
	if err != nil {
		return voucher.Reservation{}, err
	}
	candidates := make([]voucher.VoucherID, 0, len(current.Candidates))
	for _, raw := range current.Candidates {
		candidate, err := voucher.NewVoucherID(raw)
		if err != nil {
			return voucher.Reservation{}, err
		}
		candidates = append(candidates, candidate)
	}
	return voucher.Reservation{
		Filter:     filter,
		Candidates: candidates,
		UnitPrice:  voucher.AmountCents(current.UnitPrice),
		Total:      voucher.AmountCents(current.Total),
		PriceTier:  voucher.PriceTier(current.PriceTier),
	}, nil
}
