// Package session keeps per-buyer conversation state between wizard inputs. Sessions
// are ephemeral: losing one only forces the buyer to restart the wizard.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
)

// DefaultMaxAge bounds how long an untouched conversation is kept.
const DefaultMaxAge = 24 * time.Hour

// ErrNotFound is returned when the buyer has no live session.
var ErrNotFound = errors.New("session not found")

// Step is a wizard state.
type Step string

const (
	StepSelectingNetwork   Step = "selecting_network"
	StepSelectingFuelType  Step = "selecting_fuel_type"
	StepSelectingVolume    Step = "selecting_volume"
	StepEnteringQuantity   Step = "entering_quantity"
	StepConfirmingPurchase Step = "confirming_purchase"
	StepAwaitingPayment    Step = "awaiting_payment"
	StepTerminal           Step = "terminal"
)

// Session is the conversation state of one buyer.
type Session struct {
	BuyerID       string    `json:"buyer_id"`
	Step          Step      `json:"step"`
	NetworkID     string    `json:"network_id,omitempty"`
	NetworkName   string    `json:"network_name,omitempty"`
	FuelTypeID    string    `json:"fuel_type_id,omitempty"`
	FuelTypeName  string    `json:"fuel_type_name,omitempty"`
	Volume        int64     `json:"volume,omitempty"`
	Available     int       `json:"available,omitempty"`
	Quantity      int       `json:"quantity,omitempty"`
	Candidates    []string  `json:"candidates,omitempty"`
	UnitPrice     int64     `json:"unit_price,omitempty"`
	Total         int64     `json:"total,omitempty"`
	PriceTier     string    `json:"price_tier,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	RedirectURL   string    `json:"redirect_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists sessions keyed by buyer id.
type Store interface {
	Load(ctx context.Context, buyerID voucher.BuyerID) (Session, error)
	Save(ctx context.Context, session Session) error
	Delete(ctx context.Context, buyerID voucher.BuyerID) error
}

func (session Session) clone() Session {
	cloned := session
	if session.Candidates != nil {
		cloned.Candidates = append([]string(nil), session.Candidates...)
	}
	return cloned
}

func expired(session Session, now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(session.CreatedAt) > maxAge
}
