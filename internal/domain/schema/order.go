package schema

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/dcabot/errs"
)

// Side captures the direction of an order.
type Side string

const (
	// SideBuy indicates a buy order.
	SideBuy Side = "buy"
	// SideSell indicates a sell order.
	SideSell Side = "sell"
)

// ParseSide normalises a wire side value.
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", errs.New("schema/side", errs.CodeInvalid, errs.WithMessage("unsupported side "+raw))
	}
}

// OrderPayload is the order intent carried by ORDER events.
type OrderPayload struct {
	Symbol string          `json:"symbol"`
	Side   Side            `json:"side"`
	Amount decimal.Decimal `json:"amount"`
}

// Validate ensures the intent can be sent to the exchange.
func (o OrderPayload) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if _, err := ParseSide(string(o.Side)); err != nil {
		return err
	}
	if !o.Amount.IsPositive() {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("amount must be positive"))
	}
	return nil
}
