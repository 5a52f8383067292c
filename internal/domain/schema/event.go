// Package schema defines the events exchanged over the bus and their typed payloads.
package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/dcabot/errs"
)

// EventType enumerates event categories carried by the bus.
type EventType string

const (
	// EventTypeMarket identifies ticker/quote updates.
	EventTypeMarket EventType = "MARKET"
	// EventTypeOrder identifies order intents produced by deciders.
	EventTypeOrder EventType = "ORDER"
	// EventTypeFill identifies fill notifications from the private order channel.
	EventTypeFill EventType = "FILL"
)

// Valid reports whether the type is one of the known event categories.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeMarket, EventTypeOrder, EventTypeFill:
		return true
	default:
		return false
	}
}

// Event is an immutable envelope around exactly one typed payload.
// Subscribers share the same pointer and must treat it as read-only.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// MarketPayload carries a ticker update.
type MarketPayload struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Timestamp time.Time       `json:"timestamp"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// FillStatus distinguishes complete from partial fills.
type FillStatus string

const (
	// FillStatusFilled marks an order that is completely filled.
	FillStatusFilled FillStatus = "filled"
	// FillStatusPartiallyFilled marks an order with a partial execution.
	FillStatusPartiallyFilled FillStatus = "partially_filled"
)

// ParseFillStatus maps a wire status onto a fill status; other statuses are not fills.
func ParseFillStatus(raw string) (FillStatus, bool) {
	switch FillStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case FillStatusFilled:
		return FillStatusFilled, true
	case FillStatusPartiallyFilled:
		return FillStatusPartiallyFilled, true
	default:
		return "", false
	}
}

// FillPayload carries one order update whose status is filled or partially filled.
type FillPayload struct {
	OrderID        string          `json:"order_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Status         FillStatus      `json:"status"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Timestamp      time.Time       `json:"timestamp"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// NewMarketEvent wraps a ticker payload.
func NewMarketEvent(source string, payload MarketPayload) *Event {
	return newEvent(EventTypeMarket, source, payload.Symbol, payload)
}

// NewOrderEvent wraps an order intent after validating it.
func NewOrderEvent(source string, payload OrderPayload) (*Event, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return newEvent(EventTypeOrder, source, payload.Symbol, payload), nil
}

// NewFillEvent wraps a fill payload.
func NewFillEvent(source string, payload FillPayload) *Event {
	return newEvent(EventTypeFill, source, payload.Symbol, payload)
}

func newEvent(typ EventType, source, symbol string, payload any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Source:    strings.TrimSpace(source),
		Symbol:    strings.TrimSpace(symbol),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Market returns the ticker payload when the event is a MARKET event.
func (e *Event) Market() (MarketPayload, bool) {
	if e == nil || e.Type != EventTypeMarket {
		return MarketPayload{}, false
	}
	p, ok := e.Payload.(MarketPayload)
	return p, ok
}

// Order returns the order intent when the event is an ORDER event.
func (e *Event) Order() (OrderPayload, bool) {
	if e == nil || e.Type != EventTypeOrder {
		return OrderPayload{}, false
	}
	p, ok := e.Payload.(OrderPayload)
	return p, ok
}

// Fill returns the fill payload when the event is a FILL event.
func (e *Event) Fill() (FillPayload, bool) {
	if e == nil || e.Type != EventTypeFill {
		return FillPayload{}, false
	}
	p, ok := e.Payload.(FillPayload)
	return p, ok
}

// Validate checks the envelope carries a known type matching its payload.
func (e *Event) Validate() error {
	if e == nil {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("event required"))
	}
	if !e.Type.Valid() {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("unknown event type "+string(e.Type)))
	}
	var ok bool
	switch e.Type {
	case EventTypeMarket:
		_, ok = e.Market()
	case EventTypeOrder:
		_, ok = e.Order()
	case EventTypeFill:
		_, ok = e.Fill()
	}
	if !ok {
		return errs.New("schema/event", errs.CodeInvalid, errs.WithMessage("payload does not match event type "+string(e.Type)))
	}
	return nil
}
