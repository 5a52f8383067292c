package exchanger

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/domain/schema"
)

// Stream message types published by the exchange.
const (
	messageTicker      = "Ticker"
	messageOrderUpdate = "OrderUpdate"
)

type subscribeRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type streamEnvelope struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type tickerRecord struct {
	Symbol       string          `json:"symbol"`
	InstrumentID string          `json:"instrument_id"`
	Price        decimal.Decimal `json:"price"`
	LastPrice    decimal.Decimal `json:"last_price"`
	BidPrice     decimal.Decimal `json:"bid_price"`
	AskPrice     decimal.Decimal `json:"ask_price"`
	Volume24h    decimal.Decimal `json:"volume_24h"`
	Timestamp    json.RawMessage `json:"timestamp"`
}

type orderRecord struct {
	OrderID        flexString      `json:"order_id"`
	ID             flexString      `json:"id"`
	InstrumentID   string          `json:"instrument_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Status         string          `json:"status"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	Timestamp      json.RawMessage `json:"timestamp"`
}

// flexString accepts JSON strings and bare numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	*f = flexString(trimmed)
	return nil
}

func (f flexString) String() string { return string(f) }

// decoder turns raw stream frames into events.
type decoder struct {
	source string
	symbol string
	logger zerolog.Logger
}

// decode returns the events carried by one frame along with the frame's message type.
// Frames that are not JSON yield a parse error; unknown message types yield no events.
func (d decoder) decode(raw []byte) (string, []*schema.Event, error) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, errs.New("exchanger/stream", errs.CodeParse,
			errs.WithMessage("non-JSON stream message"),
			errs.WithRawMessage(truncate(raw)),
			errs.WithCause(err))
	}

	switch env.EventType {
	case messageTicker:
		evt, err := d.ticker(env.Data)
		if err != nil {
			return env.EventType, nil, err
		}
		return env.EventType, []*schema.Event{evt}, nil
	case messageOrderUpdate:
		return env.EventType, d.orderUpdates(env.Data), nil
	default:
		d.logger.Debug().Str("event_type", env.EventType).Msg("ignoring stream message")
		return env.EventType, nil, nil
	}
}

func (d decoder) ticker(data json.RawMessage) (*schema.Event, error) {
	if !isObject(data) {
		return nil, errs.New("exchanger/stream", errs.CodeParse,
			errs.WithMessage("ticker data must be an object"),
			errs.WithRawMessage(truncate(data)))
	}
	var rec tickerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errs.New("exchanger/stream", errs.CodeParse,
			errs.WithMessage("decode ticker"),
			errs.WithRawMessage(truncate(data)),
			errs.WithCause(err))
	}
	price := rec.Price
	if price.IsZero() {
		price = rec.LastPrice
	}
	return schema.NewMarketEvent(d.source, schema.MarketPayload{
		Symbol:    firstNonEmpty(rec.Symbol, rec.InstrumentID, d.symbol),
		Price:     price,
		BidPrice:  rec.BidPrice,
		AskPrice:  rec.AskPrice,
		Volume24h: rec.Volume24h,
		Timestamp: parseTimestamp(rec.Timestamp),
		Raw:       append(json.RawMessage(nil), data...),
	}), nil
}

// orderUpdates emits one FILL per filled or partially filled order.
// Data may be an array of orders or a single order object.
func (d decoder) orderUpdates(data json.RawMessage) []*schema.Event {
	var items []json.RawMessage
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return nil
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			d.logger.Warn().Err(err).Msg("malformed order update batch")
			return nil
		}
	case trimmed[0] == '{':
		items = []json.RawMessage{trimmed}
	default:
		d.logger.Warn().Str("data", truncate(trimmed)).Msg("unexpected order update payload")
		return nil
	}

	events := make([]*schema.Event, 0, len(items))
	for _, item := range items {
		var rec orderRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			d.logger.Warn().Err(err).Str("order", truncate(item)).Msg("skipping malformed order update")
			continue
		}
		status, ok := schema.ParseFillStatus(rec.Status)
		if !ok {
			continue
		}
		side, err := schema.ParseSide(rec.Side)
		if err != nil {
			d.logger.Warn().Str("side", rec.Side).Msg("order update with unknown side")
		}
		orderID := rec.OrderID.String()
		if orderID == "" {
			orderID = rec.ID.String()
		}
		events = append(events, schema.NewFillEvent(d.source, schema.FillPayload{
			OrderID:        orderID,
			Symbol:         firstNonEmpty(rec.InstrumentID, rec.Symbol, d.symbol),
			Side:           side,
			Status:         status,
			Quantity:       rec.Quantity,
			FilledQuantity: rec.FilledQuantity,
			Price:          rec.Price,
			AvgPrice:       rec.AvgPrice,
			Timestamp:      parseTimestamp(rec.Timestamp),
			Raw:            append(json.RawMessage(nil), item...),
		}))
	}
	return events
}

// parseTimestamp accepts epoch milliseconds (number or string) and RFC3339 strings.
func parseTimestamp(raw json.RawMessage) time.Time {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return time.Now().UTC()
	}
	text := string(trimmed)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return time.Now().UTC()
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC()
		}
		text = s
	}
	millis, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil || millis <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(millis).UTC()
}

func isObject(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func truncate(raw []byte) string {
	const limit = 256
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
