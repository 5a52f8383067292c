package exchanger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/domain/schema"
)

const (
	instrumentsPath = "/api/v1/market/instruments"
	ordersPath      = "/api/v1/trade/orders"

	defaultConnectTimeout = 5 * time.Second
	defaultOrderTimeout   = 10 * time.Second

	maxErrorBody = 4 << 10
)

// OrderAck is the exchange's answer to an order submission.
// The zero value means the order status is unknown.
type OrderAck struct {
	OrderID string
	Status  string
	Raw     json.RawMessage
}

// Confirmed reports whether the exchange acknowledged the order.
func (a OrderAck) Confirmed() bool {
	return a.OrderID != "" || a.Status != "" || len(a.Raw) > 0
}

// Kline is a candlestick bar.
type Kline struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Position reports long and short exposure for a symbol.
type Position struct {
	Long  decimal.Decimal
	Short decimal.Decimal
}

// Balance reports account funds.
type Balance struct {
	Total     decimal.Decimal
	Available decimal.Decimal
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithConnectTimeout bounds the connectivity probe.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithOrderTimeout bounds each order submission.
func WithOrderTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.orderTimeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClock overrides the signing clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.signer.now = now
		}
	}
}

// Client issues signed REST calls against the exchange.
type Client struct {
	baseURL        string
	signer         *Signer
	http           *http.Client
	connectTimeout time.Duration
	orderTimeout   time.Duration
	logger         zerolog.Logger
	metrics        *restMetrics
}

// NewClient validates the credentials and builds a REST client.
func NewClient(creds Credentials, opts ...Option) (*Client, error) {
	if err := creds.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(creds.BaseURL), "/"),
		signer:         NewSigner(strings.TrimSpace(creds.APIKey), strings.TrimSpace(creds.SecretKey)),
		http:           &http.Client{},
		connectTimeout: defaultConnectTimeout,
		orderTimeout:   defaultOrderTimeout,
		logger:         zerolog.Nop(),
		metrics:        newRESTMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With().Str("component", "exchanger/rest").Logger()
	return c, nil
}

// Connect probes the instruments endpoint to verify the API is reachable.
func (c *Client) Connect(ctx context.Context) error {
	started := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+instrumentsPath, nil)
	if err != nil {
		return errs.New("exchanger/rest", errs.CodeConnectivity, errs.WithMessage("create probe request"), errs.WithCause(err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.observe(ctx, "connect", "network_error", started)
		return errs.New("exchanger/rest", errs.CodeConnectivity,
			errs.WithMessage("exchange unreachable"),
			errs.WithField("base_url", c.baseURL),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.metrics.observe(ctx, "connect", "http_error", started)
		return errs.New("exchanger/rest", errs.CodeConnectivity,
			errs.WithMessage("probe rejected"),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(strings.TrimSpace(string(body))),
			errs.WithField("base_url", c.baseURL))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.metrics.observe(ctx, "connect", "success", started)
	c.logger.Info().Str("base_url", c.baseURL).Msg("connected to exchange API")
	return nil
}

type orderRequest struct {
	InstrumentID string `json:"instrument_id"`
	Side         string `json:"side"`
	OrderType    string `json:"order_type"`
	Quantity     string `json:"quantity"`
}

type orderResponse struct {
	OrderID flexString `json:"order_id"`
	ID      flexString `json:"id"`
	Status  flexString `json:"status"`
}

// PlaceMarketOrder submits a signed market order and returns the exchange acknowledgement.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side schema.Side, amount decimal.Decimal) (OrderAck, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return OrderAck{}, errs.New("exchanger/rest", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	parsedSide, err := schema.ParseSide(string(side))
	if err != nil {
		return OrderAck{}, err
	}
	if !amount.IsPositive() {
		return OrderAck{}, errs.New("exchanger/rest", errs.CodeInvalid, errs.WithMessage("amount must be positive"))
	}

	body, err := json.Marshal(orderRequest{
		InstrumentID: symbol,
		Side:         string(parsedSide),
		OrderType:    "market",
		Quantity:     amount.String(),
	})
	if err != nil {
		return OrderAck{}, errs.New("exchanger/rest", errs.CodeInvalid, errs.WithMessage("encode order"), errs.WithCause(err))
	}

	started := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.orderTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+ordersPath, bytes.NewReader(body))
	if err != nil {
		return OrderAck{}, errs.New("exchanger/rest", errs.CodeNetwork, errs.WithMessage("create order request"), errs.WithCause(err))
	}
	req.Header = c.signer.Headers(http.MethodPost, ordersPath, body)

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.observe(ctx, "place_order", "network_error", started)
		return OrderAck{}, errs.New("exchanger/rest", errs.CodeNetwork,
			errs.WithMessage("order request failed"),
			errs.WithField("instrument_id", symbol),
			errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.metrics.observe(ctx, "place_order", "http_error", started)
		return OrderAck{}, errs.New("exchanger/rest", errs.CodeExchange,
			errs.WithMessage("order rejected"),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(strings.TrimSpace(string(raw))),
			errs.WithField("instrument_id", symbol))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.observe(ctx, "place_order", "network_error", started)
		return OrderAck{}, errs.New("exchanger/rest", errs.CodeNetwork, errs.WithMessage("read order response"), errs.WithCause(err))
	}
	ack := OrderAck{Raw: json.RawMessage(bytes.TrimSpace(raw))}
	if len(ack.Raw) > 0 {
		var decoded orderResponse
		if err := json.Unmarshal(ack.Raw, &decoded); err != nil {
			c.metrics.observe(ctx, "place_order", "parse_error", started)
			return OrderAck{}, errs.New("exchanger/rest", errs.CodeParse,
				errs.WithMessage("decode order response"),
				errs.WithRawMessage(string(ack.Raw)),
				errs.WithCause(err))
		}
		ack.OrderID = decoded.OrderID.String()
		if ack.OrderID == "" {
			ack.OrderID = decoded.ID.String()
		}
		ack.Status = decoded.Status.String()
	}
	c.metrics.observe(ctx, "place_order", "success", started)
	return ack, nil
}

// CreateMarketOrder never fails: errors are logged and reported as an empty acknowledgement.
func (c *Client) CreateMarketOrder(ctx context.Context, symbol string, side schema.Side, amount decimal.Decimal) OrderAck {
	ack, err := c.PlaceMarketOrder(ctx, symbol, side, amount)
	if err != nil {
		c.logger.Error().Err(err).
			Str("symbol", symbol).
			Str("side", string(side)).
			Str("amount", amount.String()).
			Msg("failed to create order")
		return OrderAck{}
	}
	c.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("amount", amount.String()).
		Str("order_id", ack.OrderID).
		Str("status", ack.Status).
		Msg("order accepted")
	return ack
}

// GetKlines is not served live; market data arrives over the stream.
func (c *Client) GetKlines(_ context.Context, symbol, timeframe string, limit int) []Kline {
	c.logger.Warn().Str("symbol", symbol).Str("timeframe", timeframe).Int("limit", limit).
		Msg("get_klines not available live; market data comes from the stream")
	return nil
}

// GetPosition is not served live and returns a flat position.
func (c *Client) GetPosition(_ context.Context, symbol string) Position {
	c.logger.Warn().Str("symbol", symbol).Msg("get_position not available live")
	return Position{}
}

// GetBalance is not served live and returns a zero balance.
func (c *Client) GetBalance(_ context.Context) Balance {
	c.logger.Warn().Msg("get_balance not available live")
	return Balance{}
}

func (c *Client) String() string {
	return fmt.Sprintf("exchanger.Client{base_url=%s}", c.baseURL)
}
