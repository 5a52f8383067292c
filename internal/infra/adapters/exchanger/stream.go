package exchanger

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/domain/schema"
)

const (
	defaultReconnectDelay   = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 1 << 20
	writeTimeout            = 5 * time.Second
)

// ConnectionState tracks the stream lifecycle.
type ConnectionState int32

const (
	// StateDisconnected is the initial and terminal state.
	StateDisconnected ConnectionState = iota
	// StateConnecting covers dialing and the subscribe request.
	StateConnecting
	// StateSubscribed means topics are subscribed and messages are flowing.
	StateSubscribed
	// StateReconnecting is the wait between a failure and the next dial.
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Conn is the subset of *websocket.Conn used by the ingester.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a websocket connection carrying the given headers.
type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// StreamOptions configures a StreamIngester.
type StreamOptions struct {
	URL    string
	Token  string
	Symbol string

	// ReconnectDelay is the wait before the first reconnect.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps exponential growth; zero keeps the delay fixed.
	MaxReconnectDelay time.Duration
	// MaxReconnectAttempts bounds consecutive failures; zero retries forever.
	MaxReconnectAttempts int

	HandshakeTimeout time.Duration
	ReadLimit        int64

	OnStateChange func(from, to ConnectionState)
	Dialer        Dialer
	Logger        *zerolog.Logger
}

func (o StreamOptions) withDefaults() StreamOptions {
	o.URL = strings.TrimSpace(o.URL)
	o.Token = strings.TrimSpace(o.Token)
	o.Symbol = strings.TrimSpace(o.Symbol)
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.MaxReconnectDelay < 0 {
		o.MaxReconnectDelay = 0
	}
	if o.MaxReconnectAttempts < 0 {
		o.MaxReconnectAttempts = 0
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.Dialer == nil {
		o.Dialer = websocketDialer(o.ReadLimit)
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

func websocketDialer(readLimit int64) Dialer {
	return func(ctx context.Context, url string, header http.Header) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(readLimit)
		return conn, nil
	}
}

// StreamIngester keeps an authenticated stream subscribed and publishes decoded events.
type StreamIngester struct {
	opts    StreamOptions
	logger  zerolog.Logger
	decoder decoder
	metrics *streamMetrics

	state atomic.Int32
}

// NewStreamIngester validates options and builds an ingester.
func NewStreamIngester(opts StreamOptions) (*StreamIngester, error) {
	opts = opts.withDefaults()
	if opts.URL == "" {
		return nil, errs.Config("exchanger/stream", "ws_url required")
	}
	if opts.Token == "" {
		return nil, errs.Config("exchanger/stream", "jwt required")
	}
	if opts.Symbol == "" {
		return nil, errs.Config("exchanger/stream", "symbol required")
	}
	logger := opts.Logger.With().Str("component", "exchanger/stream").Str("symbol", opts.Symbol).Logger()
	return &StreamIngester{
		opts:    opts,
		logger:  logger,
		decoder: decoder{source: "exchanger/stream", symbol: opts.Symbol, logger: logger},
		metrics: newStreamMetrics(),
	}, nil
}

// Name identifies the ingester as an event source.
func (s *StreamIngester) Name() string { return "stream-ingester" }

// State returns the current connection state.
func (s *StreamIngester) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Topics returns the subscription arguments sent after every connect.
func (s *StreamIngester) Topics() []string {
	return []string{"tickers:" + s.opts.Symbol, "private:orders"}
}

// Run connects, subscribes and publishes events until ctx is cancelled.
// Failures trigger reconnection after the backoff delay; consecutive failures
// reset once a subscription succeeds. Run returns a stream error only when
// MaxReconnectAttempts is set and exceeded.
func (s *StreamIngester) Run(ctx context.Context, publish func(context.Context, *schema.Event) error) error {
	if publish == nil {
		return errs.New("exchanger/stream", errs.CodeInvalid, errs.WithMessage("publish function required"))
	}
	defer s.setState(StateDisconnected)

	policy := s.newBackOff()
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		subscribed, err := s.session(ctx, publish)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			failures = 0
			policy.Reset()
		}
		failures++

		if s.opts.MaxReconnectAttempts > 0 && failures > s.opts.MaxReconnectAttempts {
			s.logger.Error().Err(err).Int("attempts", failures).Msg("stream reconnect attempts exhausted")
			return errs.New("exchanger/stream", errs.CodeStream,
				errs.WithMessage("reconnect attempts exhausted"),
				errs.WithField("url", s.opts.URL),
				errs.WithCause(err))
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			delay = s.opts.ReconnectDelay
		}
		s.setState(StateReconnecting)
		s.metrics.reconnect(s.opts.Symbol)
		s.logger.Error().Err(err).Dur("delay", delay).Int("failures", failures).Msg("stream connection lost; reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection lifetime. subscribed reports whether the
// subscribe request was sent before the session ended.
func (s *StreamIngester) session(ctx context.Context, publish func(context.Context, *schema.Event) error) (subscribed bool, err error) {
	s.setState(StateConnecting)

	header := make(http.Header, 1)
	header.Set("Authorization", "Bearer "+s.opts.Token)

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	conn, err := s.opts.Dialer(dialCtx, s.opts.URL, header)
	cancel()
	if err != nil {
		return false, errs.New("exchanger/stream", errs.CodeStream,
			errs.WithMessage("dial failed"),
			errs.WithField("url", s.opts.URL),
			errs.WithCause(err))
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	s.logger.Info().Str("url", s.opts.URL).Msg("stream connected")

	request, err := json.Marshal(subscribeRequest{Op: "subscribe", Args: s.Topics()})
	if err != nil {
		return false, errs.New("exchanger/stream", errs.CodeStream, errs.WithMessage("encode subscribe"), errs.WithCause(err))
	}
	writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, request)
	cancelWrite()
	if err != nil {
		return false, errs.New("exchanger/stream", errs.CodeStream, errs.WithMessage("subscribe failed"), errs.WithCause(err))
	}
	s.setState(StateSubscribed)
	s.logger.Info().Strs("topics", s.Topics()).Msg("subscribed to topics")

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return true, errs.New("exchanger/stream", errs.CodeStream, errs.WithMessage("read failed"), errs.WithCause(err))
		}
		s.handle(ctx, payload, publish)
	}
}

func (s *StreamIngester) handle(ctx context.Context, payload []byte, publish func(context.Context, *schema.Event) error) {
	messageType, events, err := s.decoder.decode(payload)
	if err != nil {
		s.metrics.message(ctx, s.opts.Symbol, "invalid")
		s.logger.Warn().Err(err).Msg("dropping stream message")
		return
	}
	s.metrics.message(ctx, s.opts.Symbol, messageType)
	for _, evt := range events {
		if evt.Type == schema.EventTypeFill {
			s.logger.Info().Str("event_id", evt.ID).Str("symbol", evt.Symbol).Msg("dispatching fill from order update")
		} else {
			s.logger.Debug().Str("event_id", evt.ID).Str("type", string(evt.Type)).Msg("dispatching event")
		}
		if err := publish(ctx, evt); err != nil {
			s.logger.Warn().Err(err).Str("event_id", evt.ID).Str("type", string(evt.Type)).Msg("publish failed")
		}
	}
}

func (s *StreamIngester) newBackOff() backoff.BackOff {
	if s.opts.MaxReconnectDelay <= s.opts.ReconnectDelay {
		return backoff.NewConstantBackOff(s.opts.ReconnectDelay)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.opts.ReconnectDelay
	exp.MaxInterval = s.opts.MaxReconnectDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.Reset()
	return exp
}

func (s *StreamIngester) setState(to ConnectionState) {
	from := ConnectionState(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.metrics.transition(s.opts.Symbol, to)
	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("stream state change")
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to)
	}
}
