package exchanger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/domain/schema"
)

const tickerFrame = `{"event_type":"Ticker","data":{"price":100.5}}`

type fakeConn struct {
	mu        sync.Mutex
	messages  [][]byte
	dropAfter bool
	written   [][]byte
	closed    atomic.Bool
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	c.mu.Lock()
	if len(c.messages) > 0 {
		msg := c.messages[0]
		c.messages = c.messages[1:]
		c.mu.Unlock()
		return websocket.MessageText, msg, nil
	}
	drop := c.dropAfter
	c.mu.Unlock()
	if drop {
		return 0, nil, errors.New("connection reset by peer")
	}
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.closed.Store(true)
	return nil
}

// step returns the connection for one dial, or nil to fail it.
type step func() *fakeConn

type scriptedDialer struct {
	mu      sync.Mutex
	steps   []step
	dials   []time.Time
	headers []http.Header
}

func (d *scriptedDialer) dial(_ context.Context, _ string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, time.Now())
	d.headers = append(d.headers, header.Clone())
	idx := len(d.dials) - 1
	if idx >= len(d.steps) {
		return nil, errors.New("connection refused")
	}
	conn := d.steps[idx]()
	if conn == nil {
		return nil, errors.New("connection refused")
	}
	return conn, nil
}

func (d *scriptedDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dials...)
}

func failDial() *fakeConn { return nil }

func serve(frames ...string) step {
	return func() *fakeConn {
		conn := &fakeConn{}
		for _, f := range frames {
			conn.messages = append(conn.messages, []byte(f))
		}
		return conn
	}
}

func serveThenDrop(frames ...string) step {
	return func() *fakeConn {
		conn := serve(frames...)()
		conn.dropAfter = true
		return conn
	}
}

type recorder struct {
	mu     sync.Mutex
	events []*schema.Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) publish(_ context.Context, evt *schema.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	r.notify <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []*schema.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.events) >= n {
			out := append([]*schema.Event(nil), r.events...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timeout waiting for %d events", n)
		}
	}
}

type stateLog struct {
	mu    sync.Mutex
	trail []ConnectionState
}

func (s *stateLog) record(_, to ConnectionState) {
	s.mu.Lock()
	s.trail = append(s.trail, to)
	s.mu.Unlock()
}

func (s *stateLog) count(state ConnectionState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.trail {
		if st == state {
			n++
		}
	}
	return n
}

func newTestIngester(t *testing.T, dialer *scriptedDialer, states *stateLog, maxAttempts int) *StreamIngester {
	t.Helper()
	opts := StreamOptions{
		URL:                  "wss://stream.example.com/ws",
		Token:                "jwt-token",
		Symbol:               "BTC-USD",
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectAttempts: maxAttempts,
		Dialer:               dialer.dial,
	}
	if states != nil {
		opts.OnStateChange = states.record
	}
	ingester, err := NewStreamIngester(opts)
	require.NoError(t, err)
	return ingester
}

func runAsync(ctx context.Context, ingester *StreamIngester, rec *recorder) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- ingester.Run(ctx, rec.publish)
	}()
	return done
}

func TestNewStreamIngesterValidatesOptions(t *testing.T) {
	_, err := NewStreamIngester(StreamOptions{Token: "t", Symbol: "BTC-USD"})
	require.True(t, errs.Is(err, errs.CodeConfig))
	_, err = NewStreamIngester(StreamOptions{URL: "wss://x", Symbol: "BTC-USD"})
	require.True(t, errs.Is(err, errs.CodeConfig))
	_, err = NewStreamIngester(StreamOptions{URL: "wss://x", Token: "t"})
	require.True(t, errs.Is(err, errs.CodeConfig))
}

func TestRunReconnectsAfterDialFailures(t *testing.T) {
	dialer := &scriptedDialer{steps: []step{failDial, failDial, failDial, serve(tickerFrame)}}
	states := &stateLog{}
	ingester := newTestIngester(t, dialer, states, 0)
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, ingester, rec)

	events := rec.wait(t, 1)
	require.Equal(t, schema.EventTypeMarket, events[0].Type)
	market, ok := events[0].Market()
	require.True(t, ok)
	require.Equal(t, "100.5", market.Price.String())
	require.Equal(t, StateSubscribed, ingester.State())

	cancel()
	require.NoError(t, <-done)
	require.Equal(t, StateDisconnected, ingester.State())

	dials := dialer.dialTimes()
	require.Len(t, dials, 4)
	for i := 1; i < len(dials); i++ {
		require.GreaterOrEqual(t, dials[i].Sub(dials[i-1]), 20*time.Millisecond)
	}
	require.Equal(t, 3, states.count(StateReconnecting))
	require.Equal(t, 1, states.count(StateSubscribed))
	for _, header := range dialer.headers {
		require.Equal(t, "Bearer jwt-token", header.Get("Authorization"))
	}
}

func TestRunSendsSubscribeRequest(t *testing.T) {
	conn := &fakeConn{messages: [][]byte{[]byte(tickerFrame)}}
	dialer := &scriptedDialer{steps: []step{func() *fakeConn { return conn }}}
	ingester := newTestIngester(t, dialer, nil, 0)
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, ingester, rec)
	rec.wait(t, 1)
	cancel()
	require.NoError(t, <-done)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.written, 1)
	require.JSONEq(t, `{"op":"subscribe","args":["tickers:BTC-USD","private:orders"]}`, string(conn.written[0]))
	require.True(t, conn.closed.Load(), "connection must be closed on exit")
}

func TestRunDropsNonJSONAndKeepsConnection(t *testing.T) {
	dialer := &scriptedDialer{steps: []step{serve("not json", tickerFrame)}}
	ingester := newTestIngester(t, dialer, nil, 0)
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, ingester, rec)
	events := rec.wait(t, 1)
	cancel()
	require.NoError(t, <-done)

	require.Len(t, events, 1)
	require.Len(t, dialer.dialTimes(), 1)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &scriptedDialer{}
	ingester := newTestIngester(t, dialer, nil, 2)

	err := ingester.Run(context.Background(), newRecorder().publish)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeStream))
	require.Len(t, dialer.dialTimes(), 3)
	require.Equal(t, StateDisconnected, ingester.State())
}

func TestRunResetsFailuresAfterSubscription(t *testing.T) {
	dialer := &scriptedDialer{steps: []step{
		failDial,
		failDial,
		serveThenDrop(),
		failDial,
		serve(tickerFrame),
	}}
	ingester := newTestIngester(t, dialer, nil, 2)
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, ingester, rec)
	rec.wait(t, 1)
	cancel()
	require.NoError(t, <-done)
	require.Len(t, dialer.dialTimes(), 5)
}

func TestRunStopsOnCancellationWithoutReconnecting(t *testing.T) {
	conn := &fakeConn{}
	dialer := &scriptedDialer{steps: []step{func() *fakeConn { return conn }}}
	states := &stateLog{}
	ingester := newTestIngester(t, dialer, states, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, ingester, newRecorder())

	require.Eventually(t, func() bool { return ingester.State() == StateSubscribed }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.True(t, conn.closed.Load())
	require.Len(t, dialer.dialTimes(), 1)
	require.Zero(t, states.count(StateReconnecting))
	require.Equal(t, StateDisconnected, ingester.State())
}

func TestRunRequiresPublish(t *testing.T) {
	ingester := newTestIngester(t, &scriptedDialer{}, nil, 0)
	err := ingester.Run(context.Background(), nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestBackOffPolicy(t *testing.T) {
	fixed := newTestIngester(t, &scriptedDialer{}, nil, 0)
	policy := fixed.newBackOff()
	require.Equal(t, 20*time.Millisecond, policy.NextBackOff())
	require.Equal(t, 20*time.Millisecond, policy.NextBackOff())

	growing, err := NewStreamIngester(StreamOptions{
		URL: "wss://x", Token: "t", Symbol: "BTC-USD",
		ReconnectDelay:    100 * time.Millisecond,
		MaxReconnectDelay: 300 * time.Millisecond,
	})
	require.NoError(t, err)
	policy = growing.newBackOff()
	require.Equal(t, 100*time.Millisecond, policy.NextBackOff())
	require.Equal(t, 200*time.Millisecond, policy.NextBackOff())
	require.Equal(t, 300*time.Millisecond, policy.NextBackOff())
	require.Equal(t, 300*time.Millisecond, policy.NextBackOff())
}

func TestRunAgainstWebsocketServer(t *testing.T) {
	authCh := make(chan string, 1)
	subCh := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCh <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()

		ctx := context.Background()
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		subCh <- string(msg)
		_ = conn.Write(ctx, websocket.MessageText, []byte(tickerFrame))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event_type":"OrderUpdate","data":[{"order_id":"o-1","instrument_id":"BTC-USD","side":"buy","status":"filled","quantity":"0.01","filled_quantity":"0.01"},{"order_id":"o-2","status":"open"}]}`))
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	ingester, err := NewStreamIngester(StreamOptions{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:          "jwt-token",
		Symbol:         "BTC-USD",
		ReconnectDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, ingester, rec)

	events := rec.wait(t, 2)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, "Bearer jwt-token", <-authCh)
	require.JSONEq(t, `{"op":"subscribe","args":["tickers:BTC-USD","private:orders"]}`, <-subCh)
	require.Equal(t, schema.EventTypeMarket, events[0].Type)
	require.Equal(t, schema.EventTypeFill, events[1].Type)
	fill, ok := events[1].Fill()
	require.True(t, ok)
	require.Equal(t, "o-1", fill.OrderID)
}
