package execution

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coachpo/dcabot/errs"
	"github.com/coachpo/dcabot/internal/domain/schema"
	"github.com/coachpo/dcabot/internal/infra/adapters/exchanger"
)

type placedOrder struct {
	Symbol string
	Side   schema.Side
	Amount decimal.Decimal
}

type fakePlacer struct {
	mu     sync.Mutex
	calls  []placedOrder
	panics map[int]bool
}

func (f *fakePlacer) CreateMarketOrder(_ context.Context, symbol string, side schema.Side, amount decimal.Decimal) exchanger.OrderAck {
	f.mu.Lock()
	f.calls = append(f.calls, placedOrder{Symbol: symbol, Side: side, Amount: amount})
	n := len(f.calls)
	f.mu.Unlock()
	if f.panics[n] {
		panic("exchange client exploded")
	}
	return exchanger.OrderAck{OrderID: "ord-1", Status: "accepted"}
}

func (f *fakePlacer) placed() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placedOrder(nil), f.calls...)
}

func orderEvent(t *testing.T, amount string) *schema.Event {
	t.Helper()
	evt, err := schema.NewOrderEvent("test", schema.OrderPayload{
		Symbol: "BTC-USD",
		Side:   schema.SideBuy,
		Amount: decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return evt
}

func TestNewExecutorValidation(t *testing.T) {
	_, err := NewExecutor(nil, Config{}, zerolog.Nop())
	require.True(t, errs.Is(err, errs.CodeConfig))

	_, err = NewExecutor(&fakePlacer{}, Config{OrderRate: -1}, zerolog.Nop())
	require.True(t, errs.Is(err, errs.CodeConfig))

	_, err = NewExecutor(nil, Config{DryRun: true}, zerolog.Nop())
	require.NoError(t, err)
}

func TestExecutorPlacesOrder(t *testing.T) {
	placer := &fakePlacer{}
	exec, err := NewExecutor(placer, Config{}, zerolog.Nop())
	require.NoError(t, err)

	out, err := exec.Process(context.Background(), orderEvent(t, "0.02"))
	require.NoError(t, err)
	require.Empty(t, out)

	calls := placer.placed()
	require.Len(t, calls, 1)
	require.Equal(t, "BTC-USD", calls[0].Symbol)
	require.Equal(t, schema.SideBuy, calls[0].Side)
	require.True(t, calls[0].Amount.Equal(decimal.RequireFromString("0.02")))
}

func TestExecutorSurvivesPanickingPlacer(t *testing.T) {
	var logs bytes.Buffer
	placer := &fakePlacer{panics: map[int]bool{1: true}}
	exec, err := NewExecutor(placer, Config{}, zerolog.New(&logs))
	require.NoError(t, err)

	require.NotPanics(t, func() {
		_, err = exec.Process(context.Background(), orderEvent(t, "0.01"))
	})
	require.NoError(t, err)
	_, err = exec.Process(context.Background(), orderEvent(t, "0.02"))
	require.NoError(t, err)

	require.Len(t, placer.placed(), 2)
	require.Contains(t, logs.String(), "failed to execute order")
	require.Contains(t, logs.String(), "order sent to exchange")
}

func TestExecutorSurvivesFailingExchange(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"order_id":"42","status":"accepted"}`))
	}))
	defer srv.Close()

	client, err := exchanger.NewClient(exchanger.Credentials{APIKey: "k", SecretKey: "s", BaseURL: srv.URL})
	require.NoError(t, err)
	var logs bytes.Buffer
	exec, err := NewExecutor(client, Config{}, zerolog.New(&logs))
	require.NoError(t, err)

	_, err = exec.Process(context.Background(), orderEvent(t, "0.01"))
	require.NoError(t, err)
	_, err = exec.Process(context.Background(), orderEvent(t, "0.01"))
	require.NoError(t, err)

	require.Equal(t, int32(2), hits.Load())
	require.Contains(t, logs.String(), "order outcome unknown")
	require.Contains(t, logs.String(), `"order_id":"42"`)
}

func TestExecutorDryRun(t *testing.T) {
	placer := &fakePlacer{}
	exec, err := NewExecutor(placer, Config{DryRun: true}, zerolog.Nop())
	require.NoError(t, err)

	_, err = exec.Process(context.Background(), orderEvent(t, "0.01"))
	require.NoError(t, err)
	require.Empty(t, placer.placed())
}

func TestExecutorThrottleDropsExcessOrders(t *testing.T) {
	placer := &fakePlacer{}
	exec, err := NewExecutor(placer, Config{OrderRate: 0.001, OrderBurst: 2}, zerolog.Nop())
	require.NoError(t, err)

	for range 5 {
		_, err := exec.Process(context.Background(), orderEvent(t, "0.01"))
		require.NoError(t, err)
	}
	require.Len(t, placer.placed(), 2)
}

func TestExecutorIgnoresNonOrders(t *testing.T) {
	placer := &fakePlacer{}
	exec, err := NewExecutor(placer, Config{}, zerolog.Nop())
	require.NoError(t, err)

	market := schema.NewMarketEvent("test", schema.MarketPayload{Symbol: "BTC-USD", Price: decimal.NewFromInt(1)})
	out, err := exec.Process(context.Background(), market)
	require.NoError(t, err)
	require.Empty(t, out)

	malformed := &schema.Event{ID: "x", Type: schema.EventTypeOrder, Payload: schema.OrderPayload{Symbol: "BTC-USD", Side: schema.SideBuy}}
	_, err = exec.Process(context.Background(), malformed)
	require.NoError(t, err)
	require.Empty(t, placer.placed())
	require.Equal(t, []schema.EventType{schema.EventTypeOrder}, exec.SubscribedEvents())
}

func TestExecutorRecordsOrderResults(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(previous) })

	exec, err := NewExecutor(&fakePlacer{}, Config{OrderRate: 0.001, OrderBurst: 1}, zerolog.Nop())
	require.NoError(t, err)
	for range 3 {
		_, err := exec.Process(context.Background(), orderEvent(t, "0.01"))
		require.NoError(t, err)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	results := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "execution.orders" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				value, _ := dp.Attributes.Value(attribute.Key("result"))
				results[value.AsString()] += dp.Value
			}
		}
	}
	require.Equal(t, map[string]int64{"sent": 1, "throttled": 2}, results)
}
