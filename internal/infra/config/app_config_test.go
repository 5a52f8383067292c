package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/dcabot/errs"
)

const minimalYAML = `
exchange:
  base_url: https://api.example.com/
  api_key: key
  secret_key: secret
stream:
  ws_url: wss://stream.example.com/ws
  jwt: token
strategy:
  symbol: BTC-USD
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeConfig))
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), minimalYAML)

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "https://api.example.com", cfg.Exchange.BaseURL)
	require.Equal(t, 5*time.Second, cfg.Exchange.ConnectTimeout)
	require.Equal(t, 10*time.Second, cfg.Exchange.OrderTimeout)
	require.Equal(t, 5*time.Second, cfg.Stream.ReconnectDelay)
	require.Equal(t, time.Duration(0), cfg.Stream.MaxReconnectDelay)
	require.Equal(t, 10*time.Second, cfg.Stream.HandshakeTimeout)
	require.Equal(t, int64(1<<20), cfg.Stream.ReadLimit)
	require.Equal(t, uint64(5), cfg.Strategy.Interval())
	require.Equal(t, "0.01", cfg.Strategy.Amount().String())
	require.Equal(t, 1, cfg.Executor.OrderBurst)
	require.Equal(t, 1024, cfg.Eventbus.BufferSize)
	require.Equal(t, 4, cfg.Eventbus.FanoutWorkers)
	require.Equal(t, OverflowDropOldest, cfg.Eventbus.Overflow)
	require.Equal(t, time.Second, cfg.Eventbus.BlockTimeout)
	require.Equal(t, "dcabot", cfg.Telemetry.ServiceName)
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
environment: PROD
log_level: DEBUG
exchange:
  base_url: https://api.example.com
  api_key: key
  secret_key: secret
  connect_timeout: 2s
  order_timeout: 3s
stream:
  ws_url: wss://stream.example.com/ws
  jwt: token
  reconnect_delay: 250ms
  max_reconnect_delay: 10s
  max_reconnect_attempts: 7
strategy:
  symbol: ETH-USD
  buy_interval_ticks: 3
  buy_amount: "0.02"
executor:
  dry_run: true
  order_rate: 0.5
  order_burst: 2
eventbus:
  buffer_size: 16
  fanout_workers: 2
  overflow: Block
  block_timeout: 50ms
api_server:
  addr: " 127.0.0.1:8880 "
telemetry:
  otlp_endpoint: http://localhost:4318
  service_name: dca-test
`)

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 2*time.Second, cfg.Exchange.ConnectTimeout)
	require.Equal(t, 3*time.Second, cfg.Exchange.OrderTimeout)
	require.Equal(t, 250*time.Millisecond, cfg.Stream.ReconnectDelay)
	require.Equal(t, 10*time.Second, cfg.Stream.MaxReconnectDelay)
	require.Equal(t, 7, cfg.Stream.MaxReconnectAttempts)
	require.Equal(t, "ETH-USD", cfg.Strategy.Symbol)
	require.Equal(t, uint64(3), cfg.Strategy.Interval())
	require.Equal(t, "0.02", cfg.Strategy.Amount().String())
	require.True(t, cfg.Executor.DryRun)
	require.InDelta(t, 0.5, cfg.Executor.OrderRate, 1e-9)
	require.Equal(t, 2, cfg.Executor.OrderBurst)
	require.Equal(t, 16, cfg.Eventbus.BufferSize)
	require.Equal(t, OverflowBlock, cfg.Eventbus.Overflow)
	require.Equal(t, 50*time.Millisecond, cfg.Eventbus.BlockTimeout)
	require.Equal(t, "127.0.0.1:8880", cfg.APIServer.Addr)
	require.Equal(t, "http://localhost:4318", cfg.Telemetry.OTLPEndpoint)
	require.Equal(t, "dca-test", cfg.Telemetry.ServiceName)
}

func TestLoadExpandsEnvironmentAndDotenv(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
exchange:
  base_url: https://api.example.com
  api_key: ${DCABOT_TEST_API_KEY}
  secret_key: ${DCABOT_TEST_SECRET}
stream:
  ws_url: wss://stream.example.com/ws
  jwt: ${DCABOT_TEST_JWT}
strategy:
  symbol: BTC-USD
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("DCABOT_TEST_SECRET=from-dotenv\nDCABOT_TEST_JWT=dotenv-jwt\n"), 0o600))
	t.Setenv("DCABOT_TEST_API_KEY", "from-env")
	t.Setenv("DCABOT_TEST_JWT", "env-jwt")

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Exchange.APIKey)
	require.Equal(t, "from-dotenv", cfg.Exchange.SecretKey)
	require.Equal(t, "env-jwt", cfg.Stream.JWT, "process environment wins over .env")
}

func TestParseKeepsLiteralDollarSigns(t *testing.T) {
	t.Setenv("ret9", "expanded")
	t.Setenv("DCABOT_TEST_JWT", "env-jwt")

	cfg, err := Parse([]byte(`
exchange:
  base_url: https://api.example.com
  api_key: key$
  secret_key: "s3c$ret9"
stream:
  ws_url: wss://stream.example.com/ws
  jwt: ${DCABOT_TEST_JWT}$tail
strategy:
  symbol: BTC-USD
`), nil)
	require.NoError(t, err)
	require.Equal(t, "key$", cfg.Exchange.APIKey)
	require.Equal(t, "s3c$ret9", cfg.Exchange.SecretKey)
	require.Equal(t, "env-jwt$tail", cfg.Stream.JWT)
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"zero interval": minimalYAML + "  buy_interval_ticks: 0\n",
		"zero amount":   minimalYAML + "  buy_amount: \"0\"\n",
		"bad amount":    minimalYAML + "  buy_amount: lots\n",
		"bad overflow":  minimalYAML + "eventbus:\n  overflow: spill\n",
		"bad env":       minimalYAML + "environment: qa\n",
		"missing key": `
exchange:
  base_url: https://api.example.com
  secret_key: secret
stream:
  ws_url: wss://stream.example.com/ws
  jwt: token
strategy:
  symbol: BTC-USD
`,
		"missing symbol": `
exchange:
  base_url: https://api.example.com
  api_key: key
  secret_key: secret
stream:
  ws_url: wss://stream.example.com/ws
  jwt: token
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body), nil)
			require.Error(t, err)
			require.True(t, errs.Is(err, errs.CodeConfig), "got %v", err)
		})
	}
}
