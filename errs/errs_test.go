package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesHTTPAndFields(t *testing.T) {
	err := New(
		"exchanger/rest",
		CodeExchange,
		WithHTTP(400),
		WithMessage("order rejected"),
		WithRawMessage(`{"error":"insufficient balance"}`),
		WithField("path", "/api/v1/trade/orders"),
		WithField("instrument_id", "BTC-USD"),
		WithCause(errors.New("http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=exchanger/rest") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=exchange_error") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=400") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	expectedFields := "fields=instrument_id=\"BTC-USD\",path=\"/api/v1/trade/orders\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "cause=\"http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresBlankKey(t *testing.T) {
	err := New("x", CodeInvalid, WithField("  ", "value"))
	if len(err.Fields) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Fields)
	}
}

func TestIsMatchesWrappedCodes(t *testing.T) {
	inner := New("exchanger/rest", CodeNetwork, WithMessage("dial failed"))
	outer := New("exchanger/rest", CodeConnectivity, WithCause(inner))
	wrapped := fmt.Errorf("probe: %w", outer)

	if !Is(wrapped, CodeConnectivity) {
		t.Fatalf("expected connectivity code to match")
	}
	if !Is(wrapped, CodeNetwork) {
		t.Fatalf("expected nested network code to match")
	}
	if Is(wrapped, CodeParse) {
		t.Fatalf("did not expect parse code to match")
	}
	if Is(errors.New("plain"), CodeConfig) {
		t.Fatalf("plain errors never match")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
