// Package telemetry provides semantic conventions and provider setup for dcabot metrics.
package telemetry

import (
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by dcabot instruments.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// AttrEventType annotates bus metrics with the event category (MARKET, ORDER, FILL).
	AttrEventType = attribute.Key("event.type")
	// AttrSource identifies the component that produced an event.
	AttrSource = attribute.Key("source")
	// AttrSymbol captures the instrument symbol (e.g. BTC-USD).
	AttrSymbol = attribute.Key("symbol")
	// AttrMessageType differentiates stream payload classes (Ticker, OrderUpdate, ...).
	AttrMessageType = attribute.Key("message.type")
	// AttrOrderSide labels order telemetry with buy/sell intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOperation differentiates exchange operations (connect, place_order, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrReason provides context for drops and rejections.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels connection lifecycle transitions.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrStage names the pipeline stage handling an event.
	AttrStage = attribute.Key("stage")
)

var environment atomic.Value

// SetEnvironment records the deployment environment used in metric labels.
func SetEnvironment(env string) {
	environment.Store(env)
}

// Environment returns the configured environment name for use in metric labels.
func Environment() string {
	if env, ok := environment.Load().(string); ok && env != "" {
		return env
	}
	return "dev"
}

// EventAttributes returns common attributes for bus metrics.
func EventAttributes(eventType, source, symbol string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrEventType.String(eventType),
		AttrSource.String(source),
		AttrSymbol.String(symbol),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(symbol, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSymbol.String(symbol),
		AttrConnectionState.String(state),
	}
}

// MessageAttributes returns attributes for stream message metrics.
func MessageAttributes(symbol, messageType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSymbol.String(symbol),
		AttrMessageType.String(messageType),
	}
}

// OrderAttributes returns attributes for order metrics.
func OrderAttributes(symbol, side, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrSymbol.String(symbol),
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}
