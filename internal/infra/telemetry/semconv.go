// Package telemetry holds the OpenTelemetry provider and the attribute vocabulary
// shared by derivgate instruments.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys, following namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrExchange identifies the adapter that produced the signal.
	AttrExchange = attribute.Key("exchange")
	// AttrSession names a streaming session, e.g. "krakenfutures/public".
	AttrSession = attribute.Key("session")
	// AttrFeed is the wire feed name a message was dispatched under.
	AttrFeed = attribute.Key("feed")
	// AttrOperation differentiates REST operations.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason gives the drop or failure reason.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels connection lifecycle transitions.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrErrorCode carries the errs.Code of a failure.
	AttrErrorCode = attribute.Key("error.code")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// SessionAttributes returns the common attribute set for stream instruments.
func SessionAttributes(environment, session string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSession.String(session),
	}
}

// RequestAttributes returns attributes for REST request metrics.
func RequestAttributes(environment, exchange, operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrExchange.String(exchange),
		AttrOperation.String(operation),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}
