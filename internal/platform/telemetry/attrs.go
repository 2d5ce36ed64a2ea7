package telemetry

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String("method", method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String("path", path)
}

func statusAttr(status int) attribute.KeyValue {
	return attribute.String("status", strconv.Itoa(status))
}

func resultAttr(result string) attribute.KeyValue {
	return attribute.String("result", result)
}

func operationAttr(op string) attribute.KeyValue {
	return attribute.String("operation", op)
}

func guardAttr(guard string) attribute.KeyValue {
	return attribute.String("guard", guard)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String("outcome", outcome)
}

func credentialAttr(attached bool) attribute.KeyValue {
	return attribute.Bool("credential", attached)
}
