// Package observability provides metrics and tracing utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrSuccess   = "success"
	attrState     = "state"
	attrReason    = "reason"
	attrStage     = "stage"
	attrNode      = "node"
	attrDirection = "direction"
	attrOutcome   = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func stageAttr(stage string) attribute.KeyValue {
	return attribute.String(attrStage, stage)
}

func nodeAttr(node string) attribute.KeyValue {
	return attribute.String(attrNode, node)
}

func directionAttr(direction string) attribute.KeyValue {
	return attribute.String(attrDirection, direction)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// collections whose second path segment is an identifier
var idCollections = map[string]string{
	"jobs":    "{jobId}",
	"batches": "{batchId}",
	"nodes":   "{nodeId}",
}

// normalizePath replaces dynamic path segments with placeholders.
// /v1/jobs/abc123 -> /v1/jobs/{jobId}, /v1/nodes/n1/health -> /v1/nodes/{nodeId}/health
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 4 || parts[1] != "v1" || parts[3] == "" {
		return path
	}
	placeholder, ok := idCollections[parts[2]]
	if !ok {
		return path
	}
	parts[3] = placeholder
	return strings.Join(parts, "/")
}
