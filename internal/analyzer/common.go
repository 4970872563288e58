package analyzer

import (
	"strconv"
	"strings"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

// extractAttributes flattens OTLP key/values to strings. Later keys win.
func extractAttributes(attrs []*commonpb.KeyValue) map[string]string {
	result := make(map[string]string, len(attrs))
	for _, attr := range attrs {
		result[attr.Key] = attributeValueToString(attr.Value)
	}
	return result
}

// attributeValueToString renders a scalar OTLP value as text. Arrays are
// joined with ", "; key/value lists have no text form and render empty.
func attributeValueToString(value *commonpb.AnyValue) string {
	switch v := value.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return v.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(v.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(v.DoubleValue, 'f', -1, 64)
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(v.BoolValue)
	case *commonpb.AnyValue_BytesValue:
		return string(v.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		parts := make([]string, 0, len(v.ArrayValue.GetValues()))
		for _, elem := range v.ArrayValue.GetValues() {
			parts = append(parts, attributeValueToString(elem))
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

// bodyFields returns the entries of a structured (key/value list) log body,
// as produced by collectors that parse jsonlog lines. ok is false for a
// plain text body.
func bodyFields(body *commonpb.AnyValue) (map[string]string, bool) {
	kv := body.GetKvlistValue()
	if kv == nil {
		return nil, false
	}
	return extractAttributes(kv.GetValues()), true
}

// getApplicationName picks the application name for a record: the record's
// own attribute first, then the resource's service.name.
func getApplicationName(recordValue string, resourceAttrs map[string]string) string {
	if recordValue != "" {
		return recordValue
	}
	if name, ok := resourceAttrs["service.name"]; ok && name != "" {
		return name
	}
	return ""
}
