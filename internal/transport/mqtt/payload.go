package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// decodePayload extracts a value and an optional device timestamp from a
// message. JSON payloads are decoded; anything else is taken as a string.
// A JSON object is read through attribute (a dotted path) when one is
// given, else through its "value" field. A top-level "timestamp" field,
// RFC 3339 or Unix seconds, becomes the reading's timestamp.
func decodePayload(payload []byte, attribute string) (any, time.Time, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, time.Time{}, fmt.Errorf("empty payload")
	}

	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		if attribute != "" {
			return nil, time.Time{}, fmt.Errorf("attribute %q on non-JSON payload", attribute)
		}
		return string(trimmed), time.Time{}, nil
	}

	obj, isObject := doc.(map[string]any)
	var ts time.Time
	if isObject {
		ts = parseTimestamp(obj["timestamp"])
	}

	switch {
	case attribute != "":
		if !isObject {
			return nil, time.Time{}, fmt.Errorf("attribute %q on non-object payload", attribute)
		}
		v, ok := lookup(obj, attribute)
		if !ok {
			return nil, time.Time{}, fmt.Errorf("attribute %q not in payload", attribute)
		}
		return v, ts, nil
	case isObject:
		if v, ok := obj["value"]; ok {
			return v, ts, nil
		}
		return obj, ts, nil
	default:
		return doc, ts, nil
	}
}

func lookup(obj map[string]any, path string) (any, bool) {
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func parseTimestamp(v any) time.Time {
	switch x := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return ts
		}
	case float64:
		if x > 0 {
			sec := int64(x)
			return time.Unix(sec, int64((x-float64(sec))*1e9))
		}
	}
	return time.Time{}
}

// encodePayload renders a value for publishing. Strings go out raw unless
// wrapped in an attribute object.
func encodePayload(value any, attribute string) ([]byte, error) {
	if attribute != "" {
		return json.Marshal(nest(attribute, value))
	}
	if s, ok := value.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(value)
}

// nest builds {"a": {"b": value}} from "a.b".
func nest(path string, value any) map[string]any {
	parts := strings.Split(path, ".")
	out := map[string]any{parts[len(parts)-1]: value}
	for i := len(parts) - 2; i >= 0; i-- {
		out = map[string]any{parts[i]: out}
	}
	return out
}
