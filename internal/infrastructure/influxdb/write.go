package influxdb

import (
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the archive.
const (
	MeasurementDeviceState  = "device_state"
	MeasurementChannelValue = "channel_value"
)

// WritePoint queues one point. Points written while disconnected are dropped.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// ValueFields maps a channel value to point fields. Numbers and booleans go
// to the numeric "value" field so they can be graphed; anything else is
// stored as "text". A nil value has no fields.
func ValueFields(v any) map[string]any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if x {
			return map[string]any{"value": 1.0}
		}
		return map[string]any{"value": 0.0}
	case float64:
		return map[string]any{"value": x}
	case float32:
		return map[string]any{"value": float64(x)}
	case int:
		return map[string]any{"value": float64(x)}
	case int64:
		return map[string]any{"value": float64(x)}
	case int32:
		return map[string]any{"value": float64(x)}
	case uint16:
		return map[string]any{"value": float64(x)}
	case uint32:
		return map[string]any{"value": float64(x)}
	case uint64:
		return map[string]any{"value": float64(x)}
	case string:
		return map[string]any{"text": x}
	default:
		return map[string]any{"text": fmt.Sprint(x)}
	}
}
