// Package influxdb archives device telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library: a ping on Connect,
// non-blocking batched writes (batch_size, flush_interval from config) and
// an error callback for failed batches.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.WritePoint(influxdb.MeasurementChannelValue,
//	    map[string]string{"device": "ring_current", "role": "value"},
//	    influxdb.ValueFields(199.7), time.Now())
//
// The archive is the only writer. InfluxDB being down never affects
// device control: points are dropped and the failure is logged.
package influxdb
