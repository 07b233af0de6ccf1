// Package archive keeps a local record of device activity.
//
// Every state transition goes to the SQLite state_history table and the
// latest reading of each device role is upserted into channel_values, so
// history survives restarts and is queryable without InfluxDB. When an
// InfluxDB client is configured the same events become device_state and
// channel_value points.
//
// The Archiver is fed by a registry watch and never blocks a device: its
// Record callback only enqueues, and a full queue drops the event.
//
//	arch := archive.New(archive.NewStore(db.DB), archive.WithPoints(influx))
//	stop := reg.Watch(arch.Record)
//	go arch.Run(ctx)
package archive
