// Package registry owns the transports and device adapters of a running
// beamline-core process.
//
// Typical lifecycle:
//
//	reg := registry.New(registry.WithLogger(log), registry.WithAdapterOptions(opts...))
//	if err := reg.RegisterBackends(cfg.Backends, registry.Backends{Broker: mqttClient}); err != nil { ... }
//	if err := reg.Build(ctx, catalog); err != nil { ... }
//	stop := reg.Watch(archive.Record)
//	if err := reg.Start(ctx); err != nil { ... }
//	defer reg.Close()
//
// The registry is passed explicitly to the components that need it (API,
// relay, archive); there is no package-level instance.
package registry
