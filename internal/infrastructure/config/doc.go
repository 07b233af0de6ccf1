// Package config loads and validates the Beamline Core process configuration.
//
// The process file covers infrastructure (database, MQTT, InfluxDB, API,
// logging, metrics) and the named backends channels are bound to. Devices
// themselves live in a separate catalog file referenced by
// devices.catalog_file and loaded by the adapter package.
//
// Secrets (MQTT password, InfluxDB token, API signing secret) should come
// from the environment:
//
//	BEAMLINE_CONFIG=/etc/beamline/config.yaml BEAMLINE_MQTT_PASSWORD=... \
//	BEAMLINE_INFLUXDB_TOKEN=... BEAMLINE_JWT_SECRET=... beamline
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
