package registry

import (
	"errors"
	"fmt"

	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/infrastructure/config"
	"github.com/nerrad567/beamline-core/internal/transport/memory"
	"github.com/nerrad567/beamline-core/internal/transport/modbus"
	"github.com/nerrad567/beamline-core/internal/transport/mqtt"
)

// Backends carries what transports need beyond their own configuration.
type Backends struct {
	// Broker is the shared MQTT connection. It is required only when an
	// mqtt backend is declared.
	Broker mqtt.Client
	Logger Logger
}

// NewTransport creates the transport declared by cfg.
func NewTransport(cfg config.BackendConfig, deps Backends) (channel.Transport, error) {
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	switch cfg.Type {
	case config.BackendMemory:
		return memory.FromConfig(cfg.Name, cfg.Memory), nil
	case config.BackendModbus:
		return modbus.FromConfig(cfg.Name, cfg.Modbus, modbus.WithLogger(logger))
	case config.BackendMQTT:
		if deps.Broker == nil {
			return nil, fmt.Errorf("%w: backend %q needs an mqtt connection", channel.ErrInvalidConfig, cfg.Name)
		}
		return mqtt.New(cfg.Name, deps.Broker, cfg.MQTT, mqtt.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("%w: backend %q has unknown type %q", channel.ErrInvalidConfig, cfg.Name, cfg.Type)
	}
}

// RegisterBackends creates and registers a transport for every backend
// declaration, reporting all failures together.
func (r *Registry) RegisterBackends(backends []config.BackendConfig, deps Backends) error {
	var errs []error
	for _, b := range backends {
		t, err := NewTransport(b, deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.RegisterTransport(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
