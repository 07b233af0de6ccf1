package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CommandConfig defines one command.
type CommandConfig struct {
	Name    string
	Address Address
	Timeout time.Duration

	// Value is sent when Invoke is called without arguments on a backend
	// that executes commands as writes.
	Value any
}

// Command is a proxy for an invocable backend action. The link is opened
// lazily on first use and reopened after a connection loss.
type Command struct {
	cfg       CommandConfig
	transport Transport
	logger    Logger
	metrics   *Metrics

	mu   sync.Mutex
	link Link
}

// NewCommand creates a command proxy.
func NewCommand(cfg CommandConfig, transport Transport, opts ...Option) (*Command, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: %s: no transport", ErrInvalidConfig, cfg.Name)
	}
	if cfg.Name == "" || cfg.Address.Backend == "" || cfg.Address.Target == "" {
		return nil, fmt.Errorf("%w: command %q: name, backend and address are required", ErrInvalidConfig, cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	o := buildOptions(opts)
	return &Command{cfg: cfg, transport: transport, logger: o.logger, metrics: o.metrics}, nil
}

// Name returns the command name.
func (c *Command) Name() string { return c.cfg.Name }

// Address returns the backend address.
func (c *Command) Address() Address { return c.cfg.Address }

// Connect opens the link if it is not open yet.
func (c *Command) Connect(ctx context.Context) error {
	_, err := c.ensureLink(ctx)
	return err
}

// Disconnect closes the link. It is idempotent.
func (c *Command) Disconnect() error {
	c.mu.Lock()
	link := c.link
	c.link = nil
	c.mu.Unlock()

	if link == nil {
		return nil
	}
	if err := link.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", c.cfg.Name, err)
	}
	return nil
}

func (c *Command) ensureLink(ctx context.Context) (Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != nil {
		return c.link, nil
	}
	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	link, err := c.transport.Connect(cctx, c.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("connecting %s: %w", c.cfg.Name, classify(err))
	}
	c.link = link
	return link, nil
}

// Invoke executes the command and returns the backend's result, if any.
// Links without an Invoker execute the command as a write of the single
// argument, or of the configured Value.
func (c *Command) Invoke(ctx context.Context, args ...any) (any, error) {
	start := time.Now()
	result, err := c.invoke(ctx, args)
	c.metrics.observe(c.cfg.Name, c.cfg.Address.Backend, "invoke", time.Since(start), err)
	return result, err
}

func (c *Command) invoke(ctx context.Context, args []any) (any, error) {
	link, err := c.ensureLink(ctx)
	if err != nil {
		return nil, err
	}

	if len(args) == 0 && c.cfg.Value != nil {
		args = []any{c.cfg.Value}
	}

	inv, invocable := link.(Invoker)
	if !invocable && len(args) != 1 {
		return nil, fmt.Errorf("%w: %s takes exactly one argument, got %d", ErrNotInvocable, c.cfg.Name, len(args))
	}

	result, err := callWithTimeout(ctx, c.cfg.Timeout, func(ictx context.Context) (any, error) {
		if invocable {
			return inv.Invoke(ictx, args...)
		}
		return nil, link.Write(ictx, args[0])
	})
	if err == nil {
		return result, nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}

	err = classify(err)
	if IsConnectionLoss(err) {
		c.logger.Warn("command link lost", "command", c.cfg.Name, "error", err)
		c.mu.Lock()
		if c.link == link {
			c.link = nil
		}
		c.mu.Unlock()
		_ = link.Close() //nolint:errcheck // link already failed
	}
	return nil, fmt.Errorf("invoking %s: %w", c.cfg.Name, err)
}
