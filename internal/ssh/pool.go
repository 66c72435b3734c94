package ssh

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"

	"overlayctl/internal/logging"
)

// Pool lazily opens one connection per host and reuses it for every command
// issued to that host during a run.
type Pool struct {
	mu      sync.Mutex
	auth    AuthConfig
	clients map[string]*Client
	dial    func(ctx context.Context, host string, auth AuthConfig) (*Client, error)
}

// NewPool creates a pool that authenticates to every host with auth.
func NewPool(auth AuthConfig) *Pool {
	return &Pool{
		auth:    auth,
		clients: make(map[string]*Client),
		dial:    NewClient,
	}
}

// Get returns the cached client for host, dialling it on first use.
func (p *Pool) Get(ctx context.Context, host string) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[host]; ok {
		return c, nil
	}

	logging.L().Debugw("opening ssh connection", "host", host, "user", p.auth.Username)
	c, err := p.dial(ctx, host, p.auth)
	if err != nil {
		return nil, fmt.Errorf("ssh connect %s: %w", host, err)
	}
	p.clients[host] = c
	return c, nil
}

// Run executes command on host.
func (p *Pool) Run(ctx context.Context, host, command string) (stdout, stderr string, err error) {
	c, err := p.Get(ctx, host)
	if err != nil {
		return "", "", err
	}
	return c.Run(ctx, command)
}

// RunWithInput executes command on host feeding input to its stdin.
func (p *Pool) RunWithInput(ctx context.Context, host, command string, input io.Reader) (stdout, stderr string, err error) {
	c, err := p.Get(ctx, host)
	if err != nil {
		return "", "", err
	}
	return c.RunWithInput(ctx, command, input)
}

// RunWithOutput executes command on host streaming stdout into w.
func (p *Pool) RunWithOutput(ctx context.Context, host, command string, w io.Writer) (stderr string, err error) {
	c, err := p.Get(ctx, host)
	if err != nil {
		return "", err
	}
	return c.RunWithOutput(ctx, command, w)
}

// Close closes every open connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for host, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", host, err))
		}
		delete(p.clients, host)
	}
	return errs
}
