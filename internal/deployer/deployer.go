package deployer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/multierr"

	"overlayctl/internal/config"
	"overlayctl/internal/confirm"
	"overlayctl/internal/defaults"
	"overlayctl/internal/logging"
	"overlayctl/internal/overlay"
	"overlayctl/internal/patch"
	"overlayctl/internal/remote"
	"overlayctl/internal/ssh"
	"overlayctl/internal/systemd"
	"overlayctl/internal/transfer"
)

// Deploy provisions the overlay onto every configured agent over SSH.
func Deploy(ctx context.Context, cfg *config.Config, gate confirm.Gate) (err error) {
	log := logging.L().With("component", "deployer")

	log.Infow("🚀 Starting overlay deployment",
		"provider", cfg.OverlayProvider,
		"flavor", cfg.Flavor,
		"mesosVersion", cfg.MesosVersion.String(),
		"publicAgents", len(cfg.PublicHosts),
		"privateAgents", len(cfg.PrivateHosts),
	)

	pool := createSSHPool(cfg)
	defer func() {
		err = multierr.Append(err, pool.Close())
	}()

	o, err := New(cfg, remote.NewSSH(pool, cfg.AdminUser, cfg.SSH.CommandTimeout), gate)
	if err != nil {
		return err
	}
	if err := o.Run(ctx); err != nil {
		return err
	}

	log.Infow("🎉 Overlay deployment complete!")
	return nil
}

// createSSHPool creates an SSH connection pool from the configuration.
func createSSHPool(cfg *config.Config) *ssh.Pool {
	return ssh.NewPool(ssh.AuthConfig{
		Username:       cfg.AdminUser,
		Password:       cfg.SSH.Password,
		PrivateKeyPath: cfg.SSH.KeyPath,
		Passphrase:     cfg.SSH.Passphrase,
		UseAgent:       cfg.SSH.UseAgent,
		KnownHostsPath: cfg.SSH.KnownHostsPath,
		StrictHostKey:  cfg.SSH.StrictHostKey,
		Port:           cfg.SSH.Port,
		DialTimeout:    cfg.SSH.DialTimeout,
	})
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithObserver adds an observer for state transitions.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// Orchestrator provisions hosts one at a time, public agents first. The first
// failure stops the whole run.
type Orchestrator struct {
	cfg       *config.Config
	exec      remote.Executor
	transfer  *transfer.Transfer
	patcher   *patch.Patcher
	services  *systemd.Manager
	gate      confirm.Gate
	provider  overlay.Provider
	params    overlay.Params
	observers []Observer
}

// New wires an Orchestrator over ch.
func New(cfg *config.Config, ch remote.Channel, gate confirm.Gate, opts ...Option) (*Orchestrator, error) {
	prov, err := overlay.ProviderFor(cfg.OverlayProvider)
	if err != nil {
		return nil, err
	}

	tr := transfer.New(ch, cfg.TmpDir)
	o := &Orchestrator{
		cfg:      cfg,
		exec:     ch,
		transfer: tr,
		patcher:  patch.New(ch, tr, cfg.LocalTmpDir),
		services: systemd.NewManager(ch),
		gate:     gate,
		provider: prov,
		params: overlay.Params{
			SourceDir:    cfg.SourceDir,
			BinDir:       cfg.BinDir,
			Peers:        cfg.Peers(),
			IPAllocRange: cfg.IPAllocRange,
		},
		observers: []Observer{logTransition},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func logTransition(host config.HostTarget, state State) {
	logging.L().Infow(logging.FormatHostMessage("→", host.Address, string(host.Class), state.String()))
}

func (o *Orchestrator) enter(host config.HostTarget, state State) {
	for _, obs := range o.observers {
		obs(host, state)
	}
}

// Run provisions every target. A declined restart returns an error wrapping
// systemd.ErrUserAbort.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.preflight(); err != nil {
		return err
	}

	targets := o.cfg.Targets()
	logging.L().Infow("provisioning agents", "overlay", o.provider.Name(), "agents", len(targets))
	for i, host := range targets {
		logging.L().Infow(logging.FormatHostMessage("→", host.Address, string(host.Class),
			fmt.Sprintf("provisioning agent %d of %d", i+1, len(targets))))
		if err := o.provision(ctx, host); err != nil {
			return err
		}
	}
	return nil
}

// preflight checks that every local file exists before any host is touched.
func (o *Orchestrator) preflight() error {
	var missing []string
	for _, a := range overlay.Artifacts(o.provider, o.params) {
		info, err := os.Stat(a.Source)
		if err != nil || !info.Mode().IsRegular() {
			missing = append(missing, a.Source)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("overlay files not found in %s: %s", o.cfg.SourceDir, strings.Join(missing, ", "))
	}
	return nil
}

func (o *Orchestrator) provision(ctx context.Context, host config.HostTarget) error {
	addr := host.Address
	fail := func(step string, err error) error {
		return &HostError{Host: host, Step: step, Err: err}
	}

	o.enter(host, Idle)

	if err := o.exec.Run(ctx, addr, remote.Sudo("install -d -o %s %s", remote.Quote(o.cfg.AdminUser), remote.Quote(o.cfg.TmpDir))); err != nil {
		return fail("create staging directory", err)
	}
	if err := o.exec.Run(ctx, addr, remote.Sudo("install -d %s", remote.Quote(o.cfg.BinDir))); err != nil {
		return fail("create binary directory", err)
	}
	o.enter(host, DirectoriesEnsured)

	bin := o.provider.Binary(o.params)
	if err := o.transfer.Push(ctx, addr, bin.Source, bin.Dest, bin.Options); err != nil {
		return fail("install "+bin.Dest, err)
	}
	o.enter(host, BinaryInstalled)

	for _, unit := range o.provider.Units(o.params) {
		if err := o.transfer.Push(ctx, addr, unit.Source, unit.Dest, unit.Options); err != nil {
			return fail("install "+unit.Dest, err)
		}
	}
	o.enter(host, ServiceUnitsInstalled)

	if err := o.services.InstallAndRestartOverlay(ctx, addr, o.provider.Services()); err != nil {
		return fail("start overlay services", err)
	}
	o.enter(host, OverlayServicesRunning)

	worker := o.cfg.Worker(host.Class)
	if err := o.configureExecutor(ctx, addr, worker); err != nil {
		return fail("point executor at proxy", err)
	}
	o.enter(host, ExecutorConfigured)

	gate := gateFunc(func(prompt string) (bool, error) {
		ok, err := o.gate.Confirm(prompt)
		if err == nil && ok {
			o.enter(host, Confirmed)
		}
		return ok, err
	})
	if err := o.services.RestartWorker(ctx, addr, systemd.Worker(worker.Name), gate); err != nil {
		if errors.Is(err, systemd.ErrUserAbort) {
			o.enter(host, Aborted)
			return err
		}
		return fail("restart "+worker.Name, err)
	}
	o.enter(host, WorkerServiceRestarted)
	return nil
}

// configureExecutor points Docker tasks at the proxy socket. Agents before
// 0.25.0 read DOCKER_HOST from the executor environment file; later ones take
// MESOS_DOCKER_SOCKET from the worker unit.
func (o *Orchestrator) configureExecutor(ctx context.Context, addr string, worker config.WorkerService) error {
	if o.cfg.UsesExecutorEnv() {
		_, err := o.patcher.EnsureProperty(ctx, addr, o.cfg.ExecutorEnvFile,
			defaults.DockerHostKey, "unix://"+o.cfg.ProxySocket, transfer.RootOwned(0o644))
		return err
	}
	return o.patcher.EnsureLine(ctx, addr, worker.UnitFile, defaults.DockerSocketVar+"="+o.cfg.ProxySocket)
}

// Plan describes a run of cfg without connecting to any host.
func Plan(cfg *config.Config) ([]string, error) {
	o, err := New(cfg, nil, confirm.Bypass{})
	if err != nil {
		return nil, err
	}
	return o.Plan(), nil
}

// Plan describes what Run would do, one line per action, without contacting
// any host.
func (o *Orchestrator) Plan() []string {
	var lines []string
	add := func(host config.HostTarget, format string, args ...any) {
		lines = append(lines, fmt.Sprintf("[%s - %s] ", host.Address, host.Class)+fmt.Sprintf(format, args...))
	}

	for _, host := range o.cfg.Targets() {
		add(host, "ensure directories %s %s", o.cfg.TmpDir, o.cfg.BinDir)
		for _, a := range overlay.Artifacts(o.provider, o.params) {
			add(host, "install %s -> %s (%04o %s:%s)", a.Source, a.Dest, a.Options.Mode.Perm(), a.Options.Owner, a.Options.Group)
		}
		var names []string
		for _, svc := range o.provider.Services() {
			names = append(names, svc.Name)
		}
		add(host, "enable and restart %s", strings.Join(names, ", "))

		worker := o.cfg.Worker(host.Class)
		if o.cfg.UsesExecutorEnv() {
			add(host, "set %s=unix://%s in %s if absent", defaults.DockerHostKey, o.cfg.ProxySocket, o.cfg.ExecutorEnvFile)
		} else {
			add(host, "ensure %s=%s in %s", defaults.DockerSocketVar, o.cfg.ProxySocket, worker.UnitFile)
		}
		add(host, "restart %s after confirmation", worker.Name)
	}
	return lines
}

type gateFunc func(prompt string) (bool, error)

func (f gateFunc) Confirm(prompt string) (bool, error) { return f(prompt) }
