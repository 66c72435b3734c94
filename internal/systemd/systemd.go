// Package systemd drives service lifecycle on remote hosts through systemctl.
package systemd

import (
	"context"
	"errors"
	"fmt"

	"overlayctl/internal/confirm"
	"overlayctl/internal/logging"
	"overlayctl/internal/remote"
)

// ErrUserAbort is returned when the operator declines a worker restart. It
// ends the run without being a failure.
var ErrUserAbort = errors.New("aborted by operator")

// Scope tells whether a service belongs to the overlay or was already on the host.
type Scope int

const (
	// OverlayManaged services are installed by this tool and restarted unconditionally.
	OverlayManaged Scope = iota
	// PreexistingWorkerService restarts need operator confirmation.
	PreexistingWorkerService
)

func (s Scope) String() string {
	switch s {
	case OverlayManaged:
		return "overlay"
	case PreexistingWorkerService:
		return "worker"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ServiceDescriptor names a systemd unit.
type ServiceDescriptor struct {
	Name  string
	Scope Scope
}

// Overlay returns an overlay-managed descriptor.
func Overlay(name string) ServiceDescriptor {
	return ServiceDescriptor{Name: name, Scope: OverlayManaged}
}

// Worker returns a descriptor for a pre-existing worker service.
func Worker(name string) ServiceDescriptor {
	return ServiceDescriptor{Name: name, Scope: PreexistingWorkerService}
}

// Manager issues systemctl commands through an executor.
type Manager struct {
	exec remote.Executor
}

// NewManager returns a Manager running commands through exec.
func NewManager(exec remote.Executor) *Manager {
	return &Manager{exec: exec}
}

func (m *Manager) systemctl(ctx context.Context, host, verb, unit string) error {
	cmd := remote.Sudo("systemctl %s", verb)
	if unit != "" {
		cmd += " " + remote.Quote(unit)
	}
	return m.exec.Run(ctx, host, cmd)
}

// InstallAndRestartOverlay enables every service so it starts at boot, then
// restarts each one in the given order with an explicit stop and start.
func (m *Manager) InstallAndRestartOverlay(ctx context.Context, host string, services []ServiceDescriptor) error {
	for _, svc := range services {
		if svc.Scope != OverlayManaged {
			return fmt.Errorf("%s is a %s service and cannot be restarted without confirmation", svc.Name, svc.Scope)
		}
	}

	for _, svc := range services {
		if err := m.systemctl(ctx, host, "enable", svc.Name); err != nil {
			return fmt.Errorf("failed to enable %s: %w", svc.Name, err)
		}
	}
	for _, svc := range services {
		logging.L().Infow("restarting overlay service", "host", host, "service", svc.Name)
		if err := m.systemctl(ctx, host, "stop", svc.Name); err != nil {
			return fmt.Errorf("failed to stop %s: %w", svc.Name, err)
		}
		if err := m.systemctl(ctx, host, "start", svc.Name); err != nil {
			return fmt.Errorf("failed to start %s: %w", svc.Name, err)
		}
	}
	return nil
}

// RestartWorker asks gate before reloading unit definitions and restarting
// svc on host. A declined confirmation returns ErrUserAbort and touches
// nothing.
func (m *Manager) RestartWorker(ctx context.Context, host string, svc ServiceDescriptor, gate confirm.Gate) error {
	prompt := fmt.Sprintf("Restart %s on %s now? Tasks running on this node will be interrupted.", svc.Name, host)
	ok, err := gate.Confirm(prompt)
	if err != nil {
		return fmt.Errorf("failed to confirm restart of %s on %s: %w", svc.Name, host, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s on %s was not restarted", ErrUserAbort, svc.Name, host)
	}

	if err := m.systemctl(ctx, host, "daemon-reload", ""); err != nil {
		return fmt.Errorf("failed to reload unit definitions: %w", err)
	}
	if err := m.systemctl(ctx, host, "stop", svc.Name); err != nil {
		return fmt.Errorf("failed to stop %s: %w", svc.Name, err)
	}
	if err := m.systemctl(ctx, host, "start", svc.Name); err != nil {
		return fmt.Errorf("failed to start %s: %w", svc.Name, err)
	}
	return nil
}
