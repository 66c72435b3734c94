package deployer

import (
	"fmt"

	"overlayctl/internal/config"
)

// State is a host's position in the provisioning sequence. States only move
// forward.
type State int

const (
	Idle State = iota
	DirectoriesEnsured
	BinaryInstalled
	ServiceUnitsInstalled
	OverlayServicesRunning
	ExecutorConfigured
	Confirmed
	Aborted
	WorkerServiceRestarted
)

var stateNames = map[State]string{
	Idle:                   "idle",
	DirectoriesEnsured:     "directories ensured",
	BinaryInstalled:        "binary installed",
	ServiceUnitsInstalled:  "service units installed",
	OverlayServicesRunning: "overlay services running",
	ExecutorConfigured:     "executor configured",
	Confirmed:              "restart confirmed",
	Aborted:                "aborted",
	WorkerServiceRestarted: "worker service restarted",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Observer is told about every state a host enters.
type Observer func(host config.HostTarget, state State)

// HostError names the host and step that failed.
type HostError struct {
	Host config.HostTarget
	Step string
	Err  error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("%s (%s) failed to %s: %v", e.Host.Address, e.Host.Class, e.Step, e.Err)
}

func (e *HostError) Unwrap() error { return e.Err }
