// Package defaults provides centralized default values and constants used across the codebase.
// This ensures consistency and makes maintenance easier - change once, apply everywhere.
package defaults

// =============================================================================
// Mesos
// =============================================================================

const (
	// Flavor is the cluster flavor assumed when none is configured.
	Flavor = "dcos"

	// MesosVersion is the agent version assumed when none is configured.
	MesosVersion = "0.23.0"

	// ExecutorEnvCutoff is the first Mesos version that honours
	// MESOS_DOCKER_SOCKET. Older agents only pick up DOCKER_HOST from the
	// executor environment file.
	ExecutorEnvCutoff = "0.25.0"

	// DockerHostKey is the executor environment key pointing at the proxy.
	DockerHostKey = "DOCKER_HOST"

	// DockerSocketVar is the unit-file variable pointing at the proxy.
	DockerSocketVar = "MESOS_DOCKER_SOCKET"
)

// DC/OS flavor defaults.
const (
	DCOSAdminUser          = "core"
	DCOSPublicServiceName  = "dcos-mesos-slave-public.service"
	DCOSPrivateServiceName = "dcos-mesos-slave.service"
	DCOSPublicServiceFile  = SystemdUnitDir + "/" + DCOSPublicServiceName
	DCOSPrivateServiceFile = SystemdUnitDir + "/" + DCOSPrivateServiceName
	DCOSExecutorEnvFile    = "/opt/mesosphere/etc/mesos-executor-environment.json"
)

// =============================================================================
// Weave
// =============================================================================

const (
	// OverlayProvider is the overlay installed when none is configured.
	OverlayProvider = "weave"

	// IPAllocRange is the address range handed to the router.
	IPAllocRange = "10.32.0.0/12"

	// ProxySocket is where the proxy listens for Docker API calls.
	ProxySocket = "/var/run/weave/weave.sock"

	// BinaryName is the overlay executable shipped to every host.
	BinaryName = "weave"

	// TargetUnit groups the router and proxy units.
	TargetUnit = "weave.target"

	RouterUnit = "weave-router.service"
	ProxyUnit  = "weave-proxy.service"

	// SourceDir holds the binary and unit templates on the local machine.
	SourceDir = "."
)

// Placeholders understood by the unit templates.
const (
	PlaceholderBinDir       = "{{BIN_DIR}}"
	PlaceholderPeers        = "{{PEERS}}"
	PlaceholderIPAllocRange = "{{IPALLOC_RANGE}}"
)

// =============================================================================
// Remote layout
// =============================================================================

const (
	// SystemdUnitDir receives the overlay unit files.
	SystemdUnitDir = "/etc/systemd/system"

	// HomeRoot is the parent of the admin user's home directory, the default
	// install location.
	HomeRoot = "/home"

	BinSubdir = "bin"
	TmpSubdir = "tmp"
)

// =============================================================================
// SSH Defaults
// =============================================================================

const (
	// SSHPort is the default SSH port.
	SSHPort = 22

	// SSHDialTimeoutSeconds bounds connection setup.
	SSHDialTimeoutSeconds = 10

	// KnownHostsFile is resolved relative to the user's home directory.
	KnownHostsFile = ".ssh/known_hosts"
)
