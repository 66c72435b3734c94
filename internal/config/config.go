package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/viper"

	"overlayctl/internal/defaults"
)

// ErrUnsupportedFlavor is returned for a flavor that is known but has no
// defaults defined yet.
var ErrUnsupportedFlavor = errors.New("unsupported mesos flavor")

// ValidationError reports a setting that cannot be used.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Key, e.Reason)
}

// Reachability tells whether a host is a public or a private agent.
type Reachability string

const (
	Public  Reachability = "public"
	Private Reachability = "private"
)

// HostTarget is one agent to provision.
type HostTarget struct {
	Address string
	Class   Reachability
}

// WorkerService identifies the agent's own systemd service.
type WorkerService struct {
	Name     string
	UnitFile string
}

// SSH holds connection settings shared by every host.
type SSH struct {
	Port           int
	KeyPath        string
	Passphrase     string
	Password       string
	UseAgent       bool
	KnownHostsPath string
	StrictHostKey  bool
	CommandTimeout time.Duration // zero means no limit
	DialTimeout    time.Duration
}

// Config is the fully resolved run configuration. It is built once by Load
// and treated as read-only afterwards.
type Config struct {
	Flavor       string
	MesosVersion *semver.Version

	PublicHosts  []string
	PrivateHosts []string

	AdminUser       string
	PublicWorker    WorkerService
	PrivateWorker   WorkerService
	ExecutorEnvFile string

	OverlayProvider string
	InstallDir      string
	BinDir          string
	TmpDir          string
	IPAllocRange    string
	ProxySocket     string
	SourceDir       string
	LocalTmpDir     string

	AssumeYes bool
	SSH       SSH

	ConfigPath string // config file that was read, if any
}

var executorEnvCutoff = semver.MustParse(defaults.ExecutorEnvCutoff)

// Load resolves configuration from v. Precedence is flags, then environment,
// then the optional config file named by KeyConfigFile, then defaults; any
// setting left empty is filled from the flavor table.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	if p := strings.TrimSpace(v.GetString(KeyConfigFile)); p != "" {
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", p, err)
		}
		if abs, err := filepath.Abs(p); err == nil {
			cfg.ConfigPath = abs
		} else {
			cfg.ConfigPath = p
		}
	}

	cfg.PublicHosts = hostList(v.GetStringSlice(KeyPublicHosts))
	cfg.PrivateHosts = hostList(v.GetStringSlice(KeyPrivateHosts))
	if err := validateHosts(cfg.PublicHosts, cfg.PrivateHosts); err != nil {
		return nil, err
	}

	rawVersion := strings.TrimSpace(v.GetString(KeyMesosVersion))
	ver, err := semver.NewVersion(rawVersion)
	if err != nil {
		return nil, &ValidationError{Key: KeyMesosVersion, Reason: fmt.Sprintf("%q is not a version: %v", rawVersion, err)}
	}
	cfg.MesosVersion = ver

	cfg.Flavor = strings.ToLower(strings.TrimSpace(v.GetString(KeyFlavor)))
	flavor, err := LookupFlavor(cfg.Flavor)
	if err != nil {
		return nil, err
	}

	cfg.AdminUser = firstNonEmpty(v.GetString(KeyAdminUser), flavor.AdminUser)
	cfg.PublicWorker = WorkerService{
		Name:     firstNonEmpty(v.GetString(KeyPublicServiceName), flavor.PublicWorker.Name),
		UnitFile: firstNonEmpty(v.GetString(KeyPublicServiceFile), flavor.PublicWorker.UnitFile),
	}
	cfg.PrivateWorker = WorkerService{
		Name:     firstNonEmpty(v.GetString(KeyPrivateServiceName), flavor.PrivateWorker.Name),
		UnitFile: firstNonEmpty(v.GetString(KeyPrivateServiceFile), flavor.PrivateWorker.UnitFile),
	}
	cfg.ExecutorEnvFile = firstNonEmpty(v.GetString(KeyExecutorEnvFile), flavor.ExecutorEnvFile)

	cfg.OverlayProvider = strings.ToLower(firstNonEmpty(v.GetString(KeyOverlayProvider), defaults.OverlayProvider))
	cfg.InstallDir = firstNonEmpty(v.GetString(KeyInstallDir), path.Join(defaults.HomeRoot, cfg.AdminUser))
	cfg.BinDir = path.Join(cfg.InstallDir, defaults.BinSubdir)
	cfg.TmpDir = path.Join(cfg.InstallDir, defaults.TmpSubdir)
	cfg.IPAllocRange = firstNonEmpty(v.GetString(KeyIPAllocRange), defaults.IPAllocRange)
	cfg.ProxySocket = firstNonEmpty(v.GetString(KeyProxySocket), defaults.ProxySocket)
	cfg.SourceDir = firstNonEmpty(v.GetString(KeySourceDir), defaults.SourceDir)
	cfg.LocalTmpDir = strings.TrimSpace(v.GetString(KeyLocalTmpDir))
	cfg.AssumeYes = v.GetBool(KeyAssumeYes)

	cfg.SSH = SSH{
		Port:           v.GetInt(KeySSHPort),
		KeyPath:        expandHome(strings.TrimSpace(v.GetString(KeySSHKey))),
		Passphrase:     v.GetString(KeySSHPassphrase),
		Password:       v.GetString(KeySSHPassword),
		UseAgent:       v.GetBool(KeySSHAgent),
		KnownHostsPath: expandHome(strings.TrimSpace(v.GetString(KeySSHKnownHosts))),
		StrictHostKey:  v.GetBool(KeySSHStrictHostKey),
		CommandTimeout: v.GetDuration(KeySSHCommandTimeout),
		DialTimeout:    v.GetDuration(KeySSHDialTimeout),
	}
	if cfg.SSH.KnownHostsPath == "" {
		cfg.SSH.KnownHostsPath = expandHome("~/" + defaults.KnownHostsFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the resolved values.
func (c *Config) Validate() error {
	if err := validateHosts(c.PublicHosts, c.PrivateHosts); err != nil {
		return err
	}
	if c.MesosVersion == nil {
		return &ValidationError{Key: KeyMesosVersion, Reason: "version is required"}
	}
	if c.AdminUser == "" {
		return &ValidationError{Key: KeyAdminUser, Reason: "admin username is required"}
	}
	if c.OverlayProvider != defaults.OverlayProvider {
		return &ValidationError{Key: KeyOverlayProvider, Reason: fmt.Sprintf("unknown overlay provider %q", c.OverlayProvider)}
	}
	if !path.IsAbs(c.InstallDir) {
		return &ValidationError{Key: KeyInstallDir, Reason: fmt.Sprintf("%q must be an absolute path", c.InstallDir)}
	}
	if !path.IsAbs(c.ProxySocket) {
		return &ValidationError{Key: KeyProxySocket, Reason: fmt.Sprintf("%q must be an absolute path", c.ProxySocket)}
	}
	if _, err := netip.ParsePrefix(c.IPAllocRange); err != nil {
		return &ValidationError{Key: KeyIPAllocRange, Reason: fmt.Sprintf("%q is not a CIDR range", c.IPAllocRange)}
	}

	if c.PublicWorker.Name == "" {
		return &ValidationError{Key: KeyPublicServiceName, Reason: "worker service name is required"}
	}
	if c.PrivateWorker.Name == "" {
		return &ValidationError{Key: KeyPrivateServiceName, Reason: "worker service name is required"}
	}
	if c.UsesExecutorEnv() {
		if c.ExecutorEnvFile == "" {
			return &ValidationError{Key: KeyExecutorEnvFile, Reason: fmt.Sprintf("required for mesos versions before %s", defaults.ExecutorEnvCutoff)}
		}
	} else if c.PublicWorker.UnitFile == "" || c.PrivateWorker.UnitFile == "" {
		return &ValidationError{Key: KeyPublicServiceFile, Reason: fmt.Sprintf("worker unit files are required for mesos %s and later", defaults.ExecutorEnvCutoff)}
	}

	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		return &ValidationError{Key: KeySSHPort, Reason: fmt.Sprintf("%d is out of range", c.SSH.Port)}
	}
	if c.SSH.CommandTimeout < 0 {
		return &ValidationError{Key: KeySSHCommandTimeout, Reason: "must not be negative"}
	}
	return nil
}

// Targets returns every host in provisioning order: public agents first, then
// private agents, each in list order.
func (c *Config) Targets() []HostTarget {
	targets := make([]HostTarget, 0, len(c.PublicHosts)+len(c.PrivateHosts))
	for _, h := range c.PublicHosts {
		targets = append(targets, HostTarget{Address: h, Class: Public})
	}
	for _, h := range c.PrivateHosts {
		targets = append(targets, HostTarget{Address: h, Class: Private})
	}
	return targets
}

// Peers returns the router peer list: private agents, then public agents.
func (c *Config) Peers() []string {
	peers := make([]string, 0, len(c.PublicHosts)+len(c.PrivateHosts))
	peers = append(peers, c.PrivateHosts...)
	return append(peers, c.PublicHosts...)
}

// Worker returns the worker service for a reachability class.
func (c *Config) Worker(class Reachability) WorkerService {
	if class == Public {
		return c.PublicWorker
	}
	return c.PrivateWorker
}

// UsesExecutorEnv reports whether the agents predate MESOS_DOCKER_SOCKET and
// must be pointed at the proxy through the executor environment file.
func (c *Config) UsesExecutorEnv() bool {
	return c.MesosVersion.LessThan(executorEnvCutoff)
}

func validateHosts(public, private []string) error {
	if len(public) == 0 && len(private) == 0 {
		return &ValidationError{
			Key:    "hosts",
			Reason: fmt.Sprintf("at least one agent is required (--%s or --%s)", KeyPublicHosts, KeyPrivateHosts),
		}
	}
	seen := make(map[string]bool, len(public)+len(private))
	for _, h := range slices.Concat(public, private) {
		if seen[h] {
			return &ValidationError{Key: "hosts", Reason: fmt.Sprintf("%s is listed more than once", h)}
		}
		seen[h] = true
	}
	return nil
}

// hostList accepts space- or comma-separated entries.
func hostList(in []string) []string {
	var out []string
	for _, item := range in {
		out = append(out, strings.FieldsFunc(item, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		})...)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
