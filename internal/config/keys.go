package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"overlayctl/internal/defaults"
)

// Setting keys. Each key doubles as the long flag name and, upper-cased with
// dashes turned into underscores, as the environment variable name.
const (
	KeyConfigFile = "config"

	KeyMesosVersion       = "mesos-version"
	KeyFlavor             = "mesos-flavor"
	KeyPublicHosts        = "mesos-public-slaves"
	KeyPrivateHosts       = "mesos-private-slaves"
	KeyAdminUser          = "mesos-admin-username"
	KeyPublicServiceName  = "mesos-slave-service-name-public"
	KeyPrivateServiceName = "mesos-slave-service-name-private"
	KeyPublicServiceFile  = "mesos-slave-service-file-public"
	KeyPrivateServiceFile = "mesos-slave-service-file-private"
	KeyExecutorEnvFile    = "mesos-slave-executor-env-file"

	KeyOverlayProvider = "overlay-provider"
	KeyInstallDir      = "weave-install-dir"
	KeyIPAllocRange    = "weave-router-ipalloc-range"
	KeyProxySocket     = "weave-proxy-socket"
	KeySourceDir       = "weave-source-dir"
	KeyLocalTmpDir     = "local-tmp-dir"

	KeyAssumeYes = "yes"

	KeySSHPort           = "ssh-port"
	KeySSHKey            = "ssh-key"
	KeySSHPassphrase     = "ssh-key-passphrase"
	KeySSHPassword       = "ssh-password"
	KeySSHAgent          = "ssh-agent"
	KeySSHKnownHosts     = "ssh-known-hosts"
	KeySSHStrictHostKey  = "ssh-strict-host-key"
	KeySSHCommandTimeout = "ssh-command-timeout"
	KeySSHDialTimeout    = "ssh-dial-timeout"
)

// EnvPrefix namespaces every setting in the environment.
const EnvPrefix = "OVERLAYCTL"

// bareEnvKeys are also read without the prefix, under the names operators of
// the original installer scripts already export.
var bareEnvKeys = []string{
	KeyMesosVersion,
	KeyFlavor,
	KeyPublicHosts,
	KeyPrivateHosts,
	KeyAdminUser,
	KeyPublicServiceName,
	KeyPrivateServiceName,
	KeyPublicServiceFile,
	KeyPrivateServiceFile,
	KeyExecutorEnvFile,
	KeyInstallDir,
	KeyIPAllocRange,
	KeyProxySocket,
	KeyLocalTmpDir,
}

var allKeys = []string{
	KeyConfigFile,
	KeyMesosVersion, KeyFlavor, KeyPublicHosts, KeyPrivateHosts, KeyAdminUser,
	KeyPublicServiceName, KeyPrivateServiceName, KeyPublicServiceFile, KeyPrivateServiceFile,
	KeyExecutorEnvFile,
	KeyOverlayProvider, KeyInstallDir, KeyIPAllocRange, KeyProxySocket, KeySourceDir, KeyLocalTmpDir,
	KeyAssumeYes,
	KeySSHPort, KeySSHKey, KeySSHPassphrase, KeySSHPassword, KeySSHAgent, KeySSHKnownHosts,
	KeySSHStrictHostKey, KeySSHCommandTimeout, KeySSHDialTimeout,
}

// EnvName returns the environment variable for key with the given prefix.
func EnvName(prefix, key string) string {
	name := strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// NewViper returns a viper instance with defaults and environment bindings
// registered. Flags are bound by the caller.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault(KeyMesosVersion, defaults.MesosVersion)
	v.SetDefault(KeyFlavor, defaults.Flavor)
	v.SetDefault(KeyOverlayProvider, defaults.OverlayProvider)
	v.SetDefault(KeyIPAllocRange, defaults.IPAllocRange)
	v.SetDefault(KeyProxySocket, defaults.ProxySocket)
	v.SetDefault(KeySourceDir, defaults.SourceDir)
	v.SetDefault(KeySSHPort, defaults.SSHPort)
	v.SetDefault(KeySSHAgent, true)
	v.SetDefault(KeySSHDialTimeout, time.Duration(defaults.SSHDialTimeoutSeconds)*time.Second)

	for _, key := range allKeys {
		names := []string{key, EnvName(EnvPrefix, key)}
		if isBareEnvKey(key) {
			names = append(names, EnvName("", key))
		}
		// BindEnv only fails when called without a key.
		_ = v.BindEnv(names...)
	}
	return v
}

func isBareEnvKey(key string) bool {
	for _, k := range bareEnvKeys {
		if k == key {
			return true
		}
	}
	return false
}
