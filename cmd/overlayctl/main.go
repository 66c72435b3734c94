package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"overlayctl/internal/config"
	"overlayctl/internal/confirm"
	"overlayctl/internal/deployer"
	"overlayctl/internal/logging"
	"overlayctl/internal/ssh"
	"overlayctl/internal/systemd"
)

// Version information - set via ldflags during build
var (
	// Version is the build version in yyyy-MM-dd-HHmm format
	Version = "dev"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
	// BinaryName is the name of the binary
	BinaryName = "overlayctl"
)

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	if err := logging.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logging: %v\n", err)
		os.Exit(exitError)
	}

	ctx := withSignals(context.Background())
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	logging.Sync()
	os.Exit(code)
}

func withSignals(parent context.Context) context.Context {
	ctx, _ := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

// usageError marks errors caused by bad flags or settings.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// execute runs the root command and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	v := config.NewViper()
	cmd := newRootCmd(v, stdout, stderr)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, systemd.ErrUserAbort):
		logging.L().Warnw("deployment aborted by operator")
		fmt.Fprintf(stderr, "\nAborted:\n  %s\n\n", formatError(err))
		return exitOK
	}

	var ue *usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "\nError:\n  %s\n\nRun '%s --help' for usage.\n", formatError(ue.err), BinaryName)
		return exitUsage
	}
	fmt.Fprintf(stderr, "\nError:\n  %s\n\n", formatError(err))
	return exitError
}

func newRootCmd(v *viper.Viper, stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   BinaryName,
		Short: "Install the Weave overlay onto Mesos agents over SSH",
		Long: `overlayctl installs the Weave router and proxy onto every Mesos agent,
points the agent's Docker executor at the Weave proxy socket and restarts the
agent service once the operator confirms.

Public agents are provisioned first, then private agents, one host at a time.
The first failure stops the run; hosts already provisioned stay as they are.

Every flag can also be set through the environment as OVERLAYCTL_<FLAG>
(upper case, dashes as underscores) or in a YAML/JSON file given by --config.
The MESOS_* and WEAVE_* variables used by earlier installer scripts are
honoured too.`,
		Example: `  # Provision two public and one private DC/OS agent
  overlayctl --mesos-public-slaves 10.0.0.1,10.0.0.2 --mesos-private-slaves 10.0.1.1 --ssh-key ~/.ssh/dcos

  # Show what would be done
  overlayctl --config cluster.yaml --dry-run`,
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return &usageError{err: fmt.Errorf("unexpected arguments: %s", strings.Join(args, " "))}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			return run(cmd.Context(), v, dryRun, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	addFlags(cmd)
	// BindPFlags only fails on a nil flag set.
	_ = v.BindPFlags(cmd.Flags())
	return cmd
}

func addFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.SortFlags = false

	f.String(config.KeyConfigFile, "", "Path to a YAML or JSON settings file")
	f.Bool("dry-run", false, "Print the provisioning plan without contacting any host")
	f.BoolP(config.KeyAssumeYes, "y", false, "Restart agent services without asking")

	f.StringSlice(config.KeyPublicHosts, nil, "Addresses of public Mesos agents")
	f.StringSlice(config.KeyPrivateHosts, nil, "Addresses of private Mesos agents")
	f.String(config.KeyFlavor, "", fmt.Sprintf("Mesos flavor selecting defaults (%s) (default %q)", strings.Join(config.FlavorNames(), ", "), "dcos"))
	f.String(config.KeyMesosVersion, "", "Mesos version on the agents (default \"0.23.0\")")
	f.String(config.KeyAdminUser, "", "Admin username on the agents (default: from flavor)")
	f.String(config.KeyPublicServiceName, "", "Public agent systemd service (default: from flavor)")
	f.String(config.KeyPrivateServiceName, "", "Private agent systemd service (default: from flavor)")
	f.String(config.KeyPublicServiceFile, "", "Public agent systemd unit file (default: from flavor)")
	f.String(config.KeyPrivateServiceFile, "", "Private agent systemd unit file (default: from flavor)")
	f.String(config.KeyExecutorEnvFile, "", "Executor environment JSON file (default: from flavor)")

	f.String(config.KeyOverlayProvider, "", "Overlay to install (default \"weave\")")
	f.String(config.KeyInstallDir, "", "Install directory on the agents (default: /home/<admin user>)")
	f.String(config.KeyIPAllocRange, "", "Weave IP allocation range (default \"10.32.0.0/12\")")
	f.String(config.KeyProxySocket, "", "Weave proxy socket path (default \"/var/run/weave/weave.sock\")")
	f.String(config.KeySourceDir, "", "Local directory holding weave and its unit templates (default \".\")")
	f.String(config.KeyLocalTmpDir, "", "Local directory for working copies (default: system temp dir)")

	f.Int(config.KeySSHPort, 0, "SSH port (default 22)")
	f.String(config.KeySSHKey, "", "SSH private key file")
	f.String(config.KeySSHPassphrase, "", "Passphrase for the SSH private key (prompted when needed)")
	f.String(config.KeySSHPassword, "", "SSH password")
	f.Bool(config.KeySSHAgent, true, "Use keys from the running ssh-agent")
	f.String(config.KeySSHKnownHosts, "", "known_hosts file (default \"~/.ssh/known_hosts\")")
	f.Bool(config.KeySSHStrictHostKey, false, "Verify host keys against known_hosts")
	f.Duration(config.KeySSHCommandTimeout, 0, "Per-command timeout, 0 for none")
	f.Duration(config.KeySSHDialTimeout, 0, "SSH connect timeout (default 10s)")
}

func run(ctx context.Context, v *viper.Viper, dryRun bool, stdout, stderr io.Writer) error {
	log := logging.L()

	cfg, err := loadConfig(v, stderr)
	if err != nil {
		return err
	}

	log.Infow("configuration loaded",
		"configFile", cfg.ConfigPath,
		"flavor", cfg.Flavor,
		"mesosVersion", cfg.MesosVersion.String(),
		"publicAgents", len(cfg.PublicHosts),
		"privateAgents", len(cfg.PrivateHosts),
		"installDir", cfg.InstallDir,
	)

	if dryRun {
		plan, err := deployer.Plan(cfg)
		if err != nil {
			return err
		}
		for _, line := range plan {
			fmt.Fprintln(stdout, line)
		}
		log.Infow("dry-run mode: configuration is valid")
		return nil
	}

	var gate confirm.Gate = confirm.Bypass{}
	if !cfg.AssumeYes {
		if !confirm.IsTerminal(os.Stdin) {
			log.Warnw("stdin is not a terminal; restart confirmations will be read from it (use --yes to skip)")
		}
		gate = confirm.NewPrompter(os.Stdin, stderr)
	}

	if err := deployer.Deploy(ctx, cfg, gate); err != nil {
		if !errors.Is(err, systemd.ErrUserAbort) {
			log.Errorw("deployment failed")
		}
		return err
	}
	log.Infow("✅ Deployment completed successfully!")
	return nil
}

// loadConfig resolves the configuration, prompting for a key passphrase when
// the key is encrypted and none was given.
func loadConfig(v *viper.Viper, stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, asUsage(err)
	}
	if cfg.SSH.KeyPath == "" || cfg.SSH.Passphrase != "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(cfg.SSH.KeyPath)
	if err != nil {
		return nil, &usageError{err: fmt.Errorf("failed to read ssh key %s: %w", cfg.SSH.KeyPath, err)}
	}
	if !ssh.KeyNeedsPassphrase(pem) || !confirm.IsTerminal(os.Stdin) {
		return cfg, nil
	}

	pass, err := confirm.ReadSecret("Passphrase for "+cfg.SSH.KeyPath, os.Stdin, stderr)
	if err != nil {
		return nil, err
	}
	v.Set(config.KeySSHPassphrase, pass)
	cfg, err = config.Load(v)
	if err != nil {
		return nil, asUsage(err)
	}
	return cfg, nil
}

func asUsage(err error) error {
	var ve *config.ValidationError
	if errors.As(err, &ve) || errors.Is(err, config.ErrUnsupportedFlavor) {
		return &usageError{err: err}
	}
	return err
}

// formatError formats a nested error with each level on a separate line
func formatError(err error) string {
	if err == nil {
		return ""
	}

	var lines []string
	current := err

	for current != nil {
		msg := current.Error()

		unwrapped := errors.Unwrap(current)
		if unwrapped != nil {
			// Remove the wrapped part from the message
			unwrappedMsg := unwrapped.Error()
			if strings.HasSuffix(msg, ": "+unwrappedMsg) {
				msg = strings.TrimSuffix(msg, ": "+unwrappedMsg)
			}
		}

		lines = append(lines, msg)
		current = unwrapped
	}

	// Format with indentation
	var formatted strings.Builder
	for i, line := range lines {
		if i > 0 {
			formatted.WriteString("\n  ")
			formatted.WriteString(strings.Repeat("→ ", i))
		}
		formatted.WriteString(line)
	}

	return formatted.String()
}
