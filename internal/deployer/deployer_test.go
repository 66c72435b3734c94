package deployer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overlayctl/internal/config"
	"overlayctl/internal/confirm"
	"overlayctl/internal/remote"
	"overlayctl/internal/remote/remotetest"
	"overlayctl/internal/systemd"
)

const envFile = "/opt/mesosphere/etc/mesos-executor-environment.json"

func sourceDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"weave":                "#!/bin/sh\n",
		"weave.target":         "[Unit]\nDescription=Weave\n",
		"weave-router.service": "ExecStart={{BIN_DIR}}/weave launch-router --ipalloc-range {{IPALLOC_RANGE}} {{PEERS}}\n",
		"weave-proxy.service":  "ExecStart={{BIN_DIR}}/weave launch-proxy\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func testConfig(t *testing.T, version string, public, private []string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Flavor:       "dcos",
		MesosVersion: semver.MustParse(version),
		PublicHosts:  public,
		PrivateHosts: private,
		AdminUser:    "core",
		PublicWorker: config.WorkerService{
			Name:     "dcos-mesos-slave-public.service",
			UnitFile: "/etc/systemd/system/dcos-mesos-slave-public.service",
		},
		PrivateWorker: config.WorkerService{
			Name:     "dcos-mesos-slave.service",
			UnitFile: "/etc/systemd/system/dcos-mesos-slave.service",
		},
		ExecutorEnvFile: envFile,
		OverlayProvider: "weave",
		InstallDir:      "/home/core",
		BinDir:          "/home/core/bin",
		TmpDir:          "/home/core/tmp",
		IPAllocRange:    "10.32.0.0/12",
		ProxySocket:     "/var/run/weave/weave.sock",
		SourceDir:       sourceDir(t),
		LocalTmpDir:     t.TempDir(),
		SSH:             config.SSH{Port: 22},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func seedEnv(f *remotetest.Fake, hosts ...string) {
	for _, h := range hosts {
		f.Seed(h, envFile, []byte(`{"MESOS_NATIVE_JAVA_LIBRARY":"/opt/mesosphere/lib/libmesos.so"}`))
	}
}

type recorder struct {
	states map[string][]State
	order  []string
}

func newRecorder() *recorder { return &recorder{states: map[string][]State{}} }

func (r *recorder) observe(host config.HostTarget, s State) {
	if _, ok := r.states[host.Address]; !ok {
		r.order = append(r.order, host.Address)
	}
	r.states[host.Address] = append(r.states[host.Address], s)
}

func TestRunProvisionsHostsInOrder(t *testing.T) {
	cfg := testConfig(t, "0.23.0", []string{"A", "B"}, []string{"C"})
	f := remotetest.New()
	seedEnv(f, "A", "B", "C")
	rec := newRecorder()

	o, err := New(cfg, f, confirm.Bypass{}, WithObserver(rec.observe))
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background()))

	assert.Equal(t, []string{"A", "B", "C"}, f.Hosts())
	assert.Equal(t, []string{"A", "B", "C"}, rec.order)

	// no interleaving: every op of A precedes every op of B, and so on
	var seq []string
	for _, op := range f.Ops() {
		if len(seq) == 0 || seq[len(seq)-1] != op.Host {
			seq = append(seq, op.Host)
		}
	}
	assert.Equal(t, []string{"A", "B", "C"}, seq)

	for _, h := range []string{"A", "B", "C"} {
		assert.Equal(t, []State{
			Idle, DirectoriesEnsured, BinaryInstalled, ServiceUnitsInstalled,
			OverlayServicesRunning, ExecutorConfigured, Confirmed, WorkerServiceRestarted,
		}, rec.states[h])
	}
}

func TestRunHostSteps(t *testing.T) {
	cfg := testConfig(t, "0.23.0", []string{"A"}, []string{"C"})
	f := remotetest.New()
	seedEnv(f, "A", "C")

	o, err := New(cfg, f, confirm.Bypass{})
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background()))

	assert.True(t, f.HasDir("A", "/home/core/tmp"))
	assert.True(t, f.HasDir("A", "/home/core/bin"))

	bin, ok := f.File("A", "/home/core/bin/weave")
	require.True(t, ok)
	assert.Equal(t, os.FileMode(0o755), bin.Mode)
	assert.Equal(t, "root", bin.Owner)

	router, ok := f.File("A", "/etc/systemd/system/weave-router.service")
	require.True(t, ok)
	assert.Equal(t, "ExecStart=/home/core/bin/weave launch-router --ipalloc-range 10.32.0.0/12 C A\n", string(router.Data))
	assert.Equal(t, os.FileMode(0o644), router.Mode)

	proxy, _ := f.File("A", "/etc/systemd/system/weave-proxy.service")
	assert.Equal(t, "ExecStart=/home/core/bin/weave launch-proxy\n", string(proxy.Data))

	_, ok = f.File("A", "/etc/systemd/system/weave.target")
	assert.True(t, ok)

	env, _ := f.File("A", envFile)
	assert.JSONEq(t, `{"MESOS_NATIVE_JAVA_LIBRARY":"/opt/mesosphere/lib/libmesos.so","DOCKER_HOST":"unix:///var/run/weave/weave.sock"}`, string(env.Data))

	for _, p := range f.Paths("A") {
		assert.False(t, strings.HasPrefix(p, "/home/core/tmp/"), "staging file %s left behind", p)
	}

	cmds := f.Commands("A")
	assert.Equal(t, "sudo install -d -o core /home/core/tmp", cmds[0])
	assert.Equal(t, "sudo install -d /home/core/bin", cmds[1])
	assert.Equal(t, []string{
		"sudo systemctl daemon-reload",
		"sudo systemctl stop dcos-mesos-slave-public.service",
		"sudo systemctl start dcos-mesos-slave-public.service",
	}, cmds[len(cmds)-3:])

	cCmds := f.Commands("C")
	assert.Equal(t, "sudo systemctl start dcos-mesos-slave.service", cCmds[len(cCmds)-1])
}

func TestRunNewerMesosUsesUnitFile(t *testing.T) {
	cfg := testConfig(t, "0.25.0", nil, []string{"C"})
	f := remotetest.New()
	seedEnv(f, "C")

	o, err := New(cfg, f, confirm.Bypass{})
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background()))

	unit, ok := f.File("C", "/etc/systemd/system/dcos-mesos-slave.service")
	require.True(t, ok)
	assert.Equal(t, "MESOS_DOCKER_SOCKET=/var/run/weave/weave.sock\n", string(unit.Data))

	env, _ := f.File("C", envFile)
	assert.NotContains(t, string(env.Data), "DOCKER_HOST")
}

func TestRunFailureStopsRun(t *testing.T) {
	cfg := testConfig(t, "0.23.0", []string{"A", "B"}, []string{"C"})
	f := remotetest.New()
	seedEnv(f, "A", "B", "C")
	f.FailOn = func(op remotetest.Op) error {
		if op.Host == "B" && op.Command == "sudo systemctl enable weave-router.service" {
			return errors.New("Failed to enable unit")
		}
		return nil
	}
	rec := newRecorder()

	o, err := New(cfg, f, confirm.Bypass{}, WithObserver(rec.observe))
	require.NoError(t, err)
	err = o.Run(context.Background())

	var ee *remote.ExecutionError
	require.ErrorAs(t, err, &ee)
	var he *HostError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "B", he.Host.Address)
	assert.Equal(t, "start overlay services", he.Step)

	assert.Equal(t, []string{"A", "B"}, f.Hosts())
	assert.Empty(t, f.Commands("C"))
	assert.Equal(t, WorkerServiceRestarted, rec.states["A"][len(rec.states["A"])-1])
	assert.Equal(t, ServiceUnitsInstalled, rec.states["B"][len(rec.states["B"])-1])

	for _, cmd := range f.Commands("B") {
		assert.NotContains(t, cmd, "daemon-reload")
	}
}

func TestRunDeclinedRestartAbortsRun(t *testing.T) {
	cfg := testConfig(t, "0.23.0", []string{"A", "B"}, []string{"C"})
	f := remotetest.New()
	seedEnv(f, "A", "B", "C")
	gate := &confirm.Scripted{Answers: []bool{true, false}}
	rec := newRecorder()

	o, err := New(cfg, f, gate, WithObserver(rec.observe))
	require.NoError(t, err)
	err = o.Run(context.Background())

	require.ErrorIs(t, err, systemd.ErrUserAbort)
	assert.Len(t, gate.Prompts, 2)
	assert.Equal(t, []string{"A", "B"}, f.Hosts())
	assert.Equal(t, Aborted, rec.states["B"][len(rec.states["B"])-1])
	assert.NotContains(t, rec.states["B"], Confirmed)
	for _, cmd := range f.Commands("B") {
		assert.NotContains(t, cmd, "dcos-mesos-slave")
	}
}

func TestRunMissingSourceFilesTouchesNothing(t *testing.T) {
	cfg := testConfig(t, "0.23.0", []string{"A"}, nil)
	require.NoError(t, os.Remove(filepath.Join(cfg.SourceDir, "weave-proxy.service")))
	f := remotetest.New()

	o, err := New(cfg, f, confirm.Bypass{})
	require.NoError(t, err)
	err = o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weave-proxy.service")
	assert.Empty(t, f.Ops())
}

func TestPlan(t *testing.T) {
	cfg := testConfig(t, "0.23.0", []string{"A"}, []string{"C"})
	o, err := New(cfg, remotetest.New(), confirm.Bypass{})
	require.NoError(t, err)

	plan := o.Plan()
	require.NotEmpty(t, plan)
	assert.True(t, strings.HasPrefix(plan[0], "[A - public] "))
	assert.Contains(t, strings.Join(plan, "\n"), "set DOCKER_HOST=unix:///var/run/weave/weave.sock in "+envFile)
	assert.Equal(t, "[C - private] restart dcos-mesos-slave.service after confirmation", plan[len(plan)-1])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "worker service restarted", WorkerServiceRestarted.String())
	assert.Equal(t, "state(42)", State(42).String())
}
