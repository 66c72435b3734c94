package transfer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overlayctl/internal/remote"
	"overlayctl/internal/remote/remotetest"
	"overlayctl/internal/template"
)

const stagingDir = "/home/core/tmp"

func newTransfer(f *remotetest.Fake) *Transfer {
	tr := New(f, stagingDir)
	tr.newID = func() string { return "id" }
	return tr
}

func writeLocal(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestPushPlacesFileWithModeAndOwner(t *testing.T) {
	f := remotetest.New()
	tr := newTransfer(f)
	local := writeLocal(t, "weave", "#!/bin/sh\n")

	err := tr.Push(context.Background(), "a", local, "/home/core/bin/weave", RootOwned(0o755))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"sudo cp /home/core/tmp/weave.id /home/core/bin/weave",
		"sudo chmod 0755 /home/core/bin/weave",
		"sudo chown root:root /home/core/bin/weave",
		"sudo rm -f /home/core/tmp/weave.id",
	}, f.Commands("a"))

	file, ok := f.File("a", "/home/core/bin/weave")
	require.True(t, ok)
	assert.Equal(t, "#!/bin/sh\n", string(file.Data))
	assert.Equal(t, os.FileMode(0o755), file.Mode)
	assert.Equal(t, "root", file.Owner)
	assert.Equal(t, "root", file.Group)

	_, staged := f.File("a", "/home/core/tmp/weave.id")
	assert.False(t, staged)
}

func TestPushWithoutOptionsLeavesAttributes(t *testing.T) {
	f := remotetest.New()
	tr := newTransfer(f)
	local := writeLocal(t, "weave.target", "[Unit]\n")

	require.NoError(t, tr.Push(context.Background(), "a", local, "/etc/systemd/system/weave.target", Options{}))
	for _, cmd := range f.Commands("a") {
		assert.NotContains(t, cmd, "chmod")
		assert.NotContains(t, cmd, "chown")
	}
}

func TestPushOwnerOnlyAndGroupOnly(t *testing.T) {
	f := remotetest.New()
	tr := newTransfer(f)
	local := writeLocal(t, "x", "x")

	require.NoError(t, tr.Push(context.Background(), "a", local, "/x", Options{Owner: "core"}))
	require.NoError(t, tr.Push(context.Background(), "a", local, "/y", Options{Group: "docker"}))

	cmds := strings.Join(f.Commands("a"), "\n")
	assert.Contains(t, cmds, "sudo chown core /x")
	assert.Contains(t, cmds, "sudo chgrp docker /y")
}

func TestPushRendersTemplateAndRemovesRenderedFile(t *testing.T) {
	f := remotetest.New()
	tr := newTransfer(f)
	local := writeLocal(t, "weave-router.service", "Peers={{PEERS}}")

	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	opts := RootOwned(0o644)
	opts.Rules = []template.Rule{template.Set("{{PEERS}}", "10.0.0.1 10.0.0.2")}
	require.NoError(t, tr.Push(context.Background(), "a", local, "/etc/systemd/system/weave-router.service", opts))

	file, ok := f.File("a", "/etc/systemd/system/weave-router.service")
	require.True(t, ok)
	assert.Equal(t, "Peers=10.0.0.1 10.0.0.2", string(file.Data))
	assert.Equal(t, os.FileMode(0o644), file.Mode)

	left, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, left, "rendered temp file must be removed")
}

func TestPushFailureStillCleansUp(t *testing.T) {
	f := remotetest.New()
	f.FailOn = func(op remotetest.Op) error {
		if strings.Contains(op.Command, "chmod") {
			return errors.New("operation not permitted")
		}
		return nil
	}
	tr := newTransfer(f)
	local := writeLocal(t, "weave-proxy.service", "{{BIN_DIR}}")

	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	opts := RootOwned(0o644)
	opts.Rules = []template.Rule{template.Set("{{BIN_DIR}}", "/home/core/bin")}
	err := tr.Push(context.Background(), "a", local, "/etc/systemd/system/weave-proxy.service", opts)
	require.Error(t, err)

	var ee *remote.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Command, "chmod")

	cmds := f.Commands("a")
	assert.Equal(t, "sudo rm -f /home/core/tmp/weave-proxy.service.id", cmds[len(cmds)-1])
	for _, c := range cmds {
		assert.NotContains(t, c, "chown", "no step may run after a failure")
	}

	left, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestPushUploadFailureIsTransferError(t *testing.T) {
	f := remotetest.New()
	f.FailOn = func(op remotetest.Op) error {
		if op.Kind == "upload" {
			return errors.New("broken pipe")
		}
		return nil
	}
	tr := newTransfer(f)
	local := writeLocal(t, "weave", "bin")

	err := tr.Push(context.Background(), "a", local, "/home/core/bin/weave", RootOwned(0o755))
	var te *remote.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, remote.Upload, te.Direction)
	assert.Equal(t, []string{"sudo rm -f /home/core/tmp/weave.id"}, f.Commands("a"))
}

func TestPushMissingTemplate(t *testing.T) {
	f := remotetest.New()
	tr := newTransfer(f)

	opts := Options{Rules: []template.Rule{}}
	err := tr.Push(context.Background(), "a", filepath.Join(t.TempDir(), "nope.service"), "/x", opts)
	require.Error(t, err)
	assert.Empty(t, f.Ops())
}

func TestPull(t *testing.T) {
	f := remotetest.New()
	f.Seed("a", "/opt/mesosphere/etc/mesos-executor-environment.json", []byte(`{"A":1}`))
	tr := newTransfer(f)

	local := filepath.Join(t.TempDir(), "env.json")
	require.NoError(t, tr.Pull(context.Background(), "a", "/opt/mesosphere/etc/mesos-executor-environment.json", local, Options{Mode: Mode(0o600)}))

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, `{"A":1}`, string(data))

	info, err := os.Stat(local)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Equal(t, []string{
		"sudo install -m 0644 /opt/mesosphere/etc/mesos-executor-environment.json /home/core/tmp/mesos-executor-environment.json.id",
		"sudo rm -f /home/core/tmp/mesos-executor-environment.json.id",
	}, f.Commands("a"))
}

func TestPullMissingRemoteFile(t *testing.T) {
	f := remotetest.New()
	tr := newTransfer(f)

	err := tr.Pull(context.Background(), "a", "/missing.json", filepath.Join(t.TempDir(), "x"), Options{})
	var ee *remote.ExecutionError
	require.ErrorAs(t, err, &ee)

	cmds := f.Commands("a")
	assert.Equal(t, "sudo rm -f /home/core/tmp/missing.json.id", cmds[len(cmds)-1])
}

func TestLookupIDsNumeric(t *testing.T) {
	uid, gid, err := lookupIDs("1000", "")
	require.NoError(t, err)
	assert.Equal(t, 1000, uid)
	assert.Equal(t, -1, gid)

	_, _, err = lookupIDs("no-such-user-overlayctl", "")
	require.Error(t, err)
}

func TestPullLocalOwnershipCurrentUser(t *testing.T) {
	f := remotetest.New()
	f.Seed("a", "/etc/x.json", []byte(`{}`))
	tr := newTransfer(f)

	local := filepath.Join(t.TempDir(), "x.json")
	uid := os.Getuid()
	gid := os.Getgid()
	opts := Options{Owner: strconv.Itoa(uid), Group: strconv.Itoa(gid)}
	require.NoError(t, tr.Pull(context.Background(), "a", "/etc/x.json", local, opts))
}

func TestPushCancelledMidwayStillRemovesStaging(t *testing.T) {
	f := remotetest.New()
	tr := newTransfer(f)
	local := writeLocal(t, "weave", "#!/bin/sh\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.FailOn = func(op remotetest.Op) error {
		if op.Kind == "upload" {
			cancel()
		}
		return nil
	}

	err := tr.Push(ctx, "a", local, "/home/core/bin/weave", RootOwned(0o755))
	require.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, err.Error(), "failed to remove staging file")

	assert.Equal(t, []string{"sudo rm -f /home/core/tmp/weave.id"}, f.Commands("a"))
	for _, p := range f.Paths("a") {
		assert.False(t, strings.HasPrefix(p, stagingDir+"/"), "staging file %s left behind", p)
	}
}

func TestPullCancelledMidwayStillRemovesStaging(t *testing.T) {
	f := remotetest.New()
	f.Seed("a", "/opt/mesosphere/etc/env.json", []byte(`{"A":1}`))
	tr := newTransfer(f)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.FailOn = func(op remotetest.Op) error {
		if op.Kind == "run" && strings.HasPrefix(op.Command, "sudo install -m 0644 ") {
			cancel()
		}
		return nil
	}

	err := tr.Pull(ctx, "a", "/opt/mesosphere/etc/env.json", filepath.Join(t.TempDir(), "env.json"), Options{})
	require.ErrorIs(t, err, context.Canceled)

	_, staged := f.File("a", "/home/core/tmp/env.json.id")
	assert.False(t, staged, "world-readable staging copy left behind")
	assert.Equal(t, "sudo rm -f /home/core/tmp/env.json.id", f.Commands("a")[len(f.Commands("a"))-1])
}
