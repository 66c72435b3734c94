package remotetest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overlayctl/internal/remote"
)

func TestFields(t *testing.T) {
	assert.Equal(t, []string{"grep", "-q", "it's here", "f"}, fields(`grep -q 'it'\''s here' f`))
	assert.Equal(t, []string{"a", "", "b"}, fields(`a '' b`))
}

func TestFakeFilesystem(t *testing.T) {
	ctx := context.Background()
	f := New()

	local := filepath.Join(t.TempDir(), "weave")
	require.NoError(t, os.WriteFile(local, []byte("bin"), 0o600))

	require.NoError(t, f.Upload(ctx, "a", local, "/stage/weave"))
	require.NoError(t, f.Run(ctx, "a", "sudo cp /stage/weave /opt/bin/weave"))
	require.NoError(t, f.Run(ctx, "a", "sudo chmod 0755 /opt/bin/weave"))
	require.NoError(t, f.Run(ctx, "a", "sudo chown root:wheel /opt/bin/weave"))
	require.NoError(t, f.Run(ctx, "a", "rm -f /stage/weave"))

	file, ok := f.File("a", "/opt/bin/weave")
	require.True(t, ok)
	assert.Equal(t, "bin", string(file.Data))
	assert.Equal(t, os.FileMode(0o755), file.Mode)
	assert.Equal(t, "root", file.Owner)
	assert.Equal(t, "wheel", file.Group)

	_, ok = f.File("a", "/stage/weave")
	assert.False(t, ok)

	err := f.Run(ctx, "a", "sudo cp /nope /x")
	var ee *remote.ExecutionError
	require.ErrorAs(t, err, &ee)
}

func TestFakeFailOn(t *testing.T) {
	f := New()
	boom := errors.New("boom")
	f.FailOn = func(op Op) error {
		if op.Host == "b" {
			return boom
		}
		return nil
	}

	require.NoError(t, f.Run(context.Background(), "a", "true"))
	err := f.Run(context.Background(), "b", "true")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, f.Hosts())
}
