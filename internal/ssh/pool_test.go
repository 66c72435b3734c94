package ssh

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overlayctl/internal/ssh/sshtest"
)

func TestPoolReusesConnectionPerHost(t *testing.T) {
	srv := sshtest.Start(t)
	ctx := context.Background()

	p := NewPool(testAuth())
	defer p.Close()

	for i := 0; i < 3; i++ {
		stdout, _, err := p.Run(ctx, srv.Addr, "echo again")
		require.NoError(t, err)
		assert.Equal(t, "again\n", stdout)
	}
	_, _, err := p.RunWithInput(ctx, srv.Addr, "cat > /f", bytes.NewBufferString("x"))
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = p.RunWithOutput(ctx, srv.Addr, "cat /f", &out)
	require.NoError(t, err)
	assert.Equal(t, "x", out.String())

	assert.Equal(t, 1, srv.Connections())
}

func TestPoolDialError(t *testing.T) {
	p := NewPool(testAuth())
	p.dial = func(ctx context.Context, host string, auth AuthConfig) (*Client, error) {
		return nil, errors.New("refused")
	}

	_, _, err := p.Run(context.Background(), "a", "echo x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssh connect a")
	assert.NoError(t, p.Close())
}
