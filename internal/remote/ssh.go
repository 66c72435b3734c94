package remote

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"

	"overlayctl/internal/logging"
	"overlayctl/internal/ssh"
)

// SSH implements Channel over a pool of SSH connections. File copies are
// streamed through "cat" on the remote side so no scp/sftp subsystem is needed.
type SSH struct {
	pool    *ssh.Pool
	user    string
	timeout time.Duration
}

var _ Channel = (*SSH)(nil)

// NewSSH returns a Channel backed by pool. A zero timeout means commands may
// run indefinitely.
func NewSSH(pool *ssh.Pool, user string, timeout time.Duration) *SSH {
	return &SSH{pool: pool, user: user, timeout: timeout}
}

func (s *SSH) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Run executes command on host.
func (s *SSH) Run(ctx context.Context, host, command string) error {
	logging.L().Infow(fmt.Sprintf("ssh %s@%s %s", s.user, host, command))

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stdout, stderr, err := s.pool.Run(ctx, host, command)
	if err != nil {
		return &ExecutionError{
			Host:     host,
			Command:  command,
			ExitCode: ssh.ExitStatus(err),
			Stderr:   stderr,
			Err:      err,
		}
	}
	if stdout != "" {
		logging.L().Debugw("remote output", "host", host, "stdout", stdout)
	}
	return nil
}

// Upload copies localPath to remotePath on host.
func (s *SSH) Upload(ctx context.Context, host, localPath, remotePath string) error {
	logging.L().Infow(fmt.Sprintf("copy %s -> %s@%s:%s", localPath, s.user, host, remotePath))

	wrap := func(err error) error {
		return &TransferError{Host: host, Direction: Upload, Local: localPath, Remote: remotePath, Err: err}
	}

	f, err := os.Open(localPath)
	if err != nil {
		return wrap(err)
	}
	defer f.Close()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, stderr, err := s.pool.RunWithInput(ctx, host, "cat > "+Quote(remotePath), f); err != nil {
		return wrap(fmt.Errorf("%w (stderr: %s)", err, stderr))
	}
	return nil
}

// Download copies remotePath on host to localPath, truncating any existing
// local file. A partially written local file is removed on failure.
func (s *SSH) Download(ctx context.Context, host, remotePath, localPath string) (err error) {
	logging.L().Infow(fmt.Sprintf("copy %s@%s:%s -> %s", s.user, host, remotePath, localPath))

	wrap := func(err error) error {
		return &TransferError{Host: host, Direction: Download, Local: localPath, Remote: remotePath, Err: err}
	}

	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return wrap(err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
		if err != nil {
			_ = os.Remove(localPath)
		}
	}()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if stderr, err := s.pool.RunWithOutput(ctx, host, "cat "+Quote(remotePath), f); err != nil {
		return wrap(fmt.Errorf("%w (stderr: %s)", err, stderr))
	}
	return nil
}
