// Package remote defines the two primitives the provisioning core needs from a
// remote host: run a command, and copy a file in either direction. Both are
// synchronous and either fully succeed or return a typed error.
package remote

import (
	"context"
	"fmt"
	"strings"
)

// Executor runs a single shell command on a host as the administrative user.
// Privilege elevation is expressed in the command text (for example a "sudo"
// prefix); the executor itself is privilege-agnostic.
type Executor interface {
	Run(ctx context.Context, host, command string) error
}

// Copier moves files between the local filesystem and a host. Remote paths
// must be writable (Upload) or readable (Download) by the administrative user
// without elevation.
type Copier interface {
	Upload(ctx context.Context, host, localPath, remotePath string) error
	Download(ctx context.Context, host, remotePath, localPath string) error
}

// Channel is the full remote surface: command execution plus file copy.
type Channel interface {
	Executor
	Copier
}

// ExecutionError reports a remote command that failed to run or exited non-zero.
type ExecutionError struct {
	Host     string
	Command  string
	ExitCode int // -1 when the command never reported an exit status
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("remote command on %s failed (exit %d): %s", e.Host, e.ExitCode, e.Command)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += " (stderr: " + s + ")"
	}
	if e.Err != nil && e.ExitCode < 0 {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Direction of a file transfer.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// TransferError reports a failed copy step in either direction.
type TransferError struct {
	Host      string
	Direction Direction
	Local     string
	Remote    string
	Err       error
}

func (e *TransferError) Error() string {
	if e.Direction == Download {
		return fmt.Sprintf("%s %s:%s -> %s failed: %v", e.Direction, e.Host, e.Remote, e.Local, e.Err)
	}
	return fmt.Sprintf("%s %s -> %s:%s failed: %v", e.Direction, e.Local, e.Host, e.Remote, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Quote minimally quotes an argument for POSIX shells. It leaves common safe
// characters unquoted and uses single-quoting with the standard `'\''` escape
// for embedded single quotes.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return false
		}
		switch r {
		case '-', '_', '.', '/', '@', ':', ',', '+', '=':
			return false
		}
		return true
	}) == -1 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Sudo prefixes a command with non-interactive sudo.
func Sudo(format string, args ...any) string {
	return "sudo " + fmt.Sprintf(format, args...)
}
