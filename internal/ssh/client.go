package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultPort is used when a host address carries no port and AuthConfig.Port is zero.
const DefaultPort = 22

// Client wraps an SSH client connection for remote command execution.
type Client struct {
	client *ssh.Client
	agent  net.Conn // ssh-agent connection, nil when unused
	host   string
}

// AuthConfig contains SSH authentication configuration.
type AuthConfig struct {
	Username       string
	Password       string
	PrivateKeyPEM  []byte
	PrivateKeyPath string
	Passphrase     string
	UseAgent       bool
	KnownHostsPath string
	StrictHostKey  bool
	Port           int           // SSH port (default: 22)
	DialTimeout    time.Duration // TCP connect + handshake timeout (default: 10s)
}

// NewClient creates a new SSH client connection to the specified host using the provided authentication.
func NewClient(ctx context.Context, host string, auth AuthConfig) (*Client, error) {
	hostKeyCallback, err := hostKeyCallback(auth)
	if err != nil {
		return nil, err
	}

	authMethods, agentConn, err := authMethods(auth)
	if err != nil {
		return nil, err
	}
	closeAgent := func() {
		if agentConn != nil {
			_ = agentConn.Close()
		}
	}

	timeout := auth.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	config := &ssh.ClientConfig{
		User:            auth.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := Address(host, auth.Port)

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeAgent()
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		closeAgent()
		return nil, fmt.Errorf("failed to establish ssh connection to %s: %w", addr, err)
	}

	return &Client{
		client: ssh.NewClient(sshConn, chans, reqs),
		agent:  agentConn,
		host:   host,
	}, nil
}

// Address appends the SSH port to host unless it already carries one.
func Address(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// authMethods also returns the ssh-agent connection it opened, if any; the
// caller owns it.
func authMethods(auth AuthConfig) ([]ssh.AuthMethod, net.Conn, error) {
	var methods []ssh.AuthMethod

	// Try private key authentication first
	switch {
	case len(auth.PrivateKeyPEM) > 0:
		signer, err := parseSigner(auth.PrivateKeyPEM, auth.Passphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	case auth.PrivateKeyPath != "":
		keyData, err := os.ReadFile(auth.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read private key from %s: %w", auth.PrivateKeyPath, err)
		}
		signer, err := parseSigner(keyData, auth.Passphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key from %s: %w", auth.PrivateKeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	var agentConn net.Conn
	if auth.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				agentConn = conn
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	if auth.Password != "" {
		methods = append(methods, ssh.Password(auth.Password))
	}

	if len(methods) == 0 {
		return nil, nil, fmt.Errorf("no authentication method provided (need private key, ssh agent or password)")
	}
	return methods, agentConn, nil
}

func parseSigner(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		return nil, fmt.Errorf("private key is encrypted; provide a passphrase")
	}
	return nil, err
}

func hostKeyCallback(auth AuthConfig) (ssh.HostKeyCallback, error) {
	if !auth.StrictHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if auth.KnownHostsPath == "" {
		return nil, fmt.Errorf("strict host key checking requires a known_hosts path")
	}
	if _, err := os.Stat(auth.KnownHostsPath); err != nil {
		return nil, fmt.Errorf("known_hosts file not found at %s and strict host key checking is enabled", auth.KnownHostsPath)
	}
	cb, err := knownhosts.New(auth.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts %s: %w", auth.KnownHostsPath, err)
	}
	return cb, nil
}

// Run executes a command on the remote host and returns stdout, stderr, and error.
func (c *Client) Run(ctx context.Context, command string) (stdout, stderr string, err error) {
	var stdoutBuf bytes.Buffer
	stderr, err = c.run(ctx, command, nil, &stdoutBuf)
	return stdoutBuf.String(), stderr, err
}

// RunWithInput executes a command with stdin input.
func (c *Client) RunWithInput(ctx context.Context, command string, input io.Reader) (stdout, stderr string, err error) {
	var stdoutBuf bytes.Buffer
	stderr, err = c.run(ctx, command, input, &stdoutBuf)
	return stdoutBuf.String(), stderr, err
}

// RunWithOutput executes a command and streams its stdout into w. Used for
// binary-safe downloads where buffering into a string is not appropriate.
func (c *Client) RunWithOutput(ctx context.Context, command string, w io.Writer) (stderr string, err error) {
	return c.run(ctx, command, nil, w)
}

func (c *Client) run(ctx context.Context, command string, input io.Reader, stdout io.Writer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stderrBuf bytes.Buffer
	session.Stdout = stdout
	session.Stderr = &stderrBuf
	if input != nil {
		session.Stdin = input
	}

	// Run command with context support
	errChan := make(chan error, 1)
	go func() {
		errChan <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-errChan:
		return stderrBuf.String(), err
	}
}

// Close closes the SSH connection and the ssh-agent connection, if any.
func (c *Client) Close() error {
	err := c.client.Close()
	if c.agent != nil {
		err = multierr.Append(err, c.agent.Close())
	}
	return err
}

// Host returns the hostname of the SSH connection.
func (c *Client) Host() string {
	return c.host
}

// ExitStatus extracts the remote exit code from an error returned by Run.
// It returns 0 for a nil error and -1 when the command never reported one
// (connection failure, killed session, cancelled context).
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		return ee.ExitStatus()
	}
	return -1
}

// KeyNeedsPassphrase reports whether pemBytes holds an encrypted private key.
func KeyNeedsPassphrase(pemBytes []byte) bool {
	_, err := ssh.ParsePrivateKey(pemBytes)
	var missing *ssh.PassphraseMissingError
	return errors.As(err, &missing)
}
