// Package sshtest runs a minimal in-process SSH server for tests.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// ReadOnlyDir is a directory on the fake host that rejects writes.
const ReadOnlyDir = "/readonly/"

// Server accepts any client and emulates a handful of shell commands against
// an in-memory filesystem:
//
//	echo <text>     writes text and a newline to stdout
//	exit <n>        writes "failed" to stderr and exits with n
//	cat > <path>    stores stdin at path, or exits 1 under ReadOnlyDir
//	cat <path>      writes the stored content or exits 1
type Server struct {
	Addr string

	mu       sync.Mutex
	files    map[string][]byte
	commands []string
	accepted int
}

// Start listens on a loopback port until the test ends.
func Start(t testing.TB) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &Server{Addr: ln.Addr().String(), files: make(map[string][]byte)}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.mu.Lock()
			srv.accepted++
			srv.mu.Unlock()
			go srv.handleConn(conn, cfg)
		}
	}()

	return srv
}

// Connections returns how many TCP connections were accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Commands returns every command executed so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// File returns the content stored at path.
func (s *Server) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	return append([]byte(nil), data...), ok
}

// Seed stores data at path.
func (s *Server) Seed(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), data...)
}

func (s *Server) handleConn(raw net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(raw, cfg)
	if err != nil {
		_ = raw.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "")
			continue
		}
		c, reqs, err := ch.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(c, reqs)
	}
}

func (s *Server) handleSession(ch ssh.Channel, in <-chan *ssh.Request) {
	defer ch.Close()
	for req := range in {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)
		go ssh.DiscardRequests(in)

		code := s.exec(ch, payload.Command)
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&struct{ Status uint32 }{uint32(code)}))
		return
	}
}

func (s *Server) exec(ch ssh.Channel, command string) int {
	stdin, _ := io.ReadAll(ch)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)

	switch {
	case strings.HasPrefix(command, "echo "):
		fmt.Fprintln(ch, strings.TrimPrefix(command, "echo "))
		return 0
	case strings.HasPrefix(command, "exit "):
		n, _ := strconv.Atoi(strings.TrimPrefix(command, "exit "))
		fmt.Fprintln(ch.Stderr(), "failed")
		return n
	case strings.HasPrefix(command, "cat > "):
		path := strings.TrimPrefix(command, "cat > ")
		if strings.HasPrefix(path, ReadOnlyDir) {
			fmt.Fprintf(ch.Stderr(), "cat: %s: Permission denied\n", path)
			return 1
		}
		s.files[path] = stdin
		return 0
	case strings.HasPrefix(command, "cat "):
		data, ok := s.files[strings.TrimPrefix(command, "cat ")]
		if !ok {
			fmt.Fprintln(ch.Stderr(), "No such file or directory")
			return 1
		}
		_, _ = ch.Write(data)
		return 0
	default:
		fmt.Fprintln(ch.Stderr(), "command not found")
		return 127
	}
}
