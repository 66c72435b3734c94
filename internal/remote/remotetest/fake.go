// Package remotetest provides an in-memory remote.Channel for tests. It keeps
// a per-host filesystem, interprets the small set of shell commands the
// provisioning core issues, and records every operation in order.
package remotetest

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"overlayctl/internal/remote"
)

// Op is one recorded remote operation.
type Op struct {
	Host    string
	Kind    string // "run", "upload" or "download"
	Command string // command text for "run", remote path for transfers
}

func (o Op) String() string {
	return fmt.Sprintf("%s %s %s", o.Host, o.Kind, o.Command)
}

// File is a file on a fake host.
type File struct {
	Data  []byte
	Mode  os.FileMode
	Owner string
	Group string
}

// Fake implements remote.Channel in memory.
type Fake struct {
	mu    sync.Mutex
	ops   []Op
	files map[string]map[string]*File
	dirs  map[string]map[string]bool

	// FailOn, when set, is consulted before each operation; a non-nil return
	// aborts the operation with that error (wrapped like the real channel).
	FailOn func(op Op) error
}

var _ remote.Channel = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		files: make(map[string]map[string]*File),
		dirs:  make(map[string]map[string]bool),
	}
}

// Seed places a file on host.
func (f *Fake) Seed(host, path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostFiles(host)[path] = &File{Data: append([]byte(nil), data...), Mode: 0o644, Owner: "root", Group: "root"}
}

// File returns a copy of the file at path on host.
func (f *Fake) File(host, path string) (File, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.hostFiles(host)[path]
	if !ok {
		return File{}, false
	}
	cp := *file
	cp.Data = append([]byte(nil), file.Data...)
	return cp, true
}

// Paths lists every file path on host.
func (f *Fake) Paths(host string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for p := range f.hostFiles(host) {
		paths = append(paths, p)
	}
	return paths
}

// HasDir reports whether a directory was created on host.
func (f *Fake) HasDir(host, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[host][path]
}

// Ops returns the recorded operations.
func (f *Fake) Ops() []Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Op(nil), f.ops...)
}

// Commands returns the recorded "run" commands for host, or for every host
// when host is empty.
func (f *Fake) Commands(host string) []string {
	var cmds []string
	for _, op := range f.Ops() {
		if op.Kind == "run" && (host == "" || op.Host == host) {
			cmds = append(cmds, op.Command)
		}
	}
	return cmds
}

// Hosts returns the hosts in the order they were first touched.
func (f *Fake) Hosts() []string {
	seen := map[string]bool{}
	var hosts []string
	for _, op := range f.Ops() {
		if !seen[op.Host] {
			seen[op.Host] = true
			hosts = append(hosts, op.Host)
		}
	}
	return hosts
}

func (f *Fake) hostFiles(host string) map[string]*File {
	if f.files[host] == nil {
		f.files[host] = make(map[string]*File)
	}
	return f.files[host]
}

func (f *Fake) record(op Op) error {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	fail := f.FailOn
	f.mu.Unlock()
	if fail != nil {
		return fail(op)
	}
	return nil
}

// Run records and interprets command. Like the SSH channel it refuses to
// start once ctx is done.
func (f *Fake) Run(ctx context.Context, host, command string) error {
	if err := ctx.Err(); err != nil {
		return &remote.ExecutionError{Host: host, Command: command, ExitCode: -1, Err: err}
	}
	if err := f.record(Op{Host: host, Kind: "run", Command: command}); err != nil {
		return &remote.ExecutionError{Host: host, Command: command, ExitCode: 1, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.interpret(host, command); err != nil {
		return &remote.ExecutionError{Host: host, Command: command, ExitCode: 1, Stderr: err.Error(), Err: err}
	}
	return nil
}

// Upload stores the local file on host.
func (f *Fake) Upload(ctx context.Context, host, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return &remote.TransferError{Host: host, Direction: remote.Upload, Local: localPath, Remote: remotePath, Err: err}
	}
	if err := f.record(Op{Host: host, Kind: "upload", Command: remotePath}); err != nil {
		return &remote.TransferError{Host: host, Direction: remote.Upload, Local: localPath, Remote: remotePath, Err: err}
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &remote.TransferError{Host: host, Direction: remote.Upload, Local: localPath, Remote: remotePath, Err: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostFiles(host)[remotePath] = &File{Data: data, Mode: 0o664, Owner: "admin", Group: "admin"}
	return nil
}

// Download writes the remote file to localPath.
func (f *Fake) Download(ctx context.Context, host, remotePath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return &remote.TransferError{Host: host, Direction: remote.Download, Local: localPath, Remote: remotePath, Err: err}
	}
	if err := f.record(Op{Host: host, Kind: "download", Command: remotePath}); err != nil {
		return &remote.TransferError{Host: host, Direction: remote.Download, Local: localPath, Remote: remotePath, Err: err}
	}

	f.mu.Lock()
	file, ok := f.hostFiles(host)[remotePath]
	var data []byte
	if ok {
		data = append([]byte(nil), file.Data...)
	}
	f.mu.Unlock()

	if !ok {
		return &remote.TransferError{Host: host, Direction: remote.Download, Local: localPath, Remote: remotePath, Err: os.ErrNotExist}
	}
	if err := os.WriteFile(localPath, data, 0o600); err != nil {
		return &remote.TransferError{Host: host, Direction: remote.Download, Local: localPath, Remote: remotePath, Err: err}
	}
	return nil
}

// interpret understands the commands issued by the transfer, patch and
// systemd packages. Anything else is accepted and only recorded.
func (f *Fake) interpret(host, command string) error {
	args := fields(strings.TrimPrefix(command, "sudo "))
	if len(args) == 0 {
		return nil
	}
	files := f.hostFiles(host)

	switch args[0] {
	case "install":
		// install -d [-o OWNER] DIR
		if len(args) >= 3 && args[1] == "-d" {
			if f.dirs[host] == nil {
				f.dirs[host] = make(map[string]bool)
			}
			f.dirs[host][args[len(args)-1]] = true
			return nil
		}
		// install -m MODE SRC DST
		if len(args) == 5 && args[1] == "-m" {
			mode, err := strconv.ParseUint(args[2], 8, 32)
			if err != nil {
				return err
			}
			src, ok := files[args[3]]
			if !ok {
				return fmt.Errorf("install: cannot stat '%s': No such file or directory", args[3])
			}
			files[args[4]] = &File{Data: append([]byte(nil), src.Data...), Mode: os.FileMode(mode), Owner: "root", Group: "root"}
			return nil
		}
	case "cp":
		if len(args) == 3 {
			src, ok := files[args[1]]
			if !ok {
				return fmt.Errorf("cp: cannot stat '%s': No such file or directory", args[1])
			}
			dst := &File{Mode: src.Mode, Owner: "root", Group: "root"}
			if existing, ok := files[args[2]]; ok {
				dst.Mode, dst.Owner, dst.Group = existing.Mode, existing.Owner, existing.Group
			}
			dst.Data = append([]byte(nil), src.Data...)
			files[args[2]] = dst
			return nil
		}
	case "chmod":
		if len(args) == 3 {
			file, ok := files[args[2]]
			if !ok {
				return fmt.Errorf("chmod: cannot access '%s'", args[2])
			}
			mode, err := strconv.ParseUint(args[1], 8, 32)
			if err != nil {
				return err
			}
			file.Mode = os.FileMode(mode)
			return nil
		}
	case "chown":
		if len(args) == 3 {
			file, ok := files[args[2]]
			if !ok {
				return fmt.Errorf("chown: cannot access '%s'", args[2])
			}
			owner, group, hasGroup := strings.Cut(args[1], ":")
			if owner != "" {
				file.Owner = owner
			}
			if hasGroup && group != "" {
				file.Group = group
			}
			return nil
		}
	case "chgrp":
		if len(args) == 3 {
			file, ok := files[args[2]]
			if !ok {
				return fmt.Errorf("chgrp: cannot access '%s'", args[2])
			}
			file.Group = args[1]
			return nil
		}
	case "rm":
		if len(args) == 3 && args[1] == "-f" {
			delete(files, args[2])
			return nil
		}
	case "touch":
		if len(args) == 2 {
			if _, ok := files[args[1]]; !ok {
				files[args[1]] = &File{Mode: 0o644, Owner: "root", Group: "root"}
			}
			return nil
		}
	case "grep":
		// grep -q -F -x LINE FILE || { newline if unterminated; printf '%s\n' LINE | sudo tee -a FILE; }
		if len(args) >= 6 && args[1] == "-q" {
			line, path := args[4], args[5]
			file, ok := files[path]
			if !ok {
				file = &File{Mode: 0o644, Owner: "root", Group: "root"}
				files[path] = file
			}
			for _, l := range strings.Split(string(file.Data), "\n") {
				if l == line {
					return nil
				}
			}
			if n := len(file.Data); n > 0 && file.Data[n-1] != '\n' {
				file.Data = append(file.Data, '\n')
			}
			file.Data = append(file.Data, []byte(line+"\n")...)
			return nil
		}
	}
	return nil
}

// fields splits a command line on whitespace, honouring single quotes with
// the '\'' escape produced by remote.Quote.
func fields(s string) []string {
	var (
		out    []string
		cur    strings.Builder
		inWord bool
		quoted bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quoted:
			if c == '\'' {
				quoted = false
			} else {
				cur.WriteByte(c)
			}
		case c == '\'':
			quoted, inWord = true, true
		case c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
			inWord = true
		case c == ' ' || c == '\t':
			if inWord {
				out = append(out, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteByte(c)
			inWord = true
		}
	}
	if inWord {
		out = append(out, cur.String())
	}
	return out
}
