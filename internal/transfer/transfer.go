// Package transfer places files on remote hosts at privileged destinations.
//
// A plain copy cannot reach root-owned paths, so every transfer hops through
// an unprivileged staging directory on the host and a sudo-elevated copy does
// the final placement. Mode and ownership are then set explicitly, so a
// successful push leaves the destination with exactly the requested
// attributes.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"overlayctl/internal/logging"
	"overlayctl/internal/remote"
	"overlayctl/internal/template"
)

// Options describes how a transferred file is placed. Zero values mean
// "leave this attribute alone".
type Options struct {
	Mode  *os.FileMode
	Owner string
	Group string

	// Rules, when non-nil, renders the local file through the template
	// engine before it is pushed. Ignored by Pull.
	Rules []template.Rule
}

// Mode is a helper for building Options literals.
func Mode(m os.FileMode) *os.FileMode { return &m }

// RootOwned returns options for a root:root file with the given mode.
func RootOwned(m os.FileMode) Options {
	return Options{Mode: Mode(m), Owner: "root", Group: "root"}
}

// Transfer pushes and pulls files through a remote channel.
type Transfer struct {
	ch      remote.Channel
	staging string
	newID   func() string
}

// New returns a Transfer that stages files in stagingDir on each host. The
// directory must exist and be writable by the administrative user.
func New(ch remote.Channel, stagingDir string) *Transfer {
	return &Transfer{ch: ch, staging: stagingDir, newID: uuid.NewString}
}

func (t *Transfer) stagingPath(name string) string {
	return path.Join(t.staging, name+"."+t.newID())
}

// cleanupTimeout bounds staging removal, which still runs after the caller's
// context is cancelled.
const cleanupTimeout = 30 * time.Second

func (t *Transfer) removeStaging(ctx context.Context, host, staging string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := t.ch.Run(ctx, host, remote.Sudo("rm -f %s", remote.Quote(staging))); err != nil {
		return fmt.Errorf("failed to remove staging file %s on %s: %w", staging, host, err)
	}
	return nil
}

// Push copies localPath to remoteDest on host and applies opts.
func (t *Transfer) Push(ctx context.Context, host, localPath, remoteDest string, opts Options) (err error) {
	src := localPath
	if opts.Rules != nil {
		rendered, rerr := template.Render(localPath, opts.Rules)
		if rerr != nil {
			return rerr
		}
		defer func() {
			if rmErr := os.Remove(rendered); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				err = multierr.Append(err, fmt.Errorf("failed to remove rendered file %s: %w", rendered, rmErr))
			}
		}()
		src = rendered
	}

	staging := t.stagingPath(filepath.Base(localPath))
	defer func() {
		err = multierr.Append(err, t.removeStaging(ctx, host, staging))
	}()

	if err := t.ch.Upload(ctx, host, src, staging); err != nil {
		return err
	}
	if err := t.ch.Run(ctx, host, remote.Sudo("cp %s %s", remote.Quote(staging), remote.Quote(remoteDest))); err != nil {
		return err
	}
	return t.applyRemote(ctx, host, remoteDest, opts)
}

func (t *Transfer) applyRemote(ctx context.Context, host, dest string, opts Options) error {
	if opts.Mode != nil {
		if err := t.ch.Run(ctx, host, remote.Sudo("chmod %04o %s", opts.Mode.Perm(), remote.Quote(dest))); err != nil {
			return err
		}
	}

	switch {
	case opts.Owner != "" && opts.Group != "":
		return t.ch.Run(ctx, host, remote.Sudo("chown %s %s", remote.Quote(opts.Owner+":"+opts.Group), remote.Quote(dest)))
	case opts.Owner != "":
		return t.ch.Run(ctx, host, remote.Sudo("chown %s %s", remote.Quote(opts.Owner), remote.Quote(dest)))
	case opts.Group != "":
		return t.ch.Run(ctx, host, remote.Sudo("chgrp %s %s", remote.Quote(opts.Group), remote.Quote(dest)))
	}
	return nil
}

// Pull copies remoteSrc on host to localDest and applies opts locally. The
// source is first staged world-readable with a privileged copy so files only
// root can read are reachable.
func (t *Transfer) Pull(ctx context.Context, host, remoteSrc, localDest string, opts Options) (err error) {
	staging := t.stagingPath(path.Base(remoteSrc))
	defer func() {
		err = multierr.Append(err, t.removeStaging(ctx, host, staging))
	}()

	if err := t.ch.Run(ctx, host, remote.Sudo("install -m 0644 %s %s", remote.Quote(remoteSrc), remote.Quote(staging))); err != nil {
		return err
	}
	if err := t.ch.Download(ctx, host, staging, localDest); err != nil {
		return err
	}
	return applyLocal(localDest, opts)
}

func applyLocal(p string, opts Options) error {
	if opts.Mode != nil {
		if err := os.Chmod(p, opts.Mode.Perm()); err != nil {
			return fmt.Errorf("failed to chmod %s: %w", p, err)
		}
	}
	if opts.Owner == "" && opts.Group == "" {
		return nil
	}

	uid, gid, err := lookupIDs(opts.Owner, opts.Group)
	if err != nil {
		return err
	}
	if err := os.Chown(p, uid, gid); err != nil {
		return fmt.Errorf("failed to chown %s: %w", p, err)
	}
	logging.L().Debugw("applied local ownership", "path", p, "uid", uid, "gid", gid)
	return nil
}

// lookupIDs resolves names (or numeric ids) to ids; -1 leaves the id unchanged.
func lookupIDs(owner, group string) (uid, gid int, err error) {
	uid, gid = -1, -1
	if owner != "" {
		if uid, err = strconv.Atoi(owner); err != nil {
			u, lerr := user.Lookup(owner)
			if lerr != nil {
				return -1, -1, fmt.Errorf("unknown local user %q: %w", owner, lerr)
			}
			uid, _ = strconv.Atoi(u.Uid)
		}
	}
	if group != "" {
		if gid, err = strconv.Atoi(group); err != nil {
			g, lerr := user.LookupGroup(group)
			if lerr != nil {
				return -1, -1, fmt.Errorf("unknown local group %q: %w", group, lerr)
			}
			gid, _ = strconv.Atoi(g.Gid)
		}
	}
	return uid, gid, nil
}
