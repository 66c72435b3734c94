// Package patch edits configuration files that already exist on a remote
// host: inserting a top-level key into a JSON document, or ensuring a literal
// line is present in a text file. Both edits are idempotent.
package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/multierr"

	"overlayctl/internal/logging"
	"overlayctl/internal/remote"
	"overlayctl/internal/transfer"
)

// MalformedDocumentError reports a remote file that is not a JSON object.
type MalformedDocumentError struct {
	Host string
	Path string
	Err  error
}

func (e *MalformedDocumentError) Error() string {
	return fmt.Sprintf("%s:%s is not a JSON object: %v", e.Host, e.Path, e.Err)
}

func (e *MalformedDocumentError) Unwrap() error { return e.Err }

// Patcher applies edits through a remote channel.
type Patcher struct {
	exec     remote.Executor
	transfer *transfer.Transfer
	localTmp string
}

// New returns a Patcher. Local working copies are created in localTmp, or in
// the system temporary directory when localTmp is empty.
func New(exec remote.Executor, tr *transfer.Transfer, localTmp string) *Patcher {
	return &Patcher{exec: exec, transfer: tr, localTmp: localTmp}
}

// EnsureProperty makes sure the JSON object stored at remotePath on host has
// key. An existing key is never overwritten; the document is still written
// back so opts are enforced on the file. changed reports whether key was
// added.
func (p *Patcher) EnsureProperty(ctx context.Context, host, remotePath, key string, value any, opts transfer.Options) (changed bool, err error) {
	log := logging.L().With("component", "patch", "host", host, "path", remotePath)

	local, err := p.workingCopy(remotePath)
	if err != nil {
		return false, err
	}
	defer func() {
		if rmErr := os.Remove(local); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			err = multierr.Append(err, fmt.Errorf("failed to remove working copy %s: %w", local, rmErr))
		}
	}()

	if err := p.transfer.Pull(ctx, host, remotePath, local, transfer.Options{}); err != nil {
		return false, err
	}

	data, err := os.ReadFile(local)
	if err != nil {
		return false, fmt.Errorf("failed to read working copy %s: %w", local, err)
	}

	out, changed, err := insertKey(data, key, value)
	if err != nil {
		var malformed *MalformedDocumentError
		if errors.As(err, &malformed) {
			malformed.Host, malformed.Path = host, remotePath
		}
		return false, err
	}

	if changed {
		log.Infow("adding property", "key", key)
		if err := os.WriteFile(local, out, 0o600); err != nil {
			return false, fmt.Errorf("failed to write working copy %s: %w", local, err)
		}
	} else {
		log.Infow("property already present, leaving value untouched", "key", key)
	}

	opts.Rules = nil
	if err := p.transfer.Push(ctx, host, local, remotePath, opts); err != nil {
		return false, err
	}
	return changed, nil
}

func (p *Patcher) workingCopy(remotePath string) (string, error) {
	f, err := os.CreateTemp(p.localTmp, "overlayctl-*-"+path.Base(remotePath))
	if err != nil {
		return "", fmt.Errorf("failed to create working copy for %s: %w", remotePath, err)
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to create working copy for %s: %w", remotePath, err)
	}
	return name, nil
}

// insertKey adds key to the JSON object in data when absent. The new member
// is appended before the closing brace; every other byte of data is kept.
func insertKey(data []byte, key string, value any) ([]byte, bool, error) {
	if !gjson.ValidBytes(data) {
		return nil, false, &MalformedDocumentError{Err: errors.New("invalid JSON")}
	}
	if doc := gjson.ParseBytes(data); !doc.IsObject() {
		return nil, false, &MalformedDocumentError{Err: fmt.Errorf("top-level value is %s", kindOf(doc))}
	}

	p := escapeKey(key)
	if gjson.GetBytes(data, p).Exists() {
		return data, false, nil
	}

	out, err := sjson.SetBytes(data, p, value)
	if err != nil {
		return nil, false, fmt.Errorf("failed to set %q: %w", key, err)
	}
	return out, true, nil
}

func kindOf(r gjson.Result) string {
	switch {
	case r.IsArray():
		return "an array"
	case r.Type == gjson.Null:
		return "null"
	default:
		return "a " + strings.ToLower(r.Type.String())
	}
}

// escapeKey turns a literal member name into a gjson/sjson path matching only
// that member.
func escapeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		if r < 0x80 && !isPlain(byte(r)) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isPlain(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
