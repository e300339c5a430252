package outbox

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FS keeps one empty marker file per pending upload under a directory,
// laid out as {dir}/{tenant}/{relpath}.
type FS struct {
	dir string
}

func NewFS(dir string) (*FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve outbox dir")
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, errors.Wrapf(err, "create outbox dir %q", abs)
	}
	return &FS{dir: abs}, nil
}

func (f *FS) Mark(_ context.Context, e Entry) error {
	p, err := f.path(e)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return errors.Wrap(err, "create outbox marker dir")
	}
	if err := os.WriteFile(p, nil, 0o640); err != nil {
		return errors.Wrap(err, "write outbox marker")
	}
	return nil
}

// Delete removes the marker and any directories it leaves empty.
func (f *FS) Delete(_ context.Context, e Entry) error {
	p, err := f.path(e)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove outbox marker")
	}
	for dir := filepath.Dir(p); dir != f.dir && strings.HasPrefix(dir, f.dir); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

func (f *FS) Pending(_ context.Context) ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(f.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.dir, p)
		if err != nil {
			return err
		}
		tenant, relpath, ok := strings.Cut(filepath.ToSlash(rel), "/")
		if !ok {
			return nil
		}
		out = append(out, Entry{Tenant: tenant, Path: relpath})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan outbox")
	}
	return out, nil
}

func (f *FS) path(e Entry) (string, error) {
	p := filepath.Join(f.dir, e.Tenant, filepath.FromSlash(e.Path))
	if rel, err := filepath.Rel(f.dir, p); err != nil || strings.HasPrefix(rel, "..") || !strings.Contains(filepath.ToSlash(rel), "/") {
		return "", errors.Errorf("outbox entry %s/%s escapes outbox dir", e.Tenant, e.Path)
	}
	return p, nil
}
