package download

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/stowaway/service/internal/storage"
)

// staged is a backend object copied to a temporary file. Close removes it.
type staged struct {
	*os.File
}

func (s *staged) Close() error {
	err := s.File.Close()
	os.Remove(s.Name())
	return err
}

// stage copies key from store into a temporary file while ctx is live, so
// the result outlives the lookup's context. Empty objects count as absent
// and yield a nil result.
func (h *Handler) stage(ctx context.Context, store storage.ObjectStore, key string) (*staged, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	f, err := os.CreateTemp(h.tmpDir, "view-*")
	if err != nil {
		return nil, errors.Wrap(err, "create staging file")
	}
	s := &staged{File: f}
	n, err := io.Copy(f, rc)
	if err != nil {
		s.Close()
		return nil, errors.Wrapf(err, "copy %q", key)
	}
	if n == 0 {
		s.Close()
		return nil, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "rewind staging file")
	}
	return s, nil
}
