package artifact

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// LocalStore keeps artifacts on a local or mounted filesystem.
type LocalStore struct {
	root    string
	baseURI string
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(root, baseURI string) (*LocalStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %q", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create artifact folder %q", abs)
	}
	return &LocalStore{root: abs, baseURI: strings.TrimSuffix(baseURI, "/")}, nil
}

// Put writes the artifact to a temporary file first so that a partial write
// never shows up under its final name.
func (l *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64) (*Object, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(l.root, filepath.FromSlash(k))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create folder for %q", k)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary file for %q", k)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	written, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to write %q", k)
	}
	if size >= 0 && written != size {
		return nil, errors.Errorf("failed to write %q: expected %d bytes, wrote %d", k, size, written)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, errors.Wrapf(err, "failed to move %q in place", k)
	}

	zap.S().Named("artifact").Debugw("artifact stored", "path", dst, "size", written)

	return &Object{
		LocationPath: k,
		URI:          l.baseURI + "/" + k,
		Size:         written,
	}, nil
}

func (l *LocalStore) Delete(ctx context.Context, locationPath string) error {
	k, err := cleanKey(locationPath)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(l.root, filepath.FromSlash(k))); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete %q", k)
	}
	return nil
}

func (l *LocalStore) Type() string {
	return "local"
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
