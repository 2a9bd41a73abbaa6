package artifact

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidKey = errors.New("invalid artifact key")

// Object describes a stored artifact.
type Object struct {
	LocationPath string
	URI          string
	Size         int64
}

// Store persists the artifacts produced by the engine.
type Store interface {
	// Put stores r under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) (*Object, error)
	Delete(ctx context.Context, locationPath string) error
	Type() string
}

// Key returns the key of the artifact named name produced for a request.
func Key(requestID uint, name string) string {
	return fmt.Sprintf("%d/%s", requestID, path.Base("/"+name))
}

func cleanKey(key string) (string, error) {
	if strings.Contains(key, "..") {
		return "", errors.Wrapf(ErrInvalidKey, "key %q", key)
	}
	k := strings.TrimPrefix(path.Clean("/"+key), "/")
	if k == "" {
		return "", errors.Wrapf(ErrInvalidKey, "key %q", key)
	}
	return k, nil
}
