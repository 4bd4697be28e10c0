// Package blob is the object store for frames, clips, outputs and
// transcripts. Keys are slash-separated and live under a per-task prefix.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var ErrNotFound = errors.New("blob not found")

// Object describes a stored blob.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

type Store struct {
	fs afero.Fs
}

// NewStore wraps any afero filesystem. Tests use afero.NewMemMapFs().
func NewStore(fsys afero.Fs) *Store {
	return &Store{fs: fsys}
}

// NewDiskStore roots the store at dir on the local disk.
func NewDiskStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return NewStore(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

func cleanKey(key string) (string, error) {
	k := path.Clean("/" + strings.TrimSpace(key))
	if k == "/" {
		return "", fmt.Errorf("empty blob key")
	}
	return k, nil
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(k), 0755); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	tmp := k + ".part"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, k); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Store) PutBytes(ctx context.Context, key string, data []byte) error {
	return s.Put(ctx, key, bytes.NewReader(data))
}

// PutFile uploads a local file.
func (s *Store) PutFile(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.Put(ctx, key, f)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, k)
	if err != nil {
		return nil, wrapNotFound(key, err)
	}
	return data, nil
}

// Open returns a seekable reader for ranged playback.
func (s *Store) Open(key string) (afero.File, Object, error) {
	k, err := cleanKey(key)
	if err != nil {
		return nil, Object{}, err
	}
	f, err := s.fs.Open(k)
	if err != nil {
		return nil, Object{}, wrapNotFound(key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Object{}, err
	}
	if info.IsDir() {
		f.Close()
		return nil, Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return f, Object{Key: strings.TrimPrefix(k, "/"), Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Fetch copies a blob to a local file, creating parent directories.
func (s *Store) Fetch(ctx context.Context, key, localPath string) error {
	f, _, err := s.Open(key)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	out, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, readerWithContext(ctx, f)); err != nil {
		out.Close()
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	return out.Close()
}

func (s *Store) Exists(key string) bool {
	k, err := cleanKey(key)
	if err != nil {
		return false
	}
	ok, _ := afero.Exists(s.fs, k)
	return ok
}

// Delete removes one blob. Missing blobs are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := cleanKey(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(k); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns the blobs under prefix sorted by key.
func (s *Store) List(ctx context.Context, prefix string) ([]Object, error) {
	root, err := cleanKey(prefix)
	if err != nil {
		return nil, err
	}
	if ok, _ := afero.DirExists(s.fs, root); !ok {
		return nil, nil
	}

	var objects []Object
	err = afero.Walk(s.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".part") {
			return nil
		}
		objects = append(objects, Object{
			Key:     strings.TrimPrefix(filepath.ToSlash(p), "/"),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// DeletePrefix removes every blob under prefix and returns how many were removed.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range objects {
		if err := s.Delete(ctx, o.Key); err != nil {
			return n, err
		}
		n++
	}
	root, _ := cleanKey(prefix)
	if err := s.fs.RemoveAll(root); err != nil {
		return n, fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return n, nil
}

func wrapNotFound(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, key, err)
	}
	return fmt.Errorf("read %s: %w", key, err)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
