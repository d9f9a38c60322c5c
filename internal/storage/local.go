package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/sharex/backend/pkg/logger"
)

var (
	// ErrFileTooLarge is returned by Save when the stream exceeds the
	// configured per-file byte ceiling.
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")

	// ErrNotFound is returned when a storage name has no bytes on disk.
	ErrNotFound = errors.New("stored file not found")
)

// LocalStorage persists uploaded bytes in a flat directory keyed by
// generated storage names. Names never derive from user input, so a name
// containing path separators is always a programming error.
type LocalStorage struct {
	dir     string
	maxSize int64
}

func NewLocalStorage(dir string, maxSize int64) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed creating upload directory %s: %w", dir, err)
	}
	return &LocalStorage{dir: dir, maxSize: maxSize}, nil
}

func (s *LocalStorage) Dir() string {
	return s.dir
}

func (s *LocalStorage) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid storage name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// Save streams r to disk under name, enforcing the size ceiling while
// copying so oversized uploads are rejected without buffering them whole.
// A stream of exactly the ceiling is accepted. The partial file is removed
// on any failure.
func (s *LocalStorage) Save(name string, r io.Reader) (int64, error) {
	path, err := s.path(name)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}

	written, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	if written > s.maxSize {
		_ = os.Remove(path)
		return 0, ErrFileTooLarge
	}

	return written, nil
}

// Compress gzips the stored file in place: name becomes name+".gz" and the
// uncompressed original is removed once the compressed copy is durably
// written. A partial .gz left by a failure is cleaned up before returning.
func (s *LocalStorage) Compress(name string) (string, error) {
	srcPath, err := s.path(name)
	if err != nil {
		return "", err
	}

	gzName := name + ".gz"
	gzPath := filepath.Join(s.dir, gzName)

	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	defer src.Close()

	dst, err := os.OpenFile(gzPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}

	gz := gzip.NewWriter(dst)
	_, err = io.Copy(gz, src)
	if flushErr := gz.Close(); err == nil {
		err = flushErr
	}
	if syncErr := dst.Sync(); err == nil {
		err = syncErr
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(gzPath)
		return "", err
	}

	if err := os.Remove(srcPath); err != nil {
		logger.Warn("storage_compress_cleanup_failed", map[string]interface{}{
			"storage_name": name,
			"error":        err.Error(),
		})
	}

	return gzName, nil
}

// Open returns the raw stored bytes.
func (s *LocalStorage) Open(name string) (io.ReadCloser, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// OpenDecompressed returns the stored bytes gunzipped back to the original
// upload content.
func (s *LocalStorage) OpenDecompressed(name string) (io.ReadCloser, error) {
	f, err := s.Open(name)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &decompressedReader{gz: gz, file: f}, nil
}

// Delete removes the stored bytes. A name with nothing on disk is not an
// error: the record is already in the desired state.
func (s *LocalStorage) Delete(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type decompressedReader struct {
	gz   *gzip.Reader
	file io.ReadCloser
}

func (r *decompressedReader) Read(p []byte) (int, error) {
	return r.gz.Read(p)
}

func (r *decompressedReader) Close() error {
	gzErr := r.gz.Close()
	fileErr := r.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}
