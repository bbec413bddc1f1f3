package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LocalStorage stores objects as files below a base directory. It backs
// single-node deployments and tests.
type LocalStorage struct {
	basePath string
	mu       sync.Mutex // serializes writers
}

var _ ObjectStorage = (*LocalStorage)(nil)

// NewLocalStorage creates a store rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Upload copies localPath into the store. The object appears atomically.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	_, err := l.put(ctx, localPath, objectPath, false)
	return err
}

// UploadMultipart behaves like Upload and returns the MD5 of the content as
// ETag.
func (l *LocalStorage) UploadMultipart(ctx context.Context, localPath, objectPath string) (string, error) {
	return l.put(ctx, localPath, objectPath, false)
}

// PutIfAbsent uploads unless the object already exists.
func (l *LocalStorage) PutIfAbsent(ctx context.Context, localPath, objectPath string) error {
	_, err := l.put(ctx, localPath, objectPath, true)
	return err
}

func (l *LocalStorage) put(ctx context.Context, localPath, objectPath string, createOnly bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dest, err := l.fullPath(objectPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if createOnly {
		if _, err := os.Stat(dest); err == nil {
			return "", ErrObjectExists
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer os.Remove(tmp.Name())

	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hash), src); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Download copies an object to localPath.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srcPath, err := l.fullPath(objectPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	src, err := os.Open(srcPath)
	if os.IsNotExist(err) {
		return ErrObjectNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	return nil
}

// Delete removes an object.
func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.fullPath(objectPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// Exists reports whether an object exists.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := l.fullPath(objectPath)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// ListObjects returns every object path starting with prefix.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects []string
	err := filepath.WalkDir(l.basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			objects = append(objects, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(objects)
	return objects, nil
}

// fullPath maps an object path below the base directory, rejecting paths
// that would escape it.
func (l *LocalStorage) fullPath(objectPath string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(objectPath))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("empty object path")
	}
	return filepath.Join(l.basePath, clean), nil
}
