package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDownloader fetches many small objects in parallel into a local
// directory. Objects are immutable once written, so a file already present in
// the directory is reused instead of downloaded again.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
	dir         string
}

// BatchResult maps object paths to local files or to download errors.
type BatchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// NewBatchDownloader creates a downloader writing below dir with at most
// concurrency downloads in flight.
func NewBatchDownloader(storage ObjectStorage, concurrency int, dir string) *BatchDownloader {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &BatchDownloader{storage: storage, concurrency: concurrency, dir: dir}
}

// Download fetches every object path. Per-object failures are collected in
// the result; the returned error is only set when dir cannot be prepared.
func (b *BatchDownloader) Download(ctx context.Context, objectPaths []string) (*BatchResult, error) {
	result := &BatchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}
	if len(objectPaths) == 0 {
		return result, nil
	}
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = semaphore.NewWeighted(int64(b.concurrency))
	)
	for _, p := range objectPaths {
		local := b.localPath(p)
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[p] = local
			result.CacheHits++
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path, local string) {
			defer sem.Release(1)
			defer wg.Done()

			err := b.storage.Download(ctx, path, local)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				os.Remove(local)
				result.Errors[path] = err
				return
			}
			result.LocalPaths[path] = local
			result.Downloads++
		}(p, local)
	}
	wg.Wait()

	return result, nil
}

// localPath flattens an object path into a single file name below dir.
func (b *BatchDownloader) localPath(objectPath string) string {
	name := strings.ReplaceAll(strings.Trim(objectPath, "/"), "/", "_")
	return filepath.Join(b.dir, filepath.Base(filepath.Clean(name)))
}
