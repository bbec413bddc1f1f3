// Package archive exports indices to object storage and restores them.
//
// An archive is a snappy framed stream of newline-delimited JSON documents
// stored at archives/<index>/<id>.ndjson.sz, next to a JSON manifest at
// archives/<index>/<id>.json.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/tidemark/tidemark/internal/engine"
	ierrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/internal/storage"
)

const (
	// DefaultPageSize is the number of documents read per cursor page.
	DefaultPageSize = 350

	keyPrefix      = "archives/"
	dataSuffix     = ".ndjson.sz"
	manifestSuffix = ".json"

	scrollKeepAlive = time.Minute
)

// Manifest describes one archive.
type Manifest struct {
	Index     string    `json:"index"`
	Documents int64     `json:"documents"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
	Object    string    `json:"object"`
	ETag      string    `json:"etag,omitempty"`
}

// record is one archived document.
type record struct {
	ID     string                 `json:"_id"`
	Type   string                 `json:"_type,omitempty"`
	Source map[string]interface{} `json:"_source"`
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithPageSize sets the cursor page size and the restore batch size.
func WithPageSize(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.pageSize = n
		}
	}
}

// WithTempDir sets where archives are staged before upload.
func WithTempDir(dir string) Option {
	return func(a *Archiver) { a.tempDir = dir }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archiver) { a.logger = logger }
}

// WithClock sets the clock stamping manifests.
func WithClock(now func() time.Time) Option {
	return func(a *Archiver) { a.now = now }
}

// Archiver moves index contents between the engine and object storage.
type Archiver struct {
	client   engine.Client
	store    storage.ObjectStorage
	pageSize int
	tempDir  string
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an Archiver.
func New(client engine.Client, store storage.ObjectStorage, opts ...Option) *Archiver {
	a := &Archiver{
		client:   client,
		store:    store,
		pageSize: DefaultPageSize,
		tempDir:  os.TempDir(),
		now:      time.Now,
		logger:   slog.Default().With("component", "archive"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Archive writes every document of index to object storage and returns the
// manifest of the new archive. The index itself is left untouched.
func (a *Archiver) Archive(ctx context.Context, index string) (*Manifest, error) {
	start := a.now()

	tmp, err := os.CreateTemp(a.tempDir, "archive-*"+dataSuffix)
	if err != nil {
		return nil, ierrors.NewInternal("stage archive", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	docs, err := a.export(ctx, index, tmp)
	if err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, ierrors.NewInternal("stage archive", err)
	}
	info, err := os.Stat(tmp.Name())
	if err != nil {
		return nil, ierrors.NewInternal("stage archive", err)
	}

	id := uuid.NewString()
	object := keyPrefix + index + "/" + id + dataSuffix
	etag, err := a.store.UploadMultipart(ctx, tmp.Name(), object)
	if err != nil {
		return nil, ierrors.NewEngineUnavailable(ierrors.CodeRequestFailed, "upload archive of "+index, err)
	}

	m := &Manifest{
		Index:     index,
		Documents: docs,
		Bytes:     info.Size(),
		CreatedAt: a.now().UTC(),
		Object:    object,
		ETag:      etag,
	}
	if err := a.putManifest(ctx, m); err != nil {
		return nil, err
	}

	a.logger.Info("archived index",
		"index", index,
		"documents", docs,
		"bytes", m.Bytes,
		"object", object,
		"took", a.now().Sub(start))
	return m, nil
}

func (a *Archiver) export(ctx context.Context, index string, w io.Writer) (int64, error) {
	page, err := a.client.OpenScroll(ctx, index, a.pageSize, scrollKeepAlive)
	if err != nil {
		return 0, engine.Tag("open scroll", index, err)
	}
	defer func() {
		if err := a.client.ClearScroll(context.WithoutCancel(ctx), page.ScrollID); err != nil {
			a.logger.Debug("failed to clear scroll", "index", index, "error", err)
		}
	}()

	sw := snappy.NewBufferedWriter(w)
	enc := json.NewEncoder(sw)

	var docs int64
	for len(page.Hits) > 0 {
		for _, hit := range page.Hits {
			if err := enc.Encode(record{ID: hit.ID, Type: hit.Type, Source: hit.Source}); err != nil {
				return docs, ierrors.NewInternal("encode document "+hit.ID, err)
			}
			docs++
		}
		next, err := a.client.Scroll(ctx, page.ScrollID, scrollKeepAlive)
		if err != nil {
			return docs, engine.Tag("scroll", index, err)
		}
		page = next
	}

	if err := sw.Close(); err != nil {
		return docs, ierrors.NewInternal("flush archive", err)
	}
	return docs, nil
}

func (a *Archiver) putManifest(ctx context.Context, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return ierrors.NewInternal("encode manifest", err)
	}
	tmp, err := os.CreateTemp(a.tempDir, "manifest-*.json")
	if err != nil {
		return ierrors.NewInternal("stage manifest", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ierrors.NewInternal("stage manifest", err)
	}
	if err := tmp.Close(); err != nil {
		return ierrors.NewInternal("stage manifest", err)
	}

	if err := a.store.PutIfAbsent(ctx, tmp.Name(), ManifestKey(m.Object)); err != nil {
		return ierrors.NewEngineUnavailable(ierrors.CodeRequestFailed, "upload manifest of "+m.Index, err)
	}
	return nil
}

// ManifestKey returns the manifest object of an archive data object.
func ManifestKey(object string) string {
	return strings.TrimSuffix(object, dataSuffix) + manifestSuffix
}

// Restore bulk-indexes the documents of an archive into target with their
// original ids and returns how many were written. A bulk failure aborts the
// restore with FATAL_MIGRATION_FAILURE.
func (a *Archiver) Restore(ctx context.Context, object, target string) (int64, error) {
	tmp, err := os.CreateTemp(a.tempDir, "restore-*"+dataSuffix)
	if err != nil {
		return 0, ierrors.NewInternal("stage restore", err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := a.store.Download(ctx, object, tmp.Name()); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return 0, ierrors.NewNotFound(ierrors.CodeArchiveNotFound, fmt.Sprintf("archive <%s> not found", object))
		}
		return 0, ierrors.NewEngineUnavailable(ierrors.CodeRequestFailed, "download archive "+object, err)
	}

	f, err := os.Open(tmp.Name())
	if err != nil {
		return 0, ierrors.NewInternal("open archive", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(snappy.NewReader(f))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var restored int64
	req := &engine.BulkRequest{Consistency: engine.ConsistencyOne}
	flush := func() error {
		if req.NumberOfActions() == 0 {
			return nil
		}
		resp, err := a.client.Bulk(ctx, req)
		if err != nil {
			return engine.Tag("bulk", target, err)
		}
		if resp.HasFailures() {
			failures := resp.Failures()
			return ierrors.NewFatalMigration(
				fmt.Sprintf("failed to restore %d documents into <%s>", len(failures), target),
				fmt.Errorf("%s: %s", failures[0].ID, failures[0].Error),
			).WithDetails(map[string]interface{}{"object": object, "target": target, "restored": restored})
		}
		restored += int64(req.NumberOfActions())
		req = &engine.BulkRequest{Consistency: engine.ConsistencyOne}
		return nil
	}

	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return restored, ierrors.NewInternal("decode archived document", err)
		}
		req.Add(engine.BulkItem{Index: target, Type: rec.Type, ID: rec.ID, Source: rec.Source})
		if req.NumberOfActions() >= a.pageSize {
			if err := flush(); err != nil {
				return restored, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return restored, ierrors.NewInternal("read archive", err)
	}
	if err := flush(); err != nil {
		return restored, err
	}

	a.logger.Info("restored archive", "object", object, "target", target, "documents", restored)
	return restored, nil
}

// List returns the manifests of every archive of index, oldest first.
func (a *Archiver) List(ctx context.Context, index string) ([]Manifest, error) {
	objects, err := a.store.ListObjects(ctx, keyPrefix+index+"/")
	if err != nil {
		return nil, ierrors.NewEngineUnavailable(ierrors.CodeRequestFailed, "list archives of "+index, err)
	}

	var keys []string
	for _, o := range objects {
		if strings.HasSuffix(o, manifestSuffix) {
			keys = append(keys, o)
		}
	}

	dir, err := os.MkdirTemp(a.tempDir, "manifests-*")
	if err != nil {
		return nil, ierrors.NewInternal("stage manifests", err)
	}
	defer os.RemoveAll(dir)

	res, err := storage.NewBatchDownloader(a.store, 4, dir).Download(ctx, keys)
	if err != nil {
		return nil, ierrors.NewInternal("download manifests", err)
	}
	for key, err := range res.Errors {
		return nil, ierrors.NewEngineUnavailable(ierrors.CodeRequestFailed, "download manifest "+key, err)
	}

	out := make([]Manifest, 0, len(keys))
	for _, key := range keys {
		data, err := os.ReadFile(filepath.Clean(res.LocalPaths[key]))
		if err != nil {
			return nil, ierrors.NewInternal("read manifest", err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			a.logger.Warn("skipping malformed manifest", "object", key, "error", err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Object < out[j].Object
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
