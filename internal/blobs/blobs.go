// Package blobs reads and writes whole objects addressed by location:
// "gs://bucket/object", "http(s)://..." (read only) or a local path.
package blobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store moves whole objects in and out of one backend.
type Store interface {
	// Read returns the object's bytes. A missing object yields an error for
	// which errors.Is(err, os.ErrNotExist) is true.
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
}

// Resolve picks the store for location and returns the key within it.
func Resolve(location string) (Store, string, error) {
	switch {
	case strings.HasPrefix(location, "gs://"):
		bucket, object, ok := strings.Cut(strings.TrimPrefix(location, "gs://"), "/")
		if !ok || bucket == "" || object == "" {
			return nil, "", fmt.Errorf("invalid GCS location %q (want gs://bucket/object)", location)
		}
		return &GCSStore{Bucket: bucket}, object, nil
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return &HTTPStore{}, location, nil
	case location == "":
		return nil, "", fmt.Errorf("empty location")
	default:
		return FileStore{}, location, nil
	}
}

// Read fetches the object at location.
func Read(ctx context.Context, location string) ([]byte, error) {
	store, key, err := Resolve(location)
	if err != nil {
		return nil, err
	}
	return store.Read(ctx, key)
}

// Write stores data at location.
func Write(ctx context.Context, location string, data []byte) error {
	store, key, err := Resolve(location)
	if err != nil {
		return err
	}
	return store.Write(ctx, key, data)
}

// FileStore addresses the local filesystem. Writes go through a temp file
// and rename so readers never see a partial object.
type FileStore struct{}

var _ Store = FileStore{}

func (FileStore) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func (FileStore) Write(ctx context.Context, path string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				slog.WarnContext(ctx, "removing temp file", "path", tempFile.Name(), "error", err)
			}
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tempFile.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false
	return nil
}

// HTTPStore reads objects over HTTP GET. Keys are full URLs.
type HTTPStore struct {
	Client *http.Client
}

var _ Store = (*HTTPStore)(nil)

func (s *HTTPStore) Read(ctx context.Context, url string) ([]byte, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	startedAt := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %q: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("fetching %q: %w", url, os.ErrNotExist)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetching %q: unexpected status %s", url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body of %q: %w", url, err)
	}
	slog.DebugContext(ctx, "fetched blob", "url", url, "bytes", len(data), "duration", time.Since(startedAt))
	return data, nil
}

func (s *HTTPStore) Write(_ context.Context, url string, _ []byte) error {
	return fmt.Errorf("writing to %q: http locations are read-only", url)
}
