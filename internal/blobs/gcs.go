package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/storage"
)

// GCSStore addresses objects in one Google Cloud Storage bucket using
// application default credentials.
type GCSStore struct {
	Bucket string
}

var _ Store = (*GCSStore)(nil)

func (s *GCSStore) Read(ctx context.Context, object string) ([]byte, error) {
	gcsURL := "gs://" + s.Bucket + "/" + object

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	startedAt := time.Now()
	r, err := client.Bucket(s.Bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("opening %q: %w", gcsURL, os.ErrNotExist)
		}
		return nil, fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("downloading from GCS %q: %w", gcsURL, err)
	}

	slog.DebugContext(ctx, "downloaded blob from GCS", "url", gcsURL, "bytes", len(data), "duration", time.Since(startedAt))
	return data, nil
}

func (s *GCSStore) Write(ctx context.Context, object string, data []byte) error {
	gcsURL := "gs://" + s.Bucket + "/" + object

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	startedAt := time.Now()
	w := client.Bucket(s.Bucket).Object(object).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading to GCS %q: %w", gcsURL, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	slog.DebugContext(ctx, "uploaded blob to GCS", "url", gcsURL, "bytes", len(data), "duration", time.Since(startedAt))
	return nil
}
