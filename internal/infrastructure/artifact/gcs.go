package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSReader serves gs://bucket/object locators.
type GCSReader struct {
	client   *storage.Client
	maxBytes int64
}

func NewGCSReader(ctx context.Context, maxBytes int64) (*GCSReader, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSReader{client: client, maxBytes: maxBytes}, nil
}

func (r *GCSReader) Read(ctx context.Context, locator *url.URL) ([]byte, error) {
	bucket, object := locator.Host, strings.TrimPrefix(locator.Path, "/")
	if bucket == "" || object == "" {
		return nil, notFound(locator, errors.New("locator needs bucket and object"))
	}
	reader, err := r.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, notFound(locator, err)
		}
		return nil, fmt.Errorf("gcs open object: %w", err)
	}
	defer reader.Close()
	return readCapped(reader, r.maxBytes)
}

func (r *GCSReader) Close() error {
	return r.client.Close()
}
