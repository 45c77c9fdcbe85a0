package utils

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GetGCSClient initializes a Google Cloud Storage client
func GetGCSClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (Cloud Run service account / GOOGLE_APPLICATION_CREDENTIALS).
	// If you need to provide explicit JSON (e.g. locally), set GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

// ParseGCSURI splits gs://bucket/path/to/object.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("gs uri needs a bucket and an object: %q", uri)
	}
	return bucket, object, nil
}

type gcsObjectReader struct {
	*storage.Reader
	client *storage.Client
}

func (r *gcsObjectReader) Close() error {
	err := r.Reader.Close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// OpenFile opens a local path or a gs:// object for reading.
func OpenFile(ctx context.Context, path string) (io.ReadCloser, error) {
	if !strings.HasPrefix(path, "gs://") {
		return os.Open(path)
	}
	bucket, object, err := ParseGCSURI(path)
	if err != nil {
		return nil, err
	}
	client, err := GetGCSClient(ctx)
	if err != nil {
		return nil, err
	}
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &gcsObjectReader{Reader: reader, client: client}, nil
}
