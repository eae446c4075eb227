// Package blobs reads IOP packages and tensor data from local files, Google
// Cloud Storage and plain HTTP servers.
package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
)

// Read returns the full contents of uri. Supported forms are plain paths,
// file://, gs://bucket/object and http(s)://. A missing object yields an
// error for which errors.Is(err, os.ErrNotExist) is true.
func Read(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// no scheme, or a windows drive letter
		return readFile(uri)
	}

	switch u.Scheme {
	case "file":
		return readFile(u.Path)
	case "gs":
		return readGCS(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "http", "https":
		return readHTTP(ctx, uri)
	default:
		return nil, fmt.Errorf("unsupported scheme %q in %q", u.Scheme, uri)
	}
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

func readGCS(ctx context.Context, bucket, object string) ([]byte, error) {
	gcsURL := "gs://" + bucket + "/" + object

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	log.Debug().Str("url", gcsURL).Msg("downloading blob from GCS")

	startedAt := time.Now()
	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("object %q not found: %w", gcsURL, os.ErrNotExist)
		}
		return nil, fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("downloading from GCS: %w", err)
	}

	log.Debug().Str("url", gcsURL).Int("bytes", len(data)).Dur("duration", time.Since(startedAt)).Msg("downloaded blob from GCS")
	return data, nil
}

func readHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	startedAt := time.Now()

	httpClient := &http.Client{}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("blob not found: %w", os.ErrNotExist)
		}
		return nil, fmt.Errorf("unexpected status downloading from %q: %v", url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("downloading from %q: %w", url, err)
	}

	log.Debug().Str("url", url).Int("bytes", len(data)).Dur("duration", time.Since(startedAt)).Msg("downloaded blob")
	return data, nil
}

// WriteFile writes data to a temp file next to path and renames it into
// place, so readers never see a partial file.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, "blob")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error().Err(err).Str("path", tempFile.Name()).Msg("removing temp file")
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error().Err(err).Str("path", tempFile.Name()).Msg("closing temp file")
			}
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	shouldCloseTempFile = false

	if err := os.Rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	shouldDeleteTempFile = false

	return nil
}
