package pipelinemodule

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ImageFetcher downloads artwork for an indexed item.
type ImageFetcher interface {
	Fetch(ctx context.Context, job ImageJob) error
}

// CachingImageFetcher downloads artwork into the asset directory, skipping
// files that already exist. Fetching is always best-effort from the
// pipeline's point of view; errors here never fail an item.
type CachingImageFetcher struct {
	client *http.Client
	dir    string
}

// NewCachingImageFetcher creates a fetcher writing into dir.
func NewCachingImageFetcher(dir string, timeout time.Duration) *CachingImageFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CachingImageFetcher{
		client: &http.Client{Timeout: timeout},
		dir:    dir,
	}
}

// Fetch downloads one image unless it is already cached.
func (f *CachingImageFetcher) Fetch(ctx context.Context, job ImageJob) error {
	if job.URL == "" || job.MediaID == "" {
		return fmt.Errorf("image job missing url or media id")
	}

	target := filepath.Join(f.dir, assetFileName(job))
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create asset dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return fmt.Errorf("bad image url %s: %w", job.URL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("image download returned %d for %s", resp.StatusCode, job.URL)
	}

	// Write through a temp file so a torn download never leaves a partial
	// asset behind.
	tmp, err := os.CreateTemp(f.dir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp asset: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func assetFileName(job ImageJob) string {
	ext := filepath.Ext(job.URL)
	if ext == "" || len(ext) > 5 || strings.ContainsAny(ext, "?&=") {
		ext = ".jpg"
	}
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, job.MediaID)
	return fmt.Sprintf("%s_%s%s", safe, job.Kind, ext)
}
