package s3fetch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/ctvol/internal/logctx"
	"github.com/eunmann/ctvol/pkg/format"
	"github.com/eunmann/ctvol/pkg/logging"
)

// FetchResult lists what Fetch downloaded.
type FetchResult struct {
	// Manifest is nil when the remote dataset has none.
	Manifest *format.Manifest
	// Files are the downloaded file names, sorted.
	Files []string
	// Skipped are optional files absent from the remote dataset.
	Skipped []string
	// Bytes is the total downloaded, manifest included.
	Bytes int64
}

// PushResult lists what Push uploaded.
type PushResult struct {
	Manifest *format.Manifest
	Files    []string
	Bytes    int64
}

// Fetcher copies whole datasets between a local directory and an S3 prefix.
// It assumes a single writer per remote dataset.
type Fetcher struct {
	client *Client
}

// NewFetcher creates a fetcher over client.
func NewFetcher(client *Client) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch downloads the dataset at uri (s3://bucket/prefix) into dir.
//
// When the prefix holds a manifest.json, every file it lists is required and
// verified against its checksum after download. Without one, volume.bin is
// required and the other dataset files are fetched when present.
func (f *Fetcher) Fetch(ctx context.Context, uri, dir string) (*FetchResult, error) {
	ctx = logctx.WithOperation(logctx.WithDataset(ctx, dir), "fetch")
	log := logctx.FromContext(ctx)
	start := time.Now()

	bucket, prefix, err := ParseS3URI(uri)
	if err != nil {
		return nil, fmt.Errorf("parse dataset URI: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	res := &FetchResult{}
	required := map[string]bool{format.VolumeFile: true}
	names := format.DatasetFiles()

	manifestPath := filepath.Join(dir, format.ManifestFile)
	mres, err := f.client.DownloadFile(ctx, bucket, objectKey(prefix, format.ManifestFile), manifestPath)
	switch {
	case err == nil:
		res.Bytes += mres.Bytes
		res.Manifest, err = format.ReadManifest(dir)
		if err != nil {
			return nil, err
		}
		names = names[:0]
		for name := range res.Manifest.Files {
			names = append(names, localName(name))
			required[localName(name)] = true
		}
		slices.Sort(names)
	case errors.Is(err, ErrNotFound):
		os.Remove(manifestPath)
		log.Debug().Str("uri", uri).Msg("remote dataset has no manifest")
	default:
		return nil, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.client.Config().Concurrency)
	for _, name := range names {
		g.Go(func() error {
			r, err := f.client.DownloadFile(gctx, bucket, objectKey(prefix, name), filepath.Join(dir, name))
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrNotFound) && !required[name] {
				res.Skipped = append(res.Skipped, name)
				return nil
			}
			if err != nil {
				return err
			}
			res.Files = append(res.Files, name)
			res.Bytes += r.Bytes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetch dataset: %w", err)
	}
	slices.Sort(res.Files)
	slices.Sort(res.Skipped)

	if res.Manifest != nil {
		if err := format.VerifyManifest(dir, res.Manifest); err != nil {
			return nil, err
		}
	}

	logging.PhaseComplete(log, "fetch", time.Since(start)).
		Str("uri", uri).
		Int("files", len(res.Files)).
		Int("skipped", len(res.Skipped)).
		Bytes("bytes", res.Bytes).
		Throughput(res.Bytes).
		Log("dataset fetched")
	return res, nil
}

// Push uploads the dataset in dir to uri. A manifest is written first when
// dir has none, and it is uploaded last so a remote manifest always
// describes files that are already in place.
func (f *Fetcher) Push(ctx context.Context, dir, uri string) (*PushResult, error) {
	ctx = logctx.WithOperation(logctx.WithDataset(ctx, dir), "push")
	log := logctx.FromContext(ctx)
	start := time.Now()

	bucket, prefix, err := ParseS3URI(uri)
	if err != nil {
		return nil, fmt.Errorf("parse dataset URI: %w", err)
	}

	m, err := format.ReadManifest(dir)
	if errors.Is(err, os.ErrNotExist) {
		m, err = format.WriteManifest(dir)
	}
	if err != nil {
		return nil, err
	}
	if err := format.VerifyManifest(dir, m); err != nil {
		return nil, fmt.Errorf("local dataset changed since its manifest was written: %w", err)
	}

	res := &PushResult{Manifest: m}
	for name := range m.Files {
		res.Files = append(res.Files, name)
	}
	slices.Sort(res.Files)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.client.Config().Concurrency)
	for _, name := range res.Files {
		g.Go(func() error {
			r, err := f.client.UploadFile(gctx, filepath.Join(dir, name), bucket, objectKey(prefix, name))
			if err != nil {
				return err
			}
			mu.Lock()
			res.Bytes += r.Bytes
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("push dataset: %w", err)
	}

	r, err := f.client.UploadFile(ctx, filepath.Join(dir, format.ManifestFile), bucket, objectKey(prefix, format.ManifestFile))
	if err != nil {
		return nil, err
	}
	res.Bytes += r.Bytes

	logging.PhaseComplete(log, "push", time.Since(start)).
		Str("uri", uri).
		Int("files", len(res.Files)).
		Bytes("bytes", res.Bytes).
		Throughput(res.Bytes).
		Log("dataset pushed")
	return res, nil
}
