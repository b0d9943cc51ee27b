// Package storage archives sync reports to the local filesystem or Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"tourwatch/pkg/tourwatch"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	"google.golang.org/api/iterator"
)

const (
	keyPrefix = "report-"
	latestKey = "report-latest.json"
)

// Archive stores one JSON document per sync pass plus a copy of the latest.
type Archive struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a report archive. localPath wins over bucket when both are set.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Archive {
	return &Archive{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// ReportKey names the object a report is stored under. Keys sort by start time.
func ReportKey(r *tourwatch.SyncReport) string {
	id := r.RunID
	if id == "" {
		id = "unknown"
	}
	return fmt.Sprintf("%s%s-%s.json", keyPrefix, r.StartedAt.UTC().Format("20060102T150405Z"), id)
}

// validKey rejects anything that is not a plain report object name.
func validKey(key string) bool {
	return strings.HasPrefix(key, keyPrefix) &&
		strings.HasSuffix(key, ".json") &&
		!strings.ContainsAny(key, `/\`) &&
		!strings.Contains(key, "..")
}

// Save writes the report and replaces the latest copy.
func (a *Archive) Save(ctx context.Context, r *tourwatch.SyncReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	key := ReportKey(r)
	for _, k := range []string{key, latestKey} {
		if err := a.write(ctx, k, data); err != nil {
			return err
		}
	}
	a.logger.Info("Sync report archived", "key", key, "run_id", r.RunID)
	return nil
}

func (a *Archive) write(ctx context.Context, key string, data []byte) error {
	if a.localPath != "" {
		if err := os.MkdirAll(a.localPath, 0o750); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		filePath := filepath.Join(a.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					a.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			a.logger.Info("Retrying report write after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// LoadLatest returns the most recently archived report, or tourwatch.ErrNotFound.
func (a *Archive) LoadLatest(ctx context.Context) (*tourwatch.SyncReport, error) {
	return a.Load(ctx, latestKey)
}

// Load reads one archived report by key.
func (a *Archive) Load(ctx context.Context, key string) (*tourwatch.SyncReport, error) {
	if !validKey(key) {
		return nil, tourwatch.ErrNotFound
	}

	var data []byte
	if a.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(a.localPath, key))
		if errors.Is(err, os.ErrNotExist) {
			return nil, tourwatch.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := a.client.Bucket(a.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(tourwatch.ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						a.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(30*time.Second),
			retry.MaxJitter(5*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				a.logger.Info("Retrying report load after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if errors.Is(err, tourwatch.ErrNotFound) {
			return nil, tourwatch.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var r tourwatch.SyncReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}

// List returns up to limit report keys, newest first. limit <= 0 means no limit.
func (a *Archive) List(ctx context.Context, limit int) ([]string, error) {
	var keys []string

	if a.localPath != "" {
		entries, err := os.ReadDir(a.localPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || entry.Name() == latestKey || !validKey(entry.Name()) {
				continue
			}
			keys = append(keys, entry.Name())
		}
	} else {
		it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{
			Prefix: keyPrefix,
		})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("iterate storage: %w", err)
			}
			if attrs.Name == latestKey || !validKey(attrs.Name) {
				continue
			}
			keys = append(keys, attrs.Name)
		}
	}

	slices.Sort(keys)
	slices.Reverse(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}
