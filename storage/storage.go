// Package storage persists small state objects on the local filesystem or in a
// Google Cloud Storage bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store reads and writes objects by key.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// Config selects the storage backend. LocalPath wins over Bucket.
type Config struct {
	LocalPath       string
	Bucket          string
	CredentialsJSON string
}

// New creates a new storage handler.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Open builds a Store for cfg. The returned close function releases the
// Cloud Storage client, if one was created.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, func() error, error) {
	if cfg.LocalPath != "" {
		if err := os.MkdirAll(cfg.LocalPath, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Using local storage", "path", cfg.LocalPath)
		return New(nil, "", cfg.LocalPath, logger), func() error { return nil }, nil
	}

	if cfg.Bucket == "" {
		return nil, nil, errors.New("either a local storage path or a bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create storage client: %w", err)
	}
	logger.Info("Using Cloud Storage", "bucket", cfg.Bucket)
	return New(client, cfg.Bucket, "", logger), client.Close, nil
}

// IsNotFound checks if an error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func validKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, `/\`) && key != "." && key != ".." && !strings.HasPrefix(key, ".")
}

// Read loads an object.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	if !validKey(key) {
		return nil, fmt.Errorf("invalid key %q", key)
	}

	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	notFound := false
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		s.retryOptions(ctx, "read", key)...,
	)
	if notFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read after retries: %w", err)
	}
	return data, nil
}

// Write stores an object, replacing any previous version atomically.
func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	if s.localPath != "" {
		if err := writeFileAtomic(filepath.Join(s.localPath, key), data); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Object saved to local storage", "key", key, "bytes", len(data))
		return nil
	}

	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		s.retryOptions(ctx, "write", key)...,
	)
	if err != nil {
		return fmt.Errorf("write after retries: %w", err)
	}

	s.logger.Debug("Object saved", "key", key, "bucket", s.bucket, "bytes", len(data))
	return nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}

	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		s.retryOptions(ctx, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// List returns the keys starting with prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !validKey(entry.Name()) {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30 * time.Second),
		retry.MaxJitter(2 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// writeFileAtomic writes data next to path and renames it into place so a crash
// never leaves a truncated file behind.
func writeFileAtomic(path string, data []byte) error {
	dir, name := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
