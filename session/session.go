// Package session persists the scraper's cookie jar between runs so the site
// sees one continuous browser session.
package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"train-notifier/cookies"
	"train-notifier/storage"
)

// DefaultKey is the object name of the cookie file.
const DefaultKey = "session_cookies.txt"

// Blobs is the subset of storage used for the cookie file.
type Blobs interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
}

// Store loads and saves the cookie jar.
type Store struct {
	blobs  Blobs
	logger *slog.Logger
	key    string
}

// New creates a session store writing to key (DefaultKey when empty).
func New(blobs Blobs, key string, logger *slog.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{blobs: blobs, key: key, logger: logger}
}

// Load restores the saved jar. It never fails: a missing or unreadable file
// yields an empty jar.
func (s *Store) Load(ctx context.Context) *cookies.Jar {
	jar := cookies.New()

	data, err := s.blobs.Read(ctx, s.key)
	if err != nil {
		if storage.IsNotFound(err) {
			s.logger.Info("No existing cookie file, starting fresh", "key", s.key)
		} else {
			s.logger.Warn("Failed to read cookie file, starting fresh", "key", s.key, "error", err)
		}
		return jar
	}

	skipped, err := jar.ReadNetscape(bytes.NewReader(data))
	if err != nil {
		s.logger.Warn("Failed to parse cookie file, using cookies read so far", "key", s.key, "error", err)
	}
	s.logger.Info("Loaded cookies", "key", s.key, "count", jar.Len(), "skipped", skipped)
	return jar
}

// Save writes the jar back to storage.
func (s *Store) Save(ctx context.Context, jar *cookies.Jar) error {
	var buf bytes.Buffer
	if err := jar.WriteNetscape(&buf); err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	if err := s.blobs.Write(ctx, s.key, buf.Bytes()); err != nil {
		return fmt.Errorf("save cookies: %w", err)
	}
	s.logger.Debug("Saved cookies", "key", s.key, "count", jar.Len())
	return nil
}
