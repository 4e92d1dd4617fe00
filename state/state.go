// Package state keeps the fingerprint of the last message delivered to each
// recipient.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"train-notifier/storage"
)

const keyPrefix = "fp-"

// Record is the stored state for one recipient.
type Record struct {
	UpdatedAt   time.Time `json:"updated_at"`
	Recipient   string    `json:"recipient"`
	Fingerprint string    `json:"fingerprint"`
}

// Blobs is the subset of storage used for fingerprint records.
type Blobs interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Store maps recipient ids to fingerprints, one object per recipient so an
// update never touches other recipients.
type Store struct {
	blobs  Blobs
	logger *slog.Logger
	now    func() time.Time
}

// New creates a fingerprint store.
func New(blobs Blobs, logger *slog.Logger) *Store {
	return &Store{blobs: blobs, logger: logger, now: time.Now}
}

// Key returns the object name for a recipient. Recipient ids are hashed so any
// chat id or channel name maps to a safe file name.
func Key(recipient string) string {
	h := sha256.Sum256([]byte(recipient))
	return keyPrefix + hex.EncodeToString(h[:8]) + ".json"
}

// Get returns the stored fingerprint for a recipient. ok is false when nothing
// has been stored yet.
func (s *Store) Get(ctx context.Context, recipient string) (fingerprint string, ok bool, err error) {
	rec, err := s.load(ctx, Key(recipient))
	if err != nil {
		if storage.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if rec.Recipient != recipient {
		s.logger.Warn("Fingerprint record belongs to another recipient, ignoring",
			"recipient", recipient, "stored_recipient", rec.Recipient)
		return "", false, nil
	}
	return rec.Fingerprint, true, nil
}

// Put stores the fingerprint for a recipient.
func (s *Store) Put(ctx context.Context, recipient, fingerprint string) error {
	rec := Record{
		Recipient:   recipient,
		Fingerprint: fingerprint,
		UpdatedAt:   s.now().UTC(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := s.blobs.Write(ctx, Key(recipient), data); err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	s.logger.Debug("Fingerprint saved", "recipient", recipient, "fingerprint", fingerprint)
	return nil
}

// List returns every stored record.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	keys, err := s.blobs.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}

	var recs []Record
	for _, key := range keys {
		rec, err := s.load(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load fingerprint record", "key", key, "error", err)
			continue
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

// Delete forgets the fingerprint for a recipient so the next run notifies it again.
func (s *Store) Delete(ctx context.Context, recipient string) error {
	if err := s.blobs.Delete(ctx, Key(recipient)); err != nil {
		return fmt.Errorf("delete fingerprint: %w", err)
	}
	s.logger.Info("Fingerprint deleted", "recipient", recipient)
	return nil
}

func (s *Store) load(ctx context.Context, key string) (*Record, error) {
	data, err := s.blobs.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", key, err)
	}
	return &rec, nil
}
