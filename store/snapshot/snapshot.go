// Package snapshot persists the current guide artifact to disk so a restart
// can serve the last-known-good guide without waiting for an upstream fetch.
//
// Metadata (version, hash, counts, timestamps) lives in a bbolt database and
// the raw XMLTV payload is zstd-compressed into a payload backend keyed by
// its BLAKE3 hash. Loads verify the hash before handing the artifact back.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	guidecache "github.com/wolfeidau/guide-cache"
	"github.com/wolfeidau/guide-cache/backend"
	"github.com/wolfeidau/guide-cache/refresh"
	"github.com/wolfeidau/guide-cache/telemetry"
	"github.com/wolfeidau/guide-cache/xmltv"
)

const (
	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 128 * 1024 * 1024 // 128MB

	// currentRecordVersion is the snapshot record schema version.
	currentRecordVersion = 1
)

var (
	// ErrNoSnapshot is returned by Load when no snapshot has been saved yet.
	ErrNoSnapshot = errors.New("no snapshot")

	// ErrCorrupted is returned when the payload hash does not match the record.
	ErrCorrupted = errors.New("snapshot payload hash mismatch")

	// ErrPayloadTooLarge is returned when the recorded payload size exceeds
	// MaxPayloadSize, which also guards decompression.
	ErrPayloadTooLarge = errors.New("snapshot payload exceeds maximum size")
)

var (
	bucketSnapshot = []byte("snapshot")
	keyCurrent     = []byte("current")
)

// record is the metadata stored in bbolt for the current snapshot.
type record struct {
	RecordVersion int       `json:"record_version"`
	Version       uint64    `json:"version"`
	Hash          string    `json:"hash"`
	Size          int64     `json:"size"`
	Channels      int       `json:"channels"`
	Programmes    int       `json:"programmes"`
	RefreshedAt   time.Time `json:"refreshed_at"`
	SavedAt       time.Time `json:"saved_at"`
}

// Store persists guide artifacts using bbolt for metadata and a payload
// backend for the compressed XMLTV document.
type Store struct {
	db      *bbolt.DB
	payload backend.Backend
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) StoreOption {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// New creates a Store writing payloads to the given backend.
func New(payload backend.Backend, opts ...StoreOption) *Store {
	s := &Store{
		payload: payload,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the metadata database at the given path.
func (s *Store) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshot)
		return err
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating snapshot bucket: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = db.Close()
		return fmt.Errorf("creating zstd decoder: %w", err)
	}

	s.db = db
	s.encoder = enc
	s.decoder = dec

	s.logger.Debug("opened snapshot store", "path", path, "noSync", s.noSync)
	return nil
}

// Close closes the database and releases codec resources.
func (s *Store) Close() error {
	if s.encoder != nil {
		s.encoder.Close()
		s.encoder = nil
	}
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing snapshot store")
	return s.db.Close()
}

// Save persists the artifact. The payload is written first, then the
// metadata record is swapped, so a crash between the two leaves the previous
// snapshot intact. The payload for the previous snapshot is removed once the
// record points at the new one.
func (s *Store) Save(ctx context.Context, art *refresh.Artifact) error {
	start := s.now()

	err := s.save(ctx, art)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordSnapshotOp(ctx, "save", outcome, time.Since(start))

	return err
}

func (s *Store) save(ctx context.Context, art *refresh.Artifact) error {
	if art == nil {
		return errors.New("artifact is nil")
	}
	if int64(len(art.Raw)) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	compressed := s.encoder.EncodeAll(art.Raw, nil)

	key := payloadKey(art.Hash)
	if err := s.payload.Write(ctx, key, bytes.NewReader(compressed)); err != nil {
		return fmt.Errorf("writing snapshot payload: %w", err)
	}

	rec := record{
		RecordVersion: currentRecordVersion,
		Version:       art.Version,
		Hash:          art.Hash.String(),
		Size:          int64(len(art.Raw)),
		Channels:      art.Guide.ChannelCount(),
		Programmes:    art.Guide.ProgrammeCount(),
		RefreshedAt:   art.RefreshedAt,
		SavedAt:       s.now(),
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshaling snapshot record: %w", err)
	}

	var oldHash string
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshot)
		if bucket == nil {
			return fmt.Errorf("snapshot bucket not found")
		}

		if val := bucket.Get(keyCurrent); val != nil {
			var old record
			if err := json.Unmarshal(val, &old); err == nil {
				oldHash = old.Hash
			}
		}

		return bucket.Put(keyCurrent, data)
	}); err != nil {
		return fmt.Errorf("putting snapshot record: %w", err)
	}

	// Remove the superseded payload. Failure here only leaks a file, the
	// record already points at the new payload.
	if oldHash != "" && oldHash != rec.Hash {
		if h, err := guidecache.ParseHash(oldHash); err == nil {
			if err := s.payload.Delete(ctx, payloadKey(h)); err != nil {
				s.logger.Warn("failed to delete superseded snapshot payload",
					"hash", oldHash,
					"error", err)
			}
		}
	}

	s.logger.Debug("saved snapshot",
		"version", rec.Version,
		"hash", art.Hash.ShortString(),
		"size", rec.Size,
		"compressed", len(compressed))

	return nil
}

// Load reads the current snapshot, verifies its payload hash, re-parses the
// guide and returns the restored artifact. Returns ErrNoSnapshot when
// nothing has been saved.
func (s *Store) Load(ctx context.Context) (*refresh.Artifact, error) {
	start := s.now()

	art, err := s.load(ctx)

	outcome := "success"
	switch {
	case errors.Is(err, ErrNoSnapshot):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	telemetry.RecordSnapshotOp(ctx, "load", outcome, time.Since(start))

	return art, err
}

func (s *Store) load(ctx context.Context) (*refresh.Artifact, error) {
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshot)
		if bucket == nil {
			return ErrNoSnapshot
		}

		val := bucket.Get(keyCurrent)
		if val == nil {
			return ErrNoSnapshot
		}

		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}

	if rec.Size > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	hash, err := guidecache.ParseHash(rec.Hash)
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot hash: %w", err)
	}

	rc, err := s.payload.Read(ctx, payloadKey(hash))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("%w: payload missing for %s", ErrNoSnapshot, hash.ShortString())
		}
		return nil, fmt.Errorf("reading snapshot payload: %w", err)
	}
	defer func() { _ = rc.Close() }()

	compressed, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot payload: %w", err)
	}

	raw, err := s.decoder.DecodeAll(compressed, make([]byte, 0, rec.Size))
	if err != nil {
		return nil, fmt.Errorf("decompressing snapshot payload: %w", err)
	}
	if int64(len(raw)) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	if got := guidecache.HashBytes(raw); got != hash {
		return nil, ErrCorrupted
	}

	guide, err := xmltv.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot guide: %w", err)
	}

	s.logger.Debug("loaded snapshot",
		"version", rec.Version,
		"hash", hash.ShortString(),
		"channels", guide.ChannelCount(),
		"programmes", guide.ProgrammeCount())

	return &refresh.Artifact{
		Guide:       guide,
		Raw:         raw,
		Hash:        hash,
		Version:     rec.Version,
		RefreshedAt: rec.RefreshedAt,
	}, nil
}

// Current returns the stored snapshot record without loading the payload.
// Returns ErrNoSnapshot when nothing has been saved.
func (s *Store) Current(_ context.Context) (*Record, error) {
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshot)
		if bucket == nil {
			return ErrNoSnapshot
		}

		val := bucket.Get(keyCurrent)
		if val == nil {
			return ErrNoSnapshot
		}

		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}

	return &Record{
		Version:     rec.Version,
		Hash:        rec.Hash,
		Size:        rec.Size,
		Channels:    rec.Channels,
		Programmes:  rec.Programmes,
		RefreshedAt: rec.RefreshedAt,
		SavedAt:     rec.SavedAt,
	}, nil
}

// Record describes the currently stored snapshot.
type Record struct {
	Version     uint64    `json:"version"`
	Hash        string    `json:"hash"`
	Size        int64     `json:"size"`
	Channels    int       `json:"channels"`
	Programmes  int       `json:"programmes"`
	RefreshedAt time.Time `json:"refreshed_at"`
	SavedAt     time.Time `json:"saved_at"`
}

func payloadKey(h guidecache.Hash) string {
	return "payloads/" + h.String()
}

// Compile-time interface check
var _ refresh.Snapshotter = (*Store)(nil)
