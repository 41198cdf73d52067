// Package natskv is a kv.Store on a NATS JetStream key-value bucket.
//
// JetStream buckets only expire whole histories at the bucket's max age, so
// per-key TTLs are kept in an eight-byte header in front of each value and
// enforced on read. InsertIfAbsent uses Create, and replaces an expired value
// with a revision-checked Update so that concurrent inserts still see exactly
// one winner.
package natskv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/phrazzld/scry-batch/internal/config"
	"github.com/phrazzld/scry-batch/internal/kv"
)

const (
	headerLen     = 8
	insertRetries = 3
)

// Store implements kv.Store on a JetStream bucket.
type Store struct {
	bucket jetstream.KeyValue
	conn   *nats.Conn
	now    func() time.Time
	logger *slog.Logger
}

var (
	_ kv.Store  = (*Store)(nil)
	_ kv.Closer = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New wraps an open bucket. The caller owns the connection.
func New(bucket jetstream.KeyValue, opts ...Option) *Store {
	s := &Store{bucket: bucket, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "nats_kv", "bucket", bucket.Bucket())
	return s
}

// Connect dials NATS and creates or updates the configured bucket. Close
// drains the connection.
func Connect(ctx context.Context, cfg config.KVConfig, opts ...Option) (*Store, error) {
	nc, err := nats.Connect(cfg.NatsURL, nats.Name("scry-batch"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.NatsURL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	bucketCfg := jetstream.KeyValueConfig{
		Bucket:  cfg.NatsBucket,
		Storage: jetstream.FileStorage,
	}
	if cfg.NatsMaxAgeHours > 0 {
		bucketCfg.TTL = time.Duration(cfg.NatsMaxAgeHours) * time.Hour
	}
	bucket, err := js.CreateOrUpdateKeyValue(ctx, bucketCfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating KV bucket %s: %w", cfg.NatsBucket, err)
	}

	s := New(bucket, opts...)
	s.conn = nc
	return s, nil
}

// Close drains a connection opened by Connect.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

// Get returns the value at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.get(ctx, key)
	return value, err
}

func (s *Store) get(ctx context.Context, key string) ([]byte, uint64, error) {
	if key == "" {
		return nil, 0, kv.ErrInvalidKey
	}
	entry, err := s.bucket.Get(ctx, EncodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, 0, kv.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("nats get %s: %w", key, err)
	}
	value, expiresAt, err := decode(entry.Value())
	if err != nil {
		return nil, 0, fmt.Errorf("nats get %s: %w", key, err)
	}
	if expired(expiresAt, s.now()) {
		return nil, entry.Revision(), kv.ErrNotFound
	}
	return value, entry.Revision(), nil
}

// Set stores value at key.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return kv.ErrInvalidKey
	}
	if _, err := s.bucket.Put(ctx, EncodeKey(key), s.encode(value, ttl)); err != nil {
		return fmt.Errorf("nats put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return kv.ErrInvalidKey
	}
	err := s.bucket.Delete(ctx, EncodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("nats delete %s: %w", key, err)
	}
	return nil
}

// InsertIfAbsent writes value when key is absent or expired.
func (s *Store) InsertIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, kv.ErrInvalidKey
	}
	natsKey := EncodeKey(key)
	payload := s.encode(value, ttl)

	for attempt := 0; attempt < insertRetries; attempt++ {
		_, err := s.bucket.Create(ctx, natsKey, payload)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return false, fmt.Errorf("nats create %s: %w", key, err)
		}

		_, revision, err := s.get(ctx, key)
		switch {
		case err == nil:
			return false, nil
		case errors.Is(err, kv.ErrNotFound) && revision > 0:
			// Present but expired: replace it only if nobody else has.
			_, err = s.bucket.Update(ctx, natsKey, payload, revision)
			if err == nil {
				return true, nil
			}
			if errors.Is(err, jetstream.ErrKeyExists) {
				return false, nil
			}
			return false, fmt.Errorf("nats update %s: %w", key, err)
		case errors.Is(err, kv.ErrNotFound):
			// Deleted between Create and Get; try again.
			continue
		default:
			return false, err
		}
	}
	return false, fmt.Errorf("nats insert %s: gave up after %d attempts", key, insertRetries)
}

func (s *Store) encode(value []byte, ttl time.Duration) []byte {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixNano()
	}
	out := make([]byte, headerLen+len(value))
	binary.BigEndian.PutUint64(out, uint64(expiresAt))
	copy(out[headerLen:], value)
	return out
}

func decode(raw []byte) ([]byte, int64, error) {
	if len(raw) < headerLen {
		return nil, 0, fmt.Errorf("value of %d bytes has no expiry header", len(raw))
	}
	expiresAt := int64(binary.BigEndian.Uint64(raw))
	return raw[headerLen:], expiresAt, nil
}

func expired(expiresAt int64, now time.Time) bool {
	return expiresAt != 0 && now.UnixNano() >= expiresAt
}

// EncodeKey maps a store key onto the characters NATS accepts. Bytes outside
// [-/_.a-zA-Z0-9] become =XX, and '=' itself is escaped, so the mapping is
// reversible. Empty segments are not produced by the kv key helpers.
func EncodeKey(key string) string {
	if keyClean(key) {
		return key
	}
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		if allowed(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "=%02X", c)
	}
	return b.String()
}

func keyClean(key string) bool {
	for i := 0; i < len(key); i++ {
		if !allowed(key[i]) {
			return false
		}
	}
	return true
}

func allowed(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '/', c == '_', c == '.':
		return true
	}
	return false
}
