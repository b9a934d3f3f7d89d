package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dskow/shield-core/internal/config"
)

// Store is the shared (cross-process) cache tier. Implementations must treat
// a missing key as (nil, false, nil), not an error.
type Store interface {
	// Get returns the value for key if present and not expired at now.
	Get(ctx context.Context, key string, now time.Time) ([]byte, bool, error)

	// Put stores value under key with an absolute expiry time.
	Put(ctx context.Context, key string, value []byte, expires time.Time) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping checks connectivity to the store.
	Ping(ctx context.Context) error
}

// l2Key derives the shared-tier key. Cache keys come from request paths and
// may contain characters NATS KV rejects, so the key part is hashed.
func l2Key(dependency, key string) string {
	sum := sha256.Sum256([]byte(key))
	return dependency + "." + hex.EncodeToString(sum[:])
}

// envelope layout: 8-byte big-endian unix-nano expiry followed by the value.
// JetStream KV TTL is bucket-level only, so per-key TTLs ride inside the
// value and are validated on read; the bucket's MaxAge is the GC backstop.
const envelopeHeader = 8

func wrapValue(value []byte, expires time.Time) []byte {
	out := make([]byte, envelopeHeader+len(value))
	binary.BigEndian.PutUint64(out, uint64(expires.UnixNano()))
	copy(out[envelopeHeader:], value)
	return out
}

// unwrapValue validates the envelope. Malformed or expired entries report
// !ok so the caller treats them as misses.
func unwrapValue(data []byte, now time.Time) ([]byte, bool) {
	if len(data) < envelopeHeader {
		return nil, false
	}
	expires := int64(binary.BigEndian.Uint64(data))
	if now.UnixNano() >= expires {
		return nil, false
	}
	return data[envelopeHeader:], true
}

// NATSStore is the JetStream KeyValue implementation of Store.
type NATSStore struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

// ConnectNATS dials the NATS server and creates (or updates) the KV bucket.
// The bucket's MaxAge is set from config as the backstop for envelope-based
// expiry.
func ConnectNATS(ctx context.Context, cfg config.L2CacheConfig) (*NATSStore, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("shield-core"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.Bucket,
		TTL:    cfg.MaxAge,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating KV bucket %q: %w", cfg.Bucket, err)
	}

	return &NATSStore{nc: nc, kv: kv}, nil
}

func (s *NATSStore) Get(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	val, ok := unwrapValue(entry.Value(), now)
	return val, ok, nil
}

func (s *NATSStore) Put(ctx context.Context, key string, value []byte, expires time.Time) error {
	_, err := s.kv.Put(ctx, key, wrapValue(value, expires))
	return err
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Ping measures a round trip to the server.
func (s *NATSStore) Ping(ctx context.Context) error {
	if !s.nc.IsConnected() {
		return errors.New("nats connection down")
	}
	_, err := s.nc.RTT()
	return err
}

// Close drains the NATS connection.
func (s *NATSStore) Close() {
	s.nc.Close()
}
