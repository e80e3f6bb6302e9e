package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"go.etcd.io/bbolt"
)

var (
	entriesBucket = []byte("entries")
	orderBucket   = []byte("order")
)

// orderKeyLen is the length of the order key prefixed to every entry value:
// 8 bytes of stored-at nanoseconds followed by an 8 byte insertion sequence.
const orderKeyLen = 16

// BoltProvider keeps every store in its own BoltDB bucket.
// Each store bucket holds an entries bucket (key -> order key + payload)
// and an order bucket (order key -> key), which a cursor walks oldest first.
type BoltProvider struct {
	db *bbolt.DB
}

// OpenBoltProvider opens a BoltDB-backed provider at the provided path.
func OpenBoltProvider(path string) (*BoltProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	return &BoltProvider{db: db}, nil
}

// Close closes the underlying database.
func (b *BoltProvider) Close() error {
	return b.db.Close()
}

func ensureStoreBuckets(tx *bbolt.Tx, name string) (entries, order *bbolt.Bucket, err error) {
	store, err := tx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, nil, fmt.Errorf("create store bucket %s: %w", name, err)
	}
	if entries, err = store.CreateBucketIfNotExists(entriesBucket); err != nil {
		return nil, nil, err
	}
	if order, err = store.CreateBucketIfNotExists(orderBucket); err != nil {
		return nil, nil, err
	}
	return entries, order, nil
}

func storeBuckets(tx *bbolt.Tx, name string) (entries, order *bbolt.Bucket) {
	store := tx.Bucket([]byte(name))
	if store == nil {
		return nil, nil
	}
	return store.Bucket(entriesBucket), store.Bucket(orderBucket)
}

func (b *BoltProvider) Open(name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		_, _, err := ensureStoreBuckets(tx, name)
		return err
	})
}

func (b *BoltProvider) Names() ([]string, error) {
	names := make([]string, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

func (b *BoltProvider) DeleteAll(name string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(name))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (b *BoltProvider) Get(name, key string) (Entry, bool, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		entries, _ := storeBuckets(tx, name)
		if entries == nil {
			return nil
		}
		if v := entries.Get([]byte(key)); v != nil {
			// values are only valid inside the transaction
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || value == nil {
		return Entry{}, false, err
	}
	sRes, err := serializer.BytesToStoredResponse(value[orderKeyLen:])
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	payload, err := PayloadFromResponse(sRes.Response)
	if err != nil {
		return Entry{}, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return Entry{
		Key:      key,
		StoredAt: sRes.StoredAt,
		Payload:  payload,
		Size:     len(payload.Body),
	}, true, nil
}

func (b *BoltProvider) Put(name string, entry Entry) error {
	bytes, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: entry.Payload.Response(),
		StoredAt: entry.StoredAt,
	})
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", entry.Key, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		entries, order, err := ensureStoreBuckets(tx, name)
		if err != nil {
			return err
		}
		if old := entries.Get([]byte(entry.Key)); old != nil {
			oldOrderKey := append([]byte(nil), old[:orderKeyLen]...)
			if err := order.Delete(oldOrderKey); err != nil {
				return err
			}
		}
		seq, err := order.NextSequence()
		if err != nil {
			return err
		}
		orderKey := make([]byte, orderKeyLen)
		binary.BigEndian.PutUint64(orderKey[:8], uint64(entry.StoredAt.UnixNano()))
		binary.BigEndian.PutUint64(orderKey[8:], seq)
		if err := order.Put(orderKey, []byte(entry.Key)); err != nil {
			return err
		}
		return entries.Put([]byte(entry.Key), append(orderKey, bytes...))
	})
}

func (b *BoltProvider) Delete(name, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		entries, order := storeBuckets(tx, name)
		if entries == nil {
			return nil
		}
		v := entries.Get([]byte(key))
		if v == nil {
			return nil
		}
		orderKey := append([]byte(nil), v[:orderKeyLen]...)
		if err := order.Delete(orderKey); err != nil {
			return err
		}
		return entries.Delete([]byte(key))
	})
}

func (b *BoltProvider) Keys(name string) ([]string, error) {
	keys := make([]string, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		_, order := storeBuckets(tx, name)
		if order == nil {
			return nil
		}
		c := order.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			keys = append(keys, string(v))
		}
		return nil
	})
	return keys, err
}

var _ Provider = (*BoltProvider)(nil)
