package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	bolt "go.etcd.io/bbolt"
)

// QueueBucket holds one JSON array per queue key.
const QueueBucket = "queues"

// BoltList persists lists in a bbolt database.
type BoltList struct {
	db     *bolt.DB
	logger *logx.Logger
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string, logger *logx.Logger) (*BoltList, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(QueueBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", QueueBucket, err)
	}

	logger.Info("Bolt store opened", "path", path)
	return &BoltList{db: db, logger: logger}, nil
}

// Load implements the persistent list contract.
func (b *BoltList) Load(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(QueueBucket)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return out, nil
}

// Save implements the persistent list contract.
func (b *BoltList) Save(ctx context.Context, key string, values []string) error {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(QueueBucket)).Put([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (b *BoltList) Close() error {
	return b.db.Close()
}
