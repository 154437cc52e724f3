// Package storage keeps per-user OAuth credentials in a local bbolt file.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"
)

const (
	dbFileName  = "credentials.db"
	openTimeout = 5 * time.Second
)

// BoltDB is the credential database of one instance.
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewBoltDB opens or creates <dataDir>/credentials.db. A file locked by
// another process fails with an error wrapping bbolt's ErrTimeout.
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dataDir, dbFileName)

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: openTimeout})
	if errors.Is(err, bolterrors.ErrTimeout) {
		return nil, fmt.Errorf("credential database %s is locked by another process: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("open credential database %s: %w", path, err)
	}

	b := &BoltDB{db: db, logger: logger, now: time.Now}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debugw("Credential database opened", "path", path)
	return b, nil
}

// Close closes the database.
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// migrate creates the buckets and stamps the schema version.
func (b *BoltDB) migrate() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{CredentialsBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		version := make([]byte, 8)
		binary.LittleEndian.PutUint64(version, CurrentSchemaVersion)
		return tx.Bucket([]byte(MetaBucket)).Put([]byte(SchemaVersionKey), version)
	})
}

// GetSchemaVersion reads the stored schema version. It doubles as a
// liveness probe of the file.
func (b *BoltDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(MetaBucket))
		if meta == nil {
			return errors.New("meta bucket not found")
		}
		if raw := meta.Get([]byte(SchemaVersionKey)); len(raw) == 8 {
			version = binary.LittleEndian.Uint64(raw)
		}
		return nil
	})
	return version, err
}
