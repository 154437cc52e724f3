package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.etcd.io/bbolt"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExists   = errors.New("token already exists")
)

// credentialPrefix is the key prefix shared by every record of (userID, serverName).
func credentialPrefix(userID, serverName string) []byte {
	return []byte(url.PathEscape(userID) + "/" + url.PathEscape(serverName) + "/")
}

func credentialKey(userID, serverName string, typ TokenType) []byte {
	return append(credentialPrefix(userID, serverName), []byte(typ)...)
}

// FindToken returns the record of the given type for (userID, serverName).
func (b *BoltDB) FindToken(_ context.Context, userID, serverName string, typ TokenType) (*CredentialRecord, error) {
	var record *CredentialRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(CredentialsBucket)).Get(credentialKey(userID, serverName, typ))
		if data == nil {
			return ErrTokenNotFound
		}
		record = &CredentialRecord{}
		return record.UnmarshalBinary(data)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// CreateToken inserts a new record and fails if one of the same type exists.
func (b *BoltDB) CreateToken(_ context.Context, record *CredentialRecord) error {
	now := b.now()
	record.Created = now
	record.Updated = now

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CredentialsBucket))
		key := credentialKey(record.UserID, record.ServerName, record.Type)
		if bucket.Get(key) != nil {
			return fmt.Errorf("%w: %s/%s/%s", ErrTokenExists, record.UserID, record.ServerName, record.Type)
		}
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

// UpdateToken replaces an existing record, keeping its creation time.
func (b *BoltDB) UpdateToken(_ context.Context, record *CredentialRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(CredentialsBucket))
		key := credentialKey(record.UserID, record.ServerName, record.Type)
		existing := bucket.Get(key)
		if existing == nil {
			return ErrTokenNotFound
		}
		var prev CredentialRecord
		if err := prev.UnmarshalBinary(existing); err == nil {
			record.Created = prev.Created
		}
		record.Updated = b.now()
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
}

// UpsertToken creates or updates a record.
func (b *BoltDB) UpsertToken(ctx context.Context, record *CredentialRecord) error {
	err := b.UpdateToken(ctx, record)
	if errors.Is(err, ErrTokenNotFound) {
		return b.CreateToken(ctx, record)
	}
	return err
}

// DeleteUserTokens removes every record of (userID, serverName).
func (b *BoltDB) DeleteUserTokens(_ context.Context, userID, serverName string) error {
	prefix := credentialPrefix(userID, serverName)
	return b.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(CredentialsBucket)).Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			if err := c.Bucket().Delete(k); err != nil {
				return err
			}
		}
		b.logger.Debugf("deleted %d credential records for user=%s server=%s", len(keys), userID, serverName)
		return nil
	})
}

// ListUserServers returns the server names that have an access or refresh token for userID.
func (b *BoltDB) ListUserServers(_ context.Context, userID string) ([]string, error) {
	prefix := []byte(url.PathEscape(userID) + "/")
	seen := make(map[string]bool)
	var servers []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(CredentialsBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var record CredentialRecord
			if err := record.UnmarshalBinary(v); err != nil {
				continue
			}
			if record.Type == TokenTypeClient || seen[record.ServerName] {
				continue
			}
			seen[record.ServerName] = true
			servers = append(servers, record.ServerName)
		}
		return nil
	})
	return servers, err
}
