package cache

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mailroom/mailroom/lib"
)

const (
	foldersBucket = "folders"
	bodyPrefix    = "body-"
	flagsPrefix   = "flags-"
)

// BoltStore keeps the cache of one account in a single database file.
// Message bodies are zlib-compressed, mostly for the benefit of the
// text-heavy HTML parts.
type BoltStore struct {
	db  *bolt.DB
	log lib.Logger
}

func NewBoltStore(filename string, logger lib.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	options := bolt.DefaultOptions
	options.Timeout = 10 * time.Second

	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", filename, err)
	}
	db, err := bolt.Open(filename, 0600, options)
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db, log: logger}, nil
}

func uidKey(prefix string, uid uint32) []byte {
	key := make([]byte, len(prefix)+4)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], uid)
	return key
}

func (s *BoltStore) Put(folder string, uid uint32, flags []string, raw []byte) error {
	compressed := &bytes.Buffer{}
	compressor := zlib.NewWriter(compressed)
	if _, err := compressor.Write(raw); err != nil {
		return fmt.Errorf("cannot compress message body: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("cannot compress message body: %w", err)
	}
	encodedFlags, err := json.Marshal(flags)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(foldersBucket))
		if err != nil {
			return err
		}
		bucket, err := root.CreateBucketIfNotExists([]byte(folder))
		if err != nil {
			return err
		}
		if err := bucket.Put(uidKey(bodyPrefix, uid), compressed.Bytes()); err != nil {
			return err
		}
		return bucket.Put(uidKey(flagsPrefix, uid), encodedFlags)
	})
}

func (s *BoltStore) folderBucket(tx *bolt.Tx, folder string) *bolt.Bucket {
	root := tx.Bucket([]byte(foldersBucket))
	if root == nil {
		return nil
	}
	return root.Bucket([]byte(folder))
}

func (s *BoltStore) Has(folder string, uid uint32) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := s.folderBucket(tx, folder)
		if bucket == nil {
			return nil
		}
		found = bucket.Get(uidKey(bodyPrefix, uid)) != nil
		return nil
	})
	return found, err
}

func (s *BoltStore) Get(folder string, uid uint32) ([]byte, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := s.folderBucket(tx, folder)
		if bucket == nil {
			return ErrNotCached
		}
		compressed := bucket.Get(uidKey(bodyPrefix, uid))
		if compressed == nil {
			return ErrNotCached
		}
		decompressor, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return fmt.Errorf("corrupt cache entry for uid=%d: %w", uid, err)
		}
		defer decompressor.Close()
		raw, err = io.ReadAll(decompressor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *BoltStore) Delete(folder string, uid uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := s.folderBucket(tx, folder)
		if bucket == nil {
			return nil
		}
		if err := bucket.Delete(uidKey(bodyPrefix, uid)); err != nil {
			return err
		}
		return bucket.Delete(uidKey(flagsPrefix, uid))
	})
}

func (s *BoltStore) UIDs(folder string) ([]uint32, error) {
	var uids []uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := s.folderBucket(tx, folder)
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		prefix := []byte(bodyPrefix)
		for key, _ := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, _ = cursor.Next() {
			uids = append(uids, binary.BigEndian.Uint32(key[len(prefix):]))
		}
		return nil
	})
	return uids, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
