package fingerprint

import (
	"fmt"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"taskloom/internal/tracked"
)

var fingerprintBucket = []byte("fingerprints")

// BoltBackend is the durable Store backend: a single bbolt file holding
// one bucket keyed by tracked name, mirroring the teacher's "one local
// file, atomic commits" posture (internal/core.FileCache) but as an
// embedded KV store rather than a directory of blobs, since fingerprint
// lookups are small, frequent, and keyed by arbitrary tracked names
// rather than content hashes with a natural directory-sharding scheme.
type BoltBackend struct {
	db *bbolt.DB
}

// OpenBoltBackend opens (creating if absent) the bbolt database file at
// filepath.Join(dataDir, "fingerprints.db").
func OpenBoltBackend(dataDir string) (*BoltBackend, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create fingerprint data dir %q: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, "fingerprints.db")
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open fingerprint db %q: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(fingerprintBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create fingerprint bucket: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Lookup(name string) (tracked.Fingerprint, error) {
	var fp tracked.Fingerprint
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(fingerprintBucket).Get([]byte(name))
		if val == nil {
			return nil
		}
		decoded, err := decodeFingerprint(val)
		if err != nil {
			return fmt.Errorf("decode fingerprint for %q: %w", name, err)
		}
		fp = decoded
		return nil
	})
	return fp, err
}

func (b *BoltBackend) LookupMany(names []string) ([]tracked.Fingerprint, error) {
	out := make([]tracked.Fingerprint, len(names))
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(fingerprintBucket)
		for i, name := range names {
			val := bucket.Get([]byte(name))
			if val == nil {
				continue
			}
			decoded, err := decodeFingerprint(val)
			if err != nil {
				return fmt.Errorf("decode fingerprint for %q: %w", name, err)
			}
			out[i] = decoded
		}
		return nil
	})
	return out, err
}

func (b *BoltBackend) Save(name string, fp tracked.Fingerprint) error {
	return b.SaveMany([]string{name}, []tracked.Fingerprint{fp})
}

func (b *BoltBackend) SaveMany(names []string, fps []tracked.Fingerprint) error {
	if len(names) != len(fps) {
		return fmt.Errorf("fingerprint.SaveMany: %d names but %d fingerprints", len(names), len(fps))
	}
	if len(names) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(fingerprintBucket)
		for i, name := range names {
			encoded, err := encodeFingerprint(fps[i])
			if err != nil {
				return fmt.Errorf("encode fingerprint for %q: %w", name, err)
			}
			if err := bucket.Put([]byte(name), encoded); err != nil {
				return fmt.Errorf("put fingerprint for %q: %w", name, err)
			}
		}
		return nil
	})
}

func (b *BoltBackend) Delete(name string) error {
	return b.DeleteMany([]string{name})
}

func (b *BoltBackend) DeleteMany(names []string) error {
	if len(names) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(fingerprintBucket)
		for _, name := range names {
			if err := bucket.Delete([]byte(name)); err != nil {
				return fmt.Errorf("delete fingerprint for %q: %w", name, err)
			}
		}
		return nil
	})
}

func (b *BoltBackend) Keys() ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(fingerprintBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
