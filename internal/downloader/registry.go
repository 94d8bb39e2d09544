package downloader

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"torrentstream/internal/engine"
)

var torrentsBucket = []byte("torrents")

// registryRecord is the resume-on-restart record persisted per handle:
// enough to re-addTorrent using the same magnet/path and resume-data
// blob. Single bucket, one JSON value per key, following
// khushveer007-tdm's internal/repository/bbolt.go shape.
type registryRecord struct {
	MagnetOrPath   string                      `json:"magnet_or_path"`
	ResumeDataPath string                      `json:"resume_data_path,omitempty"`
	FilePriorities map[int]engine.FilePriority `json:"file_priorities,omitempty"`
}

// Registry persists the HandleId -> registryRecord mapping across
// process restarts.
type Registry struct {
	db *bbolt.DB
}

// OpenRegistry opens (creating if absent) the bbolt database at path.
func OpenRegistry(path string) (*Registry, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("downloader: open registry: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(torrentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("downloader: init registry bucket: %w", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

func handleKey(id engine.HandleId) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// Put persists (or overwrites) the record for id.
func (r *Registry) Put(id engine.HandleId, rec registryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("downloader: marshal registry record: %w", err)
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(torrentsBucket).Put(handleKey(id), data)
	})
}

// Delete removes the record for id, e.g. once the handle is released.
func (r *Registry) Delete(id engine.HandleId) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(torrentsBucket).Delete(handleKey(id))
	})
}

// All returns every persisted record, keyed by the HandleId decoded from
// its 8-byte big-endian bucket key.
func (r *Registry) All() (map[engine.HandleId]registryRecord, error) {
	out := make(map[engine.HandleId]registryRecord)
	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(torrentsBucket)
		return b.ForEach(func(k, v []byte) error {
			var rec registryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("downloader: unmarshal registry record: %w", err)
			}
			out[engine.HandleId(binary.BigEndian.Uint64(k))] = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
