package cache

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/spotix/engine/internal/track"
)

var bucketChunks = []byte("chunks")

// record is the persisted form of one index entry.
type record struct {
	Key        track.ChunkKey
	Size       int64
	LastAccess time.Time
}

type recordJSON struct {
	TrackID    string `json:"track_id"`
	Offset     int64  `json:"offset"`
	Length     int64  `json:"length"`
	Size       int64  `json:"size"`
	LastAccess int64  `json:"last_access"` // unix nanos
}

// index persists the chunk table in a BoltDB file so the cache survives
// restarts. All methods are safe for concurrent use; bolt serializes
// writers internally.
type index struct {
	db *bolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketChunks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &index{db: db}, nil
}

// load returns every decodable record, oldest access first. Records that
// fail to decode are deleted rather than reported: a corrupt index entry
// is free space, not a cache-wide failure.
func (ix *index) load() []record {
	var records []record
	var corrupt [][]byte

	ix.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		return b.ForEach(func(k, v []byte) error {
			var rj recordJSON
			if err := json.Unmarshal(v, &rj); err != nil || rj.Size <= 0 || rj.Length <= 0 {
				key := make([]byte, len(k))
				copy(key, k)
				corrupt = append(corrupt, key)
				return nil
			}
			records = append(records, record{
				Key: track.ChunkKey{
					TrackID: rj.TrackID,
					Range:   track.ByteRange{Offset: rj.Offset, Length: rj.Length},
				},
				Size:       rj.Size,
				LastAccess: time.Unix(0, rj.LastAccess),
			})
			return nil
		})
	})

	if len(corrupt) > 0 {
		log.Debug().Int("count", len(corrupt)).Msg("Dropping corrupt cache index records")
		ix.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketChunks)
			for _, k := range corrupt {
				b.Delete(k)
			}
			return nil
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].LastAccess.Before(records[j].LastAccess)
	})
	return records
}

func (ix *index) put(key track.ChunkKey, size int64, lastAccess time.Time) {
	data, err := json.Marshal(recordJSON{
		TrackID:    key.TrackID,
		Offset:     key.Range.Offset,
		Length:     key.Range.Length,
		Size:       size,
		LastAccess: lastAccess.UnixNano(),
	})
	if err != nil {
		return
	}
	err = ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Put([]byte(key.String()), data)
	})
	if err != nil {
		log.Debug().Err(err).Str("chunk", key.String()).Msg("Failed to persist index entry")
	}
}

// touch rewrites the record's access time. The full record is small, so
// a rewrite is cheaper than read-modify-write inside one transaction.
func (ix *index) touch(key track.ChunkKey, lastAccess time.Time) {
	ix.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		v := b.Get([]byte(key.String()))
		if v == nil {
			return nil
		}
		var rj recordJSON
		if err := json.Unmarshal(v, &rj); err != nil {
			return nil
		}
		rj.LastAccess = lastAccess.UnixNano()
		data, err := json.Marshal(rj)
		if err != nil {
			return nil
		}
		return b.Put([]byte(key.String()), data)
	})
}

func (ix *index) remove(key track.ChunkKey) {
	ix.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Delete([]byte(key.String()))
	})
}

func (ix *index) clear() error {
	return ix.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketChunks); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketChunks)
		return err
	})
}

func (ix *index) close() error {
	return ix.db.Close()
}
