package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucket   = []byte("checkpoints")
	inflight = []byte("inflight")
)

// Store persists the last committed sequence per (stream, partition) in a
// local BoltDB file, plus the sequences that were started but never
// committed. A batch nacked while a later one from the same partition
// commits stays in flight, so its redelivery is not mistaken for a replay.
type Store struct {
	db *bolt.DB
}

// Open initializes the BoltDB file and ensures the bucket exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucket, inflight} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init checkpoint bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func key(stream string, partition int) []byte {
	return []byte(fmt.Sprintf("%s/%d", stream, partition))
}

// 在途 key: stream/partition/ 后接 8 字节大端序号
func inflightKey(stream string, partition int, seq uint64) []byte {
	k := append(key(stream, partition), '/')
	return binary.BigEndian.AppendUint64(k, seq)
}

// Get returns the last committed sequence; ok is false when nothing was
// committed for the partition yet.
func (s *Store) Get(stream string, partition int) (seq uint64, ok bool, err error) {
	if s == nil || s.db == nil {
		return 0, false, bolt.ErrDatabaseNotOpen
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key(stream, partition))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("corrupt checkpoint %s/%d", stream, partition)
		}
		seq, ok = binary.BigEndian.Uint64(v), true
		return nil
	})
	return seq, ok, err
}

// Begin marks seq as in flight. It stays in flight until Commit, across
// restarts.
func (s *Store) Begin(stream string, partition int, seq uint64) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(inflight).Put(inflightKey(stream, partition, seq), []byte{})
	})
}

// Done reports whether seq was already committed: it is at or below the
// checkpoint and was not left in flight.
func (s *Store) Done(stream string, partition int, seq uint64) (bool, error) {
	committed, ok, err := s.Get(stream, partition)
	if err != nil || !ok || seq > committed {
		return false, err
	}
	var pending bool
	err = s.db.View(func(tx *bolt.Tx) error {
		pending = tx.Bucket(inflight).Get(inflightKey(stream, partition, seq)) != nil
		return nil
	})
	return !pending, err
}

// Commit records seq as processed and clears its in-flight mark. The
// checkpoint only moves forward; committing an older sequence that finished
// late just clears the mark.
func (s *Store) Commit(stream string, partition int, seq uint64) error {
	if s == nil || s.db == nil {
		return bolt.ErrDatabaseNotOpen
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(inflight).Delete(inflightKey(stream, partition, seq)); err != nil {
			return err
		}
		b := tx.Bucket(bucket)
		k := key(stream, partition)
		if v := b.Get(k); len(v) == 8 && binary.BigEndian.Uint64(v) >= seq {
			return nil
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, seq)
		return b.Put(k, buf)
	})
}

// Pending returns the in-flight sequences of one partition, ascending.
func (s *Store) Pending(stream string, partition int) ([]uint64, error) {
	if s == nil || s.db == nil {
		return nil, bolt.ErrDatabaseNotOpen
	}
	prefix := append(key(stream, partition), '/')
	var out []uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(inflight).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if rest := k[len(prefix):]; len(rest) == 8 {
				out = append(out, binary.BigEndian.Uint64(rest))
			}
		}
		return nil
	})
	return out, err
}

// Position is one committed checkpoint.
type Position struct {
	Stream    string `json:"stream"`
	Partition int    `json:"partition"`
	Sequence  uint64 `json:"sequence"`
}

// List returns every committed checkpoint in key order.
func (s *Store) List() ([]Position, error) {
	if s == nil || s.db == nil {
		return nil, bolt.ErrDatabaseNotOpen
	}
	var out []Position
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			i := bytes.LastIndexByte(k, '/')
			if i < 0 || len(v) != 8 {
				return nil
			}
			partition, err := strconv.Atoi(string(k[i+1:]))
			if err != nil {
				return nil
			}
			out = append(out, Position{
				Stream:    string(k[:i]),
				Partition: partition,
				Sequence:  binary.BigEndian.Uint64(v),
			})
			return nil
		})
	})
	return out, err
}
