// Package buffer persists agent events that could not be delivered to the
// controller. Events survive agent restarts and are drained oldest-first by
// the sync loop; once the buffer is full the oldest entries give way to new
// ones.
package buffer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/fleetlab/slm/internal/protocol"
)

// DefaultCapacity bounds how many events the buffer retains.
const DefaultCapacity = 10000

var bucketEvents = []byte("events")

// Buffer is a durable FIFO of undelivered events backed by a single
// bbolt bucket. Keys are big-endian sequence numbers, so cursor order
// is append order.
type Buffer struct {
	db       *bolt.DB
	capacity int
	log      zerolog.Logger
}

// Open opens or creates the buffer database at path.
func Open(path string, log zerolog.Logger) (*Buffer, error) {
	return OpenWithCapacity(path, DefaultCapacity, log)
}

// OpenWithCapacity opens the buffer with a non-default retention bound.
// A store that cannot be opened is moved aside and replaced with a fresh
// one; buffered events are lost but the agent keeps running.
func OpenWithCapacity(path string, capacity int, log zerolog.Logger) (*Buffer, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	blog := log.With().Str("component", "buffer").Logger()
	db, err := openDB(path)
	if err != nil {
		aside := path + ".corrupt"
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("failed to open buffer database: %w", err)
		}
		blog.Warn().Err(err).Str("moved_to", aside).Msg("Buffer store unusable, starting fresh")
		db, err = openDB(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open buffer database: %w", err)
		}
	}
	return &Buffer{
		db:       db,
		capacity: capacity,
		log:      blog,
	}, nil
}

func openDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create events bucket: %w", err)
	}
	return db, nil
}

// Close closes the underlying database.
func (b *Buffer) Close() error {
	return b.db.Close()
}

// Append stores one event and returns its assigned sequence number. When
// the buffer is at capacity the oldest events are dropped to make room.
func (b *Buffer) Append(ev protocol.BufferedEvent) (uint64, error) {
	var seq uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketEvents)
		var err error
		seq, err = bkt.NextSequence()
		if err != nil {
			return err
		}
		ev.Seq = seq
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		if err := bkt.Put(seqKey(seq), data); err != nil {
			return err
		}
		// Keys form a contiguous range: appends are sequential and
		// deletes only ever remove the head. Oldest = first key.
		c := bkt.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.First() {
			oldest := binary.BigEndian.Uint64(k)
			if seq-oldest+1 <= uint64(b.capacity) {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
			b.log.Warn().Uint64("seq", oldest).Msg("buffer full, dropped oldest event")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Next returns up to limit of the oldest buffered events without
// removing them. Call Ack after the controller confirms delivery.
func (b *Buffer) Next(limit int) ([]protocol.BufferedEvent, error) {
	if limit <= 0 || limit > protocol.MaxSyncBatch {
		limit = protocol.MaxSyncBatch
	}
	var out []protocol.BufferedEvent
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var ev protocol.BufferedEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("failed to decode event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ack deletes every event with sequence <= upTo. Acking already-deleted
// sequences is a no-op, so replays after a crash are harmless.
func (b *Buffer) Ack(upTo uint64) (int, error) {
	var n int
	err := b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= upTo; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Len reports how many events are waiting for delivery.
func (b *Buffer) Len() (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
