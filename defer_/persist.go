package defer_

import (
	"encoding/binary"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// Deferral records are persisted in a single bbolt bucket so a restart does
// not forget which flows are mid-greylist or mid-backoff (spec.md section 9,
// "KV snapshot persistence"; SPEC_FULL.md section 2.3, "C9 deferral
// snapshot"). Keyed by flow+"\x1f"+class, mirroring package dnslist's
// AbuseThrottle bucket layout.
var recordBucket = []byte("defer-records")

const recordValueLen = 24 // firstSeen(8) + lastSeen(8) + count(8), big-endian.

// NewWithDB constructs a Controller and loads any previously persisted
// records from db. db may be nil, in which case the Controller behaves
// exactly like New and nothing is persisted.
func NewWithDB(db *bbolt.DB) (*Controller, error) {
	c := &Controller{records: map[key]*record{}, db: db}
	if db == nil {
		return c, nil
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(recordBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			fk, ok := decodeKey(string(k))
			if !ok || len(v) != recordValueLen {
				return nil
			}
			c.records[fk] = &record{
				firstSeen: time.Unix(int64(binary.BigEndian.Uint64(v[0:8])), 0),
				lastSeen:  time.Unix(int64(binary.BigEndian.Uint64(v[8:16])), 0),
				count:     int(binary.BigEndian.Uint64(v[16:24])),
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Snapshot persists every current deferral record into db, replacing
// whatever was stored before. Called periodically, not on every Defer, since
// a few seconds of lost backoff state after a crash is acceptable (spec.md
// section 5 applies the same tolerance to the in-memory maps it describes).
func (c *Controller) Snapshot(db *bbolt.DB) error {
	c.mu.Lock()
	entries := make(map[key]record, len(c.records))
	for k, r := range c.records {
		entries[k] = *r
	}
	c.mu.Unlock()

	return db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(recordBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(recordBucket)
		if err != nil {
			return err
		}
		for k, r := range entries {
			var buf [recordValueLen]byte
			binary.BigEndian.PutUint64(buf[0:8], uint64(r.firstSeen.Unix()))
			binary.BigEndian.PutUint64(buf[8:16], uint64(r.lastSeen.Unix()))
			binary.BigEndian.PutUint64(buf[16:24], uint64(r.count))
			if err := b.Put([]byte(encodeKey(k)), buf[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeKey(k key) string {
	return k.flow + "\x1f" + string(k.class)
}

func decodeKey(s string) (key, bool) {
	flow, class, ok := strings.Cut(s, "\x1f")
	if !ok {
		return key{}, false
	}
	return key{flow: flow, class: Class(class)}, true
}
