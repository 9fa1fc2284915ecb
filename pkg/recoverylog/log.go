// Package recoverylog persists the dBFT round state Context.EncodeBinary
// produces so a restarted node can resume mid-round instead of replaying
// consensus from genesis (spec.md §4.4, "RecoveryLog").
package recoverylog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4"
	bolt "go.etcd.io/bbolt"

	"github.com/duoprime/dbft/pkg/dbft"
	dbftio "github.com/duoprime/dbft/pkg/io"
)

var roundBucket = []byte("consensus")
var latestKey = []byte("latest")

var errNoRound = errors.New("recoverylog: no persisted round state")

// Store is a bbolt-backed RecoveryLog: one key per height holding an
// lz4-compressed Context snapshot, plus a "latest" pointer so LoadRoundState
// doesn't have to scan the bucket looking for the highest key.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the recovery log at path, creating the consensus
// bucket on first use.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roundBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// SaveRoundState implements dbft.Config.SaveRoundState. It writes ctx under
// its height and repoints "latest" in the same transaction, so a crash
// mid-write never leaves the pointer referencing a partially written round.
func (s *Store) SaveRoundState(ctx *dbft.Context) error {
	raw, err := dbftio.ToByteArray(ctx)
	if err != nil {
		return err
	}
	key := heightKey(ctx.BlockIndex)
	compressed := compress(raw)

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(roundBucket)
		if err := b.Put(key, compressed); err != nil {
			return err
		}
		return b.Put(latestKey, key)
	})
}

// LoadRoundState implements dbft.Config.LoadRoundState. It returns the most
// recently saved round, or ok=false if nothing has ever been persisted.
func (s *Store) LoadRoundState() (*dbft.Context, bool) {
	var compressed []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(roundBucket)
		key := b.Get(latestKey)
		if key == nil {
			return errNoRound
		}
		v := b.Get(key)
		if v == nil {
			return errNoRound
		}
		compressed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false
	}

	raw, err := decompress(compressed)
	if err != nil {
		return nil, false
	}

	ctx := &dbft.Context{}
	if err := dbftio.FromByteArray(ctx, raw); err != nil {
		return nil, false
	}
	return ctx, true
}

func heightKey(h uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, h)
	return b
}

func compress(p []byte) []byte {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	_, _ = zw.Write(p)
	_ = zw.Close()
	return buf.Bytes()
}

func decompress(p []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(p))
	return io.ReadAll(zr)
}
