package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// ChainStore persists blocks, the chain tip and the UTXO index. Every
// method that fails returns an error matching ErrStorage.
type ChainStore interface {
	// LatestBlockHash returns the tip hash; ok is false for an empty store.
	LatestBlockHash() (hash Hash, ok bool, err error)
	// Height returns the tip height; ok is false for an empty store.
	Height() (height uint64, ok bool, err error)
	// GetBlock returns nil without error when the hash is unknown.
	GetBlock(hash Hash) (*Block, error)
	// GetBlockByHeight returns nil without error above the tip.
	GetBlockByHeight(height uint64) (*Block, error)
	HasBlock(hash Hash) (bool, error)
	// UpdateBlocks writes the block, its height index entry, the tip hash
	// and the height in one transaction.
	UpdateBlocks(hash Hash, block *Block, height uint64) error

	GetUTXOSet() (UTXOMap, error)
	GetUTXO(txHash Hash) ([]UTXOEntry, error)
	WriteUTXO(txHash Hash, entries []UTXOEntry) error
	ClearUTXOSet() error
	// ReplaceUTXOSet clears and rewrites the index in one transaction and
	// records the tip it was computed for.
	ReplaceUTXOSet(set UTXOMap, tip Hash) error
	// UTXOTip returns the tip recorded by the last ReplaceUTXOSet.
	UTXOTip() (hash Hash, ok bool, err error)

	Close() error
}

// Storage engines selectable through configuration.
const (
	StorageEngineBolt   = "bolt"
	StorageEngineBadger = "badger"
)

// OpenChainStore opens the configured storage engine under dataDir.
func OpenChainStore(engine, dataDir string) (ChainStore, error) {
	switch engine {
	case "", StorageEngineBolt:
		return NewBoltStore(dataDir)
	case StorageEngineBadger:
		return NewBadgerStore(filepath.Join(dataDir, DefaultBadgerDirname))
	default:
		return nil, errors.Errorf("unknown storage engine %q", engine)
	}
}

// ============================================================================
// Block iteration
// ============================================================================

// BlockIterator lazily walks stored blocks in height order, from genesis to
// the tip observed when the iterator was created.
type BlockIterator struct {
	store ChainStore
	next  uint64
	end   uint64
	block *Block
	err   error
}

// NewBlockIterator snapshots the store height and starts at genesis.
func NewBlockIterator(store ChainStore) (*BlockIterator, error) {
	height, _, err := store.Height()
	if err != nil {
		return nil, err
	}
	return &BlockIterator{store: store, next: 1, end: height}, nil
}

// Next loads the following block. It returns false at the end or on error.
func (it *BlockIterator) Next() bool {
	if it.err != nil || it.next > it.end {
		return false
	}
	b, err := it.store.GetBlockByHeight(it.next)
	if err != nil {
		it.err = err
		return false
	}
	if b == nil {
		it.err = storageErr(errors.Errorf("missing block at height %d", it.next), "iterate blocks")
		return false
	}
	it.block = b
	it.next++
	return true
}

func (it *BlockIterator) Block() *Block { return it.block }

func (it *BlockIterator) Err() error { return it.err }

// Total is the number of blocks the iterator will visit.
func (it *BlockIterator) Total() uint64 { return it.end }

// ============================================================================
// bbolt
// ============================================================================

// Bucket names
var (
	bucketBlocks  = []byte("blocks")  // hash -> block bytes
	bucketHeights = []byte("heights") // height (big-endian) -> hash
	bucketUTXO    = []byte("utxo")    // tx hash -> unspent entries
	bucketMeta    = []byte("meta")    // metadata: tip, height, utxo tip

	metaKeyTip     = []byte("tip")
	metaKeyHeight  = []byte("height")
	metaKeyUTXOTip = []byte("utxo_tip")
)

// BoltStore is the default ChainStore, backed by bbolt.
type BoltStore struct {
	db *bolt.DB
}

func heightKey(height uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, height)
	return key
}

func readTipMeta(meta *bolt.Bucket) (hash Hash, height uint64, found bool, err error) {
	tipData := meta.Get(metaKeyTip)
	heightData := meta.Get(metaKeyHeight)

	if tipData == nil {
		if heightData != nil {
			return hash, 0, false, errors.New("height metadata present without tip metadata")
		}
		return hash, 0, false, nil
	}
	if len(tipData) != len(hash) {
		return hash, 0, false, errors.Errorf("invalid tip hash length: got %d", len(tipData))
	}
	if len(heightData) != 8 {
		return hash, 0, false, errors.Errorf("invalid tip height length: got %d", len(heightData))
	}

	copy(hash[:], tipData)
	height = binary.BigEndian.Uint64(heightData)
	return hash, height, true, nil
}

// NewBoltStore opens or creates the chain database
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, storageErr(err, "create data directory")
	}

	dbPath := filepath.Join(dataDir, DefaultChainDBFilename)
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		NoSync:  false, // Ensure durability
		Timeout: time.Second,
	})
	if err != nil {
		return nil, storageErr(err, "open database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBlocks, bucketHeights, bucketUTXO, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, storageErr(err, "create buckets")
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return storageErr(err, "close database")
	}
	return nil
}

func (s *BoltStore) tip() (hash Hash, height uint64, found bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		hash, height, found, err = readTipMeta(tx.Bucket(bucketMeta))
		return err
	})
	if err != nil {
		err = storageErr(err, "read tip")
	}
	return
}

func (s *BoltStore) LatestBlockHash() (Hash, bool, error) {
	hash, _, found, err := s.tip()
	return hash, found, err
}

func (s *BoltStore) Height() (uint64, bool, error) {
	_, height, found, err := s.tip()
	return height, found, err
}

func (s *BoltStore) GetBlock(hash Hash) (*Block, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketBlocks).Get(hash[:]); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err, "read block")
	}
	if data == nil {
		return nil, nil
	}
	b, err := DeserializeBlock(data)
	if err != nil {
		return nil, storageErr(err, "decode block "+hash.String())
	}
	return b, nil
}

func (s *BoltStore) GetBlockByHeight(height uint64) (*Block, error) {
	var hash Hash
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeights).Get(heightKey(height))
		if v == nil {
			return nil
		}
		if len(v) != len(hash) {
			return errors.Errorf("invalid height index entry at %d", height)
		}
		copy(hash[:], v)
		found = true
		return nil
	})
	if err != nil {
		return nil, storageErr(err, "read height index")
	}
	if !found {
		return nil, nil
	}
	return s.GetBlock(hash)
}

func (s *BoltStore) HasBlock(hash Hash) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketBlocks).Get(hash[:]) != nil
		return nil
	})
	if err != nil {
		return false, storageErr(err, "read block")
	}
	return found, nil
}

// UpdateBlocks commits a block and moves the tip in a single bbolt
// transaction. The new height must extend the stored tip by one.
func (s *BoltStore) UpdateBlocks(hash Hash, block *Block, height uint64) error {
	if block == nil {
		return storageErr(errors.New("nil block"), "update blocks")
	}
	data := block.Serialize()

	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		_, tipHeight, _, err := readTipMeta(meta)
		if err != nil {
			return err
		}
		if height != tipHeight+1 {
			return errors.Errorf("height %d does not extend stored tip %d", height, tipHeight)
		}

		if err := tx.Bucket(bucketBlocks).Put(hash[:], data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHeights).Put(heightKey(height), hash[:]); err != nil {
			return err
		}
		if err := meta.Put(metaKeyTip, hash[:]); err != nil {
			return err
		}
		return meta.Put(metaKeyHeight, heightKey(height))
	})
	if err != nil {
		return storageErr(err, "update blocks")
	}
	return nil
}

func (s *BoltStore) GetUTXOSet() (UTXOMap, error) {
	set := make(UTXOMap)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUTXO).ForEach(func(k, v []byte) error {
			if len(k) != len(Hash{}) {
				return errors.Errorf("invalid utxo key length %d", len(k))
			}
			entries, err := decodeUTXOEntries(v)
			if err != nil {
				return err
			}
			var h Hash
			copy(h[:], k)
			set[h] = entries
			return nil
		})
	})
	if err != nil {
		return nil, storageErr(err, "read utxo set")
	}
	return set, nil
}

func (s *BoltStore) GetUTXO(txHash Hash) ([]UTXOEntry, error) {
	var entries []UTXOEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUTXO).Get(txHash[:])
		if v == nil {
			return nil
		}
		var err error
		entries, err = decodeUTXOEntries(v)
		return err
	})
	if err != nil {
		return nil, storageErr(err, "read utxo")
	}
	return entries, nil
}

func (s *BoltStore) WriteUTXO(txHash Hash, entries []UTXOEntry) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUTXO)
		if len(entries) == 0 {
			return b.Delete(txHash[:])
		}
		return b.Put(txHash[:], encodeUTXOEntries(entries))
	})
	if err != nil {
		return storageErr(err, "write utxo")
	}
	return nil
}

func resetUTXOBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	if err := tx.DeleteBucket(bucketUTXO); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return nil, err
	}
	return tx.CreateBucket(bucketUTXO)
}

func (s *BoltStore) ClearUTXOSet() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := resetUTXOBucket(tx); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Delete(metaKeyUTXOTip)
	})
	if err != nil {
		return storageErr(err, "clear utxo set")
	}
	return nil
}

func (s *BoltStore) ReplaceUTXOSet(set UTXOMap, tip Hash) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := resetUTXOBucket(tx)
		if err != nil {
			return err
		}
		for h, entries := range set {
			if len(entries) == 0 {
				continue
			}
			key := h
			if err := b.Put(key[:], encodeUTXOEntries(entries)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(metaKeyUTXOTip, tip[:])
	})
	if err != nil {
		return storageErr(err, "replace utxo set")
	}
	return nil
}

func (s *BoltStore) UTXOTip() (Hash, bool, error) {
	var hash Hash
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(metaKeyUTXOTip)
		if v == nil {
			return nil
		}
		if len(v) != len(hash) {
			return errors.Errorf("invalid utxo tip length %d", len(v))
		}
		copy(hash[:], v)
		found = true
		return nil
	})
	if err != nil {
		return hash, false, storageErr(err, "read utxo tip")
	}
	return hash, found, nil
}
