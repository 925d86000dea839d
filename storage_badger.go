package main

import (
	"encoding/binary"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Key prefixes. Badger has no buckets, so each record family gets its own
// prefix and prefix scans replace bucket iteration.
var (
	badgerPrefixBlock  = []byte("b/") // b/<hash> -> block bytes
	badgerPrefixHeight = []byte("h/") // h/<height be> -> hash
	badgerPrefixUTXO   = []byte("u/") // u/<tx hash> -> unspent entries

	badgerKeyTip     = []byte("m/tip")
	badgerKeyHeight  = []byte("m/height")
	badgerKeyUTXOTip = []byte("m/utxo_tip")
)

// BadgerStore is a ChainStore backed by badger.
type BadgerStore struct {
	db *badger.DB
}

func prefixed(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

// NewBadgerStore opens or creates a badger database in dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	return openBadgerStore(badgerOptions(dir))
}

func badgerOptions(dir string) badger.Options {
	return badger.DefaultOptions(dir).
		WithLogger(log.WithField("component", "badger")).
		WithLoggingLevel(badger.WARNING)
}

func openBadgerStore(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, storageErr(err, "open badger")
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return storageErr(err, "close badger")
	}
	return nil
}

// getValue returns nil without error when key is absent.
func getValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func readBadgerTip(txn *badger.Txn) (hash Hash, height uint64, found bool, err error) {
	tipData, err := getValue(txn, badgerKeyTip)
	if err != nil {
		return hash, 0, false, err
	}
	heightData, err := getValue(txn, badgerKeyHeight)
	if err != nil {
		return hash, 0, false, err
	}
	if tipData == nil {
		if heightData != nil {
			return hash, 0, false, errors.New("height metadata present without tip metadata")
		}
		return hash, 0, false, nil
	}
	if len(tipData) != len(hash) || len(heightData) != 8 {
		return hash, 0, false, errors.New("corrupt tip metadata")
	}
	copy(hash[:], tipData)
	return hash, binary.BigEndian.Uint64(heightData), true, nil
}

func (s *BadgerStore) tip() (hash Hash, height uint64, found bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		hash, height, found, err = readBadgerTip(txn)
		return err
	})
	if err != nil {
		err = storageErr(err, "read tip")
	}
	return
}

func (s *BadgerStore) LatestBlockHash() (Hash, bool, error) {
	hash, _, found, err := s.tip()
	return hash, found, err
}

func (s *BadgerStore) Height() (uint64, bool, error) {
	_, height, found, err := s.tip()
	return height, found, err
}

func (s *BadgerStore) GetBlock(hash Hash) (*Block, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		data, err = getValue(txn, prefixed(badgerPrefixBlock, hash[:]))
		return err
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

func (s *BadgerStore) GetBlockByHeight(height uint64) (*Block, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		raw, err = getValue(txn, prefixed(badgerPrefixHeight, heightKey(height)))
		return err
	})
	if err != nil {
		return nil, storageErr(err, "read height index")
	}
	if raw == nil {
		return nil, nil
	}
	var hash Hash
	if len(raw) != len(hash) {
		return nil, storageErr(errors.Errorf("invalid height index entry at %d", height), "read height index")
	}
	copy(hash[:], raw)
	return s.GetBlock(hash)
}

func (s *BadgerStore) HasBlock(hash Hash) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(prefixed(badgerPrefixBlock, hash[:]))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return false, storageErr(err, "read block")
	}
	return found, nil
}

func (s *BadgerStore) UpdateBlocks(hash Hash, block *Block, height uint64) error {
	if block == nil {
		return storageErr(errors.New("nil block"), "update blocks")
	}
	data := block.Serialize()

	err := s.db.Update(func(txn *badger.Txn) error {
		_, tipHeight, _, err := readBadgerTip(txn)
		if err != nil {
			return err
		}
		if height != tipHeight+1 {
			return errors.Errorf("height %d does not extend stored tip %d", height, tipHeight)
		}
		if err := txn.Set(prefixed(badgerPrefixBlock, hash[:]), data); err != nil {
			return err
		}
		if err := txn.Set(prefixed(badgerPrefixHeight, heightKey(height)), hash[:]); err != nil {
			return err
		}
		if err := txn.Set(badgerKeyTip, hash[:]); err != nil {
			return err
		}
		return txn.Set(badgerKeyHeight, heightKey(height))
	})
	if err != nil {
		return storageErr(err, "update blocks")
	}
	return nil
}

func (s *BadgerStore) GetUTXOSet() (UTXOMap, error) {
	set := make(UTXOMap)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(badgerPrefixUTXO); it.ValidForPrefix(badgerPrefixUTXO); it.Next() {
			item := it.Item()
			key := item.Key()[len(badgerPrefixUTXO):]
			if len(key) != len(Hash{}) {
				return errors.Errorf("invalid utxo key length %d", len(key))
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries, err := decodeUTXOEntries(v)
			if err != nil {
				return err
			}
			var h Hash
			copy(h[:], key)
			set[h] = entries
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err, "read utxo set")
	}
	return set, nil
}

func (s *BadgerStore) GetUTXO(txHash Hash) ([]UTXOEntry, error) {
	var entries []UTXOEntry
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := getValue(txn, prefixed(badgerPrefixUTXO, txHash[:]))
		if err != nil || v == nil {
			return err
		}
		entries, err = decodeUTXOEntries(v)
		return err
	})
	if err != nil {
		return nil, storageErr(err, "read utxo")
	}
	return entries, nil
}

func (s *BadgerStore) WriteUTXO(txHash Hash, entries []UTXOEntry) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := prefixed(badgerPrefixUTXO, txHash[:])
		if len(entries) == 0 {
			return txn.Delete(key)
		}
		return txn.Set(key, encodeUTXOEntries(entries))
	})
	if err != nil {
		return storageErr(err, "write utxo")
	}
	return nil
}

func utxoKeys(txn *badger.Txn) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(badgerPrefixUTXO); it.ValidForPrefix(badgerPrefixUTXO); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func deleteUTXOKeys(txn *badger.Txn) error {
	for _, k := range utxoKeys(txn) {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) ClearUTXOSet() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := deleteUTXOKeys(txn); err != nil {
			return err
		}
		return txn.Delete(badgerKeyUTXOTip)
	})
	if err != nil {
		return storageErr(err, "clear utxo set")
	}
	return nil
}

// ReplaceUTXOSet rewrites the index in one transaction. A set too large for
// one badger transaction (badger.ErrTxnTooBig) is rewritten in batches with
// the tip key removed first, so an interrupted rewrite reads as stale.
func (s *BadgerStore) ReplaceUTXOSet(set UTXOMap, tip Hash) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := deleteUTXOKeys(txn); err != nil {
			return err
		}
		for h, entries := range set {
			if len(entries) == 0 {
				continue
			}
			key := h
			if err := txn.Set(prefixed(badgerPrefixUTXO, key[:]), encodeUTXOEntries(entries)); err != nil {
				return err
			}
		}
		return txn.Set(badgerKeyUTXOTip, tip[:])
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		log.WithField("txs", len(set)).Debug("UTXO set exceeds one badger transaction, rewriting in batches")
		err = s.replaceUTXOSetBatched(set, tip)
	}
	if err != nil {
		return storageErr(err, "replace utxo set")
	}
	return nil
}

func (s *BadgerStore) replaceUTXOSetBatched(set UTXOMap, tip Hash) error {
	var stale [][]byte
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, k := range utxoKeys(txn) {
			var h Hash
			copy(h[:], k[len(badgerPrefixUTXO):])
			if len(set[h]) == 0 {
				stale = append(stale, k)
			}
		}
		return txn.Delete(badgerKeyUTXOTip)
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	for h, entries := range set {
		if len(entries) == 0 {
			continue
		}
		key := h
		if err := wb.Set(prefixed(badgerPrefixUTXO, key[:]), encodeUTXOEntries(entries)); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKeyUTXOTip, tip[:])
	})
}

func (s *BadgerStore) UTXOTip() (Hash, bool, error) {
	var hash Hash
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := getValue(txn, badgerKeyUTXOTip)
		if err != nil || v == nil {
			return err
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

var (
	_ ChainStore = (*BoltStore)(nil)
	_ ChainStore = (*BadgerStore)(nil)
)
