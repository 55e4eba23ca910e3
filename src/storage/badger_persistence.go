package storage

import (
	"os"

	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/dgraph-io/badger"
	"github.com/sirupsen/logrus"
)

const (
	entryPrefix    = "entry_"
	sequencePrefix = "seq_"
)

// BadgerPersistence writes persistable entries and sequence records to a
// badger database, one key per record.
type BadgerPersistence struct {
	db   *badger.DB
	path string
}

// NewBadgerPersistence opens, or creates, the database in path.
func NewBadgerPersistence(path string, logger *logrus.Entry) (*BadgerPersistence, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = badgerLogger{logger}

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerPersistence{
		db:   handle,
		path: path,
	}, nil
}

//==============================================================================
//Keys

func entryKey(hash []byte) []byte {
	return append([]byte(entryPrefix), hash...)
}

func sequenceKey(hash []byte) []byte {
	return append([]byte(sequencePrefix), hash...)
}

//==============================================================================
//Implement the Persistence interface

// Load implements Persistence. Records that fail to decode are reported,
// deleted, and skipped.
func (b *BadgerPersistence) Load(onCorrupt CorruptHandler) ([]*ProtectedStorageEntry, []Sequence, error) {
	entries := []*ProtectedStorageEntry{}
	sequences := []Sequence{}
	corrupt := [][]byte{}

	report := func(dataType string, key []byte, err error) {
		corrupt = append(corrupt, key)
		if onCorrupt != nil {
			onCorrupt(key, common.NewCorruptedErr(dataType, key, err))
		}
	}

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(entryPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)

			val, err := item.ValueCopy(nil)
			if err != nil {
				report("Entry", key, err)
				continue
			}

			e := new(ProtectedStorageEntry)
			if err := e.Unmarshal(val); err != nil {
				report("Entry", key, err)
				continue
			}
			entries = append(entries, e)
		}

		prefix = []byte(sequencePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)

			val, err := item.ValueCopy(nil)
			if err != nil {
				report("Sequence", key, err)
				continue
			}

			var s Sequence
			if err := common.Unmarshal(val, &s); err != nil {
				report("Sequence", key, err)
				continue
			}
			sequences = append(sequences, s)
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	if len(corrupt) > 0 {
		err = b.db.Update(func(txn *badger.Txn) error {
			for _, k := range corrupt {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}

	return entries, sequences, nil
}

// PutEntry implements Persistence.
func (b *BadgerPersistence) PutEntry(hash []byte, entry *ProtectedStorageEntry) error {
	val, err := entry.Marshal()
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(hash), val)
	})
}

// DeleteEntry implements Persistence.
func (b *BadgerPersistence) DeleteEntry(hash []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(hash))
	})
}

// PutSequence implements Persistence.
func (b *BadgerPersistence) PutSequence(seq Sequence) error {
	val, err := common.Marshal(seq)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sequenceKey(seq.Hash), val)
	})
}

// DeleteSequence implements Persistence.
func (b *BadgerPersistence) DeleteSequence(hash []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sequenceKey(hash))
	})
}

// Close implements Persistence.
func (b *BadgerPersistence) Close() error {
	return b.db.Close()
}

// Path returns the directory of the database.
func (b *BadgerPersistence) Path() string {
	return b.path
}

// setRaw writes raw bytes under key; used by tests to simulate corruption.
func (b *BadgerPersistence) setRaw(key, val []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// badgerLogger routes badger's logs to logrus. Info is demoted to Debug.
type badgerLogger struct {
	entry *logrus.Entry
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.entry.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.entry.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.entry.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.entry.Debugf(f, v...) }
