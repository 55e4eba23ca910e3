package storage

import (
	"sync"

	"github.com/bisq-network/bisq-sub073/src/common"
)

// Sequence is the last sequence number accepted for a payload hash, kept after
// the entry itself is gone. Removed is set when the number came from a signed
// removal, as opposed to an add whose entry was later swept locally.
type Sequence struct {
	Hash      []byte `codec:"hash"`
	Number    uint32 `codec:"seq"`
	Timestamp int64  `codec:"ts"`
	Removed   bool   `codec:"removed,omitempty"`
}

// CorruptHandler is told about every persisted record that could not be
// decoded. The record is deleted and loading continues.
type CorruptHandler func(key []byte, err error)

// Persistence is the disk collaborator of the Store. Writes happen on every
// accepted mutation.
type Persistence interface {
	Load(onCorrupt CorruptHandler) ([]*ProtectedStorageEntry, []Sequence, error)
	PutEntry(hash []byte, entry *ProtectedStorageEntry) error
	DeleteEntry(hash []byte) error
	PutSequence(seq Sequence) error
	DeleteSequence(hash []byte) error
	Close() error
}

// InmemPersistence keeps encoded records in maps. It is used by tests and when
// the node runs without a database.
type InmemPersistence struct {
	l         sync.Mutex
	entries   map[HashKey][]byte
	sequences map[HashKey][]byte
	closed    bool
}

// NewInmemPersistence ...
func NewInmemPersistence() *InmemPersistence {
	return &InmemPersistence{
		entries:   make(map[HashKey][]byte),
		sequences: make(map[HashKey][]byte),
	}
}

// Load implements Persistence.
func (p *InmemPersistence) Load(onCorrupt CorruptHandler) ([]*ProtectedStorageEntry, []Sequence, error) {
	p.l.Lock()
	defer p.l.Unlock()

	entries := []*ProtectedStorageEntry{}
	for k, b := range p.entries {
		e := new(ProtectedStorageEntry)
		if err := e.Unmarshal(b); err != nil {
			delete(p.entries, k)
			if onCorrupt != nil {
				onCorrupt(k.Bytes(), common.NewCorruptedErr("Entry", k.Bytes(), err))
			}
			continue
		}
		entries = append(entries, e)
	}

	sequences := []Sequence{}
	for k, b := range p.sequences {
		var s Sequence
		if err := common.Unmarshal(b, &s); err != nil {
			delete(p.sequences, k)
			if onCorrupt != nil {
				onCorrupt(k.Bytes(), common.NewCorruptedErr("Sequence", k.Bytes(), err))
			}
			continue
		}
		sequences = append(sequences, s)
	}

	return entries, sequences, nil
}

// PutEntry implements Persistence.
func (p *InmemPersistence) PutEntry(hash []byte, entry *ProtectedStorageEntry) error {
	b, err := entry.Marshal()
	if err != nil {
		return err
	}

	p.l.Lock()
	defer p.l.Unlock()
	if p.closed {
		return common.NewStoreErr("Entry", common.Closed, "")
	}
	p.entries[ToHashKey(hash)] = b
	return nil
}

// DeleteEntry implements Persistence.
func (p *InmemPersistence) DeleteEntry(hash []byte) error {
	p.l.Lock()
	defer p.l.Unlock()
	delete(p.entries, ToHashKey(hash))
	return nil
}

// PutSequence implements Persistence.
func (p *InmemPersistence) PutSequence(seq Sequence) error {
	b, err := common.Marshal(seq)
	if err != nil {
		return err
	}

	p.l.Lock()
	defer p.l.Unlock()
	if p.closed {
		return common.NewStoreErr("Sequence", common.Closed, "")
	}
	p.sequences[ToHashKey(seq.Hash)] = b
	return nil
}

// DeleteSequence implements Persistence.
func (p *InmemPersistence) DeleteSequence(hash []byte) error {
	p.l.Lock()
	defer p.l.Unlock()
	delete(p.sequences, ToHashKey(hash))
	return nil
}

// Close implements Persistence.
func (p *InmemPersistence) Close() error {
	p.l.Lock()
	defer p.l.Unlock()
	p.closed = true
	return nil
}

// EntryCount ...
func (p *InmemPersistence) EntryCount() int {
	p.l.Lock()
	defer p.l.Unlock()
	return len(p.entries)
}

// putRaw stores raw bytes under an entry key; used to simulate corruption.
func (p *InmemPersistence) putRaw(hash []byte, b []byte) {
	p.l.Lock()
	defer p.l.Unlock()
	p.entries[ToHashKey(hash)] = b
}
