package storage

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/bisq-network/bisq-sub073/src/crypto/keys"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/sirupsen/logrus"
)

// Store is the protected data store.
type Store struct {
	// writeLock serializes the acceptance test, the mutation and its
	// publication.
	writeLock sync.Mutex

	// l guards the maps for readers.
	l         sync.RWMutex
	entries   map[HashKey]*ProtectedStorageEntry
	sequences map[HashKey]Sequence

	persistence Persistence
	publisher   Publisher
	clock       clock.Clock
	logger      *logrus.Entry

	sequencePurgeAge   time.Duration
	maxSequenceRecords int
}

// NewStore creates an empty store. persistence and publisher may be nil.
func NewStore(persistence Persistence, publisher Publisher, clk clock.Clock, logger *logrus.Entry) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Store{
		entries:            make(map[HashKey]*ProtectedStorageEntry),
		sequences:          make(map[HashKey]Sequence),
		persistence:        persistence,
		publisher:          publisher,
		clock:              clk,
		logger:             logger,
		sequencePurgeAge:   30 * 24 * time.Hour,
		maxSequenceRecords: 100000,
	}
}

// SetSequencePurge configures how long sequence records of removed entries
// are kept, and how many records trigger purging of the oldest ones.
func (s *Store) SetSequencePurge(age time.Duration, max int) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	s.sequencePurgeAge = age
	s.maxSequenceRecords = max
}

// Load seeds the store from persistence. Records that cannot be decoded, that
// fail verification, or that have expired are discarded. Nothing is
// published. It returns the number of entries loaded.
func (s *Store) Load() (int, error) {
	if s.persistence == nil {
		return 0, nil
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	entries, sequences, err := s.persistence.Load(func(key []byte, err error) {
		s.logger.WithFields(logrus.Fields{
			"key":   common.ShortHex(key, 16),
			"error": err,
		}).Warn("Discarding corrupt record")
	})
	if err != nil {
		return 0, err
	}

	now := s.nowMillis()

	s.l.Lock()
	defer s.l.Unlock()

	for _, seq := range sequences {
		s.sequences[ToHashKey(seq.Hash)] = seq
	}

	loaded := 0
	for _, e := range entries {
		hash := e.Hash()
		key := ToHashKey(hash)

		if !e.Payload.Valid() || !e.VerifySignature(e.Payload.AddOwner()) {
			s.logger.WithField("hash", key.String()).Warn("Discarding persisted entry with invalid signature")
			s.persistDelete(hash)
			continue
		}
		if e.IsExpired(now) {
			s.persistDelete(hash)
			continue
		}

		s.entries[key] = e
		if seq, ok := s.sequences[key]; !ok || seq.Number < e.SequenceNumber {
			s.sequences[key] = Sequence{Hash: hash, Number: e.SequenceNumber, Timestamp: now}
		}
		loaded++
	}

	return loaded, nil
}

//==============================================================================
//Mutations

// TryAdd applies an add. source is the peer the entry came from (zero for
// local adds) and gossip tells the publisher whether to forward it.
func (s *Store) TryAdd(entry *ProtectedStorageEntry, source peers.NodeAddress, gossip bool) (Result, error) {
	if entry == nil || !entry.Payload.Valid() {
		return rejected(InvalidPayload), nil
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	now := s.nowMillis()
	hash := entry.Hash()
	key := ToHashKey(hash)

	owner := entry.Payload.AddOwner()
	if !bytes.Equal(entry.OwnerPubKey, owner) {
		return rejected(OwnerMismatch), nil
	}
	if !entry.VerifySignature(owner) {
		return rejected(InvalidSignature), nil
	}

	if entry.Payload.TTL <= 0 {
		return rejected(InvalidTTL), nil
	}
	created := entry.CreationTimestamp
	if created > now {
		created = now
	}
	if now >= created+entry.Payload.TTL {
		return rejected(Expired), nil
	}

	s.l.RLock()
	stored := s.entries[key]
	seq, hasSeq := s.sequences[key]
	s.l.RUnlock()

	if stored != nil &&
		stored.SequenceNumber == entry.SequenceNumber &&
		bytes.Equal(stored.Signature, entry.Signature) {
		return duplicate(), nil
	}
	if stored != nil && !bytes.Equal(stored.OwnerPubKey, entry.OwnerPubKey) {
		return rejected(OwnerMismatch), nil
	}
	if hasSeq && entry.SequenceNumber <= seq.Number && !readmits(seq, stored, entry) {
		return rejected(StaleSequence), nil
	}

	e := *entry
	e.CreationTimestamp = created
	rec := Sequence{Hash: hash, Number: e.SequenceNumber, Timestamp: now}

	s.l.Lock()
	s.entries[key] = &e
	s.sequences[key] = rec
	s.l.Unlock()

	var err error
	if e.Payload.Persistable() {
		err = s.persistPut(hash, &e)
	}
	if serr := s.persistSequence(rec); err == nil {
		err = serr
	}

	s.publish(Mutation{
		Kind:    Added,
		Entry:   &e,
		Existed: true,
		Source:  source,
		Gossip:  gossip,
	})

	return accepted(), err
}

// readmits is true when entry carries the sequence number of an entry that
// was swept locally (expired or dead owner) rather than removed by its owner.
// The owner's unchanged entry is then accepted again.
func readmits(seq Sequence, stored, entry *ProtectedStorageEntry) bool {
	return stored == nil && !seq.Removed && entry.SequenceNumber == seq.Number
}

// TryRemove applies a signed removal. The signature is checked against the
// removal owner of the stored payload, so no other key can evict it. A
// removal of an entry that is not stored is checked against the payload it
// carries; if accepted, its sequence number is recorded so that the add
// cannot be replayed later.
func (s *Store) TryRemove(removal *ProtectedStorageEntry, source peers.NodeAddress, gossip bool) (Result, error) {
	if removal == nil || !removal.Payload.Valid() {
		return rejected(InvalidPayload), nil
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	now := s.nowMillis()
	hash := removal.Hash()
	key := ToHashKey(hash)

	s.l.RLock()
	stored := s.entries[key]
	seq, hasSeq := s.sequences[key]
	s.l.RUnlock()

	owner := removal.Payload.RemoveOwner()
	if stored != nil {
		owner = stored.Payload.RemoveOwner()
	}
	if !bytes.Equal(removal.OwnerPubKey, owner) {
		return rejected(OwnerMismatch), nil
	}
	if !removal.VerifySignature(owner) {
		return rejected(InvalidSignature), nil
	}
	if hasSeq && removal.SequenceNumber <= seq.Number {
		return rejected(StaleSequence), nil
	}

	rec := Sequence{Hash: hash, Number: removal.SequenceNumber, Timestamp: now, Removed: true}

	s.l.Lock()
	delete(s.entries, key)
	s.sequences[key] = rec
	s.l.Unlock()

	var err error
	if stored != nil && stored.Payload.Persistable() {
		err = s.persistDelete(hash)
	}
	if serr := s.persistSequence(rec); err == nil {
		err = serr
	}

	m := Mutation{
		Kind:    Removed,
		Entry:   stored,
		Removal: removal,
		Cause:   RemovedByOwner,
		Existed: stored != nil,
		Source:  source,
		Gossip:  gossip,
	}
	if stored == nil {
		m.Entry = removal
	}
	s.publish(m)

	return accepted(), err
}

// Refresh restarts the TTL clock of a stored entry.
func (s *Store) Refresh(offer *RefreshOffer, source peers.NodeAddress, gossip bool) (Result, error) {
	if offer == nil || len(offer.PayloadHash) != len(HashKey{}) {
		return rejected(InvalidPayload), nil
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	now := s.nowMillis()
	key := ToHashKey(offer.PayloadHash)

	s.l.RLock()
	stored := s.entries[key]
	seq, hasSeq := s.sequences[key]
	s.l.RUnlock()

	if stored == nil || stored.IsExpired(now) {
		return rejected(NotFound), nil
	}

	owner := stored.Payload.AddOwner()
	if !keys.Verify(owner, SignatureHash(offer.PayloadHash, offer.SequenceNumber), offer.Signature) {
		return rejected(InvalidSignature), nil
	}
	if hasSeq && offer.SequenceNumber <= seq.Number {
		return rejected(StaleSequence), nil
	}

	e := *stored
	e.SequenceNumber = offer.SequenceNumber
	e.Signature = offer.Signature
	e.CreationTimestamp = now
	rec := Sequence{Hash: offer.PayloadHash, Number: offer.SequenceNumber, Timestamp: now}

	s.l.Lock()
	s.entries[key] = &e
	s.sequences[key] = rec
	s.l.Unlock()

	var err error
	if e.Payload.Persistable() {
		err = s.persistPut(offer.PayloadHash, &e)
	}
	if serr := s.persistSequence(rec); err == nil {
		err = serr
	}

	s.publish(Mutation{
		Kind:    Refreshed,
		Entry:   &e,
		Refresh: offer,
		Existed: true,
		Source:  source,
		Gossip:  gossip,
	})

	return accepted(), err
}

// ExpireSweep removes every entry whose TTL has lapsed and purges old
// sequence records. Removals are published locally but not gossiped. It
// returns the number of entries removed.
func (s *Store) ExpireSweep() int {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	now := s.nowMillis()

	removed := s.removeWhere(func(e *ProtectedStorageEntry) bool {
		return e.IsExpired(now)
	}, RemovedExpired)

	if purged := s.purgeSequences(now); purged > 0 {
		s.logger.WithField("purged", purged).Debug("Purged sequence records")
	}

	return removed
}

// RemoveOwnerEntries drops the entries whose payload requires its owner to be
// online and names addr as the owner's address. Removals are published
// locally but not gossiped; every peer observes the disconnection itself.
func (s *Store) RemoveOwnerEntries(addr peers.NodeAddress) int {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	return s.removeWhere(func(e *ProtectedStorageEntry) bool {
		return e.Payload.RequiresOwnerIsOnline() && *e.Payload.OwnerAddress == addr
	}, RemovedOwnerOffline)
}

// removeWhere must be called with writeLock held.
func (s *Store) removeWhere(match func(*ProtectedStorageEntry) bool, cause RemoveCause) int {
	s.l.Lock()
	removed := []*ProtectedStorageEntry{}
	for k, e := range s.entries {
		if match(e) {
			delete(s.entries, k)
			removed = append(removed, e)
		}
	}
	s.l.Unlock()

	for _, e := range removed {
		if e.Payload.Persistable() {
			s.persistDelete(e.Hash())
		}
		s.publish(Mutation{
			Kind:    Removed,
			Entry:   e,
			Cause:   cause,
			Existed: true,
		})
	}

	return len(removed)
}

// purgeSequences must be called with writeLock held. Records without a live
// entry are dropped once older than the purge age, then the oldest ones are
// dropped while the map exceeds its maximum size.
func (s *Store) purgeSequences(now int64) int {
	cutoff := now - int64(s.sequencePurgeAge/time.Millisecond)

	s.l.Lock()
	purged := [][]byte{}
	candidates := []Sequence{}
	for k, rec := range s.sequences {
		if _, live := s.entries[k]; live {
			continue
		}
		if rec.Timestamp < cutoff {
			delete(s.sequences, k)
			purged = append(purged, rec.Hash)
			continue
		}
		candidates = append(candidates, rec)
	}

	if s.maxSequenceRecords > 0 && len(s.sequences) > s.maxSequenceRecords {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Timestamp < candidates[j].Timestamp
		})
		for _, rec := range candidates {
			if len(s.sequences) <= s.maxSequenceRecords {
				break
			}
			delete(s.sequences, ToHashKey(rec.Hash))
			purged = append(purged, rec.Hash)
		}
	}
	s.l.Unlock()

	if s.persistence != nil {
		for _, h := range purged {
			if err := s.persistence.DeleteSequence(h); err != nil {
				s.logger.WithError(err).Error("Deleting sequence record")
			}
		}
	}

	return len(purged)
}

//==============================================================================
//Reads

// Get returns the entry stored under hash, unless its TTL has lapsed. The
// returned entry must not be modified.
func (s *Store) Get(hash []byte) (*ProtectedStorageEntry, bool) {
	now := s.nowMillis()

	s.l.RLock()
	defer s.l.RUnlock()

	e, ok := s.entries[ToHashKey(hash)]
	if !ok || e.IsExpired(now) {
		return nil, false
	}
	return e, true
}

// Contains ...
func (s *Store) Contains(hash []byte) bool {
	_, ok := s.Get(hash)
	return ok
}

// Snapshot returns every unexpired entry, oldest first.
func (s *Store) Snapshot() []*ProtectedStorageEntry {
	return s.Filter(nil)
}

// Filter returns the unexpired entries for which keep returns true, oldest
// first. A nil keep selects everything.
func (s *Store) Filter(keep func(*ProtectedStorageEntry) bool) []*ProtectedStorageEntry {
	now := s.nowMillis()

	s.l.RLock()
	res := make([]*ProtectedStorageEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.IsExpired(now) {
			continue
		}
		if keep == nil || keep(e) {
			res = append(res, e)
		}
	}
	s.l.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if res[i].CreationTimestamp != res[j].CreationTimestamp {
			return res[i].CreationTimestamp < res[j].CreationTimestamp
		}
		return bytes.Compare(res[i].Signature, res[j].Signature) < 0
	})

	return res
}

// Hashes returns the hashes of every unexpired entry.
func (s *Store) Hashes() [][]byte {
	now := s.nowMillis()

	s.l.RLock()
	defer s.l.RUnlock()

	res := make([][]byte, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.IsExpired(now) {
			res = append(res, k.Bytes())
		}
	}
	return res
}

// Len returns the number of unexpired entries.
func (s *Store) Len() int {
	now := s.nowMillis()

	s.l.RLock()
	defer s.l.RUnlock()

	n := 0
	for _, e := range s.entries {
		if !e.IsExpired(now) {
			n++
		}
	}
	return n
}

// SequenceNumber returns the last sequence number recorded for hash.
func (s *Store) SequenceNumber(hash []byte) (uint32, bool) {
	s.l.RLock()
	defer s.l.RUnlock()

	seq, ok := s.sequences[ToHashKey(hash)]
	return seq.Number, ok
}

// NextSequenceNumber is the sequence number a new operation on hash must use.
func (s *Store) NextSequenceNumber(hash []byte) uint32 {
	n, _ := s.SequenceNumber(hash)
	return n + 1
}

// Now returns the store's clock, which decides expiry.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// Close closes the persistence layer.
func (s *Store) Close() error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if s.persistence == nil {
		return nil
	}
	return s.persistence.Close()
}

//==============================================================================
//Helpers

func (s *Store) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

func (s *Store) publish(m Mutation) {
	if s.publisher != nil {
		s.publisher.Publish(m)
	}
}

func (s *Store) persistPut(hash []byte, e *ProtectedStorageEntry) error {
	if s.persistence == nil {
		return nil
	}
	if err := s.persistence.PutEntry(hash, e); err != nil {
		s.logger.WithError(err).Error("Persisting entry")
		return err
	}
	return nil
}

func (s *Store) persistDelete(hash []byte) error {
	if s.persistence == nil {
		return nil
	}
	if err := s.persistence.DeleteEntry(hash); err != nil {
		s.logger.WithError(err).Error("Deleting persisted entry")
		return err
	}
	return nil
}

func (s *Store) persistSequence(rec Sequence) error {
	if s.persistence == nil {
		return nil
	}
	if err := s.persistence.PutSequence(rec); err != nil {
		s.logger.WithError(err).Error("Persisting sequence record")
		return err
	}
	return nil
}
