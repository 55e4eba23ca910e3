package storage

import (
	"crypto/ecdsa"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/bisq-network/bisq-sub073/src/crypto/keys"
	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/sirupsen/logrus"
)

var testPeer = peers.NewNodeAddress("peer.onion", 9999)

type recordingPublisher struct {
	sync.Mutex
	mutations []Mutation
}

func (p *recordingPublisher) Publish(m Mutation) {
	p.Lock()
	defer p.Unlock()
	p.mutations = append(p.mutations, m)
}

func (p *recordingPublisher) all() []Mutation {
	p.Lock()
	defer p.Unlock()
	res := make([]Mutation, len(p.mutations))
	copy(res, p.mutations)
	return res
}

func initStore(t *testing.T) (*Store, *clock.Mock, *recordingPublisher, *InmemPersistence) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1600000000, 0))
	pub := &recordingPublisher{}
	persistence := NewInmemPersistence()
	store := NewStore(persistence, pub, mock, common.NewTestEntry(t, logrus.DebugLevel))
	return store, mock, pub, persistence
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return key, keys.FromPublicKey(&key.PublicKey)
}

func newEntry(t *testing.T, payload StoragePayload, seq uint32, key *ecdsa.PrivateKey, now time.Time) *ProtectedStorageEntry {
	e, err := NewProtectedStorageEntry(payload, seq, key, now)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return e
}

func newRemoval(t *testing.T, payload StoragePayload, seq uint32, key *ecdsa.PrivateKey, now time.Time) *ProtectedStorageEntry {
	e, err := NewRemovalEntry(payload, seq, key, now)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return e
}

func mustAccept(t *testing.T) func(Result, error) {
	return func(res Result, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if !res.Accepted {
			t.Fatalf("operation should be accepted, got %s", res)
		}
	}
}

func mustReject(t *testing.T, reason RejectReason) func(Result, error) {
	return func(res Result, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if res.Accepted || res.Reason != reason {
			t.Fatalf("operation should be rejected with %s, got %s", reason, res)
		}
	}
}

func TestStore_AddAndGet(t *testing.T) {
	store, mock, pub, _ := initStore(t)
	key, pubKey := newKey(t)

	payload := NewPayload(PlainPayload, pubKey, time.Hour, []byte("offer"))
	entry := newEntry(t, payload, 1, key, mock.Now())

	res, err := store.TryAdd(entry, testPeer, true)
	mustAccept(t)(res, err)

	got, ok := store.Get(payload.Hash())
	if !ok {
		t.Fatalf("entry should be readable after add")
	}
	if got.SequenceNumber != 1 || string(got.Payload.Data) != "offer" {
		t.Fatalf("unexpected entry %#v", got)
	}

	ms := pub.all()
	if len(ms) != 1 {
		t.Fatalf("there should be 1 mutation, not %d", len(ms))
	}
	if ms[0].Kind != Added || ms[0].Source != testPeer || !ms[0].Gossip {
		t.Fatalf("unexpected mutation %#v", ms[0])
	}

	if store.Len() != 1 || len(store.Snapshot()) != 1 || len(store.Hashes()) != 1 {
		t.Fatalf("store should hold exactly 1 entry")
	}
	if store.NextSequenceNumber(payload.Hash()) != 2 {
		t.Fatalf("next sequence number should be 2")
	}
}

func TestStore_AddSequenceRules(t *testing.T) {
	store, mock, pub, _ := initStore(t)
	key, pubKey := newKey(t)

	payload := NewPayload(PlainPayload, pubKey, time.Hour, []byte("offer"))

	mustAccept(t)(store.TryAdd(newEntry(t, payload, 2, key, mock.Now()), testPeer, true))

	// identical replay is a no-op success
	res, err := store.TryAdd(newEntry(t, payload, 2, key, mock.Now()), testPeer, true)
	mustAccept(t)(res, err)
	if !res.Duplicate {
		t.Fatalf("identical replay should be flagged as duplicate")
	}

	// lower sequence number
	mustReject(t, StaleSequence)(store.TryAdd(newEntry(t, payload, 1, key, mock.Now()), testPeer, true))

	// equal sequence number with different content
	other := newEntry(t, payload, 2, key, mock.Now())
	other.Signature = append([]byte{}, other.Signature...)
	other.Signature[len(other.Signature)-1] ^= 0x01
	res, err = store.TryAdd(other, testPeer, true)
	if err != nil || res.Accepted {
		t.Fatalf("equal sequence number with different content should be rejected, got %s", res)
	}

	got, _ := store.Get(payload.Hash())
	if got.SequenceNumber != 2 {
		t.Fatalf("store should be unchanged")
	}
	if n := len(pub.all()); n != 1 {
		t.Fatalf("only the first add should be published, got %d mutations", n)
	}

	mustAccept(t)(store.TryAdd(newEntry(t, payload, 3, key, mock.Now()), testPeer, true))
	got, _ = store.Get(payload.Hash())
	if got.SequenceNumber != 3 {
		t.Fatalf("higher sequence number should replace the entry")
	}
}

func TestStore_AddRejectsInvalid(t *testing.T) {
	store, mock, pub, _ := initStore(t)
	key, pubKey := newKey(t)
	otherKey, _ := newKey(t)

	payload := NewPayload(PlainPayload, pubKey, time.Hour, []byte("offer"))

	// tampered payload
	tampered := newEntry(t, payload, 1, key, mock.Now())
	tampered.Payload.Data = []byte("forged")
	mustReject(t, InvalidSignature)(store.TryAdd(tampered, testPeer, true))

	// signed by someone else than the payload owner
	mustReject(t, OwnerMismatch)(store.TryAdd(newEntry(t, payload, 1, otherKey, mock.Now()), testPeer, true))

	// non positive TTL
	zero := NewPayload(PlainPayload, pubKey, 0, []byte("offer"))
	mustReject(t, InvalidTTL)(store.TryAdd(newEntry(t, zero, 1, key, mock.Now()), testPeer, true))

	// already expired at receipt
	old := newEntry(t, payload, 1, key, mock.Now().Add(-2*time.Hour))
	mustReject(t, Expired)(store.TryAdd(old, testPeer, true))

	// missing owner
	mustReject(t, InvalidPayload)(store.TryAdd(&ProtectedStorageEntry{Payload: StoragePayload{Kind: PlainPayload}}, testPeer, true))

	if store.Len() != 0 || len(pub.all()) != 0 {
		t.Fatalf("rejected adds should not mutate the store or publish")
	}
}

func TestStore_FutureTimestampClamped(t *testing.T) {
	store, mock, _, _ := initStore(t)
	key, pubKey := newKey(t)

	payload := NewPayload(PlainPayload, pubKey, time.Hour, []byte("offer"))
	entry := newEntry(t, payload, 1, key, mock.Now().Add(24*time.Hour))

	mustAccept(t)(store.TryAdd(entry, testPeer, true))

	got, _ := store.Get(payload.Hash())
	if got.CreationTimestamp != mock.Now().UnixMilli() {
		t.Fatalf("creation timestamp should be clamped to now")
	}
}

func TestStore_RemoveByOtherKeyRejected(t *testing.T) {
	store, mock, pub, _ := initStore(t)
	key, pubKey := newKey(t)
	attacker, attackerPub := newKey(t)

	payload := NewPayload(PlainPayload, pubKey, time.Hour, []byte("offer"))
	mustAccept(t)(store.TryAdd(newEntry(t, payload, 1, key, mock.Now()), testPeer, true))

	for _, seq := range []uint32{1, 2, 100, 1 << 31} {
		// validly signed by the attacker, claiming the attacker's key
		removal := newRemoval(t, payload, seq, attacker, mock.Now())
		mustReject(t, OwnerMismatch)(store.TryRemove(removal, testPeer, true))

		// claiming the owner's key with the attacker's signature
		removal.OwnerPubKey = pubKey
		mustReject(t, InvalidSignature)(store.TryRemove(removal, testPeer, true))
	}

	// even if the payload names the attacker as owner, that is another
	// payload with another hash
	forged := payload
	forged.OwnerPubKey = attackerPub
	mustAccept(t)(store.TryRemove(newRemoval(t, forged, 5, attacker, mock.Now()), testPeer, true))

	if !store.Contains(payload.Hash()) {
		t.Fatalf("the entry should still be stored")
	}
	for _, m := range pub.all() {
		if m.Kind == Removed && m.Existed {
			t.Fatalf("no stored entry should have been removed")
		}
	}
}

func TestStore_RemoveSupersededSequence(t *testing.T) {
	store, mock, _, _ := initStore(t)
	key, pubKey := newKey(t)

	payload := NewPayload(PlainPayload, pubKey, time.Hour, []byte("offer"))
	mustAccept(t)(store.TryAdd(newEntry(t, payload, 1, key, mock.Now()), testPeer, true))
	mustAccept(t)(store.TryAdd(newEntry(t, payload, 2, key, mock.Now()), testPeer, true))

	mustReject(t, StaleSequence)(store.TryRemove(newRemoval(t, payload, 1, key, mock.Now()), testPeer, true))
	mustReject(t, StaleSequence)(store.TryRemove(newRemoval(t, payload, 2, key, mock.Now()), testPeer, true))

	if !store.Contains(payload.Hash()) {
		t.Fatalf("entry should survive stale removals")
	}

	mustAccept(t)(store.TryRemove(newRemoval(t, payload, 3, key, mock.Now()), testPeer, true))
	if store.Contains(payload.Hash()) {
		t.Fatalf("entry should be removed")
	}
}

func TestStore_ReplayAfterRemoveRejected(t *testing.T) {
	store, mock, pub, persistence := initStore(t)
	key, pubKey := newKey(t)

	payload := NewPayload(PersistedPayload, pubKey, time.Hour, []byte("offer"))
	add := newEntry(t, payload, 1, key, mock.Now())

	mustAccept(t)(store.TryAdd(add, testPeer, true))
	if persistence.EntryCount() != 1 {
		t.Fatalf("persisted payload should be written")
	}

	mustAccept(t)(store.TryRemove(newRemoval(t, payload, 2, key, mock.Now()), testPeer, true))
	if persistence.EntryCount() != 0 {
		t.Fatalf("persisted payload should be deleted")
	}

	mustReject(t, StaleSequence)(store.TryAdd(add, testPeer, true))

	ms := pub.all()
	if len(ms) != 2 || ms[1].Kind != Removed || !ms[1].Existed || ms[1].Cause != RemovedByOwner {
		t.Fatalf("unexpected mutations %#v", ms)
	}
}

func TestStore_RemoveUnknownEntry(t *testing.T) {
	store, mock, pub, _ := initStore(t)
	key, pubKey := newKey(t)

	payload := NewPayload(PlainPayload, pubKey, time.Hour, []byte("offer"))
	mustAccept(t)(store.TryRemove(newRemoval(t, payload, 4, key, mock.Now()), testPeer, true))

	ms := pub.all()
	if len(ms) != 1 || ms[0].Existed || !ms[0].Gossip {
		t.Fatalf("removal of an unknown entry should be gossiped but flagged, got %#v", ms)
	}

	// the add that arrives late is stale
	mustReject(t, StaleSequence)(store.TryAdd(newEntry(t, payload, 3, key, mock.Now()), testPeer, true))
}

func TestStore_MailboxOwnership(t *testing.T) {
	store, mock, _, _ := initStore(t)
	sender, senderPub := newKey(t)
	recipient, recipientPub := newKey(t)

	payload := NewMailboxPayload(senderPub, recipientPub, time.Hour, []byte("sealed"))

	// the recipient cannot publish on behalf of the sender
	mustReject(t, OwnerMismatch)(store.TryAdd(newEntry(t, payload, 1, recipient, mock.Now()), testPeer, true))

	mustAccept(t)(store.TryAdd(newEntry(t, payload, 1, sender, mock.Now()), testPeer, true))

	// the sender cannot take it back
	mustReject(t, OwnerMismatch)(store.TryRemove(newRemoval(t, payload, 2, sender, mock.Now()), testPeer, true))

	mustAccept(t)(store.TryRemove(newRemoval(t, payload, 2, recipient, mock.Now()), testPeer, true))
	if store.Contains(payload.Hash()) {
		t.Fatalf("mailbox entry should be removed by its recipient")
	}
}

func TestStore_ExpiryBoundary(t *testing.T) {
	store, mock, pub, _ := initStore(t)
	key, pubKey := newKey(t)

	ttl := 10 * time.Minute
	payload := NewPayload(PlainPayload, pubKey, ttl, []byte("offer"))
	mustAccept(t)(store.TryAdd(newEntry(t, payload, 1, key, mock.Now()), testPeer, true))

	mock.Add(ttl - time.Millisecond)
	if !store.Contains(payload.Hash()) {
		t.Fatalf("entry should be present just before its TTL")
	}

	mock.Add(2 * time.Millisecond)
	if store.Contains(payload.Hash()) {
		t.Fatalf("entry should be absent just after its TTL, before any sweep")
	}
	if store.Len() != 0 || len(store.Snapshot()) != 0 || len(store.Hashes()) != 0 {
		t.Fatalf("reads should filter lapsed entries")
	}

	if n := store.ExpireSweep(); n != 1 {
		t.Fatalf("sweep should remove 1 entry, not %d", n)
	}
	if n := store.ExpireSweep(); n != 0 {
		t.Fatalf("second sweep should remove nothing, not %d", n)
	}

	ms := pub.all()
	last := ms[len(ms)-1]
	if last.Kind != Removed || last.Cause != RemovedExpired || last.Gossip {
		t.Fatalf("expiry should be published locally only, got %#v", last)
	}
}

func TestStore_Refresh(t *testing.T) {
	store, mock, pub, _ := initStore(t)
	key, pubKey := newKey(t)
	other, _ := newKey(t)

	ttl := 10 * time.Minute
	payload := NewPayload(PlainPayload, pubKey, ttl, []byte("offer"))
	hash := payload.Hash()
	mustAccept(t)(store.TryAdd(newEntry(t, payload, 1, key, mock.Now()), testPeer, true))

	mock.Add(8 * time.Minute)

	forged, _ := NewRefreshOffer(hash, 2, other)
	mustReject(t, InvalidSignature)(store.Refresh(forged, testPeer, true))

	stale, _ := NewRefreshOffer(hash, 1, key)
	mustReject(t, StaleSequence)(store.Refresh(stale, testPeer, true))

	offer, _ := NewRefreshOffer(hash, 2, key)
	mustAccept(t)(store.Refresh(offer, testPeer, true))

	mock.Add(8 * time.Minute)
	got, ok := store.Get(hash)
	if !ok {
		t.Fatalf("refreshed entry should still be alive")
	}
	if got.SequenceNumber != 2 || !got.VerifySignature(pubKey) {
		t.Fatalf("refreshed entry should carry the new, valid signature")
	}

	ms := pub.all()
	if ms[len(ms)-1].Kind != Refreshed {
		t.Fatalf("refresh should be published")
	}

	unknown, _ := NewRefreshOffer(make([]byte, 32), 5, key)
	mustReject(t, NotFound)(store.Refresh(unknown, testPeer, true))
}

func TestStore_RemoveOwnerEntries(t *testing.T) {
	store, mock, pub, _ := initStore(t)
	key, pubKey := newKey(t)

	owner := peers.NewNodeAddress("owner.onion", 9999)
	other := peers.NewNodeAddress("other.onion", 9999)

	online := NewPayload(PlainPayload, pubKey, time.Hour, []byte("offer"))
	online.OwnerAddress = &owner
	elsewhere := NewPayload(PlainPayload, pubKey, time.Hour, []byte("offer2"))
	elsewhere.OwnerAddress = &other
	free := NewPayload(PlainPayload, pubKey, time.Hour, []byte("note"))

	for _, p := range []StoragePayload{online, elsewhere, free} {
		mustAccept(t)(store.TryAdd(newEntry(t, p, 1, key, mock.Now()), testPeer, true))
	}

	if n := store.RemoveOwnerEntries(owner); n != 1 {
		t.Fatalf("1 entry should be removed, not %d", n)
	}
	if store.Contains(online.Hash()) || !store.Contains(elsewhere.Hash()) || !store.Contains(free.Hash()) {
		t.Fatalf("only the entry owned by the offline address should be removed")
	}

	ms := pub.all()
	last := ms[len(ms)-1]
	if last.Cause != RemovedOwnerOffline || last.Gossip {
		t.Fatalf("dead-owner removal should be published locally only, got %#v", last)
	}
}

func TestStore_ReaddAfterOwnerSweep(t *testing.T) {
	store, mock, pub, _ := initStore(t)
	key, pubKey := newKey(t)

	owner := peers.NewNodeAddress("owner.onion", 9999)
	payload := NewPayload(PlainPayload, pubKey, time.Hour, []byte("offer"))
	payload.OwnerAddress = &owner
	entry := newEntry(t, payload, 1, key, mock.Now())

	mustAccept(t)(store.TryAdd(entry, testPeer, true))
	if n := store.RemoveOwnerEntries(owner); n != 1 {
		t.Fatalf("1 entry should be removed, not %d", n)
	}

	// the owner comes back with the same signed entry
	res, err := store.TryAdd(entry, testPeer, false)
	mustAccept(t)(res, err)
	if res.Duplicate || !store.Contains(payload.Hash()) {
		t.Fatalf("swept entry should be stored again")
	}

	ms := pub.all()
	if last := ms[len(ms)-1]; last.Kind != Added || !last.Existed {
		t.Fatalf("re-add should be published, got %#v", last)
	}

	// a signed removal still blocks the same entry for good
	mustAccept(t)(store.TryRemove(newRemoval(t, payload, 2, key, mock.Now()), testPeer, true))
	mustReject(t, StaleSequence)(store.TryAdd(newEntry(t, payload, 2, key, mock.Now()), testPeer, true))
	mustReject(t, StaleSequence)(store.TryAdd(entry, testPeer, true))
}

func TestStore_ReaddAfterExpiry(t *testing.T) {
	store, mock, _, _ := initStore(t)
	key, pubKey := newKey(t)

	payload := NewPayload(PlainPayload, pubKey, time.Minute, []byte("offer"))
	mustAccept(t)(store.TryAdd(newEntry(t, payload, 3, key, mock.Now()), testPeer, true))

	mock.Add(2 * time.Minute)
	store.ExpireSweep()
	if store.Contains(payload.Hash()) {
		t.Fatalf("entry should have expired")
	}

	// republished by its owner at the same sequence number
	mustAccept(t)(store.TryAdd(newEntry(t, payload, 3, key, mock.Now()), testPeer, true))
	mustReject(t, StaleSequence)(store.TryAdd(newEntry(t, payload, 2, key, mock.Now()), testPeer, true))
}

func TestStore_ConcurrentAdds(t *testing.T) {
	store, mock, pub, _ := initStore(t)
	key, pubKey := newKey(t)

	payload := NewPayload(PlainPayload, pubKey, time.Hour, []byte("offer"))

	entries := make([]*ProtectedStorageEntry, 50)
	for i := range entries {
		entries[i] = newEntry(t, payload, uint32(i+1), key, mock.Now())
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *ProtectedStorageEntry) {
			defer wg.Done()
			store.TryAdd(e, testPeer, true)
		}(e)
	}
	wg.Wait()

	got, _ := store.Get(payload.Hash())
	if got.SequenceNumber != 50 {
		t.Fatalf("highest sequence number should win, got %d", got.SequenceNumber)
	}

	// published sequence numbers are strictly increasing
	last := uint32(0)
	for _, m := range pub.all() {
		if m.Entry.SequenceNumber <= last {
			t.Fatalf("mutations should be published in acceptance order")
		}
		last = m.Entry.SequenceNumber
	}
}

func TestStore_Load(t *testing.T) {
	store, mock, _, persistence := initStore(t)
	key, pubKey := newKey(t)

	keep := NewPayload(PersistedPayload, pubKey, time.Hour, []byte("keep"))
	short := NewPayload(PersistedPayload, pubKey, time.Minute, []byte("short"))
	plain := NewPayload(PlainPayload, pubKey, time.Hour, []byte("plain"))

	for _, p := range []StoragePayload{keep, short, plain} {
		mustAccept(t)(store.TryAdd(newEntry(t, p, 1, key, mock.Now()), testPeer, true))
	}
	persistence.putRaw([]byte("garbage-key-garbage-key-garbage!"), []byte{0xc1, 0xff})

	mock.Add(2 * time.Minute)

	reloaded := NewStore(persistence, nil, mock, common.NewTestEntry(t, logrus.DebugLevel))
	n, err := reloaded.Load()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if n != 1 {
		t.Fatalf("only the unexpired persisted entry should load, got %d", n)
	}
	if !reloaded.Contains(keep.Hash()) {
		t.Fatalf("persisted entry should be loaded")
	}
	if seq, ok := reloaded.SequenceNumber(plain.Hash()); !ok || seq != 1 {
		t.Fatalf("sequence records should be loaded for every entry")
	}
	if persistence.EntryCount() != 1 {
		t.Fatalf("corrupt and expired records should be deleted, %d left", persistence.EntryCount())
	}
}

func TestStore_PurgeSequences(t *testing.T) {
	store, mock, _, _ := initStore(t)
	store.SetSequencePurge(24*time.Hour, 2)
	key, pubKey := newKey(t)

	payloads := []StoragePayload{}
	for _, d := range []string{"a", "b", "c", "d"} {
		p := NewPayload(PlainPayload, pubKey, time.Hour, []byte(d))
		payloads = append(payloads, p)
		mustAccept(t)(store.TryAdd(newEntry(t, p, 1, key, mock.Now()), testPeer, true))
		mock.Add(time.Minute)
	}

	// remove all but the last
	for _, p := range payloads[:3] {
		mustAccept(t)(store.TryRemove(newRemoval(t, p, 2, key, mock.Now()), testPeer, true))
		mock.Add(time.Minute)
	}

	store.ExpireSweep()

	// capped at 2 records: the live entry and the most recent removal
	if _, ok := store.SequenceNumber(payloads[3].Hash()); !ok {
		t.Fatalf("record of a live entry should never be purged")
	}
	if _, ok := store.SequenceNumber(payloads[2].Hash()); !ok {
		t.Fatalf("most recent removal should be kept")
	}
	if _, ok := store.SequenceNumber(payloads[0].Hash()); ok {
		t.Fatalf("oldest removal should be purged")
	}

	mock.Add(48 * time.Hour)
	store.ExpireSweep()
	if _, ok := store.SequenceNumber(payloads[2].Hash()); ok {
		t.Fatalf("records older than the purge age should be purged")
	}
}
