package storage

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/bisq-network/bisq-sub073/src/crypto"
	"github.com/bisq-network/bisq-sub073/src/crypto/keys"
)

// HashKey is the fixed-size form of a payload hash, used as a map key.
type HashKey [32]byte

// ToHashKey ...
func ToHashKey(h []byte) HashKey {
	var k HashKey
	copy(k[:], h)
	return k
}

// String returns the hex form of the key.
func (k HashKey) String() string {
	return hex.EncodeToString(k[:])
}

// Bytes ...
func (k HashKey) Bytes() []byte {
	b := make([]byte, len(k))
	copy(b, k[:])
	return b
}

// ProtectedStorageEntry wraps a payload with the metadata authorizing a
// mutation. The same type carries adds and removals: what differs is the key
// expected to have signed it.
type ProtectedStorageEntry struct {
	Payload StoragePayload `codec:"payload"`

	// OwnerPubKey is the key that signed this operation.
	OwnerPubKey []byte `codec:"owner"`

	SequenceNumber uint32 `codec:"seq"`

	// Signature is the DER signature of SignatureHash(payload hash, seq).
	Signature []byte `codec:"sig"`

	// CreationTimestamp in unix milliseconds. It is not covered by the
	// signature; receivers clamp values in the future to their own clock.
	CreationTimestamp int64 `codec:"created"`
}

// SignatureHash is the digest signed by owners: SHA256(payloadHash ||
// bigEndian(seq)).
func SignatureHash(payloadHash []byte, seq uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], seq)
	return crypto.ConcatHash(payloadHash, b[:])
}

// NewProtectedStorageEntry signs payload with key as an add operation.
func NewProtectedStorageEntry(payload StoragePayload, seq uint32, key *ecdsa.PrivateKey, now time.Time) (*ProtectedStorageEntry, error) {
	return signEntry(payload, seq, key, now)
}

// NewRemovalEntry signs payload with key as a removal. key must be the
// payload's RemoveOwner.
func NewRemovalEntry(payload StoragePayload, seq uint32, key *ecdsa.PrivateKey, now time.Time) (*ProtectedStorageEntry, error) {
	return signEntry(payload, seq, key, now)
}

func signEntry(payload StoragePayload, seq uint32, key *ecdsa.PrivateKey, now time.Time) (*ProtectedStorageEntry, error) {
	sig, err := keys.Sign(key, SignatureHash(payload.Hash(), seq))
	if err != nil {
		return nil, err
	}

	return &ProtectedStorageEntry{
		Payload:           payload,
		OwnerPubKey:       keys.FromPublicKey(&key.PublicKey),
		SequenceNumber:    seq,
		Signature:         sig,
		CreationTimestamp: now.UnixMilli(),
	}, nil
}

// Hash returns the payload hash.
func (e *ProtectedStorageEntry) Hash() []byte {
	return e.Payload.Hash()
}

// Key ...
func (e *ProtectedStorageEntry) Key() HashKey {
	return ToHashKey(e.Payload.Hash())
}

// VerifySignature checks the signature against pub, which is the key the
// caller expects to have signed.
func (e *ProtectedStorageEntry) VerifySignature(pub []byte) bool {
	if !bytes.Equal(e.OwnerPubKey, pub) {
		return false
	}
	return keys.Verify(pub, SignatureHash(e.Payload.Hash(), e.SequenceNumber), e.Signature)
}

// ExpiresAt is the unix millisecond timestamp at which the entry lapses.
func (e *ProtectedStorageEntry) ExpiresAt() int64 {
	return e.CreationTimestamp + e.Payload.TTL
}

// IsExpired reports whether the TTL has lapsed at nowMillis.
func (e *ProtectedStorageEntry) IsExpired(nowMillis int64) bool {
	return nowMillis >= e.ExpiresAt()
}

// Marshal ...
func (e *ProtectedStorageEntry) Marshal() ([]byte, error) {
	return common.Marshal(e)
}

// Unmarshal ...
func (e *ProtectedStorageEntry) Unmarshal(data []byte) error {
	return common.Unmarshal(data, e)
}

// RefreshOffer restarts the TTL clock of a stored entry. The owner signs the
// payload hash with a higher sequence number, exactly as for an add, so the
// refreshed entry stays verifiable.
type RefreshOffer struct {
	PayloadHash    []byte `codec:"hash"`
	SequenceNumber uint32 `codec:"seq"`
	Signature      []byte `codec:"sig"`
}

// NewRefreshOffer ...
func NewRefreshOffer(payloadHash []byte, seq uint32, key *ecdsa.PrivateKey) (*RefreshOffer, error) {
	sig, err := keys.Sign(key, SignatureHash(payloadHash, seq))
	if err != nil {
		return nil, err
	}
	return &RefreshOffer{
		PayloadHash:    payloadHash,
		SequenceNumber: seq,
		Signature:      sig,
	}, nil
}
