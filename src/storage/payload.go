package storage

import (
	"bytes"
	"time"

	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/bisq-network/bisq-sub073/src/peers"
)

// PayloadKind distinguishes the variants of StoragePayload.
type PayloadKind uint8

const (
	// PlainPayload lives in memory only.
	PlainPayload PayloadKind = iota + 1
	// MailboxPayload is sealed to a recipient who removes it after delivery.
	MailboxPayload
	// PersistedPayload is written to disk and survives restarts.
	PersistedPayload
)

// String ...
func (k PayloadKind) String() string {
	switch k {
	case PlainPayload:
		return "Plain"
	case MailboxPayload:
		return "Mailbox"
	case PersistedPayload:
		return "Persisted"
	default:
		return "Unknown"
	}
}

// StoragePayload is the application datum replicated by the store. It is
// immutable once signed: any change yields a different hash.
type StoragePayload struct {
	Kind PayloadKind `codec:"kind"`

	// OwnerPubKey is the compressed public key of the publisher. For mailbox
	// payloads this is the sender.
	OwnerPubKey []byte `codec:"owner"`

	// TTL in milliseconds.
	TTL int64 `codec:"ttl"`

	// Data is opaque to the overlay. For mailbox payloads it is the sealed
	// box.
	Data []byte `codec:"data"`

	// OwnerAddress, when set, ties the payload to its owner being online.
	OwnerAddress *peers.NodeAddress `codec:"owner_addr,omitempty"`

	// RequiredCapabilities restricts which peers receive the payload.
	RequiredCapabilities peers.Capabilities `codec:"caps,omitempty"`

	// RecipientPubKey is the key allowed to remove a mailbox payload.
	RecipientPubKey []byte `codec:"recipient,omitempty"`

	ExtraData map[string]string `codec:"extra,omitempty"`
}

// NewPayload creates a plain or persisted payload.
func NewPayload(kind PayloadKind, owner []byte, ttl time.Duration, data []byte) StoragePayload {
	return StoragePayload{
		Kind:        kind,
		OwnerPubKey: owner,
		TTL:         int64(ttl / time.Millisecond),
		Data:        data,
	}
}

// NewMailboxPayload creates a payload sealed to recipient.
func NewMailboxPayload(sender, recipient []byte, ttl time.Duration, sealed []byte) StoragePayload {
	return StoragePayload{
		Kind:            MailboxPayload,
		OwnerPubKey:     sender,
		TTL:             int64(ttl / time.Millisecond),
		Data:            sealed,
		RecipientPubKey: recipient,
		RequiredCapabilities: peers.Capabilities{
			int(peers.Mailbox),
		},
	}
}

// Hash returns the hash identifying the payload in the store.
func (p *StoragePayload) Hash() []byte {
	// encoding into a buffer cannot fail for these field types
	h, _ := common.Hash(p)
	return h
}

// IsMailbox ...
func (p *StoragePayload) IsMailbox() bool {
	return p.Kind == MailboxPayload
}

// Persistable reports whether the entry is written to disk. Mailbox payloads
// are persisted so that messages for offline recipients survive restarts.
func (p *StoragePayload) Persistable() bool {
	return p.Kind == PersistedPayload || p.Kind == MailboxPayload
}

// RequiresOwnerIsOnline reports whether the payload must be dropped when its
// owner goes offline.
func (p *StoragePayload) RequiresOwnerIsOnline() bool {
	return p.OwnerAddress != nil && !p.OwnerAddress.IsZero()
}

// AddOwner is the key that must sign adds and refreshes.
func (p *StoragePayload) AddOwner() []byte {
	return p.OwnerPubKey
}

// RemoveOwner is the key that must sign removals. The recipient removes a
// mailbox payload; the owner removes everything else.
func (p *StoragePayload) RemoveOwner() []byte {
	if p.IsMailbox() {
		return p.RecipientPubKey
	}
	return p.OwnerPubKey
}

// IsAddressedTo reports whether pub is the recipient of a mailbox payload.
func (p *StoragePayload) IsAddressedTo(pub []byte) bool {
	return p.IsMailbox() && bytes.Equal(p.RecipientPubKey, pub)
}

// Valid checks the fields every payload must carry.
func (p *StoragePayload) Valid() bool {
	switch p.Kind {
	case PlainPayload, PersistedPayload:
		return len(p.OwnerPubKey) > 0
	case MailboxPayload:
		return len(p.OwnerPubKey) > 0 && len(p.RecipientPubKey) > 0
	default:
		return false
	}
}
