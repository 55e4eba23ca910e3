package wire

import (
	"fmt"

	"github.com/bisq-network/bisq-sub073/src/peers"
	"github.com/bisq-network/bisq-sub073/src/storage"
)

// MessageTag identifies a message variant on the wire. Values are stable.
type MessageTag uint16

const (
	HelloTag MessageTag = iota + 1
	HelloAckTag
	CloseConnectionTag
	PingTag
	PongTag
	GetPeersRequestTag
	GetPeersResponseTag
	GetDataRequestTag
	GetDataResponseTag
	AddDataTag
	RemoveDataTag
	RemoveMailboxDataTag
	RefreshTTLTag
)

var tagNames = map[MessageTag]string{
	HelloTag:             "Hello",
	HelloAckTag:          "HelloAck",
	CloseConnectionTag:   "CloseConnection",
	PingTag:              "Ping",
	PongTag:              "Pong",
	GetPeersRequestTag:   "GetPeersRequest",
	GetPeersResponseTag:  "GetPeersResponse",
	GetDataRequestTag:    "GetDataRequest",
	GetDataResponseTag:   "GetDataResponse",
	AddDataTag:           "AddData",
	RemoveDataTag:        "RemoveData",
	RemoveMailboxDataTag: "RemoveMailboxData",
	RefreshTTLTag:        "RefreshTTL",
}

func (t MessageTag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Unknown(%d)", uint16(t))
}

// Message is implemented by every variant.
type Message interface {
	Tag() MessageTag
}

// newMessage returns an empty variant for tag, or nil if the tag is unknown.
func newMessage(tag MessageTag) Message {
	switch tag {
	case HelloTag:
		return new(Hello)
	case HelloAckTag:
		return new(HelloAck)
	case CloseConnectionTag:
		return new(CloseConnection)
	case PingTag:
		return new(Ping)
	case PongTag:
		return new(Pong)
	case GetPeersRequestTag:
		return new(GetPeersRequest)
	case GetPeersResponseTag:
		return new(GetPeersResponse)
	case GetDataRequestTag:
		return new(GetDataRequest)
	case GetDataResponseTag:
		return new(GetDataResponse)
	case AddDataTag:
		return new(AddData)
	case RemoveDataTag:
		return new(RemoveData)
	case RemoveMailboxDataTag:
		return new(RemoveMailboxData)
	case RefreshTTLTag:
		return new(RefreshTTL)
	default:
		return nil
	}
}

//==============================================================================
// Handshake

// Hello opens a connection. The sender announces the address it can be
// reached at and its capabilities, which stay fixed for the lifetime of the
// connection.
type Hello struct {
	Address      peers.NodeAddress  `codec:"addr"`
	Capabilities peers.Capabilities `codec:"caps"`
	WireVersion  uint32             `codec:"version"`
	Nonce        uint64             `codec:"nonce"`
}

// HelloAck answers a Hello.
type HelloAck struct {
	Address      peers.NodeAddress  `codec:"addr"`
	Capabilities peers.Capabilities `codec:"caps"`
	WireVersion  uint32             `codec:"version"`
	RequestNonce uint64             `codec:"request_nonce"`
}

// CloseConnection tells the peer why we are hanging up.
type CloseConnection struct {
	Reason string `codec:"reason"`
}

//==============================================================================
// Keep-alive

// Ping carries the round trip time measured on the previous exchange, in
// milliseconds.
type Ping struct {
	Nonce             uint64 `codec:"nonce"`
	LastRoundTripTime int64  `codec:"last_rtt"`
}

// Pong echoes the nonce of the Ping it answers.
type Pong struct {
	RequestNonce uint64 `codec:"request_nonce"`
}

//==============================================================================
// Peer exchange

// GetPeersRequest reports a bounded sample of the sender's known peers and
// asks for the receiver's.
type GetPeersRequest struct {
	Nonce         uint64            `codec:"nonce"`
	Sender        peers.NodeAddress `codec:"sender"`
	ReportedPeers []peers.Peer      `codec:"peers"`
}

// GetPeersResponse ...
type GetPeersResponse struct {
	RequestNonce  uint64       `codec:"request_nonce"`
	ReportedPeers []peers.Peer `codec:"peers"`
}

//==============================================================================
// Data sync

// GetDataRequest asks for every unexpired entry whose hash is not in
// ExcludedKeys.
type GetDataRequest struct {
	Nonce        uint64   `codec:"nonce"`
	ExcludedKeys [][]byte `codec:"excluded,omitempty"`
}

// GetDataResponse ...
type GetDataResponse struct {
	RequestNonce uint64                           `codec:"request_nonce"`
	Entries      []*storage.ProtectedStorageEntry `codec:"entries"`
	WasTruncated bool                             `codec:"truncated,omitempty"`
}

//==============================================================================
// Store mutations

// AddData gossips an accepted add.
type AddData struct {
	Entry *storage.ProtectedStorageEntry `codec:"entry"`
}

// RemoveData gossips an accepted removal.
type RemoveData struct {
	Entry *storage.ProtectedStorageEntry `codec:"entry"`
}

// RemoveMailboxData gossips the removal of a delivered mailbox entry. It is
// only sent to peers supporting the Mailbox capability.
type RemoveMailboxData struct {
	Entry *storage.ProtectedStorageEntry `codec:"entry"`
}

// RefreshTTL gossips an accepted refresh.
type RefreshTTL struct {
	Offer *storage.RefreshOffer `codec:"offer"`
}

func (*Hello) Tag() MessageTag             { return HelloTag }
func (*HelloAck) Tag() MessageTag          { return HelloAckTag }
func (*CloseConnection) Tag() MessageTag   { return CloseConnectionTag }
func (*Ping) Tag() MessageTag              { return PingTag }
func (*Pong) Tag() MessageTag              { return PongTag }
func (*GetPeersRequest) Tag() MessageTag   { return GetPeersRequestTag }
func (*GetPeersResponse) Tag() MessageTag  { return GetPeersResponseTag }
func (*GetDataRequest) Tag() MessageTag    { return GetDataRequestTag }
func (*GetDataResponse) Tag() MessageTag   { return GetDataResponseTag }
func (*AddData) Tag() MessageTag           { return AddDataTag }
func (*RemoveData) Tag() MessageTag        { return RemoveDataTag }
func (*RemoveMailboxData) Tag() MessageTag { return RemoveMailboxDataTag }
func (*RefreshTTL) Tag() MessageTag        { return RefreshTTLTag }

// RequiredCapability returns the capability a peer must support to be sent
// msg, and false when any peer may receive it.
func RequiredCapability(msg Message) (peers.Capability, bool) {
	switch msg.(type) {
	case *RemoveMailboxData:
		return peers.Mailbox, true
	case *RefreshTTL:
		return peers.RefreshTTL, true
	default:
		return 0, false
	}
}
