package wire

import (
	"errors"
	"fmt"

	"github.com/bisq-network/bisq-sub073/src/common"
)

const (
	// WireVersion is the version this node writes and the highest it
	// understands.
	WireVersion uint32 = 1

	// MinVersion is the lowest reader version able to parse what this node
	// writes.
	MinVersion uint32 = 1
)

// DecodeErrorKind classifies decoding failures. Callers react differently to
// each: drop the frame, drop and log, or disconnect.
type DecodeErrorKind uint8

const (
	// Malformed bytes: truncated, corrupt, oversized.
	Malformed DecodeErrorKind = iota + 1
	// UnknownVariant is a well-formed envelope whose tag this node does not
	// know.
	UnknownVariant
	// VersionMismatch is an envelope requiring a newer reader.
	VersionMismatch
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Malformed:
		return "Malformed"
	case UnknownVariant:
		return "UnknownVariant"
	case VersionMismatch:
		return "VersionMismatch"
	default:
		return "Unknown"
	}
}

// ErrFrameTooLarge is wrapped in a Malformed DecodeError when a frame exceeds
// the allowed size.
var ErrFrameTooLarge = errors.New("frame too large")

// DecodeError ...
type DecodeError struct {
	Kind DecodeErrorKind
	Tag  MessageTag
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: tag %s", e.Kind, e.Tag)
}

// Unwrap ...
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is a DecodeError of the given kind.
func IsDecodeError(err error, kind DecodeErrorKind) bool {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// Envelope wraps every message crossing the wire.
type Envelope struct {
	WireVersion uint32
	MinVersion  uint32
	Payload     Message
}

// NewEnvelope wraps msg with the local versions.
func NewEnvelope(msg Message) *Envelope {
	return &Envelope{
		WireVersion: WireVersion,
		MinVersion:  MinVersion,
		Payload:     msg,
	}
}

// frame is the outer record. The body is encoded separately so that a
// reader can inspect versions and tag before parsing it.
type frame struct {
	Version    uint32     `codec:"v"`
	MinVersion uint32     `codec:"m"`
	Tag        MessageTag `codec:"t"`
	Body       []byte     `codec:"b"`
}

// Marshal ...
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("empty envelope")
	}

	body, err := common.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}

	return common.Marshal(&frame{
		Version:    e.WireVersion,
		MinVersion: e.MinVersion,
		Tag:        e.Payload.Tag(),
		Body:       body,
	})
}

// Encode wraps msg in an envelope with the local versions and encodes it.
func Encode(msg Message) ([]byte, error) {
	return NewEnvelope(msg).Marshal()
}

// Decode parses an envelope. Errors are *DecodeError.
func Decode(data []byte) (*Envelope, error) {
	var f frame
	if err := common.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Kind: Malformed, Err: err}
	}

	if f.MinVersion > WireVersion {
		return nil, &DecodeError{
			Kind: VersionMismatch,
			Tag:  f.Tag,
			Err:  fmt.Errorf("peer requires wire version %d, we speak %d", f.MinVersion, WireVersion),
		}
	}

	msg := newMessage(f.Tag)
	if msg == nil {
		return nil, &DecodeError{Kind: UnknownVariant, Tag: f.Tag}
	}

	if err := common.Unmarshal(f.Body, msg); err != nil {
		return nil, &DecodeError{Kind: Malformed, Tag: f.Tag, Err: err}
	}

	return &Envelope{
		WireVersion: f.Version,
		MinVersion:  f.MinVersion,
		Payload:     msg,
	}, nil
}
