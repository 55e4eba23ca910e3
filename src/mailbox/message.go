package mailbox

import (
	"crypto/ecdsa"
	"errors"

	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/bisq-network/bisq-sub073/src/crypto"
	"github.com/bisq-network/bisq-sub073/src/crypto/keys"
)

// ErrBadSenderSignature is returned by Open when the box decrypts but the
// sender's signature does not match its content.
var ErrBadSenderSignature = errors.New("bad sender signature")

// DecryptedMessage is a mailbox message opened by its recipient.
type DecryptedMessage struct {
	// Hash is the payload hash of the store entry that carried the message.
	Hash []byte

	// SenderPubKey is the key that signed the message.
	SenderPubKey []byte

	Message []byte
}

// sealedMessage is the plaintext inside the box.
type sealedMessage struct {
	SenderPubKey []byte `codec:"sender"`
	Signature    []byte `codec:"sig"`
	Message      []byte `codec:"msg"`
}

// senderHash binds the signature to the recipient so that a box cannot be
// re-sealed to someone else under the sender's name.
func senderHash(recipientPub, message []byte) []byte {
	return crypto.ConcatHash(crypto.SHA256(recipientPub), crypto.SHA256(message))
}

// Seal signs plaintext with senderKey and encrypts it to recipient.
func Seal(recipient *ecdsa.PublicKey, senderKey *ecdsa.PrivateKey, plaintext []byte) ([]byte, error) {
	recipientPub := keys.FromPublicKey(recipient)

	sig, err := keys.Sign(senderKey, senderHash(recipientPub, plaintext))
	if err != nil {
		return nil, err
	}

	inner, err := common.Marshal(&sealedMessage{
		SenderPubKey: keys.FromPublicKey(&senderKey.PublicKey),
		Signature:    sig,
		Message:      plaintext,
	})
	if err != nil {
		return nil, err
	}

	return keys.Seal(recipient, inner)
}

// Open decrypts a box produced by Seal and checks the sender's signature.
func Open(key *ecdsa.PrivateKey, sealed []byte) (*DecryptedMessage, error) {
	inner, err := keys.Open(key, sealed)
	if err != nil {
		return nil, err
	}

	var msg sealedMessage
	if err := common.Unmarshal(inner, &msg); err != nil {
		return nil, err
	}

	recipientPub := keys.FromPublicKey(&key.PublicKey)
	if !keys.Verify(msg.SenderPubKey, senderHash(recipientPub, msg.Message), msg.Signature) {
		return nil, ErrBadSenderSignature
	}

	return &DecryptedMessage{
		SenderPubKey: msg.SenderPubKey,
		Message:      msg.Message,
	}, nil
}
