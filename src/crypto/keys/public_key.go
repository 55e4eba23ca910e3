package keys

import (
	"crypto/ecdsa"

	"github.com/bisq-network/bisq-sub073/src/common"
	"github.com/btcsuite/btcd/btcec"
)

// ToPublicKey parses the compressed (or uncompressed) form of a secp256k1
// point, as returned by FromPublicKey.
func ToPublicKey(pub []byte) (*ecdsa.PublicKey, error) {
	pk, err := btcec.ParsePubKey(pub, Curve())
	if err != nil {
		return nil, err
	}
	return pk.ToECDSA(), nil
}

// FromPublicKey outputs the 33-byte compressed form of the public key.
func FromPublicKey(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return (*btcec.PublicKey)(pub).SerializeCompressed()
}

// PublicKeyHex returns the hexadecimal reprentation of the compressed form of
// the public key
func PublicKeyHex(pub *ecdsa.PublicKey) string {
	return common.EncodeToString(FromPublicKey(pub))
}
