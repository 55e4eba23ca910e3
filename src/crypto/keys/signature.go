package keys

import (
	"crypto/ecdsa"

	"github.com/btcsuite/btcd/btcec"
)

// Sign signs the hash with the private key and returns the DER encoding of the
// signature. Nonces are derived with RFC6979.
func Sign(priv *ecdsa.PrivateKey, hash []byte) ([]byte, error) {
	sig, err := (*btcec.PrivateKey)(priv).Sign(hash)
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// Verify reports whether sig is a valid DER signature of hash by the owner of
// the serialized public key pub. Malformed keys or signatures do not verify.
func Verify(pub []byte, hash []byte, sig []byte) bool {
	if len(pub) == 0 || len(sig) == 0 {
		return false
	}

	pk, err := btcec.ParsePubKey(pub, Curve())
	if err != nil {
		return false
	}

	s, err := btcec.ParseDERSignature(sig, Curve())
	if err != nil {
		return false
	}

	return s.Verify(hash, pk)
}
