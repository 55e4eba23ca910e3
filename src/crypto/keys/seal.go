package keys

import (
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"

	"github.com/btcsuite/btcd/btcec"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

const (
	compressedKeyLen = 33
	// Poly1305 authenticator length
	tagSize = 16
)

// ErrSealedBoxTooShort is returned by Open when the input cannot contain an
// ephemeral key, a nonce and an authentication tag.
var ErrSealedBoxTooShort = errors.New("sealed box too short")

// Seal encrypts plaintext so that only the owner of recipient's private key can
// open it. The output is ephemeralPub(33) || nonce(24) || ciphertext.
func Seal(recipient *ecdsa.PublicKey, plaintext []byte) ([]byte, error) {
	eph, err := btcec.NewPrivateKey(Curve())
	if err != nil {
		return nil, err
	}
	ephPub := eph.PubKey().SerializeCompressed()

	aead, err := sealKey(eph, (*btcec.PublicKey)(recipient), ephPub)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, compressedKeyLen+cap(nonce))
	out = append(out, ephPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, ephPub), nil
}

// Open decrypts a box produced by Seal. Any tampering, or a box addressed to
// another key, fails authentication.
func Open(priv *ecdsa.PrivateKey, box []byte) ([]byte, error) {
	if len(box) < compressedKeyLen+chacha20poly1305.NonceSizeX+tagSize {
		return nil, ErrSealedBoxTooShort
	}

	ephPub := box[:compressedKeyLen]
	pub, err := btcec.ParsePubKey(ephPub, Curve())
	if err != nil {
		return nil, err
	}

	aead, err := sealKey((*btcec.PrivateKey)(priv), pub, ephPub)
	if err != nil {
		return nil, err
	}

	nonce := box[compressedKeyLen : compressedKeyLen+aead.NonceSize()]
	return aead.Open(nil, nonce, box[compressedKeyLen+aead.NonceSize():], ephPub)
}

// sealKey derives the symmetric key from the ECDH secret and the ephemeral
// public key, and returns the corresponding XChaCha20-Poly1305 AEAD.
func sealKey(priv *btcec.PrivateKey, pub *btcec.PublicKey, ephPub []byte) (cipher.AEAD, error) {
	secret := btcec.GenerateSharedSecret(priv, pub)

	h := sha3.New256()
	h.Write(secret)
	h.Write(ephPub)

	return chacha20poly1305.NewX(h.Sum(nil))
}
