package keys

import (
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

/*
Overlay identities and signatures are based on elliptic curve cryptography
over secp256k1, the curve used by Bitcoin, so that the same keys can be used by
the trade protocol's wallet collaborator.
*/

//Order of the secp256k1 group, used to validate raw private keys.
var secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)

//Curve returns btcsuite's golang implementation of secp256k1.
func Curve() *btcec.KoblitzCurve {
	return btcec.S256()
}
