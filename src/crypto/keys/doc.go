// Package keys implements the public key cryptography used throughout the
// overlay.
//
// Every node owns a secp256k1 key-pair. The private key signs the
// ProtectedStorageEntries the node publishes, and the public key is embedded in
// those entries so that any peer can verify them and so that only the owner
// can later remove or refresh them.
//
// Public keys travel on the wire in their 33-byte compressed form. Signatures
// are DER encoded and deterministic (RFC6979), so signing the same digest twice
// yields the same bytes.
//
// The package also implements the sealed box used by the mailbox: an ephemeral
// ECDH exchange with the recipient's public key, a SHA3-256 key derivation and
// XChaCha20-Poly1305 authenticated encryption.
package keys
