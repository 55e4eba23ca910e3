// Package storage implements the protected data store: the local replica of
// the signed, TTL-bounded entries that nodes replicate between each other.
//
// Entries are keyed by the hash of their payload. An entry is only admitted
// if it is signed by the payload's owner over (payload hash, sequence number),
// if its TTL has not lapsed, and if its sequence number is strictly greater
// than the one last recorded for that hash. Removals are signed assertions
// following the same rules, and can only be produced by the owner recorded in
// the stored payload. Sequence numbers are remembered after an entry is
// removed or expires, so an old add cannot be replayed to resurrect it.
//
// All mutations go through a single writer lock. Each accepted mutation is
// handed to the Publisher before the mutating call returns. Reads take a
// read lock and never return an entry whose TTL has lapsed, even if the
// periodic sweep has not run yet.
package storage
