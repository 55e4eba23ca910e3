// Package mailbox delivers messages to nodes that may be offline.
//
// A message is sealed to the recipient's public key and stored in the
// protected data store as a mailbox payload, which replicates it to every
// node supporting the Mailbox capability. When the recipient sees the entry,
// it opens the box, hands the plaintext to its listeners, and removes the
// entry with a removal signed by its own key. Any other node can store and
// forward the entry but learns nothing about its content.
package mailbox
