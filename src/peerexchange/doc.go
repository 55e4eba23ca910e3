// Package peerexchange keeps a node connected to the overlay.
//
// Bootstrap dials the configured seed nodes until one answers. Exchange then
// trades known-peer lists with every connected peer, on connection and
// periodically, and dials known peers until the node holds its target number
// of outbound connections.
package peerexchange
