// Package config defines the configuration of an overlay node.
//
// The same Config object is used whether the node is embedded in Go code or
// started with the overlay command. Besides these options, a node keeps a few
// files in its data directory (Config.DataDir):
//
//  priv_key    // the node's private key in hex (cf. overlay keygen)
//  peers.json  // known peers saved between runs
//  overlay.toml // (optional) configuration file read by overlay run
//  badger_db/  // (optional) the database, when Config.Store is set
package config
