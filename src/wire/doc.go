// Package wire defines the messages nodes exchange and how they are framed.
//
// Every message crosses the wire inside an Envelope carrying the sender's
// wire version, the minimum version a reader needs to parse it, and a stable
// integer tag naming the message variant. Envelopes and bodies are encoded
// with canonical msgpack so that equal messages always encode to equal bytes,
// and fields unknown to the reader are ignored.
//
// On a stream, each encoded envelope is preceded by its length as a 4-byte
// big-endian integer.
package wire
