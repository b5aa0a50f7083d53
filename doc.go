// Package cryptowire implements a length-framed, end-to-end encrypted
// transport between a single server and a bounded population of clients
// over TCP. Applications embed the library and register event callbacks;
// the library owns socket I/O, connection lifecycle, framing, and
// cryptographic state.
//
// A server accepts connections up to a configured capacity, performs an
// RSA/AES handshake with each client to install a per-connection session
// key, and then exchanges length-prefixed, AES-256-CBC encrypted
// messages until either side disconnects.
package cryptowire
