package cryptowire

import (
	"time"

	"github.com/rs/zerolog"
)

// Default tuning values, applied by NewServer/NewClient when the
// corresponding Config/ClientConfig field is left at its zero value.
const (
	DefaultMaxClients       = 32
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultMaxPayloadSize bounds the plaintext payload accepted by Send
	// before framing and encryption. The framer itself can address up to
	// 2^40-1 bytes of ciphertext; this default is a conservative library
	// default, not a protocol limit (see the open question on message
	// size in DESIGN.md).
	DefaultMaxPayloadSize = 8 << 20
)

// Config configures a Server.
type Config struct {
	// MaxClients bounds the number of simultaneously connected clients.
	// Defaults to DefaultMaxClients when zero.
	MaxClients int

	// HandshakeTimeout bounds how long the three-message handshake may
	// take before a connection is abandoned. Defaults to
	// DefaultHandshakeTimeout when zero.
	HandshakeTimeout time.Duration

	// MaxPayloadSize bounds the plaintext payload length accepted by
	// Send/SendAll. Defaults to DefaultMaxPayloadSize when zero. Not
	// enforced on receive: an incoming message is bounded only by the
	// framer's 2^40-1 byte ciphertext limit, not by a guessed cap.
	MaxPayloadSize int

	// EventBlocking, when true, delivers event callbacks inline on the
	// I/O goroutine instead of spawning a fresh worker per event.
	EventBlocking bool

	// Logger receives structured lifecycle events. A nil Logger falls
	// back to a no-op logger.
	Logger *zerolog.Logger

	// OnConnect fires once a client has completed the handshake and been
	// assigned a client_id.
	OnConnect func(clientID uint64)

	// OnRecv fires once per decrypted application message received from
	// a client.
	OnRecv func(clientID uint64, payload []byte)

	// OnDisconnect fires once a connected client's socket is closed,
	// either by the peer or by RemoveClient.
	OnDisconnect func(clientID uint64)
}

func (c Config) withDefaults() Config {
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// HandshakeTimeout bounds the client side of the handshake. Defaults
	// to DefaultHandshakeTimeout when zero.
	HandshakeTimeout time.Duration

	// MaxPayloadSize bounds outgoing Send calls. Defaults to
	// DefaultMaxPayloadSize when zero. Not enforced on receive: an
	// incoming message is bounded only by the framer's 2^40-1 byte
	// ciphertext limit, not by a guessed cap.
	MaxPayloadSize int

	// EventBlocking, when true, delivers event callbacks inline on the
	// read-loop goroutine instead of spawning a fresh worker per event.
	EventBlocking bool

	// Logger receives structured lifecycle events. A nil Logger falls
	// back to a no-op logger.
	Logger *zerolog.Logger

	// OnRecv fires once per decrypted application message received from
	// the server.
	OnRecv func(payload []byte)

	// OnDisconnected fires once the connection ends for any reason other
	// than a local call to Disconnect (peer close, ServerFull rejection).
	OnDisconnected func()
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}
