package cryptowire

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
)

// clientState tracks the Fresh -> Connecting -> Connected ->
// Disconnecting -> Done state machine. Done is terminal: a client that
// reaches it can never reconnect.
type clientState int32

const (
	clientFresh clientState = iota
	clientConnecting
	clientConnected
	clientDisconnecting
	clientDone
)

// Client connects to a single cryptowire Server, performs the handshake,
// and exchanges encrypted, length-framed messages until disconnected.
type Client struct {
	config ClientConfig

	mu    sync.Mutex
	state clientState
	conn  net.Conn
	key   sessionKey
	wg    sync.WaitGroup

	dispatcher *dispatcher
}

// NewClient creates a Client from cfg, applying defaults for any
// zero-valued field.
func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		config:     cfg,
		dispatcher: &dispatcher{blocking: cfg.EventBlocking, logger: cfg.Logger},
	}
}

// Connect resolves host (accepting dotted-quad addresses and the
// literal "localhost"), dials port, and performs the client side of the
// handshake. On a ServerFull rejection the client transitions straight
// to Done and OnDisconnected fires.
func (c *Client) Connect(host string, port int) error {
	c.mu.Lock()
	switch c.state {
	case clientDone:
		c.mu.Unlock()
		return newError(CodeCannotReconnect, errors.New("client has already disconnected once"))
	case clientFresh:
		c.state = clientConnecting
	default:
		c.mu.Unlock()
		return newError(CodeAlreadyConnected, errors.New("client is already connected"))
	}
	c.mu.Unlock()

	if host == "localhost" {
		host = "127.0.0.1"
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		c.mu.Lock()
		c.state = clientFresh
		c.mu.Unlock()
		return newError(CodeConnectFailure, err)
	}

	sk, err := clientHandshake(conn, c.config.HandshakeTimeout)
	if err != nil {
		conn.Close()
		c.mu.Lock()
		c.state = clientDone
		c.mu.Unlock()

		var cwErr *Error
		if errors.As(err, &cwErr) && cwErr.Code == CodeServerFull {
			c.dispatcher.dispatch(event{kind: eventDisconnected}, func(ev event) {
				if c.config.OnDisconnected != nil {
					c.config.OnDisconnected()
				}
			})
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.key = sk
	c.state = clientConnected
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn, sk)
	return nil
}

// IsConnected reports whether the client is currently in the Connected
// state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == clientConnected
}

// Send encrypts payload under the session key and writes it to the
// server.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	if c.state != clientConnected {
		c.mu.Unlock()
		return newError(CodeNotConnected, errors.New("client is not connected"))
	}
	conn, key := c.conn, c.key
	c.mu.Unlock()

	if len(payload) > c.config.MaxPayloadSize {
		return newError(CodeSendFailure, errors.New("payload exceeds MaxPayloadSize"))
	}
	ciphertext, err := encryptPayload(payload, key)
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, ciphertext); err != nil {
		return newError(CodeSendFailure, err)
	}
	return nil
}

// Disconnect closes the peer socket — which is also the wake mechanism
// for the blocked read loop, see DESIGN.md — and joins the handle
// goroutine. No callback fires for a local disconnect; a second call is
// a no-op, as is a call before the client ever connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state != clientConnected {
		c.mu.Unlock()
		return
	}
	c.state = clientDisconnecting
	conn := c.conn
	c.mu.Unlock()

	conn.Close()
	c.wg.Wait()
}

func (c *Client) readLoop(conn net.Conn, key sessionKey) {
	defer c.wg.Done()

	for {
		ciphertext, err := ReadFrame(conn)
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		plaintext, err := decryptPayload(ciphertext, key)
		if err != nil {
			c.config.Logger.Warn().Err(err).Msg("cryptowire: recv decrypt failed")
			c.handleDisconnect(err)
			return
		}

		c.dispatcher.dispatch(event{kind: eventRecv, payload: plaintext}, func(ev event) {
			if c.config.OnRecv != nil {
				c.config.OnRecv(ev.payload)
			}
		})
	}
}

// handleDisconnect latches the Done state once and dispatches
// on_disconnected unless the read loop was woken by a local Disconnect
// call, in which case nothing is dispatched.
func (c *Client) handleDisconnect(cause error) {
	c.mu.Lock()
	if c.state == clientDone {
		c.mu.Unlock()
		return
	}
	localDisconnect := c.state == clientDisconnecting
	c.state = clientDone
	c.mu.Unlock()

	if localDisconnect {
		return
	}

	if cause != nil && cause != io.EOF {
		newError(CodeRecvFailure, cause)
	}

	c.dispatcher.dispatch(event{kind: eventDisconnected}, func(ev event) {
		if c.config.OnDisconnected != nil {
			c.config.OnDisconnected()
		}
	})
}

// Host returns the local socket's host.
func (c *Client) Host() string {
	host, _ := c.localAddr()
	return host
}

// Port returns the local socket's port.
func (c *Client) Port() int {
	_, port := c.localAddr()
	return port
}

// ServerHost returns the remote server's host.
func (c *Client) ServerHost() string {
	host, _ := c.remoteAddr()
	return host
}

// ServerPort returns the remote server's port.
func (c *Client) ServerPort() int {
	_, port := c.remoteAddr()
	return port
}

func (c *Client) localAddr() (string, int) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return "", 0
	}
	return splitAddr(conn.LocalAddr().String())
}

func (c *Client) remoteAddr() (string, int) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return "", 0
	}
	return splitAddr(conn.RemoteAddr().String())
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
