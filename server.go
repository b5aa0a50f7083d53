package cryptowire

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// serverState tracks the server's position in the Idle -> Bound ->
// Listening -> Serving -> Stopping -> Stopped state machine. Bound and
// Listening collapse into a single atomic transition here since
// net.Listen performs both in one call.
type serverState int32

const (
	serverIdle serverState = iota
	serverServing
	serverStopping
	serverStopped
)

// SendResult is one entry of the per-recipient result vector SendAll
// returns.
type SendResult struct {
	ClientID uint64
	Err      error
}

// Server accepts connections from up to Config.MaxClients clients,
// handshakes each one to install a session key, and dispatches receive,
// connect, and disconnect events.
type Server struct {
	config Config

	mu       sync.Mutex
	state    serverState
	host     string
	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup

	registry   *clientRegistry
	nextID     uint64
	sem        chan struct{}
	dispatcher *dispatcher
}

// NewServer creates a Server from cfg, applying defaults for any
// zero-valued field.
func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		config:     cfg,
		registry:   newClientRegistry(cfg.MaxClients),
		sem:        make(chan struct{}, cfg.MaxClients),
		dispatcher: &dispatcher{blocking: cfg.EventBlocking, logger: cfg.Logger},
	}
}

// Start binds host:port and begins accepting connections, moving the
// server through Bound, Listening, and into Serving in one call.
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == serverStopped {
		return newError(CodeCannotRestart, errors.New("server was already stopped"))
	}
	if s.state != serverIdle {
		return newError(CodeAlreadyServing, errors.New("server is already serving"))
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return newError(CodeListenFailure, err)
	}

	s.host = host
	s.listener = ln
	s.quit = make(chan struct{})
	s.state = serverServing

	s.config.Logger.Info().Str("addr", ln.Addr().String()).Msg("cryptowire: server listening")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop sets serving_flag to false, closes the listen socket to unblock
// accept, closes every client socket to unblock the per-client readers,
// and joins all owned goroutines before returning.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.state != serverServing {
		s.mu.Unlock()
		return
	}
	s.state = serverStopping
	close(s.quit)
	s.listener.Close()
	s.mu.Unlock()

	s.registry.close()
	s.wg.Wait()

	s.mu.Lock()
	s.state = serverStopped
	s.mu.Unlock()

	s.config.Logger.Info().Msg("cryptowire: server stopped")
}

// IsServing reports whether the server is currently in the Serving state.
func (s *Server) IsServing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == serverServing
}

// Host returns the host the server was started on, as passed to Start.
func (s *Server) Host() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// Port returns the port component of the listen address.
func (s *Server) Port() int {
	_, port := s.splitListenAddr()
	return port
}

func (s *Server) splitListenAddr() (string, int) {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// ClientHost returns the remote host of a connected client.
func (s *Server) ClientHost(id uint64) (string, bool) {
	host, _, ok := s.clientAddr(id)
	return host, ok
}

// ClientPort returns the remote port of a connected client.
func (s *Server) ClientPort(id uint64) (int, bool) {
	_, port, ok := s.clientAddr(id)
	return port, ok
}

func (s *Server) clientAddr(id uint64) (string, int, bool) {
	record, ok := s.registry.get(id)
	if !ok {
		return "", 0, false
	}
	host, portStr, err := net.SplitHostPort(record.conn.RemoteAddr().String())
	if err != nil {
		return "", 0, false
	}
	port, _ := strconv.Atoi(portStr)
	return host, port, true
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.config.Logger.Error().Err(err).Msg("cryptowire: accept error")
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	full := false
	select {
	case s.sem <- struct{}{}:
	default:
		full = true
	}

	sk, fp, err := serverHandshake(conn, full, s.config.HandshakeTimeout)
	if full {
		conn.Close()
		return
	}
	if err != nil {
		<-s.sem
		conn.Close()
		s.config.Logger.Warn().Err(err).Msg("cryptowire: handshake failed")
		return
	}

	id := atomic.AddUint64(&s.nextID, 1) - 1
	if err := s.registry.insert(id, clientRecord{conn: conn, key: sk}); err != nil {
		<-s.sem
		conn.Close()
		return
	}

	s.config.Logger.Debug().Uint64("client_id", id).Str("key_fingerprint", fp).Msg("cryptowire: handshake complete")

	s.dispatcher.dispatch(event{kind: eventConnect, clientID: id}, func(ev event) {
		if s.config.OnConnect != nil {
			s.config.OnConnect(ev.clientID)
		}
	})

	s.readLoop(id, conn, sk)
}

func (s *Server) readLoop(id uint64, conn net.Conn, sk sessionKey) {
	for {
		ciphertext, err := ReadFrame(conn)
		if err != nil {
			s.disconnectClient(id, err)
			return
		}

		plaintext, err := decryptPayload(ciphertext, sk)
		if err != nil {
			s.config.Logger.Warn().Uint64("client_id", id).Err(err).Msg("cryptowire: recv decrypt failed")
			s.disconnectClient(id, err)
			return
		}

		s.dispatcher.dispatch(event{kind: eventRecv, clientID: id, payload: plaintext}, func(ev event) {
			if s.config.OnRecv != nil {
				s.config.OnRecv(ev.clientID, ev.payload)
			}
		})
	}
}

// disconnectClient removes id from the registry, closes its socket, and
// dispatches on_disconnect. If the client was already removed (e.g. by
// a concurrent RemoveClient call), this is a no-op — whichever caller
// wins the registry.remove race owns the dispatch, so the event never
// fires twice for the same client. A cause surfacing only because
// Server.Stop() closed the socket out from under a blocked read is not
// treated as a peer failure.
func (s *Server) disconnectClient(id uint64, cause error) {
	record, ok := s.registry.remove(id)
	if !ok {
		return
	}
	record.conn.Close()
	<-s.sem

	stopping := false
	select {
	case <-s.quit:
		stopping = true
	default:
	}

	if !stopping && cause != nil && cause != io.EOF {
		newError(CodeRecvFailure, cause)
	}

	s.config.Logger.Debug().Uint64("client_id", id).Msg("cryptowire: client disconnected")

	s.dispatcher.dispatch(event{kind: eventDisconnect, clientID: id}, func(ev event) {
		if s.config.OnDisconnect != nil {
			s.config.OnDisconnect(ev.clientID)
		}
	})
}

// RemoveClient forcibly disconnects a connected client.
func (s *Server) RemoveClient(id uint64) error {
	if !s.registry.contains(id) {
		return newError(CodeClientDoesNotExist, errors.New("no such client"))
	}
	s.disconnectClient(id, nil)
	return nil
}

// Send encrypts payload under id's session key, frames it, and writes
// it to that client's socket.
func (s *Server) Send(id uint64, payload []byte) error {
	record, ok := s.registry.get(id)
	if !ok {
		return newError(CodeClientDoesNotExist, errors.New("no such client"))
	}
	return s.sendTo(record, payload)
}

func (s *Server) sendTo(record clientRecord, payload []byte) error {
	if len(payload) > s.config.MaxPayloadSize {
		return newError(CodeSendFailure, errors.New("payload exceeds MaxPayloadSize"))
	}
	ciphertext, err := encryptPayload(payload, record.key)
	if err != nil {
		return err
	}
	if err := WriteFrame(record.conn, ciphertext); err != nil {
		return newError(CodeSendFailure, err)
	}
	return nil
}

// SendAll writes payload to every currently connected client on a
// best-effort basis. Failures on individual recipients are reported in
// the returned slice and do not halt the broadcast.
func (s *Server) SendAll(payload []byte) []SendResult {
	entries := s.registry.snapshot()
	results := make([]SendResult, len(entries))
	for i, entry := range entries {
		results[i] = SendResult{ClientID: entry.id, Err: s.sendTo(entry.record, payload)}
	}
	return results
}
