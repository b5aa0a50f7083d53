package cryptowire

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"
)

// Status words exchanged as the first handshake message. The numeric
// values are part of the documented, stable wire contract.
const (
	statusOK         uint32 = 0x00000000
	statusServerFull uint32 = 0x00000001
)

func sendStatus(w io.Writer, status uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], status)
	return WriteFrame(w, buf[:])
}

func recvStatus(r io.Reader) (uint32, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return 0, err
	}
	if len(payload) != 4 {
		return 0, errors.New("cryptowire: malformed status frame")
	}
	return binary.BigEndian.Uint32(payload), nil
}

// serverHandshake runs the server side of the three-message handshake.
// When full is true it sends SERVER_FULL and returns without proceeding
// further; otherwise it sends OK, receives the client's RSA public key,
// generates a fresh session key, and sends it back RSA-wrapped. On
// success it also returns a log-only fingerprint of the client's public
// key, for correlating handshake and disconnect log lines for the same
// client without printing key material.
func serverHandshake(conn net.Conn, full bool, timeout time.Duration) (sessionKey, string, error) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}

	if full {
		if err := sendStatus(conn, statusServerFull); err != nil {
			return sessionKey{}, "", newError(CodeSendFailure, err)
		}
		return sessionKey{}, "", newError(CodeServerFull, errors.New("registry at capacity"))
	}

	if err := sendStatus(conn, statusOK); err != nil {
		return sessionKey{}, "", newError(CodeSendFailure, err)
	}

	pubPEM, err := ReadFrame(conn)
	if err != nil {
		return sessionKey{}, "", newError(CodeKeyExchangeFailure, err)
	}
	pub, err := parsePublicKeyPEM(pubPEM)
	if err != nil {
		return sessionKey{}, "", err
	}

	sk, err := generateSessionKey()
	if err != nil {
		return sessionKey{}, "", err
	}

	wrapped, err := wrapSessionKey(pub, sk)
	if err != nil {
		return sessionKey{}, "", err
	}
	if err := WriteFrame(conn, wrapped); err != nil {
		return sessionKey{}, "", newError(CodeSendFailure, err)
	}
	return sk, fingerprint(pubPEM), nil
}

// clientHandshake runs the client side of the same exchange.
func clientHandshake(conn net.Conn, timeout time.Duration) (sessionKey, error) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
		defer conn.SetDeadline(time.Time{})
	}

	status, err := recvStatus(conn)
	if err != nil {
		return sessionKey{}, newError(CodeKeyExchangeFailure, err)
	}
	if status == statusServerFull {
		return sessionKey{}, newError(CodeServerFull, errors.New("server reported capacity full"))
	}
	if status != statusOK {
		return sessionKey{}, newError(CodeKeyExchangeFailure, errors.New("unrecognized handshake status word"))
	}

	priv, err := generateRSAKeyPair()
	if err != nil {
		return sessionKey{}, err
	}
	pubPEM, err := marshalPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return sessionKey{}, err
	}
	if err := WriteFrame(conn, pubPEM); err != nil {
		return sessionKey{}, newError(CodeSendFailure, err)
	}

	wrapped, err := ReadFrame(conn)
	if err != nil {
		return sessionKey{}, newError(CodeKeyExchangeFailure, err)
	}
	return unwrapSessionKey(priv, wrapped)
}
