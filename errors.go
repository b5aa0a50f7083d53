package cryptowire

import (
	"fmt"
	"sync"
)

// Code identifies the abstract kind of a cryptowire error, independent of
// the underlying cause.
type Code int

const (
	CodeNone Code = iota
	CodeInitFailure
	CodeSocketCreateFailure
	CodeBindFailure
	CodeListenFailure
	CodeAcceptFailure
	CodeAddressResolutionFailure
	CodeConnectFailure
	CodeAlreadyServing
	CodeNotServing
	CodeCannotRestart
	CodeAlreadyConnected
	CodeNotConnected
	CodeCannotReconnect
	CodeSendFailure
	CodeRecvFailure
	CodeDisconnectFailure
	CodeThreadJoinFailure
	CodeClientDoesNotExist
	CodeKeyExchangeFailure
	CodeServerFull
	CodeOpensslError
	CodeThreadStartFailure
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "None"
	case CodeInitFailure:
		return "InitFailure"
	case CodeSocketCreateFailure:
		return "SocketCreateFailure"
	case CodeBindFailure:
		return "BindFailure"
	case CodeListenFailure:
		return "ListenFailure"
	case CodeAcceptFailure:
		return "AcceptFailure"
	case CodeAddressResolutionFailure:
		return "AddressResolutionFailure"
	case CodeConnectFailure:
		return "ConnectFailure"
	case CodeAlreadyServing:
		return "AlreadyServing"
	case CodeNotServing:
		return "NotServing"
	case CodeCannotRestart:
		return "CannotRestart"
	case CodeAlreadyConnected:
		return "AlreadyConnected"
	case CodeNotConnected:
		return "NotConnected"
	case CodeCannotReconnect:
		return "CannotReconnect"
	case CodeSendFailure:
		return "SendFailure"
	case CodeRecvFailure:
		return "RecvFailure"
	case CodeDisconnectFailure:
		return "DisconnectFailure"
	case CodeThreadJoinFailure:
		return "ThreadJoinFailure"
	case CodeClientDoesNotExist:
		return "ClientDoesNotExist"
	case CodeKeyExchangeFailure:
		return "KeyExchangeFailure"
	case CodeServerFull:
		return "ServerFull"
	case CodeOpensslError:
		return "OpensslError"
	case CodeThreadStartFailure:
		return "ThreadStartFailure"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error pairs an abstract Code with the underlying cause, matching the
// (error_code, underlying_code) pair the error channel tracks.
type Error struct {
	Code  Code
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(code Code, cause error) *Error {
	e := &Error{Code: code, Cause: cause}
	setLastError(e)
	return e
}

// ErrorSink receives every error as it is set on the process-wide error
// slot, along with the opaque value passed to SetErrorSink.
type ErrorSink func(code Code, cause error, opaque any)

var errChan struct {
	mu     sync.Mutex
	last   *Error
	sink   ErrorSink
	opaque any
}

// SetErrorSink registers a callback invoked synchronously every time an
// operation fails. Passing a nil sink clears the registration. opaque is
// passed back unchanged on every invocation.
func SetErrorSink(sink ErrorSink, opaque any) {
	errChan.mu.Lock()
	defer errChan.mu.Unlock()
	errChan.sink = sink
	errChan.opaque = opaque
}

// LastError returns the most recently set process-wide error, or nil if
// none is pending or it has been cleared. The pair is sticky: a
// successful operation does not clear it.
func LastError() *Error {
	errChan.mu.Lock()
	defer errChan.mu.Unlock()
	return errChan.last
}

// ClearLastError resets the process-wide error pair to nil.
func ClearLastError() {
	errChan.mu.Lock()
	errChan.last = nil
	errChan.mu.Unlock()
}

func setLastError(e *Error) {
	errChan.mu.Lock()
	errChan.last = e
	sink := errChan.sink
	opaque := errChan.opaque
	errChan.mu.Unlock()

	if sink != nil {
		sink(e.Code, e.Cause, opaque)
	}
}
