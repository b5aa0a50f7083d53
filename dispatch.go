package cryptowire

import "github.com/rs/zerolog"

// eventKind tags the event shapes recognized by the dispatcher.
type eventKind int

const (
	eventConnect eventKind = iota
	eventRecv
	eventDisconnect
	eventDisconnected
)

// event is a tagged variant carrying only the fields relevant to its
// kind; clientID is unused for client-side events.
type event struct {
	kind     eventKind
	clientID uint64
	payload  []byte
}

// dispatcher routes events to a handler either inline (serialized with
// the I/O loop, when blocking is true) or on a freshly spawned worker
// goroutine, matching the goroutine-per-connection idiom the server
// uses elsewhere, generalized to goroutine-per-event.
type dispatcher struct {
	blocking bool
	logger   *zerolog.Logger
}

// dispatch invokes handler with ev, recovering from and logging any
// panic so a misbehaving callback cannot take down the I/O loop.
func (d *dispatcher) dispatch(ev event, handler func(event)) {
	if handler == nil {
		return
	}
	if d.blocking {
		d.invoke(ev, handler)
		return
	}
	go d.invoke(ev, handler)
}

func (d *dispatcher) invoke(ev event, handler func(event)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Int("event_kind", int(ev.kind)).
				Uint64("client_id", ev.clientID).
				Interface("panic", r).
				Msg("event callback panicked")
		}
	}()
	handler(ev)
}
