// Package transport carries HCI traffic between the vendor stack and the
// radio. A UART never calls back into the stack directly: completions are
// reported through a Notifier, which the worker turns into queued I/O
// events so that the stack only ever runs on the worker goroutine.
package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// IOKind classifies a low-level I/O completion.
type IOKind int

const (
	PacketSent IOKind = iota
	PacketReceived
	TransportError
)

func (k IOKind) String() string {
	switch k {
	case PacketSent:
		return "packet_sent"
	case PacketReceived:
		return "packet_received"
	case TransportError:
		return "transport_error"
	default:
		return fmt.Sprintf("io(%d)", int(k))
	}
}

// IOEvent is one completion reported by a UART.
type IOEvent struct {
	Kind IOKind
	Data []byte // received block for PacketReceived
	Err  error  // cause for TransportError
}

// Notifier receives completions. It is called from transport goroutines
// and must not block.
type Notifier func(IOEvent)

var (
	ErrNotOpen        = errors.New("transport: not open")
	ErrAlreadyOpen    = errors.New("transport: already open")
	ErrBlockPending   = errors.New("transport: block already pending")
	ErrBufferTooSmall = errors.New("transport: block larger than buffer")
)

// UART is the block-oriented serial link used by the HCI H4 transport.
//
// SendBlock queues p and reports PacketSent once every byte has left.
// ReceiveBlock asks for exactly n bytes and reports PacketReceived with
// them. At most one send and one receive are pending at a time.
type UART interface {
	Open(notify Notifier) error
	SendBlock(p []byte) error
	ReceiveBlock(n int) error
	Close() error
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()
