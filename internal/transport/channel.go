// Package transport carries frames between the relay and one browser client.
package transport

import "errors"

var ErrClosed = errors.New("transport closed")

type FrameKind int

const (
	FrameBinary FrameKind = iota + 1
	FrameText
)

func (k FrameKind) String() string {
	switch k {
	case FrameBinary:
		return "binary"
	case FrameText:
		return "text"
	default:
		return "unknown"
	}
}

type Frame struct {
	Kind FrameKind
	Data []byte
}

// Channel is one duplex client connection. Inbound frames are delivered on
// Frames in arrival order; the channel is closed when the connection ends.
// Sends are queued and written in submission order. Done is closed exactly once.
type Channel interface {
	SendBinary(data []byte) error
	SendText(data []byte) error
	Frames() <-chan Frame
	Done() <-chan struct{}
	Close() error
}
