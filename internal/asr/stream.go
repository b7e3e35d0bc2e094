// Package asr manages streaming speech-to-text connections.
package asr

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrNotOpen       = errors.New("asr stream not open")
	ErrClosed        = errors.New("asr manager closed")
	ErrAlreadyOpened = errors.New("asr manager already opened")
)

// ReadyState mirrors the usual duplex socket lifecycle.
type ReadyState int32

const (
	Opening ReadyState = iota
	Open
	Closing
	Closed
)

func (s ReadyState) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the stream can no longer carry audio.
func (s ReadyState) Terminal() bool {
	return s == Closing || s == Closed
}

type EventType string

const (
	EventOpened     EventType = "opened"
	EventTranscript EventType = "transcript"
	EventMetadata   EventType = "metadata"
	EventWarning    EventType = "warning"
	EventError      EventType = "error"
	EventClosed     EventType = "closed"
)

type Event struct {
	Type        EventType
	Text        string
	IsFinal     bool
	SpeechFinal bool
	// Raw is the backend payload for transcript and metadata events.
	Raw  json.RawMessage
	Info string
	Err  error
}

// Options are the operator-supplied stream settings.
type Options struct {
	SmartFormat bool
	Model       string
	Language    string
	Encoding    string
	SampleRate  int
}

// Handle is one backend streaming session. It starts in Opening, emits
// EventOpened once usable, and closes its Events channel after EventClosed.
type Handle interface {
	Send(chunk []byte) error
	KeepAlive() error
	Finish() error
	ReadyState() ReadyState
	Events() <-chan Event
}

// Dialer starts backend streams. Dial must not block on the network; an error
// is returned only for requests that can never succeed (bad URL, missing key).
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Handle, error)
}
