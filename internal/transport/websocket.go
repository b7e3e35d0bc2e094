package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type Options struct {
	ReadLimit    int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	QueueSize    int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 2 << 20
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 120 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	return o
}

// WebSocketChannel adapts a gorilla websocket connection to Channel. One
// goroutine reads, one writes; callers never touch the conn directly.
type WebSocketChannel struct {
	conn *websocket.Conn
	opts Options

	frames   chan Frame
	outbound chan Frame
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func NewWebSocketChannel(conn *websocket.Conn, opts Options) *WebSocketChannel {
	opts = opts.withDefaults()
	c := &WebSocketChannel{
		conn:     conn,
		opts:     opts,
		frames:   make(chan Frame, opts.QueueSize),
		outbound: make(chan Frame, opts.QueueSize),
		done:     make(chan struct{}),
	}

	conn.SetReadLimit(opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})

	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *WebSocketChannel) SendBinary(data []byte) error {
	return c.enqueue(Frame{Kind: FrameBinary, Data: data})
}

func (c *WebSocketChannel) SendText(data []byte) error {
	return c.enqueue(Frame{Kind: FrameText, Data: data})
}

func (c *WebSocketChannel) Frames() <-chan Frame { return c.frames }

func (c *WebSocketChannel) Done() <-chan struct{} { return c.done }

// Err returns why the channel ended, nil for a local Close.
func (c *WebSocketChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection after flushing frames already queued.
func (c *WebSocketChannel) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *WebSocketChannel) enqueue(f Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case <-c.done:
		return ErrClosed
	case c.outbound <- f:
		return nil
	}
}

func (c *WebSocketChannel) readLoop() {
	defer close(c.frames)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		var kind FrameKind
		switch msgType {
		case websocket.BinaryMessage:
			kind = FrameBinary
		case websocket.TextMessage:
			kind = FrameText
		default:
			continue
		}
		select {
		case c.frames <- Frame{Kind: kind, Data: data}:
		case <-c.done:
			return
		}
	}
}

func (c *WebSocketChannel) writeLoop() {
	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(time.Second)
			if c.Err() == nil {
				c.drain(deadline)
			}
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = c.conn.Close()
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.shutdown(err)
			}
		case f := <-c.outbound:
			if err := c.write(f, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.shutdown(err)
			}
		}
	}
}

// drain writes frames queued before a local Close, so a final error frame
// reaches the client ahead of the close frame.
func (c *WebSocketChannel) drain(deadline time.Time) {
	for {
		select {
		case f := <-c.outbound:
			if err := c.write(f, deadline); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *WebSocketChannel) write(f Frame, deadline time.Time) error {
	msgType := websocket.BinaryMessage
	if f.Kind == FrameText {
		msgType = websocket.TextMessage
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(msgType, f.Data)
}

func (c *WebSocketChannel) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err != nil && !isNormalClose(err) {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
		}
		close(c.done)
		// Unblock a ReadMessage that would otherwise wait for the read deadline.
		_ = c.conn.SetReadDeadline(time.Now())
	})
}

func isNormalClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, ErrClosed)
}
