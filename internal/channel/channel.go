// Package channel implements the message channel between the orchestrator
// and a worker process: a FIFO of tagged JSON messages carried as
// newline-delimited JSON over a pair of pipes.
package channel

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	// ErrEmpty is returned by Receive when no message arrived before the timeout.
	ErrEmpty = errors.New("channel: no message")
	// ErrClosed is returned once the channel is closed or the peer went away
	// and every buffered message has been consumed.
	ErrClosed = errors.New("channel: closed")
)

// maxMessageSize bounds a single encoded message.
const maxMessageSize = 16 * 1024 * 1024

// Message is one tagged value sent over a Channel.
type Message struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %q has no payload", m.Tag)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %q payload: %w", m.Tag, err)
	}
	return nil
}

// Channel is one endpoint of a duplex message channel.
// Send may be called from any goroutine; Receive has a single consumer.
type Channel struct {
	r io.Reader
	w io.WriteCloser

	inMu     sync.Mutex
	inbox    []Message
	inNotify chan struct{}
	inDone   bool
	readErr  error

	outMu     sync.Mutex
	outbox    [][]byte
	outNotify chan struct{}
	outClosed bool
	writeErr  error
	writerEnd chan struct{}

	closeOnce sync.Once
	closers   []io.Closer
}

// New starts a Channel reading messages from r and writing to w.
// Either side may be nil for a one-directional endpoint.
func New(r io.Reader, w io.WriteCloser) *Channel {
	c := &Channel{
		r:         r,
		w:         w,
		inNotify:  make(chan struct{}, 1),
		outNotify: make(chan struct{}, 1),
		writerEnd: make(chan struct{}),
	}
	if r != nil {
		if rc, ok := r.(io.Closer); ok {
			c.closers = append(c.closers, rc)
		}
		go c.readLoop()
	} else {
		c.inDone = true
	}
	if w != nil {
		go c.writeLoop()
	} else {
		close(c.writerEnd)
	}
	return c
}

func (c *Channel) readLoop() {
	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.finishRead(fmt.Errorf("channel: malformed message: %w", err))
			return
		}
		c.inMu.Lock()
		c.inbox = append(c.inbox, msg)
		c.inMu.Unlock()
		c.signal(c.inNotify)
	}
	c.finishRead(scanner.Err())
}

func (c *Channel) finishRead(err error) {
	c.inMu.Lock()
	c.inDone = true
	c.readErr = err
	c.inMu.Unlock()
	c.signal(c.inNotify)
}

func (c *Channel) writeLoop() {
	defer close(c.writerEnd)
	for {
		c.outMu.Lock()
		for len(c.outbox) == 0 && !c.outClosed {
			c.outMu.Unlock()
			<-c.outNotify
			c.outMu.Lock()
		}
		batch := c.outbox
		c.outbox = nil
		closed := c.outClosed
		c.outMu.Unlock()

		for _, line := range batch {
			if _, err := c.w.Write(line); err != nil {
				c.outMu.Lock()
				c.writeErr = err
				c.outClosed = true
				c.outbox = nil
				c.outMu.Unlock()
				_ = c.w.Close()
				return
			}
		}
		if closed {
			_ = c.w.Close()
			return
		}
	}
}

func (c *Channel) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Send encodes payload and queues it for delivery without blocking.
// A nil payload is sent as JSON null.
func (c *Channel) Send(tag string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %q payload: %w", tag, err)
	}
	line, err := json.Marshal(Message{Tag: tag, Payload: data})
	if err != nil {
		return fmt.Errorf("encode %q message: %w", tag, err)
	}
	line = append(line, '\n')

	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.w == nil || c.outClosed {
		if c.writeErr != nil {
			return fmt.Errorf("%w: %v", ErrClosed, c.writeErr)
		}
		return ErrClosed
	}
	c.outbox = append(c.outbox, line)
	c.signal(c.outNotify)
	return nil
}

// Receive returns the next message, waiting up to timeout. A zero timeout
// polls without blocking. It returns ErrEmpty on expiry and ErrClosed once
// the peer closed and the buffer is drained.
func (c *Channel) Receive(timeout time.Duration) (Message, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		c.inMu.Lock()
		if len(c.inbox) > 0 {
			msg := c.inbox[0]
			c.inbox = c.inbox[1:]
			c.inMu.Unlock()
			return msg, nil
		}
		done, readErr := c.inDone, c.readErr
		c.inMu.Unlock()

		if done {
			if readErr != nil {
				return Message{}, fmt.Errorf("%w: %v", ErrClosed, readErr)
			}
			return Message{}, ErrClosed
		}
		if deadline == nil {
			return Message{}, ErrEmpty
		}

		select {
		case <-c.inNotify:
		case <-deadline:
			return Message{}, ErrEmpty
		}
	}
}

// Close flushes queued outbound messages, closes the write side, and
// releases the read side.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.outMu.Lock()
		c.outClosed = true
		c.outMu.Unlock()
		c.signal(c.outNotify)

		select {
		case <-c.writerEnd:
		case <-time.After(5 * time.Second):
		}
		for _, cl := range c.closers {
			_ = cl.Close()
		}
	})
	return nil
}
