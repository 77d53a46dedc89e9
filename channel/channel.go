// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the endpoint.Channel interface.
package channel

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/endpoint"
	"github.com/creachadair/endpoint/packet"
	"github.com/valyala/bytebufferpool"
)

// Direct constructs a connected pair of in-memory channels that pass messages
// directly without framing. Messages sent to A are received by B and vice
// versa. The sender must not modify a message after sending it.
//
// Closing either end causes pending and future operations on that end to
// report net.ErrClosed, and operations on the other end to report io.EOF.
func Direct() (A, B endpoint.Channel) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	aDone := &closer{ch: make(chan struct{})}
	bDone := &closer{ch: make(chan struct{})}
	A = direct{out: a2b, in: b2a, self: aDone, peer: bDone}
	B = direct{out: b2a, in: a2b, self: bDone, peer: aDone}
	return
}

type closer struct {
	once sync.Once
	ch   chan struct{}
}

func (c *closer) close() (err error) {
	err = net.ErrClosed
	c.once.Do(func() { close(c.ch); err = nil })
	return
}

type direct struct {
	out  chan<- []byte
	in   <-chan []byte
	self *closer
	peer *closer
}

// Send implements a method of the [endpoint.Channel] interface.
func (d direct) Send(msg []byte) error {
	select {
	case <-d.self.ch:
		return net.ErrClosed
	default:
	}
	select {
	case d.out <- msg:
		return nil
	case <-d.self.ch:
		return net.ErrClosed
	case <-d.peer.ch:
		return io.ErrClosedPipe
	}
}

// Recv implements a method of the [endpoint.Channel] interface.
func (d direct) Recv() ([]byte, error) {
	select {
	case msg := <-d.in:
		return msg, nil
	case <-d.self.ch:
		return nil, net.ErrClosed
	case <-d.peer.ch:
		return nil, io.EOF
	}
}

// Close implements a method of the [endpoint.Channel] interface.
func (d direct) Close() error { return d.self.close() }

// MaxMessageLen is the largest message a stream channel can carry.
const MaxMessageLen = packet.MaxVint30

// IO constructs a channel that receives from r and sends to wc. Each message
// is framed by a length prefix encoded as a packet.Vint30.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	return IOChannel{r: bufio.NewReader(r), w: wc, c: wc}
}

// An IOChannel sends and receives length-prefixed messages on a reader and a
// writer.
type IOChannel struct {
	r *bufio.Reader
	w io.Writer
	c io.Closer
}

// Send implements a method of the [endpoint.Channel] interface.
func (c IOChannel) Send(msg []byte) error {
	if len(msg) > MaxMessageLen {
		return fmt.Errorf("message too long (%d > %d bytes)", len(msg), MaxMessageLen)
	}

	// Assemble the frame in one buffer so it is written in a single call.
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = packet.Vint30(len(msg)).Append(buf.B)
	buf.B = append(buf.B, msg...)
	_, err := c.w.Write(buf.B)
	return err
}

// Recv implements a method of the [endpoint.Channel] interface. A stream that
// ends between messages reports io.EOF; one that ends within a message
// reports io.ErrUnexpectedEOF.
func (c IOChannel) Recv() ([]byte, error) {
	n, err := packet.ReadVint30(c.r)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(c.r, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}

// Close implements a method of the [endpoint.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
