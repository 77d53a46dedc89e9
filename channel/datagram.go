// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"bytes"
	"fmt"
	"net"
	"slices"

	"github.com/valyala/bytebufferpool"
)

// MaxDatagramLen is the largest message a datagram channel can carry.
const MaxDatagramLen = 65507

// Datagram constructs a channel that sends and receives one message per
// datagram on conn, typically a connected UDP socket. Datagrams may be lost
// or reordered by the network; the channel does not recover them.
func Datagram(conn net.Conn) DatagramChannel {
	return DatagramChannel{conn: conn}
}

// A DatagramChannel carries one message per datagram.
type DatagramChannel struct {
	conn net.Conn
}

// Send implements a method of the [endpoint.Channel] interface.
func (d DatagramChannel) Send(msg []byte) error {
	if len(msg) > MaxDatagramLen {
		return fmt.Errorf("message too long (%d > %d bytes)", len(msg), MaxDatagramLen)
	}
	_, err := d.conn.Write(msg)
	return err
}

// Recv implements a method of the [endpoint.Channel] interface. The message
// is copied out of a pooled read buffer, so it holds only its own bytes.
func (d DatagramChannel) Recv() ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	buf.B = slices.Grow(buf.B[:0], MaxDatagramLen)[:MaxDatagramLen]
	n, err := d.conn.Read(buf.B)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(buf.B[:n]), nil
}

// Close implements a method of the [endpoint.Channel] interface.
func (d DatagramChannel) Close() error { return d.conn.Close() }
