// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"fmt"
	"io"

	"github.com/coder/websocket"
)

// WebSocket constructs a channel that sends and receives one message per
// binary websocket message on conn.
func WebSocket(conn *websocket.Conn) WebSocketChannel {
	return WebSocketChannel{conn: conn}
}

// A WebSocketChannel carries messages on a websocket connection.
type WebSocketChannel struct {
	conn *websocket.Conn
}

// Send implements a method of the [endpoint.Channel] interface.
func (w WebSocketChannel) Send(msg []byte) error {
	return w.conn.Write(context.Background(), websocket.MessageBinary, msg)
}

// Recv implements a method of the [endpoint.Channel] interface. A normal
// closure by the remote endpoint is reported as io.EOF.
func (w WebSocketChannel) Recv() ([]byte, error) {
	typ, msg, err := w.conn.Read(context.Background())
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	} else if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("unexpected %v message", typ)
	}
	return msg, nil
}

// Close implements a method of the [endpoint.Channel] interface. It performs
// the closing handshake with the remote endpoint.
func (w WebSocketChannel) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
