// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import "context"

type envelope struct {
	c   *connection
	msg []byte
}

// hub maintains the set of active connections and broadcasts messages
// to them.
type hub struct {
	connections map[*connection]bool
	broadcast   chan []byte
	direct      chan envelope
	register    chan *connection
	unregister  chan *connection
	done        chan struct{}
}

func newHub() *hub {
	return &hub{
		connections: make(map[*connection]bool),
		broadcast:   make(chan []byte),
		direct:      make(chan envelope),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		done:        make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		for c := range h.connections {
			delete(h.connections, c)
			close(c.send)
		}
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.connections[c] = true
		case c := <-h.unregister:
			if h.connections[c] {
				delete(h.connections, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.connections {
				h.send(c, msg)
			}
		case e := <-h.direct:
			if h.connections[e.c] {
				h.send(e.c, e.msg)
			}
		}
	}
}

func (h *hub) send(c *connection, msg []byte) {
	select {
	case c.send <- msg:
	default:
		// Slow client
		delete(h.connections, c)
		close(c.send)
	}
}

func (h *hub) publish(ctx context.Context, msg []byte) {
	if msg == nil {
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	case <-ctx.Done():
	}
}

// deliver sends msg to a single connection.
func (h *hub) deliver(c *connection, msg []byte) {
	if msg == nil {
		return
	}
	select {
	case h.direct <- envelope{c: c, msg: msg}:
	case <-h.done:
	}
}

func (h *hub) join(c *connection) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) leave(c *connection) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
