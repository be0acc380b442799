// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// request is what clients send.
type request struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
}

// connection is a middleman between the websocket connection and the hub.
type connection struct {
	ws   *websocket.Conn
	send chan []byte // outbound messages, closed by the hub
	srv  *Server
}

// readPump answers requests until the peer goes away.
func (c *connection) readPump(ctx context.Context) {
	defer func() {
		c.srv.hub.leave(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var req request
		if err := c.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Printf("server: %v", err)
			}
			return
		}
		rsp := c.srv.handle(ctx, req.Type, req.FileID)
		c.srv.hub.deliver(c, c.srv.encode(rsp))
	}
}

func (c *connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

type wsserver struct {
	srv *Server
}

// ServeHTTP handles websocket requests from the peer.
func (s wsserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.srv.logger.Printf("server: %v", err)
		return
	}
	c := &connection{send: make(chan []byte, 256), ws: ws, srv: s.srv}
	if msg := s.srv.encode(s.srv.state(r.Context())); msg != nil {
		c.send <- msg
	}
	if !s.srv.hub.join(c) {
		ws.Close()
		return
	}
	go c.writePump()
	c.readPump(r.Context())
}
