package api

import (
	"context"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 32
)

var upgrader = &websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize}

// Hub fans state updates out to websocket clients. Run owns the client
// set; joins, leaves and broadcasts all pass through its channels. A
// client that cannot keep up has updates dropped rather than stalling
// the rest.
type Hub struct {
	forward chan []byte
	join    chan *client
	leave   chan *client
	done    chan struct{}
	clients map[*client]bool

	count   atomic.Int64
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		forward: make(chan []byte, 16),
		join:    make(chan *client),
		leave:   make(chan *client),
		done:    make(chan struct{}),
		clients: make(map[*client]bool),
	}
}

// Run services the hub until ctx ends, then disconnects every client.
// Call it once.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case c := <-h.join:
			h.clients[c] = true
			h.count.Store(int64(len(h.clients)))
			log.Printf("websocket client joined (%d connected)", len(h.clients))
		case c := <-h.leave:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(int64(len(h.clients)))
			log.Printf("websocket client left (%d connected)", len(h.clients))
		case msg := <-h.forward:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.dropped.Add(1)
				}
			}
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(0)
			return ctx.Err()
		}
	}
}

// Broadcast queues msg for delivery to every connected client. The
// message is dropped when the hub loop is saturated or not running.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.forward <- msg:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int { return int(h.count.Load()) }

// Dropped reports how many updates were discarded for slow clients or a
// saturated hub.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	c := &client{socket: socket, send: make(chan []byte, messageBufferSize), hub: h}
	select {
	case h.join <- c:
	case <-h.done:
		socket.Close()
		return
	}
	defer func() {
		select {
		case h.leave <- c:
		case <-h.done:
		}
	}()
	go c.write()
	c.read()
}

// client is one websocket consumer of the state stream.
type client struct {
	socket *websocket.Conn
	send   chan []byte
	hub    *Hub
}

// read drains inbound frames so close and ping control messages are
// processed. The stream is one-way; payloads from the peer are ignored.
func (c *client) read() {
	defer c.socket.Close()
	c.socket.SetReadLimit(512)
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) write() {
	defer c.socket.Close()
	for msg := range c.send {
		if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	// The hub closed the send channel; say goodbye before hanging up.
	c.socket.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
