package ws

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mateo/testfarm/internal/api"
	"github.com/mateo/testfarm/internal/farm"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Source is the coordinator as seen by the live feed.
type Source interface {
	Snapshot() farm.Snapshot
	Subscribe() <-chan farm.Event
	Unsubscribe(ch <-chan farm.Event)
}

// Hub manages all WebSocket clients and broadcasts.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	source   Source
	commands *CommandHandler
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub that pushes a snapshot every interval.
func NewHub(source Source, commands *CommandHandler, interval time.Duration) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		source:     source,
		commands:   commands,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Run starts the hub's main event loop. Call in a goroutine.
func (h *Hub) Run() {
	events := h.source.Subscribe()
	defer h.source.Unsubscribe(events)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client connected (total: %d)", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected (total: %d)", n)

		case event, ok := <-events:
			if !ok {
				return
			}
			if msg, err := MakeEnvelope(TypeFarmEvent, event); err == nil {
				h.broadcast(msg, ChannelStatus, ChannelEvents)
			}

		case <-ticker.C:
			if msg := h.buildStatusSnapshot(); msg != nil {
				h.broadcast(msg, ChannelStatus)
			}
		}
	}
}

// Stop shuts down the hub and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// ServeHTTP upgrades the request and attaches a client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := newClient(h, conn)
	select {
	case h.register <- client:
	case <-h.stopCh:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// HandleClientMessage processes a parsed message from a client.
func (h *Hub) HandleClientMessage(client *Client, env Envelope) {
	switch env.Type {
	case TypeSubscribe:
		var payload ChannelPayload
		if err := unmarshalPayload(env.Payload, &payload); err != nil {
			return
		}
		client.Subscribe(payload.Channel)
		if payload.Channel == ChannelStatus {
			if msg := h.buildStatusSnapshot(); msg != nil {
				client.Send(msg)
			}
		}

	case TypeUnsubscribe:
		var payload ChannelPayload
		if err := unmarshalPayload(env.Payload, &payload); err != nil {
			return
		}
		client.Unsubscribe(payload.Channel)

	case TypeCommand:
		var payload CommandPayload
		if err := unmarshalPayload(env.Payload, &payload); err != nil {
			return
		}
		if h.commands == nil {
			client.Send(commandError(payload.ID, "commands are disabled"))
			return
		}
		go h.commands.Handle(client, payload)
	}
}

// broadcast sends msg once to every client subscribed to any of channels.
func (h *Hub) broadcast(msg []byte, channels ...string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		for _, ch := range channels {
			if client.IsSubscribed(ch) {
				client.Send(msg)
				break
			}
		}
	}
}

func (h *Hub) buildStatusSnapshot() []byte {
	payload := api.NewStatus(h.source.Snapshot(), time.Now())
	msg, err := MakeEnvelope(TypeStatusSnapshot, payload)
	if err != nil {
		log.Printf("WebSocket: building snapshot: %v", err)
		return nil
	}
	return msg
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		client.closeSend()
	}
}
