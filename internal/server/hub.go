package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatify/internal/chat"
)

// ErrHubClosed is returned when registering with a hub that is shutting down.
var ErrHubClosed = errors.New("hub closed")

type delivery struct {
	payload []byte
	to      []chat.ConnID
}

// Hub owns the live WebSocket clients and fans encoded frames out to them.
// Registration, removal and delivery all run on the Run loop, so a client
// sees frames in the order they were handed to the hub.
type Hub struct {
	clients    map[chat.ConnID]*Client
	deliveries chan delivery
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     zerolog.Logger
}

// NewHub creates a hub whose delivery queue holds queue pending fan-outs.
func NewHub(queue int, logger zerolog.Logger) *Hub {
	if queue <= 0 {
		queue = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[chat.ConnID]*Client),
		deliveries: make(chan delivery, queue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// Register adds client to the hub. A client already registered under the
// same connection id is replaced and its send channel closed. Register
// returns once the Run loop has recorded the client.
func (h *Hub) Register(client *Client) error {
	select {
	case h.register <- client:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Unregister removes client if it is still the registered one for its id.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Serve starts the client's pumps. The hub waits for them on Shutdown.
func (h *Hub) Serve(client *Client) {
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// Deliver implements chat.Broadcaster.
func (h *Hub) Deliver(ev chat.Event, to []chat.ConnID) {
	payload, err := encodeEvent(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to encode event")
		return
	}
	h.enqueue(payload, to)
}

func (h *Hub) enqueue(payload []byte, to []chat.ConnID) {
	select {
	case h.deliveries <- delivery{payload: payload, to: to}:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	if client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn().Msg("received nil client registration; skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case d := <-h.deliveries:
			h.handleDelivery(d)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mutex.Lock()
	previous := h.clients[client.id()]
	if previous != nil && previous != client {
		h.closeClientLocked(previous)
	}
	client.closed = false
	h.clients[client.id()] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if previous != nil && previous != client {
		h.logger.Info().Str("conn", string(client.id())).Str("addr", previous.addr).Msg("connection taken over")
	}
	h.logger.Info().Str("conn", string(client.id())).Str("addr", client.addr).Int("clients", clientCount).Msg("client registered")
}

func (h *Hub) handleUnregister(client *Client) {
	h.mutex.Lock()
	if h.clients[client.id()] != client {
		h.mutex.Unlock()
		return
	}
	h.closeClientLocked(client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.logger.Info().Str("conn", string(client.id())).Str("addr", client.addr).Int("clients", clientCount).Msg("client unregistered")
}

// closeClientLocked must be called with mutex held.
func (h *Hub) closeClientLocked(client *Client) {
	delete(h.clients, client.id())
	if !client.closed {
		client.closed = true
		close(client.send)
	}
}

func (h *Hub) handleDelivery(d delivery) {
	var clientsToRemove []*Client

	h.mutex.RLock()
	for _, id := range d.to {
		client, ok := h.clients[id]
		if !ok {
			continue
		}
		if !h.safeSend(client, d.payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}
	h.mutex.RUnlock()

	h.removeFailedClients(clientsToRemove)
}

// removeFailedClients drops clients whose send buffer is full. Their write
// pump closes the connection, which the room sees as a recoverable drop.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for _, client := range clientsToRemove {
		if h.clients[client.id()] == client {
			h.closeClientLocked(client)
			h.logger.Warn().Str("conn", string(client.id())).Str("addr", client.addr).Msg("client removed due to full send buffer")
		}
	}
}

// shutdownClients closes every connection and send channel so both pumps
// of each client return.
func (h *Hub) shutdownClients() {
	h.logger.Info().Msg("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
		h.closeClientLocked(client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.logger.Warn().Err(err).Str("addr", client.addr).Msg("error closing client connection")
		}
	}

	h.logger.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.cancel()

	done := make(chan struct{})
	go func() {
		<-h.done
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
