package ws

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/adapter/wire"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// Hub tracks one connection per user. A client is deliverable as soon as
// Register returns. A newer connection of the same user replaces the older
// one, which the run loop closes.
// implements port.RelayGateway
type Hub struct {
	mu         sync.RWMutex
	clients    map[domain.UserID]Client
	replaced   chan Client
	unregister chan Client
	quit       chan struct{}
	stopOnce   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[domain.UserID]Client),
		replaced:   make(chan Client),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
	}
}

func (h *Hub) Deliver(ctx context.Context, to domain.UserID, signal domain.Signal) error {
	h.mu.RLock()
	client, ok := h.clients[to]
	h.mu.RUnlock()
	if !ok {
		return domain.ErrUserOffline
	}

	env, err := wire.EncodeEvent(signal)
	if err != nil {
		return err
	}
	if err := client.Send(env); err != nil {
		return fmt.Errorf("send %s: %w", env.Event, err)
	}
	return nil
}

func (h *Hub) IsOnline(user domain.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[user]
	return ok
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for id, client := range h.clients {
				client.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case old := <-h.replaced:
			old.Close()
			log.Info().Str("client_id", old.ID().String()).Msg("Client replaced by a newer connection")

		case client := <-h.unregister:
			h.mu.Lock()
			current, ok := h.clients[client.ID()]
			if ok && current == client {
				delete(h.clients, client.ID())
			}
			h.mu.Unlock()
			client.Close()
			if ok && current == client {
				log.Info().Str("client_id", client.ID().String()).Msg("Client unregistered")
			}
		}
	}
}

func (h *Hub) Register(c Client) {
	h.mu.Lock()
	select {
	case <-h.quit:
		h.mu.Unlock()
		c.Close()
		return
	default:
	}
	old, replaced := h.clients[c.ID()]
	h.clients[c.ID()] = c
	h.mu.Unlock()
	log.Info().Str("client_id", c.ID().String()).Msg("Client registered")

	if !replaced || old == c {
		return
	}
	select {
	case h.replaced <- old:
	case <-h.quit:
		old.Close()
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}
