package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/wire"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict to the web client origin once it is served from a fixed host
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient is the relay side of one agent connection.
type WSClient struct {
	id   domain.UserID
	conn *websocket.Conn

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(id domain.UserID, conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:   id,
		conn: conn,
		done: make(chan struct{}),
	}
}

func (c *WSClient) ID() domain.UserID {
	return c.id
}

func (c *WSClient) Send(env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades an agent connection identified by the user query
// parameter and relays every signal it sends.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(r.URL.Query().Get("user"))
	if user == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(user, conn)

	l := log.With().Str("client_id", user.String()).Str("conn_id", uuid.NewString()).Logger()
	l.Info().Msg("New client connected")

	h.Hub.Register(client)
	h.Metrics.ConnectionOpened()

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		h.Metrics.ConnectionClosed()
		client.Close()
	}()

	go client.keepAlive()

	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		sig, err := wire.DecodeInvocation(env)
		if err != nil {
			l.Warn().Err(err).Str("event", env.Event).Msg("Dropping undecodable signal")
			continue
		}

		if err := h.Relay.Relay(r.Context(), user, sig); err != nil {
			l.Warn().Err(err).Str("call_id", sig.SignalCallID().String()).Str("event", env.Event).Msg("Failed to relay signal")
		}
	}
}
