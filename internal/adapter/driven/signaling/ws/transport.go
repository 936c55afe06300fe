package ws

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/wire"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	maxMessage = 64 * 1024
)

// Transport is the agent side of the signaling channel: one websocket to the
// relay, redialed with exponential backoff when it drops.
// implements port.SignalingTransport
type Transport struct {
	url    string
	dialer *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration

	mu    sync.Mutex
	conn  *websocket.Conn
	state domain.TransportState
}

type Option func(*Transport)

func WithBackoff(initial, limit time.Duration) Option {
	return func(t *Transport) {
		t.minBackoff = initial
		t.maxBackoff = limit
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// NewTransport targets serverURL (ws:// or wss://) and identifies as user.
func NewTransport(serverURL string, user domain.UserID, opts ...Option) (*Transport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid signaling url scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("user", user.String())
	u.RawQuery = q.Encode()

	t := &Transport{
		url:        u.String(),
		dialer:     websocket.DefaultDialer,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		state:      domain.TransportDisconnected,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Run keeps the connection up and hands every inbound signal to sink until
// ctx is cancelled.
func (t *Transport) Run(ctx context.Context, sink port.SignalSink) {
	l := log.With().Str("url", t.url).Logger()
	backoff := t.minBackoff

	for {
		conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.Warn().Err(err).Dur("retry_in", backoff).Msg("Signaling dial failed")
			t.report(sink, domain.TransportReconnecting)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, t.maxBackoff)
			continue
		}

		backoff = t.minBackoff
		t.attach(conn)
		l.Info().Msg("Signaling connected")
		t.report(sink, domain.TransportConnected)

		t.readLoop(ctx, conn, sink)

		t.detach(conn)
		if ctx.Err() != nil {
			break
		}
		l.Warn().Msg("Signaling connection lost, reconnecting")
		t.report(sink, domain.TransportReconnecting)
	}

	t.report(sink, domain.TransportDisconnected)
	l.Info().Msg("Signaling stopped")
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, sink port.SignalSink) {
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var env wire.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				log.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		sig, err := wire.DecodeEvent(env)
		if err != nil {
			log.Warn().Err(err).Str("event", env.Event).Msg("Dropping undecodable signal")
			continue
		}
		sink.HandleEvent(sig)
	}
}

func (t *Transport) attach(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
}

func (t *Transport) detach(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
	}
	conn.Close()
}

// report forwards a lifecycle change once per actual change.
func (t *Transport) report(sink port.SignalSink, state domain.TransportState) {
	t.mu.Lock()
	changed := t.state != state
	t.state = state
	t.mu.Unlock()
	if changed {
		sink.HandleEvent(domain.TransportStateChanged{State: state})
	}
}

func (t *Transport) State() domain.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) send(ctx context.Context, sig domain.Signal) error {
	env, err := wire.EncodeInvocation(sig)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return domain.ErrTransportNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", env.Event, err)
	}
	return nil
}

func (t *Transport) SendOffer(ctx context.Context, offer domain.Offer) error {
	return t.send(ctx, offer)
}

func (t *Transport) SendAnswer(ctx context.Context, answer domain.Answer) error {
	return t.send(ctx, answer)
}

func (t *Transport) SendCandidate(ctx context.Context, candidate domain.Candidate) error {
	return t.send(ctx, candidate)
}

func (t *Transport) SendReject(ctx context.Context, reject domain.Reject) error {
	return t.send(ctx, reject)
}

func (t *Transport) SendEnd(ctx context.Context, end domain.End) error {
	return t.send(ctx, end)
}

func (t *Transport) SendBusy(ctx context.Context, busy domain.Busy) error {
	return t.send(ctx, busy)
}

func (t *Transport) SendStateUpdate(ctx context.Context, update domain.StateUpdate) error {
	return t.send(ctx, update)
}
