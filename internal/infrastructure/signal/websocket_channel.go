package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"novalink/internal/core/domain"
	"novalink/internal/core/ports"
	"novalink/pkg/config"
	"novalink/pkg/retry"
	"novalink/pkg/validation"
)

// Envelope is the wire frame for every signaling message in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Options configures a WebSocketChannel. Zero durations fall back to the
// defaults used in production configs.
type Options struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	SendRate         float64
	SendBurst        int
}

// OptionsFromConfig maps the signal config section onto channel options.
func OptionsFromConfig(cfg *config.Config, token string) Options {
	return Options{
		URL:              cfg.Signal.URL,
		Token:            token,
		HandshakeTimeout: cfg.Signal.HandshakeTimeout,
		PingInterval:     cfg.Signal.PingInterval,
		PongTimeout:      cfg.Signal.PongTimeout,
		WriteTimeout:     cfg.Signal.WriteTimeout,
		ReconnectInitial: cfg.Signal.Reconnect.InitialDelay,
		ReconnectMax:     cfg.Signal.Reconnect.MaxDelay,
		SendRate:         cfg.Signal.SendRate.MessagesPerSecond,
		SendBurst:        cfg.Signal.SendRate.Burst,
	}
}

func (o *Options) fillDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 10 * time.Second
	}
	if o.SendRate <= 0 {
		o.SendRate = 20
	}
	if o.SendBurst <= 0 {
		o.SendBurst = 40
	}
}

// WebSocketChannel is a self-healing client connection to the rendezvous
// server. It reconnects forever with capped exponential backoff and surfaces
// liveness as ChannelUp / ChannelDown on the same ordered event stream as
// server traffic. Outbound messages are never queued across an outage.
type WebSocketChannel struct {
	opts    Options
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	cancel  context.CancelFunc
	events  chan domain.ChannelEvent
	runDone chan struct{}

	// writeMu serializes frames: the session loop and the ping ticker both
	// write to the same connection.
	writeMu sync.Mutex
}

var _ ports.SignalChannel = (*WebSocketChannel)(nil)

func NewWebSocketChannel(opts Options, logger *zap.SugaredLogger) *WebSocketChannel {
	opts.fillDefaults()
	return &WebSocketChannel{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst),
		logger:  logger,
	}
}

// Connect starts the connection loop with a fresh event stream. The first
// successful dial is reported as a ChannelUp event, not as the return value;
// Connect fails only on misuse. A disconnected channel may Connect again.
func (c *WebSocketChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("channel already connected")
	}
	if c.opts.URL == "" {
		return fmt.Errorf("signal url is empty")
	}
	c.started = true
	c.events = make(chan domain.ChannelEvent, 64)
	c.runDone = make(chan struct{})

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx, c.events, c.runDone)
	return nil
}

// Events returns the inbound stream of the current Connect. Closed once that
// connection loop stops; nil before the first Connect.
func (c *WebSocketChannel) Events() <-chan domain.ChannelEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// Send transmits one event on the current connection. Fails fast with
// domain.ErrChannelDown during an outage; the session layer owns the decision
// to re-issue anything that mattered.
func (c *WebSocketChannel) Send(event string, payload any) error {
	if err := validation.ValidateEventName(event); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrChannelDown
	}

	if !c.limiter.Allow() {
		waitCtx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
		defer cancel()
		if err := c.limiter.Wait(waitCtx); err != nil {
			return fmt.Errorf("send rate exceeded: %w", err)
		}
	}

	env := Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// Disconnect stops reconnecting, closes the connection, and closes the event
// stream. Idempotent, and the channel accepts a new Connect afterwards.
func (c *WebSocketChannel) Disconnect() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	conn := c.conn
	runDone := c.runDone
	c.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	<-runDone

	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	return nil
}

func (c *WebSocketChannel) run(ctx context.Context, events chan<- domain.ChannelEvent, runDone chan<- struct{}) {
	defer close(runDone)
	defer close(events)

	backoff := retry.NewBackoff(retry.Config{
		Enabled:      true,
		InitialDelay: c.opts.ReconnectInitial,
		MaxDelay:     c.opts.ReconnectMax,
		Multiplier:   2.0,
	})

	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff.Next()
			c.logger.Warnw("signal dial failed", "url", c.opts.URL, "retry_in", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		backoff.Reset()
		c.setConn(conn)
		c.emit(ctx, events, domain.ChannelEvent{Kind: domain.ChannelUp})
		c.logger.Infow("signal channel up", "url", c.opts.URL)

		c.serve(ctx, conn, events)

		c.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.emit(ctx, events, domain.ChannelEvent{Kind: domain.ChannelDown})
		c.logger.Warnw("signal channel down, reconnecting")
	}
}

func (c *WebSocketChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", c.opts.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// serve pumps one connection until it breaks. Ping keepalives run on the
// same select as inbound frames, mirroring the read deadline on every pong.
func (c *WebSocketChannel) serve(ctx context.Context, conn *websocket.Conn, events chan<- domain.ChannelEvent) {
	conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	connDone := make(chan struct{})
	defer close(connDone)

	frames := make(chan Envelope, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
			select {
			case frames <- env:
			case <-connDone:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(c.opts.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case env := <-frames:
			ev, err := c.decode(env)
			if err != nil {
				c.logger.Warnw("dropping malformed signal frame", "event", env.Event, "error", err)
				continue
			}
			c.emit(ctx, events, ev)

		case <-pingTicker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warnw("ping failed", "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnw("signal read failed", "error", err)
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

func (c *WebSocketChannel) decode(env Envelope) (domain.ChannelEvent, error) {
	switch env.Event {
	case domain.EventWaiting:
		return domain.ChannelEvent{Kind: domain.ChannelWaiting}, nil

	case domain.EventPartnerLeft:
		return domain.ChannelEvent{Kind: domain.ChannelPartnerLeft}, nil

	case domain.EventForceLogout:
		return domain.ChannelEvent{Kind: domain.ChannelForceLogout}, nil

	case domain.EventPresenceCount:
		var count int
		if err := json.Unmarshal(env.Payload, &count); err != nil {
			return domain.ChannelEvent{}, fmt.Errorf("presence payload: %w", err)
		}
		return domain.ChannelEvent{Kind: domain.ChannelPresence, Presence: count}, nil

	case domain.EventMatched:
		var match domain.MatchInfo
		if err := json.Unmarshal(env.Payload, &match); err != nil {
			return domain.ChannelEvent{}, fmt.Errorf("matched payload: %w", err)
		}
		if err := validation.ValidatePartnerLabel(match.PartnerLabel); err != nil {
			return domain.ChannelEvent{}, fmt.Errorf("matched payload: %w", err)
		}
		return domain.ChannelEvent{Kind: domain.ChannelMatched, Match: match}, nil

	case domain.EventOffer, domain.EventAnswer:
		var desc domain.SessionDescription
		if err := json.Unmarshal(env.Payload, &desc); err != nil {
			return domain.ChannelEvent{}, fmt.Errorf("%s payload: %w", env.Event, err)
		}
		if err := validation.ValidateSDPType(desc.Type); err != nil {
			return domain.ChannelEvent{}, err
		}
		if err := validation.ValidateSDP(desc.SDP); err != nil {
			return domain.ChannelEvent{}, err
		}
		kind := domain.SignalOffer
		if env.Event == domain.EventAnswer {
			kind = domain.SignalAnswer
		}
		return domain.ChannelEvent{
			Kind:   domain.ChannelSignal,
			Signal: domain.SignalEnvelope{Kind: kind, Desc: desc},
		}, nil

	case domain.EventICECandidate:
		var cand domain.ICECandidate
		if err := json.Unmarshal(env.Payload, &cand); err != nil {
			return domain.ChannelEvent{}, fmt.Errorf("candidate payload: %w", err)
		}
		if err := validation.ValidateCandidate(cand.Candidate, int(cand.SDPMLineIndex)); err != nil {
			return domain.ChannelEvent{}, err
		}
		return domain.ChannelEvent{
			Kind:   domain.ChannelSignal,
			Signal: domain.SignalEnvelope{Kind: domain.SignalCandidate, Candidate: cand},
		}, nil

	default:
		return domain.ChannelEvent{}, fmt.Errorf("unknown event %q", env.Event)
	}
}

func (c *WebSocketChannel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *WebSocketChannel) emit(ctx context.Context, events chan<- domain.ChannelEvent, ev domain.ChannelEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
