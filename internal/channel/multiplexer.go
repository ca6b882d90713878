package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventMessage      EventKind = "message"
)

// Event is one lifecycle change or inbound frame, tagged with the key of the
// connection that produced it.
type Event struct {
	Key     string
	Kind    EventKind
	Payload []byte
	Err     error

	gen uint64
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Header is sent on every dial (session cookie, origin).
	Header http.Header

	// HTTPClient is used for the websocket handshake.
	HTTPClient *http.Client

	// ReadLimit caps a single inbound frame. Zero uses 1 MiB.
	ReadLimit int64

	DialTimeout time.Duration
	EventBuffer int
	Logger      Logger
}

// Multiplexer owns independent keyed streaming connections. There is at most
// one live connection per key; opening a key that is in use closes the prior
// connection first. It never reconnects on its own.
//
// Frames from one connection are delivered in the order they were read. The
// board reconciler depends on that: the protocol carries no sequence numbers.
type Multiplexer struct {
	opts   Options
	events chan Event

	mu      sync.Mutex
	conns   map[string]*conn
	nextGen uint64
	closed  bool
}

type conn struct {
	key     string
	address string
	gen     uint64
	state   State
	cancel  context.CancelFunc
	done    chan struct{}

	wsMu sync.Mutex
	ws   *websocket.Conn
}

func New(opts Options) *Multiplexer {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if opts.EventBuffer < 0 {
		opts.EventBuffer = 0
	}
	return &Multiplexer{
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
		conns:  map[string]*conn{},
	}
}

// Events is the single stream of events for every key. It is never closed;
// consumers stop on their own context.
func (m *Multiplexer) Events() <-chan Event {
	return m.events
}

// Open starts a connection to address under key, replacing any existing
// connection with the same key. It returns once the dial is scheduled; the
// outcome arrives as an EventConnected or EventDisconnected.
func (m *Multiplexer) Open(key, address string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("channel key is required")
	}
	target, err := websocketURL(address)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	prior := m.conns[key]
	m.nextGen++
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		key:     key,
		address: target,
		gen:     m.nextGen,
		state:   StateConnecting,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.conns[key] = c
	m.mu.Unlock()

	if prior != nil {
		m.logf("channel %s: replacing existing connection", key)
		prior.shutdown()
	}
	go m.run(ctx, c)
	return nil
}

// Close tears down the connection under key. Unknown keys are a no-op.
func (m *Multiplexer) Close(key string) {
	m.mu.Lock()
	c := m.conns[key]
	delete(m.conns, key)
	m.mu.Unlock()
	if c != nil {
		c.shutdown()
	}
}

func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	m.closed = true
	conns := make([]*conn, 0, len(m.conns))
	for key, c := range m.conns {
		conns = append(conns, c)
		delete(m.conns, key)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
}

func (m *Multiplexer) State(key string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[key]
	if !ok {
		return StateIdle
	}
	return c.state
}

func (m *Multiplexer) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.conns))
	for key := range m.conns {
		keys = append(keys, key)
	}
	return keys
}

// Current reports whether ev was produced by the connection that is
// currently registered under its key. Events from replaced or closed
// connections must not be applied.
func (m *Multiplexer) Current(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[ev.Key]
	return ok && c.gen == ev.gen
}

func (m *Multiplexer) run(ctx context.Context, c *conn) {
	defer close(c.done)

	dialCtx, cancelDial := context.WithTimeout(ctx, m.opts.DialTimeout)
	ws, _, err := websocket.Dial(dialCtx, c.address, &websocket.DialOptions{
		HTTPClient: m.opts.HTTPClient,
		HTTPHeader: m.opts.Header.Clone(),
	})
	cancelDial()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logf("channel %s: dial failed: %v", c.key, err)
		m.setState(c, StateDisconnected)
		m.emit(ctx, Event{Key: c.key, Kind: EventDisconnected, Err: err, gen: c.gen})
		return
	}
	ws.SetReadLimit(m.opts.ReadLimit)
	if !c.attach(ws) {
		ws.CloseNow()
		return
	}

	m.setState(c, StateConnected)
	if !m.emit(ctx, Event{Key: c.key, Kind: EventConnected, gen: c.gen}) {
		return
	}

	for {
		_, payload, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				m.logf("channel %s: read failed: %v", c.key, err)
			}
			ws.CloseNow()
			m.setState(c, StateDisconnected)
			m.emit(ctx, Event{Key: c.key, Kind: EventDisconnected, Err: err, gen: c.gen})
			return
		}
		if !m.emit(ctx, Event{Key: c.key, Kind: EventMessage, Payload: payload, gen: c.gen}) {
			return
		}
	}
}

// emit delivers ev unless the connection is torn down first.
func (m *Multiplexer) emit(ctx context.Context, ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Multiplexer) setState(c *conn, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.state = state
}

func (m *Multiplexer) logf(format string, args ...any) {
	if m.opts.Logger == nil {
		return
	}
	m.opts.Logger.Printf(format, args...)
}

// attach records the live socket unless shutdown already ran.
func (c *conn) attach(ws *websocket.Conn) bool {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.ws = ws
	return true
}

func (c *conn) shutdown() {
	c.wsMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	ws := c.ws
	c.wsMu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "closed by client")
	}
	<-c.done
}

var ErrClosed = errors.New("multiplexer closed")

func websocketURL(address string) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("channel address is required")
	}
	parsed, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported channel scheme: %q", parsed.Scheme)
	}
	return parsed.String(), nil
}
