package bus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// EventsEndpoint is the path the observer is mounted at.
	EventsEndpoint = "/events"

	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize is the maximum inbound message size.
	MaxMessageSize = 512

	clientBuffer = 256
)

// ObserverConfig configures the WebSocket observer.
type ObserverConfig struct {
	ReplayHistory bool `mapstructure:"replay_history" yaml:"replay_history"`
	HistoryCount  int  `mapstructure:"history_count" yaml:"history_count"`
}

// DefaultObserverConfig returns the default observer configuration.
func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		ReplayHistory: true,
		HistoryCount:  50,
	}
}

// Observer forwards every bus event to connected WebSocket clients as JSON.
// It implements http.Handler.
type Observer struct {
	bus      *Bus
	cfg      ObserverConfig
	upgrader websocket.Upgrader
	log      zerolog.Logger
	subID    SubscriptionID

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// ObserverOption configures an Observer.
type ObserverOption func(*Observer)

// WithObserverLogger sets the observer logger.
func WithObserverLogger(log zerolog.Logger) ObserverOption {
	return func(o *Observer) { o.log = log }
}

// NewObserver subscribes to every event on b.
func NewObserver(b *Bus, cfg ObserverConfig, opts ...ObserverOption) *Observer {
	o := &Observer{
		bus: b,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     zerolog.Nop(),
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.subID = b.Subscribe("", o.broadcast)
	return o
}

// ClientCount returns the number of connected clients.
func (o *Observer) ClientCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.clients)
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (o *Observer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		conn.Close()
		return
	}
	o.clients[c] = struct{}{}
	o.wg.Add(2)
	o.mu.Unlock()

	o.log.Debug().Str("remote", r.RemoteAddr).Msg("observer client connected")

	if o.cfg.ReplayHistory {
		for _, event := range o.bus.History(o.cfg.HistoryCount) {
			if data, err := json.Marshal(event); err == nil {
				select {
				case c.send <- data:
				default:
				}
			}
		}
	}

	go o.writePump(c)
	go o.readPump(c)
}

func (o *Observer) remove(c *client) {
	o.mu.Lock()
	if _, ok := o.clients[c]; ok {
		delete(o.clients, c)
		c.close()
	}
	o.mu.Unlock()
}

func (o *Observer) writePump(c *client) {
	defer o.wg.Done()
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				o.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.remove(c)
				return
			}
		}
	}
}

// readPump discards client messages and detects disconnects.
func (o *Observer) readPump(c *client) {
	defer func() {
		o.remove(c)
		o.wg.Done()
	}()

	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (o *Observer) broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		o.log.Error().Err(err).Str("event_type", string(event.Type)).Msg("marshal event")
		return
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	for c := range o.clients {
		select {
		case c.send <- data:
		default:
			// Slow client, skip
		}
	}
}

// Close disconnects every client and waits for their goroutines.
func (o *Observer) Close() error {
	if o.subID != "" {
		_ = o.bus.Unsubscribe(o.subID)
	}

	o.mu.Lock()
	o.closed = true
	for c := range o.clients {
		delete(o.clients, c)
		c.close()
		c.conn.Close()
	}
	o.mu.Unlock()

	o.wg.Wait()
	return nil
}
