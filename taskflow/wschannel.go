package taskflow

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const DefaultMaxReconnects = 5

type WSChannelOptions struct {
	BaseURL       string // http(s) or ws(s) base; events are served at /api/v1/ws
	Token         string
	MaxReconnects int
	Logger        logrus.FieldLogger
}

// WSChannel is the websocket transport of the live event channel. Decoded
// events are published to its embedded Hub, which is what subscribers use.
type WSChannel struct {
	*Hub
	url         string
	maxAttempts int
	log         logrus.FieldLogger
	connected   atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWSChannel(opts WSChannelOptions) *WSChannel {
	attempts := opts.MaxReconnects
	if attempts <= 0 {
		attempts = DefaultMaxReconnects
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return &WSChannel{
		Hub:         NewHub(opts.Logger),
		url:         base + "/api/v1/ws?token=" + url.QueryEscape(opts.Token),
		maxAttempts: attempts,
		log:         componentLogger(opts.Logger, "events"),
	}
}

// Start connects in the background and keeps reconnecting until Stop, ctx
// cancellation, or MaxReconnects consecutive failures.
func (c *WSChannel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
}

func (c *WSChannel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *WSChannel) Connected() bool {
	return c.connected.Load()
}

func (c *WSChannel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	attempts := 0
	for {
		opened, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if opened {
			attempts = 0
		}
		if attempts >= c.maxAttempts {
			c.log.WithError(err).Warn("max reconnect attempts reached")
			return
		}
		attempts++
		delay := reconnectDelay(attempts)
		c.log.WithFields(logrus.Fields{"attempt": attempts, "delay": delay}).WithError(err).Info("reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session holds one connection until it drops. opened reports whether the
// handshake succeeded.
func (c *WSChannel) session(ctx context.Context) (opened bool, err error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return true, err
		}
		var ev TaskEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WithError(err).Warn("discarding malformed event")
			continue
		}
		if ev.Task != nil {
			ev.Task.State = StateConfirmed
		}
		c.Publish(ev)
	}
}

// reconnectDelay doubles from one second and caps at five.
func reconnectDelay(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > 5*time.Second || d <= 0 {
		return 5 * time.Second
	}
	return d
}
