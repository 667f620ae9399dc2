package taskflow

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

type SessionOptions struct {
	BaseURL      string
	WSURL        string // defaults to BaseURL
	Token        string
	RefreshToken string
	UserID       string

	Cache   *Cache
	Journal Journal // optional

	RequestTimeout time.Duration
	HealthPath     string
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	PageSize       int
	Filter         ListFilter // applied before the first load
	HTTPClient     *http.Client

	// LiveEvents enables the websocket channel.
	LiveEvents bool
	// OnReconnect replaces the inline resync, e.g. with Dispatcher.OnReconnect.
	OnReconnect    func(ctx context.Context)
	OnTokenRefresh func(*oauth2.Token)
	Logger         logrus.FieldLogger
}

// Session owns everything that only exists while a user is logged in: the
// gateway, monitor, live event channel, sync engine and store.
type Session struct {
	Gateway *HTTPGateway
	Monitor *Monitor
	Events  *WSChannel // nil unless live events are enabled
	Engine  *SyncEngine
	Store   *Store

	cache  *Cache
	cancel context.CancelFunc
}

// Login builds a session and starts it: the monitor probes once, the event
// channel connects, and the store loads its first page. Cancelling ctx ends
// the background work as well.
func Login(ctx context.Context, opts SessionOptions) (*Session, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("login: cache is required")
	}
	if opts.Token == "" {
		return nil, ErrUnauthenticated
	}
	wsURL := opts.WSURL
	if wsURL == "" {
		wsURL = opts.BaseURL
	}

	gw := NewHTTPGateway(HTTPGatewayOptions{
		BaseURL:        opts.BaseURL,
		Token:          opts.Token,
		RefreshToken:   opts.RefreshToken,
		Timeout:        opts.RequestTimeout,
		HTTPClient:     opts.HTTPClient,
		OnTokenRefresh: opts.OnTokenRefresh,
	})
	mon := NewMonitor(MonitorOptions{
		BaseURL:    opts.BaseURL,
		HealthPath: opts.HealthPath,
		Timeout:    opts.ProbeTimeout,
		Interval:   opts.ProbeInterval,
		HTTPClient: opts.HTTPClient,
		Logger:     opts.Logger,
	})
	engine := NewSyncEngine(SyncOptions{
		Gateway: gw,
		Cache:   opts.Cache,
		Journal: opts.Journal,
		Logger:  opts.Logger,
	})
	s := &Session{Gateway: gw, Monitor: mon, Engine: engine, cache: opts.Cache}

	storeOpts := StoreOptions{
		Gateway:     gw,
		Cache:       opts.Cache,
		Monitor:     mon,
		Syncer:      engine,
		OnReconnect: opts.OnReconnect,
		Logger:      opts.Logger,
		PageSize:    opts.PageSize,
		UserID:      opts.UserID,
	}
	if opts.LiveEvents {
		s.Events = NewWSChannel(WSChannelOptions{BaseURL: wsURL, Token: opts.Token, Logger: opts.Logger})
		storeOpts.Events = s.Events
	}
	s.Store = NewStore(storeOpts)
	_ = s.Store.SetFilter(ctx, opts.Filter)

	sessionCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if err := mon.Start(sessionCtx); err != nil {
		cancel()
		return nil, err
	}
	if s.Events != nil {
		s.Events.Start(sessionCtx)
	}
	if err := s.Store.SetAuthenticated(sessionCtx, true); err != nil {
		s.shutdown()
		return nil, err
	}
	return s, nil
}

// Logout tears the session down. With clearCache the cached tasks and any
// unsynced mutations are discarded too.
func (s *Session) Logout(ctx context.Context, clearCache bool) error {
	s.shutdown()
	if clearCache {
		return s.cache.Clear(ctx)
	}
	return nil
}

func (s *Session) shutdown() {
	_ = s.Store.SetAuthenticated(context.Background(), false)
	if s.Events != nil {
		s.Events.Stop()
	}
	s.Monitor.Stop()
	s.cancel()
}
