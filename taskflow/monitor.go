package taskflow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultHealthPath    = "/health"
	DefaultProbeTimeout  = 5 * time.Second
	DefaultProbeInterval = 10 * time.Second
)

type MonitorOptions struct {
	BaseURL    string
	HealthPath string
	Timeout    time.Duration
	Interval   time.Duration
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// Monitor owns the offline flag. It probes the backend's health endpoint on
// a timer and is also told about the outcome of every list fetch.
type Monitor struct {
	healthURL string
	timeout   time.Duration
	interval  time.Duration
	client    *http.Client
	log       logrus.FieldLogger

	mu        sync.Mutex
	offline   bool
	listeners map[int]func(offline bool)
	nextID    int
	cron      *cron.Cron
	done      chan struct{} // closed when the current scheduler is stopped
}

func NewMonitor(opts MonitorOptions) *Monitor {
	path := opts.HealthPath
	if path == "" {
		path = DefaultHealthPath
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Monitor{
		healthURL: strings.TrimRight(opts.BaseURL, "/") + path,
		timeout:   timeout,
		interval:  interval,
		client:    client,
		log:       componentLogger(opts.Logger, "monitor"),
		listeners: make(map[int]func(bool)),
	}
}

func (m *Monitor) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// SetOffline updates the flag. Listeners run synchronously, outside the
// lock, and only when the value actually changes.
func (m *Monitor) SetOffline(offline bool) {
	m.mu.Lock()
	if m.offline == offline {
		m.mu.Unlock()
		return
	}
	m.offline = offline
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	offlineGauge.Set(boolGauge(offline))
	m.log.WithField("offline", offline).Info("connectivity changed")
	for _, fn := range listeners {
		fn(offline)
	}
}

// OnChange registers fn for offline-flag transitions. The returned function
// removes it again.
func (m *Monitor) OnChange(fn func(offline bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Probe performs one reachability check and updates the flag. Any failure
// degrades to offline; it never returns an error.
func (m *Monitor) Probe(ctx context.Context) bool {
	start := time.Now()
	online := m.probe(ctx)
	result := "online"
	if !online {
		result = "offline"
	}
	probeDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	m.SetOffline(!online)
	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, nil)
	if err != nil {
		m.log.WithError(err).Warn("build probe request")
		return false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		m.log.WithError(err).Debug("probe failed")
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	// A 404 still proves the host answered.
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	return ok || resp.StatusCode == http.StatusNotFound
}

// ReportFetch lets a data fetch short-circuit the timer: success forces
// online, failure forces offline.
func (m *Monitor) ReportFetch(err error) {
	m.SetOffline(err != nil)
}

// Start probes once and then every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	c := cron.New()
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := c.AddFunc(spec, func() { m.Probe(ctx) }); err != nil {
		return fmt.Errorf("schedule probe: %w", err)
	}

	m.mu.Lock()
	if m.cron != nil {
		m.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	m.cron, m.done = c, done
	m.mu.Unlock()

	m.Probe(ctx)
	c.Start()
	m.log.WithField("interval", m.interval).Debug("probe scheduler started")

	go func() {
		select {
		case <-ctx.Done():
			m.stopScheduler(c)
		case <-done:
		}
	}()
	return nil
}

func (m *Monitor) Stop() {
	m.stopScheduler(nil)
}

// stopScheduler stops the running scheduler. A non-nil c only stops it if
// it is still the one running, so a later Start is left alone.
func (m *Monitor) stopScheduler(c *cron.Cron) {
	m.mu.Lock()
	if m.cron == nil || (c != nil && m.cron != c) {
		m.mu.Unlock()
		return
	}
	cur, done := m.cron, m.done
	m.cron, m.done = nil, nil
	m.mu.Unlock()
	close(done)
	<-cur.Stop().Done()
}

func (m *Monitor) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cron != nil
}
