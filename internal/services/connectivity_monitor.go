package services

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/medsync/agent/internal/observability"
)

// onlineSetter is notified when reachability changes
type onlineSetter interface {
	SetOnline(online bool)
}

// ConnectivityMonitor probes a URL on an interval and reports transitions
type ConnectivityMonitor struct {
	url      string
	interval time.Duration
	client   *http.Client
	target   onlineSetter

	mu     sync.RWMutex
	online *bool
}

// NewConnectivityMonitor creates a monitor that reports to target
func NewConnectivityMonitor(url string, interval time.Duration, target onlineSetter) *ConnectivityMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ConnectivityMonitor{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		target:   target,
	}
}

// Run probes immediately and then on every tick until ctx is done
func (c *ConnectivityMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check probes once and reports a change to the target. Any HTTP response
// counts as reachable; only transport failures mean offline.
func (c *ConnectivityMonitor) Check(ctx context.Context) bool {
	online := c.probe(ctx)

	c.mu.Lock()
	changed := c.online == nil || *c.online != online
	c.online = &online
	c.mu.Unlock()

	if changed {
		observability.WithField("url", c.url).Debugf("connectivity probe: online=%v", online)
		c.target.SetOnline(online)
	}
	return online
}

// IsOnline returns the last probe result
func (c *ConnectivityMonitor) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online != nil && *c.online
}

func (c *ConnectivityMonitor) probe(ctx context.Context) bool {
	if c.url == "" {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
