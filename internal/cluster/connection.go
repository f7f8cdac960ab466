package cluster

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stripefs/stripefs/internal/background"
	"github.com/stripefs/stripefs/internal/drive"
	"github.com/stripefs/stripefs/pkg/types"
)

var connLogger = logrus.WithField("module", "connection")

// ErrNoConnection is returned by AutoConnection.Get while the drive is
// unreachable. Callers observe it until a rate-limited reconnect succeeds.
var ErrNoConnection = errors.New("no valid connection")

const dialTimeout = 10 * time.Second

// AutoConnection owns one logical drive connection. It connects lazily,
// reconnects in the background with rate limiting, and fails fast while
// unhealthy.
type AutoConnection struct {
	mu        sync.Mutex
	connector drive.Connector
	primary   drive.Endpoint
	secondary drive.Endpoint

	client      drive.Client
	healthy     bool
	attempted   bool
	lastAttempt time.Time
	lastError   string
	ratelimit   time.Duration

	// private single-slot executor for background reconnects
	bg          *background.Handler
	onReconnect func()
}

// NewAutoConnection wraps the drive reachable through the endpoint pair.
func NewAutoConnection(connector drive.Connector, primary, secondary drive.Endpoint, ratelimit time.Duration) *AutoConnection {
	return &AutoConnection{
		connector: connector,
		primary:   primary,
		secondary: secondary,
		ratelimit: ratelimit,
		lastError: "not connected",
		bg:        background.NewHandler(1, 0),
	}
}

// WWN returns the wwn of the wrapped drive.
func (c *AutoConnection) WWN() string { return c.primary.WWN }

// SetOnReconnect installs a hook invoked on every connection attempt.
func (c *AutoConnection) SetOnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

// Get returns the drive client. The first call connects synchronously.
// While unhealthy, a background reconnect is scheduled at most once per
// rate-limit interval and the call fails immediately.
func (c *AutoConnection) Get() (drive.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.healthy {
		return c.client, nil
	}

	if !c.attempted {
		c.attempted = true
		c.connectLocked()
		if c.healthy {
			return c.client, nil
		}
		return nil, fmt.Errorf("%w to drive %s: %s", ErrNoConnection, c.primary.WWN, c.lastError)
	}

	if time.Since(c.lastAttempt) >= c.ratelimit {
		c.lastAttempt = time.Now()
		c.bg.TryRun(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if !c.healthy {
				c.connectLocked()
			}
		})
	}
	return nil, fmt.Errorf("%w to drive %s: %s", ErrNoConnection, c.primary.WWN, c.lastError)
}

// SetError marks the connection unhealthy after a catastrophic failure on
// the wire. The next Get triggers a rate-limited reconnect.
func (c *AutoConnection) SetError(status drive.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthy {
		connLogger.WithFields(logrus.Fields{
			"drive":  c.primary.WWN,
			"status": status.String(),
		}).Warn("connection marked unhealthy")
	}
	c.healthy = false
	c.client = nil
	c.lastError = status.String()
}

// Status returns a connectivity snapshot for admin reporting.
func (c *AutoConnection) Status() types.DriveStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.DriveStatus{WWN: c.primary.WWN, Healthy: c.healthy, LastAttempt: c.lastAttempt}
}

// connectLocked attempts both endpoints in randomized order and verifies
// the resulting client with a no-op. Caller holds c.mu.
func (c *AutoConnection) connectLocked() {
	c.lastAttempt = time.Now()
	if c.onReconnect != nil {
		c.onReconnect()
	}

	endpoints := []drive.Endpoint{c.primary, c.secondary}
	if rand.Intn(2) == 1 {
		endpoints[0], endpoints[1] = endpoints[1], endpoints[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	var lastErr error
	for _, endpoint := range endpoints {
		client, err := c.connector.Connect(ctx, endpoint)
		if err != nil {
			lastErr = err
			continue
		}
		if s := client.NoOp(ctx); !s.OK() {
			lastErr = errors.New(s.String())
			continue
		}
		c.client = client
		c.healthy = true
		c.lastError = ""
		connLogger.WithFields(logrus.Fields{
			"drive":    endpoint.WWN,
			"endpoint": endpoint.Addr(),
		}).Debug("connected")
		return
	}

	c.healthy = false
	c.client = nil
	c.lastError = fmt.Sprintf("failed connecting to %s and %s: %v",
		c.primary.Addr(), c.secondary.Addr(), lastErr)
}
