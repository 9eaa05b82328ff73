package vehicle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const DefaultConnectTimeout = 30 * time.Second

// DialFunc opens a new Link. It must honor ctx cancellation.
type DialFunc func(ctx context.Context) (Link, error)

// Connector owns the single live Link. Concurrent Connect calls share one
// dial; once connected, Connect returns the existing handle.
type Connector struct {
	dial    DialFunc
	timeout time.Duration

	group singleflight.Group

	mu     sync.Mutex
	link   Link
	onLink func(Link)
}

func NewConnector(dial DialFunc, timeout time.Duration) *Connector {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Connector{dial: dial, timeout: timeout}
}

// OnLink registers fn to mirror the live link (nil after Disconnect). It
// runs under the connector lock, so calls arrive in order; fn must not call
// back into the Connector.
func (c *Connector) OnLink(fn func(Link)) {
	c.mu.Lock()
	c.onLink = fn
	l := c.link
	c.mu.Unlock()
	if fn != nil {
		fn(l)
	}
}

func (c *Connector) setLinkLocked(l Link) {
	c.link = l
	if c.onLink != nil {
		c.onLink(l)
	}
}

// Current returns the live link or nil.
func (c *Connector) Current() Link {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

func (c *Connector) Connect(ctx context.Context) (Link, error) {
	if c == nil || c.dial == nil {
		return nil, ErrNotConnected
	}
	if l := c.Current(); l != nil {
		return l, nil
	}
	v, err, shared := c.group.Do("connect", func() (any, error) {
		if l := c.Current(); l != nil {
			return l, nil
		}
		dctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		l, err := c.dial(dctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(dctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %v", ErrConnectTimeout, c.timeout, err)
			}
			return nil, fmt.Errorf("vehicle connect: %w", err)
		}
		c.mu.Lock()
		c.setLinkLocked(l)
		c.mu.Unlock()
		log.Printf("vehicle: connected in %s", time.Since(start).Round(time.Millisecond))
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Printf("vehicle: joined in-flight connect")
	}
	return v.(Link), nil
}

// Disconnect closes and forgets the live link, if any.
func (c *Connector) Disconnect() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	l := c.link
	c.setLinkLocked(nil)
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	log.Printf("vehicle: disconnected")
	return l.Close()
}
