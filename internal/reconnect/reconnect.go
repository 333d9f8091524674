// Package reconnect drives the per-device reconnection controller: an
// exponential backoff loop that re-establishes a dropped link and
// re-installs the subscriptions that were active when it dropped.
package reconnect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/battery-hawk/corewatch/internal/bletransport"
	"github.com/battery-hawk/corewatch/internal/pool"
)

// Params mirrors the spec's backoff parameters directly onto
// backoff.ExponentialBackOff's fields.
type Params struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultParams matches the documented defaults: 10 attempts, 1s initial
// delay, 300s max delay, 2x multiplier, 0.1 jitter.
func DefaultParams() Params {
	return Params{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     300 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// ExhaustedError reports a controller that used up MaxAttempts without a
// successful reconnect. The device is left in connstate.Error.
type ExhaustedError struct {
	Address  string
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("reconnect: %s: exhausted %d attempts", e.Address, e.Attempts)
}

// Subscription is one (characteristic, callback) pair the controller
// re-installs after a successful reconnect.
type Subscription struct {
	CharUUID string
	Callback bletransport.NotificationCallback
}

// Controller runs one reconnection attempt loop for one device at a time.
// Cancel stops an in-flight attempt; a new Run call starts fresh.
type Controller struct {
	pool   *pool.Pool
	params Params

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewController builds a Controller bound to pool with the given backoff
// parameters.
func NewController(p *pool.Pool, params Params) *Controller {
	return &Controller{pool: p, params: params, cancels: make(map[string]context.CancelFunc)}
}

// Run starts (or restarts) the reconnection loop for address. subs is the
// set of subscriptions to re-install once the link is back. connectTimeout
// bounds each individual connect attempt.
func (c *Controller) Run(ctx context.Context, address string, connectTimeout time.Duration, subs []Subscription) error {
	c.mu.Lock()
	if cancel, ok := c.cancels[address]; ok {
		cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancels[address] = cancel
	c.mu.Unlock()
	defer cancel()

	return c.run(runCtx, address, connectTimeout, subs)
}

func (c *Controller) run(ctx context.Context, address string, connectTimeout time.Duration, subs []Subscription) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.params.InitialDelay
	eb.MaxInterval = c.params.MaxDelay
	eb.Multiplier = c.params.Multiplier
	eb.RandomizationFactor = c.params.JitterFactor
	eb.MaxElapsedTime = 0

	for attempt := 1; attempt <= c.params.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := c.pool.GetOrConnect(ctx, address, connectTimeout); err == nil {
			for _, sub := range subs {
				_ = c.pool.StartNotify(address, sub.CharUUID, sub.Callback)
			}
			c.clearCancel(address)
			return nil
		}

		delay := eb.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	c.clearCancel(address)
	return &ExhaustedError{Address: address, Attempts: c.params.MaxAttempts}
}

func (c *Controller) clearCancel(address string) {
	c.mu.Lock()
	delete(c.cancels, address)
	c.mu.Unlock()
}

// Cancel stops address's in-flight reconnection loop, if any — used when
// the device is removed or an operator explicitly disconnects.
func (c *Controller) Cancel(address string) {
	c.mu.Lock()
	cancel, ok := c.cancels[address]
	delete(c.cancels, address)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}
