// Package loadbank drives contactor changes on top of the link runtime and
// provides a simulated bank for demo mode and tests.
package loadbank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
	"github.com/shaunagostinho/loadbank-link/internal/link"
)

var (
	// ErrTimeout means the bank never reported the requested contactor mask.
	ErrTimeout = errors.New("loadbank: timeout waiting for contactor mask")
	// ErrNoStatus means no status frame has been seen yet.
	ErrNoStatus = errors.New("loadbank: no status received yet")
)

const (
	DefaultConfirmTimeout  = 2 * time.Second
	DefaultFallbackTimeout = 1200 * time.Millisecond
)

// Writer queues bytes for the bank. *link.Runtime satisfies it.
type Writer interface {
	Write(b []byte) error
}

type waiter struct {
	mask uint16
	ch   chan lbproto.Status
}

// Controller caches the latest status and health from the runtime and
// issues contactor commands that are confirmed by the status stream.
// Register it as (part of) the runtime's Emitter.
type Controller struct {
	w       Writer
	log     zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	status  *lbproto.Status
	health  *link.Health
	waiters []*waiter
}

// NewController returns a Controller writing through w. A zero timeout
// uses DefaultConfirmTimeout.
func NewController(w Writer, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Controller{
		w:       w,
		log:     log.With().Str("component", "loadbank").Logger(),
		timeout: timeout,
	}
}

// SetWriter swaps the transmit path. Used when the controller is created
// before the runtime it observes.
func (c *Controller) SetWriter(w Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = w
}

// Emit implements link.Emitter.
func (c *Controller) Emit(e link.Event) {
	switch e.Kind {
	case link.KindStatus:
		c.onStatus(*e.Status)
	case link.KindHealth:
		h := *e.Health
		c.mu.Lock()
		c.health = &h
		c.mu.Unlock()
	}
}

func (c *Controller) onStatus(s lbproto.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = &s

	kept := c.waiters[:0]
	for _, wt := range c.waiters {
		if wt.mask == s.ContactorsMask {
			wt.ch <- s
			continue
		}
		kept = append(kept, wt)
	}
	for i := len(kept); i < len(c.waiters); i++ {
		c.waiters[i] = nil
	}
	c.waiters = kept
}

// LastStatus returns the most recent status frame.
func (c *Controller) LastStatus() (lbproto.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		return lbproto.Status{}, false
	}
	return *c.status, true
}

// LastHealth returns the most recent health report.
func (c *Controller) LastHealth() (link.Health, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health == nil {
		return link.Health{}, false
	}
	return *c.health, true
}

func (c *Controller) watch(mask uint16) *waiter {
	wt := &waiter{mask: mask, ch: make(chan lbproto.Status, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, wt)
	c.mu.Unlock()
	return wt
}

func (c *Controller) unwatch(wt *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.waiters {
		if x == wt {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Controller) await(ctx context.Context, wt *waiter, timeout time.Duration) (lbproto.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case s := <-wt.ch:
		return s, nil
	case <-ctx.Done():
		c.unwatch(wt)
		// A status may have landed between the deadline and unwatch.
		select {
		case s := <-wt.ch:
			return s, nil
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return lbproto.Status{}, fmt.Errorf("%w 0x%04X", ErrTimeout, wt.mask)
		}
		return lbproto.Status{}, ctx.Err()
	}
}

// WaitForMask blocks until a status frame arriving after the call reports
// mask, the confirm timeout passes, or ctx ends.
func (c *Controller) WaitForMask(ctx context.Context, mask uint16) (lbproto.Status, error) {
	return c.await(ctx, c.watch(mask), c.timeout)
}

// SetContactors sends a contactor command built from the last status and
// waits for the bank to report the new mask.
func (c *Controller) SetContactors(ctx context.Context, mask uint16) (lbproto.Status, error) {
	base, ok := c.LastStatus()
	if !ok {
		return lbproto.Status{}, ErrNoStatus
	}
	return c.setContactors(ctx, base, mask, c.timeout)
}

func (c *Controller) setContactors(ctx context.Context, base lbproto.Status, mask uint16, timeout time.Duration) (lbproto.Status, error) {
	// Error fields are always sent as zero; the bank reports the real ones.
	frame := lbproto.Encode(lbproto.Status{
		Version:        base.Version,
		BankPower:      base.BankPower,
		BankNo:         base.BankNo,
		BankHealth:     base.BankHealth,
		ContactorsMask: mask,
	})
	c.log.Debug().
		Str("mask", fmt.Sprintf("0x%04X", mask)).
		Str("frame", lbproto.Hex(frame)).
		Msg("set contactors")

	wt := c.watch(mask)
	c.mu.Lock()
	w := c.w
	c.mu.Unlock()
	if w == nil {
		c.unwatch(wt)
		return lbproto.Status{}, link.ErrNoActiveSession
	}
	if err := w.Write(frame); err != nil {
		c.unwatch(wt)
		return lbproto.Status{}, err
	}
	return c.await(ctx, wt, timeout)
}

// ApplyMask switches every contactor off and then closes target. If the
// second step fails, it makes a best-effort attempt to switch everything
// off again before returning the error.
func (c *Controller) ApplyMask(ctx context.Context, target uint16) (lbproto.Status, error) {
	off, err := c.SetContactors(ctx, 0)
	if err != nil {
		return lbproto.Status{}, fmt.Errorf("loadbank: all-off before 0x%04X: %w", target, err)
	}

	st, err := c.setContactors(ctx, off, target, c.timeout)
	if err != nil {
		c.log.Error().Err(err).Str("mask", fmt.Sprintf("0x%04X", target)).Msg("apply mask failed, switching off")
		if _, ferr := c.setContactors(context.Background(), off, 0, DefaultFallbackTimeout); ferr != nil {
			c.log.Warn().Err(ferr).Msg("fallback all-off failed")
		}
		return lbproto.Status{}, err
	}
	c.log.Info().Str("mask", fmt.Sprintf("0x%04X", target)).Uint16("power", st.BankPower).Msg("mask applied")
	return st, nil
}
