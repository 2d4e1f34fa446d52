// Package link runs the load bank serial session: it acquires a port, polls
// it, pulls status frames out of the byte stream and reports link health.
// All port I/O happens on one worker goroutine per Runtime.
package link

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
)

var (
	// ErrNoActiveSession is returned by commands issued before Start or after Stop.
	ErrNoActiveSession = errors.New("link: load bank polling not running")
	// ErrChannelClosed is returned when the worker has already exited.
	ErrChannelClosed = errors.New("link: runtime channel closed")
	// ErrInvalidBaud is returned by Start for a non-positive baud rate.
	ErrInvalidBaud = errors.New("link: invalid baud rate")
)

// cmdQueue is the command channel capacity.
const cmdQueue = 64

// Options tunes a Runtime. Zero fields take the defaults from DefaultOptions.
type Options struct {
	Opener     Opener
	Enumerator Enumerator
	Emitter    Emitter
	Logger     *zerolog.Logger

	OfflineAfter time.Duration // Silence before an online link is dropped
	ScanEvery    time.Duration // Minimum gap between acquisition attempts
	ProbeWindow  time.Duration // Listen time per auto-discovery candidate
	ReadTimeout  time.Duration
	IdleSleep    time.Duration // Back-off while no port is held
	ReadChunk    int
	ProbeChunk   int
	BufKeep      int
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		Opener:       OpenSerial,
		Enumerator:   EnumerateSerial,
		OfflineAfter: 800 * time.Millisecond,
		ScanEvery:    500 * time.Millisecond,
		ProbeWindow:  250 * time.Millisecond,
		ReadTimeout:  20 * time.Millisecond,
		IdleSleep:    50 * time.Millisecond,
		ReadChunk:    512,
		ProbeChunk:   256,
		BufKeep:      lbproto.BufKeep,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Opener == nil {
		o.Opener = d.Opener
	}
	if o.Enumerator == nil {
		o.Enumerator = d.Enumerator
	}
	if o.Emitter == nil {
		o.Emitter = discard{}
	}
	if o.Logger == nil {
		l := log.With().Str("component", "link").Logger()
		o.Logger = &l
	}
	if o.OfflineAfter <= 0 {
		o.OfflineAfter = d.OfflineAfter
	}
	if o.ScanEvery <= 0 {
		o.ScanEvery = d.ScanEvery
	}
	if o.ProbeWindow <= 0 {
		o.ProbeWindow = d.ProbeWindow
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = d.IdleSleep
	}
	if o.ReadChunk <= 0 {
		o.ReadChunk = d.ReadChunk
	}
	if o.ProbeChunk <= 0 {
		o.ProbeChunk = d.ProbeChunk
	}
	if o.BufKeep <= 0 {
		o.BufKeep = d.BufKeep
	}
	return o
}

type handle struct {
	key  string
	baud int
	cmds chan command
	done chan struct{}
}

// stop asks the worker to exit and waits for it.
func (h *handle) stop() {
	select {
	case h.cmds <- command{kind: cmdStop}:
	case <-h.done:
	}
	<-h.done
}

func (h *handle) submit(c command) error {
	select {
	case <-h.done:
		return ErrChannelClosed
	default:
	}
	select {
	case h.cmds <- c:
		return nil
	case <-h.done:
		return ErrChannelClosed
	}
}

// Runtime supervises at most one polling session at a time.
type Runtime struct {
	opts  Options
	log   zerolog.Logger
	stats Stats

	lifecycle sync.Mutex // Serializes Start/Stop, held across joins
	mu        sync.Mutex // Guards h, never held across I/O
	h         *handle
}

// New creates an idle Runtime.
func New(opts Options) *Runtime {
	opts = opts.withDefaults()
	return &Runtime{opts: opts, log: *opts.Logger}
}

// Start begins polling. selector is a port name, or blank for
// auto-discovery. Starting again with the same selector and baud is a no-op;
// anything else stops the current session first.
func (r *Runtime) Start(selector string, baud int) error {
	if baud <= 0 {
		return fmt.Errorf("%w %d", ErrInvalidBaud, baud)
	}
	sel := ParseSelector(selector)
	key := sel.Key()

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	old := r.h
	if old != nil && old.key == key && old.baud == baud {
		r.mu.Unlock()
		return nil
	}
	r.h = nil
	r.mu.Unlock()

	if old != nil {
		r.log.Info().Str("mode", old.key).Msg("replacing session")
		old.stop()
	}

	h := &handle{
		key:  key,
		baud: baud,
		cmds: make(chan command, cmdQueue),
		done: make(chan struct{}),
	}
	w := newWorker(r.opts, sel, baud, &r.stats, h.cmds, h.done)
	go w.run()

	r.mu.Lock()
	r.h = h
	r.mu.Unlock()

	r.log.Info().Str("mode", key).Int("baud", baud).Msg("started")
	return nil
}

// Stop ends the session, if any. When it returns the port is closed and no
// further events will be emitted.
func (r *Runtime) Stop() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	h := r.h
	r.h = nil
	r.mu.Unlock()

	if h == nil {
		return nil
	}
	h.stop()
	r.log.Info().Str("mode", h.key).Msg("stopped")
	return nil
}

// Write queues raw bytes for transmission. Bytes are dropped by the worker
// if no port is currently held.
func (r *Runtime) Write(b []byte) error {
	data := make([]byte, len(b))
	copy(data, b)
	return r.submit(command{kind: cmdWrite, data: data})
}

// SetPolling replaces the periodic poll. interval <= 0 disables it; a nil
// or empty frame keeps the timer running without writing anything.
func (r *Runtime) SetPolling(interval time.Duration, frame []byte) error {
	if interval < 0 {
		interval = 0
	}
	var data []byte
	if len(frame) > 0 {
		data = make([]byte, len(frame))
		copy(data, frame)
	}
	return r.submit(command{kind: cmdSetPolling, data: data, every: interval})
}

func (r *Runtime) submit(c command) error {
	r.mu.Lock()
	h := r.h
	r.mu.Unlock()
	if h == nil {
		return ErrNoActiveSession
	}
	return h.submit(c)
}

// Running reports the active selector key and baud.
func (r *Runtime) Running() (key string, baud int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.h == nil {
		return "", 0, false
	}
	return r.h.key, r.h.baud, true
}

// Stats returns a snapshot of the link counters.
func (r *Runtime) Stats() StatsSnapshot {
	return r.stats.Snapshot()
}

// ListPorts enumerates serial ports. Enumeration failures yield an empty list.
func (r *Runtime) ListPorts() []PortInfo {
	ports, err := r.opts.Enumerator()
	if err != nil {
		r.log.Warn().Err(err).Msg("list ports failed")
		return []PortInfo{}
	}
	return ports
}
