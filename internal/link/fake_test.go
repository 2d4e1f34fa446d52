package link

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
)

// fakePort is an in-memory Port. Reads return queued bytes, or (0, nil)
// after a short pause to mimic a serial read timeout.
type fakePort struct {
	name string

	mu      sync.Mutex
	rx      []byte
	written [][]byte
	closed  bool
	readErr error
	reply   func(written []byte) []byte
}

func newFakePort(name string) *fakePort { return &fakePort{name: name} }

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.rx) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	cp := append([]byte(nil), b...)
	p.written = append(p.written, cp)
	if p.reply != nil {
		p.rx = append(p.rx, p.reply(cp)...)
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = append(p.rx, b...)
}

func (p *fakePort) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

func (p *fakePort) writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.written...)
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeHost hands out fake ports by name and counts opens.
type fakeHost struct {
	mu     sync.Mutex
	ports  map[string]*fakePort
	order  []string
	opens  map[string]int
	refuse map[string]bool
}

func newFakeHost(ports ...*fakePort) *fakeHost {
	h := &fakeHost{
		ports:  map[string]*fakePort{},
		opens:  map[string]int{},
		refuse: map[string]bool{},
	}
	for _, p := range ports {
		h.ports[p.name] = p
		h.order = append(h.order, p.name)
	}
	return h
}

func (h *fakeHost) open(name string, _ int, _ time.Duration) (Port, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opens[name]++
	if h.refuse[name] {
		return nil, errors.New("device busy")
	}
	p, ok := h.ports[name]
	if !ok {
		return nil, errors.New("no such port")
	}
	p.mu.Lock()
	p.closed = false
	p.mu.Unlock()
	return p, nil
}

func (h *fakeHost) enumerate() ([]PortInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PortInfo, 0, len(h.order))
	for _, n := range h.order {
		out = append(out, PortInfo{Name: n, Type: PortUnknown})
	}
	return out, nil
}

func (h *fakeHost) setRefuse(name string, v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refuse[name] = v
}

func (h *fakeHost) openCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens[name]
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) statuses() []lbproto.Status {
	var out []lbproto.Status
	for _, e := range r.all() {
		if e.Kind == KindStatus {
			out = append(out, *e.Status)
		}
	}
	return out
}

func (r *recorder) healths() []Health {
	var out []Health
	for _, e := range r.all() {
		if e.Kind == KindHealth {
			out = append(out, *e.Health)
		}
	}
	return out
}

func (r *recorder) withReason(why string) []Health {
	var out []Health
	for _, h := range r.healths() {
		if h.Reason != nil && *h.Reason == why {
			out = append(out, h)
		}
	}
	return out
}

func (r *recorder) count(k Kind) int {
	n := 0
	for _, e := range r.all() {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func testOptions(h *fakeHost, rec *recorder) Options {
	nop := zerolog.Nop()
	return Options{
		Opener:       h.open,
		Enumerator:   h.enumerate,
		Emitter:      rec,
		Logger:       &nop,
		OfflineAfter: 5 * time.Second,
		ScanEvery:    10 * time.Millisecond,
		ProbeWindow:  40 * time.Millisecond,
		ReadTimeout:  time.Millisecond,
		IdleSleep:    2 * time.Millisecond,
	}
}

func statusFrame(bankNo uint8, mask uint16) []byte {
	return lbproto.Encode(lbproto.Status{
		Version:        1,
		BankPower:      4000,
		BankNo:         bankNo,
		BankHealth:     100,
		ContactorsMask: mask,
	})
}
