package loadbank

import (
	"fmt"
	"io"
	"math/bits"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
	"github.com/shaunagostinho/loadbank-link/internal/link"
)

// SimPortName is the port name the simulator answers to.
const SimPortName = "SIM0"

// SimConfig tunes the simulated bank.
type SimConfig struct {
	BankNo    uint8
	StepWatts uint16        // Power drawn per closed contactor
	Stream    time.Duration // Unsolicited status interval, 0 = reply to writes only
	Noise     bool          // Add jitter to power and health
}

// Sim is a virtual load bank behind a link.Port. Any write is answered with
// a status frame; a write that is itself a valid frame also sets the
// contactor mask, as the real bank does for contactor commands.
type Sim struct {
	cfg SimConfig

	mu         sync.Mutex
	contactors uint16
	out        []byte
	closed     bool
	lastEmit   time.Time
	timeout    time.Duration
}

func NewSim(cfg SimConfig) *Sim {
	if cfg.StepWatts == 0 {
		cfg.StepWatts = 500
	}
	if cfg.BankNo == 0 {
		cfg.BankNo = 1
	}
	return &Sim{
		cfg:     cfg,
		timeout: 20 * time.Millisecond,
	}
}

// Opener returns a link.Opener that hands out this simulator for
// SimPortName and fails for anything else.
func (s *Sim) Opener() link.Opener {
	return func(name string, _ int, readTimeout time.Duration) (link.Port, error) {
		if name != SimPortName {
			return nil, fmt.Errorf("loadbank: no simulated port %q", name)
		}
		s.mu.Lock()
		s.closed = false
		s.timeout = readTimeout
		s.out = s.out[:0]
		s.mu.Unlock()
		return s, nil
	}
}

// Enumerator lists the single simulated port.
func (s *Sim) Enumerator() link.Enumerator {
	return func() ([]link.PortInfo, error) {
		return []link.PortInfo{{Name: SimPortName, Type: link.PortUnknown}}, nil
	}
}

// Contactors returns the mask currently applied.
func (s *Sim) Contactors() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contactors
}

func (s *Sim) Read(b []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if len(s.out) == 0 && s.cfg.Stream > 0 && time.Since(s.lastEmit) >= s.cfg.Stream {
		s.queueStatus()
	}
	if len(s.out) == 0 {
		timeout := s.timeout
		s.mu.Unlock()
		time.Sleep(timeout)
		return 0, nil
	}
	n := copy(b, s.out)
	s.out = s.out[n:]
	s.mu.Unlock()
	return n, nil
}

func (s *Sim) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	// Each write is one command. Scanning across writes would let a run of
	// single-byte polls add up to a frame.
	if cmd, ok := lbproto.Decode(b); ok {
		s.contactors = cmd.ContactorsMask
	}
	s.queueStatus()
	return len(b), nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// queueStatus appends one status frame. Callers hold s.mu.
func (s *Sim) queueStatus() {
	closed := uint16(bits.OnesCount16(s.contactors))
	power := closed * s.cfg.StepWatts
	health := uint8(100)
	if s.cfg.Noise {
		if power > 0 {
			power += uint16(rand.Intn(int(s.cfg.StepWatts)/20 + 1))
		}
		health -= uint8(rand.Intn(3))
	}
	st := lbproto.Status{
		Version:        1,
		BankPower:      power,
		BankNo:         s.cfg.BankNo,
		BankHealth:     health,
		ContactorsMask: s.contactors,
	}
	s.out = append(s.out, lbproto.Encode(st)...)
	s.lastEmit = time.Now()
}
