package loadbank

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
	"github.com/shaunagostinho/loadbank-link/internal/link"
)

// echoWriter records written frames and, unless the mask is refused,
// reports it back through the controller like a bank confirming a command.
type echoWriter struct {
	c      *Controller
	mu     sync.Mutex
	masks  []uint16
	frames [][]byte
	refuse map[uint16]bool
	err    error
}

func (w *echoWriter) Write(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	s, ok := lbproto.Decode(b)
	if !ok {
		return errors.New("not a frame")
	}
	w.masks = append(w.masks, s.ContactorsMask)
	w.frames = append(w.frames, b)
	if !w.refuse[s.ContactorsMask] {
		reply := s
		reply.BankPower = 1000
		go w.c.Emit(link.Event{Kind: link.KindStatus, Status: &reply})
	}
	return nil
}

func (w *echoWriter) written() []uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint16(nil), w.masks...)
}

func newTestController(timeout time.Duration) (*Controller, *echoWriter) {
	w := &echoWriter{refuse: map[uint16]bool{}}
	c := NewController(w, timeout)
	c.log = zerolog.Nop()
	w.c = c
	return c, w
}

func seed(c *Controller, s lbproto.Status) {
	c.Emit(link.Event{Kind: link.KindStatus, Status: &s})
}

func TestControllerCachesLatest(t *testing.T) {
	c, _ := newTestController(0)

	_, ok := c.LastStatus()
	assert.False(t, ok)
	_, ok = c.LastHealth()
	assert.False(t, ok)

	seed(c, lbproto.Status{BankNo: 1, ContactorsMask: 1})
	seed(c, lbproto.Status{BankNo: 1, ContactorsMask: 2})
	c.Emit(link.Event{Kind: link.KindHealth, Health: &link.Health{PortName: "COM1", Online: true}})

	s, ok := c.LastStatus()
	require.True(t, ok)
	assert.Equal(t, uint16(2), s.ContactorsMask)

	h, ok := c.LastHealth()
	require.True(t, ok)
	assert.True(t, h.Online)
}

func TestSetContactorsNeedsStatus(t *testing.T) {
	c, w := newTestController(50 * time.Millisecond)
	_, err := c.SetContactors(context.Background(), 0x0001)
	assert.ErrorIs(t, err, ErrNoStatus)
	assert.Empty(t, w.written())
}

func TestSetContactorsBuildsFrameFromLastStatus(t *testing.T) {
	c, w := newTestController(time.Second)
	seed(c, lbproto.Status{
		Version: 2, BankPower: 700, BankNo: 5, BankHealth: 90,
		ContactorsMask: 0x0001, ErrFans: 3, OtherErrors: 1,
	})

	st, err := c.SetContactors(context.Background(), 0x00F0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x00F0), st.ContactorsMask)

	require.Len(t, w.frames, 1)
	sent, ok := lbproto.Decode(w.frames[0])
	require.True(t, ok)
	assert.Equal(t, uint8(2), sent.Version)
	assert.Equal(t, uint16(700), sent.BankPower)
	assert.Equal(t, uint8(5), sent.BankNo)
	assert.Equal(t, uint8(90), sent.BankHealth)
	assert.Equal(t, uint16(0x00F0), sent.ContactorsMask)
	assert.False(t, sent.HasErrors())
}

func TestSetContactorsTimeout(t *testing.T) {
	c, w := newTestController(30 * time.Millisecond)
	w.refuse[0x0003] = true
	seed(c, lbproto.Status{ContactorsMask: 0})

	_, err := c.SetContactors(context.Background(), 0x0003)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Empty(t, c.waiters)
}

func TestSetContactorsWriteError(t *testing.T) {
	c, w := newTestController(time.Second)
	w.err = link.ErrNoActiveSession
	seed(c, lbproto.Status{})

	_, err := c.SetContactors(context.Background(), 1)
	assert.ErrorIs(t, err, link.ErrNoActiveSession)
	assert.Empty(t, c.waiters)
}

func TestWaitForMaskHonoursContext(t *testing.T) {
	c, _ := newTestController(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.WaitForMask(ctx, 7)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitForMaskIgnoresOtherMasks(t *testing.T) {
	c, _ := newTestController(time.Second)
	go func() {
		time.Sleep(5 * time.Millisecond)
		seed(c, lbproto.Status{ContactorsMask: 1})
		seed(c, lbproto.Status{ContactorsMask: 2})
	}()
	s, err := c.WaitForMask(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), s.ContactorsMask)
}

func TestApplyMaskSequence(t *testing.T) {
	c, w := newTestController(time.Second)
	seed(c, lbproto.Status{Version: 1, ContactorsMask: 0x0003})

	st, err := c.ApplyMask(context.Background(), 0x000C)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x000C), st.ContactorsMask)
	assert.Equal(t, []uint16{0x0000, 0x000C}, w.written())
}

func TestApplyMaskFallsBackToAllOff(t *testing.T) {
	c, w := newTestController(30 * time.Millisecond)
	w.refuse[0x000C] = true
	seed(c, lbproto.Status{Version: 1, ContactorsMask: 0x0003})

	_, err := c.ApplyMask(context.Background(), 0x000C)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, []uint16{0x0000, 0x000C, 0x0000}, w.written())
}

func TestControllerWithSimulatedBank(t *testing.T) {
	sim := NewSim(SimConfig{BankNo: 3, StepWatts: 250})
	c := NewController(nil, time.Second)
	c.log = zerolog.Nop()

	nop := zerolog.Nop()
	rt := link.New(link.Options{
		Opener:     sim.Opener(),
		Enumerator: sim.Enumerator(),
		Emitter:    c,
		Logger:     &nop,
		ScanEvery:  10 * time.Millisecond,
		IdleSleep:  2 * time.Millisecond,
	})
	c.SetWriter(rt)
	defer rt.Stop()

	require.NoError(t, rt.Start("", 115200))
	require.NoError(t, rt.SetPolling(20*time.Millisecond, []byte{0x7E}))

	require.Eventually(t, func() bool {
		_, ok := c.LastStatus()
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	st, err := c.ApplyMask(context.Background(), 0x0007)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0007), st.ContactorsMask)
	assert.Equal(t, uint16(750), st.BankPower)
	assert.Equal(t, uint8(3), st.BankNo)
	assert.Equal(t, SimPortName, st.PortName)
	assert.Equal(t, uint16(0x0007), sim.Contactors())

	h, ok := c.LastHealth()
	require.True(t, ok)
	assert.True(t, h.Online)
}
