package loadbank

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
)

func readFrame(t *testing.T, s *Sim) lbproto.Status {
	t.Helper()
	buf := make([]byte, 64)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, lbproto.FrameLen, n)
	st, ok := lbproto.Decode(buf[:n])
	require.True(t, ok)
	return st
}

func TestSimAnswersPolls(t *testing.T) {
	sim := NewSim(SimConfig{BankNo: 2})
	p, err := sim.Opener()(SimPortName, 9600, time.Millisecond)
	require.NoError(t, err)

	_, err = p.Write([]byte{0x7E})
	require.NoError(t, err)
	st := readFrame(t, sim)
	assert.Equal(t, uint8(2), st.BankNo)
	assert.Zero(t, st.ContactorsMask)
	assert.Zero(t, st.BankPower)

	n, err := p.Read(make([]byte, 16))
	assert.NoError(t, err)
	assert.Zero(t, n, "nothing queued reads as a timeout")
}

func TestSimAppliesContactorFrames(t *testing.T) {
	sim := NewSim(SimConfig{StepWatts: 400})
	p, err := sim.Opener()(SimPortName, 9600, time.Millisecond)
	require.NoError(t, err)

	cmd := lbproto.Encode(lbproto.Status{Version: 1, ContactorsMask: 0x0005})
	_, err = p.Write(cmd)
	require.NoError(t, err)

	st := readFrame(t, sim)
	assert.Equal(t, uint16(0x0005), st.ContactorsMask)
	assert.Equal(t, uint16(800), st.BankPower)
	assert.Equal(t, uint16(0x0005), sim.Contactors())
}

func TestSimStreams(t *testing.T) {
	sim := NewSim(SimConfig{Stream: time.Millisecond})
	_, err := sim.Opener()(SimPortName, 9600, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	readFrame(t, sim)
}

func TestSimOpenerAndClose(t *testing.T) {
	sim := NewSim(SimConfig{})
	_, err := sim.Opener()("COM1", 9600, time.Millisecond)
	assert.Error(t, err)

	p, err := sim.Opener()(SimPortName, 9600, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	_, err = p.Read(make([]byte, 1))
	assert.Error(t, err)

	_, err = sim.Opener()(SimPortName, 9600, time.Millisecond)
	require.NoError(t, err)

	ports, err := sim.Enumerator()()
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, SimPortName, ports[0].Name)
}
