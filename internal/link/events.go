package link

import (
	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
)

// Kind identifies the payload carried by an Event.
type Kind string

const (
	KindStatus Kind = "status"
	KindHealth Kind = "health"
	KindRx     Kind = "rx"
	KindTx     Kind = "tx"
)

// Health reports link liveness. It is emitted on every online/offline
// transition and on open or read failures.
type Health struct {
	PortName   string  `json:"portName"`
	Online     bool    `json:"online"`
	LastSeenMs int64   `json:"lastSeenMs"` // Age of the last good frame
	Reason     *string `json:"reason"`
}

// Chunk is a raw block of bytes as received or transmitted.
type Chunk struct {
	PortName string `json:"portName"`
	Bytes    []byte `json:"bytes"`
	Hex      string `json:"hex"`
}

// Event is one outbound notification. Exactly one of Status, Health or
// Chunk is set, matching Kind.
type Event struct {
	Kind   Kind            `json:"kind"`
	Status *lbproto.Status `json:"status,omitempty"`
	Health *Health         `json:"health,omitempty"`
	Chunk  *Chunk          `json:"chunk,omitempty"`
}

// Emitter receives runtime events. Emit is called from the worker goroutine
// and must not block for long; delivery is fire-and-forget.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Fanout forwards every event to each emitter in order.
type Fanout []Emitter

func (f Fanout) Emit(e Event) {
	for _, em := range f {
		if em != nil {
			em.Emit(e)
		}
	}
}

type discard struct{}

func (discard) Emit(Event) {}

func newChunk(port string, b []byte) *Chunk {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Chunk{PortName: port, Bytes: cp, Hex: lbproto.Hex(cp)}
}

func reason(s string) *string { return &s }
