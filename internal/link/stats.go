package link

import (
	"go.uber.org/atomic"
)

// Stats counts link activity across sessions of one Runtime. Counters are
// written by the worker and read from any goroutine.
type Stats struct {
	Frames     atomic.Uint64
	BytesRx    atomic.Uint64
	BytesTx    atomic.Uint64
	Reconnects atomic.Uint64
	Dropped    atomic.Uint64 // Bytes discarded by the buffer bound
	Online     atomic.Bool
	Port       atomic.String
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Frames     uint64 `json:"frames"`
	BytesRx    uint64 `json:"bytesRx"`
	BytesTx    uint64 `json:"bytesTx"`
	Reconnects uint64 `json:"reconnects"`
	Dropped    uint64 `json:"dropped"`
	Online     bool   `json:"online"`
	Port       string `json:"port"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Frames:     s.Frames.Load(),
		BytesRx:    s.BytesRx.Load(),
		BytesTx:    s.BytesTx.Load(),
		Reconnects: s.Reconnects.Load(),
		Dropped:    s.Dropped.Load(),
		Online:     s.Online.Load(),
		Port:       s.Port.Load(),
	}
}
