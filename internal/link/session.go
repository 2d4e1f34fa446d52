package link

import (
	"strings"

	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
)

// Selector picks how a session acquires its port: a fixed, named port or
// auto-discovery across every enumerated port.
type Selector struct {
	name string
}

// Auto scans all ports and adopts the first one that produces a valid frame.
var Auto = Selector{}

// Fixed keeps reopening the named port until it succeeds.
func Fixed(name string) Selector { return Selector{name: name} }

// ParseSelector maps user input to a Selector. Blank input means Auto.
func ParseSelector(s string) Selector {
	return Fixed(strings.TrimSpace(s))
}

func (s Selector) IsAuto() bool { return s.name == "" }

// Name returns the fixed port name, or "" for Auto.
func (s Selector) Name() string { return s.name }

// Key identifies the selector for idempotent starts.
func (s Selector) Key() string {
	if s.IsAuto() {
		return "auto"
	}
	return "fixed:" + s.name
}

func (s Selector) String() string { return s.Key() }

// acquire tries to obtain a port according to the selector. Attempts are
// spaced at least ScanEvery apart so a missing device never busy-loops.
func (w *worker) acquire() {
	if w.port != nil {
		return
	}
	now := w.now()
	if now.Sub(w.lastScan) < w.opts.ScanEvery {
		return
	}
	w.lastScan = now

	if w.sel.IsAuto() {
		w.probeAll()
		return
	}
	w.openFixed(w.sel.Name())
}

func (w *worker) openFixed(name string) {
	p, err := w.opts.Opener(name, w.baud, w.opts.ReadTimeout)
	if err != nil {
		w.log.Warn().Err(err).Str("port", name).Msg("open failed")
		w.emitHealth(false, "open failed: "+err.Error())
		return
	}

	w.adopt(p, name)
	w.log.Info().Str("port", name).Int("baud", w.baud).Msg("opened fixed port")
	w.emitHealth(false, "connected (awaiting frames)")
}

// probeAll walks the enumerated ports in order. Each candidate is opened,
// optionally sent the poll frame, and listened to for ProbeWindow. The first
// one that yields a valid frame is adopted; bytes that followed that frame
// are carried into the session buffer.
func (w *worker) probeAll() {
	ports, err := w.opts.Enumerator()
	if err != nil {
		w.log.Warn().Err(err).Msg("enumerate ports failed")
		return
	}
	w.log.Debug().Int("candidates", len(ports)).Msg("scanning ports")

	for _, info := range ports {
		if w.probe(info.Name) {
			return
		}
	}
}

func (w *worker) probe(candidate string) bool {
	p, err := w.opts.Opener(candidate, w.baud, w.opts.ReadTimeout)
	if err != nil {
		w.log.Debug().Err(err).Str("port", candidate).Msg("probe open failed")
		return false
	}

	if len(w.pollFrame) > 0 {
		if _, err := p.Write(w.pollFrame); err != nil {
			w.log.Debug().Err(err).Str("port", candidate).Msg("probe write failed")
		} else {
			w.log.Debug().Str("port", candidate).Str("hex", lbproto.Hex(w.pollFrame)).Msg("tx probe")
			w.lastPoll = w.now()
			w.stats.BytesTx.Add(uint64(len(w.pollFrame)))
			w.emit(Event{Kind: KindTx, Chunk: newChunk(candidate, w.pollFrame)})
		}
	}

	probeBuf := lbproto.NewBufferSize(probeKeep, probeKeep*4)
	tmp := make([]byte, w.opts.ProbeChunk)
	deadline := w.now().Add(w.opts.ProbeWindow)

	for w.now().Before(deadline) {
		n, err := p.Read(tmp)
		if n > 0 {
			probeBuf.Append(tmp[:n])
			if s, ok := probeBuf.Next(); ok {
				w.adopt(p, candidate)
				w.buf.Append(probeBuf.Bytes())
				w.log.Info().Str("port", candidate).Int("baud", w.baud).Msg("adopted port")
				w.frameSeen(s)
				return true
			}
			probeBuf.Trim()
		}
		if err != nil && !isTimeout(err) {
			w.log.Debug().Err(err).Str("port", candidate).Msg("probe read failed")
			break
		}
	}

	p.Close()
	return false
}

// probeKeep bounds the per-candidate probe buffer.
const probeKeep = 1024

func (w *worker) adopt(p Port, name string) {
	w.port = p
	w.portName = name
	w.lastSeen = w.now()
	w.stats.Reconnects.Inc()
	w.stats.Port.Store(name)
}
