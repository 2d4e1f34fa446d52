package link

import (
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
)

type cmdKind int

const (
	cmdWrite cmdKind = iota
	cmdSetPolling
	cmdStop
)

type command struct {
	kind  cmdKind
	data  []byte        // cmdWrite payload or cmdSetPolling frame
	every time.Duration // cmdSetPolling interval
}

// worker owns one session: the port, the receive buffer and every timer.
// Nothing in it is touched from outside the goroutine running run.
type worker struct {
	opts  Options
	sel   Selector
	baud  int
	log   zerolog.Logger
	stats *Stats
	cmds  <-chan command
	done  chan struct{}
	now   func() time.Time

	port     Port
	portName string
	online   bool
	buf      *lbproto.Buffer
	tmp      []byte

	lastSeen time.Time
	lastScan time.Time
	lastPoll time.Time

	pollEvery time.Duration
	pollFrame []byte
}

func newWorker(opts Options, sel Selector, baud int, stats *Stats, cmds <-chan command, done chan struct{}) *worker {
	now := time.Now()
	return &worker{
		opts:  opts,
		sel:   sel,
		baud:  baud,
		log:   opts.Logger.With().Str("mode", sel.Key()).Logger(),
		stats: stats,
		cmds:  cmds,
		done:  done,
		now:   time.Now,

		buf: lbproto.NewBufferSize(opts.BufKeep, opts.BufKeep*4),
		tmp: make([]byte, opts.ReadChunk),

		lastSeen: now,
		lastScan: now.Add(-opts.ScanEvery),
		lastPoll: now,
	}
}

// run is the session loop. Each iteration applies queued commands, makes
// sure a port is held, then polls, reads, parses and checks liveness.
func (w *worker) run() {
	defer close(w.done)
	defer func() {
		w.release()
		w.stats.Online.Store(false)
	}()

	w.log.Info().Int("baud", w.baud).Msg("worker started")
	for {
		if w.drainCommands() {
			w.log.Info().Msg("stop requested")
			return
		}

		w.acquire()
		if w.port == nil {
			time.Sleep(w.opts.IdleSleep)
			continue
		}

		w.pollIfDue()
		w.readOnce()
		w.parseFrames()
		w.offlineCheck()
	}
}

// drainCommands applies every queued command without blocking and reports
// whether the worker should exit.
func (w *worker) drainCommands() bool {
	for {
		select {
		case c, ok := <-w.cmds:
			if !ok {
				return true
			}
			switch c.kind {
			case cmdWrite:
				w.write(c.data)
			case cmdSetPolling:
				w.pollEvery = c.every
				w.pollFrame = c.data
				w.lastPoll = w.now()
				w.log.Debug().
					Dur("every", c.every).
					Str("frame", lbproto.Hex(c.data)).
					Msg("polling updated")
			case cmdStop:
				return true
			}
		default:
			return false
		}
	}
}

func (w *worker) write(b []byte) {
	if w.port == nil {
		w.log.Debug().Int("len", len(b)).Msg("write ignored, no port")
		return
	}
	if _, err := w.port.Write(b); err != nil {
		w.log.Warn().Err(err).Str("port", w.portName).Msg("write failed")
		return
	}
	w.stats.BytesTx.Add(uint64(len(b)))
	w.log.Debug().Str("port", w.portName).Str("hex", lbproto.Hex(b)).Msg("tx")
	w.emit(Event{Kind: KindTx, Chunk: newChunk(w.healthPortName(), b)})
}

func (w *worker) pollIfDue() {
	if w.pollEvery <= 0 {
		return
	}
	now := w.now()
	if now.Sub(w.lastPoll) < w.pollEvery {
		return
	}
	if len(w.pollFrame) > 0 {
		w.write(w.pollFrame)
	}
	w.lastPoll = now
}

func (w *worker) readOnce() {
	n, err := w.port.Read(w.tmp)
	if n > 0 {
		chunk := w.tmp[:n]
		w.buf.Append(chunk)
		w.stats.BytesRx.Add(uint64(n))
		w.log.Debug().Str("port", w.portName).Str("hex", lbproto.Hex(chunk)).Msg("rx")
		w.emit(Event{Kind: KindRx, Chunk: newChunk(w.healthPortName(), chunk)})
	}
	if err != nil && !isTimeout(err) {
		w.log.Warn().Err(err).Str("port", w.portName).Msg("read error")
		w.dropPort("read error: " + err.Error())
	}
}

func (w *worker) parseFrames() {
	if w.port == nil {
		return
	}
	for {
		s, ok := w.buf.Next()
		if !ok {
			break
		}
		w.frameSeen(s)
	}
	if n := w.buf.Trim(); n > 0 {
		w.stats.Dropped.Add(uint64(n))
		w.log.Debug().Int("dropped", n).Msg("receive buffer trimmed")
	}
}

// frameSeen records a decoded frame, flips the session online if needed and
// publishes the status.
func (w *worker) frameSeen(s lbproto.Status) {
	s.PortName = w.portName
	w.lastSeen = w.now()
	w.stats.Frames.Inc()
	if !w.online {
		w.online = true
		w.stats.Online.Store(true)
		w.log.Info().Str("port", w.portName).Msg("online")
		w.emitHealth(true, "")
	}
	w.emit(Event{Kind: KindStatus, Status: &s})
}

func (w *worker) offlineCheck() {
	if w.online && w.now().Sub(w.lastSeen) > w.opts.OfflineAfter {
		w.log.Warn().Str("port", w.portName).Msg("no valid frames, dropping port")
		w.dropPort("no valid frames")
	}
}

// dropPort closes the port and returns the session to acquisition.
func (w *worker) dropPort(why string) {
	if w.port != nil || w.online {
		w.emitHealth(false, why)
	}
	w.release()
	w.online = false
	w.stats.Online.Store(false)
	w.portName = ""
	w.buf.Reset()
}

func (w *worker) release() {
	if w.port == nil {
		return
	}
	if err := w.port.Close(); err != nil {
		w.log.Debug().Err(err).Str("port", w.portName).Msg("close failed")
	}
	w.port = nil
}

func (w *worker) healthPortName() string {
	switch {
	case w.portName != "":
		return w.portName
	case !w.sel.IsAuto():
		return w.sel.Name()
	default:
		return "(auto)"
	}
}

func (w *worker) emitHealth(online bool, why string) {
	h := &Health{
		PortName:   w.healthPortName(),
		Online:     online,
		LastSeenMs: w.now().Sub(w.lastSeen).Milliseconds(),
	}
	if why != "" {
		h.Reason = reason(why)
	}
	w.emit(Event{Kind: KindHealth, Health: h})
}

func (w *worker) emit(e Event) {
	w.opts.Emitter.Emit(e)
}

// isTimeout reports whether err is a read timeout rather than a lost port.
// go.bug.st/serial signals timeouts as (0, nil), which never reaches here.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
