package link

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shaunagostinho/loadbank-link/internal/lbproto"
)

const (
	roundtripReadTimeout = 100 * time.Millisecond
	drainTimeout         = 1500 * time.Millisecond // Cap on discarding stale input
)

// RoundtripResult is the outcome of a single write-then-listen exchange.
// The frame views split each side at FrameLen bytes; the text views render
// whatever follows the frame for devices that answer in ASCII.
type RoundtripResult struct {
	SentBytes []byte `json:"sentBytes"`
	RecvBytes []byte `json:"recvBytes"`
	SentHex   string `json:"sentHex"`
	RecvHex   string `json:"recvHex"`

	SentFrameHex string `json:"sentFrameHex"`
	RecvFrameHex string `json:"recvFrameHex"`

	SentText      string `json:"sentDebugUtf8"`
	RecvText      string `json:"recvDebugUtf8"`
	SentTextValid bool   `json:"sentDebugUtf8Valid"`
	RecvTextValid bool   `json:"recvDebugUtf8Valid"`

	// Status is the first valid frame found anywhere in the reply.
	Status *lbproto.Status `json:"status,omitempty"`
}

// Roundtrip opens name directly, discards pending input, writes data and
// collects everything received within window. It bypasses the Runtime and
// must not be pointed at a port a running session holds.
func Roundtrip(ctx context.Context, open Opener, name string, baud int, data []byte, window time.Duration) (*RoundtripResult, error) {
	if open == nil {
		open = OpenSerial
	}
	p, err := open(name, baud, roundtripReadTimeout)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	junk := make([]byte, 256)
	drainUntil := time.Now().Add(drainTimeout)
	for time.Now().Before(drainUntil) {
		n, err := p.Read(junk)
		if n == 0 || err != nil {
			break
		}
	}

	if _, err := p.Write(data); err != nil {
		return nil, fmt.Errorf("link: roundtrip write %s: %w", name, err)
	}

	var recv []byte
	tmp := make([]byte, 512)
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := p.Read(tmp)
		if n > 0 {
			recv = append(recv, tmp[:n]...)
		}
		if err != nil && !isTimeout(err) {
			return nil, fmt.Errorf("link: roundtrip read %s: %w", name, err)
		}
	}

	return newRoundtripResult(data, recv), nil
}

func newRoundtripResult(sent, recv []byte) *RoundtripResult {
	sentFrame, sentTail := splitFrame(sent)
	recvFrame, recvTail := splitFrame(recv)

	res := &RoundtripResult{
		SentBytes:    sent,
		RecvBytes:    recv,
		SentHex:      lbproto.Hex(sent),
		RecvHex:      lbproto.Hex(recv),
		SentFrameHex: lbproto.Hex(sentFrame),
		RecvFrameHex: lbproto.Hex(recvFrame),
	}
	res.SentText, res.SentTextValid = debugText(sentTail)
	res.RecvText, res.RecvTextValid = debugText(recvTail)

	if _, s, ok := lbproto.FindFirstValid(recv); ok {
		res.Status = &s
	}
	return res
}

func splitFrame(b []byte) ([]byte, []byte) {
	n := lbproto.FrameLen
	if n > len(b) {
		n = len(b)
	}
	return b[:n], b[n:]
}

// debugText renders b as text with CRLF line endings, replacing invalid
// UTF-8 sequences. The flag reports whether b was valid UTF-8.
func debugText(b []byte) (string, bool) {
	valid := utf8.Valid(b)
	s := string(b)
	if !valid {
		s = strings.ToValidUTF8(s, "�")
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	return s, valid
}
