package media

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// ffmpeg -progress keys.
const (
	progressTimePrefix = "out_time_us="
	progressStateKey   = "progress="
	progressStateEnd   = "end"
)

// progressWriter parses ffmpeg -progress output line by line and reports
// completion percent relative to the expected output duration.
type progressWriter struct {
	durationSec float64
	report      func(percent float64)
	pending     []byte
}

func newProgressWriter(durationSec float64, report func(float64)) *progressWriter {
	return &progressWriter{durationSec: durationSec, report: report}
}

// Write consumes complete lines and keeps any trailing partial line.
func (w *progressWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.handleLine(string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Flush handles a final unterminated line.
func (w *progressWriter) Flush() {
	if len(w.pending) > 0 {
		w.handleLine(string(w.pending))
		w.pending = nil
	}
}

func (w *progressWriter) handleLine(line string) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, progressTimePrefix):
		us, err := strconv.ParseInt(strings.TrimPrefix(line, progressTimePrefix), 10, 64)
		if err != nil || w.durationSec <= 0 {
			return
		}
		w.report(percentOf(float64(us)/1_000_000, w.durationSec))
	case line == progressStateKey+progressStateEnd:
		w.report(100)
	}
}

// percentOf converts elapsed output time into a percent in [0,100].
func percentOf(elapsedSec, totalSec float64) float64 {
	if totalSec <= 0 || elapsedSec <= 0 {
		return 0
	}
	p := elapsedSec / totalSec * 100
	if p > 100 {
		p = 100
	}
	return p
}

// throttle forwards progress at a bounded rate. Repeated values are
// dropped; 0 and 100 always pass.
type throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	last    float64
	sent    bool
	forward func(float64)
}

func newThrottle(hz float64, forward func(float64)) *throttle {
	limit := rate.Inf
	if hz > 0 {
		limit = rate.Limit(hz)
	}
	return &throttle{limiter: rate.NewLimiter(limit, 1), forward: forward}
}

func (t *throttle) report(percent float64) {
	t.mu.Lock()
	if t.sent && percent == t.last {
		t.mu.Unlock()
		return
	}
	boundary := percent <= 0 || percent >= 100
	if !boundary && !t.limiter.Allow() {
		t.mu.Unlock()
		return
	}
	t.last = percent
	t.sent = true
	t.mu.Unlock()

	t.forward(percent)
}
