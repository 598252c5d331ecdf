package coordinator

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/dreamware/pcoord/internal/cluster"
	"github.com/dreamware/pcoord/internal/conn"
)

// latencyRecorder keeps the distribution of reply delays, in microseconds,
// up to one hour. Readable from any goroutine.
type latencyRecorder struct {
	mu sync.Mutex
	h  *hdrhistogram.Histogram
}

func newLatencyRecorder() *latencyRecorder {
	return &latencyRecorder{h: hdrhistogram.New(1, int64(time.Hour/time.Microsecond), 3)}
}

func (l *latencyRecorder) record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if us > l.h.HighestTrackableValue() {
		us = l.h.HighestTrackableValue()
	}
	_ = l.h.RecordValue(us)
}

// recordLatency records the delay between the last request sent on cn and
// the first message that arrived after it. Further messages answering the
// same request, and messages that arrived before it, are not counted.
func (c *Coordinator) recordLatency(cn *conn.Conn) {
	sent := cn.LastSent()
	if sent.IsZero() || c.measured[cn].Equal(sent) {
		return
	}
	d := cn.LastActivity().Sub(sent)
	if d < 0 {
		return
	}
	c.measured[cn] = sent
	c.latency.record(d)
}

// Latency summarizes how long workers took to answer requests.
func (c *Coordinator) Latency() cluster.LatencySummary {
	c.latency.mu.Lock()
	defer c.latency.mu.Unlock()
	h := c.latency.h
	ms := func(us int64) float64 { return float64(us) / 1000 }
	return cluster.LatencySummary{
		Count: h.TotalCount(),
		P50Ms: ms(h.ValueAtQuantile(50)),
		P99Ms: ms(h.ValueAtQuantile(99)),
		MaxMs: ms(h.Max()),
	}
}
