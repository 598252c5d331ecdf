// Package planner provides RangePlanner, the stock work planner: it splits a
// dataset of N entries into fixed-size ranges and hands them to workers on
// request.
package planner

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/pcoord/internal/cluster"
)

// ErrInvalidRange is returned by Reassign for a hint outside the dataset.
var ErrInvalidRange = errors.New("planner: range outside dataset")

// RangePlanner hands out consecutive ranges of [0, total) and takes them back
// when a worker is lost, so that no entry is permanently dropped.
//
// Assignment model:
//   - Each call to NextUnit completes the range the worker held before
//   - Reassigned ranges are served before fresh ones
//   - When nothing is left but other workers still hold ranges, NextUnit
//     returns cluster.ErrNoUnitYet so the caller can park the request
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│            RangePlanner             │
//	├─────────────────────────────────────┤
//	│  next:        first fresh entry     │
//	│  requeue:     ranges taken back     │
//	│  outstanding: ordinal → range       │
//	│  processed:   ordinal → entries     │
//	└─────────────────────────────────────┘
//
// Thread Safety:
// All methods lock an internal mutex. The coordinator calls them from its
// collect loop only, but status readers may run elsewhere.
type RangePlanner struct {
	mu sync.Mutex

	total int64
	unit  int64
	next  int64

	requeue     []cluster.Range
	outstanding map[string]cluster.Range
	processed   map[string]int64
	reassigned  int
}

// NewRangePlanner creates a planner over total entries served unit at a time.
//
// Parameters:
//   - total: Number of entries in the dataset (must be >= 0)
//   - unit: Maximum entries per range (must be > 0)
//
// Example:
//
//	p, _ := planner.NewRangePlanner(1000, 50)
//	r, err := p.NextUnit(w) // [0,50)
func NewRangePlanner(total, unit int64) (*RangePlanner, error) {
	if total < 0 {
		return nil, fmt.Errorf("planner: negative total %d", total)
	}
	if unit <= 0 {
		return nil, fmt.Errorf("planner: unit must be positive, got %d", unit)
	}
	return &RangePlanner{
		total:       total,
		unit:        unit,
		outstanding: make(map[string]cluster.Range),
		processed:   make(map[string]int64),
	}, nil
}

// NextUnit returns the next range for w. A nil range with a nil error means
// the dataset is exhausted.
func (p *RangePlanner) NextUnit(w *cluster.Worker) (*cluster.Range, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.outstanding, w.Ordinal)

	var r cluster.Range
	switch {
	case len(p.requeue) > 0:
		r = p.requeue[0]
		p.requeue = p.requeue[1:]
	case p.next < p.total:
		r = cluster.Range{First: p.next, Count: min(p.unit, p.total-p.next)}
		p.next += r.Count
	case len(p.outstanding) > 0:
		return nil, cluster.ErrNoUnitYet
	default:
		return nil, nil
	}
	p.outstanding[w.Ordinal] = r
	return &r, nil
}

// AccountProcessed records entries w reports as processed.
func (p *RangePlanner) AccountProcessed(w *cluster.Worker, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed[w.Ordinal] += n
}

// Reassign takes hint back from w and queues it for the next request.
//
// Implementation:
//  1. Validate the hint against the dataset bounds
//  2. Drop w's outstanding record
//  3. Queue the hint ahead of fresh ranges
func (p *RangePlanner) Reassign(w *cluster.Worker, hint cluster.Range) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if hint.Count <= 0 || hint.First < 0 || hint.End() > p.total {
		return fmt.Errorf("reassign %s from %s: %w", hint, w.Ordinal, ErrInvalidRange)
	}
	delete(p.outstanding, w.Ordinal)
	p.requeue = append(p.requeue, hint)
	p.reassigned++
	return nil
}

// Outstanding returns a copy of the ranges currently held, keyed by ordinal.
func (p *RangePlanner) Outstanding() map[string]cluster.Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]cluster.Range, len(p.outstanding))
	for k, v := range p.outstanding {
		out[k] = v
	}
	return out
}

// Processed is the total reported through AccountProcessed.
func (p *RangePlanner) Processed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for _, v := range p.processed {
		n += v
	}
	return n
}

// Reassigned counts ranges taken back so far.
func (p *RangePlanner) Reassigned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reassigned
}

// Done reports whether every range has been handed out and acknowledged.
func (p *RangePlanner) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next >= p.total && len(p.requeue) == 0 && len(p.outstanding) == 0
}
