package tools

import (
	"sync"
	"time"
)

// ringCapacity bounds the recent-usage buffer; older events are overwritten.
const ringCapacity = 256

// UsageEvent is one recorded tool invocation.
type UsageEvent struct {
	Tool      string    `json:"tool"`
	Caller    string    `json:"caller,omitempty"`
	TS        time.Time `json:"ts"`
	OK        bool      `json:"ok"`
	LatencyMS float64   `json:"latency_ms"`
}

type usageRing struct {
	mu   sync.Mutex
	buf  [ringCapacity]UsageEvent
	next int
	size int
}

func newUsageRing() *usageRing {
	return &usageRing{}
}

func (r *usageRing) add(e UsageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % ringCapacity
	if r.size < ringCapacity {
		r.size++
	}
}

// since returns retained events at or after the cutoff, newest first.
func (r *usageRing) since(cutoff time.Time) []UsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]UsageEvent, 0, r.size)
	for i := 1; i <= r.size; i++ {
		e := r.buf[(r.next-i+ringCapacity)%ringCapacity]
		if e.TS.Before(cutoff) {
			break
		}
		out = append(out, e)
	}
	return out
}
