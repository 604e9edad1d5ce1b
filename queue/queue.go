// Package queue implements the multi-producer/single-consumer transmit
// queue described in spec §4.2: application threads and the protocol
// dispatcher reserve space for outbound CTO/DTO messages, commit them once
// filled, and a single transmitter goroutine drains complete messages into
// transport segments, accounting for any loss.
//
// Of the three synchronization strategies the spec admits (mutex, seqlock,
// clear-on-release lock-free), this implementation picks the mutex
// strategy: a short-held sync.Mutex guards the ring bookkeeping for
// Reserve/Commit/Peek alike. Producers never block on each other
// longer than one mutex acquisition and never block on the consumer, which
// is all the ordering guarantee §5 requires; see DESIGN.md for why the
// lock-free variants were not chosen here.
package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// PacketAlignment is the byte alignment every queue entry start is padded
// to (spec §3).
const PacketAlignment = 4

// HeaderSize is the {u16 dlc, u16 ctr} transport-layer header prefixing
// every queued message (spec §6).
const HeaderSize = 4

// ErrFull is returned by Reserve when no space could be allocated; the
// queue still accounts for it via the packets-lost counter, so the caller
// need not do any extra bookkeeping.
var ErrFull = errors.New("queue: no space available")

func align4(n int) int {
	return (n + PacketAlignment - 1) &^ (PacketAlignment - 1)
}

type entry struct {
	offset    int
	total     int // header + payload + alignment padding
	pad       int // bytes wasted at the old tail of the ring when this entry straddled the wrap point
	dlc       uint16
	committed bool
	priority  bool // a high-priority commit requests an immediate flush
}

// Handle is returned by Reserve and passed to Commit once the caller has
// filled the data slice Reserve handed back.
type Handle struct {
	e *entry
}

// Queue is the MPSC transmit queue. The zero value is not usable; create
// one with New.
type Queue struct {
	mu          sync.Mutex
	buf         []byte
	size        int
	headCount   uint64
	tailCount   uint64
	entries     []*entry
	nextCtr     uint16
	flush       bool
	packetsLost atomic.Uint64
	notify      chan struct{}

	efficiencyThreshold int // below-threshold data is paced, not flushed on every commit
	limiter             *rate.Limiter
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithEfficiencyThreshold bounds how eagerly Peek returns a segment that
// hasn't reached minBytes yet: below that size, Peek waits for more data
// to accumulate, re-checking no more often than maxRate allows, rather
// than emitting one small transport segment per commit. Above minBytes,
// or when a priority commit requests a flush, Peek always returns
// immediately regardless of the limiter — this only paces the
// "efficiency threshold" path of spec §4.2, never the flush path.
func WithEfficiencyThreshold(minBytes int, maxRate rate.Limit) Option {
	return func(q *Queue) {
		q.efficiencyThreshold = minBytes
		q.limiter = rate.NewLimiter(maxRate, 1)
	}
}

// New creates a Queue backed by a ring buffer of the given byte capacity.
func New(size int, opts ...Option) *Queue {
	q := &Queue{
		buf:    make([]byte, size),
		size:   size,
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Reserve allocates space for a message of dlc payload bytes and returns a
// writable slice of exactly that length. The message is invisible to the
// consumer until Commit is called with the returned handle.
func (q *Queue) Reserve(dlc uint16) ([]byte, *Handle, error) {
	return q.reserve(dlc, false)
}

// ReservePriority is identical to Reserve but marks the entry so that
// committing it requests an immediate consumer flush, used for protocol
// responses that must drain promptly ahead of bulk DAQ data (spec §4.5).
func (q *Queue) ReservePriority(dlc uint16) ([]byte, *Handle, error) {
	return q.reserve(dlc, true)
}

func (q *Queue) reserve(dlc uint16, priority bool) ([]byte, *Handle, error) {
	needed := align4(HeaderSize + int(dlc))

	q.mu.Lock()
	defer q.mu.Unlock()

	occupied := int(q.headCount - q.tailCount)
	if q.size-occupied < needed {
		q.packetsLost.Add(1)
		return nil, nil, ErrFull
	}

	offset := int(q.headCount % uint64(q.size))
	if offset+needed > q.size {
		// The entry would straddle the ring boundary: waste the tail of
		// the buffer and start the entry fresh at offset 0. This costs
		// extra occupied bytes, so re-check the space budget.
		wasted := q.size - offset
		total := wasted + needed
		if q.size-occupied < total {
			q.packetsLost.Add(1)
			return nil, nil, ErrFull
		}
		q.headCount += uint64(total)
		offset = 0

		e := &entry{offset: offset, total: needed, pad: wasted, dlc: dlc, priority: priority}
		q.entries = append(q.entries, e)

		binary.LittleEndian.PutUint16(q.buf[offset:], dlc)
		binary.LittleEndian.PutUint16(q.buf[offset+2:], 0)
		data := q.buf[offset+HeaderSize : offset+HeaderSize+int(dlc)]
		return data, &Handle{e: e}, nil
	}
	q.headCount += uint64(needed)

	e := &entry{offset: offset, total: needed, dlc: dlc, priority: priority}
	q.entries = append(q.entries, e)

	binary.LittleEndian.PutUint16(q.buf[offset:], dlc)
	binary.LittleEndian.PutUint16(q.buf[offset+2:], 0)
	data := q.buf[offset+HeaderSize : offset+HeaderSize+int(dlc)]
	return data, &Handle{e: e}, nil
}

// Commit marks a reserved entry as ready for the consumer. Once committed,
// the bytes the caller wrote into the slice returned by Reserve must not
// be mutated again.
func (q *Queue) Commit(h *Handle) {
	q.mu.Lock()
	h.e.committed = true
	priority := h.e.priority
	q.mu.Unlock()

	if priority {
		q.RequestFlush()
	}
	q.wake()
}

// RequestFlush sets the one-shot flag that causes the next Peek to return
// whatever has accumulated even if below an efficiency threshold.
func (q *Queue) RequestFlush() {
	q.mu.Lock()
	q.flush = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// LostCount returns the accumulated packets-lost counter without resetting
// it. Peek is the usual way to drain it (spec §4.2/§8: "the next consumer
// peek returns and clears the accumulated count").
func (q *Queue) LostCount() uint64 {
	return q.packetsLost.Load()
}

// pendingLocked returns the number of fully committed bytes available to
// drain right now (0 when no entry is ready). It must be called with mu held.
func (q *Queue) pendingLocked() int {
	n := 0
	for _, e := range q.entries {
		if !e.committed {
			break
		}
		n += e.total
	}
	return n
}

// Peek assembles the largest prefix of committed messages that fits in out
// and returns the number of bytes written plus the packets-lost count
// accumulated since the previous Peek. It blocks until data is available,
// a flush is requested, or ctx is done.
func (q *Queue) Peek(ctx context.Context, out []byte) (n int, lost uint64, err error) {
	paced := false
	for {
		q.mu.Lock()
		ready := q.pendingLocked()
		belowThreshold := q.limiter != nil && ready > 0 && ready < q.efficiencyThreshold
		flush := q.flush
		q.mu.Unlock()

		if flush || (ready > 0 && (!belowThreshold || paced || q.limiter.Allow())) {
			q.mu.Lock()
			n = q.assembleLocked(out)
			q.flush = false
			lost = q.packetsLost.Swap(0)
			q.mu.Unlock()
			return n, lost, nil
		}

		var wait <-chan time.Time
		var timer *time.Timer
		if belowThreshold {
			timer = time.NewTimer(q.limiter.Reserve().Delay())
			wait = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return 0, q.packetsLost.Swap(0), ctx.Err()
		case <-q.notify:
			if timer != nil {
				timer.Stop()
			}
		case <-wait:
			// The limiter reservation that armed this timer already took
			// its token, so the below-threshold data may go out now.
			paced = true
		}
	}
}

// TryPeek is the non-blocking variant of Peek used by a transmitter
// running its own poll loop instead of dedicating a goroutine to wait.
func (q *Queue) TryPeek(out []byte) (n int, lost uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n = q.assembleLocked(out)
	lost = q.packetsLost.Swap(0)
	q.flush = false
	return n, lost
}

// assembleLocked must be called with mu held. It walks committed entries
// from the front, assigning each the next outbound counter value and
// copying its bytes into out, stopping at the first reserved entry, when
// out is full, or when the entries list is exhausted. Drained entries are
// released immediately: unlike a zero-copy queue there is no separate
// Release step, because the copy into out already gives the caller its
// own buffer to transmit from.
func (q *Queue) assembleLocked(out []byte) int {
	written := 0
	drained := 0
	for _, e := range q.entries {
		if !e.committed {
			break
		}
		if written+e.total > len(out) {
			break
		}
		binary.LittleEndian.PutUint16(q.buf[e.offset+2:], q.nextCtr)
		q.nextCtr++
		copy(out[written:written+e.total], q.buf[e.offset:e.offset+e.total])
		written += e.total
		// Reclaim any padding wasted at the old tail when this entry
		// straddled the ring boundary, or headCount-tailCount never
		// returns to zero and the queue eventually reports ErrFull forever.
		q.tailCount += uint64(e.total + e.pad)
		drained++
	}
	q.entries = q.entries[drained:]
	return written
}

// Len returns the number of committed-but-undrained bytes, for tests and
// diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

// Cap returns the ring buffer capacity.
func (q *Queue) Cap() int { return q.size }
