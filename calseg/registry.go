package calseg

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vectorgrp/xcpslave/internal/xcperr"
)

// Registry holds every calibration segment known to a slave instance,
// indexed both by name (used by Store.Load) and by the small integer
// handle the wire protocol addresses segments with.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]uint8
	segments []*Segment
	epk      string

	atomicMu   sync.Mutex
	atomicOn   bool
	atomicSegs map[uint8]bool
}

// NewRegistry creates an empty segment registry carrying the given EPK
// (EPROM kernel / software identification string), returned to the host
// by GET_ID. No segment index maps to the EPK: index 0 is the first
// segment passed to Add.
func NewRegistry(epk string) *Registry {
	return &Registry{byName: make(map[string]uint8), epk: epk}
}

// EPK returns the software identification string.
func (r *Registry) EPK() string { return r.epk }

// Add registers a segment and returns its index, the handle SEG-addressed
// MTAs and the paging commands (GET_SEGMENT_INFO, SET_CAL_PAGE, ...) refer
// to it by.
func (r *Registry) Add(seg *Segment) (uint8, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.segments) >= 255 {
		return 0, xcperr.New(xcperr.MemoryOverflow, xcperr.ErrMemoryOverflow)
	}
	if _, exists := r.byName[seg.Name]; exists {
		return 0, fmt.Errorf("calseg: segment %q already registered", seg.Name)
	}
	idx := uint8(len(r.segments))
	r.segments = append(r.segments, seg)
	r.byName[seg.Name] = idx
	return idx, nil
}

// Get returns the segment at the given index, per spec §7's
// CRC_SEGMENT_NOT_VALID on an out-of-range index.
func (r *Registry) Get(index uint8) (*Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(index) >= len(r.segments) {
		return nil, xcperr.New(xcperr.SegmentNotValid, xcperr.ErrSegmentNotValid)
	}
	return r.segments[index], nil
}

// Count returns the number of registered segments.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.segments)
}

// Names returns every registered segment name, index-ordered.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.segments))
	for i, s := range r.segments {
		out[i] = s.Name
	}
	return out
}

// Frozen returns the indices of segments currently flagged for
// persistence (freeze flag set), sorted ascending.
func (r *Registry) Frozen() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uint8
	for i, s := range r.segments {
		if s.Freeze() {
			out = append(out, uint8(i))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BeginAtomic starts a batched calibration sequence (spec §4.5's "begin
// atomic calibration" user command): writes accepted through WriteSeg
// until EndAtomic stage into the working page but are not published, so
// a reader never observes a partially-written multi-segment update.
// Only one such sequence may be open at a time.
func (r *Registry) BeginAtomic() error {
	r.atomicMu.Lock()
	defer r.atomicMu.Unlock()
	if r.atomicOn {
		return xcperr.New(xcperr.CmdBusy, xcperr.ErrCmdBusy)
	}
	r.atomicOn = true
	r.atomicSegs = make(map[uint8]bool)
	return nil
}

// MarkTouched records that segIndex received a write during the open
// atomic-calibration sequence, so EndAtomic knows which segments to
// publish. It is a no-op outside a BeginAtomic/EndAtomic bracket.
func (r *Registry) MarkTouched(segIndex uint8) {
	r.atomicMu.Lock()
	defer r.atomicMu.Unlock()
	if r.atomicOn {
		r.atomicSegs[segIndex] = true
	}
}

// InAtomic reports whether a BeginAtomic/EndAtomic sequence is open.
func (r *Registry) InAtomic() bool {
	r.atomicMu.Lock()
	defer r.atomicMu.Unlock()
	return r.atomicOn
}

// EndAtomic closes the batched sequence opened by BeginAtomic, publishing
// every segment touched since, in ascending index order so their
// publication order is deterministic across runs.
func (r *Registry) EndAtomic() error {
	r.atomicMu.Lock()
	if !r.atomicOn {
		r.atomicMu.Unlock()
		return xcperr.New(xcperr.Sequence, xcperr.ErrSequence)
	}
	touched := make([]uint8, 0, len(r.atomicSegs))
	for idx := range r.atomicSegs {
		touched = append(touched, idx)
	}
	r.atomicOn = false
	r.atomicSegs = nil
	r.atomicMu.Unlock()

	sort.Slice(touched, func(i, j int) bool { return touched[i] < touched[j] })
	for _, idx := range touched {
		seg, err := r.Get(idx)
		if err != nil {
			continue // segment removed is not possible today, but stay defensive
		}
		if err := seg.Publish(); err != nil {
			return err
		}
	}
	return nil
}

// All returns every registered segment, index-ordered, for persistence
// export and diagnostics.
func (r *Registry) All() []*Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Segment, len(r.segments))
	copy(out, r.segments)
	return out
}
