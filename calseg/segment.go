// Package calseg implements the calibration-segment engine of spec §4.3: a
// page-switched, RCU-style publication discipline that lets application
// threads read a calibration page wait-free while the host writes a
// working copy through SHORT_DOWNLOAD/DOWNLOAD, publishing the update
// without ever mutating a buffer a reader might be examining.
package calseg

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vectorgrp/xcpslave/internal/xcperr"
)

// AccessMode selects which of the two pages (working or default) a reader
// or the host currently observes, per GET_CAL_PAGE / SET_CAL_PAGE.
type AccessMode uint8

const (
	AccessWorking AccessMode = 0
	AccessDefault AccessMode = 1
)

// Segment is a single calibration segment: four same-sized byte buffers
// (default, xcp, ecu, free) whose roles rotate by pointer exchange, never
// by copying over a live reader.
type Segment struct {
	Name string
	Size int

	defaultPage []byte

	xcpPage     atomic.Pointer[[]byte]
	ecuPage     atomic.Pointer[[]byte]
	ecuPageNext atomic.Pointer[[]byte]
	freePage    atomic.Pointer[[]byte]

	lockCount atomic.Int32
	publishMu sync.Mutex

	ecuAccess atomic.Uint32 // AccessMode
	xcpAccess atomic.Uint32 // AccessMode

	freeze   atomic.Bool
	lazyFree bool
	timeout  time.Duration
}

// Option configures a Segment at construction time.
type Option func(*Segment)

// WithLazyFree disables the bounded-wait publish path: when no free buffer
// is available, Publish allocates a fresh one instead of waiting. This
// trades the fixed memory footprint of the 3-buffer rotation for lower
// publish latency.
func WithLazyFree() Option {
	return func(s *Segment) { s.lazyFree = true }
}

// WithPublishTimeout overrides the default bounded wait a non-lazy publish
// uses before giving up with CRC_RESOURCE_TEMPORARY_NOT_ACCESSIBLE.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Segment) { s.timeout = d }
}

// New creates a calibration segment initialized from defaultImage, which
// is copied into all three rotating pages. defaultImage is retained as the
// immutable default page.
func New(name string, defaultImage []byte, opts ...Option) *Segment {
	size := len(defaultImage)
	s := &Segment{
		Name:        name,
		Size:        size,
		defaultPage: append([]byte(nil), defaultImage...),
		timeout:     50 * time.Millisecond,
	}
	xcp := append([]byte(nil), defaultImage...)
	ecu := append([]byte(nil), defaultImage...)
	free := append([]byte(nil), defaultImage...)
	s.xcpPage.Store(&xcp)
	s.ecuPage.Store(&ecu)
	s.freePage.Store(&free)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Lock returns the page currently visible to the application, per the
// current AccessEcu() selection, and retires any page staged by a prior
// Publish. The caller must call Unlock exactly once for every Lock.
func (s *Segment) Lock() []byte {
	s.lockCount.Add(1)
	if staged := s.ecuPageNext.Load(); staged != nil {
		if s.ecuPageNext.CompareAndSwap(staged, nil) {
			old := s.ecuPage.Swap(staged)
			s.freePage.Store(old)
		}
	}
	if AccessMode(s.ecuAccess.Load()) == AccessDefault {
		return s.defaultPage
	}
	return *s.ecuPage.Load()
}

// Unlock releases a page obtained from Lock.
func (s *Segment) Unlock() {
	s.lockCount.Add(-1)
}

// WriteAt deposits bytes into the working (xcp) page at the given offset,
// used by DOWNLOAD-class commands. It does not publish the change; call
// Publish (directly, or via end-of-atomic-calibration batching) to make it
// visible to readers.
func (s *Segment) WriteAt(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > s.Size {
		return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	if AccessMode(s.xcpAccess.Load()) != AccessWorking {
		return xcperr.New(xcperr.WriteProtected, xcperr.ErrWriteProtected)
	}
	page := *s.xcpPage.Load()
	copy(page[offset:], data)
	return nil
}

// ReadAt reads bytes from the page currently selected for XCP (host)
// access, used by UPLOAD-class commands against a SEG-addressed MTA.
func (s *Segment) ReadAt(offset int, out []byte) error {
	if offset < 0 || offset+len(out) > s.Size {
		return xcperr.New(xcperr.OutOfRange, xcperr.ErrOutOfRange)
	}
	var page []byte
	if AccessMode(s.xcpAccess.Load()) == AccessDefault {
		page = s.defaultPage
	} else {
		page = *s.xcpPage.Load()
	}
	copy(out, page[offset:offset+len(out)])
	return nil
}

// Publish makes the current working-page content visible to future
// readers: it claims the free buffer, copies the working page into it,
// installs it as the new working page, and stages the previous working
// page as the next page a reader's Lock will retire. If no reader has
// retired the page staged by the previous Publish yet, that staged page
// was never visible to the application and is reused directly. Otherwise,
// if the free buffer isn't available it waits (bounded) for outstanding
// readers to drain, unless the segment was created WithLazyFree.
func (s *Segment) Publish() error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	fresh := s.freePage.Load()
	if fresh == nil {
		if staged := s.ecuPageNext.Swap(nil); staged != nil {
			cur := s.xcpPage.Load()
			copy(*staged, *cur)
			s.xcpPage.Store(staged)
			s.ecuPageNext.Store(cur)
			return nil
		}
	}
	if fresh == nil {
		if s.lazyFree {
			buf := make([]byte, s.Size)
			fresh = &buf
		} else {
			deadline := time.Now().Add(s.timeout)
			for fresh == nil || s.lockCount.Load() != 0 {
				if time.Now().After(deadline) {
					return xcperr.New(xcperr.ResourceTemporaryNotAccessible, xcperr.ErrResourceBusy)
				}
				time.Sleep(time.Microsecond * 50)
				fresh = s.freePage.Load()
			}
		}
	} else if !s.lazyFree {
		deadline := time.Now().Add(s.timeout)
		for s.lockCount.Load() != 0 {
			if time.Now().After(deadline) {
				return xcperr.New(xcperr.ResourceTemporaryNotAccessible, xcperr.ErrResourceBusy)
			}
			time.Sleep(time.Microsecond * 50)
		}
	}

	s.freePage.Store(nil)
	cur := s.xcpPage.Load()
	copy(*fresh, *cur)
	s.xcpPage.Store(fresh)
	s.ecuPageNext.Store(cur)
	return nil
}

// SetEcuAccess / SetXcpAccess implement GET_CAL_PAGE / SET_CAL_PAGE: which
// of the two pages (working or default) is visible to the application or
// to the host, selected independently.
func (s *Segment) SetEcuAccess(mode AccessMode) { s.ecuAccess.Store(uint32(mode)) }
func (s *Segment) EcuAccess() AccessMode        { return AccessMode(s.ecuAccess.Load()) }
func (s *Segment) SetXcpAccess(mode AccessMode) { s.xcpAccess.Store(uint32(mode)) }
func (s *Segment) XcpAccess() AccessMode        { return AccessMode(s.xcpAccess.Load()) }

// CopyDefaultToWorking implements COPY_CAL_PAGE, which spec §9 Open
// Question (b) restricts to default -> working; any other pair must be
// rejected by the caller with CRC_WRITE_PROTECTED before reaching here.
func (s *Segment) CopyDefaultToWorking() error {
	page := *s.xcpPage.Load()
	copy(page, s.defaultPage)
	return nil
}

// SetFreeze sets the segment's freeze flag, reported by GET_SEGMENT_MODE.
// Store.Save writes every segment whatever its freeze flag.
func (s *Segment) SetFreeze(v bool) { s.freeze.Store(v) }
func (s *Segment) Freeze() bool     { return s.freeze.Load() }

// DefaultPage returns the immutable default image, used by persistence
// export and by UPLOAD against the default page.
func (s *Segment) DefaultPage() []byte { return s.defaultPage }

// WorkingSnapshot copies out the current working-page bytes, used by the
// persistence store.
func (s *Segment) WorkingSnapshot() []byte {
	page := *s.xcpPage.Load()
	out := make([]byte, len(page))
	copy(out, page)
	return out
}
