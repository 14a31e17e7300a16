// Package hlog implements the hybrid log: a circular in-memory page buffer
// backed by a storage device, with four monotonic pointers (begin, head,
// read_only, tail) partitioning the logical address space between mutable
// RAM, read-only RAM, and disk. Pointer movement (allocate, shift read-only,
// shift head, advance begin, flush-until) is built on Go atomics and on
// internal/device as the storage abstraction.
package hlog

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wayslog/rskv-go/internal/address"
	"github.com/wayslog/rskv-go/internal/device"
	"github.com/wayslog/rskv-go/internal/epoch"
)

// pageStatus tracks whether a RAM page slot holds live data.
type pageStatus int32

const (
	statusNotAllocated pageStatus = iota
	statusInMemory
	statusFlushing
	statusOnDisk
)

// ErrAllocationFailed is returned when allocate cannot reserve size bytes:
// size exceeds PageSize, or the address space/ page count is exhausted.
var ErrAllocationFailed = errors.New("hlog: allocation failed")

// ErrBelowBegin is returned by Read when address is below the log's current
// begin pointer — the data has been garbage collected.
var ErrBelowBegin = errors.New("hlog: address below begin")

// ErrPageEvicted is returned by Write when the target page
// slot no longer holds the page the caller expected (a bug if hit on the
// allocator's own page — it means the flusher recycled the page out from
// under an in-flight write).
var ErrPageEvicted = errors.New("hlog: page evicted from memory")

type page struct {
	mu     sync.RWMutex
	status pageStatus
	data   []byte // nil unless status == statusInMemory or statusFlushing
}

// Log is one hybrid-log instance: a fixed number of RAM page slots (reused
// circularly, modulo bufferPages) plus a storage device for everything
// evicted from RAM.
type Log struct {
	bufferPages uint32
	pages       []page

	begin        atomic.Uint64
	head         atomic.Uint64
	readOnly     atomic.Uint64
	tail         atomic.Uint64 // packed (page, offset) control word
	flushedUntil atomic.Uint64

	storage device.Device
	epoch   *epoch.Manager
}

// New creates a Log with memorySize bytes of RAM (rounded down to a whole
// number of PageSize pages, minimum one) over storage. The first page is
// address.PageSize, reserving page 0 the way address.Invalid reserves
// address 1 — no live record is ever allocated at offset 0 of page 0.
func New(memorySize uint64, storage device.Device, em *epoch.Manager) (*Log, error) {
	bufferPages := uint32(memorySize / address.PageSize)
	if bufferPages == 0 {
		bufferPages = 1
	}

	l := &Log{
		bufferPages: bufferPages,
		pages:       make([]page, bufferPages),
		storage:     storage,
		epoch:       em,
	}

	start := address.New(1, 0)
	l.begin.Store(start.Control())
	l.head.Store(start.Control())
	l.readOnly.Store(start.Control())
	l.flushedUntil.Store(start.Control())
	l.tail.Store(start.Control())

	if err := l.ensurePage(1); err != nil {
		return nil, err
	}

	return l, nil
}

func packTail(page, offset uint32) uint64 { return address.New(page, offset).Control() }

func unpackTail(v uint64) (page, offset uint32) {
	a := address.FromControl(v)
	return a.Page(), a.Offset()
}

// Allocate reserves size bytes at the current tail, advancing tail by size
// (or to the start of a fresh page if size doesn't fit in the current
// page's remaining room). The returned address always has enough
// contiguous room for size bytes within its page.
func (l *Log) Allocate(size uint32) (address.Address, error) {
	if size == 0 || size > address.PageSize {
		return address.None, fmt.Errorf("%w: size %d exceeds page size", ErrAllocationFailed, size)
	}

	for {
		cur := l.tail.Load()
		curPage, curOffset := unpackTail(cur)

		newOffset := curOffset + size
		if newOffset <= address.PageSize {
			if !l.tail.CompareAndSwap(cur, packTail(curPage, newOffset)) {
				continue
			}

			if err := l.ensurePage(curPage); err != nil {
				return address.None, err
			}

			return address.New(curPage, curOffset), nil
		}

		if curPage == address.MaxPage {
			return address.None, fmt.Errorf("%w: address space exhausted", ErrAllocationFailed)
		}

		// Current page can't fit size; the allocation that wins this CAS
		// "owns" the move to a new page. Any remaining bytes on the old page
		// become permanently unused padding.
		if l.tail.CompareAndSwap(cur, packTail(curPage+1, size)) {
			if err := l.ensurePage(curPage + 1); err != nil {
				return address.None, err
			}

			return address.New(curPage+1, 0), nil
		}
	}
}

func (l *Log) slotFor(pageIdx uint32) *page {
	return &l.pages[pageIdx%l.bufferPages]
}

// ensurePage lazily zero-allocates the RAM buffer for pageIdx if it isn't
// already in memory.
func (l *Log) ensurePage(pageIdx uint32) error {
	p := l.slotFor(pageIdx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.data == nil {
		p.data = make([]byte, address.PageSize)
		p.status = statusInMemory
	}

	return nil
}

// Write copies data into the RAM page addr's page points at, at addr's
// in-page offset. Fails if the page has since been evicted.
func (l *Log) Write(addr address.Address, data []byte) error {
	if uint64(addr.Offset())+uint64(len(data)) > address.PageSize {
		return fmt.Errorf("%w: write would cross page boundary", ErrAllocationFailed)
	}

	p := l.slotFor(addr.Page())

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.data == nil {
		return ErrPageEvicted
	}

	start := addr.Offset()
	copy(p.data[start:], data)

	return nil
}

// InsertRecord allocates room for data and writes it, returning the
// address the caller must link into the index.
func (l *Log) InsertRecord(data []byte) (address.Address, error) {
	addr, err := l.Allocate(uint32(len(data)))
	if err != nil {
		return address.None, err
	}

	if err := l.Write(addr, data); err != nil {
		return address.None, err
	}

	return addr, nil
}

// Read returns size bytes at addr, trying the RAM page first and falling
// back to the storage device if the page has been evicted or addr is below
// head. Returns ErrBelowBegin if addr precedes the log's reclaimed prefix.
func (l *Log) Read(addr address.Address, size uint32) ([]byte, error) {
	if addr.Less(address.FromControl(l.begin.Load())) {
		return nil, ErrBelowBegin
	}

	if !addr.Less(address.FromControl(l.head.Load())) {
		if buf, ok := l.readFromMemory(addr, size); ok {
			return buf, nil
		}
	}

	return l.readFromDisk(addr, size)
}

func (l *Log) readFromMemory(addr address.Address, size uint32) ([]byte, bool) {
	p := l.slotFor(addr.Page())

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.data == nil {
		return nil, false
	}

	start := addr.Offset()
	end := uint64(start) + uint64(size)

	if end > uint64(len(p.data)) {
		return nil, false
	}

	buf := make([]byte, size)
	copy(buf, p.data[start:end])

	return buf, true
}

func (l *Log) readFromDisk(addr address.Address, size uint32) ([]byte, error) {
	buf := make([]byte, size)

	n, err := l.storage.ReadAt(buf, int64(addr))
	if err != nil {
		return nil, fmt.Errorf("hlog: read from disk at %s: %w", addr, err)
	}

	return buf[:n], nil
}

// ShiftReadOnly CASes read_only to the current tail, returning the
// previous read_only address. Everything in [old, tail) becomes immutable.
func (l *Log) ShiftReadOnly() address.Address {
	tail := l.tail.Load()
	old := l.readOnly.Swap(tail)

	return address.FromControl(old)
}

// ShiftHead advances head to newHead (which must be <= read_only) and
// evicts every RAM page fully below newHead's page, after flushing any
// page that hasn't reached the storage device yet.
func (l *Log) ShiftHead(newHead address.Address) error {
	if ro := address.FromControl(l.readOnly.Load()); ro.Less(newHead) {
		return fmt.Errorf("hlog: new head %s exceeds read_only %s", newHead, ro)
	}

	oldHead := address.FromControl(l.head.Swap(newHead.Control()))

	if err := l.FlushUntil(newHead); err != nil {
		return err
	}

	for p := oldHead.Page(); p < newHead.Page(); p++ {
		l.evictPage(p)
	}

	return nil
}

func (l *Log) evictPage(pageIdx uint32) {
	p := l.slotFor(pageIdx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status == statusInMemory || p.status == statusFlushing {
		p.data = nil
		p.status = statusOnDisk
	}
}

// FlushUntil copies every RAM page fully contained in [flushed_until,
// until) to the storage device, writes the bytes of until's own page that
// lie below until, and advances flushed_until. Idempotent: a whole page
// already flushed is skipped.
func (l *Log) FlushUntil(until address.Address) error {
	flushed := address.FromControl(l.flushedUntil.Load())
	if !flushed.Less(until) {
		return nil
	}

	for p := flushed.Page(); p < until.Page(); p++ {
		if err := l.flushPage(p); err != nil {
			return err
		}
	}

	// until's own page may still be filling: write its bytes below until but
	// leave it marked in memory, so a later flush still copies it whole.
	if off := until.Offset(); off > 0 {
		p := l.slotFor(until.Page())
		var prefix []byte
		p.mu.RLock()
		if p.status == statusInMemory && p.data != nil {
			prefix = append([]byte(nil), p.data[:off]...)
		}
		p.mu.RUnlock()
		if prefix != nil {
			if _, err := l.storage.WriteAt(prefix, int64(until.Page())*int64(address.PageSize)); err != nil {
				return fmt.Errorf("hlog: flush partial page %d: %w", until.Page(), err)
			}
		}
	}

	if err := l.storage.Flush(); err != nil {
		return fmt.Errorf("hlog: flush storage: %w", err)
	}

	l.bumpFlushedUntil(until)

	return nil
}

func (l *Log) bumpFlushedUntil(until address.Address) {
	for {
		cur := l.flushedUntil.Load()
		if !address.FromControl(cur).Less(until) {
			return
		}

		if l.flushedUntil.CompareAndSwap(cur, until.Control()) {
			return
		}
	}
}

func (l *Log) flushPage(pageIdx uint32) error {
	p := l.slotFor(pageIdx)

	p.mu.Lock()

	if p.status != statusInMemory || p.data == nil {
		p.mu.Unlock()
		return nil
	}

	data := make([]byte, len(p.data))
	copy(data, p.data)
	p.status = statusFlushing

	p.mu.Unlock()

	offset := int64(pageIdx) * int64(address.PageSize)
	if _, err := l.storage.WriteAt(data, offset); err != nil {
		return fmt.Errorf("hlog: flush page %d: %w", pageIdx, err)
	}

	return nil
}

// AdvanceBegin CASes begin to newBegin (which must be <= head) and reports
// how many bytes were logically reclaimed. Nothing is reclaimed physically:
// the storage device keeps the bytes below the new begin.
func (l *Log) AdvanceBegin(newBegin address.Address) (uint64, error) {
	if head := address.FromControl(l.head.Load()); head.Less(newBegin) {
		return 0, fmt.Errorf("hlog: new begin %s exceeds head %s", newBegin, head)
	}

	for {
		cur := l.begin.Load()
		oldBegin := address.FromControl(cur)
		if !oldBegin.Less(newBegin) {
			return 0, nil
		}

		if l.begin.CompareAndSwap(cur, newBegin.Control()) {
			return newBegin.Sub(oldBegin), nil
		}
	}
}

// Restore resets the log's four pointers to values recovered from a
// checkpoint and makes the page spanning tail the only page held in RAM,
// filled with whatever of it the storage device already holds, so the next
// Allocate call can extend it. Only safe to call before the log is opened
// up to concurrent readers/writers — recovery runs single-threaded.
func (l *Log) Restore(begin, head, readOnly, tail address.Address) error {
	l.begin.Store(begin.Control())
	l.head.Store(head.Control())
	l.readOnly.Store(readOnly.Control())
	l.flushedUntil.Store(tail.Control())
	l.tail.Store(packTail(tail.Page(), tail.Offset()))

	for i := range l.pages {
		l.pages[i].data, l.pages[i].status = nil, statusNotAllocated
	}

	if err := l.ensurePage(tail.Page()); err != nil {
		return err
	}

	offset := int64(tail.Page()) * int64(address.PageSize)
	if n := min(l.storage.Size()-offset, int64(address.PageSize)); n > 0 {
		if _, err := l.storage.ReadAt(l.slotFor(tail.Page()).data[:n], offset); err != nil {
			return fmt.Errorf("hlog: restore page %d: %w", tail.Page(), err)
		}
	}

	return nil
}

func (l *Log) Begin() address.Address    { return address.FromControl(l.begin.Load()) }
func (l *Log) Head() address.Address     { return address.FromControl(l.head.Load()) }
func (l *Log) ReadOnly() address.Address { return address.FromControl(l.readOnly.Load()) }
func (l *Log) Tail() address.Address     { a, b := unpackTail(l.tail.Load()); return address.New(a, b) }
func (l *Log) FlushedUntil() address.Address {
	return address.FromControl(l.flushedUntil.Load())
}
