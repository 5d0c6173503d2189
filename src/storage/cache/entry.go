package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/Blackdeer1524/bucketlog/src/pkg/assert"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"
)

var ErrPinUnderflow = errors.New("page unpinned more times than pinned")

// writerWeight is the latch weight a writer takes: all of it, so it waits
// for every reader and keeps new ones out.
const writerWeight = 1 << 30

// Entry is a page loaded into memory together with the operations applied
// to it since the last flush. Writers hold the latch exclusively for the
// whole read-modify-append sequence of a mutation.
type Entry struct {
	ident   common.PageIdentity
	pointer *Pointer

	latch *semaphore.Weighted
	pins  atomic.Int32
	dirty atomic.Bool

	operations []*po.Record
}

var (
	_ po.Page     = &Entry{}
	_ common.Page = &Entry{}
)

func NewEntry(fileID common.FileID, pageIndex common.PageIndex, pointer *Pointer) *Entry {
	assert.Assert(pointer != nil, "nil cache pointer for page %d:%d", fileID, pageIndex)
	pointer.IncrementReferrer()

	return &Entry{
		ident:   common.PageIdentity{FileID: fileID, PageIndex: pageIndex},
		pointer: pointer,
		latch:   semaphore.NewWeighted(writerWeight),
	}
}

func (e *Entry) FileID() common.FileID {
	return e.ident.FileID
}

func (e *Entry) PageIndex() common.PageIndex {
	return e.ident.PageIndex
}

func (e *Entry) Identity() common.PageIdentity {
	return e.ident
}

func (e *Entry) Pointer() *Pointer {
	return e.pointer
}

// Buffer returns an independent view over the page bytes.
func (e *Entry) Buffer() *page.Buffer {
	buf := e.pointer.GetBufferDuplicate()
	assert.Assert(buf != nil, "page %s is used after release", e.ident)
	return buf
}

func (e *Entry) Pin() {
	e.pins.Add(1)
}

func (e *Entry) Unpin() error {
	if n := e.pins.Add(-1); n < 0 {
		e.pins.Add(1)
		return fmt.Errorf("%w: page %s", ErrPinUnderflow, e.ident)
	}
	return nil
}

func (e *Entry) PinCount() int32 {
	return e.pins.Load()
}

func (e *Entry) IsPinned() bool {
	return e.pins.Load() > 0
}

func (e *Entry) MarkDirty() {
	e.dirty.Store(true)
}

func (e *Entry) ClearDirty() {
	e.dirty.Store(false)
}

func (e *Entry) IsDirty() bool {
	return e.dirty.Load()
}

func (e *Entry) Lock() { _ = e.latch.Acquire(context.Background(), writerWeight) }
func (e *Entry) Unlock() { e.latch.Release(writerWeight) }
func (e *Entry) RLock() { _ = e.latch.Acquire(context.Background(), 1) }
func (e *Entry) RUnlock() { e.latch.Release(1) }
func (e *Entry) TryLock() bool { return e.latch.TryAcquire(writerWeight) }

// LockContext takes the latch exclusively or fails with the context's
// error once ctx is done.
func (e *Entry) LockContext(ctx context.Context) error {
	return e.latch.Acquire(ctx, writerWeight)
}

// AddPageOperation appends a record produced by a mutation of this page.
func (e *Entry) AddPageOperation(r *po.Record) {
	assert.Assert(
		r.PageIdentity() == e.ident,
		"record of page %s added to page %s",
		r.PageIdentity(),
		e.ident,
	)
	e.operations = append(e.operations, r)
	e.dirty.Store(true)
}

// GetPageOperations returns the pending records in application order.
func (e *Entry) GetPageOperations() []*po.Record {
	return slices.Clone(e.operations)
}

func (e *Entry) ClearPageOperations() {
	clear(e.operations)
	e.operations = e.operations[:0]
}

// Close drops the entry's reference to its cache pointer.
func (e *Entry) Close() error {
	return e.pointer.DecrementReferrer()
}

func (e *Entry) String() string {
	return fmt.Sprintf("Entry{%s pins=%d dirty=%t ops=%d}", e.ident, e.PinCount(), e.IsDirty(), len(e.operations))
}
