package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/bucketlog/src/directmemory"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"
)

const testPageSize = 256

func newTestEntry(t *testing.T, pool *directmemory.Pool, fileID common.FileID, pageIndex common.PageIndex) *Entry {
	t.Helper()

	block, err := pool.AcquireDirect(true)
	require.NoError(t, err)
	return NewEntry(fileID, pageIndex, NewPointer(block, pool, fileID, pageIndex))
}

func TestBufferDuplicatesAreIndependent(t *testing.T) {
	pool := directmemory.New(testPageSize)
	entry := newTestEntry(t, pool, 1, 2)

	a := entry.Buffer()
	b := entry.Buffer()

	a.SetPosition(10)
	a.SetLimit(20)
	assert.Equal(t, 0, b.Position())
	assert.Equal(t, testPageSize, b.Limit())

	a.PutInt64At(12, 77)
	assert.Equal(t, int64(77), b.Int64At(12), "duplicates share bytes")

	require.NoError(t, entry.Close())
	assert.Equal(t, 0, pool.Stats().Outstanding)
}

func TestPointerReleasesOnLastReferrer(t *testing.T) {
	pool := directmemory.New(testPageSize)
	block, err := pool.AcquireDirect(true)
	require.NoError(t, err)

	ptr := NewPointer(block, pool, 3, 4)
	ptr.IncrementReferrer()
	ptr.IncrementReferrer()

	require.NoError(t, ptr.DecrementReferrer())
	require.NotNil(t, ptr.GetBufferDuplicate())
	assert.Equal(t, 1, pool.Stats().Outstanding)

	require.NoError(t, ptr.DecrementReferrer())
	assert.Nil(t, ptr.GetBufferDuplicate())
	assert.Equal(t, 0, pool.Stats().Outstanding)

	err = ptr.DecrementReferrer()
	require.ErrorIs(t, err, directmemory.ErrInvalidHandle)
}

func TestPinCounting(t *testing.T) {
	pool := directmemory.New(testPageSize)
	entry := newTestEntry(t, pool, 0, 0)
	defer func() { require.NoError(t, entry.Close()) }()

	require.ErrorIs(t, entry.Unpin(), ErrPinUnderflow)
	assert.Equal(t, int32(0), entry.PinCount())

	const workers = 16
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry.Pin()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(workers), entry.PinCount())
	assert.True(t, entry.IsPinned())

	for range workers {
		require.NoError(t, entry.Unpin())
	}
	assert.False(t, entry.IsPinned())
}

func TestDirtyFlag(t *testing.T) {
	pool := directmemory.New(testPageSize)
	entry := newTestEntry(t, pool, 0, 1)
	defer func() { require.NoError(t, entry.Close()) }()

	assert.False(t, entry.IsDirty())
	entry.MarkDirty()
	assert.True(t, entry.IsDirty())
	entry.ClearDirty()
	assert.False(t, entry.IsDirty())
}

type noopPayload struct {
	Value int64
}

const kindNoop po.Kind = 251

func (*noopPayload) Kind() po.Kind { return kindNoop }
func (*noopPayload) Redo(*page.Buffer) error { return nil }
func (*noopPayload) Undo(*page.Buffer) error { return nil }
func (*noopPayload) PayloadSize() int { return 8 }
func (p *noopPayload) EncodePayload(e *po.Encoder) { e.Int64(p.Value) }
func (p *noopPayload) DecodePayload(d *po.Decoder) { p.Value = d.Int64() }

func init() {
	po.Register(kindNoop, "cache.noop", func() po.Payload { return &noopPayload{} })
}

func TestPageOperations(t *testing.T) {
	pool := directmemory.New(testPageSize)
	entry := newTestEntry(t, pool, 5, 6)
	defer func() { require.NoError(t, entry.Close()) }()

	first := po.NewRecord(entry.Identity(), &noopPayload{Value: 1})
	second := po.NewRecord(entry.Identity(), &noopPayload{Value: 2})
	entry.AddPageOperation(first)
	entry.AddPageOperation(second)

	ops := entry.GetPageOperations()
	require.Len(t, ops, 2)
	assert.Same(t, first, ops[0])
	assert.Same(t, second, ops[1])
	assert.True(t, entry.IsDirty())

	entry.ClearPageOperations()
	assert.Empty(t, entry.GetPageOperations())
	assert.Len(t, ops, 2, "returned slice is a copy")

	foreign := po.NewRecord(common.PageIdentity{FileID: 5, PageIndex: 7}, &noopPayload{})
	assert.Panics(t, func() { entry.AddPageOperation(foreign) })
}

func TestLatch(t *testing.T) {
	pool := directmemory.New(testPageSize)
	entry := newTestEntry(t, pool, 0, 0)
	defer func() { require.NoError(t, entry.Close()) }()

	entry.RLock()
	assert.False(t, entry.TryLock())
	entry.RUnlock()

	require.True(t, entry.TryLock())
	entry.Unlock()

	entry.RLock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, entry.LockContext(ctx), context.DeadlineExceeded)
	entry.RUnlock()

	require.NoError(t, entry.LockContext(context.Background()))
	assert.False(t, entry.TryLock())
	entry.Unlock()
}

func TestBufferUseAfterReleasePanics(t *testing.T) {
	pool := directmemory.New(testPageSize)
	entry := newTestEntry(t, pool, 0, 0)
	require.NoError(t, entry.Close())

	assert.Panics(t, func() { entry.Buffer() })
}
