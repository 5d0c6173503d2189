package txns

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/bucketlog/src"
	"github.com/Blackdeer1524/bucketlog/src/bufferpool"
	"github.com/Blackdeer1524/bucketlog/src/directmemory"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/sbtree"
	"github.com/Blackdeer1524/bucketlog/src/storage/disk"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
	"github.com/Blackdeer1524/bucketlog/src/wal"
)

const testPageSize = 512

type MockLog struct {
	mock.Mock
}

func (m *MockLog) AppendCommit(unit common.OperationUnitID) (common.LSN, error) {
	args := m.Called(unit)
	return args.Get(0).(common.LSN), args.Error(1)
}

func (m *MockLog) AppendRollback(unit common.OperationUnitID) (common.LSN, error) {
	args := m.Called(unit)
	return args.Get(0).(common.LSN), args.Error(1)
}

type fixture struct {
	fs    afero.Fs
	wal   *wal.Log
	pool  *bufferpool.DebugBufferPool
	pages []common.PageIdentity
}

// newFixture prepares two empty leaf buckets that are already flushed.
func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	log, err := wal.Open(ctx, fs, "/wal", 1<<16, src.NoLogs())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	manager := bufferpool.New(
		4,
		bufferpool.NewLRUReplacer(4),
		disk.New(fs, "/data", testPageSize),
		directmemory.New(testPageSize),
		src.NoLogs(),
	)
	manager.SetLogger(log)
	f := &fixture{fs: fs, wal: log, pool: bufferpool.NewDebugBufferPool(manager, nil)}

	setup := NewManager(f.pool, log, src.NoLogs())
	u := setup.Begin()
	for range 2 {
		entry, err := f.pool.NewPage(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, f.pool.Unpin(entry.Identity()))

		entry, err = u.Page(ctx, entry.Identity())
		require.NoError(t, err)
		sbtree.NewBucket(entry).Init(true)
		f.pages = append(f.pages, entry.Identity())
	}
	_, err = u.Commit()
	require.NoError(t, err)
	require.NoError(t, f.pool.FlushAll(ctx))
	return f
}

func (f *fixture) snapshot(t *testing.T, pageIdent common.PageIdentity) []byte {
	entry, err := f.pool.GetPage(context.Background(), pageIdent)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.pool.Unpin(pageIdent)) }()

	entry.RLock()
	defer entry.RUnlock()
	return entry.Buffer().BytesAt(page.NextFreePosition, testPageSize-page.NextFreePosition)
}

func (f *fixture) frames(t *testing.T) []wal.Frame {
	frames, err := wal.ReadAll(context.Background(), f.fs, "/wal")
	require.NoError(t, err)
	return frames
}

func addEntries(t *testing.T, u *Unit, pages []common.PageIdentity) {
	for i, pageIdent := range pages {
		entry, err := u.Page(context.Background(), pageIdent)
		require.NoError(t, err)
		b := sbtree.NewBucket(entry)
		ok, err := b.AddLeafEntry(0, []byte{byte('a' + i)}, []byte("value"))
		require.NoError(t, err)
		require.True(t, ok)
		b.SetTreeSize(int64(i + 1))
	}
}

func TestCommit(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.pool, f.wal, src.NoLogs())
	before := len(f.frames(t))

	u := m.Begin()
	addEntries(t, u, f.pages)
	assert.Equal(t, int64(1), m.Active())

	lsn, err := u.Commit()
	require.NoError(t, err)
	assert.Equal(t, f.wal.GetFlushLSN(), lsn)
	assert.Zero(t, m.Active())
	require.NoError(t, f.pool.EnsureAllPagesUnpinnedAndUnlocked())

	frames := f.frames(t)[before:]
	require.Len(t, frames, 5)
	for _, frame := range frames {
		assert.Equal(t, u.ID(), frame.Unit)
	}
	assert.Equal(t, wal.FrameCommit, frames[4].Type)

	_, err = u.Commit()
	require.ErrorIs(t, err, ErrUnitFinished)
	_, err = u.Page(context.Background(), f.pages[0])
	require.ErrorIs(t, err, ErrUnitFinished)
}

func TestRollbackOfUnloggedChanges(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.pool, f.wal, src.NoLogs())
	before := len(f.frames(t))
	first := f.snapshot(t, f.pages[0])
	second := f.snapshot(t, f.pages[1])

	u := m.Begin()
	addEntries(t, u, f.pages)
	require.NoError(t, u.Rollback())
	require.NoError(t, f.pool.EnsureAllPagesUnpinnedAndUnlocked())

	assert.Equal(t, first, f.snapshot(t, f.pages[0]))
	assert.Equal(t, second, f.snapshot(t, f.pages[1]))
	assert.Len(t, f.frames(t), before)
	require.ErrorIs(t, u.Rollback(), ErrUnitFinished)
}

func TestFailedCommitRollsBack(t *testing.T) {
	f := newFixture(t)
	log := new(MockLog)
	m := NewManager(f.pool, log, src.NoLogs())
	first := f.snapshot(t, f.pages[0])
	second := f.snapshot(t, f.pages[1])

	u := m.Begin()
	rollbackLSN := common.NewLSN(7, 0)
	log.On("AppendCommit", u.ID()).Return(common.NilLSN, errors.New("disk is gone")).Once()
	log.On("AppendRollback", u.ID()).Return(rollbackLSN, nil).Once()

	addEntries(t, u, f.pages)
	_, err := u.Commit()
	require.ErrorContains(t, err, "disk is gone")
	log.AssertExpectations(t)
	require.NoError(t, f.pool.EnsureAllPagesUnpinnedAndUnlocked())

	assert.Equal(t, first, f.snapshot(t, f.pages[0]))
	assert.Equal(t, second, f.snapshot(t, f.pages[1]))
	for _, pageIdent := range f.pages {
		entry, err := f.pool.GetPage(context.Background(), pageIdent)
		require.NoError(t, err)
		assert.Equal(t, rollbackLSN, page.GetLSN(entry.Buffer()))
		require.NoError(t, f.pool.Unpin(pageIdent))
	}
}

func TestUnloggedRollbackKeepsPagesLatched(t *testing.T) {
	f := newFixture(t)
	log := new(MockLog)
	m := NewManager(f.pool, log, src.NoLogs())

	u := m.Begin()
	log.On("AppendCommit", u.ID()).Return(common.NilLSN, errors.New("disk is gone")).Once()
	log.On("AppendRollback", u.ID()).Return(common.NilLSN, errors.New("disk is still gone")).Once()

	addEntries(t, u, f.pages)
	_, err := u.Commit()
	require.ErrorIs(t, err, ErrRollbackNotLogged)
	log.AssertExpectations(t)

	assert.Equal(t, int64(1), m.Active())
	require.Error(t, f.pool.EnsureAllPagesUnpinnedAndUnlocked())
	require.ErrorIs(t, u.Rollback(), ErrUnitFinished)

	other := m.Begin()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = other.Page(ctx, f.pages[0])
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPageWaitsForLatch(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.pool, f.wal, src.NoLogs())

	holder := m.Begin()
	_, err := holder.Page(context.Background(), f.pages[0])
	require.NoError(t, err)

	waiter := m.Begin()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = waiter.Page(ctx, f.pages[0])
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := waiter.Page(context.Background(), f.pages[0])
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, holder.Rollback())
	require.NoError(t, <-done)
	require.NoError(t, waiter.Rollback())
	require.NoError(t, f.pool.EnsureAllPagesUnpinnedAndUnlocked())
}
