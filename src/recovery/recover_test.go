package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/bucketlog/src"
	"github.com/Blackdeer1524/bucketlog/src/bufferpool"
	"github.com/Blackdeer1524/bucketlog/src/directmemory"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/pkg/utils"
	"github.com/Blackdeer1524/bucketlog/src/sbtree"
	"github.com/Blackdeer1524/bucketlog/src/storage/cache"
	"github.com/Blackdeer1524/bucketlog/src/storage/disk"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
	"github.com/Blackdeer1524/bucketlog/src/wal"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"
)

const (
	testPageSize = 512
	dataDir      = "/data"
	walDir       = "/wal"
)

type store struct {
	fs   afero.Fs
	log  *wal.Log
	pool *bufferpool.Manager
}

// openStore starts a process over the files of fs. Dropping a store
// without closing it is a crash: dirty pages never reach the disk.
func openStore(t *testing.T, fs afero.Fs, frames uint64) *store {
	t.Helper()

	log, err := wal.Open(context.Background(), fs, walDir, 1<<16, src.NoLogs())
	require.NoError(t, err)

	diskManager := disk.New(fs, dataDir, testPageSize)
	diskManager.SetLogger(log)

	pool := bufferpool.New(
		frames,
		bufferpool.NewLRUReplacer(frames),
		diskManager,
		directmemory.New(testPageSize),
		src.NoLogs(),
	)
	pool.SetLogger(log)
	return &store{fs: fs, log: log, pool: pool}
}

func (s *store) recover(t *testing.T, workers int) Report {
	t.Helper()

	reader, err := wal.NewReader(context.Background(), s.fs, walDir)
	require.NoError(t, err)

	report, err := Recover(context.Background(), reader, s.pool, Options{
		Workers: workers,
		Log:     s.log,
		Logger:  src.NoLogs(),
	})
	require.NoError(t, err)
	return report
}

// mutate runs fn on a pinned and latched bucket and logs what it did.
func (s *store) mutate(
	t *testing.T,
	unit common.OperationUnitID,
	pageIdent common.PageIdentity,
	fn func(b *sbtree.Bucket),
) {
	t.Helper()
	ctx := context.Background()

	entry, err := s.pool.GetPage(ctx, pageIdent)
	require.NoError(t, err)
	entry.Lock()
	fn(sbtree.NewBucket(entry))
	_, err = s.pool.LogPageOperations(unit, entry)
	entry.Unlock()
	require.NoError(t, err)
	require.NoError(t, s.pool.Unpin(pageIdent))
}

func (s *store) keys(t *testing.T, pageIdent common.PageIdentity) []string {
	t.Helper()

	entry, err := s.pool.GetPage(context.Background(), pageIdent)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.pool.Unpin(pageIdent)) }()

	entry.RLock()
	defer entry.RUnlock()

	b := sbtree.NewBucket(entry)
	keys := []string{}
	for i := range b.Size() {
		k, err := b.GetKey(i)
		require.NoError(t, err)
		keys = append(keys, string(k))
	}
	return keys
}

func addLeaf(t *testing.T, index int, key, value string) func(b *sbtree.Bucket) {
	return func(b *sbtree.Bucket) {
		ok, err := b.AddLeafEntry(index, []byte(key), []byte(value))
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestRecoverRepeatsHistoryAndUndoesLosers(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	s := openStore(t, fs, 4)

	first := common.PageIdentity{FileID: 1, PageIndex: 0}
	second := common.PageIdentity{FileID: 1, PageIndex: 1}
	for _, ident := range []common.PageIdentity{first, second} {
		entry, err := s.pool.NewPage(ctx, ident.FileID)
		require.NoError(t, err)
		require.Equal(t, ident, entry.Identity())
		require.NoError(t, s.pool.Unpin(ident))
	}

	committed := common.NewOperationUnitID()
	s.mutate(t, committed, first, func(b *sbtree.Bucket) {
		b.Init(true)
		addLeaf(t, 0, "a", "1")(b)
		addLeaf(t, 1, "c", "3")(b)
	})
	_, err := s.log.AppendCommit(committed)
	require.NoError(t, err)

	loser := common.NewOperationUnitID()
	s.mutate(t, loser, second, func(b *sbtree.Bucket) {
		b.Init(true)
		addLeaf(t, 0, "x", "9")(b)
		b.SetTreeSize(1)
	})

	// the loser's changes reach the disk before it finishes
	require.NoError(t, s.pool.FlushAll(ctx))

	late := common.NewOperationUnitID()
	s.mutate(t, late, first, addLeaf(t, 1, "b", "2"))
	_, err = s.log.AppendCommit(late)
	require.NoError(t, err)

	s = openStore(t, fs, 4)
	report := s.recover(t, 2)

	assert.Equal(t, 2, report.Committed)
	assert.Equal(t, []common.OperationUnitID{loser}, report.Losers)
	assert.Equal(t, 1, report.Redone)
	assert.Equal(t, 6, report.Skipped)
	assert.Equal(t, 3, report.Undone)

	assert.Equal(t, []string{"a", "b", "c"}, s.keys(t, first))

	entry, err := s.pool.GetPage(ctx, second)
	require.NoError(t, err)
	bucketBytes := entry.Buffer().BytesAt(page.NextFreePosition, testPageSize-page.NextFreePosition)
	assert.Equal(t, make([]byte, len(bucketBytes)), bucketBytes)
	require.NoError(t, s.pool.Unpin(second))

	frames, err := wal.ReadAll(ctx, fs, walDir)
	require.NoError(t, err)
	last := frames[len(frames)-1]
	assert.Equal(t, wal.FrameRollback, last.Type)
	assert.Equal(t, loser, last.Unit)

	s = openStore(t, fs, 4)
	report = s.recover(t, 2)
	assert.Equal(t, 2, report.Committed)
	assert.Empty(t, report.Losers)
	assert.Zero(t, report.Redone)
	assert.Zero(t, report.Compensated)
	assert.Zero(t, report.Undone)
	assert.Equal(t, 10, report.Skipped)
	assert.Equal(t, []string{"a", "b", "c"}, s.keys(t, first))
}

func TestRecoverCompensatesRollbacks(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	s := openStore(t, fs, 2)

	entry, err := s.pool.NewPage(ctx, 5)
	require.NoError(t, err)
	ident := entry.Identity()
	require.NoError(t, s.pool.Unpin(ident))

	unit := common.NewOperationUnitID()
	s.mutate(t, unit, ident, func(b *sbtree.Bucket) {
		b.Init(false)
		b.SetRightSibling(4)
	})
	require.NoError(t, s.pool.FlushAll(ctx))

	// the rollback is logged but the undone page never reaches the disk
	_, err = s.log.AppendRollback(unit)
	require.NoError(t, err)

	s = openStore(t, fs, 2)
	report := s.recover(t, 1)
	assert.Zero(t, report.Redone)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 2, report.Compensated)
	assert.Empty(t, report.Losers)

	entry, err = s.pool.GetPage(ctx, ident)
	require.NoError(t, err)
	bucketBytes := entry.Buffer().BytesAt(page.NextFreePosition, testPageSize-page.NextFreePosition)
	assert.Equal(t, make([]byte, len(bucketBytes)), bucketBytes)
	require.NoError(t, s.pool.Unpin(ident))
}

var errCrash = errors.New("process died")

// crashingSource loads pages like the pool it wraps but dies on the
// crashAt-th request, after the pool made room for the page.
type crashingSource struct {
	PageSource
	calls   int
	crashAt int
}

func (c *crashingSource) GetPage(
	ctx context.Context,
	pageIdent common.PageIdentity,
) (*cache.Entry, error) {
	entry, err := c.PageSource.GetPage(ctx, pageIdent)
	c.calls++
	if err != nil || c.calls < c.crashAt {
		return entry, err
	}
	return nil, errors.Join(errCrash, c.PageSource.Unpin(pageIdent))
}

func TestRecoverAfterCrashDuringUndo(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()
	s := openStore(t, fs, 2)

	var left, right common.PageIdentity
	for _, ident := range []*common.PageIdentity{&left, &right} {
		entry, err := s.pool.NewPage(ctx, 3)
		require.NoError(t, err)
		*ident = entry.Identity()
		require.NoError(t, s.pool.Unpin(*ident))
	}

	loser := common.NewOperationUnitID()
	s.mutate(t, loser, left, func(b *sbtree.Bucket) {
		b.Init(true)
		addLeaf(t, 0, "a", "1")(b)
	})
	s.mutate(t, loser, right, func(b *sbtree.Bucket) {
		b.Init(true)
		addLeaf(t, 0, "b", "2")(b)
	})
	s.mutate(t, loser, left, addLeaf(t, 1, "c", "3"))
	require.NoError(t, s.pool.FlushAll(ctx))

	// undo of the left page is done and evicted to make room for the
	// right one when the process dies
	s = openStore(t, fs, 1)
	reader, err := wal.NewReader(ctx, fs, walDir)
	require.NoError(t, err)
	source := &crashingSource{PageSource: s.pool, crashAt: 4}
	_, err = Recover(ctx, reader, source, Options{Workers: 1, Log: s.log})
	require.ErrorIs(t, err, errCrash)
	require.Equal(t, 4, source.calls)

	s = openStore(t, fs, 2)
	report := s.recover(t, 1)
	assert.Empty(t, report.Losers)
	assert.Zero(t, report.Redone)
	assert.Zero(t, report.Undone)
	assert.Equal(t, 2, report.Compensated)
	assert.Equal(t, 8, report.Skipped)

	assert.Empty(t, s.keys(t, left))
	assert.Empty(t, s.keys(t, right))
}

func TestRecoverNeedsRollbackLog(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := openStore(t, fs, 2)

	entry, err := s.pool.NewPage(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, s.pool.Unpin(entry.Identity()))
	s.mutate(t, common.NewOperationUnitID(), entry.Identity(), func(b *sbtree.Bucket) { b.Init(true) })

	reader, err := wal.NewReader(context.Background(), fs, walDir)
	require.NoError(t, err)
	report, err := Recover(context.Background(), reader, openStore(t, fs, 2).pool, Options{})
	require.ErrorIs(t, err, ErrNoRollbackLog)
	assert.Len(t, report.Losers, 1)
}

func TestRecoverManyPages(t *testing.T) {
	const (
		pages   = 24
		frames  = 4
		workers = 4
	)

	fs := afero.NewMemMapFs()
	ctx := context.Background()
	s := openStore(t, fs, frames)
	files := utils.GenerateUniqueInts[common.FileID](3, 0, 1024)

	records := 0
	idents := make([]common.PageIdentity, 0, pages)
	for i := range pages {
		entry, err := s.pool.NewPage(ctx, files[i%len(files)])
		require.NoError(t, err)
		ident := entry.Identity()
		require.NoError(t, s.pool.Unpin(ident))
		idents = append(idents, ident)

		unit := common.NewOperationUnitID()
		s.mutate(t, unit, ident, func(b *sbtree.Bucket) {
			b.Init(true)
			for j := range i % 5 {
				addLeaf(t, j, fmt.Sprintf("k%02d", j), fmt.Sprintf("page %d", i))(b)
			}
		})
		records += 1 + i%5

		if i%3 != 0 {
			_, err = s.log.AppendCommit(unit)
			require.NoError(t, err)
		}
	}

	s = openStore(t, fs, frames)
	report := s.recover(t, workers)

	assert.Equal(t, records, report.Redone+report.Skipped)
	assert.Len(t, report.Losers, pages/3)
	assert.Equal(t, pages-pages/3, report.Committed)

	for i, ident := range idents {
		keys := s.keys(t, ident)
		if i%3 == 0 {
			assert.Empty(t, keys, "page %s", ident)
			continue
		}
		assert.Len(t, keys, i%5, "page %s", ident)
	}
}

func TestRecoverEmptyLog(t *testing.T) {
	s := openStore(t, afero.NewMemMapFs(), 2)
	report := s.recover(t, 1)
	assert.Equal(t, Report{}, report)
}

type sliceReader struct {
	frames []wal.Frame
	err    error
}

func (r *sliceReader) Next() (wal.Frame, error) {
	if len(r.frames) == 0 {
		if r.err != nil {
			return wal.Frame{}, r.err
		}
		return wal.Frame{}, io.EOF
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	return f, nil
}

func TestRecoverStopsOnCorruptLog(t *testing.T) {
	s := openStore(t, afero.NewMemMapFs(), 2)
	reader := &sliceReader{err: fmt.Errorf("segment 0: %w", po.ErrCorruptRecord)}

	_, err := Recover(context.Background(), reader, s.pool, Options{})
	require.ErrorIs(t, err, po.ErrCorruptRecord)
}

func TestRecoverReportsForeignPageState(t *testing.T) {
	s := openStore(t, afero.NewMemMapFs(), 2)
	unit := common.NewOperationUnitID()

	r := po.NewRecord(
		common.PageIdentity{FileID: 7, PageIndex: 0},
		&sbtree.AddLeafEntryPO{Index: 0, Key: []byte("k"), Value: []byte("v")},
	)
	r.SetOperationUnitID(unit)
	reader := &sliceReader{frames: []wal.Frame{
		{Type: wal.FrameOperation, LSN: common.NewLSN(0, 64), Unit: unit, Record: r},
		{Type: wal.FrameCommit, LSN: common.NewLSN(0, 89), Unit: unit},
	}}

	report, err := Recover(context.Background(), reader, s.pool, Options{Workers: 1})
	require.ErrorIs(t, err, sbtree.ErrWrongBucketType)
	assert.Zero(t, report.Redone)
	assert.Equal(t, 1, report.Committed)

	entry, err := s.pool.GetPage(context.Background(), r.PageIdentity())
	require.NoError(t, err)
	assert.Equal(t, common.NilLSN, page.GetLSN(entry.Buffer()))
	require.NoError(t, s.pool.Unpin(r.PageIdentity()))
}
