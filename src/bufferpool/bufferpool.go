package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/bucketlog/src"
	"github.com/Blackdeer1524/bucketlog/src/directmemory"
	"github.com/Blackdeer1524/bucketlog/src/pkg/assert"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/storage/cache"
	"github.com/Blackdeer1524/bucketlog/src/storage/disk"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"
)

const noFrame = ^uint64(0)

// flushWorkers bounds the number of pages written at once by FlushAll.
const flushWorkers = 8

var (
	ErrNoSpaceLeft  = errors.New("no space left in the buffer pool")
	ErrPageNotFound = errors.New("page is not in the buffer pool")
	ErrPagesPinned  = errors.New("pages are still pinned")
	ErrUnloggedPage = errors.New("page has operations that never reached the log")
)

type Replacer interface {
	Pin(pageIdent common.PageIdentity)
	Unpin(pageIdent common.PageIdentity)
	ChooseVictim() (common.PageIdentity, error) // returns ErrNoVictimAvailable if no victim is available
	GetSize() uint64
}

// Logger is the write-ahead log pending page operations go to.
type Logger interface {
	AppendRecords(records []*po.Record) (common.LSN, error)
}

type BufferPool interface {
	GetPage(ctx context.Context, pageIdent common.PageIdentity) (*cache.Entry, error)
	GetPageNoCreate(ctx context.Context, pageIdent common.PageIdentity) (*cache.Entry, error)
	NewPage(ctx context.Context, fileID common.FileID) (*cache.Entry, error)
	Unpin(pageIdent common.PageIdentity) error
	LogPageOperations(unit common.OperationUnitID, entry *cache.Entry) (common.LSN, error)
	FlushAll(ctx context.Context) error
}

type Manager struct {
	poolSize uint64

	mu          sync.Mutex
	pageTable   map[common.PageIdentity]uint64
	frames      []*cache.Entry
	emptyFrames []uint64
	nextIndex   map[common.FileID]common.PageIndex

	replacer    Replacer
	diskManager common.DiskManager
	blocks      *directmemory.Pool
	logger      Logger
	log         src.Logger
}

var _ BufferPool = &Manager{}

func New(
	poolSize uint64,
	replacer Replacer,
	diskManager common.DiskManager,
	blocks *directmemory.Pool,
	log src.Logger,
) *Manager {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")

	emptyFrames := make([]uint64, poolSize)
	for i := range poolSize {
		emptyFrames[i] = i
	}

	return &Manager{
		poolSize:    poolSize,
		pageTable:   map[common.PageIdentity]uint64{},
		frames:      make([]*cache.Entry, poolSize),
		emptyFrames: emptyFrames,
		nextIndex:   map[common.FileID]common.PageIndex{},
		replacer:    replacer,
		diskManager: diskManager,
		blocks:      blocks,
		log:         log,
	}
}

func (m *Manager) SetLogger(logger Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger = logger
}

func (m *Manager) Unpin(pageIdent common.PageIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.unpinAssumeLocked(pageIdent)
}

func (m *Manager) unpinAssumeLocked(pageIdent common.PageIdentity) error {
	frameID, ok := m.pageTable[pageIdent]
	if !ok {
		return fmt.Errorf("couldn't unpin page %s: %w", pageIdent, ErrPageNotFound)
	}

	entry := m.frames[frameID]
	if err := entry.Unpin(); err != nil {
		return err
	}
	if !entry.IsPinned() {
		m.replacer.Unpin(pageIdent)
	}
	return nil
}

func (m *Manager) pin(entry *cache.Entry) {
	entry.Pin()
	m.replacer.Pin(entry.Identity())
}

// GetPage returns the page pinned, loading it from disk when needed. A
// page that doesn't exist on disk yet comes back zeroed.
func (m *Manager) GetPage(ctx context.Context, pageIdent common.PageIdentity) (*cache.Entry, error) {
	return m.getPage(ctx, pageIdent, true)
}

// GetPageNoCreate is GetPage that fails with disk.ErrNoSuchPage for pages
// that were never written.
func (m *Manager) GetPageNoCreate(ctx context.Context, pageIdent common.PageIdentity) (*cache.Entry, error) {
	return m.getPage(ctx, pageIdent, false)
}

func (m *Manager) getPage(
	ctx context.Context,
	pageIdent common.PageIdentity,
	create bool,
) (*cache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frameID, ok := m.pageTable[pageIdent]; ok {
		entry := m.frames[frameID]
		m.pin(entry)
		return entry, nil
	}

	frameID, err := m.reserveFrame(ctx)
	if err != nil {
		return nil, err
	}

	block, err := m.blocks.AcquireDirect(false)
	if err != nil {
		m.emptyFrames = append(m.emptyFrames, frameID)
		return nil, err
	}

	err = m.diskManager.ReadPage(ctx, pageIdent, block.Bytes())
	if errors.Is(err, disk.ErrNoSuchPage) && create {
		clear(block.Bytes())
		err = nil
	}
	if err != nil {
		m.emptyFrames = append(m.emptyFrames, frameID)
		return nil, errors.Join(err, m.blocks.Release(block))
	}

	return m.install(frameID, pageIdent, block), nil
}

// NewPage appends a zeroed page to the file. The page is pinned and dirty.
func (m *Manager) NewPage(ctx context.Context, fileID common.FileID) (*cache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := m.nextIndex[fileID]
	if !ok {
		count, err := m.diskManager.PageCount(fileID)
		if err != nil {
			return nil, err
		}
		next = common.PageIndex(count)
	}
	pageIdent := common.PageIdentity{FileID: fileID, PageIndex: next}
	_, cached := m.pageTable[pageIdent]
	assert.Assert(!cached, "new page %s is already cached", pageIdent)

	frameID, err := m.reserveFrame(ctx)
	if err != nil {
		return nil, err
	}

	block, err := m.blocks.AcquireDirect(true)
	if err != nil {
		m.emptyFrames = append(m.emptyFrames, frameID)
		return nil, err
	}

	m.nextIndex[fileID] = next + 1
	entry := m.install(frameID, pageIdent, block)
	entry.MarkDirty()
	return entry, nil
}

func (m *Manager) install(
	frameID uint64,
	pageIdent common.PageIdentity,
	block *directmemory.Pointer,
) *cache.Entry {
	entry := cache.NewEntry(
		pageIdent.FileID,
		pageIdent.PageIndex,
		cache.NewPointer(block, m.blocks, pageIdent.FileID, pageIdent.PageIndex),
	)
	m.frames[frameID] = entry
	m.pageTable[pageIdent] = frameID

	if next, ok := m.nextIndex[pageIdent.FileID]; ok && pageIdent.PageIndex >= next {
		m.nextIndex[pageIdent.FileID] = pageIdent.PageIndex + 1
	}

	m.pin(entry)
	return entry
}

// reserveFrame returns a free frame, evicting a victim when there is none.
func (m *Manager) reserveFrame(ctx context.Context) (uint64, error) {
	if len(m.emptyFrames) > 0 {
		id := m.emptyFrames[len(m.emptyFrames)-1]
		m.emptyFrames = m.emptyFrames[:len(m.emptyFrames)-1]
		return id, nil
	}

	victimIdent, err := m.replacer.ChooseVictim()
	if err != nil {
		if errors.Is(err, ErrNoVictimAvailable) {
			return noFrame, ErrNoSpaceLeft
		}
		return noFrame, err
	}

	frameID, ok := m.pageTable[victimIdent]
	assert.Assert(ok, "victim page %s not found", victimIdent)
	victim := m.frames[frameID]
	assert.Assert(!victim.IsPinned(), "victim page %s is pinned", victimIdent)

	if err := m.flushEntry(ctx, victim); err != nil {
		m.replacer.Unpin(victimIdent)
		return noFrame, err
	}

	m.log.Debugw("evicted page", "page", victimIdent, "frame", frameID)
	delete(m.pageTable, victimIdent)
	m.frames[frameID] = nil
	if err := victim.Close(); err != nil {
		return noFrame, err
	}
	return frameID, nil
}

// flushEntry writes a dirty page. Writers mark the page dirty under the
// exclusive latch, so clearing the flag under the shared one loses no
// change.
func (m *Manager) flushEntry(ctx context.Context, entry *cache.Entry) error {
	entry.RLock()
	if !entry.IsDirty() {
		entry.RUnlock()
		return nil
	}
	if n := len(entry.GetPageOperations()); n > 0 {
		entry.RUnlock()
		return fmt.Errorf("%w: %d operations on %s", ErrUnloggedPage, n, entry.Identity())
	}
	entry.ClearDirty()
	data := entry.Buffer().Snapshot()
	entry.RUnlock()

	if err := m.diskManager.WritePage(ctx, entry.Identity(), data); err != nil {
		entry.MarkDirty()
		return fmt.Errorf("failed to flush page %s: %w", entry.Identity(), err)
	}
	return nil
}

// LogPageOperations stamps the pending records of the page with the
// operation unit, appends them to the log and remembers the LSN of the
// last one on the page. The caller holds the page latch exclusively.
func (m *Manager) LogPageOperations(
	unit common.OperationUnitID,
	entry *cache.Entry,
) (common.LSN, error) {
	m.mu.Lock()
	logger := m.logger
	m.mu.Unlock()
	assert.Assert(logger != nil, "log is not set")

	records := entry.GetPageOperations()
	if len(records) == 0 {
		return common.NilLSN, nil
	}
	for _, r := range records {
		r.SetOperationUnitID(unit)
	}

	lsn, err := logger.AppendRecords(records)
	if err != nil {
		return common.NilLSN, fmt.Errorf("failed to log operations of %s: %w", entry.Identity(), err)
	}

	entry.ClearPageOperations()
	page.SetLSN(entry.Buffer(), lsn)
	entry.MarkDirty()
	return lsn, nil
}

// FlushAll writes every dirty page. Pages are written concurrently and
// stay pinned while their write is in flight.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	var dirty []*cache.Entry
	for _, frameID := range m.pageTable {
		entry := m.frames[frameID]
		if entry.IsDirty() {
			m.pin(entry)
			dirty = append(dirty, entry)
		}
	}
	m.mu.Unlock()

	m.log.Debugw("flushing dirty pages", "count", len(dirty))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(flushWorkers)
	for _, entry := range dirty {
		g.Go(func() error {
			return m.flushEntry(gctx, entry)
		})
	}
	err := g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range dirty {
		err = errors.Join(err, m.unpinAssumeLocked(entry.Identity()))
	}
	return err
}

// Close flushes the dirty pages and gives every block back to the memory
// pool. It fails without releasing anything while pages are pinned.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.FlushAll(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var pinned []common.PageIdentity
	for pageIdent, frameID := range m.pageTable {
		if m.frames[frameID].IsPinned() {
			pinned = append(pinned, pageIdent)
		}
	}
	if len(pinned) > 0 {
		return fmt.Errorf("%w: %v", ErrPagesPinned, pinned)
	}

	var err error
	for _, pageIdent := range slices.Collect(maps.Keys(m.pageTable)) {
		frameID := m.pageTable[pageIdent]
		m.replacer.Pin(pageIdent)
		err = errors.Join(err, m.frames[frameID].Close())
		m.frames[frameID] = nil
		m.emptyFrames = append(m.emptyFrames, frameID)
		delete(m.pageTable, pageIdent)
	}
	clear(m.nextIndex)
	return err
}
