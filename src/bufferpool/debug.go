package bufferpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/pkg/dbg"
	"github.com/Blackdeer1524/bucketlog/src/storage/cache"
)

// DebugBufferPool wraps a Manager and checks at the end of a test that
// every page was unpinned and unlatched. Pages in leakingPages are
// expected to stay pinned. Pins taken through it remember their call
// site for the report.
type DebugBufferPool struct {
	m            *Manager
	leakingPages map[common.PageIdentity]struct{}
	pins         *dbg.Holders[common.PageIdentity]
}

var _ BufferPool = &DebugBufferPool{}

func NewDebugBufferPool(m *Manager, leakingPages map[common.PageIdentity]struct{}) *DebugBufferPool {
	return &DebugBufferPool{
		m:            m,
		leakingPages: leakingPages,
		pins:         dbg.NewHolders[common.PageIdentity](),
	}
}

func (d *DebugBufferPool) track(entry *cache.Entry, err error) (*cache.Entry, error) {
	if err == nil {
		d.pins.Acquire(entry.Identity())
	}
	return entry, err
}

func (d *DebugBufferPool) GetPage(ctx context.Context, pageIdent common.PageIdentity) (*cache.Entry, error) {
	return d.track(d.m.GetPage(ctx, pageIdent))
}

func (d *DebugBufferPool) GetPageNoCreate(
	ctx context.Context,
	pageIdent common.PageIdentity,
) (*cache.Entry, error) {
	return d.track(d.m.GetPageNoCreate(ctx, pageIdent))
}

func (d *DebugBufferPool) NewPage(ctx context.Context, fileID common.FileID) (*cache.Entry, error) {
	return d.track(d.m.NewPage(ctx, fileID))
}

func (d *DebugBufferPool) Unpin(pageIdent common.PageIdentity) error {
	if err := d.m.Unpin(pageIdent); err != nil {
		return err
	}
	d.pins.Release(pageIdent)
	return nil
}

func (d *DebugBufferPool) LogPageOperations(
	unit common.OperationUnitID,
	entry *cache.Entry,
) (common.LSN, error) {
	return d.m.LogPageOperations(unit, entry)
}

func (d *DebugBufferPool) FlushAll(ctx context.Context) error {
	return d.m.FlushAll(ctx)
}

func (d *DebugBufferPool) EnsureAllPagesUnpinnedAndUnlocked() error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	pinnedIDs := map[common.PageIdentity]int32{}
	unpinnedLeaked := map[common.PageIdentity]struct{}{}
	lockedPages := map[common.PageIdentity]struct{}{}

	for pageIdent, frameID := range d.m.pageTable {
		entry := d.m.frames[frameID]
		pinCount := entry.PinCount()
		if _, ok := d.leakingPages[pageIdent]; ok {
			if pinCount <= 0 {
				unpinnedLeaked[pageIdent] = struct{}{}
			}
		} else if pinCount != 0 {
			pinnedIDs[pageIdent] = pinCount
		}

		if !entry.TryLock() {
			lockedPages[pageIdent] = struct{}{}
		} else {
			entry.Unlock()
		}
	}

	var err error
	if len(pinnedIDs) > 0 {
		holders := map[common.PageIdentity][]string{}
		for pageIdent := range pinnedIDs {
			holders[pageIdent] = d.pins.Of(pageIdent)
		}
		err = fmt.Errorf(
			"not all pages were properly unpinned: %+v, pinned by %+v",
			pinnedIDs,
			holders,
		)
	}

	if len(unpinnedLeaked) > 0 {
		err = errors.Join(err, fmt.Errorf(
			"not all leaked pages were properly unpinned: %+v",
			unpinnedLeaked,
		))
	}

	if len(lockedPages) > 0 {
		err = errors.Join(err, fmt.Errorf(
			"found pages that were locked and not properly unlocked: %+v",
			lockedPages,
		))
	}

	return err
}
