package cache

import (
	"fmt"
	"sync/atomic"

	"github.com/Blackdeer1524/bucketlog/src/directmemory"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
)

// Pointer owns one pooled block on behalf of the cache. The block goes
// back to the pool when the last referrer leaves.
type Pointer struct {
	block     *directmemory.Pointer
	pool      *directmemory.Pool
	fileID    common.FileID
	pageIndex common.PageIndex

	referrers atomic.Int64
	released  atomic.Bool
}

func NewPointer(
	block *directmemory.Pointer,
	pool *directmemory.Pool,
	fileID common.FileID,
	pageIndex common.PageIndex,
) *Pointer {
	return &Pointer{
		block:     block,
		pool:      pool,
		fileID:    fileID,
		pageIndex: pageIndex,
	}
}

func (p *Pointer) FileID() common.FileID {
	return p.fileID
}

func (p *Pointer) PageIndex() common.PageIndex {
	return p.pageIndex
}

func (p *Pointer) Referrers() int64 {
	return p.referrers.Load()
}

func (p *Pointer) IncrementReferrer() {
	p.referrers.Add(1)
}

// DecrementReferrer drops one reference and releases the block once no
// referrer is left.
func (p *Pointer) DecrementReferrer() error {
	n := p.referrers.Add(-1)
	switch {
	case n > 0:
		return nil
	case n < 0:
		p.referrers.Add(1)
		return fmt.Errorf(
			"%w: referrer underflow on page %d:%d",
			directmemory.ErrInvalidHandle,
			p.fileID,
			p.pageIndex,
		)
	}

	if !p.released.CompareAndSwap(false, true) {
		return fmt.Errorf(
			"%w: page %d:%d is already released",
			directmemory.ErrInvalidHandle,
			p.fileID,
			p.pageIndex,
		)
	}
	return p.pool.Release(p.block)
}

// GetBufferDuplicate returns a fresh cursor over the page bytes, or nil
// when the block has been returned to the pool.
func (p *Pointer) GetBufferDuplicate() *page.Buffer {
	if p.released.Load() {
		return nil
	}
	return page.NewBuffer(p.block.Bytes())
}
