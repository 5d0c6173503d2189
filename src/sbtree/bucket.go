package sbtree

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Blackdeer1524/bucketlog/src/pkg/assert"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/storage/cache"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"
)

var (
	ErrIndexOutOfRange   = errors.New("entry index is out of range")
	ErrWrongBucketType   = errors.New("operation doesn't match the bucket type")
	ErrBucketNotEmpty    = errors.New("bucket is not empty")
	ErrEntryTooLarge     = errors.New("entry is too large")
	ErrValueSizeMismatch = errors.New("value size differs from the stored one")
	ErrPageState         = errors.New("page state doesn't match the record")
)

// Entry is a decoded bucket entry. Leaf entries carry a value, non-leaf
// entries carry the children around the key.
type Entry struct {
	Key        []byte
	Value      []byte
	LeftChild  common.PageIndex
	RightChild common.PageIndex
}

// Bucket reads and changes one B+-tree node page. Every change is written
// to the page and recorded on the cache entry as one page operation. The
// caller holds the entry latch: shared for readers, exclusive for
// mutators.
type Bucket struct {
	entry *cache.Entry
	buf   *page.Buffer
}

func NewBucket(entry *cache.Entry) *Bucket {
	return &Bucket{
		entry: entry,
		buf:   entry.Buffer(),
	}
}

func (b *Bucket) CacheEntry() *cache.Entry {
	return b.entry
}

// apply runs the mutation through the payload's redo, so the page
// changes exactly as a replay would change it.
func (b *Bucket) apply(payload po.Payload) {
	err := payload.Redo(b.buf)
	assert.NoError(err)
	b.entry.AddPageOperation(po.NewRecord(b.entry.Identity(), payload))
}

// Init formats the page as an empty bucket.
func (b *Bucket) Init(leaf bool) {
	area := b.buf.BytesAt(freePointerOffset, b.buf.Capacity()-freePointerOffset)
	b.apply(&InitPO{
		IsLeaf:     leaf,
		PriorImage: bytes.TrimRight(area, "\x00"),
	})
}

func (b *Bucket) GetRightSibling() common.PageIndex {
	return common.PageIndex(b.buf.Int64At(rightSiblingOffset))
}

func (b *Bucket) SetRightSibling(v common.PageIndex) {
	b.apply(&SetRightSiblingPO{
		PriorRightSibling: b.GetRightSibling(),
		NewRightSibling:   v,
	})
}

func (b *Bucket) GetLeftSibling() common.PageIndex {
	return common.PageIndex(b.buf.Int64At(leftSiblingOffset))
}

func (b *Bucket) SetLeftSibling(v common.PageIndex) {
	b.apply(&SetLeftSiblingPO{
		PriorLeftSibling: b.GetLeftSibling(),
		NewLeftSibling:   v,
	})
}

func (b *Bucket) GetTreeSize() int64 {
	return b.buf.Int64At(treeSizeOffset)
}

func (b *Bucket) SetTreeSize(v int64) {
	b.apply(&SetTreeSizePO{
		PriorTreeSize: b.GetTreeSize(),
		NewTreeSize:   v,
	})
}

func (b *Bucket) IsLeaf() bool {
	return isLeaf(b.buf)
}

// SwitchBucketType turns an empty leaf into a non-leaf bucket and back.
// It is used when the root splits.
func (b *Bucket) SwitchBucketType() error {
	if n := size(b.buf); n != 0 {
		return fmt.Errorf("%w: %d entries on %s", ErrBucketNotEmpty, n, b.entry.Identity())
	}
	b.apply(&SwitchBucketTypePO{PriorIsLeaf: b.IsLeaf()})
	return nil
}

func (b *Bucket) Size() int {
	return size(b.buf)
}

// FreeSpace is the number of bytes between the positions array and the
// lowest entry.
func (b *Bucket) FreeSpace() int {
	return freeSpace(b.buf)
}

func (b *Bucket) fits(entryBytes, entries int) bool {
	return entryBytes+entries*positionSize <= freeSpace(b.buf)
}

func (b *Bucket) checkType(leaf bool) error {
	if isLeaf(b.buf) != leaf {
		return fmt.Errorf("%w: %s has leaf=%t", ErrWrongBucketType, b.entry.Identity(), isLeaf(b.buf))
	}
	return nil
}

func (b *Bucket) checkIndex(index, n int) error {
	if index < 0 || index >= n {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, n)
	}
	return nil
}

// AddLeafEntry inserts key and value at index. It returns false when the
// page has no room for the entry; nothing is changed then.
func (b *Bucket) AddLeafEntry(index int, key, value []byte) (bool, error) {
	if err := b.checkType(true); err != nil {
		return false, err
	}
	if err := b.checkIndex(index, size(b.buf)+1); err != nil {
		return false, err
	}
	if len(key) > maxKeySize || len(value) > maxKeySize {
		return false, fmt.Errorf("%w: key %d bytes, value %d bytes", ErrEntryTooLarge, len(key), len(value))
	}
	if !b.fits(leafEntryOverhead+len(key)+len(value), 1) {
		return false, nil
	}

	b.apply(&AddLeafEntryPO{
		Prior: stateOf(b.buf),
		Index: int32(index),
		Key:   bytes.Clone(key),
		Value: bytes.Clone(value),
	})
	return true, nil
}

func (b *Bucket) removalOf(index int) (removal, error) {
	if err := b.checkIndex(index, size(b.buf)); err != nil {
		return removal{}, err
	}
	offset, raw := rawEntry(b.buf, index)
	return removal{
		Prior:  stateOf(b.buf),
		Index:  int32(index),
		Offset: int32(offset),
		Entry:  raw,
	}, nil
}

func (b *Bucket) RemoveLeafEntry(index int) error {
	if err := b.checkType(true); err != nil {
		return err
	}
	r, err := b.removalOf(index)
	if err != nil {
		return err
	}
	b.apply(&RemoveLeafEntryPO{removal: r})
	return nil
}

// UpdateValue overwrites the value of a leaf entry in place. The new value
// must have the size of the stored one.
func (b *Bucket) UpdateValue(index int, value []byte) error {
	if err := b.checkType(true); err != nil {
		return err
	}
	if err := b.checkIndex(index, size(b.buf)); err != nil {
		return err
	}

	offset, n := leafValueOffset(b.buf, index)
	if n != len(value) {
		return fmt.Errorf("%w: stored %d bytes, given %d", ErrValueSizeMismatch, n, len(value))
	}
	b.apply(&UpdateValuePO{
		Index:      int32(index),
		PriorValue: b.buf.BytesAt(offset, n),
		NewValue:   bytes.Clone(value),
	})
	return nil
}

// AddNonLeafEntry inserts a separator key with its children at index.
// With updateNeighbors the adjacent entries are relinked to the new
// children.
func (b *Bucket) AddNonLeafEntry(
	index int,
	key []byte,
	left, right common.PageIndex,
	updateNeighbors bool,
) (bool, error) {
	if err := b.checkType(false); err != nil {
		return false, err
	}
	n := size(b.buf)
	if err := b.checkIndex(index, n+1); err != nil {
		return false, err
	}
	if len(key) > maxKeySize {
		return false, fmt.Errorf("%w: key %d bytes", ErrEntryTooLarge, len(key))
	}
	if !b.fits(nonLeafEntryOverhead+len(key), 1) {
		return false, nil
	}

	payload := &AddNonLeafEntryPO{
		Prior:           stateOf(b.buf),
		Index:           int32(index),
		Key:             bytes.Clone(key),
		LeftChild:       left,
		RightChild:      right,
		UpdateNeighbors: updateNeighbors,
		PriorPrevRight:  common.NilPageIndex,
		PriorNextLeft:   common.NilPageIndex,
	}
	if updateNeighbors && index > 0 {
		payload.PriorPrevRight = common.PageIndex(b.buf.Int64At(rightChildOffset(b.buf, index-1)))
	}
	if updateNeighbors && index < n {
		payload.PriorNextLeft = common.PageIndex(b.buf.Int64At(leftChildOffset(b.buf, index)))
	}
	b.apply(payload)
	return true, nil
}

func (b *Bucket) RemoveNonLeafEntry(index int) error {
	if err := b.checkType(false); err != nil {
		return err
	}
	r, err := b.removalOf(index)
	if err != nil {
		return err
	}
	b.apply(&RemoveNonLeafEntryPO{removal: r})
	return nil
}

func (b *Bucket) encode(e Entry) ([]byte, error) {
	if len(e.Key) > maxKeySize || len(e.Value) > maxKeySize {
		return nil, fmt.Errorf("%w: key %d bytes, value %d bytes", ErrEntryTooLarge, len(e.Key), len(e.Value))
	}
	if isLeaf(b.buf) {
		return encodeLeafEntry(e.Key, e.Value), nil
	}
	return encodeNonLeafEntry(e.Key, e.LeftChild, e.RightChild), nil
}

// AddAll appends entries after the last one. It is used to fill the new
// bucket of a split and returns false when they don't fit.
func (b *Bucket) AddAll(entries []Entry) (bool, error) {
	payload := &AddAllPO{
		Prior:  stateOf(b.buf),
		IsLeaf: isLeaf(b.buf),
	}

	total := 0
	for _, e := range entries {
		raw, err := b.encode(e)
		if err != nil {
			return false, err
		}
		total += len(raw)
		payload.Entries = append(payload.Entries, raw)
	}
	if !b.fits(total, len(entries)) {
		return false, nil
	}

	b.apply(payload)
	return true, nil
}

// Shrink drops every entry at newSize and above.
func (b *Bucket) Shrink(newSize int) error {
	n := size(b.buf)
	if newSize < 0 || newSize > n {
		return fmt.Errorf("%w: new size %d, size %d", ErrIndexOutOfRange, newSize, n)
	}

	// Offsets come from a scratch copy going through the same removals
	// redo performs.
	payload := &ShrinkPO{
		Prior:  stateOf(b.buf),
		IsLeaf: isLeaf(b.buf),
	}
	scratch := page.NewBuffer(b.buf.Snapshot())
	for i := n - 1; i >= newSize; i-- {
		offset, raw := removeAt(scratch, i)
		payload.Removed = append(payload.Removed, ShrunkEntry{Offset: int32(offset), Entry: raw})
	}

	b.apply(payload)
	return nil
}

func (b *Bucket) GetKey(index int) ([]byte, error) {
	if err := b.checkIndex(index, size(b.buf)); err != nil {
		return nil, err
	}
	return entryKey(b.buf, index), nil
}

func (b *Bucket) GetValue(index int) ([]byte, error) {
	if err := b.checkType(true); err != nil {
		return nil, err
	}
	if err := b.checkIndex(index, size(b.buf)); err != nil {
		return nil, err
	}
	offset, n := leafValueOffset(b.buf, index)
	return b.buf.BytesAt(offset, n), nil
}

func (b *Bucket) GetEntry(index int) (Entry, error) {
	if err := b.checkIndex(index, size(b.buf)); err != nil {
		return Entry{}, err
	}

	e := Entry{
		Key:        entryKey(b.buf, index),
		LeftChild:  common.NilPageIndex,
		RightChild: common.NilPageIndex,
	}
	if isLeaf(b.buf) {
		offset, n := leafValueOffset(b.buf, index)
		e.Value = b.buf.BytesAt(offset, n)
		return e, nil
	}
	e.LeftChild = common.PageIndex(b.buf.Int64At(leftChildOffset(b.buf, index)))
	e.RightChild = common.PageIndex(b.buf.Int64At(rightChildOffset(b.buf, index)))
	return e, nil
}

// RawEntry returns the stored bytes of an entry.
func (b *Bucket) RawEntry(index int) ([]byte, error) {
	if err := b.checkIndex(index, size(b.buf)); err != nil {
		return nil, err
	}
	_, raw := rawEntry(b.buf, index)
	return raw, nil
}

// Find looks key up among the sorted entries. When it is absent the
// returned index is where it would be inserted.
func (b *Bucket) Find(key []byte) (int, bool) {
	return search(b.buf, key)
}
