package sbtree

import (
	"bytes"
	"fmt"

	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"
)

func init() {
	po.Register(po.KindSBTreeBucketInit, "SBTreeBucketInit", func() po.Payload { return &InitPO{} })
	po.Register(po.KindSBTreeBucketSetRightSibling, "SBTreeBucketSetRightSibling", func() po.Payload { return &SetRightSiblingPO{} })
	po.Register(po.KindSBTreeBucketSetLeftSibling, "SBTreeBucketSetLeftSibling", func() po.Payload { return &SetLeftSiblingPO{} })
	po.Register(po.KindSBTreeBucketSetTreeSize, "SBTreeBucketSetTreeSize", func() po.Payload { return &SetTreeSizePO{} })
	po.Register(po.KindSBTreeBucketSwitchBucketType, "SBTreeBucketSwitchBucketType", func() po.Payload { return &SwitchBucketTypePO{} })
	po.Register(po.KindSBTreeBucketAddLeafEntry, "SBTreeBucketAddLeafEntry", func() po.Payload { return &AddLeafEntryPO{} })
	po.Register(po.KindSBTreeBucketRemoveLeafEntry, "SBTreeBucketRemoveLeafEntry", func() po.Payload { return &RemoveLeafEntryPO{} })
	po.Register(po.KindSBTreeBucketUpdateValue, "SBTreeBucketUpdateValue", func() po.Payload { return &UpdateValuePO{} })
	po.Register(po.KindSBTreeBucketAddNonLeafEntry, "SBTreeBucketAddNonLeafEntry", func() po.Payload { return &AddNonLeafEntryPO{} })
	po.Register(po.KindSBTreeBucketRemoveNonLeafEntry, "SBTreeBucketRemoveNonLeafEntry", func() po.Payload { return &RemoveNonLeafEntryPO{} })
	po.Register(po.KindSBTreeBucketAddAll, "SBTreeBucketAddAll", func() po.Payload { return &AddAllPO{} })
	po.Register(po.KindSBTreeBucketShrink, "SBTreeBucketShrink", func() po.Payload { return &ShrinkPO{} })
}

var (
	_ po.Payload = &InitPO{}
	_ po.Payload = &SetRightSiblingPO{}
	_ po.Payload = &SetLeftSiblingPO{}
	_ po.Payload = &SetTreeSizePO{}
	_ po.Payload = &SwitchBucketTypePO{}
	_ po.Payload = &AddLeafEntryPO{}
	_ po.Payload = &RemoveLeafEntryPO{}
	_ po.Payload = &UpdateValuePO{}
	_ po.Payload = &AddNonLeafEntryPO{}
	_ po.Payload = &RemoveNonLeafEntryPO{}
	_ po.Payload = &AddAllPO{}
	_ po.Payload = &ShrinkPO{}
)

// bucketState is the part of the header every structural change moves.
// Structural records keep the state they started from so that replaying
// them against an already changed page is detected and skipped.
type bucketState struct {
	Size        int32
	FreePointer int32
}

const bucketStateSize = 4 + 4

func stateOf(b *page.Buffer) bucketState {
	return bucketState{Size: int32(size(b)), FreePointer: int32(freePointer(b))}
}

func (s bucketState) after(entries, n int) bucketState {
	return bucketState{
		Size:        s.Size + int32(entries),
		FreePointer: s.FreePointer - int32(n),
	}
}

func (s bucketState) encode(e *po.Encoder) {
	e.Int32(s.Size)
	e.Int32(s.FreePointer)
}

func (s *bucketState) decode(d *po.Decoder) {
	s.Size = d.Int32()
	s.FreePointer = d.Int32()
	if s.Size < 0 || s.FreePointer < 0 {
		d.Fail("negative bucket state %d/%d", s.Size, s.FreePointer)
	}
}

// transition reports whether the page is already in state to. A page in
// neither from nor to can't be changed by the record.
func transition(b *page.Buffer, leaf bool, from, to bucketState) (bool, error) {
	if isLeaf(b) != leaf {
		return false, fmt.Errorf("%w: record expects leaf=%t", ErrWrongBucketType, leaf)
	}
	switch cur := stateOf(b); cur {
	case to:
		return true, nil
	case from:
		if int(from.FreePointer) > b.Capacity() ||
			int(to.FreePointer) < positionOffset(int(max(from.Size, to.Size))) {
			return false, fmt.Errorf("%w: state %+v -> %+v doesn't fit the page", ErrPageState, from, to)
		}
		return false, nil
	default:
		return false, fmt.Errorf(
			"%w: bucket has %d entries and free pointer %d, record moves %+v to %+v",
			ErrPageState,
			cur.Size,
			cur.FreePointer,
			from,
			to,
		)
	}
}

func checkEntryAt(b *page.Buffer, index int, offset int, raw []byte) error {
	if index < 0 || index >= size(b) || position(b, index) != offset {
		return fmt.Errorf("%w: entry %d is not stored at %d", ErrPageState, index, offset)
	}
	if offset < freePointer(b) || offset+len(raw) > b.Capacity() ||
		!bytes.Equal(b.BytesAt(offset, len(raw)), raw) {
		return fmt.Errorf("%w: entry %d differs from the logged one", ErrPageState, index)
	}
	return nil
}

type InitPO struct {
	IsLeaf bool
	// PriorImage is the bucket area of the page before initialization
	// with trailing zeros cut off.
	PriorImage []byte
}

func (*InitPO) Kind() po.Kind { return po.KindSBTreeBucketInit }

func (p *InitPO) Redo(b *page.Buffer) error {
	initBucket(b, p.IsLeaf)
	return nil
}

func (p *InitPO) Undo(b *page.Buffer) error {
	area := b.Capacity() - freePointerOffset
	if len(p.PriorImage) > area {
		return fmt.Errorf("%w: image of %d bytes exceeds %d", ErrPageState, len(p.PriorImage), area)
	}
	b.Zero(freePointerOffset, area)
	b.PutBytesAt(freePointerOffset, p.PriorImage)
	return nil
}

func (p *InitPO) PayloadSize() int {
	return 1 + po.BytesSize(p.PriorImage)
}

func (p *InitPO) EncodePayload(e *po.Encoder) {
	e.Bool(p.IsLeaf)
	e.Bytes(p.PriorImage)
}

func (p *InitPO) DecodePayload(d *po.Decoder) {
	p.IsLeaf = d.Bool()
	p.PriorImage = d.Bytes()
}

type SetRightSiblingPO struct {
	PriorRightSibling common.PageIndex
	NewRightSibling   common.PageIndex
}

func (*SetRightSiblingPO) Kind() po.Kind { return po.KindSBTreeBucketSetRightSibling }

func (p *SetRightSiblingPO) Redo(b *page.Buffer) error {
	b.PutInt64At(rightSiblingOffset, int64(p.NewRightSibling))
	return nil
}

func (p *SetRightSiblingPO) Undo(b *page.Buffer) error {
	b.PutInt64At(rightSiblingOffset, int64(p.PriorRightSibling))
	return nil
}

func (*SetRightSiblingPO) PayloadSize() int { return 8 + 8 }

func (p *SetRightSiblingPO) EncodePayload(e *po.Encoder) {
	e.Int64(int64(p.PriorRightSibling))
	e.Int64(int64(p.NewRightSibling))
}

func (p *SetRightSiblingPO) DecodePayload(d *po.Decoder) {
	p.PriorRightSibling = common.PageIndex(d.Int64())
	p.NewRightSibling = common.PageIndex(d.Int64())
}

type SetLeftSiblingPO struct {
	PriorLeftSibling common.PageIndex
	NewLeftSibling   common.PageIndex
}

func (*SetLeftSiblingPO) Kind() po.Kind { return po.KindSBTreeBucketSetLeftSibling }

func (p *SetLeftSiblingPO) Redo(b *page.Buffer) error {
	b.PutInt64At(leftSiblingOffset, int64(p.NewLeftSibling))
	return nil
}

func (p *SetLeftSiblingPO) Undo(b *page.Buffer) error {
	b.PutInt64At(leftSiblingOffset, int64(p.PriorLeftSibling))
	return nil
}

func (*SetLeftSiblingPO) PayloadSize() int { return 8 + 8 }

func (p *SetLeftSiblingPO) EncodePayload(e *po.Encoder) {
	e.Int64(int64(p.PriorLeftSibling))
	e.Int64(int64(p.NewLeftSibling))
}

func (p *SetLeftSiblingPO) DecodePayload(d *po.Decoder) {
	p.PriorLeftSibling = common.PageIndex(d.Int64())
	p.NewLeftSibling = common.PageIndex(d.Int64())
}

type SetTreeSizePO struct {
	PriorTreeSize int64
	NewTreeSize   int64
}

func (*SetTreeSizePO) Kind() po.Kind { return po.KindSBTreeBucketSetTreeSize }

func (p *SetTreeSizePO) Redo(b *page.Buffer) error {
	b.PutInt64At(treeSizeOffset, p.NewTreeSize)
	return nil
}

func (p *SetTreeSizePO) Undo(b *page.Buffer) error {
	b.PutInt64At(treeSizeOffset, p.PriorTreeSize)
	return nil
}

func (*SetTreeSizePO) PayloadSize() int { return 8 + 8 }

func (p *SetTreeSizePO) EncodePayload(e *po.Encoder) {
	e.Int64(p.PriorTreeSize)
	e.Int64(p.NewTreeSize)
}

func (p *SetTreeSizePO) DecodePayload(d *po.Decoder) {
	p.PriorTreeSize = d.Int64()
	p.NewTreeSize = d.Int64()
}

type SwitchBucketTypePO struct {
	PriorIsLeaf bool
}

func (*SwitchBucketTypePO) Kind() po.Kind { return po.KindSBTreeBucketSwitchBucketType }

func (p *SwitchBucketTypePO) Redo(b *page.Buffer) error {
	return p.write(b, !p.PriorIsLeaf)
}

func (p *SwitchBucketTypePO) Undo(b *page.Buffer) error {
	return p.write(b, p.PriorIsLeaf)
}

func (p *SwitchBucketTypePO) write(b *page.Buffer, leaf bool) error {
	if size(b) != 0 {
		return fmt.Errorf("%w: bucket holds %d entries", ErrBucketNotEmpty, size(b))
	}
	setIsLeaf(b, leaf)
	return nil
}

func (*SwitchBucketTypePO) PayloadSize() int { return 1 }

func (p *SwitchBucketTypePO) EncodePayload(e *po.Encoder) {
	e.Bool(p.PriorIsLeaf)
}

func (p *SwitchBucketTypePO) DecodePayload(d *po.Decoder) {
	p.PriorIsLeaf = d.Bool()
}

// insertEntry and removeEntry are the redo and undo halves shared by the
// single entry insertions.
func insertEntry(b *page.Buffer, leaf bool, prior bucketState, index int, raw []byte) error {
	applied, err := transition(b, leaf, prior, prior.after(1, len(raw)))
	if err != nil || applied {
		return err
	}
	if index < 0 || index > size(b) {
		return fmt.Errorf("%w: index %d, size %d", ErrIndexOutOfRange, index, size(b))
	}
	insertAt(b, index, raw)
	return nil
}

func removeEntry(b *page.Buffer, leaf bool, prior bucketState, index int, raw []byte) error {
	post := prior.after(1, len(raw))
	applied, err := transition(b, leaf, post, prior)
	if err != nil || applied {
		return err
	}
	if err := checkEntryAt(b, index, int(post.FreePointer), raw); err != nil {
		return err
	}
	removeAt(b, index)
	return nil
}

type AddLeafEntryPO struct {
	Prior bucketState
	Index int32
	Key   []byte
	Value []byte
}

func (*AddLeafEntryPO) Kind() po.Kind { return po.KindSBTreeBucketAddLeafEntry }

func (p *AddLeafEntryPO) Redo(b *page.Buffer) error {
	return insertEntry(b, true, p.Prior, int(p.Index), encodeLeafEntry(p.Key, p.Value))
}

func (p *AddLeafEntryPO) Undo(b *page.Buffer) error {
	return removeEntry(b, true, p.Prior, int(p.Index), encodeLeafEntry(p.Key, p.Value))
}

func (p *AddLeafEntryPO) PayloadSize() int {
	return bucketStateSize + 4 + po.BytesSize(p.Key) + po.BytesSize(p.Value)
}

func (p *AddLeafEntryPO) EncodePayload(e *po.Encoder) {
	p.Prior.encode(e)
	e.Int32(p.Index)
	e.Bytes(p.Key)
	e.Bytes(p.Value)
}

func (p *AddLeafEntryPO) DecodePayload(d *po.Decoder) {
	p.Prior.decode(d)
	p.Index = d.Int32()
	p.Key = decodeKey(d)
	p.Value = decodeKey(d)
	if p.Index < 0 || p.Index > p.Prior.Size {
		d.Fail("insert index %d, size %d", p.Index, p.Prior.Size)
	}
}

// decodeKey reads a byte string that has to fit a 2 byte length field.
func decodeKey(d *po.Decoder) []byte {
	v := d.Bytes()
	if len(v) > maxKeySize {
		d.Fail("%d bytes don't fit an entry", len(v))
	}
	return v
}

// removal is the payload shared by entry removals: where the entry was and
// what it was, so that undo puts back the exact bytes.
type removal struct {
	Prior  bucketState
	Index  int32
	Offset int32
	Entry  []byte
}

func (r *removal) redo(b *page.Buffer, leaf bool) error {
	post := r.Prior.after(-1, -len(r.Entry))
	applied, err := transition(b, leaf, r.Prior, post)
	if err != nil || applied {
		return err
	}
	if err := checkEntryAt(b, int(r.Index), int(r.Offset), r.Entry); err != nil {
		return err
	}
	removeAt(b, int(r.Index))
	return nil
}

func (r *removal) undo(b *page.Buffer, leaf bool) error {
	post := r.Prior.after(-1, -len(r.Entry))
	applied, err := transition(b, leaf, post, r.Prior)
	if err != nil || applied {
		return err
	}
	if r.Index < 0 || r.Index > post.Size || r.Offset < post.FreePointer-int32(len(r.Entry)) ||
		int(r.Offset)+len(r.Entry) > b.Capacity() {
		return fmt.Errorf("%w: entry %d can't return to %d", ErrPageState, r.Index, r.Offset)
	}
	restoreAt(b, int(r.Index), int(r.Offset), r.Entry)
	return nil
}

func (r *removal) size() int {
	return bucketStateSize + 4 + 4 + po.BytesSize(r.Entry)
}

func (r *removal) encode(e *po.Encoder) {
	r.Prior.encode(e)
	e.Int32(r.Index)
	e.Int32(r.Offset)
	e.Bytes(r.Entry)
}

func (r *removal) decode(d *po.Decoder, leaf bool) {
	r.Prior.decode(d)
	r.Index = d.Int32()
	r.Offset = d.Int32()
	r.Entry = d.Bytes()
	if r.Index < 0 || r.Offset < 0 {
		d.Fail("negative entry location %d@%d", r.Index, r.Offset)
	}
	if d.Err() == nil && !validEntry(r.Entry, leaf) {
		d.Fail("malformed entry of %d bytes", len(r.Entry))
	}
}

type RemoveLeafEntryPO struct {
	removal
}

func (*RemoveLeafEntryPO) Kind() po.Kind { return po.KindSBTreeBucketRemoveLeafEntry }

func (p *RemoveLeafEntryPO) Redo(b *page.Buffer) error { return p.redo(b, true) }
func (p *RemoveLeafEntryPO) Undo(b *page.Buffer) error { return p.undo(b, true) }
func (p *RemoveLeafEntryPO) PayloadSize() int { return p.size() }
func (p *RemoveLeafEntryPO) EncodePayload(e *po.Encoder) { p.encode(e) }
func (p *RemoveLeafEntryPO) DecodePayload(d *po.Decoder) { p.decode(d, true) }

type RemoveNonLeafEntryPO struct {
	removal
}

func (*RemoveNonLeafEntryPO) Kind() po.Kind { return po.KindSBTreeBucketRemoveNonLeafEntry }

func (p *RemoveNonLeafEntryPO) Redo(b *page.Buffer) error { return p.redo(b, false) }
func (p *RemoveNonLeafEntryPO) Undo(b *page.Buffer) error { return p.undo(b, false) }
func (p *RemoveNonLeafEntryPO) PayloadSize() int { return p.size() }
func (p *RemoveNonLeafEntryPO) EncodePayload(e *po.Encoder) { p.encode(e) }
func (p *RemoveNonLeafEntryPO) DecodePayload(d *po.Decoder) { p.decode(d, false) }

type UpdateValuePO struct {
	Index      int32
	PriorValue []byte
	NewValue   []byte
}

func (*UpdateValuePO) Kind() po.Kind { return po.KindSBTreeBucketUpdateValue }

func (p *UpdateValuePO) Redo(b *page.Buffer) error {
	return p.write(b, p.NewValue)
}

func (p *UpdateValuePO) Undo(b *page.Buffer) error {
	return p.write(b, p.PriorValue)
}

func (p *UpdateValuePO) write(b *page.Buffer, value []byte) error {
	if !isLeaf(b) {
		return fmt.Errorf("%w: values live in leaf buckets only", ErrWrongBucketType)
	}
	if p.Index < 0 || int(p.Index) >= size(b) {
		return fmt.Errorf("%w: index %d, size %d", ErrIndexOutOfRange, p.Index, size(b))
	}
	offset, n := leafValueOffset(b, int(p.Index))
	if n != len(value) {
		return fmt.Errorf("%w: stored value has %d bytes, logged %d", ErrValueSizeMismatch, n, len(value))
	}
	b.PutBytesAt(offset, value)
	return nil
}

func (p *UpdateValuePO) PayloadSize() int {
	return 4 + po.BytesSize(p.PriorValue) + po.BytesSize(p.NewValue)
}

func (p *UpdateValuePO) EncodePayload(e *po.Encoder) {
	e.Int32(p.Index)
	e.Bytes(p.PriorValue)
	e.Bytes(p.NewValue)
}

func (p *UpdateValuePO) DecodePayload(d *po.Decoder) {
	p.Index = d.Int32()
	p.PriorValue = decodeKey(d)
	p.NewValue = decodeKey(d)
	if len(p.PriorValue) != len(p.NewValue) {
		d.Fail("value sizes differ: %d != %d", len(p.PriorValue), len(p.NewValue))
	}
}

type AddNonLeafEntryPO struct {
	Prior      bucketState
	Index      int32
	Key        []byte
	LeftChild  common.PageIndex
	RightChild common.PageIndex

	// With UpdateNeighbors the right child of the previous entry and the
	// left child of the next one are rewritten to point at the new
	// children; their former values are kept for undo.
	UpdateNeighbors bool
	PriorPrevRight  common.PageIndex
	PriorNextLeft   common.PageIndex
}

func (*AddNonLeafEntryPO) Kind() po.Kind { return po.KindSBTreeBucketAddNonLeafEntry }

func (p *AddNonLeafEntryPO) raw() []byte {
	return encodeNonLeafEntry(p.Key, p.LeftChild, p.RightChild)
}

func (p *AddNonLeafEntryPO) hasPrev() bool {
	return p.UpdateNeighbors && p.Index > 0
}

func (p *AddNonLeafEntryPO) hasNext() bool {
	return p.UpdateNeighbors && p.Index < p.Prior.Size
}

func (p *AddNonLeafEntryPO) Redo(b *page.Buffer) error {
	if err := insertEntry(b, false, p.Prior, int(p.Index), p.raw()); err != nil {
		return err
	}
	p.writeNeighbors(b, p.LeftChild, p.RightChild)
	return nil
}

func (p *AddNonLeafEntryPO) Undo(b *page.Buffer) error {
	post := p.Prior.after(1, len(p.raw()))
	if stateOf(b) == post && !isLeaf(b) && position(b, int(p.Index)) == int(post.FreePointer) {
		p.writeNeighbors(b, p.PriorPrevRight, p.PriorNextLeft)
	}
	return removeEntry(b, false, p.Prior, int(p.Index), p.raw())
}

// writeNeighbors expects the new entry to be in place at Index.
func (p *AddNonLeafEntryPO) writeNeighbors(b *page.Buffer, prevRight, nextLeft common.PageIndex) {
	if p.hasPrev() {
		b.PutInt64At(rightChildOffset(b, int(p.Index)-1), int64(prevRight))
	}
	if p.hasNext() {
		b.PutInt64At(leftChildOffset(b, int(p.Index)+1), int64(nextLeft))
	}
}

func (p *AddNonLeafEntryPO) PayloadSize() int {
	return bucketStateSize + 4 + po.BytesSize(p.Key) + 8 + 8 + 1 + 8 + 8
}

func (p *AddNonLeafEntryPO) EncodePayload(e *po.Encoder) {
	p.Prior.encode(e)
	e.Int32(p.Index)
	e.Bytes(p.Key)
	e.Int64(int64(p.LeftChild))
	e.Int64(int64(p.RightChild))
	e.Bool(p.UpdateNeighbors)
	e.Int64(int64(p.PriorPrevRight))
	e.Int64(int64(p.PriorNextLeft))
}

func (p *AddNonLeafEntryPO) DecodePayload(d *po.Decoder) {
	p.Prior.decode(d)
	p.Index = d.Int32()
	p.Key = decodeKey(d)
	p.LeftChild = common.PageIndex(d.Int64())
	p.RightChild = common.PageIndex(d.Int64())
	p.UpdateNeighbors = d.Bool()
	p.PriorPrevRight = common.PageIndex(d.Int64())
	p.PriorNextLeft = common.PageIndex(d.Int64())
	if p.Index < 0 || p.Index > p.Prior.Size {
		d.Fail("insert index %d, size %d", p.Index, p.Prior.Size)
	}
}

// AddAllPO appends entries to a bucket that receives the upper half of a
// split.
type AddAllPO struct {
	Prior   bucketState
	IsLeaf  bool
	Entries [][]byte
}

func (*AddAllPO) Kind() po.Kind { return po.KindSBTreeBucketAddAll }

func (p *AddAllPO) totalSize() int {
	n := 0
	for _, raw := range p.Entries {
		n += len(raw)
	}
	return n
}

func (p *AddAllPO) Redo(b *page.Buffer) error {
	applied, err := transition(b, p.IsLeaf, p.Prior, p.Prior.after(len(p.Entries), p.totalSize()))
	if err != nil || applied {
		return err
	}
	for _, raw := range p.Entries {
		insertAt(b, size(b), raw)
	}
	return nil
}

func (p *AddAllPO) Undo(b *page.Buffer) error {
	post := p.Prior.after(len(p.Entries), p.totalSize())
	applied, err := transition(b, p.IsLeaf, post, p.Prior)
	if err != nil || applied {
		return err
	}
	for i := len(p.Entries) - 1; i >= 0; i-- {
		index := int(p.Prior.Size) + i
		if err := checkEntryAt(b, index, freePointer(b), p.Entries[i]); err != nil {
			return err
		}
		removeAt(b, index)
	}
	return nil
}

func (p *AddAllPO) PayloadSize() int {
	n := bucketStateSize + 1 + 4
	for _, raw := range p.Entries {
		n += po.BytesSize(raw)
	}
	return n
}

func (p *AddAllPO) EncodePayload(e *po.Encoder) {
	p.Prior.encode(e)
	e.Bool(p.IsLeaf)
	e.Int32(int32(len(p.Entries)))
	for _, raw := range p.Entries {
		e.Bytes(raw)
	}
}

func (p *AddAllPO) DecodePayload(d *po.Decoder) {
	p.Prior.decode(d)
	p.IsLeaf = d.Bool()
	n := d.Int32()
	if n < 0 {
		d.Fail("negative entry count %d", n)
		return
	}
	p.Entries = nil
	for range n {
		raw := d.Bytes()
		if d.Err() != nil {
			return
		}
		if !validEntry(raw, p.IsLeaf) {
			d.Fail("malformed entry of %d bytes", len(raw))
			return
		}
		p.Entries = append(p.Entries, raw)
	}
}

// ShrunkEntry is one entry cut off by Shrink.
type ShrunkEntry struct {
	Offset int32
	Entry  []byte
}

// ShrinkPO cuts the tail of a bucket that gave its upper half away in a
// split. Removed holds the entries in removal order, last entry first.
type ShrinkPO struct {
	Prior   bucketState
	IsLeaf  bool
	Removed []ShrunkEntry
}

func (*ShrinkPO) Kind() po.Kind { return po.KindSBTreeBucketShrink }

func (p *ShrinkPO) post() bucketState {
	n := 0
	for _, e := range p.Removed {
		n += len(e.Entry)
	}
	return p.Prior.after(-len(p.Removed), -n)
}

func (p *ShrinkPO) Redo(b *page.Buffer) error {
	applied, err := transition(b, p.IsLeaf, p.Prior, p.post())
	if err != nil || applied {
		return err
	}
	for _, e := range p.Removed {
		last := size(b) - 1
		if err := checkEntryAt(b, last, int(e.Offset), e.Entry); err != nil {
			return err
		}
		removeAt(b, last)
	}
	return nil
}

func (p *ShrinkPO) Undo(b *page.Buffer) error {
	applied, err := transition(b, p.IsLeaf, p.post(), p.Prior)
	if err != nil || applied {
		return err
	}
	for i := len(p.Removed) - 1; i >= 0; i-- {
		e := p.Removed[i]
		if int(e.Offset) < freePointer(b)-len(e.Entry) || int(e.Offset)+len(e.Entry) > b.Capacity() {
			return fmt.Errorf("%w: entry can't return to %d", ErrPageState, e.Offset)
		}
		restoreAt(b, size(b), int(e.Offset), e.Entry)
	}
	return nil
}

func (p *ShrinkPO) PayloadSize() int {
	n := bucketStateSize + 1 + 4
	for _, e := range p.Removed {
		n += 4 + po.BytesSize(e.Entry)
	}
	return n
}

func (p *ShrinkPO) EncodePayload(e *po.Encoder) {
	p.Prior.encode(e)
	e.Bool(p.IsLeaf)
	e.Int32(int32(len(p.Removed)))
	for _, r := range p.Removed {
		e.Int32(r.Offset)
		e.Bytes(r.Entry)
	}
}

func (p *ShrinkPO) DecodePayload(d *po.Decoder) {
	p.Prior.decode(d)
	p.IsLeaf = d.Bool()
	n := d.Int32()
	if n < 0 || n > p.Prior.Size {
		d.Fail("%d entries removed from %d", n, p.Prior.Size)
		return
	}
	p.Removed = nil
	for range n {
		var r ShrunkEntry
		r.Offset = d.Int32()
		r.Entry = d.Bytes()
		if d.Err() != nil {
			return
		}
		if !validEntry(r.Entry, p.IsLeaf) {
			d.Fail("malformed entry of %d bytes", len(r.Entry))
			return
		}
		p.Removed = append(p.Removed, r)
	}
}
