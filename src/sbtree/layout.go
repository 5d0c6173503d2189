package sbtree

import (
	"bytes"
	"math"

	"github.com/Blackdeer1524/bucketlog/src/pkg/assert"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
)

// Bucket layout, version 1. Entries are stored from the end of the page
// towards the positions array; freePointer is the lowest entry byte.
const (
	freePointerOffset     = page.NextFreePosition
	sizeOffset            = freePointerOffset + 4
	isLeafOffset          = sizeOffset + 4
	leftSiblingOffset     = isLeafOffset + 1
	rightSiblingOffset    = leftSiblingOffset + 8
	treeSizeOffset        = rightSiblingOffset + 8
	keySerializerOffset   = treeSizeOffset + 8
	valueSerializerOffset = keySerializerOffset + 1
	freeValuesListOffset  = valueSerializerOffset + 1
	positionsArrayOffset  = freeValuesListOffset + 8
)

const (
	positionSize = 4
	keyLenSize   = 2
	valueLenSize = 2
	childSize    = 8

	leafEntryOverhead    = keyLenSize + valueLenSize
	nonLeafEntryOverhead = 2*childSize + keyLenSize

	maxKeySize = math.MaxUint16
)

// BucketHeaderSize is the number of bytes in front of the positions array.
const BucketHeaderSize = positionsArrayOffset

func positionOffset(i int) int {
	return positionsArrayOffset + i*positionSize
}

func freePointer(b *page.Buffer) int {
	return int(b.Int32At(freePointerOffset))
}

func setFreePointer(b *page.Buffer, v int) {
	b.PutInt32At(freePointerOffset, int32(v))
}

func size(b *page.Buffer) int {
	return int(b.Int32At(sizeOffset))
}

func setSize(b *page.Buffer, v int) {
	b.PutInt32At(sizeOffset, int32(v))
}

func isLeaf(b *page.Buffer) bool {
	return b.Uint8At(isLeafOffset) != 0
}

func setIsLeaf(b *page.Buffer, v bool) {
	var raw uint8
	if v {
		raw = 1
	}
	b.PutUint8At(isLeafOffset, raw)
}

func position(b *page.Buffer, i int) int {
	return int(b.Int32At(positionOffset(i)))
}

func setPosition(b *page.Buffer, i, v int) {
	b.PutInt32At(positionOffset(i), int32(v))
}

func freeSpace(b *page.Buffer) int {
	return freePointer(b) - positionOffset(size(b))
}

// initBucket zeroes everything past the durable header and writes an
// empty bucket header.
func initBucket(b *page.Buffer, leaf bool) {
	b.Zero(freePointerOffset, b.Capacity()-freePointerOffset)

	setFreePointer(b, b.Capacity())
	setSize(b, 0)
	setIsLeaf(b, leaf)
	b.PutInt64At(leftSiblingOffset, int64(common.NilPageIndex))
	b.PutInt64At(rightSiblingOffset, int64(common.NilPageIndex))
	b.PutInt64At(treeSizeOffset, 0)
	b.PutUint8At(keySerializerOffset, 0)
	b.PutUint8At(valueSerializerOffset, 0)
	b.PutInt64At(freeValuesListOffset, -1)
}

// entrySizeAt returns the length of the entry stored at offset.
func entrySizeAt(b *page.Buffer, offset int) int {
	if isLeaf(b) {
		keyLen := int(b.Uint16At(offset))
		valueLen := int(b.Uint16At(offset + keyLenSize + keyLen))
		return leafEntryOverhead + keyLen + valueLen
	}
	keyLen := int(b.Uint16At(offset + 2*childSize))
	return nonLeafEntryOverhead + keyLen
}

func rawEntry(b *page.Buffer, i int) (offset int, raw []byte) {
	offset = position(b, i)
	return offset, b.BytesAt(offset, entrySizeAt(b, offset))
}

func entryKey(b *page.Buffer, i int) []byte {
	offset := position(b, i)
	if isLeaf(b) {
		keyLen := int(b.Uint16At(offset))
		return b.BytesAt(offset+keyLenSize, keyLen)
	}
	keyLen := int(b.Uint16At(offset + 2*childSize))
	return b.BytesAt(offset+2*childSize+keyLenSize, keyLen)
}

// leafValueOffset returns the offset and length of the value of a leaf
// entry.
func leafValueOffset(b *page.Buffer, i int) (int, int) {
	offset := position(b, i)
	keyLen := int(b.Uint16At(offset))
	valueLenOffset := offset + keyLenSize + keyLen
	return valueLenOffset + valueLenSize, int(b.Uint16At(valueLenOffset))
}

func leftChildOffset(b *page.Buffer, i int) int {
	return position(b, i)
}

func rightChildOffset(b *page.Buffer, i int) int {
	return position(b, i) + childSize
}

func encodeLeafEntry(key, value []byte) []byte {
	raw := make([]byte, leafEntryOverhead+len(key)+len(value))
	buf := page.NewBuffer(raw)
	buf.PutUint16At(0, uint16(len(key)))
	buf.PutBytesAt(keyLenSize, key)
	buf.PutUint16At(keyLenSize+len(key), uint16(len(value)))
	buf.PutBytesAt(leafEntryOverhead+len(key), value)
	return raw
}

func encodeNonLeafEntry(key []byte, left, right common.PageIndex) []byte {
	raw := make([]byte, nonLeafEntryOverhead+len(key))
	buf := page.NewBuffer(raw)
	buf.PutInt64At(0, int64(left))
	buf.PutInt64At(childSize, int64(right))
	buf.PutUint16At(2*childSize, uint16(len(key)))
	buf.PutBytesAt(nonLeafEntryOverhead, key)
	return raw
}

// validEntry reports whether raw is one complete entry of the given
// bucket type.
func validEntry(raw []byte, leaf bool) bool {
	b := page.NewBuffer(raw)
	if leaf {
		if len(raw) < leafEntryOverhead {
			return false
		}
		keyLen := int(b.Uint16At(0))
		if leafEntryOverhead+keyLen > len(raw) {
			return false
		}
		valueLen := int(b.Uint16At(keyLenSize + keyLen))
		return leafEntryOverhead+keyLen+valueLen == len(raw)
	}
	if len(raw) < nonLeafEntryOverhead {
		return false
	}
	return nonLeafEntryOverhead+int(b.Uint16At(2*childSize)) == len(raw)
}

// insertAt places raw at the free pointer and shifts the positions at
// index and above by one slot.
func insertAt(b *page.Buffer, index int, raw []byte) {
	n := size(b)
	assert.Assert(index >= 0 && index <= n, "insert index %d is out of [0, %d]", index, n)
	assert.Assert(len(raw)+positionSize <= freeSpace(b), "entry of %d bytes doesn't fit", len(raw))

	offset := freePointer(b) - len(raw)
	b.PutBytesAt(offset, raw)

	b.Move(positionOffset(index+1), positionOffset(index), (n-index)*positionSize)
	setPosition(b, index, offset)
	setSize(b, n+1)
	setFreePointer(b, offset)
}

// removeAt deletes the entry at index. Entries stored below it move up
// so the free space stays contiguous, and every vacated byte is zeroed.
// It returns the offset and the bytes of the removed entry.
func removeAt(b *page.Buffer, index int) (int, []byte) {
	n := size(b)
	assert.Assert(index >= 0 && index < n, "remove index %d is out of [0, %d)", index, n)

	offset, raw := rawEntry(b, index)
	entrySize := len(raw)
	free := freePointer(b)

	b.Move(free+entrySize, free, offset-free)
	b.Zero(free, entrySize)

	for i := range n {
		if p := position(b, i); p < offset {
			setPosition(b, i, p+entrySize)
		}
	}
	b.Move(positionOffset(index), positionOffset(index+1), (n-index-1)*positionSize)
	b.Zero(positionOffset(n-1), positionSize)

	setSize(b, n-1)
	setFreePointer(b, free+entrySize)
	return offset, raw
}

// restoreAt is the exact inverse of removeAt: raw goes back to offset and
// the entries that were moved up return to their former places.
func restoreAt(b *page.Buffer, index, offset int, raw []byte) {
	n := size(b)
	assert.Assert(index >= 0 && index <= n, "restore index %d is out of [0, %d]", index, n)

	entrySize := len(raw)
	free := freePointer(b)
	assert.Assert(
		free-entrySize >= positionOffset(n+1) && offset >= free-entrySize,
		"entry of %d bytes can't be restored at %d",
		entrySize,
		offset,
	)

	b.Move(free-entrySize, free, offset+entrySize-free)
	b.PutBytesAt(offset, raw)

	for i := range n {
		if p := position(b, i); p < offset+entrySize {
			setPosition(b, i, p-entrySize)
		}
	}
	b.Move(positionOffset(index+1), positionOffset(index), (n-index)*positionSize)
	setPosition(b, index, offset)

	setSize(b, n+1)
	setFreePointer(b, free-entrySize)
}

// search returns the position of key among the sorted entries and
// whether it is present.
func search(b *page.Buffer, key []byte) (int, bool) {
	lo, hi := 0, size(b)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		switch c := bytes.Compare(entryKey(b, mid), key); {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}
