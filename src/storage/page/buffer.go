package page

import (
	"encoding/binary"

	"github.com/Blackdeer1524/bucketlog/src/pkg/assert"
)

// Buffer is a cursor over bytes it does not own. Duplicates of one block
// share the bytes and keep separate position and limit.
type Buffer struct {
	data     []byte
	position int
	limit    int
}

func NewBuffer(data []byte) *Buffer {
	return &Buffer{
		data:  data,
		limit: len(data),
	}
}

func (b *Buffer) Duplicate() *Buffer {
	return &Buffer{
		data:     b.data,
		position: b.position,
		limit:    b.limit,
	}
}

func (b *Buffer) Capacity() int {
	return len(b.data)
}

func (b *Buffer) Position() int {
	return b.position
}

func (b *Buffer) SetPosition(pos int) {
	assert.Assert(pos >= 0 && pos <= b.limit, "position %d is out of [0, %d]", pos, b.limit)
	b.position = pos
}

func (b *Buffer) Limit() int {
	return b.limit
}

func (b *Buffer) SetLimit(limit int) {
	assert.Assert(limit >= 0 && limit <= len(b.data), "limit %d is out of [0, %d]", limit, len(b.data))
	b.limit = limit
	if b.position > limit {
		b.position = limit
	}
}

func (b *Buffer) Remaining() int {
	return b.limit - b.position
}

func (b *Buffer) Rewind() {
	b.position = 0
}

// Put copies the remaining bytes of src into b and advances both cursors.
func (b *Buffer) Put(src *Buffer) {
	n := src.Remaining()
	assert.Assert(n <= b.Remaining(), "buffer overflow: %d > %d", n, b.Remaining())

	copy(b.data[b.position:], src.data[src.position:src.limit])
	b.position += n
	src.position += n
}

func (b *Buffer) PutBytes(src []byte) {
	assert.Assert(len(src) <= b.Remaining(), "buffer overflow: %d > %d", len(src), b.Remaining())
	copy(b.data[b.position:], src)
	b.position += len(src)
}

func (b *Buffer) GetBytes(dst []byte) {
	assert.Assert(len(dst) <= b.Remaining(), "buffer underflow: %d > %d", len(dst), b.Remaining())
	copy(dst, b.data[b.position:])
	b.position += len(dst)
}

func (b *Buffer) check(offset, n int) {
	assert.Assert(
		offset >= 0 && n >= 0 && offset+n <= b.limit,
		"access [%d, %d) is out of limit %d",
		offset,
		offset+n,
		b.limit,
	)
}

func (b *Buffer) Uint8At(offset int) uint8 {
	b.check(offset, 1)
	return b.data[offset]
}

func (b *Buffer) PutUint8At(offset int, v uint8) {
	b.check(offset, 1)
	b.data[offset] = v
}

func (b *Buffer) Uint16At(offset int) uint16 {
	b.check(offset, 2)
	return binary.BigEndian.Uint16(b.data[offset:])
}

func (b *Buffer) PutUint16At(offset int, v uint16) {
	b.check(offset, 2)
	binary.BigEndian.PutUint16(b.data[offset:], v)
}

func (b *Buffer) Int32At(offset int) int32 {
	b.check(offset, 4)
	return int32(binary.BigEndian.Uint32(b.data[offset:]))
}

func (b *Buffer) PutInt32At(offset int, v int32) {
	b.check(offset, 4)
	binary.BigEndian.PutUint32(b.data[offset:], uint32(v))
}

func (b *Buffer) Int64At(offset int) int64 {
	b.check(offset, 8)
	return int64(binary.BigEndian.Uint64(b.data[offset:]))
}

func (b *Buffer) PutInt64At(offset int, v int64) {
	b.check(offset, 8)
	binary.BigEndian.PutUint64(b.data[offset:], uint64(v))
}

// BytesAt returns a copy of n bytes starting at offset.
func (b *Buffer) BytesAt(offset, n int) []byte {
	b.check(offset, n)
	res := make([]byte, n)
	copy(res, b.data[offset:offset+n])
	return res
}

func (b *Buffer) PutBytesAt(offset int, src []byte) {
	b.check(offset, len(src))
	copy(b.data[offset:], src)
}

// Move copies n bytes from src to dst. The regions may overlap.
func (b *Buffer) Move(dst, src, n int) {
	b.check(dst, n)
	b.check(src, n)
	copy(b.data[dst:dst+n], b.data[src:src+n])
}

func (b *Buffer) Zero(offset, n int) {
	b.check(offset, n)
	clear(b.data[offset : offset+n])
}

// Snapshot returns a copy of the whole block, ignoring position and limit.
func (b *Buffer) Snapshot() []byte {
	res := make([]byte, len(b.data))
	copy(res, b.data)
	return res
}
