package page

import (
	"hash/crc32"

	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
)

// Every durable page starts with this header. Layouts built on top of it
// begin at NextFreePosition.
const (
	MagicNumberOffset = 0
	CRC32Offset       = MagicNumberOffset + 8
	WALSegmentOffset  = CRC32Offset + 4
	WALPositionOffset = WALSegmentOffset + 8
	NextFreePosition  = WALPositionOffset + 8
)

const MagicNumber = int64(0xFACB03FE)

// GetLSN returns the LSN of the last log frame applied to the page. It is
// kept as the log segment and the position inside it.
func GetLSN(b *Buffer) common.LSN {
	segment := uint64(b.Int64At(WALSegmentOffset))
	position := uint64(b.Int64At(WALPositionOffset))
	return common.LSN(segment<<32 | position)
}

func SetLSN(b *Buffer, lsn common.LSN) {
	b.PutInt64At(WALSegmentOffset, int64(lsn.Segment()))
	b.PutInt64At(WALPositionOffset, int64(lsn.Position()))
}

// Seal stamps the magic number and the checksum of everything past the
// checksum field. It is called right before a page goes to disk.
func Seal(data []byte) {
	b := NewBuffer(data)
	b.PutInt64At(MagicNumberOffset, MagicNumber)
	b.PutInt32At(CRC32Offset, int32(crc32.ChecksumIEEE(data[WALSegmentOffset:])))
}

// Verify reports whether a page read from disk is intact. Pages that were
// never sealed (all zero) are accepted.
func Verify(data []byte) bool {
	b := NewBuffer(data)
	magic := b.Int64At(MagicNumberOffset)
	if magic == 0 && b.Int32At(CRC32Offset) == 0 {
		return true
	}
	if magic != MagicNumber {
		return false
	}
	return uint32(b.Int32At(CRC32Offset)) == crc32.ChecksumIEEE(data[WALSegmentOffset:])
}
