package common

import (
	"fmt"

	"github.com/google/uuid"
)

type FileID int64

// PageIndex is a page position inside a file. NilPageIndex marks an
// absent sibling or child.
type PageIndex int64

const NilPageIndex = PageIndex(-1)

// LSN addresses the end of a log frame: the segment number in the high
// half and the byte position inside the segment in the low half.
type LSN uint64

const NilLSN = LSN(0)

func NewLSN(segment uint32, position uint32) LSN {
	return LSN(uint64(segment)<<32 | uint64(position))
}

func (l LSN) Segment() uint32 {
	return uint32(l >> 32)
}

func (l LSN) Position() uint32 {
	return uint32(l)
}

func (l LSN) String() string {
	return fmt.Sprintf("%d/%d", l.Segment(), l.Position())
}

type PageIdentity struct {
	FileID    FileID
	PageIndex PageIndex
}

func (p PageIdentity) String() string {
	return fmt.Sprintf("%d:%d", p.FileID, p.PageIndex)
}

// OperationUnitID identifies the atomic operation (transaction) that
// produced a group of page operation records.
type OperationUnitID uuid.UUID

var NilOperationUnitID = OperationUnitID(uuid.Nil)

const OperationUnitIDSize = 16

func NewOperationUnitID() OperationUnitID {
	return OperationUnitID(uuid.New())
}

func (id OperationUnitID) String() string {
	return uuid.UUID(id).String()
}

func (id OperationUnitID) IsNil() bool {
	return id == NilOperationUnitID
}
