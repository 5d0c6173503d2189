package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"
)

// Every frame is [frameLen:4][crc32:4][frameType:1][body]. frameLen
// counts the type byte and the body, the checksum covers the same bytes.
const frameHeaderSize = 4 + 4

type FrameType uint8

const (
	FrameOperation FrameType = iota + 1
	FrameCommit
	FrameRollback
)

func (t FrameType) String() string {
	switch t {
	case FrameOperation:
		return "operation"
	case FrameCommit:
		return "commit"
	case FrameRollback:
		return "rollback"
	default:
		return fmt.Sprintf("FrameType(%d)", uint8(t))
	}
}

// Frame is one decoded log entry. Record is set for operation frames,
// Unit for every frame.
type Frame struct {
	Type   FrameType
	LSN    common.LSN
	Unit   common.OperationUnitID
	Record *po.Record
}

func operationBody(r *po.Record) []byte {
	return r.Marshal()
}

func unitBody(unit common.OperationUnitID) []byte {
	body := make([]byte, common.OperationUnitIDSize)
	copy(body, unit[:])
	return body
}

func appendFrame(dst []byte, t FrameType, body []byte) []byte {
	payload := make([]byte, 0, 1+len(body))
	payload = append(payload, byte(t))
	payload = append(payload, body...)

	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	dst = binary.BigEndian.AppendUint32(dst, crc32.ChecksumIEEE(payload))
	return append(dst, payload...)
}

func frameSize(body []byte) int {
	return frameHeaderSize + 1 + len(body)
}

// decodeFrame parses the type byte and the body of a frame whose
// checksum was already verified.
func decodeFrame(payload []byte) (Frame, error) {
	if len(payload) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", po.ErrCorruptRecord)
	}

	f := Frame{Type: FrameType(payload[0])}
	body := payload[1:]

	switch f.Type {
	case FrameOperation:
		r, next, err := po.Decode(body, 0)
		if err != nil {
			return Frame{}, err
		}
		if next != len(body) {
			return Frame{}, fmt.Errorf(
				"%w: %d trailing bytes after %s",
				po.ErrCorruptRecord,
				len(body)-next,
				r.Kind(),
			)
		}
		f.Record = r
		f.Unit = r.OperationUnitID()
	case FrameCommit, FrameRollback:
		if len(body) != common.OperationUnitIDSize {
			return Frame{}, fmt.Errorf("%w: %s body of %d bytes", po.ErrCorruptRecord, f.Type, len(body))
		}
		copy(f.Unit[:], body)
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame type %d", po.ErrCorruptRecord, f.Type)
	}
	return f, nil
}
