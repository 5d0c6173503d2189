package wal

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"
)

// nextPayload returns the verified type and body of the frame at
// position and the position after it. A nil payload with a nil error means
// the data ends at position. When tolerateTail is set an incomplete frame
// counts as the end too, and so does a last frame failing its checksum:
// its length reached the file but its body didn't.
func nextPayload(data []byte, position int, tolerateTail bool) ([]byte, int, error) {
	rest := len(data) - position
	if rest == 0 {
		return nil, position, nil
	}
	if rest < frameHeaderSize {
		if tolerateTail {
			return nil, position, nil
		}
		return nil, position, fmt.Errorf("%w: %d stray bytes at %d", po.ErrCorruptRecord, rest, position)
	}

	length := int(binary.BigEndian.Uint32(data[position:]))
	sum := binary.BigEndian.Uint32(data[position+4:])
	if length == 0 || length > rest-frameHeaderSize {
		if tolerateTail {
			return nil, position, nil
		}
		return nil, position, fmt.Errorf("%w: frame of %d bytes at %d is cut", po.ErrCorruptRecord, length, position)
	}

	start := position + frameHeaderSize
	payload := data[start : start+length]
	if crc32.ChecksumIEEE(payload) != sum {
		if tolerateTail && start+length == len(data) {
			return nil, position, nil
		}
		return nil, position, fmt.Errorf("%w: checksum mismatch at %d", po.ErrCorruptRecord, position)
	}
	return payload, start + length, nil
}

// Reader iterates over the frames of every segment in log order.
type Reader struct {
	ctx      context.Context
	fs       afero.Fs
	dir      string
	segments []uint32

	current  int
	data     []byte
	position int
}

func NewReader(ctx context.Context, fs afero.Fs, dir string) (*Reader, error) {
	segments, err := listSegments(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list log segments: %w", err)
	}
	return &Reader{
		ctx:      ctx,
		fs:       fs,
		dir:      dir,
		segments: segments,
		current:  -1,
	}, nil
}

func (r *Reader) isLast() bool {
	return r.current == len(r.segments)-1
}

func (r *Reader) load(i int) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(r.dir, segmentName(r.segments[i]))
	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return fmt.Errorf("failed to read segment %s: %w", path, err)
	}

	r.current = i
	r.data = data
	r.position = 0
	return nil
}

// Next returns the next frame, or io.EOF after the last one. A torn frame
// at the end of the last segment ends the log; anything else that fails
// to verify is po.ErrCorruptRecord.
func (r *Reader) Next() (Frame, error) {
	for {
		if r.current < 0 || r.position == len(r.data) {
			if r.current+1 >= len(r.segments) {
				return Frame{}, io.EOF
			}
			if err := r.load(r.current + 1); err != nil {
				return Frame{}, err
			}
			continue
		}

		segment := r.segments[r.current]
		payload, next, err := nextPayload(r.data, r.position, r.isLast())
		if err != nil {
			return Frame{}, fmt.Errorf("segment %d: %w", segment, err)
		}
		if payload == nil {
			r.position = len(r.data)
			if r.isLast() {
				return Frame{}, io.EOF
			}
			continue
		}

		f, err := decodeFrame(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("segment %d at %d: %w", segment, r.position, err)
		}
		f.LSN = common.NewLSN(segment, uint32(next))
		r.position = next
		return f, nil
	}
}

// ReadAll returns every frame of the log in order.
func ReadAll(ctx context.Context, fs afero.Fs, dir string) ([]Frame, error) {
	r, err := NewReader(ctx, fs, dir)
	if err != nil {
		return nil, err
	}

	var frames []Frame
	for {
		f, err := r.Next()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}
