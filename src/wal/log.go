package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/bucketlog/src"
	"github.com/Blackdeer1524/bucketlog/src/pkg/assert"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"
)

const segmentPattern = "wal_%08d.log"

func segmentName(segment uint32) string {
	return fmt.Sprintf(segmentPattern, segment)
}

// listSegments returns the segment numbers found in dir in ascending
// order.
func listSegments(fs afero.Fs, dir string) ([]uint32, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, err
	}

	var segments []uint32
	for _, info := range infos {
		var segment uint32
		if info.IsDir() {
			continue
		}
		if _, err := fmt.Sscanf(info.Name(), segmentPattern, &segment); err != nil {
			continue
		}
		if info.Name() != segmentName(segment) {
			continue
		}
		segments = append(segments, segment)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	return segments, nil
}

// Log appends frames to numbered segment files. A frame never spans two
// segments; a segment is closed once the next frame would overflow it.
type Log struct {
	fs          afero.Fs
	dir         string
	segmentSize int64
	log         src.Logger

	mu       sync.Mutex
	segment  uint32
	file     afero.File
	position int64
	written  common.LSN

	flushed atomic.Uint64
}

// Open continues the log found in dir or starts a new one. A torn frame
// at the end of the last segment is cut off.
func Open(
	ctx context.Context,
	fs afero.Fs,
	dir string,
	segmentSize int64,
	log src.Logger,
) (*Log, error) {
	assert.Assert(segmentSize > frameHeaderSize, "segment size %d is too small", segmentSize)
	assert.Assert(segmentSize <= 1<<32-1, "segment size %d doesn't fit an LSN", segmentSize)

	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	segments, err := listSegments(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list log segments: %w", err)
	}

	l := &Log{
		fs:          fs,
		dir:         dir,
		segmentSize: segmentSize,
		log:         log,
	}

	if len(segments) == 0 {
		if err := l.openSegment(0, 0); err != nil {
			return nil, err
		}
		log.Infow("started new log", "dir", dir)
		return l, nil
	}

	last := segments[len(segments)-1]
	end, err := validEnd(ctx, fs, filepath.Join(dir, segmentName(last)))
	if err != nil {
		return nil, err
	}
	if err := l.openSegment(last, end); err != nil {
		return nil, err
	}
	l.written = common.NewLSN(last, uint32(end))
	l.flushed.Store(uint64(l.written))

	log.Infow("reopened log", "dir", dir, "segment", last, "position", end)
	return l, nil
}

// validEnd returns the position right after the last whole frame of the
// segment.
func validEnd(ctx context.Context, fs afero.Fs, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return 0, fmt.Errorf("failed to read segment %s: %w", path, err)
	}

	var position int
	for {
		payload, next, err := nextPayload(data, position, true)
		if err != nil {
			return 0, fmt.Errorf("segment %s: %w", path, err)
		}
		if payload == nil {
			return int64(position), nil
		}
		position = next
	}
}

func (l *Log) openSegment(segment uint32, position int64) error {
	path := filepath.Join(l.dir, segmentName(segment))
	file, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	if err := file.Truncate(position); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to truncate segment %s to %d: %w", path, position, err)
	}

	l.segment = segment
	l.file = file
	l.position = position
	return nil
}

func (l *Log) rollAssumeLocked() error {
	if err := l.file.Sync(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	l.flushed.Store(uint64(l.written))

	if err := l.openSegment(l.segment+1, 0); err != nil {
		return err
	}
	l.log.Debugw("rolled log segment", "segment", l.segment)
	return nil
}

func (l *Log) appendAssumeLocked(t FrameType, body []byte) error {
	size := int64(frameSize(body))
	if l.position > 0 && l.position+size > l.segmentSize {
		if err := l.rollAssumeLocked(); err != nil {
			return err
		}
	}

	frame := appendFrame(make([]byte, 0, size), t, body)
	if _, err := l.file.WriteAt(frame, l.position); err != nil {
		return fmt.Errorf("failed to append to segment %d: %w", l.segment, err)
	}
	l.position += size
	l.written = common.NewLSN(l.segment, uint32(l.position))
	return nil
}

// AppendRecords writes one operation frame per record and returns the
// LSN of the last one.
func (l *Log) AppendRecords(records []*po.Record) (common.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range records {
		if err := l.appendAssumeLocked(FrameOperation, operationBody(r)); err != nil {
			return common.NilLSN, err
		}
	}
	return l.written, nil
}

// AppendCommit marks the operation unit as committed and makes the log
// durable up to the commit frame.
func (l *Log) AppendCommit(unit common.OperationUnitID) (common.LSN, error) {
	return l.appendUnitFrame(FrameCommit, unit)
}

// AppendRollback marks the operation unit as rolled back. Its records
// must have been undone already.
func (l *Log) AppendRollback(unit common.OperationUnitID) (common.LSN, error) {
	return l.appendUnitFrame(FrameRollback, unit)
}

func (l *Log) appendUnitFrame(t FrameType, unit common.OperationUnitID) (common.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendAssumeLocked(t, unitBody(unit)); err != nil {
		return common.NilLSN, err
	}
	if err := l.flushAssumeLocked(); err != nil {
		return common.NilLSN, err
	}
	return l.written, nil
}

func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.flushAssumeLocked()
}

func (l *Log) flushAssumeLocked() error {
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %d: %w", l.segment, err)
	}
	l.flushed.Store(uint64(l.written))
	return nil
}

// GetFlushLSN returns the LSN up to which the log is durable.
func (l *Log) GetFlushLSN() common.LSN {
	return common.LSN(l.flushed.Load())
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushAssumeLocked(); err != nil {
		return err
	}
	return l.file.Close()
}
