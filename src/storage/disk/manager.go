package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/bucketlog/src/pkg/assert"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
)

var (
	ErrNoSuchPage  = errors.New("no such page")
	ErrCorruptPage = errors.New("page checksum mismatch")
)

// logger is the part of the write-ahead log a page write depends on: no
// page reaches the disk before the log frames it reflects.
type logger interface {
	GetFlushLSN() common.LSN
	Flush() error
}

type noOpLogger struct{}

func (noOpLogger) GetFlushLSN() common.LSN { return ^common.LSN(0) }
func (noOpLogger) Flush() error { return nil }

var (
	_ logger             = noOpLogger{}
	_ common.DiskManager = &Manager{}
)

// Manager stores the pages of every file back to back in one file per
// file id.
type Manager struct {
	fs       afero.Fs
	dir      string
	pageSize int

	mu           sync.RWMutex
	fileIDToPath map[common.FileID]string
	logger       logger
}

func New(fs afero.Fs, dir string, pageSize int) *Manager {
	assert.Assert(pageSize > page.NextFreePosition, "page size %d is too small", pageSize)

	return &Manager{
		fs:           fs,
		dir:          dir,
		pageSize:     pageSize,
		fileIDToPath: map[common.FileID]string{},
		logger:       noOpLogger{},
	}
}

// SetLogger makes page writes flush the log first when the page carries
// an LSN the log hasn't persisted yet.
func (m *Manager) SetLogger(l logger) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger = l
}

func (m *Manager) PageSize() int {
	return m.pageSize
}

func (m *Manager) InsertToFileMap(id common.FileID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileIDToPath[id] = path
}

func (m *Manager) path(fileID common.FileID) string {
	if path, ok := m.fileIDToPath[fileID]; ok {
		return path
	}
	return filepath.Join(m.dir, fmt.Sprintf("file_%d.dat", fileID))
}

func (m *Manager) offset(pageIdent common.PageIdentity) (int64, error) {
	if pageIdent.PageIndex < 0 {
		return 0, fmt.Errorf("%w: negative index in %s", ErrNoSuchPage, pageIdent)
	}
	//nolint:gosec
	return int64(pageIdent.PageIndex) * int64(m.pageSize), nil
}

func (m *Manager) ReadPage(ctx context.Context, pageIdent common.PageIdentity, dst []byte) error {
	assert.Assert(len(dst) == m.pageSize, "buffer of %d bytes for page of %d", len(dst), m.pageSize)
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	offset, err := m.offset(pageIdent)
	if err != nil {
		return err
	}

	file, err := m.fs.Open(filepath.Clean(m.path(pageIdent.FileID)))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNoSuchPage, pageIdent)
	} else if err != nil {
		return fmt.Errorf("failed to open file of %s: %w", pageIdent, err)
	}
	defer file.Close()

	_, err = file.ReadAt(dst, offset)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s", ErrNoSuchPage, pageIdent)
	} else if err != nil {
		return fmt.Errorf("failed to read %s: %w", pageIdent, err)
	}

	if !page.Verify(dst) {
		return fmt.Errorf("%w: %s", ErrCorruptPage, pageIdent)
	}
	return nil
}

// WritePage seals a copy of src and writes it in place. src itself is
// left untouched.
func (m *Manager) WritePage(ctx context.Context, pageIdent common.PageIdentity, src []byte) error {
	assert.Assert(len(src) == m.pageSize, "buffer of %d bytes for page of %d", len(src), m.pageSize)
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	offset, err := m.offset(pageIdent)
	if err != nil {
		return err
	}

	data := make([]byte, len(src))
	copy(data, src)
	if page.GetLSN(page.NewBuffer(data)) > m.logger.GetFlushLSN() {
		if err := m.logger.Flush(); err != nil {
			return fmt.Errorf("failed to flush log before %s: %w", pageIdent, err)
		}
	}
	page.Seal(data)

	path := filepath.Clean(m.path(pageIdent.FileID))
	if err := m.fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create directory of %s: %w", path, err)
	}

	file, err := m.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	if _, err = file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write at file %s: %w", path, err)
	}
	return file.Sync()
}

// PageCount returns the number of whole pages stored for the file.
func (m *Manager) PageCount(fileID common.FileID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, err := m.fs.Stat(m.path(fileID))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to stat file %d: %w", fileID, err)
	}
	return info.Size() / int64(m.pageSize), nil
}
