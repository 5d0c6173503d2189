package bufferpool

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"
)

type MockDiskManager struct {
	mock.Mock
}

var _ common.DiskManager = &MockDiskManager{}

func (m *MockDiskManager) ReadPage(ctx context.Context, pageIdent common.PageIdentity, dst []byte) error {
	args := m.Called(ctx, pageIdent, dst)
	return args.Error(0)
}

func (m *MockDiskManager) WritePage(ctx context.Context, pageIdent common.PageIdentity, src []byte) error {
	args := m.Called(ctx, pageIdent, src)
	return args.Error(0)
}

func (m *MockDiskManager) PageCount(fileID common.FileID) (int64, error) {
	args := m.Called(fileID)
	return args.Get(0).(int64), args.Error(1)
}

type MockReplacer struct {
	mock.Mock
}

var _ Replacer = &MockReplacer{}

func (m *MockReplacer) Pin(pageIdent common.PageIdentity) {
	m.Called(pageIdent)
}

func (m *MockReplacer) Unpin(pageIdent common.PageIdentity) {
	m.Called(pageIdent)
}

func (m *MockReplacer) ChooseVictim() (common.PageIdentity, error) {
	args := m.Called()
	return args.Get(0).(common.PageIdentity), args.Error(1)
}

func (m *MockReplacer) GetSize() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}

type MockLogger struct {
	mock.Mock
}

var _ Logger = &MockLogger{}

func (m *MockLogger) AppendRecords(records []*po.Record) (common.LSN, error) {
	args := m.Called(records)
	return args.Get(0).(common.LSN), args.Error(1)
}
