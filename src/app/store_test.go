package app

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/bucketlog/src"
	"github.com/Blackdeer1524/bucketlog/src/directmemory"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/pkg/config"
	"github.com/Blackdeer1524/bucketlog/src/sbtree"
)

func testConfig() config.Config {
	return config.Config{
		Environment:     config.EnvDev,
		PageSize:        1024,
		CachePages:      4,
		DataDir:         "/data",
		WALDir:          "/wal",
		WALSegmentSize:  4096,
		RecoveryWorkers: 2,
	}
}

func open(t *testing.T, fs afero.Fs) *Store {
	s, err := Open(
		context.Background(),
		fs,
		testConfig(),
		src.NoLogs(),
		directmemory.WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	return s
}

func writeKeys(t *testing.T, s *Store, keys ...string) common.PageIdentity {
	ctx := context.Background()

	entry, err := s.Pages().NewPage(ctx, 1)
	require.NoError(t, err)
	ident := entry.Identity()
	require.NoError(t, s.Pages().Unpin(ident))

	u := s.Begin()
	entry, err = u.Page(ctx, ident)
	require.NoError(t, err)
	b := sbtree.NewBucket(entry)
	b.Init(true)
	for i, k := range keys {
		ok, err := b.AddLeafEntry(i, []byte(k), []byte("v"))
		require.NoError(t, err)
		require.True(t, ok)
	}
	_, err = u.Commit()
	require.NoError(t, err)
	return ident
}

func readKeys(t *testing.T, s *Store, ident common.PageIdentity) []string {
	entry, err := s.Pages().GetPage(context.Background(), ident)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Pages().Unpin(ident)) }()

	entry.RLock()
	defer entry.RUnlock()
	b := sbtree.NewBucket(entry)
	var keys []string
	for i := range b.Size() {
		k, err := b.GetKey(i)
		require.NoError(t, err)
		keys = append(keys, string(k))
	}
	return keys
}

func TestReopenAfterClose(t *testing.T) {
	fs := afero.NewMemMapFs()

	s := open(t, fs)
	assert.Equal(t, 0, s.Recovered().Redone)
	ident := writeKeys(t, s, "a", "b")
	require.NoError(t, s.Close())

	s = open(t, fs)
	assert.Zero(t, s.Recovered().Redone)
	assert.Equal(t, 1, s.Recovered().Committed)
	assert.Equal(t, []string{"a", "b"}, readKeys(t, s, ident))
	require.NoError(t, s.Close())
	assert.Zero(t, s.Blocks().Allocated)
}

func TestReopenAfterCrash(t *testing.T) {
	fs := afero.NewMemMapFs()

	s := open(t, fs)
	ident := writeKeys(t, s, "x", "y", "z")
	// no Close: the page only lives in the log

	s = open(t, fs)
	assert.Equal(t, 4, s.Recovered().Redone)
	assert.Equal(t, []string{"x", "y", "z"}, readKeys(t, s, ident))
	require.NoError(t, s.Close())
}

func TestCloseWithRunningUnit(t *testing.T) {
	s := open(t, afero.NewMemMapFs())

	u := s.Begin()
	require.Error(t, s.Close())
	require.NoError(t, u.Rollback())
	require.NoError(t, s.Close())
}
