package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/bucketlog/src"
	"github.com/Blackdeer1524/bucketlog/src/bufferpool"
	"github.com/Blackdeer1524/bucketlog/src/directmemory"
	"github.com/Blackdeer1524/bucketlog/src/pkg/config"
	"github.com/Blackdeer1524/bucketlog/src/recovery"
	"github.com/Blackdeer1524/bucketlog/src/storage/disk"
	"github.com/Blackdeer1524/bucketlog/src/txns"
	"github.com/Blackdeer1524/bucketlog/src/wal"

	_ "github.com/Blackdeer1524/bucketlog/src/sbtree"
)

const CloseTimeout = 15 * time.Second

// Store is a page store brought back to a consistent state: opening it
// replays the log before any page is handed out.
type Store struct {
	cfg config.Config
	log src.Logger

	wal       *wal.Log
	blocks    *directmemory.Pool
	pool      *bufferpool.Manager
	units     *txns.Manager
	recovered recovery.Report
}

func Open(
	ctx context.Context,
	fs afero.Fs,
	cfg config.Config,
	log src.Logger,
	blockOpts ...directmemory.Option,
) (*Store, error) {
	walLog, err := wal.Open(ctx, fs, cfg.WALDir, cfg.WALSegmentSize, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open the log: %w", err)
	}

	diskManager := disk.New(fs, cfg.DataDir, cfg.PageSize)
	diskManager.SetLogger(walLog)

	opts := append([]directmemory.Option{
		directmemory.WithMaxPages(cfg.MaxPages),
		directmemory.WithLogger(log),
	}, blockOpts...)
	blocks := directmemory.New(cfg.PageSize, opts...)

	pool := bufferpool.New(
		cfg.CachePages,
		bufferpool.NewLRUReplacer(cfg.CachePages),
		diskManager,
		blocks,
		log,
	)
	pool.SetLogger(walLog)

	s := &Store{
		cfg:    cfg,
		log:    log,
		wal:    walLog,
		blocks: blocks,
		pool:   pool,
		units:  txns.NewManager(pool, walLog, log),
	}

	reader, err := wal.NewReader(ctx, fs, cfg.WALDir)
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	s.recovered, err = recovery.Recover(ctx, reader, pool, recovery.Options{
		Workers: min(cfg.RecoveryWorkers, int(cfg.CachePages)),
		Log:     walLog,
		Logger:  log,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("recovery failed: %w", err), s.Close())
	}

	log.Infow(
		"store opened",
		"data", cfg.DataDir,
		"wal", cfg.WALDir,
		"redone", s.recovered.Redone,
		"undone", s.recovered.Undone,
	)
	return s, nil
}

func (s *Store) Pages() *bufferpool.Manager {
	return s.pool
}

func (s *Store) Begin() *txns.Unit {
	return s.units.Begin()
}

func (s *Store) Recovered() recovery.Report {
	return s.recovered
}

func (s *Store) Blocks() directmemory.Stats {
	return s.blocks.Stats()
}

// Close flushes every page, closes the log and gives the memory back. It
// fails while operation units are still running.
func (s *Store) Close() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
	defer cancel()

	if active := s.units.Active(); active > 0 {
		return fmt.Errorf("%d operation units are still running", active)
	}

	err = s.pool.Close(ctx)
	err = errors.Join(err, s.wal.Close())
	if err == nil {
		err = s.blocks.Clear()
	}

	if err != nil {
		s.log.Errorw("failed to close store", "error", err)
	}
	if logErr := s.log.Sync(); logErr != nil {
		err = errors.Join(err, logErr)
	}
	return err
}
