package recovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/panjf2000/ants"

	"github.com/Blackdeer1524/bucketlog/src"
	"github.com/Blackdeer1524/bucketlog/src/pkg/assert"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/storage/cache"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
	"github.com/Blackdeer1524/bucketlog/src/wal"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"
)

const defaultWorkers = 8

var ErrNoRollbackLog = errors.New("unfinished operation units need a log to roll back into")

type FrameReader interface {
	Next() (wal.Frame, error)
}

// PageSource hands out pinned pages. *bufferpool.Manager is one.
type PageSource interface {
	GetPage(ctx context.Context, pageIdent common.PageIdentity) (*cache.Entry, error)
	Unpin(pageIdent common.PageIdentity) error
	FlushAll(ctx context.Context) error
}

type RollbackLog interface {
	AppendRollback(unit common.OperationUnitID) (common.LSN, error)
}

type Options struct {
	// Workers bounds the number of pages replayed at once. It must not
	// exceed the number of frames of the page source.
	Workers int
	Log     RollbackLog
	Logger  src.Logger
}

type Report struct {
	Redone      int
	Compensated int
	Skipped     int
	Undone      int
	Committed   int
	Losers      []common.OperationUnitID
}

type unitStatus uint8

const (
	unitActive unitStatus = iota
	unitCommitted
	unitRolledBack
)

// step is one change of a page in log order. A compensation step undoes
// a record of a unit at the place its rollback frame was logged.
type step struct {
	lsn          common.LSN
	record       *po.Record
	compensation bool
}

type analysis struct {
	operations []step
	byPage     map[common.PageIdentity][]step
	pageOrder  []common.PageIdentity
	byUnit     map[common.OperationUnitID][]step
	units      map[common.OperationUnitID]unitStatus
	unitOrder  []common.OperationUnitID
}

func (a *analysis) addStep(s step) {
	pageIdent := s.record.PageIdentity()
	if _, seen := a.byPage[pageIdent]; !seen {
		a.pageOrder = append(a.pageOrder, pageIdent)
	}
	a.byPage[pageIdent] = append(a.byPage[pageIdent], s)
}

func analyze(ctx context.Context, reader FrameReader) (*analysis, error) {
	a := &analysis{
		byPage: map[common.PageIdentity][]step{},
		byUnit: map[common.OperationUnitID][]step{},
		units:  map[common.OperationUnitID]unitStatus{},
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return a, nil
		}
		if err != nil {
			return nil, fmt.Errorf("couldn't read the log: %w", err)
		}

		if _, seen := a.units[frame.Unit]; !seen {
			a.unitOrder = append(a.unitOrder, frame.Unit)
			a.units[frame.Unit] = unitActive
		}

		switch frame.Type {
		case wal.FrameOperation:
			s := step{lsn: frame.LSN, record: frame.Record}
			a.operations = append(a.operations, s)
			a.byUnit[frame.Unit] = append(a.byUnit[frame.Unit], s)
			a.addStep(s)
		case wal.FrameCommit:
			a.units[frame.Unit] = unitCommitted
		case wal.FrameRollback:
			a.units[frame.Unit] = unitRolledBack

			done := a.byUnit[frame.Unit]
			for i := len(done) - 1; i >= 0; i-- {
				a.addStep(step{lsn: frame.LSN, record: done[i].record, compensation: true})
			}
			delete(a.byUnit, frame.Unit)
		default:
			assert.Assert(false, "unexpected frame type: %s", frame.Type)
		}
	}
}

// Recover brings the pages to the state the log describes. Every logged
// change newer than its page is repeated, rollbacks included. Then the
// units that neither committed nor rolled back are rolled back: a rollback
// frame is logged for each and their records are undone newest first.
func Recover(
	ctx context.Context,
	reader FrameReader,
	pages PageSource,
	opts Options,
) (Report, error) {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = src.NoLogs()
	}
	log := opts.Logger

	a, err := analyze(ctx, reader)
	if err != nil {
		return Report{}, err
	}

	report := Report{}
	for _, unit := range a.unitOrder {
		switch a.units[unit] {
		case unitCommitted:
			report.Committed++
		case unitActive:
			report.Losers = append(report.Losers, unit)
		}
	}
	log.Infow(
		"log analyzed",
		"operations", len(a.operations),
		"pages", len(a.pageOrder),
		"committed", report.Committed,
		"losers", len(report.Losers),
	)

	counts, err := redo(ctx, a, pages, opts.Workers)
	report.Redone, report.Compensated, report.Skipped = counts.redone, counts.compensated, counts.skipped
	if err != nil {
		return report, err
	}
	log.Infow(
		"redo finished",
		"redone", counts.redone,
		"compensated", counts.compensated,
		"skipped", counts.skipped,
	)

	if len(report.Losers) == 0 {
		return report, nil
	}
	if opts.Log == nil {
		return report, ErrNoRollbackLog
	}

	report.Undone, err = undo(ctx, a, pages, opts.Log, report.Losers)
	if err != nil {
		return report, err
	}
	if err := pages.FlushAll(ctx); err != nil {
		return report, fmt.Errorf("failed to flush undone pages: %w", err)
	}
	log.Infow("undo finished", "undone", report.Undone, "units", len(report.Losers))
	return report, nil
}

type redoCounts struct {
	redone      int
	compensated int
	skipped     int
}

func (c *redoCounts) add(o redoCounts) {
	c.redone += o.redone
	c.compensated += o.compensated
	c.skipped += o.skipped
}

// redoPage applies the steps of one page the page hasn't seen yet. Steps
// come in log order, several compensation steps may share one LSN.
func redoPage(
	ctx context.Context,
	pages PageSource,
	pageIdent common.PageIdentity,
	steps []step,
) (counts redoCounts, err error) {
	entry, err := pages.GetPage(ctx, pageIdent)
	if err != nil {
		return counts, err
	}
	defer func() {
		err = errors.Join(err, pages.Unpin(pageIdent))
	}()

	entry.Lock()
	defer entry.Unlock()

	seen := page.GetLSN(entry.Buffer())
	for _, s := range steps {
		if s.lsn <= seen {
			counts.skipped++
			continue
		}

		if s.compensation {
			err = s.record.Undo(entry)
			counts.compensated++
		} else {
			err = s.record.Redo(entry)
			counts.redone++
		}
		if err != nil {
			return counts, fmt.Errorf("at %s: %w", s.lsn, err)
		}
		if page.GetLSN(entry.Buffer()) < s.lsn {
			page.SetLSN(entry.Buffer(), s.lsn)
		}
	}
	return counts, nil
}

func redo(
	ctx context.Context,
	a *analysis,
	pages PageSource,
	workers int,
) (redoCounts, error) {
	pool, err := ants.NewPool(workers)
	if err != nil {
		return redoCounts{}, err
	}
	defer pool.Release()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		counts redoCounts
		errs   error
	)
	for _, pageIdent := range a.pageOrder {
		steps := a.byPage[pageIdent]
		wg.Add(1)
		task := func() {
			defer wg.Done()
			c, err := redoPage(ctx, pages, pageIdent, steps)

			mu.Lock()
			defer mu.Unlock()
			counts.add(c)
			if err != nil {
				errs = errors.Join(errs, fmt.Errorf("redo of %s: %w", pageIdent, err))
			}
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			wg.Wait()
			return counts, errors.Join(errs, err)
		}
	}
	wg.Wait()
	return counts, errs
}

func undo(
	ctx context.Context,
	a *analysis,
	pages PageSource,
	rollbackLog RollbackLog,
	losers []common.OperationUnitID,
) (int, error) {
	rollbackLSN := make(map[common.OperationUnitID]common.LSN, len(losers))
	for _, unit := range losers {
		lsn, err := rollbackLog.AppendRollback(unit)
		if err != nil {
			return 0, fmt.Errorf("failed to log rollback of %s: %w", unit, err)
		}
		rollbackLSN[unit] = lsn
	}

	var (
		byPage    = map[common.PageIdentity][]step{}
		pageOrder []common.PageIdentity
	)
	for i := len(a.operations) - 1; i >= 0; i-- {
		s := a.operations[i]
		if _, loser := rollbackLSN[s.record.OperationUnitID()]; !loser {
			continue
		}
		pageIdent := s.record.PageIdentity()
		if _, seen := byPage[pageIdent]; !seen {
			pageOrder = append(pageOrder, pageIdent)
		}
		byPage[pageIdent] = append(byPage[pageIdent], s)
	}

	undone := 0
	for _, pageIdent := range pageOrder {
		n, err := undoPage(ctx, pages, pageIdent, byPage[pageIdent], rollbackLSN)
		undone += n
		if err != nil {
			return undone, fmt.Errorf("undo of %s: %w", pageIdent, err)
		}
	}
	return undone, nil
}

// undoPage undoes the records of one page, newest first, under a single
// pin. The page gets the rollback LSN only once all of them are undone: a
// page holding that LSN must not need any of the compensation steps.
func undoPage(
	ctx context.Context,
	pages PageSource,
	pageIdent common.PageIdentity,
	steps []step,
	rollbackLSN map[common.OperationUnitID]common.LSN,
) (undone int, err error) {
	entry, err := pages.GetPage(ctx, pageIdent)
	if err != nil {
		return 0, err
	}
	defer func() {
		err = errors.Join(err, pages.Unpin(pageIdent))
	}()

	entry.Lock()
	defer entry.Unlock()

	stamp := page.GetLSN(entry.Buffer())
	for _, s := range steps {
		if err := s.record.Undo(entry); err != nil {
			return undone, fmt.Errorf("at %s: %w", s.lsn, err)
		}
		undone++
		stamp = max(stamp, rollbackLSN[s.record.OperationUnitID()])
	}
	page.SetLSN(entry.Buffer(), stamp)
	return undone, nil
}
