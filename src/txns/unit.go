package txns

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/Blackdeer1524/bucketlog/src"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
	"github.com/Blackdeer1524/bucketlog/src/storage/cache"
	"github.com/Blackdeer1524/bucketlog/src/storage/page"
	"github.com/Blackdeer1524/bucketlog/src/wal/po"
)

var (
	ErrUnitFinished = errors.New("operation unit is already finished")
	// ErrRollbackNotLogged leaves the pages of the unit pinned and latched
	// with its logged changes applied, as the log describes them. They are
	// rolled back by recovery on the next start.
	ErrRollbackNotLogged = errors.New("rollback of the operation unit couldn't be logged")
)

type Pages interface {
	GetPage(ctx context.Context, pageIdent common.PageIdentity) (*cache.Entry, error)
	Unpin(pageIdent common.PageIdentity) error
	LogPageOperations(unit common.OperationUnitID, entry *cache.Entry) (common.LSN, error)
}

type Log interface {
	AppendCommit(unit common.OperationUnitID) (common.LSN, error)
	AppendRollback(unit common.OperationUnitID) (common.LSN, error)
}

type Manager struct {
	pages  Pages
	log    Log
	logger src.Logger
	active atomic.Int64
}

func NewManager(pages Pages, log Log, logger src.Logger) *Manager {
	return &Manager{
		pages:  pages,
		log:    log,
		logger: logger,
	}
}

// Active returns the number of units that are neither committed nor
// rolled back.
func (m *Manager) Active() int64 {
	return m.active.Load()
}

func (m *Manager) Begin() *Unit {
	m.active.Add(1)
	return &Unit{
		id:      common.NewOperationUnitID(),
		m:       m,
		entries: map[common.PageIdentity]*cache.Entry{},
	}
}

// Unit groups page mutations that commit or roll back together. Every
// page it touches stays pinned and exclusively latched until the unit
// ends, so no other unit sees or changes it in between. A Unit is used by
// one goroutine.
type Unit struct {
	id      common.OperationUnitID
	m       *Manager
	entries map[common.PageIdentity]*cache.Entry
	order   []common.PageIdentity
	logged  []*po.Record
	done    bool
}

func (u *Unit) ID() common.OperationUnitID {
	return u.id
}

// Page returns the page pinned and latched for writing. It waits for the
// latch until ctx is done.
func (u *Unit) Page(ctx context.Context, pageIdent common.PageIdentity) (*cache.Entry, error) {
	if u.done {
		return nil, ErrUnitFinished
	}
	if entry, ok := u.entries[pageIdent]; ok {
		return entry, nil
	}

	entry, err := u.m.pages.GetPage(ctx, pageIdent)
	if err != nil {
		return nil, err
	}
	if err := entry.LockContext(ctx); err != nil {
		return nil, errors.Join(
			fmt.Errorf("couldn't latch %s: %w", pageIdent, err),
			u.m.pages.Unpin(pageIdent),
		)
	}

	u.entries[pageIdent] = entry
	u.order = append(u.order, pageIdent)
	return entry, nil
}

// Commit logs the pending operations of every page and then the commit
// frame. On failure the unit is rolled back.
func (u *Unit) Commit() (common.LSN, error) {
	if u.done {
		return common.NilLSN, ErrUnitFinished
	}

	for _, pageIdent := range u.order {
		entry := u.entries[pageIdent]
		records := entry.GetPageOperations()
		if _, err := u.m.pages.LogPageOperations(u.id, entry); err != nil {
			return common.NilLSN, errors.Join(err, u.rollback())
		}
		u.logged = append(u.logged, records...)
	}

	if len(u.logged) == 0 {
		return common.NilLSN, u.release()
	}

	lsn, err := u.m.log.AppendCommit(u.id)
	if err != nil {
		return common.NilLSN, errors.Join(
			fmt.Errorf("failed to commit %s: %w", u.id, err),
			u.rollback(),
		)
	}

	u.m.logger.Debugw("committed operation unit", "unit", u.id, "records", len(u.logged), "lsn", lsn)
	return lsn, u.release()
}

// Rollback undoes every change of the unit. Changes that already reached
// the log are undone after a rollback frame, which stamps the pages.
func (u *Unit) Rollback() error {
	if u.done {
		return ErrUnitFinished
	}
	return u.rollback()
}

func (u *Unit) rollback() error {
	var err error
	for _, pageIdent := range slices.Backward(u.order) {
		entry := u.entries[pageIdent]
		for _, r := range slices.Backward(entry.GetPageOperations()) {
			err = errors.Join(err, r.Undo(entry))
		}
		entry.ClearPageOperations()
	}

	if len(u.logged) > 0 {
		lsn, logErr := u.m.log.AppendRollback(u.id)
		if logErr != nil {
			u.done = true
			u.m.logger.Errorw(
				"operation unit is stuck with logged changes",
				"unit", u.id,
				"pages", len(u.order),
				"error", logErr,
			)
			return errors.Join(err, fmt.Errorf("%w: %s: %w", ErrRollbackNotLogged, u.id, logErr))
		}

		undone := map[common.PageIdentity]*cache.Entry{}
		for _, r := range slices.Backward(u.logged) {
			entry := u.entries[r.PageIdentity()]
			err = errors.Join(err, r.Undo(entry))
			undone[r.PageIdentity()] = entry
		}
		for _, entry := range undone {
			if page.GetLSN(entry.Buffer()) < lsn {
				page.SetLSN(entry.Buffer(), lsn)
			}
		}
	}

	u.m.logger.Debugw("rolled back operation unit", "unit", u.id, "logged", len(u.logged))
	return errors.Join(err, u.release())
}

func (u *Unit) release() error {
	var err error
	for _, pageIdent := range u.order {
		u.entries[pageIdent].Unlock()
		err = errors.Join(err, u.m.pages.Unpin(pageIdent))
	}
	u.done = true
	u.m.active.Add(-1)
	return err
}
