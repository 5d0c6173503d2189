package common

import "context"

type Page interface {
	// latch methods
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

type DiskManager interface {
	ReadPage(ctx context.Context, pageIdent PageIdentity, dst []byte) error
	WritePage(ctx context.Context, pageIdent PageIdentity, src []byte) error
	PageCount(fileID FileID) (int64, error)
}
