package bufferpool

import (
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Blackdeer1524/bucketlog/src/pkg/assert"
	"github.com/Blackdeer1524/bucketlog/src/pkg/common"
)

var ErrNoVictimAvailable = errors.New("no victim available")

// LRUReplacer tracks unpinned pages and gives away the least recently
// unpinned one.
type LRUReplacer struct {
	evictable *lru.Cache[common.PageIdentity, struct{}]
}

var _ Replacer = &LRUReplacer{}

// NewLRUReplacer returns a replacer for a pool of capacity frames.
func NewLRUReplacer(capacity uint64) *LRUReplacer {
	cache, err := lru.New[common.PageIdentity, struct{}](int(capacity))
	assert.NoError(err)

	return &LRUReplacer{evictable: cache}
}

func (r *LRUReplacer) Pin(pageIdent common.PageIdentity) {
	r.evictable.Remove(pageIdent)
}

func (r *LRUReplacer) Unpin(pageIdent common.PageIdentity) {
	evicted := r.evictable.Add(pageIdent, struct{}{})
	assert.Assert(!evicted, "more unpinned pages than frames")
}

func (r *LRUReplacer) ChooseVictim() (common.PageIdentity, error) {
	victim, _, ok := r.evictable.RemoveOldest()
	if !ok {
		return common.PageIdentity{}, ErrNoVictimAvailable
	}
	return victim, nil
}

func (r *LRUReplacer) GetSize() uint64 {
	return uint64(r.evictable.Len())
}
