package directmemory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Blackdeer1524/bucketlog/src"
	"github.com/Blackdeer1524/bucketlog/src/pkg/assert"
)

var (
	ErrAllocation    = errors.New("direct memory ceiling exceeded")
	ErrInvalidHandle = errors.New("invalid direct memory handle")
	ErrPoolNotEmpty  = errors.New("direct memory pool has acquired blocks")
)

// Pool hands out fixed-size blocks and takes them back for reuse. Blocks
// live for the whole lifetime of the pool; Clear drops them at shutdown.
type Pool struct {
	pageSize int
	maxPages int

	mu          sync.Mutex
	free        []*Pointer
	nextID      uint64
	allocated   int
	outstanding int

	log src.Logger
}

type Option func(*Pool)

// WithMaxPages sets the hard ceiling on blocks created by the pool.
// Zero means unbounded.
func WithMaxPages(n int) Option {
	return func(p *Pool) {
		p.maxPages = n
	}
}

func WithLogger(log src.Logger) Option {
	return func(p *Pool) {
		p.log = log
	}
}

// WithRegisterer exports the pool accounting as gauges.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Pool) {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "bucketlog",
				Subsystem: "directmemory",
				Name:      "allocated_blocks",
				Help:      "Blocks created by the pool, free or acquired.",
			}, func() float64 { return float64(p.Stats().Allocated) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "bucketlog",
				Subsystem: "directmemory",
				Name:      "outstanding_blocks",
				Help:      "Blocks currently acquired and not yet released.",
			}, func() float64 { return float64(p.Stats().Outstanding) }),
		)
	}
}

func New(pageSize int, opts ...Option) *Pool {
	assert.Assert(pageSize > 0, "page size must be positive, got %d", pageSize)

	p := &Pool{
		pageSize: pageSize,
		log:      src.NoLogs(),
	}
	for _, opt := range opts {
		opt(p)
	}
	assert.Assert(p.maxPages >= 0, "max pages must not be negative")
	return p
}

func (p *Pool) PageSize() int {
	return p.pageSize
}

// AcquireDirect returns a block nobody else holds. With clear set the
// block is zero-filled, otherwise it keeps the bytes of its previous owner.
func (p *Pool) AcquireDirect(clear bool) (*Pointer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ptr *Pointer
	if n := len(p.free); n > 0 {
		ptr = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		if p.maxPages > 0 && p.allocated >= p.maxPages {
			return nil, fmt.Errorf(
				"%w: %d of %d blocks in use",
				ErrAllocation,
				p.outstanding,
				p.maxPages,
			)
		}

		p.nextID++
		p.allocated++
		ptr = &Pointer{
			id:   p.nextID,
			pool: p,
			data: make([]byte, p.pageSize),
		}
		clear = false
	}

	if clear {
		ptr.clear()
	}
	ptr.acquired = true
	p.outstanding++
	return ptr, nil
}

func (p *Pool) Release(ptr *Pointer) error {
	if ptr == nil {
		return fmt.Errorf("%w: nil pointer", ErrInvalidHandle)
	}
	if ptr.pool != p {
		return fmt.Errorf("%w: block %d belongs to another pool", ErrInvalidHandle, ptr.id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !ptr.acquired {
		return fmt.Errorf("%w: block %d is already released", ErrInvalidHandle, ptr.id)
	}

	ptr.acquired = false
	p.outstanding--
	p.free = append(p.free, ptr)
	return nil
}

// Clear frees every pooled block. It refuses to run while any block is
// still acquired.
func (p *Pool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.outstanding > 0 {
		p.log.Errorw(
			"direct memory pool cleared with acquired blocks",
			"outstanding", p.outstanding,
		)
		return fmt.Errorf("%w: %d blocks acquired", ErrPoolNotEmpty, p.outstanding)
	}

	for i, ptr := range p.free {
		ptr.data = nil
		p.free[i] = nil
	}
	p.free = p.free[:0]
	p.allocated = 0
	return nil
}

type Stats struct {
	Allocated   int
	Outstanding int
	Free        int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Allocated:   p.allocated,
		Outstanding: p.outstanding,
		Free:        len(p.free),
	}
}
